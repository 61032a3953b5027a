package middleware

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Pinger reports whether the message substrate is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Availability gates traffic on three conditions: an operator-set maintenance
// flag, an in-flight request cap, and broker reachability. With the broker
// down every command would end in a timeout anyway, so shedding early is
// kinder to callers. The health endpoint always passes.
type Availability struct {
	maintenanceMode       atomic.Bool
	maxConcurrentRequests int64
	inFlightRequests      atomic.Int64

	pinger        Pinger
	probeInterval time.Duration
	probeMu       sync.Mutex
	lastProbe     time.Time
	brokerDown    bool
}

func NewAvailability(maxConcurrentRequests int64, pinger Pinger) *Availability {
	a := &Availability{
		maxConcurrentRequests: maxConcurrentRequests,
		pinger:                pinger,
		probeInterval:         5 * time.Second,
	}

	if os.Getenv("MAINTENANCE_MODE") == "1" {
		a.maintenanceMode.Store(true)
		log.Warn().Msg("Service is in maintenance mode - all requests will return 503")
	}

	return a
}

func DefaultAvailability(pinger Pinger) *Availability {
	maxConcurrent := int64(0)
	if envMax := os.Getenv("MAX_CONCURRENT_REQUESTS"); envMax != "" {
		if parsed, err := strconv.ParseInt(envMax, 10, 64); err == nil && parsed > 0 {
			maxConcurrent = parsed
			log.Info().
				Int64("max_concurrent_requests", maxConcurrent).
				Msg("Overload shedding enabled")
		}
	}
	return NewAvailability(maxConcurrent, pinger)
}

func (a *Availability) SetMaintenanceMode(enabled bool) {
	a.maintenanceMode.Store(enabled)
	if enabled {
		log.Warn().Msg("Maintenance mode enabled")
	} else {
		log.Info().Msg("Maintenance mode disabled")
	}
}

func (a *Availability) InFlightRequests() int64 {
	return a.inFlightRequests.Load()
}

// brokerReachable probes the broker at most once per probeInterval and serves
// the cached verdict in between.
func (a *Availability) brokerReachable() bool {
	if a.pinger == nil {
		return true
	}

	a.probeMu.Lock()
	defer a.probeMu.Unlock()

	if time.Since(a.lastProbe) < a.probeInterval {
		return !a.brokerDown
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := a.pinger.Ping(ctx)
	a.lastProbe = time.Now()

	if err != nil && !a.brokerDown {
		log.Warn().Err(err).Msg("Broker unreachable, shedding requests")
	} else if err == nil && a.brokerDown {
		log.Info().Msg("Broker reachable again")
	}
	a.brokerDown = err != nil

	return !a.brokerDown
}

func (a *Availability) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}

		if a.maintenanceMode.Load() {
			log.Warn().
				Str("path", c.Path()).
				Str("ip", c.IP()).
				Msg("Request rejected: maintenance mode")
			return serviceUnavailable(c, "The service is currently undergoing maintenance. Please try again later.")
		}

		if a.maxConcurrentRequests > 0 && a.inFlightRequests.Load() >= a.maxConcurrentRequests {
			log.Warn().
				Str("path", c.Path()).
				Int64("in_flight", a.inFlightRequests.Load()).
				Msg("Request rejected: server overload")
			return serviceUnavailable(c, "The service is currently overloaded. Please try again later.")
		}

		if !a.brokerReachable() {
			return serviceUnavailable(c, "The service is temporarily unable to process requests. Please try again later.")
		}

		a.inFlightRequests.Add(1)
		defer a.inFlightRequests.Add(-1)

		return c.Next()
	}
}

func serviceUnavailable(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error":   "Service unavailable",
		"message": message,
	})
}
