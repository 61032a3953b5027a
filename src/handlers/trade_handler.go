package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trade-gateway/src/broker"
	"trade-gateway/src/config"
	"trade-gateway/src/models"
)

const (
	genericServerError    = "Request failed, please try again"
	defaultCreatedMessage = "Order created successfully"
	defaultClosedMessage  = "Order closed successfully"
	defaultRejectMessage  = "Order rejected by engine"
)

// Pinger reports broker reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QuoteStats exposes fan-out counters for the metrics endpoint.
type QuoteStats interface {
	Emitted() int64
}

// ClientStats exposes streaming client counters for the metrics endpoint.
type ClientStats interface {
	ClientCount() int64
}

// TradeHandler exposes the client-facing command operations. Each handler
// validates input, builds one command envelope, round-trips it through the
// correlator, and translates the engine reply.
type TradeHandler struct {
	Correlator *broker.Correlator
	Cfg        *config.Config
	StartTime  time.Time

	Broker Pinger
	Quotes QuoteStats
	Stream ClientStats

	commandsSent     atomic.Int64
	repliesReceived  atomic.Int64
	timeouts         atomic.Int64
	engineRejections atomic.Int64

	latencies   []time.Duration
	latenciesMu sync.RWMutex
}

func NewTradeHandler(correlator *broker.Correlator, cfg *config.Config) *TradeHandler {
	return &TradeHandler{
		Correlator: correlator,
		Cfg:        cfg,
		StartTime:  time.Now(),
		latencies:  make([]time.Duration, 0, maxLatencySamples),
	}
}

const maxLatencySamples = 4096

func (h *TradeHandler) CreateOrder(c *fiber.Ctx) error {
	var req models.CreateOrderRequest

	if err := c.BodyParser(&req); err != nil {
		log.Warn().
			Err(err).
			Str("ip", c.IP()).
			Msg("Invalid request: malformed JSON")
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: malformed JSON",
		})
	}

	if err := h.validateCreateOrder(&req); err != nil {
		log.Warn().
			Err(err).
			Str("asset", req.Asset).
			Str("type", req.Type).
			Str("ip", c.IP()).
			Msg("Invalid order request")
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: err.Error(),
		})
	}

	user := callerIdentity(c)
	orderID := uuid.New().String()
	fields := models.CreateOrderCommand(orderID, user, &req, time.Now().Unix())

	log.Info().
		Str("order_id", orderID).
		Str("user", user).
		Str("asset", req.Asset).
		Str("type", req.Type).
		Int64("margin", req.Margin).
		Int("leverage", req.Leverage).
		Msg("Order submitted")

	reply, err := h.roundTrip(c.Context(), orderID, fields, h.Cfg.CreateOrderTimeout)
	if err != nil {
		return h.serverFailure(c, orderID, err)
	}

	switch reply.Action {
	case models.ReplyOrderSuccess:
		var result models.OrderResult
		if err := json.Unmarshal(reply.Data, &result); err != nil || result.OrderID == "" {
			return h.serverFailure(c, orderID, broker.ErrMalformedReply)
		}
		if result.Message == "" {
			result.Message = defaultCreatedMessage
		}
		log.Info().Str("order_id", result.OrderID).Msg("Order created")
		return c.Status(fiber.StatusCreated).JSON(models.CreateOrderResponse{
			OrderID: result.OrderID,
			Message: result.Message,
		})

	case models.ReplyOrderFailed:
		return h.engineRejection(c, reply.Data, orderID)

	default:
		return h.serverFailure(c, orderID, broker.ErrMalformedReply)
	}
}

func (h *TradeHandler) CloseOrder(c *fiber.Ctx) error {
	var req models.CloseOrderRequest

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: malformed JSON",
		})
	}
	if req.OrderID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: orderId is required",
		})
	}

	user := callerIdentity(c)
	requestID := uuid.New().String()
	fields := models.CloseOrderCommand(requestID, req.OrderID, user, time.Now().Unix())

	log.Info().
		Str("order_id", req.OrderID).
		Str("request_id", requestID).
		Str("user", user).
		Msg("Close order submitted")

	reply, err := h.roundTrip(c.Context(), requestID, fields, h.Cfg.CloseOrderTimeout)
	if err != nil {
		return h.serverFailure(c, requestID, err)
	}

	switch reply.Action {
	case models.ReplyOrderSuccess:
		var result models.OrderResult
		if err := json.Unmarshal(reply.Data, &result); err != nil {
			return h.serverFailure(c, requestID, broker.ErrMalformedReply)
		}
		if result.Message == "" {
			result.Message = defaultClosedMessage
		}
		return c.Status(fiber.StatusOK).JSON(models.CloseOrderResponse{
			Message: result.Message,
			PnL:     result.PnL,
		})

	case models.ReplyOrderFailed:
		return h.engineRejection(c, reply.Data, req.OrderID)

	default:
		return h.serverFailure(c, requestID, broker.ErrMalformedReply)
	}
}

func (h *TradeHandler) GetBalanceUSD(c *fiber.Ctx) error {
	reply, requestID, err := h.query(c, models.ActionGetBalanceUSD)
	if err != nil {
		return h.serverFailure(c, requestID, err)
	}

	switch reply.Action {
	case models.ReplyBalanceUSD:
		var result models.BalanceUSDResponse
		if err := json.Unmarshal(reply.Data, &result); err != nil || result.Balance == nil {
			return h.serverFailure(c, requestID, broker.ErrMalformedReply)
		}
		return c.Status(fiber.StatusOK).JSON(result)

	case models.ReplyBalanceFailed:
		return h.balanceRejection(c, reply.Data)

	default:
		return h.serverFailure(c, requestID, broker.ErrMalformedReply)
	}
}

func (h *TradeHandler) GetBalance(c *fiber.Ctx) error {
	reply, requestID, err := h.query(c, models.ActionGetBalance)
	if err != nil {
		return h.serverFailure(c, requestID, err)
	}

	switch reply.Action {
	case models.ReplyBalance:
		balances, err := reply.BalanceMap()
		if err != nil {
			return h.serverFailure(c, requestID, broker.ErrMalformedReply)
		}
		return c.Status(fiber.StatusOK).JSON(balances)

	case models.ReplyBalanceFailed:
		return h.balanceRejection(c, reply.Data)

	default:
		return h.serverFailure(c, requestID, broker.ErrMalformedReply)
	}
}

func (h *TradeHandler) GetSupportedAssets(c *fiber.Ctx) error {
	reply, requestID, err := h.query(c, models.ActionGetSupportedAssets)
	if err != nil {
		return h.serverFailure(c, requestID, err)
	}

	if reply.Action != models.ReplySupportedAssets {
		return h.serverFailure(c, requestID, broker.ErrMalformedReply)
	}

	var result models.SupportedAssetsResponse
	if err := json.Unmarshal(reply.Raw, &result); err != nil || result.Assets == nil {
		return h.serverFailure(c, requestID, broker.ErrMalformedReply)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

func (h *TradeHandler) GetOpenOrders(c *fiber.Ctx) error {
	reply, requestID, err := h.query(c, models.ActionGetOrders)
	if err != nil {
		return h.serverFailure(c, requestID, err)
	}

	if reply.Action != models.ReplyOrders {
		return h.serverFailure(c, requestID, broker.ErrMalformedReply)
	}

	var result models.OpenOrdersResponse
	if err := json.Unmarshal(reply.Raw, &result); err != nil || result.Orders == nil {
		return h.serverFailure(c, requestID, broker.ErrMalformedReply)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

func (h *TradeHandler) HealthCheck(c *fiber.Ctx) error {
	brokerState := "up"
	if h.Broker != nil {
		ctx, cancel := context.WithTimeout(c.Context(), time.Second)
		defer cancel()
		if err := h.Broker.Ping(ctx); err != nil {
			brokerState = "down"
		}
	}

	status := "healthy"
	if brokerState == "down" {
		status = "degraded"
	}

	return c.Status(fiber.StatusOK).JSON(models.HealthResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(h.StartTime).Seconds()),
		Broker:        brokerState,
	})
}

func (h *TradeHandler) Metrics(c *fiber.Ctx) error {
	p50, p99 := h.latencyPercentiles()

	var quotes, clients int64
	if h.Quotes != nil {
		quotes = h.Quotes.Emitted()
	}
	if h.Stream != nil {
		clients = h.Stream.ClientCount()
	}

	return c.Status(fiber.StatusOK).JSON(models.MetricsResponse{
		CommandsSent:     h.commandsSent.Load(),
		RepliesReceived:  h.repliesReceived.Load(),
		Timeouts:         h.timeouts.Load(),
		EngineRejections: h.engineRejections.Load(),
		QuotesBroadcast:  quotes,
		StreamClients:    clients,
		LatencyP50Ms:     p50,
		LatencyP99Ms:     p99,
	})
}

// query runs the shared correlation discipline for the parameterless
// per-user operations.
func (h *TradeHandler) query(c *fiber.Ctx, action string) (*models.EngineReply, string, error) {
	user := callerIdentity(c)
	requestID := uuid.New().String()
	fields := models.QueryCommand(action, requestID, user, time.Now().Unix())

	reply, err := h.roundTrip(c.Context(), requestID, fields, h.Cfg.QueryTimeout)
	return reply, requestID, err
}

// roundTrip sends one command and decodes the reply shell, keeping the
// counters and latency window up to date.
func (h *TradeHandler) roundTrip(ctx context.Context, correlationID string, fields map[string]interface{}, timeout time.Duration) (*models.EngineReply, error) {
	h.commandsSent.Add(1)
	start := time.Now()

	payload, err := h.Correlator.Request(ctx, correlationID, fields, timeout)
	h.recordLatency(time.Since(start))
	if err != nil {
		if errors.Is(err, broker.ErrTimeout) {
			h.timeouts.Add(1)
		}
		return nil, err
	}

	h.repliesReceived.Add(1)
	reply, err := models.DecodeEngineReply(payload)
	if err != nil {
		log.Error().
			Err(err).
			Str("correlation_id", correlationID).
			Msg("Unparsable engine reply")
		return nil, broker.ErrMalformedReply
	}
	return reply, nil
}

// serverFailure maps every non-rejection failure kind onto a generic 500;
// engine internals never leak to callers.
func (h *TradeHandler) serverFailure(c *fiber.Ctx, correlationID string, err error) error {
	log.Error().
		Err(err).
		Str("correlation_id", correlationID).
		Str("path", c.Path()).
		Msg("Command failed")
	return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
		Error: genericServerError,
	})
}

func (h *TradeHandler) engineRejection(c *fiber.Ctx, data json.RawMessage, fallbackOrderID string) error {
	h.engineRejections.Add(1)

	var result models.OrderResult
	_ = json.Unmarshal(data, &result)
	if result.OrderID == "" {
		result.OrderID = fallbackOrderID
	}
	if result.Message == "" {
		result.Message = defaultRejectMessage
	}

	log.Warn().
		Str("order_id", result.OrderID).
		Str("reason", result.Message).
		Msg("Order rejected by engine")

	return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
		Error:   result.Message,
		OrderID: result.OrderID,
	})
}

func (h *TradeHandler) balanceRejection(c *fiber.Ctx, data json.RawMessage) error {
	h.engineRejections.Add(1)

	var detail models.FailureDetail
	_ = json.Unmarshal(data, &detail)
	if detail.Message == "" {
		detail.Message = genericServerError
	}
	return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
		Error: detail.Message,
	})
}

func (h *TradeHandler) validateCreateOrder(req *models.CreateOrderRequest) error {
	if req.Asset == "" {
		return &ValidationError{Message: "Invalid order: asset is required"}
	}
	if !h.Cfg.SupportsAsset(req.Asset) {
		return &ValidationError{Message: "Invalid order: unsupported asset " + req.Asset}
	}
	if req.Type != "long" && req.Type != "short" {
		return &ValidationError{Message: "Invalid order: type must be long or short"}
	}
	if req.Margin <= 0 {
		return &ValidationError{Message: "Invalid order: margin must be positive"}
	}
	if req.Leverage < 1 || req.Leverage > 100 {
		return &ValidationError{Message: "Invalid order: leverage must be between 1 and 100"}
	}
	if req.Slippage < 0 || req.Slippage > 200 {
		return &ValidationError{Message: "Invalid order: slippage must be between 0 and 200 basis points"}
	}
	return nil
}

func (h *TradeHandler) recordLatency(latency time.Duration) {
	h.latenciesMu.Lock()
	defer h.latenciesMu.Unlock()

	h.latencies = append(h.latencies, latency)
	if len(h.latencies) > maxLatencySamples {
		h.latencies = h.latencies[len(h.latencies)-maxLatencySamples:]
	}
}

func (h *TradeHandler) latencyPercentiles() (p50, p99 float64) {
	h.latenciesMu.RLock()
	defer h.latenciesMu.RUnlock()

	if len(h.latencies) == 0 {
		return 0, 0
	}

	sorted := make([]time.Duration, len(h.latencies))
	copy(sorted, h.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := func(q float64) int {
		i := int(float64(len(sorted)) * q)
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return i
	}

	p50 = float64(sorted[idx(0.50)].Nanoseconds()) / 1e6
	p99 = float64(sorted[idx(0.99)].Nanoseconds()) / 1e6
	return p50, p99
}

// callerIdentity reads the identity the auth layer attached upstream.
func callerIdentity(c *fiber.Ctx) string {
	if user, ok := c.Locals("user").(string); ok && user != "" {
		return user
	}
	return "anonymous"
}
