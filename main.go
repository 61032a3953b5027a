package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"trade-gateway/src/broker"
	"trade-gateway/src/config"
	"trade-gateway/src/handlers"
	"trade-gateway/src/logger"
	"trade-gateway/src/marketdata"
	"trade-gateway/src/routes"
	"trade-gateway/src/stream"
)

func main() {
	logger.InitLogger()
	log := logger.GetLogger()

	log.Info().Msg("Initializing Trade Gateway")

	cfg := config.Load()

	redisBroker := broker.NewRedisBroker(cfg.RedisAddr)
	defer redisBroker.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := redisBroker.Ping(pingCtx); err != nil {
		log.Warn().
			Err(err).
			Str("addr", cfg.RedisAddr).
			Msg("Broker not reachable at startup, continuing anyway")
	}
	pingCancel()

	correlator := broker.NewCorrelator(redisBroker, cfg.CommandStream)

	mirror := marketdata.NewMirrorSet(cfg.Assets)
	normalizer := marketdata.NewNormalizer(redisBroker, cfg.PriceChannel, cfg.CommandStream)
	hub := stream.NewHub(redisBroker, cfg.PriceChannel)

	tradeHandler := handlers.NewTradeHandler(correlator, cfg)
	tradeHandler.Broker = redisBroker
	tradeHandler.Quotes = normalizer
	tradeHandler.Stream = hub
	marketHandler := handlers.NewMarketHandler(mirror, cfg)

	// Background pipeline: feeds -> normalizer -> broker -> hub -> clients.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	ticks := make(chan marketdata.Tick, 256)
	go normalizer.Run(bgCtx, ticks)

	go hub.Run(bgCtx)

	for _, asset := range cfg.Assets {
		feed := marketdata.NewFeed(cfg.FeedURL, asset, ticks, mirror)
		go feed.Run(bgCtx)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			log.Error().
				Str("path", c.Path()).
				Str("method", c.Method()).
				Int("status", code).
				Str("error", err.Error()).
				Msg("Request error")

			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(recover.New())
	routes.SetupRoutes(app, cfg, tradeHandler, marketHandler, hub, redisBroker)

	serverError := make(chan error, 1)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			// edge case: ignore shutdown errors, only report real failures
			if err.Error() != "server is shutting down" {
				serverError <- err
			}
		}
	}()

	select {
	case err := <-serverError:
		log.Fatal().
			Err(err).
			Str("port", cfg.Port).
			Str("hint", "Port may be already in use. Try: PORT=3000 go run main.go").
			Msg("Server failed to start")
	default:
		log.Info().
			Str("port", cfg.Port).
			Strs("assets", cfg.Assets).
			Msg("Trade Gateway started")

		log.Info().
			Strs("endpoints", []string{
				"POST /api/v1/orders",
				"POST /api/v1/orders/close",
				"GET  /api/v1/orders/open",
				"GET  /api/v1/balance",
				"GET  /api/v1/balance/usd",
				"GET  /api/v1/assets",
				"GET  /api/v1/depth/:symbol",
				"GET  /ws",
				"GET  /health",
				"GET  /metrics",
			}).
			Msg("API endpoints registered")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	log.Info().Msg("Received shutdown signal, shutting down...")

	shutdownTimeout := 10 * time.Second
	if envTimeout := os.Getenv("SHUTDOWN_TIMEOUT"); envTimeout != "" {
		if parsed, err := time.ParseDuration(envTimeout); err == nil && parsed > 0 {
			shutdownTimeout = parsed
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		// edge case: timeout during shutdown is acceptable
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().
				Dur("timeout", shutdownTimeout).
				Msg("Timeout exceeded, shutting down...")
		} else {
			log.Error().
				Err(err).
				Msg("Error during shutdown")
		}
	} else {
		log.Info().Msg("Shutdown complete")
	}

	bgCancel()
	logger.CloseLogger()
}
