package routes

import (
	"os"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"trade-gateway/src/config"
	"trade-gateway/src/handlers"
	"trade-gateway/src/middleware"
	"trade-gateway/src/stream"
)

func SetupRoutes(app *fiber.App, cfg *config.Config, tradeHandler *handlers.TradeHandler, marketHandler *handlers.MarketHandler, hub *stream.Hub, pinger middleware.Pinger) {
	rateLimitDisabled := os.Getenv("RATE_LIMIT_DISABLED") == "1"

	maxRequests := 100
	if envMax := os.Getenv("RATE_LIMIT_MAX"); envMax != "" {
		if parsed, err := strconv.Atoi(envMax); err == nil && parsed > 0 {
			maxRequests = parsed
		}
	}

	windowDuration := time.Second
	if envWindow := os.Getenv("RATE_LIMIT_WINDOW"); envWindow != "" {
		if parsed, err := time.ParseDuration(envWindow); err == nil && parsed > 0 {
			windowDuration = parsed
		}
	}

	availability := middleware.DefaultAvailability(pinger)
	app.Use(availability.Middleware())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.Identity(cfg.DefaultUser))

	api := app.Group("/api/v1")

	if !rateLimitDisabled {
		rateLimiter := middleware.NewRateLimiter(maxRequests, windowDuration)
		api.Use(rateLimiter.Middleware())
	}

	api.Post("/orders", tradeHandler.CreateOrder)
	api.Post("/orders/close", tradeHandler.CloseOrder)
	api.Get("/orders/open", tradeHandler.GetOpenOrders)
	api.Get("/balance", tradeHandler.GetBalance)
	api.Get("/balance/usd", tradeHandler.GetBalanceUSD)
	api.Get("/assets", tradeHandler.GetSupportedAssets)
	api.Get("/depth/:symbol", marketHandler.GetDepth)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", stream.ServeWS(hub))

	app.Get("/health", tradeHandler.HealthCheck)
	app.Get("/metrics", tradeHandler.Metrics)
}
