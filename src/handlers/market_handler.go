package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"trade-gateway/src/config"
	"trade-gateway/src/marketdata"
	"trade-gateway/src/models"
)

// MarketHandler serves read-only market data assembled from the upstream
// feed: per-symbol depth snapshots out of the mirror set.
type MarketHandler struct {
	Books *marketdata.MirrorSet
	Cfg   *config.Config
}

func NewMarketHandler(books *marketdata.MirrorSet, cfg *config.Config) *MarketHandler {
	return &MarketHandler{Books: books, Cfg: cfg}
}

func (h *MarketHandler) GetDepth(c *fiber.Ctx) error {
	symbol := c.Params("symbol")

	book, ok := h.Books.Get(symbol)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Error: "Unknown symbol: " + symbol,
		})
	}

	depth := h.Cfg.DepthDefault
	if q := c.Query("depth"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil && parsed > 0 {
			depth = parsed
		}
	}
	if depth > h.Cfg.DepthMax {
		depth = h.Cfg.DepthMax
	}

	bids, asks, updated := book.Snapshot(depth)
	if updated == 0 {
		updated = time.Now().UnixMilli()
	}

	return c.Status(fiber.StatusOK).JSON(models.DepthResponse{
		Symbol:    book.Symbol,
		Timestamp: updated,
		Bids:      bids,
		Asks:      asks,
	})
}
