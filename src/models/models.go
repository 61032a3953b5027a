package models

import "encoding/json"

type CreateOrderRequest struct {
	Asset    string `json:"asset"`
	Type     string `json:"type"`     // "long" or "short"
	Margin   int64  `json:"margin"`   // fixed-point, 2 decimals
	Leverage int    `json:"leverage"` // 1..100
	Slippage int    `json:"slippage"` // basis points, 0..200
}

type CreateOrderResponse struct {
	OrderID string `json:"orderId"`
	Message string `json:"message"`
}

type CloseOrderRequest struct {
	OrderID string `json:"orderId"`
}

type CloseOrderResponse struct {
	Message string          `json:"message"`
	PnL     json.RawMessage `json:"pnl,omitempty"` // engine-formatted decimal, forwarded verbatim
}

type BalanceUSDResponse struct {
	Balance json.RawMessage `json:"balance"`
}

// AssetBalance mirrors one entry of the engine's flat BALANCE reply. The
// balance value is forwarded verbatim; only its presence is validated.
type AssetBalance struct {
	Balance  json.RawMessage `json:"balance"`
	Decimals *int            `json:"decimals"`
}

type SupportedAsset struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
}

type SupportedAssetsResponse struct {
	Assets []SupportedAsset `json:"assets"`
}

type OpenOrdersResponse struct {
	Orders json.RawMessage `json:"orders"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	OrderID string `json:"orderId,omitempty"`
}

// PriceQuote is the normalized quote broadcast to streaming clients and
// appended to the command stream. Prices are fixed-point, scaled by
// 10^decimals.
type PriceQuote struct {
	Symbol    string `json:"symbol"`
	BuyPrice  int64  `json:"buyPrice"`
	SellPrice int64  `json:"sellPrice"`
	Decimals  int    `json:"decimals"`
	Action    string `json:"action"`
}

type PriceLevelInfo struct {
	Price    int64 `json:"price"`    // scaled by 10^4
	Quantity int64 `json:"quantity"` // scaled by 10^4
}

type DepthResponse struct {
	Symbol    string           `json:"symbol"`
	Timestamp int64            `json:"timestamp"` // unix milliseconds
	Bids      []PriceLevelInfo `json:"bids"`      // highest first
	Asks      []PriceLevelInfo `json:"asks"`      // lowest first
}

type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Broker        string `json:"broker"`
}

type MetricsResponse struct {
	CommandsSent     int64   `json:"commands_sent"`
	RepliesReceived  int64   `json:"replies_received"`
	Timeouts         int64   `json:"timeouts"`
	EngineRejections int64   `json:"engine_rejections"`
	QuotesBroadcast  int64   `json:"quotes_broadcast"`
	StreamClients    int64   `json:"stream_clients"`
	LatencyP50Ms     float64 `json:"latency_p50_ms"`
	LatencyP99Ms     float64 `json:"latency_p99_ms"`
}
