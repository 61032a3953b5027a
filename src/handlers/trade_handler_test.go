package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"trade-gateway/src/broker"
	"trade-gateway/src/broker/brokertest"
	"trade-gateway/src/config"
	"trade-gateway/src/middleware"
	"trade-gateway/src/models"
)

// engineStub drives the memory broker like the real matching engine: it
// watches the command stream and publishes one reply per command.
type engineStub func(fields map[string]interface{}) (channel string, reply []byte)

func setupTestApp(t *testing.T, stub engineStub) (*fiber.App, *brokertest.MemoryBroker) {
	t.Helper()
	os.Setenv("LOG_LEVEL", "warn")

	mb := brokertest.NewMemoryBroker()
	if stub != nil {
		mb.OnAppend = func(stream string, fields map[string]interface{}) {
			channel, reply := stub(fields)
			if reply != nil {
				mb.Publish(context.Background(), channel, reply)
			}
		}
	}

	cfg := config.Load()
	cfg.CreateOrderTimeout = 500 * time.Millisecond
	cfg.CloseOrderTimeout = 500 * time.Millisecond
	cfg.QueryTimeout = 500 * time.Millisecond

	h := NewTradeHandler(broker.NewCorrelator(mb, cfg.CommandStream), cfg)
	h.Broker = mb

	app := fiber.New()
	app.Use(middleware.Identity(cfg.DefaultUser))
	api := app.Group("/api/v1")
	api.Post("/orders", h.CreateOrder)
	api.Post("/orders/close", h.CloseOrder)
	api.Get("/orders/open", h.GetOpenOrders)
	api.Get("/balance", h.GetBalance)
	api.Get("/balance/usd", h.GetBalanceUSD)
	api.Get("/assets", h.GetSupportedAssets)
	app.Get("/health", h.HealthCheck)
	app.Get("/metrics", h.Metrics)

	return app, mb
}

// successEngine answers every command with its happy-path reply.
func successEngine(fields map[string]interface{}) (string, []byte) {
	action, _ := fields["action"].(string)
	switch action {
	case models.ActionCreateOrder:
		orderID := fields["orderId"].(string)
		return broker.ReplyChannel(orderID), mustJSON(map[string]interface{}{
			"action": "ORDER_SUCCESS",
			"data":   map[string]string{"orderId": orderID, "message": "Order created successfully"},
		})
	case models.ActionCloseOrder:
		requestID := fields["requestId"].(string)
		return broker.ReplyChannel(requestID), mustJSON(map[string]interface{}{
			"action": "ORDER_SUCCESS",
			"data":   map[string]interface{}{"orderId": fields["orderId"], "message": "Order closed", "pnl": "12.50"},
		})
	case models.ActionGetBalanceUSD:
		return broker.ReplyChannel(fields["requestId"].(string)), mustJSON(map[string]interface{}{
			"action": "BALANCE_USD",
			"data":   map[string]string{"balance": "5000.00"},
		})
	case models.ActionGetBalance:
		return broker.ReplyChannel(fields["requestId"].(string)), []byte(
			`{"action":"BALANCE","BTC":{"balance":"0.5","decimals":8},"USD":{"balance":"5000","decimals":2}}`)
	case models.ActionGetSupportedAssets:
		return broker.ReplyChannel(fields["requestId"].(string)), []byte(
			`{"action":"SUPPORTED_ASSETS","assets":[{"symbol":"BTC","name":"Bitcoin","imageUrl":"https://example.com/btc.png"}]}`)
	case models.ActionGetOrders:
		return broker.ReplyChannel(fields["requestId"].(string)), []byte(
			`{"action":"ORDERS","orders":[{"orderId":"abc","asset":"BTC"}]}`)
	}
	return "", nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func postJSON(t *testing.T, app *fiber.App, path string, body interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func getJSON(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func validOrderBody() map[string]interface{} {
	return map[string]interface{}{
		"asset":    "BTC",
		"type":     "long",
		"margin":   50000,
		"leverage": 10,
		"slippage": 100,
	}
}

func TestCreateOrderSuccess(t *testing.T) {
	app, mb := setupTestApp(t, successEngine)

	resp := postJSON(t, app, "/api/v1/orders", validOrderBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got: %d", resp.StatusCode)
	}

	var result models.CreateOrderResponse
	json.NewDecoder(resp.Body).Decode(&result)
	if result.OrderID == "" {
		t.Error("Expected engine-assigned order id in response")
	}
	if result.Message != "Order created successfully" {
		t.Errorf("Unexpected message: %q", result.Message)
	}

	entries := mb.Stream("orders")
	if len(entries) != 1 {
		t.Fatalf("Expected one command on the stream, got %d", len(entries))
	}
	if entries[0]["action"] != models.ActionCreateOrder {
		t.Errorf("Unexpected action on stream: %v", entries[0]["action"])
	}
	if entries[0]["user"] != "demo" {
		t.Errorf("Expected default user identity, got: %v", entries[0]["user"])
	}
}

func TestCreateOrderValidation(t *testing.T) {
	app, mb := setupTestApp(t, successEngine)

	rejected := []map[string]interface{}{
		{"asset": "", "type": "long", "margin": 50000, "leverage": 10, "slippage": 100},
		{"asset": "DOGE", "type": "long", "margin": 50000, "leverage": 10, "slippage": 100},
		{"asset": "BTC", "type": "sideways", "margin": 50000, "leverage": 10, "slippage": 100},
		{"asset": "BTC", "type": "long", "margin": 0, "leverage": 10, "slippage": 100},
		{"asset": "BTC", "type": "long", "margin": 50000, "leverage": 0, "slippage": 100},
		{"asset": "BTC", "type": "long", "margin": 50000, "leverage": 101, "slippage": 100},
		{"asset": "BTC", "type": "long", "margin": 50000, "leverage": 10, "slippage": -1},
		{"asset": "BTC", "type": "long", "margin": 50000, "leverage": 10, "slippage": 201},
	}
	for i, body := range rejected {
		resp := postJSON(t, app, "/api/v1/orders", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Case %d: expected status 400, got: %d", i, resp.StatusCode)
		}
	}

	// Validation failures must never reach the broker.
	if ops := mb.Operations(); len(ops) != 0 {
		t.Errorf("Expected no broker traffic for invalid requests, got: %v", ops)
	}

	accepted := []map[string]interface{}{
		{"asset": "BTC", "type": "long", "margin": 1, "leverage": 1, "slippage": 0},
		{"asset": "BTC", "type": "short", "margin": 50000, "leverage": 100, "slippage": 200},
	}
	for i, body := range accepted {
		resp := postJSON(t, app, "/api/v1/orders", body)
		if resp.StatusCode != http.StatusCreated {
			t.Errorf("Boundary case %d: expected status 201, got: %d", i, resp.StatusCode)
		}
	}
}

func TestCreateOrderEngineRejection(t *testing.T) {
	app, _ := setupTestApp(t, func(fields map[string]interface{}) (string, []byte) {
		orderID := fields["orderId"].(string)
		return broker.ReplyChannel(orderID), mustJSON(map[string]interface{}{
			"action": "ORDER_FAILED",
			"data":   map[string]string{"orderId": orderID, "message": "Insufficient balance"},
		})
	})

	resp := postJSON(t, app, "/api/v1/orders", validOrderBody())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got: %d", resp.StatusCode)
	}

	var result models.ErrorResponse
	json.NewDecoder(resp.Body).Decode(&result)
	if result.Error != "Insufficient balance" {
		t.Errorf("Expected engine message to surface, got: %q", result.Error)
	}
	if result.OrderID == "" {
		t.Error("Expected order id in rejection")
	}
}

func TestCreateOrderTimeout(t *testing.T) {
	app, mb := setupTestApp(t, nil) // engine never replies

	resp := postJSON(t, app, "/api/v1/orders", validOrderBody())
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Expected status 500 on timeout, got: %d", resp.StatusCode)
	}

	// The correlation's listener must be gone after the timeout.
	orderID, _ := mb.Stream("orders")[0]["orderId"].(string)
	if orderID == "" {
		t.Fatal("Expected the command to have been emitted")
	}
	if n := mb.SubscriberCount(broker.ReplyChannel(orderID)); n != 0 {
		t.Errorf("Expected listener detached after timeout, found %d", n)
	}
}

func TestCreateOrderMalformedReply(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"data":{"orderId":"x"}}`),              // missing action
		[]byte(`{"action":"SOMETHING_ELSE","data":{}}`), // unknown tag
		[]byte(`{"action":"ORDER_SUCCESS","data":{}}`),  // missing orderId
	}

	for i, reply := range cases {
		payload := reply
		app, _ := setupTestApp(t, func(fields map[string]interface{}) (string, []byte) {
			return broker.ReplyChannel(fields["orderId"].(string)), payload
		})

		resp := postJSON(t, app, "/api/v1/orders", validOrderBody())
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("Case %d: expected status 500, got: %d", i, resp.StatusCode)
		}
	}
}

func TestCloseOrder(t *testing.T) {
	app, _ := setupTestApp(t, successEngine)

	resp := postJSON(t, app, "/api/v1/orders/close", map[string]string{"orderId": "abc-123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got: %d", resp.StatusCode)
	}

	var result models.CloseOrderResponse
	json.NewDecoder(resp.Body).Decode(&result)
	if result.Message != "Order closed" {
		t.Errorf("Unexpected message: %q", result.Message)
	}

	// Missing orderId never reaches the broker.
	resp = postJSON(t, app, "/api/v1/orders/close", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing orderId, got: %d", resp.StatusCode)
	}
}

func TestGetBalanceUSD(t *testing.T) {
	app, _ := setupTestApp(t, successEngine)

	resp := getJSON(t, app, "/api/v1/balance/usd")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got: %d", resp.StatusCode)
	}

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	if result["balance"] != "5000.00" {
		t.Errorf("Expected balance forwarded verbatim, got: %v", result["balance"])
	}
}

func TestGetBalanceAllAssets(t *testing.T) {
	app, _ := setupTestApp(t, successEngine)

	resp := getJSON(t, app, "/api/v1/balance")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got: %d", resp.StatusCode)
	}

	var result map[string]struct {
		Balance  json.RawMessage `json:"balance"`
		Decimals int             `json:"decimals"`
	}
	json.NewDecoder(resp.Body).Decode(&result)

	if len(result) != 2 {
		t.Fatalf("Expected two asset entries, got: %d", len(result))
	}
	if result["BTC"].Decimals != 8 {
		t.Errorf("Unexpected BTC decimals: %d", result["BTC"].Decimals)
	}
}

func TestGetBalanceEngineFailure(t *testing.T) {
	app, _ := setupTestApp(t, func(fields map[string]interface{}) (string, []byte) {
		return broker.ReplyChannel(fields["requestId"].(string)), mustJSON(map[string]interface{}{
			"action": "BALANCE_FAILED",
			"data":   map[string]string{"message": "User not found"},
		})
	})

	resp := getJSON(t, app, "/api/v1/balance")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got: %d", resp.StatusCode)
	}

	var result models.ErrorResponse
	json.NewDecoder(resp.Body).Decode(&result)
	if result.Error != "User not found" {
		t.Errorf("Expected engine message, got: %q", result.Error)
	}
}

func TestGetSupportedAssets(t *testing.T) {
	app, _ := setupTestApp(t, successEngine)

	resp := getJSON(t, app, "/api/v1/assets")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got: %d", resp.StatusCode)
	}

	var result models.SupportedAssetsResponse
	json.NewDecoder(resp.Body).Decode(&result)
	if len(result.Assets) != 1 || result.Assets[0].Symbol != "BTC" {
		t.Errorf("Unexpected assets payload: %+v", result.Assets)
	}
}

func TestGetOpenOrders(t *testing.T) {
	app, _ := setupTestApp(t, successEngine)

	resp := getJSON(t, app, "/api/v1/orders/open")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got: %d", resp.StatusCode)
	}

	var result models.OpenOrdersResponse
	json.NewDecoder(resp.Body).Decode(&result)
	if !bytes.Contains(result.Orders, []byte("abc")) {
		t.Errorf("Expected orders forwarded verbatim, got: %s", result.Orders)
	}
}

func TestCallerIdentityHeader(t *testing.T) {
	app, mb := setupTestApp(t, successEngine)

	data, _ := json.Marshal(validOrderBody())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "alice")
	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got: %d", resp.StatusCode)
	}

	if user := mb.Stream("orders")[0]["user"]; user != "alice" {
		t.Errorf("Expected header identity on command, got: %v", user)
	}
}

func TestHealthCheck(t *testing.T) {
	app, mb := setupTestApp(t, nil)

	resp := getJSON(t, app, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got: %d", resp.StatusCode)
	}
	var health models.HealthResponse
	json.NewDecoder(resp.Body).Decode(&health)
	if health.Status != "healthy" || health.Broker != "up" {
		t.Errorf("Unexpected health: %+v", health)
	}

	mb.PingErr = fmt.Errorf("connection refused")
	resp = getJSON(t, app, "/health")
	json.NewDecoder(resp.Body).Decode(&health)
	if health.Status != "degraded" || health.Broker != "down" {
		t.Errorf("Expected degraded health with broker down, got: %+v", health)
	}
}

func TestMetricsCounters(t *testing.T) {
	app, _ := setupTestApp(t, successEngine)

	postJSON(t, app, "/api/v1/orders", validOrderBody())
	getJSON(t, app, "/api/v1/balance/usd")

	resp := getJSON(t, app, "/metrics")
	var metrics models.MetricsResponse
	json.NewDecoder(resp.Body).Decode(&metrics)

	if metrics.CommandsSent != 2 {
		t.Errorf("Expected 2 commands sent, got: %d", metrics.CommandsSent)
	}
	if metrics.RepliesReceived != 2 {
		t.Errorf("Expected 2 replies received, got: %d", metrics.RepliesReceived)
	}
	if metrics.Timeouts != 0 {
		t.Errorf("Expected no timeouts, got: %d", metrics.Timeouts)
	}
}
