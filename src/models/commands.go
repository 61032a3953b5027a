package models

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

var (
	errMissingAction     = errors.New("engine reply missing action tag")
	errIncompleteBalance = errors.New("balance entry missing required fields")
)

// Command actions understood by the matching engine.
const (
	ActionCreateOrder        = "CREATE_ORDER"
	ActionCloseOrder         = "CLOSE_ORDER"
	ActionGetBalance         = "GET_BALANCE"
	ActionGetBalanceUSD      = "GET_BALANCE_USD"
	ActionGetSupportedAssets = "GET_SUPPORTED_ASSETS"
	ActionGetOrders          = "GET_ORDERS"
	ActionLatestPrice        = "LATEST_PRICE"
)

// Reply actions published by the matching engine.
const (
	ReplyOrderSuccess    = "ORDER_SUCCESS"
	ReplyOrderFailed     = "ORDER_FAILED"
	ReplyBalance         = "BALANCE"
	ReplyBalanceUSD      = "BALANCE_USD"
	ReplyBalanceFailed   = "BALANCE_FAILED"
	ReplySupportedAssets = "SUPPORTED_ASSETS"
	ReplyOrders          = "ORDERS"
)

// Command-stream entries are flat field maps with string values; the engine
// parses every field from its textual form.

// CreateOrderCommand builds the CREATE_ORDER stream entry. The freshly minted
// order id doubles as the correlation id for the reply channel.
func CreateOrderCommand(orderID, user string, req *CreateOrderRequest, ts int64) map[string]interface{} {
	return map[string]interface{}{
		"action":    ActionCreateOrder,
		"orderId":   orderID,
		"user":      user,
		"asset":     req.Asset,
		"type":      req.Type,
		"margin":    strconv.FormatInt(req.Margin, 10),
		"leverage":  strconv.Itoa(req.Leverage),
		"slippage":  strconv.Itoa(req.Slippage),
		"timestamp": strconv.FormatInt(ts, 10),
	}
}

func CloseOrderCommand(requestID, orderID, user string, ts int64) map[string]interface{} {
	return map[string]interface{}{
		"action":    ActionCloseOrder,
		"requestId": requestID,
		"orderId":   orderID,
		"user":      user,
		"timestamp": strconv.FormatInt(ts, 10),
	}
}

// QueryCommand builds a parameterless per-user query entry (balances, assets,
// open orders).
func QueryCommand(action, requestID, user string, ts int64) map[string]interface{} {
	return map[string]interface{}{
		"action":    action,
		"requestId": requestID,
		"user":      user,
		"timestamp": strconv.FormatInt(ts, 10),
	}
}

// LatestPriceCommand builds the LATEST_PRICE stream entry the engine consumes
// to refresh its mark prices.
func LatestPriceCommand(q PriceQuote) map[string]interface{} {
	return map[string]interface{}{
		"action":    ActionLatestPrice,
		"symbol":    q.Symbol,
		"buyPrice":  strconv.FormatInt(q.BuyPrice, 10),
		"sellPrice": strconv.FormatInt(q.SellPrice, 10),
		"decimals":  strconv.Itoa(q.Decimals),
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
	}
}

// EngineReply is the decoded shell of an engine pub/sub message. Data holds
// the "data" object when present; Raw always holds the full payload, which
// some replies (BALANCE, SUPPORTED_ASSETS, ORDERS) use as a flat body.
type EngineReply struct {
	Action string
	Data   json.RawMessage
	Raw    json.RawMessage
}

// DecodeEngineReply validates the outer shape of an engine reply. Payloads
// without a string action tag are rejected; everything past the tag stays
// raw for per-operation decoding.
func DecodeEngineReply(payload []byte) (*EngineReply, error) {
	var shell struct {
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &shell); err != nil {
		return nil, err
	}
	if shell.Action == "" {
		return nil, errMissingAction
	}
	return &EngineReply{
		Action: shell.Action,
		Data:   shell.Data,
		Raw:    json.RawMessage(payload),
	}, nil
}

// OrderResult is the data object of ORDER_SUCCESS / ORDER_FAILED replies.
type OrderResult struct {
	OrderID string          `json:"orderId"`
	Message string          `json:"message"`
	PnL     json.RawMessage `json:"pnl"`
}

// FailureDetail is the data object of BALANCE_FAILED replies.
type FailureDetail struct {
	Message string `json:"message"`
}

// BalanceMap extracts the flat symbol->balance mapping of a BALANCE reply,
// validating that every entry carries both balance and decimals.
func (r *EngineReply) BalanceMap() (map[string]AssetBalance, error) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(r.Raw, &flat); err != nil {
		return nil, err
	}
	delete(flat, "action")

	out := make(map[string]AssetBalance, len(flat))
	for symbol, raw := range flat {
		var entry AssetBalance
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, err
		}
		if entry.Balance == nil || entry.Decimals == nil {
			return nil, errIncompleteBalance
		}
		out[symbol] = entry
	}
	return out, nil
}
