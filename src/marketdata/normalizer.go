package marketdata

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"trade-gateway/src/broker"
	"trade-gateway/src/models"
)

// Business constants for quote normalization. The platform quotes a 1% spread
// around the upstream top of book and prices everything as 4-decimal
// fixed-point integers.
const (
	Decimals  = 4
	SpreadBps = 100
)

// Tick is one upstream best-bid/best-ask observation.
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
}

// Normalize converts a raw tick into the platform quote: the client buys at
// ask plus spread and sells at bid minus spread.
func Normalize(t Tick) models.PriceQuote {
	spread := float64(SpreadBps) / 10000.0
	return models.PriceQuote{
		Symbol:    t.Symbol,
		BuyPrice:  int64(math.Round(t.Ask * (1 + spread) * PriceScale)),
		SellPrice: int64(math.Round(t.Bid * (1 - spread) * PriceScale)),
		Decimals:  Decimals,
		Action:    models.ActionLatestPrice,
	}
}

// Normalizer turns raw ticks into quotes and emits each quote twice: on the
// live broadcast channel for streaming clients, and onto the command stream
// so the engine sees price updates as ordinary entries.
type Normalizer struct {
	broker  broker.Broker
	channel string
	stream  string

	emitted atomic.Int64
}

func NewNormalizer(b broker.Broker, channel, stream string) *Normalizer {
	return &Normalizer{broker: b, channel: channel, stream: stream}
}

// Emitted reports how many quotes have been published since start.
func (n *Normalizer) Emitted() int64 {
	return n.emitted.Load()
}

// Run consumes ticks until the channel closes or ctx is cancelled. A failed
// emission is logged and never stops the loop; the next tick recovers any
// staleness.
func (n *Normalizer) Run(ctx context.Context, ticks <-chan Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			n.emit(ctx, tick)
		}
	}
}

// emit publishes first, then appends. The broadcast is the priority path; a
// stream-append failure must not claw back an already-published quote.
func (n *Normalizer) emit(ctx context.Context, tick Tick) {
	quote := Normalize(tick)

	payload, err := json.Marshal(quote)
	if err != nil {
		log.Error().Err(err).Str("symbol", tick.Symbol).Msg("Failed to encode quote")
		return
	}

	if err := n.broker.Publish(ctx, n.channel, payload); err != nil {
		log.Warn().
			Err(err).
			Str("symbol", tick.Symbol).
			Msg("Failed to publish quote broadcast")
	} else {
		n.emitted.Add(1)
	}

	if err := n.broker.Append(ctx, n.stream, models.LatestPriceCommand(quote)); err != nil {
		log.Warn().
			Err(err).
			Str("symbol", tick.Symbol).
			Str("stream", n.stream).
			Msg("Failed to append quote to command stream")
	}
}
