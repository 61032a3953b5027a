package marketdata

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	feedHandshakeTimeout = 10 * time.Second
	feedReadWait         = 90 * time.Second
	feedPingPeriod       = 30 * time.Second
	feedWriteWait        = 5 * time.Second

	reconnectBaseWait = time.Second
	reconnectMaxWait  = 30 * time.Second
)

// Feed maintains one websocket connection to the upstream exchange for a
// single trading pair, subscribed to the combined bookTicker and partial
// depth streams. Ticks go to the normalizer channel, depth snapshots into the
// mirror set.
type Feed struct {
	baseURL string
	symbol  string // platform symbol, e.g. BTC
	pair    string // upstream pair, e.g. btcusdt

	ticks  chan<- Tick
	mirror *MirrorSet
}

func NewFeed(baseURL, symbol string, ticks chan<- Tick, mirror *MirrorSet) *Feed {
	return &Feed{
		baseURL: baseURL,
		symbol:  strings.ToUpper(symbol),
		pair:    strings.ToLower(symbol) + "usdt",
		ticks:   ticks,
		mirror:  mirror,
	}
}

func (f *Feed) url() string {
	return f.baseURL + "?streams=" + f.pair + "@bookTicker/" + f.pair + "@depth20@100ms"
}

// Run dials and reads until ctx is cancelled, reconnecting with exponential
// backoff on any connection failure. A bad message never kills the loop.
func (f *Feed) Run(ctx context.Context) {
	wait := reconnectBaseWait

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := f.dial(ctx)
		if err != nil {
			log.Warn().
				Err(err).
				Str("pair", f.pair).
				Dur("retry_in", wait).
				Msg("Upstream feed dial failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			wait *= 2
			if wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			continue
		}

		log.Info().Str("pair", f.pair).Msg("Upstream feed connected")
		wait = reconnectBaseWait

		f.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("pair", f.pair).Msg("Upstream feed disconnected, reconnecting")
	}
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: feedHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url(), nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(feedReadWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(feedReadWait))
		return nil
	})
	// Upstream pings us; answering also proves liveness.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(feedReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(feedWriteWait))
	})

	return conn, nil
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Closing the connection on ctx cancellation unblocks ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ping.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("pair", f.pair).Msg("Upstream feed read error")
			}
			return
		}
		f.handleMessage(ctx, data)
	}
}

// combinedEnvelope is the upstream multiplexed stream wrapper.
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerMessage struct {
	Symbol  string `json:"s"`
	BestBid string `json:"b"`
	BestAsk string `json:"a"`
}

type depthMessage struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (f *Feed) handleMessage(ctx context.Context, data []byte) {
	var env combinedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("pair", f.pair).Msg("Unparsable feed message, skipping")
		return
	}

	switch {
	case strings.HasSuffix(env.Stream, "@bookTicker"):
		f.handleTick(ctx, env.Data)
	case strings.Contains(env.Stream, "@depth"):
		f.handleDepth(env.Data)
	}
}

func (f *Feed) handleTick(ctx context.Context, data []byte) {
	var msg bookTickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Str("pair", f.pair).Msg("Bad bookTicker payload, skipping")
		return
	}

	bid, err1 := strconv.ParseFloat(msg.BestBid, 64)
	ask, err2 := strconv.ParseFloat(msg.BestAsk, 64)
	if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
		log.Debug().Str("pair", f.pair).Msg("Bad tick prices, skipping")
		return
	}

	select {
	case f.ticks <- Tick{Symbol: f.symbol, Bid: bid, Ask: ask}:
	case <-ctx.Done():
	default:
		// Normalizer is behind; the next tick supersedes this one anyway.
	}
}

func (f *Feed) handleDepth(data []byte) {
	if f.mirror == nil {
		return
	}
	var msg depthMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Str("pair", f.pair).Msg("Bad depth payload, skipping")
		return
	}
	f.mirror.Apply(f.symbol, ParseLevels(msg.Bids), ParseLevels(msg.Asks))
}
