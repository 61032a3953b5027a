package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all runtime settings. Everything has a working default so
// the gateway starts with no environment at all; per-operation deadlines are
// deliberately separate knobs rather than one shared value.
type Config struct {
	Port      string
	RedisAddr string

	// Engine contract
	CommandStream string
	PriceChannel  string

	// Upstream feed
	FeedURL string
	Assets  []string

	DefaultUser string

	CreateOrderTimeout time.Duration
	CloseOrderTimeout  time.Duration
	QueryTimeout       time.Duration

	DepthDefault int
	DepthMax     int
}

func Load() *Config {
	return &Config{
		Port:      envString("PORT", "8080"),
		RedisAddr: envString("REDIS_ADDR", "127.0.0.1:6379"),

		CommandStream: envString("COMMAND_STREAM", "orders"),
		PriceChannel:  envString("PRICE_CHANNEL", "price_updates"),

		FeedURL: envString("FEED_URL", "wss://stream.binance.com:9443/stream"),
		Assets:  envList("ASSETS", "BTC,ETH,SOL"),

		DefaultUser: envString("DEFAULT_USER", "demo"),

		CreateOrderTimeout: envDuration("CREATE_ORDER_TIMEOUT", 20*time.Second),
		CloseOrderTimeout:  envDuration("CLOSE_ORDER_TIMEOUT", 10*time.Second),
		QueryTimeout:       envDuration("QUERY_TIMEOUT", 10*time.Second),

		DepthDefault: envInt("DEPTH_DEFAULT", 10),
		DepthMax:     envInt("DEPTH_MAX", 100),
	}
}

// SupportsAsset reports whether symbol is in the configured trading set.
func (c *Config) SupportsAsset(symbol string) bool {
	for _, a := range c.Assets {
		if a == symbol {
			return true
		}
	}
	return false
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key, fallback string) []string {
	raw := envString(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
