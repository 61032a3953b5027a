package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got: %s", cfg.Port)
	}
	if cfg.CommandStream != "orders" || cfg.PriceChannel != "price_updates" {
		t.Errorf("Unexpected engine contract defaults: %s / %s", cfg.CommandStream, cfg.PriceChannel)
	}
	if len(cfg.Assets) != 3 || cfg.Assets[0] != "BTC" {
		t.Errorf("Unexpected default asset set: %v", cfg.Assets)
	}
	if cfg.CreateOrderTimeout != 20*time.Second {
		t.Errorf("Expected 20s create deadline, got: %v", cfg.CreateOrderTimeout)
	}
	if cfg.CloseOrderTimeout != 10*time.Second || cfg.QueryTimeout != 10*time.Second {
		t.Errorf("Expected 10s close/query deadlines, got: %v / %v", cfg.CloseOrderTimeout, cfg.QueryTimeout)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ASSETS", "doge, btc ,")
	t.Setenv("CREATE_ORDER_TIMEOUT", "5s")
	t.Setenv("DEPTH_MAX", "50")

	cfg := Load()

	if cfg.Port != "9999" {
		t.Errorf("Expected port override, got: %s", cfg.Port)
	}
	if len(cfg.Assets) != 2 || cfg.Assets[0] != "DOGE" || cfg.Assets[1] != "BTC" {
		t.Errorf("Asset list not normalized: %v", cfg.Assets)
	}
	if cfg.CreateOrderTimeout != 5*time.Second {
		t.Errorf("Expected 5s create deadline, got: %v", cfg.CreateOrderTimeout)
	}
	if cfg.DepthMax != 50 {
		t.Errorf("Expected depth cap 50, got: %d", cfg.DepthMax)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("QUERY_TIMEOUT", "not-a-duration")
	t.Setenv("DEPTH_DEFAULT", "-3")

	cfg := Load()

	if cfg.QueryTimeout != 10*time.Second {
		t.Errorf("Expected fallback query deadline, got: %v", cfg.QueryTimeout)
	}
	if cfg.DepthDefault != 10 {
		t.Errorf("Expected fallback depth, got: %d", cfg.DepthDefault)
	}
}

func TestSupportsAsset(t *testing.T) {
	cfg := &Config{Assets: []string{"BTC", "ETH"}}

	if !cfg.SupportsAsset("BTC") {
		t.Error("Expected BTC supported")
	}
	if cfg.SupportsAsset("DOGE") {
		t.Error("Expected DOGE unsupported")
	}
	// Matching is exact; callers normalize case before asking.
	if cfg.SupportsAsset("btc") {
		t.Error("Expected lowercase symbol unsupported")
	}
}
