package binance

import (
	"strings"
	"time"

	"tradeguard/internal/config"
)

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
}

// ConfigFrom maps the market section onto the source config.
func ConfigFrom(cfg config.MarketConfig) Config {
	return Config{
		RESTBaseURL: cfg.BinanceRESTURL,
		HTTPTimeout: cfg.Timeout(),
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	return out
}
