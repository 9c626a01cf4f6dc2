package config

import (
	"fmt"
	"math"
	"strings"
)

// validate rejects configurations the engine cannot run safely with.
func validate(c *Config) error {
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.Matching.validate(); err != nil {
		return err
	}
	if err := c.Divergence.validate(); err != nil {
		return err
	}
	if err := c.Drawdown.validate(); err != nil {
		return err
	}
	if err := c.MarketGuard.validate(); err != nil {
		return err
	}
	if err := c.Executor.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Lock.validate(); err != nil {
		return err
	}
	return nil
}

func (d *DatabaseConfig) validate() error {
	switch d.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.type must be sqlite, postgres or mysql, got %q", d.Type)
	}
	if strings.TrimSpace(d.DSN) == "" {
		return fmt.Errorf("database.dsn cannot be empty")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	if b.TimeoutSeconds < 1 || b.TimeoutSeconds > 30 {
		return fmt.Errorf("broker.timeout_seconds must be within [1,30], got %d", b.TimeoutSeconds)
	}
	switch b.Kind {
	case "http":
		if b.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required for the http connector")
		}
	case "paper":
	default:
		return fmt.Errorf("broker.kind must be http or paper, got %q", b.Kind)
	}
	if b.RateLimitPerSecond <= 0 || b.RateLimitBurst <= 0 {
		return fmt.Errorf("broker rate limit must be > 0")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	switch m.Source {
	case "broker", "none":
	case "binance":
		if strings.TrimSpace(m.BinanceRESTURL) == "" {
			return fmt.Errorf("market.binance_rest_url is required when market.source is binance")
		}
	default:
		return fmt.Errorf("market.source must be broker, binance or none, got %q", m.Source)
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if s.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be > 0")
	}
	if s.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be > 0")
	}
	if s.CycleTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.cycle_timeout_seconds must be > 0")
	}
	if s.BreakerThreshold <= 0 {
		return fmt.Errorf("scheduler.breaker_threshold must be > 0")
	}
	if s.BackoffBaseSeconds <= 0 || s.BackoffMaxSeconds < s.BackoffBaseSeconds {
		return fmt.Errorf("scheduler backoff requires 0 < base <= max (base=%d max=%d)", s.BackoffBaseSeconds, s.BackoffMaxSeconds)
	}
	return nil
}

func (m *MatchingConfig) validate() error {
	if !positive(m.VolumeTolerancePercent) {
		return fmt.Errorf("matching.volume_tolerance_percent must be > 0")
	}
	if !positive(m.EntryTolerancePips) {
		return fmt.Errorf("matching.entry_tolerance_pips must be > 0")
	}
	for sym, size := range m.PipSizes {
		if !positive(size) {
			return fmt.Errorf("matching.pip_sizes.%s must be > 0", sym)
		}
	}
	return nil
}

func (d *DivergenceConfig) validate() error {
	if !positive(d.SlippagePips) || !positive(d.VolumeMismatchPercent) || !positive(d.TPSLMismatchPips) {
		return fmt.Errorf("divergence thresholds must be > 0")
	}
	return nil
}

func (d *DrawdownConfig) validate() error {
	if !positive(d.WarningThresholdPercent) || d.WarningThresholdPercent >= 100 {
		return fmt.Errorf("drawdown.warning_threshold_percent must be within (0,100)")
	}
	if !positive(d.MaxDrawdownPercent) || d.MaxDrawdownPercent > 100 {
		return fmt.Errorf("drawdown.max_drawdown_percent must be within (0,100]")
	}
	if d.WarningThresholdPercent >= d.MaxDrawdownPercent {
		return fmt.Errorf("drawdown.warning_threshold_percent (%.2f) must be below max_drawdown_percent (%.2f)",
			d.WarningThresholdPercent, d.MaxDrawdownPercent)
	}
	if math.IsNaN(d.MinEquityFloor) || d.MinEquityFloor < 0 {
		return fmt.Errorf("drawdown.min_equity_floor must be >= 0")
	}
	if d.WarningSeconds < 0 {
		return fmt.Errorf("drawdown.warning_seconds must be >= 0")
	}
	return nil
}

func (m *MarketGuardConfig) validate() error {
	if !positive(m.GapPercent) || !positive(m.SpreadPercent) {
		return fmt.Errorf("market_guard gap/spread thresholds must be > 0")
	}
	if math.IsNaN(m.MinLiquidityVolumeLots) || m.MinLiquidityVolumeLots < 0 {
		return fmt.Errorf("market_guard.min_liquidity_volume_lots must be >= 0")
	}
	return nil
}

func (e *ExecutorConfig) validate() error {
	if e.MaxCloseAttempts <= 0 {
		return fmt.Errorf("executor.max_close_attempts must be > 0")
	}
	if e.CloseTimeoutSeconds <= 0 {
		return fmt.Errorf("executor.close_timeout_seconds must be > 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled && strings.TrimSpace(n.Telegram.BotToken) == "" {
		return fmt.Errorf("notify.telegram.bot_token is required when telegram is enabled")
	}
	return nil
}

func (l *LockConfig) validate() error {
	if !l.Enabled {
		return nil
	}
	if strings.TrimSpace(l.Redis.Addr) == "" {
		return fmt.Errorf("lock.redis.addr is required when lock is enabled")
	}
	if l.TTLSeconds <= 0 {
		return fmt.Errorf("lock.ttl_seconds must be > 0")
	}
	return nil
}

func positive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
