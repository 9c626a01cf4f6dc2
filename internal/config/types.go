package config

import (
	"strings"
	"time"
)

// Config is the engine's immutable configuration. It is loaded once at
// startup and passed by value to the services that need it.
type Config struct {
	App         AppConfig         `toml:"app"`
	Database    DatabaseConfig    `toml:"database"`
	Broker      BrokerConfig      `toml:"broker"`
	Market      MarketConfig      `toml:"market"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Matching    MatchingConfig    `toml:"matching"`
	Divergence  DivergenceConfig  `toml:"divergence"`
	Drawdown    DrawdownConfig    `toml:"drawdown"`
	MarketGuard MarketGuardConfig `toml:"market_guard"`
	Executor    ExecutorConfig    `toml:"executor"`
	Notify      NotifyConfig      `toml:"notify"`
	Lock        LockConfig        `toml:"lock"`
}

type AppConfig struct {
	Env           string `toml:"env"`
	LogLevel      string `toml:"log_level"`
	LogPath       string `toml:"log_path"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	HTTPAddr      string `toml:"http_addr"`
	AccountsPath  string `toml:"accounts_path"`
}

// DatabaseConfig selects the gorm dialect. Type is sqlite, postgres or mysql.
type DatabaseConfig struct {
	Type         string `toml:"type"`
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
	LogLevel     string `toml:"log_level"`
}

// BrokerConfig describes the connector. Kind is "http" (REST bridge) or "paper".
type BrokerConfig struct {
	Kind               string  `toml:"kind"`
	BaseURL            string  `toml:"base_url"`
	APIToken           string  `toml:"api_token"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
	RateLimitBurst     int     `toml:"rate_limit_burst"`
	InsecureSkipVerify bool    `toml:"insecure_skip_verify"`
}

func (b BrokerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// MarketConfig selects where the market guard reads quotes: "broker",
// "binance" or "none".
type MarketConfig struct {
	Source          string `toml:"source"`
	BinanceRESTURL  string `toml:"binance_rest_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	QuoteMaxAgeSecs int    `toml:"quote_max_age_seconds"`
}

func (m MarketConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

type SchedulerConfig struct {
	IntervalSeconds      int `toml:"interval_seconds"`
	MaxConcurrent        int `toml:"max_concurrent"`
	CycleTimeoutSeconds  int `toml:"cycle_timeout_seconds"`
	BreakerThreshold     int `toml:"breaker_threshold"`
	ProbeIntervalSeconds int `toml:"probe_interval_seconds"`
	BackoffBaseSeconds   int `toml:"backoff_base_seconds"`
	BackoffMaxSeconds    int `toml:"backoff_max_seconds"`
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s SchedulerConfig) CycleTimeout() time.Duration {
	return time.Duration(s.CycleTimeoutSeconds) * time.Second
}

func (s SchedulerConfig) ProbeInterval() time.Duration {
	return time.Duration(s.ProbeIntervalSeconds) * time.Second
}

func (s SchedulerConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseSeconds) * time.Second
}

func (s SchedulerConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxSeconds) * time.Second
}

// MatchingConfig holds the position matcher tolerances.
type MatchingConfig struct {
	VolumeTolerancePercent float64            `toml:"volume_tolerance_percent"`
	EntryTolerancePips     float64            `toml:"entry_tolerance_pips"`
	PipSizes               map[string]float64 `toml:"pip_sizes"`
}

// DivergenceConfig holds the classifier thresholds.
type DivergenceConfig struct {
	SlippagePips          float64 `toml:"slippage_pips"`
	VolumeMismatchPercent float64 `toml:"volume_mismatch_percent"`
	TPSLMismatchPips      float64 `toml:"tp_sl_mismatch_pips"`
}

type DrawdownConfig struct {
	WarningThresholdPercent float64 `toml:"warning_threshold_percent"`
	MaxDrawdownPercent      float64 `toml:"max_drawdown_percent"`
	MinEquityFloor          float64 `toml:"min_equity_floor"`
	WarningSeconds          int     `toml:"warning_seconds"`
}

func (d DrawdownConfig) WarningWindow() time.Duration {
	return time.Duration(d.WarningSeconds) * time.Second
}

type MarketGuardConfig struct {
	Enabled                bool    `toml:"enabled"`
	GapPercent             float64 `toml:"gap_percent"`
	SpreadPercent          float64 `toml:"spread_percent"`
	MinLiquidityVolumeLots float64 `toml:"min_liquidity_volume_lots"`
}

type ExecutorConfig struct {
	MaxCloseAttempts    int `toml:"max_close_attempts"`
	CloseTimeoutSeconds int `toml:"close_timeout_seconds"`
}

func (e ExecutorConfig) CloseTimeout() time.Duration {
	return time.Duration(e.CloseTimeoutSeconds) * time.Second
}

type NotifyConfig struct {
	QueueSize int            `toml:"queue_size"`
	Telegram  TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	APIURL   string `toml:"api_url"`
}

// LockConfig enables a Redis lock around each user cycle when several
// engine replicas share one database.
type LockConfig struct {
	Enabled    bool        `toml:"enabled"`
	Prefix     string      `toml:"prefix"`
	TTLSeconds int         `toml:"ttl_seconds"`
	Redis      RedisConfig `toml:"redis"`
}

func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

// keySet tracks field paths explicitly set in the config file.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
