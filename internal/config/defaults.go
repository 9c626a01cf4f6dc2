package config

import (
	"strings"
)

const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":9991"
	defaultAppLogMaxSizeMB  = 100
	defaultAppLogMaxBackups = 5
	defaultAccountsPath     = "configs/accounts.yaml"

	defaultDatabaseType     = "sqlite"
	defaultDatabaseDSN      = "data/tradeguard.db"
	defaultDatabaseMaxOpen  = 2
	defaultDatabaseMaxIdle  = 2
	defaultDatabaseLogLevel = "silent"

	defaultBrokerKind      = "http"
	defaultBrokerTimeout   = 8
	defaultBrokerRateLimit = 20
	defaultBrokerBurst     = 5

	defaultMarketSource  = "broker"
	defaultMarketREST    = "https://fapi.binance.com"
	defaultMarketTimeout = 5
	defaultQuoteMaxAge   = 30

	defaultSchedulerInterval  = 10
	defaultSchedulerWorkers   = 5
	defaultSchedulerCycle     = 60
	defaultBreakerThreshold   = 5
	defaultProbeInterval      = 60
	defaultBackoffBaseSeconds = 10
	defaultBackoffMaxSeconds  = 80

	defaultVolumeTolerance = 5.0
	defaultEntryTolerance  = 2.0

	defaultSlippagePips   = 5.0
	defaultVolumeMismatch = 10.0
	defaultTPSLPips       = 10.0

	defaultDrawdownWarning = 15.0
	defaultDrawdownMax     = 20.0
	defaultEquityFloor     = 100.0
	defaultWarningSeconds  = 10

	defaultGapPercent    = 5.0
	defaultSpreadPercent = 0.5
	defaultMinLiquidity  = 10.0

	defaultMaxCloseAttempts = 3
	defaultCloseTimeout     = 10

	defaultNotifyQueue    = 256
	defaultTelegramAPIURL = "https://api.telegram.org"

	defaultLockPrefix    = "lock:reconcile:"
	defaultLockTTL       = 90
	defaultRedisAddr     = "127.0.0.1:6379"
	defaultRedisPoolSize = 10
)

// applyDefaults fills every section that was not set explicitly.
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Matching.applyDefaults(keys)
	c.Divergence.applyDefaults(keys)
	c.Drawdown.applyDefaults(keys)
	c.MarketGuard.applyDefaults(keys)
	c.Executor.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.Lock.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.accounts_path", &a.AccountsPath, defaultAccountsPath),
		intFieldDefault("app.log_max_size_mb", &a.LogMaxSizeMB, defaultAppLogMaxSizeMB),
		intFieldDefault("app.log_max_backups", &a.LogMaxBackups, defaultAppLogMaxBackups),
	)
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("database.type", &d.Type, defaultDatabaseType),
		stringFieldDefault("database.dsn", &d.DSN, defaultDatabaseDSN),
		stringFieldDefault("database.log_level", &d.LogLevel, defaultDatabaseLogLevel),
		intFieldDefault("database.max_open_conns", &d.MaxOpenConns, defaultDatabaseMaxOpen),
		intFieldDefault("database.max_idle_conns", &d.MaxIdleConns, defaultDatabaseMaxIdle),
	)
	d.Type = strings.ToLower(strings.TrimSpace(d.Type))
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.kind", &b.Kind, defaultBrokerKind),
		intFieldDefault("broker.timeout_seconds", &b.TimeoutSeconds, defaultBrokerTimeout),
		floatFieldDefault("broker.rate_limit_per_second", &b.RateLimitPerSecond, defaultBrokerRateLimit),
		intFieldDefault("broker.rate_limit_burst", &b.RateLimitBurst, defaultBrokerBurst),
	)
	b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
	b.BaseURL = strings.TrimRight(strings.TrimSpace(b.BaseURL), "/")
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.source", &m.Source, defaultMarketSource),
		stringFieldDefault("market.binance_rest_url", &m.BinanceRESTURL, defaultMarketREST),
		intFieldDefault("market.timeout_seconds", &m.TimeoutSeconds, defaultMarketTimeout),
		intFieldDefault("market.quote_max_age_seconds", &m.QuoteMaxAgeSecs, defaultQuoteMaxAge),
	)
	m.Source = strings.ToLower(strings.TrimSpace(m.Source))
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("scheduler.interval_seconds", &s.IntervalSeconds, defaultSchedulerInterval),
		intFieldDefault("scheduler.max_concurrent", &s.MaxConcurrent, defaultSchedulerWorkers),
		intFieldDefault("scheduler.cycle_timeout_seconds", &s.CycleTimeoutSeconds, defaultSchedulerCycle),
		intFieldDefault("scheduler.breaker_threshold", &s.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("scheduler.probe_interval_seconds", &s.ProbeIntervalSeconds, defaultProbeInterval),
		intFieldDefault("scheduler.backoff_base_seconds", &s.BackoffBaseSeconds, defaultBackoffBaseSeconds),
		intFieldDefault("scheduler.backoff_max_seconds", &s.BackoffMaxSeconds, defaultBackoffMaxSeconds),
	)
}

func (m *MatchingConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("matching.volume_tolerance_percent", &m.VolumeTolerancePercent, defaultVolumeTolerance),
		floatFieldDefault("matching.entry_tolerance_pips", &m.EntryTolerancePips, defaultEntryTolerance),
	)
	// viper lowercases map keys; symbols are compared upper-case.
	if len(m.PipSizes) > 0 {
		normalized := make(map[string]float64, len(m.PipSizes))
		for sym, size := range m.PipSizes {
			normalized[strings.ToUpper(strings.TrimSpace(sym))] = size
		}
		m.PipSizes = normalized
	}
}

func (d *DivergenceConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("divergence.slippage_pips", &d.SlippagePips, defaultSlippagePips),
		floatFieldDefault("divergence.volume_mismatch_percent", &d.VolumeMismatchPercent, defaultVolumeMismatch),
		floatFieldDefault("divergence.tp_sl_mismatch_pips", &d.TPSLMismatchPips, defaultTPSLPips),
	)
}

func (d *DrawdownConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("drawdown.warning_threshold_percent", &d.WarningThresholdPercent, defaultDrawdownWarning),
		floatFieldDefault("drawdown.max_drawdown_percent", &d.MaxDrawdownPercent, defaultDrawdownMax),
		floatFieldDefault("drawdown.min_equity_floor", &d.MinEquityFloor, defaultEquityFloor),
		intFieldDefault("drawdown.warning_seconds", &d.WarningSeconds, defaultWarningSeconds),
	)
}

func (m *MarketGuardConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("market_guard.enabled", &m.Enabled, true),
		floatFieldDefault("market_guard.gap_percent", &m.GapPercent, defaultGapPercent),
		floatFieldDefault("market_guard.spread_percent", &m.SpreadPercent, defaultSpreadPercent),
		floatFieldDefault("market_guard.min_liquidity_volume_lots", &m.MinLiquidityVolumeLots, defaultMinLiquidity),
	)
}

func (e *ExecutorConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("executor.max_close_attempts", &e.MaxCloseAttempts, defaultMaxCloseAttempts),
		intFieldDefault("executor.close_timeout_seconds", &e.CloseTimeoutSeconds, defaultCloseTimeout),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("notify.queue_size", &n.QueueSize, defaultNotifyQueue),
		stringFieldDefault("notify.telegram.api_url", &n.Telegram.APIURL, defaultTelegramAPIURL),
	)
}

func (l *LockConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("lock.prefix", &l.Prefix, defaultLockPrefix),
		intFieldDefault("lock.ttl_seconds", &l.TTLSeconds, defaultLockTTL),
		stringFieldDefault("lock.redis.addr", &l.Redis.Addr, defaultRedisAddr),
		intFieldDefault("lock.redis.pool_size", &l.Redis.PoolSize, defaultRedisPoolSize),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

// intFieldDefault fills non-positive values. An explicit zero is kept so
// validation can reject it.
func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
