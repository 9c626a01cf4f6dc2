package app

import (
	"context"
	"fmt"
	"strings"

	"tradeguard/internal/accounts"
	"tradeguard/internal/config"
	"tradeguard/internal/executor"
	"tradeguard/internal/gateway/binance"
	"tradeguard/internal/gateway/broker"
	"tradeguard/internal/gateway/notifier"
	"tradeguard/internal/lock"
	"tradeguard/internal/logger"
	"tradeguard/internal/metrics"
	"tradeguard/internal/reconcile"
	"tradeguard/internal/scheduler"
	"tradeguard/internal/store/gormstore"
	statushttp "tradeguard/internal/transport/http/status"
)

type AppBuilder struct {
	cfg *config.Config

	storeFn      func(config.DatabaseConfig) (*gormstore.GormStore, error)
	accountsFn   func(string, config.DrawdownConfig) (*accounts.Registry, error)
	connectorFn  func(config.BrokerConfig) (broker.Connector, error)
	quotesFn     func(config.MarketConfig, broker.Connector) (broker.QuoteSource, error)
	lockFn       func(config.LockConfig) (lock.DistributedLock, error)
	senderFn     func(config.NotifyConfig) notifier.Sender
	statusHTTPFn func(statushttp.ServerConfig) (*statushttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		storeFn:      gormstore.Open,
		accountsFn:   accounts.NewRegistry,
		connectorFn:  buildConnector,
		quotesFn:     buildQuoteSource,
		lockFn:       lock.New,
		senderFn:     buildSender,
		statusHTTPFn: buildStatusHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithStore reuses an already opened store.
func WithStore(st *gormstore.GormStore) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(config.DatabaseConfig) (*gormstore.GormStore, error) { return st, nil }
	}
}

func WithAccounts(reg *accounts.Registry) AppBuilderOption {
	return func(b *AppBuilder) {
		b.accountsFn = func(string, config.DrawdownConfig) (*accounts.Registry, error) { return reg, nil }
	}
}

func WithConnector(c broker.Connector) AppBuilderOption {
	return func(b *AppBuilder) {
		b.connectorFn = func(config.BrokerConfig) (broker.Connector, error) { return c, nil }
	}
}

// WithSender replaces the Telegram sender, regardless of notify.telegram.enabled.
func WithSender(s notifier.Sender) AppBuilderOption {
	return func(b *AppBuilder) {
		b.senderFn = func(config.NotifyConfig) notifier.Sender { return s }
	}
}

func WithoutStatusHTTP() AppBuilderOption {
	return func(b *AppBuilder) {
		b.statusHTTPFn = func(statushttp.ServerConfig) (*statushttp.Server, error) { return nil, nil }
	}
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	st, err := b.storeFn(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	closers = append(closers, st.Close)
	if err := st.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}
	logger.Infof("✓ store ready (%s)", strings.ToLower(cfg.Database.Type))

	registry, err := b.accountsFn(cfg.App.AccountsPath, cfg.Drawdown)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	registry.OnChange(func(snap accounts.Snapshot) {
		logger.Infof("accounts: reloaded version %d with %d account(s)", snap.Version, len(snap.Accounts))
	})
	logger.Infof("✓ loaded %d active account(s)", len(registry.Active()))

	connector, err := b.connectorFn(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("init broker connector: %w", err)
	}
	quotes, err := b.quotesFn(cfg.Market, connector)
	if err != nil {
		return nil, fmt.Errorf("init quote source: %w", err)
	}

	dl, err := b.lockFn(cfg.Lock)
	if err != nil {
		return nil, fmt.Errorf("init lock: %w", err)
	}
	closers = append(closers, dl.Close)

	var notify notifier.Notifier = notifier.Nop{}
	var dispatcher *notifier.Dispatcher
	if sender := b.senderFn(cfg.Notify); sender != nil {
		dispatcher = notifier.NewDispatcher(sender, registry, cfg.Notify.QueueSize)
		notify = dispatcher
		logger.Infof("✓ telegram notifications enabled")
	}

	m := metrics.New()
	rec := reconcile.NewRecorder(st)
	fetcher := reconcile.NewFetcher(connector, cfg.Broker)
	exec := executor.New(connector, rec, notify, cfg.Executor)
	syncer := reconcile.NewSyncer(cfg, fetcher, st, rec, quotes, exec, notify, m)

	sched := scheduler.New(cfg.Scheduler, cfg.Lock, scheduler.Deps{
		Syncer:   syncer,
		Accounts: registry,
		Prober:   fetcher,
		Peaks:    rec,
		Lock:     dl,
		Notifier: notify,
		Metrics:  m,
	})

	server, err := b.statusHTTPFn(statushttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Board:   sched,
		Audit:   st,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		store:      st,
		registry:   registry,
		scheduler:  sched,
		statusHTTP: server,
		dispatcher: dispatcher,
		lock:       dl,
		Summary:    buildSummary(cfg, registry, quotes != nil),
	}, nil
}

func buildConnector(cfg config.BrokerConfig) (broker.Connector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "paper":
		logger.Warnf("broker kind is paper: no real orders will be closed")
		return broker.NewPaperConnector(), nil
	case "", "http":
		c, err := broker.NewHTTPConnector(cfg)
		if err != nil {
			return nil, err
		}
		logger.Infof("✓ broker bridge: %s", cfg.BaseURL)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

// buildQuoteSource returns nil when the market guard has no quote feed.
func buildQuoteSource(cfg config.MarketConfig, connector broker.Connector) (broker.QuoteSource, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "", "broker":
		if qs, ok := connector.(broker.QuoteSource); ok {
			return qs, nil
		}
		logger.Warnf("broker connector serves no quotes; market guard disabled")
		return nil, nil
	case "binance":
		src, err := binance.New(binance.ConfigFrom(cfg))
		if err != nil {
			return nil, err
		}
		logger.Infof("✓ market quotes from binance")
		return src, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown market source %q", cfg.Source)
	}
}

func buildSender(cfg config.NotifyConfig) notifier.Sender {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Telegram.APIURL, cfg.Telegram.BotToken)
}

func buildStatusHTTPServer(cfg statushttp.ServerConfig) (*statushttp.Server, error) {
	server, err := statushttp.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("init status http: %w", err)
	}
	logger.Infof("✓ status API listening on %s", server.Addr())
	return server, nil
}
