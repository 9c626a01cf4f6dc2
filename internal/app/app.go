package app

import (
	"context"
	"fmt"
	"time"

	"tradeguard/internal/accounts"
	"tradeguard/internal/config"
	"tradeguard/internal/gateway/notifier"
	"tradeguard/internal/lock"
	"tradeguard/internal/logger"
	"tradeguard/internal/scheduler"
	"tradeguard/internal/store/gormstore"
	statushttp "tradeguard/internal/transport/http/status"

	"golang.org/x/sync/errgroup"
)

const notifySendTimeout = 10 * time.Second

// App owns the engine's long-lived parts: store, account registry,
// scheduler, notification queue and status API.
type App struct {
	cfg        *config.Config
	store      *gormstore.GormStore
	registry   *accounts.Registry
	scheduler  *scheduler.Scheduler
	statusHTTP *statushttp.Server
	dispatcher *notifier.Dispatcher
	lock       lock.DistributedLock
	Summary    *StartupSummary
}

// NewApp builds the application from cfg without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts the notification queue, the status API and the scheduler, and
// blocks until ctx is cancelled or one of them fails. Resources are released
// before it returns.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.scheduler == nil {
		return fmt.Errorf("scheduler not initialized")
	}
	defer a.close()

	if a.Summary != nil {
		a.Summary.Print()
	}
	if a.dispatcher != nil {
		// queued alerts are still flushed after shutdown begins
		a.dispatcher.Start(context.WithoutCancel(ctx), notifySendTimeout)
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.statusHTTP != nil {
		group.Go(func() error {
			if err := a.statusHTTP.Start(ctx); err != nil {
				return fmt.Errorf("status http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.scheduler.Run(ctx)
	})
	return group.Wait()
}

// Scheduler exposes the scheduler for harnesses that drive ticks directly.
func (a *App) Scheduler() *scheduler.Scheduler {
	if a == nil {
		return nil
	}
	return a.scheduler
}

func (a *App) close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.lock != nil {
		if err := a.lock.Close(); err != nil {
			logger.Warnf("close lock: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}
	logger.Infof("tradeguard stopped")
}
