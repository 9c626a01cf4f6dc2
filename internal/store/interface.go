package store

import (
	"context"
	"time"

	"tradeguard/internal/domain"
)

// UnitOfWork defines a transaction scope.
type UnitOfWork interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback rolls back the transaction.
	Rollback() error

	Events() EventRepository
	Snapshots() SnapshotRepository
	Accounts() AccountStateRepository
	Trades() TradeRepository
	Alerts() AlertRepository
	Claims() CloseClaimRepository
}

// Store is the entry point for database access. The repository accessors
// run outside any transaction and are meant for reads.
type Store interface {
	// Begin starts a new UnitOfWork (transaction).
	Begin(ctx context.Context) (UnitOfWork, error)

	Events() EventRepository
	Snapshots() SnapshotRepository
	Accounts() AccountStateRepository
	Trades() TradeRepository
	Alerts() AlertRepository
	Claims() CloseClaimRepository

	// Close closes the store connection.
	Close() error
}

// EventRepository is the append-only reconciliation ledger.
type EventRepository interface {
	Append(ctx context.Context, events []domain.ReconciliationEvent) error
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.ReconciliationEvent, error)
	ListByCycle(ctx context.Context, userID, cycleID string) ([]domain.ReconciliationEvent, error)
}

type SnapshotRepository interface {
	Append(ctx context.Context, snap domain.AccountSnapshot) error
	Latest(ctx context.Context, userID string) (*domain.AccountSnapshot, error)
}

// AccountStateRepository holds peak equity and guard state per user.
type AccountStateRepository interface {
	// Get returns nil when the user has never been synced.
	Get(ctx context.Context, userID string) (*domain.AccountState, error)
	Upsert(ctx context.Context, state domain.AccountState) error
}

// TradeRepository is the tracked-trade store shared with the order flow.
type TradeRepository interface {
	// Track inserts a trade submitted by the order flow.
	Track(ctx context.Context, trade domain.TrackedTrade) error
	Get(ctx context.Context, tradeID string) (*domain.TrackedTrade, error)
	FindByTicket(ctx context.Context, userID, ticketID string) (*domain.TrackedTrade, error)
	// ListPending returns every non-closed trade for the user.
	ListPending(ctx context.Context, userID string) ([]domain.TrackedTrade, error)
	MarkState(ctx context.Context, tradeID string, state domain.TradeState) error
	ApplyTransition(ctx context.Context, tr domain.TradeTransition, at time.Time) error
	SetClosing(ctx context.Context, tradeID string, closing bool) error
}

type AlertRepository interface {
	AppendDrawdown(ctx context.Context, alert domain.DrawdownAlert) error
	AppendMarket(ctx context.Context, alerts []domain.MarketConditionAlert) error
	ListDrawdown(ctx context.Context, userID string, limit int) ([]domain.DrawdownAlert, error)
	ListMarket(ctx context.Context, userID string, limit int) ([]domain.MarketConditionAlert, error)
}

// CloseClaimRepository persists close ownership per (user, ticket).
type CloseClaimRepository interface {
	Get(ctx context.Context, userID, ticketID string) (*domain.CloseClaim, error)
	// Insert creates an in-progress claim and reports false when one exists.
	Insert(ctx context.Context, claim domain.CloseClaim) (bool, error)
	// Reacquire moves a failed claim, or an in-progress claim claimed before
	// staleBefore, back to in-progress. It reports false when another worker
	// owns the claim or the attempt limit is reached.
	Reacquire(ctx context.Context, userID, ticketID string, staleBefore time.Time, maxAttempts int, now time.Time) (bool, error)
	MarkClosed(ctx context.Context, userID, ticketID string, now time.Time) error
	MarkFailed(ctx context.Context, userID, ticketID, lastError string, escalated bool, now time.Time) error
	// ListRetryable returns failed, non-escalated claims below maxAttempts.
	ListRetryable(ctx context.Context, userID string, maxAttempts int) ([]domain.CloseClaim, error)
	ListEscalated(ctx context.Context, userID string) ([]domain.CloseClaim, error)
	// SettleMissing closes every failed claim whose ticket is not in open
	// and returns the settled claims.
	SettleMissing(ctx context.Context, userID string, open []string, now time.Time) ([]domain.CloseClaim, error)
}
