package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tradeguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTrade(t *testing.T, s *GormStore, id string) domain.TrackedTrade {
	t.Helper()
	trade := domain.TrackedTrade{
		TradeID:            id,
		UserID:             "u1",
		Symbol:             "EURUSD",
		Direction:          domain.DirectionBuy,
		ExpectedVolume:     1,
		ExpectedEntryPrice: 1.1,
	}
	require.NoError(t, s.Trades().Track(context.Background(), trade))
	return trade
}

func TestUnitOfWork_CommitAndRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	evt := domain.ReconciliationEvent{
		ID:        uuid.NewString(),
		UserID:    "u1",
		CycleID:   "c1",
		EventType: domain.EventDivergence,
		Reasons:   domain.NewDivergenceSet(domain.ReasonTPSLMismatch, domain.ReasonSlippage),
		TicketID:  "100",
		CreatedAt: now,
	}

	t.Run("rollback leaves nothing", func(t *testing.T) {
		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, uow.Events().Append(ctx, []domain.ReconciliationEvent{evt}))
		require.NoError(t, uow.Accounts().Upsert(ctx, domain.AccountState{UserID: "u1", PeakEquity: 1000, GuardState: domain.GuardNormal, UpdatedAt: now}))
		require.NoError(t, uow.Rollback())

		events, err := s.Events().ListByUser(ctx, "u1", 10)
		require.NoError(t, err)
		assert.Empty(t, events)
		state, err := s.Accounts().Get(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, state)
	})

	t.Run("commit persists", func(t *testing.T) {
		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, uow.Events().Append(ctx, []domain.ReconciliationEvent{evt}))
		require.NoError(t, uow.Snapshots().Append(ctx, domain.AccountSnapshot{
			UserID: "u1", CycleID: "c1", Equity: 900, PeakEquity: 1000, DrawdownPercent: 10,
			GuardState: domain.GuardNormal, SyncedAt: now,
		}))
		require.NoError(t, uow.Commit())

		events, err := s.Events().ListByCycle(ctx, "u1", "c1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, domain.DivergenceSet{domain.ReasonSlippage, domain.ReasonTPSLMismatch}, events[0].Reasons)
		assert.Equal(t, domain.EventDivergence, events[0].EventType)

		snap, err := s.Snapshots().Latest(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, 10.0, snap.DrawdownPercent)
	})

	t.Run("events are append only", func(t *testing.T) {
		err := s.Events().Append(ctx, []domain.ReconciliationEvent{evt})
		assert.Error(t, err, "re-inserting an existing event id must fail")
	})
}

func TestAccountState_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Accounts().Upsert(ctx, domain.AccountState{UserID: "u1", PeakEquity: 1000, GuardState: domain.GuardNormal}))
	require.NoError(t, s.Accounts().Upsert(ctx, domain.AccountState{UserID: "u1", PeakEquity: 1200, GuardState: domain.GuardWarning}))

	state, err := s.Accounts().Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1200.0, state.PeakEquity)
	assert.Equal(t, domain.GuardWarning, state.GuardState)
}

func TestTrades_Transitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrade(t, s, "t1")
	seedTrade(t, s, "t2")

	pending, err := s.Trades().ListPending(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	err = s.Trades().ApplyTransition(ctx, domain.TradeTransition{
		TradeID: "t1", From: domain.TradePending, To: domain.TradeMatched, BrokerTicket: "100",
	}, time.Now())
	require.NoError(t, err)

	bound, err := s.Trades().FindByTicket(ctx, "u1", "100")
	require.NoError(t, err)
	require.NotNil(t, bound)
	assert.Equal(t, "t1", bound.TradeID)
	assert.Equal(t, domain.TradeMatched, bound.State)

	t.Run("stale from state conflicts", func(t *testing.T) {
		err := s.Trades().ApplyTransition(ctx, domain.TradeTransition{
			TradeID: "t1", From: domain.TradePending, To: domain.TradeDivergent,
		}, time.Now())
		assert.True(t, errors.Is(err, domain.ErrConflict))
	})

	t.Run("closing flag is claimed once", func(t *testing.T) {
		require.NoError(t, s.Trades().SetClosing(ctx, "t1", true))
		assert.ErrorIs(t, s.Trades().SetClosing(ctx, "t1", true), domain.ErrConflict)
	})

	t.Run("closed is terminal", func(t *testing.T) {
		require.NoError(t, s.Trades().MarkState(ctx, "t1", domain.TradeClosed))
		assert.ErrorIs(t, s.Trades().MarkState(ctx, "t1", domain.TradeMatched), domain.ErrAlreadyClosed)
		assert.ErrorIs(t, s.Trades().SetClosing(ctx, "t1", true), domain.ErrAlreadyClosed)

		pending, err := s.Trades().ListPending(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "t2", pending[0].TradeID)
	})
}

func TestCloseClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	claims := s.Claims()

	inserted, err := claims.Insert(ctx, domain.CloseClaim{UserID: "u1", TicketID: "100", TradeID: "t1", Reason: "drawdown", ClaimedAt: now})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = claims.Insert(ctx, domain.CloseClaim{UserID: "u1", TicketID: "100", ClaimedAt: now})
	require.NoError(t, err)
	assert.False(t, inserted, "second claim on the same ticket")

	ok, err := claims.Reacquire(ctx, "u1", "100", now.Add(-time.Minute), 3, now)
	require.NoError(t, err)
	assert.False(t, ok, "fresh in-progress claim is owned")

	ok, err = claims.Reacquire(ctx, "u1", "100", now.Add(time.Second), 3, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "stale in-progress claim is reclaimable")

	require.NoError(t, claims.MarkFailed(ctx, "u1", "100", "rejected", false, now))
	retry, err := claims.ListRetryable(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, 2, retry[0].Attempts)

	ok, err = claims.Reacquire(ctx, "u1", "100", now, 3, now)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, claims.MarkFailed(ctx, "u1", "100", "rejected", true, now))

	retry, err = claims.ListRetryable(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Empty(t, retry)
	escalated, err := claims.ListEscalated(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, 3, escalated[0].Attempts)

	ok, err = claims.Reacquire(ctx, "u1", "100", now, 5, now)
	require.NoError(t, err)
	assert.False(t, ok, "escalated claims need manual action")
}

func TestCloseClaims_SettleMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	claims := s.Claims()

	for _, ticket := range []string{"100", "101", "102", "103"} {
		_, err := claims.Insert(ctx, domain.CloseClaim{UserID: "u1", TicketID: ticket, ClaimedAt: now})
		require.NoError(t, err)
	}
	_, err := claims.Insert(ctx, domain.CloseClaim{UserID: "u2", TicketID: "100", ClaimedAt: now})
	require.NoError(t, err)
	require.NoError(t, claims.MarkFailed(ctx, "u1", "100", "rejected", true, now))
	require.NoError(t, claims.MarkFailed(ctx, "u1", "101", "rejected", false, now))
	require.NoError(t, claims.MarkFailed(ctx, "u1", "102", "rejected", true, now))
	require.NoError(t, claims.MarkFailed(ctx, "u2", "100", "rejected", true, now))

	settled, err := claims.SettleMissing(ctx, "u1", []string{"102"}, now)
	require.NoError(t, err)
	require.Len(t, settled, 2)
	assert.Equal(t, "100", settled[0].TicketID)
	assert.Equal(t, "101", settled[1].TicketID)

	escalated, err := claims.ListEscalated(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, "102", escalated[0].TicketID, "still held by the broker")

	live, err := claims.Get(ctx, "u1", "103")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimInProgress, live.Status, "in-progress claims belong to their worker")

	other, err := claims.ListEscalated(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	// no open positions at all
	settled, err = claims.SettleMissing(ctx, "u1", nil, now)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, "102", settled[0].TicketID)
}

func TestAlerts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pos := "100"

	require.NoError(t, s.Alerts().AppendDrawdown(ctx, domain.DrawdownAlert{
		ID: uuid.NewString(), UserID: "u1", AlertType: domain.DrawdownCritical,
		DrawdownPercent: 20, ActionTaken: domain.ActionPositionsClosed, Reason: "drawdown", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.Alerts().AppendMarket(ctx, []domain.MarketConditionAlert{
		{ID: uuid.NewString(), UserID: "u1", AlertType: domain.MarketGap, Severity: domain.SeverityCritical, Symbol: "XAUUSD", PositionID: &pos, CreatedAt: time.Now()},
		{ID: uuid.NewString(), UserID: "u1", AlertType: domain.MarketSpread, Severity: domain.SeverityWarning, Symbol: "XAUUSD", CreatedAt: time.Now()},
	}))

	dd, err := s.Alerts().ListDrawdown(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, dd, 1)
	assert.Equal(t, domain.ActionPositionsClosed, dd[0].ActionTaken)

	market, err := s.Alerts().ListMarket(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, market, 2)
}

func TestDialectorFor(t *testing.T) {
	assert.Equal(t, ":memory:", sqliteDSN(":memory:"))
	assert.Contains(t, sqliteDSN(filepath.Join(t.TempDir(), "x.db")), "_journal_mode=WAL")

	_, err := dialectorFor(config.DatabaseConfig{Type: "sqlite"})
	assert.Error(t, err, "empty dsn")
	_, err = dialectorFor(config.DatabaseConfig{Type: "oracle", DSN: "x"})
	assert.Error(t, err)
	d, err := dialectorFor(config.DatabaseConfig{Type: "postgres", DSN: "host=localhost user=tg dbname=tg"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
	d, err = dialectorFor(config.DatabaseConfig{Type: "mysql", DSN: "tg:tg@tcp(localhost:3306)/tg"})
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name())
}
