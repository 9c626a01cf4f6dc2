package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/logger"
	"tradeguard/internal/store"

	"github.com/google/uuid"
)

// CycleBatch is everything one cycle persists atomically.
type CycleBatch struct {
	CycleID     string
	Events      []domain.ReconciliationEvent
	Snapshot    domain.AccountSnapshot
	State       domain.AccountState
	Transitions []domain.TradeTransition
	// OpenTickets lists the broker's positions this cycle. Failed claims on
	// any other ticket are settled.
	OpenTickets []string
}

// Recorder is the only writer of reconciliation rows. Each method runs in
// one transaction; a failure rolls back and returns *RecordingFailure.
type Recorder struct {
	store store.Store
	now   func() time.Time
}

func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st, now: time.Now}
}

func (r *Recorder) inTx(ctx context.Context, userID, op string, fn func(uow store.UnitOfWork) error) error {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return domain.NewRecordingFailure(userID, op, err)
	}
	if err := fn(uow); err != nil {
		if rbErr := uow.Rollback(); rbErr != nil {
			logger.Errorf("recorder: rollback failed user=%s op=%s: %v", userID, op, rbErr)
		}
		var rf *domain.RecordingFailure
		if errors.As(err, &rf) || domain.IsValidation(err) ||
			errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrAlreadyClosed) {
			return err
		}
		return domain.NewRecordingFailure(userID, op, err)
	}
	if err := uow.Commit(); err != nil {
		return domain.NewRecordingFailure(userID, op, err)
	}
	return nil
}

// Record appends the cycle's events and snapshot, upserts peak equity and
// guard state, and applies trade transitions. A transition whose trade moved
// on concurrently is skipped; it does not fail the batch. Failed or escalated
// close claims whose ticket the broker no longer holds are settled.
func (r *Recorder) Record(ctx context.Context, userID string, batch CycleBatch) error {
	now := r.now()
	for i := range batch.Events {
		stampEvent(&batch.Events[i], userID, batch.CycleID, now)
	}
	batch.Snapshot.UserID = userID
	batch.Snapshot.CycleID = batch.CycleID
	if batch.Snapshot.SyncedAt.IsZero() {
		batch.Snapshot.SyncedAt = now
	}
	batch.State.UserID = userID
	batch.State.UpdatedAt = now

	return r.inTx(ctx, userID, "record_cycle", func(uow store.UnitOfWork) error {
		if len(batch.Events) > 0 {
			if err := uow.Events().Append(ctx, batch.Events); err != nil {
				return fmt.Errorf("append events: %w", err)
			}
		}
		if err := uow.Snapshots().Append(ctx, batch.Snapshot); err != nil {
			return fmt.Errorf("append snapshot: %w", err)
		}
		if err := uow.Accounts().Upsert(ctx, batch.State); err != nil {
			return fmt.Errorf("upsert account state: %w", err)
		}
		for _, tr := range batch.Transitions {
			err := uow.Trades().ApplyTransition(ctx, tr, now)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrAlreadyClosed):
				logger.Warnf("recorder: skip transition user=%s trade=%s %s->%s: %v", userID, tr.TradeID, tr.From, tr.To, err)
			default:
				return fmt.Errorf("transition trade %s: %w", tr.TradeID, err)
			}
		}
		settled, err := uow.Claims().SettleMissing(ctx, userID, batch.OpenTickets, now)
		if err != nil {
			return fmt.Errorf("settle claims: %w", err)
		}
		for _, c := range settled {
			logger.Infof("recorder: settled claim user=%s ticket=%s attempts=%d escalated=%t: position gone from broker",
				userID, c.TicketID, c.Attempts, c.Escalated)
		}
		return nil
	})
}

// RecordAlerts persists guard alerts. dd may be nil.
func (r *Recorder) RecordAlerts(ctx context.Context, userID, cycleID string, dd *domain.DrawdownAlert, market []domain.MarketConditionAlert) error {
	if dd == nil && len(market) == 0 {
		return nil
	}
	now := r.now()
	if dd != nil {
		alert := *dd
		if alert.ID == "" {
			alert.ID = uuid.NewString()
		}
		alert.UserID, alert.CycleID = userID, cycleID
		if alert.CreatedAt.IsZero() {
			alert.CreatedAt = now
		}
		dd = &alert
	}
	stamped := make([]domain.MarketConditionAlert, len(market))
	for i, a := range market {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.UserID, a.CycleID = userID, cycleID
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		stamped[i] = a
	}
	return r.inTx(ctx, userID, "record_alerts", func(uow store.UnitOfWork) error {
		if dd != nil {
			if err := uow.Alerts().AppendDrawdown(ctx, *dd); err != nil {
				return fmt.Errorf("append drawdown alert: %w", err)
			}
		}
		if len(stamped) > 0 {
			if err := uow.Alerts().AppendMarket(ctx, stamped); err != nil {
				return fmt.Errorf("append market alerts: %w", err)
			}
		}
		return nil
	})
}

// ClaimClose takes ownership of closing ticketID. It returns ErrAlreadyClosed
// when the trade or the claim is closed, and ErrConflict when another worker
// holds a live claim or the claim was escalated. A failed claim below
// maxAttempts, or an in-progress claim older than staleAfter, is reacquired.
func (r *Recorder) ClaimClose(ctx context.Context, userID, ticketID, tradeID, reason string, maxAttempts int, staleAfter time.Duration) (domain.CloseClaim, error) {
	now := r.now()
	var claim domain.CloseClaim
	err := r.inTx(ctx, userID, "claim_close", func(uow store.UnitOfWork) error {
		if tradeID != "" {
			trade, err := uow.Trades().Get(ctx, tradeID)
			if err != nil {
				return fmt.Errorf("load trade %s: %w", tradeID, err)
			}
			if trade != nil && trade.State.Terminal() {
				return domain.ErrAlreadyClosed
			}
		}
		existing, err := uow.Claims().Get(ctx, userID, ticketID)
		if err != nil {
			return fmt.Errorf("load claim %s: %w", ticketID, err)
		}
		switch {
		case existing == nil:
			ok, err := uow.Claims().Insert(ctx, domain.CloseClaim{
				UserID:    userID,
				TicketID:  ticketID,
				TradeID:   tradeID,
				Reason:    reason,
				ClaimedAt: now,
			})
			if err != nil {
				return fmt.Errorf("insert claim %s: %w", ticketID, err)
			}
			if !ok {
				return domain.ErrConflict
			}
		case existing.Status == domain.ClaimClosed:
			return domain.ErrAlreadyClosed
		case existing.Escalated:
			return fmt.Errorf("ticket %s escalated after %d attempts: %w", ticketID, existing.Attempts, domain.ErrConflict)
		default:
			ok, err := uow.Claims().Reacquire(ctx, userID, ticketID, now.Add(-staleAfter), maxAttempts, now)
			if err != nil {
				return fmt.Errorf("reacquire claim %s: %w", ticketID, err)
			}
			if !ok {
				return domain.ErrConflict
			}
		}
		if tradeID != "" {
			if err := uow.Trades().SetClosing(ctx, tradeID, true); err != nil && !errors.Is(err, domain.ErrConflict) {
				return err
			}
		}
		fresh, err := uow.Claims().Get(ctx, userID, ticketID)
		if err != nil {
			return fmt.Errorf("reload claim %s: %w", ticketID, err)
		}
		if fresh == nil {
			return fmt.Errorf("claim %s vanished inside its transaction", ticketID)
		}
		claim = *fresh
		return nil
	})
	return claim, err
}

// CompleteClose marks the claim closed, closes the tracked trade and appends
// the guard_close event.
func (r *Recorder) CompleteClose(ctx context.Context, userID string, claim domain.CloseClaim, evt domain.ReconciliationEvent) error {
	now := r.now()
	stampEvent(&evt, userID, evt.CycleID, now)
	return r.inTx(ctx, userID, "complete_close", func(uow store.UnitOfWork) error {
		if err := uow.Claims().MarkClosed(ctx, userID, claim.TicketID, now); err != nil {
			return fmt.Errorf("mark claim closed: %w", err)
		}
		if claim.TradeID != "" {
			trade, err := uow.Trades().Get(ctx, claim.TradeID)
			if err != nil {
				return fmt.Errorf("load trade %s: %w", claim.TradeID, err)
			}
			if trade != nil && !trade.State.Terminal() {
				err := uow.Trades().ApplyTransition(ctx, domain.TradeTransition{
					TradeID: trade.TradeID,
					From:    trade.State,
					To:      domain.TradeClosed,
				}, now)
				if err != nil {
					return fmt.Errorf("close trade %s: %w", trade.TradeID, err)
				}
			}
		}
		return uow.Events().Append(ctx, []domain.ReconciliationEvent{evt})
	})
}

// FailClose records a failed attempt and clears the trade's closing flag so
// a later claim can retry.
func (r *Recorder) FailClose(ctx context.Context, userID string, claim domain.CloseClaim, lastErr string, escalated bool) error {
	now := r.now()
	return r.inTx(ctx, userID, "fail_close", func(uow store.UnitOfWork) error {
		if err := uow.Claims().MarkFailed(ctx, userID, claim.TicketID, lastErr, escalated, now); err != nil {
			return fmt.Errorf("mark claim failed: %w", err)
		}
		return clearClosing(ctx, uow, claim.TradeID)
	})
}

// ReleaseClose settles a claim whose ticket the broker no longer holds. The
// trade is left for the next cycle to record as closed_by_broker.
func (r *Recorder) ReleaseClose(ctx context.Context, userID string, claim domain.CloseClaim) error {
	now := r.now()
	return r.inTx(ctx, userID, "release_close", func(uow store.UnitOfWork) error {
		if err := uow.Claims().MarkClosed(ctx, userID, claim.TicketID, now); err != nil {
			return fmt.Errorf("mark claim closed: %w", err)
		}
		return clearClosing(ctx, uow, claim.TradeID)
	})
}

func clearClosing(ctx context.Context, uow store.UnitOfWork, tradeID string) error {
	if tradeID == "" {
		return nil
	}
	if err := uow.Trades().SetClosing(ctx, tradeID, false); err != nil && !errors.Is(err, domain.ErrAlreadyClosed) {
		return fmt.Errorf("clear closing flag %s: %w", tradeID, err)
	}
	return nil
}

func (r *Recorder) RetryableClaims(ctx context.Context, userID string, maxAttempts int) ([]domain.CloseClaim, error) {
	claims, err := r.store.Claims().ListRetryable(ctx, userID, maxAttempts)
	if err != nil {
		return nil, domain.NewRecordingFailure(userID, "list_retryable", err)
	}
	return claims, nil
}

// ResetPeak sets peak equity to the last synced equity and returns the guard
// to Normal. Callers hold the user's cycle lock.
func (r *Recorder) ResetPeak(ctx context.Context, userID string) (domain.AccountState, error) {
	var state domain.AccountState
	err := r.inTx(ctx, userID, "reset_peak", func(uow store.UnitOfWork) error {
		snap, err := uow.Snapshots().Latest(ctx, userID)
		if err != nil {
			return fmt.Errorf("load latest snapshot: %w", err)
		}
		if snap == nil {
			return domain.NewValidationError("user_id", userID, "no snapshot recorded yet")
		}
		if snap.Equity <= 0 {
			return domain.NewValidationError("equity", snap.Equity, "cannot reset peak to a non-positive equity")
		}
		state = domain.AccountState{
			UserID:     userID,
			PeakEquity: snap.Equity,
			GuardState: domain.GuardNormal,
			UpdatedAt:  r.now(),
		}
		return uow.Accounts().Upsert(ctx, state)
	})
	if err != nil {
		return domain.AccountState{}, err
	}
	logger.Infof("recorder: peak reset user=%s peak=%.2f", userID, state.PeakEquity)
	return state, nil
}

func stampEvent(evt *domain.ReconciliationEvent, userID, cycleID string, now time.Time) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.UserID = userID
	evt.CycleID = cycleID
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now
	}
	if len(evt.Reasons) == 0 {
		evt.Reasons = domain.NewDivergenceSet()
	}
}
