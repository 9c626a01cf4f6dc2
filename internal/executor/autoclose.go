// Package executor force-closes broker positions on behalf of the guards.
// Every close is claimed in the store first, so a ticket is sent to the
// broker at most once at a time, across cycles and restarts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/domain"
	"tradeguard/internal/gateway/broker"
	"tradeguard/internal/gateway/notifier"
	"tradeguard/internal/logger"
)

// ClaimStore persists close ownership and outcomes.
type ClaimStore interface {
	ClaimClose(ctx context.Context, userID, ticketID, tradeID, reason string, maxAttempts int, staleAfter time.Duration) (domain.CloseClaim, error)
	CompleteClose(ctx context.Context, userID string, claim domain.CloseClaim, evt domain.ReconciliationEvent) error
	FailClose(ctx context.Context, userID string, claim domain.CloseClaim, lastErr string, escalated bool) error
	ReleaseClose(ctx context.Context, userID string, claim domain.CloseClaim) error
	RetryableClaims(ctx context.Context, userID string, maxAttempts int) ([]domain.CloseClaim, error)
}

type CloseRequest struct {
	Credentials broker.Credentials
	TicketID    string
	// Trade is the tracked trade bound to the ticket, nil for positions the
	// bot does not track.
	Trade   *domain.TrackedTrade
	Symbol  string
	Reason  string
	CycleID string
}

type ClosedResult struct {
	TicketID string
	TradeID  string
	Attempt  int
	Outcome  domain.CloseOutcome
}

type Executor struct {
	connector   broker.Connector
	claims      ClaimStore
	notifier    notifier.Notifier
	maxAttempts int
	timeout     time.Duration
}

func New(connector broker.Connector, claims ClaimStore, n notifier.Notifier, cfg config.ExecutorConfig) *Executor {
	if n == nil {
		n = notifier.Nop{}
	}
	maxAttempts := cfg.MaxCloseAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	timeout := cfg.CloseTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		connector:   connector,
		claims:      claims,
		notifier:    n,
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

// staleAfter is how long an in-progress claim may sit before another worker
// may take it over.
func (e *Executor) staleAfter() time.Duration { return 2 * e.timeout }

// Close claims and closes one ticket. A closed trade or claim yields
// ErrAlreadyClosed without a broker call; a live claim held elsewhere yields
// ErrConflict. Broker failures return *CloseFailedError.
func (e *Executor) Close(ctx context.Context, userID string, req CloseRequest) (*ClosedResult, error) {
	if req.Trade != nil && req.Trade.State.Terminal() {
		return nil, domain.ErrAlreadyClosed
	}
	tradeID := ""
	if req.Trade != nil {
		tradeID = req.Trade.TradeID
	}
	claim, err := e.claims.ClaimClose(ctx, userID, req.TicketID, tradeID, req.Reason, e.maxAttempts, e.staleAfter())
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, userID, req.Credentials, claim, req.Symbol, req.CycleID)
}

// RetryFailed re-drives failed claims still below the attempt limit and
// returns the tickets it touched.
func (e *Executor) RetryFailed(ctx context.Context, userID string, creds broker.Credentials, cycleID string) ([]string, error) {
	claims, err := e.claims.RetryableClaims(ctx, userID, e.maxAttempts)
	if err != nil {
		return nil, err
	}
	var (
		touched []string
		errs    []error
	)
	for _, c := range claims {
		claim, err := e.claims.ClaimClose(ctx, userID, c.TicketID, c.TradeID, c.Reason, e.maxAttempts, e.staleAfter())
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrAlreadyClosed) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		touched = append(touched, c.TicketID)
		logger.Infof("executor: retry close user=%s ticket=%s attempt=%d/%d", userID, claim.TicketID, claim.Attempts, e.maxAttempts)
		if _, err := e.execute(ctx, userID, creds, claim, "", cycleID); err != nil && !errors.Is(err, domain.ErrAlreadyClosed) {
			errs = append(errs, err)
		}
	}
	return touched, errors.Join(errs...)
}

func (e *Executor) execute(ctx context.Context, userID string, creds broker.Credentials, claim domain.CloseClaim, symbol, cycleID string) (*ClosedResult, error) {
	// the broker call and its bookkeeping must finish even if the caller is
	// shutting down
	base := context.WithoutCancel(ctx)
	closeCtx, cancel := context.WithTimeout(base, e.timeout)
	outcome, err := e.connector.ClosePosition(closeCtx, creds, claim.TicketID)
	cancel()

	if err != nil {
		if errors.Is(err, broker.ErrUnknownTicket) {
			logger.Infof("executor: ticket gone at broker user=%s ticket=%s", userID, claim.TicketID)
			if relErr := e.claims.ReleaseClose(base, userID, claim); relErr != nil {
				logger.Errorf("executor: release claim user=%s ticket=%s: %v", userID, claim.TicketID, relErr)
			}
			return nil, domain.ErrAlreadyClosed
		}
		escalated := claim.Attempts >= e.maxAttempts
		if failErr := e.claims.FailClose(base, userID, claim, err.Error(), escalated); failErr != nil {
			logger.Errorf("executor: record failed close user=%s ticket=%s: %v", userID, claim.TicketID, failErr)
		}
		logger.Warnf("executor: close failed user=%s ticket=%s attempt=%d/%d: %v",
			userID, claim.TicketID, claim.Attempts, e.maxAttempts, err)
		if escalated {
			e.notifier.Notify(userID, fmt.Sprintf(
				"Manual action required: closing position %s failed %d times (%s). Last error: %v",
				claim.TicketID, claim.Attempts, claim.Reason, err), domain.SeverityCritical)
		}
		return nil, &domain.CloseFailedError{
			UserID:    userID,
			TicketID:  claim.TicketID,
			Attempts:  claim.Attempts,
			Escalated: escalated,
			Err:       err,
		}
	}

	evt := domain.ReconciliationEvent{
		CycleID:     cycleID,
		EventType:   domain.EventGuardClose,
		TicketID:    claim.TicketID,
		TradeID:     claim.TradeID,
		Symbol:      symbol,
		ClosePrice:  outcome.ClosePrice,
		RealizedPnL: outcome.RealizedPnL,
		CloseReason: claim.Reason,
		CreatedAt:   outcome.ClosedAt,
	}
	if err := e.claims.CompleteClose(base, userID, claim, evt); err != nil {
		logger.Errorf("executor: ticket %s closed at broker but not recorded user=%s: %v", claim.TicketID, userID, err)
		return nil, err
	}
	logger.Infof("executor: closed user=%s ticket=%s reason=%s price=%.5f pnl=%.2f",
		userID, claim.TicketID, claim.Reason, outcome.ClosePrice, outcome.RealizedPnL)
	e.notifier.Notify(userID, fmt.Sprintf("Closed position %s (%s) at %.5f, realized P&L %.2f.",
		claim.TicketID, claim.Reason, outcome.ClosePrice, outcome.RealizedPnL), domain.SeverityInfo)
	return &ClosedResult{
		TicketID: claim.TicketID,
		TradeID:  claim.TradeID,
		Attempt:  claim.Attempts,
		Outcome:  outcome,
	}, nil
}
