package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/domain"
	"tradeguard/internal/gateway/broker"
)

// Fetcher reads one account from the broker under a timeout and rejects
// malformed payloads before they reach the matcher or the guards.
type Fetcher struct {
	connector broker.Connector
	timeout   time.Duration
}

func NewFetcher(connector broker.Connector, cfg config.BrokerConfig) *Fetcher {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Fetcher{connector: connector, timeout: timeout}
}

// Fetch returns ErrBrokerUnavailable for timeouts, connection failures and
// broker rejections, and *ValidationError for malformed data. It never
// panics.
func (f *Fetcher) Fetch(ctx context.Context, creds broker.Credentials) (acct domain.BrokerAccount, err error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			acct = domain.BrokerAccount{}
			err = fmt.Errorf("connector panic: %v: %w", r, domain.ErrBrokerUnavailable)
		}
	}()

	acct, err = f.connector.GetAccountSnapshot(ctx, creds)
	if err != nil {
		switch {
		case domain.IsValidation(err), errors.Is(err, domain.ErrBrokerUnavailable):
			return domain.BrokerAccount{}, err
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return domain.BrokerAccount{}, fmt.Errorf("fetch after %s: %w: %v", f.timeout, broker.ErrTimeout, err)
		default:
			return domain.BrokerAccount{}, fmt.Errorf("fetch account %s: %w: %v", creds.AccountID, domain.ErrBrokerUnavailable, err)
		}
	}
	if err := ValidateAccount(acct); err != nil {
		return domain.BrokerAccount{}, err
	}
	return acct, nil
}

// ValidateAccount checks a broker payload field by field.
func ValidateAccount(acct domain.BrokerAccount) error {
	if !finite(acct.Equity) || acct.Equity < 0 {
		return domain.NewValidationError("equity", acct.Equity, "must be a non-negative number")
	}
	if !finite(acct.Balance) {
		return domain.NewValidationError("balance", acct.Balance, "must be a number")
	}
	if !finite(acct.MarginUsedPercent) || acct.MarginUsedPercent < 0 {
		return domain.NewValidationError("margin_used_percent", acct.MarginUsedPercent, "must be a non-negative number")
	}
	seen := make(map[string]bool, len(acct.Positions))
	for _, p := range acct.Positions {
		if strings.TrimSpace(p.TicketID) == "" {
			return domain.NewValidationError("ticket", p.TicketID, "must not be empty")
		}
		if seen[p.TicketID] {
			return domain.NewValidationError("ticket", p.TicketID, "duplicate ticket in snapshot")
		}
		seen[p.TicketID] = true
		if strings.TrimSpace(p.Symbol) == "" {
			return domain.NewValidationError("symbol", p.TicketID, "must not be empty")
		}
		if p.Direction != domain.DirectionBuy && p.Direction != domain.DirectionSell {
			return domain.NewValidationError("direction", p.Direction, "must be buy or sell")
		}
		if !finite(p.Volume) || p.Volume <= 0 {
			return domain.NewValidationError("volume", p.Volume, fmt.Sprintf("ticket %s: must be positive", p.TicketID))
		}
		if !finite(p.OpenPrice) || p.OpenPrice <= 0 {
			return domain.NewValidationError("open_price", p.OpenPrice, fmt.Sprintf("ticket %s: must be positive", p.TicketID))
		}
		for _, f := range []struct {
			name string
			v    float64
		}{
			{"current_price", p.CurrentPrice},
			{"stop_loss", p.StopLoss},
			{"take_profit", p.TakeProfit},
		} {
			if !finite(f.v) || f.v < 0 {
				return domain.NewValidationError(f.name, f.v, fmt.Sprintf("ticket %s: must be a non-negative number", p.TicketID))
			}
		}
		if !finite(p.Swap) || !finite(p.Profit) {
			return domain.NewValidationError("profit", p.Profit, fmt.Sprintf("ticket %s: must be a number", p.TicketID))
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
