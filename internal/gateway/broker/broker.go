// Package broker defines the narrow broker surface the engine consumes and
// its implementations: a REST bridge and an in-memory paper broker.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeguard/internal/domain"
)

var (
	// ErrTimeout and ErrConnection both satisfy
	// errors.Is(err, domain.ErrBrokerUnavailable).
	ErrTimeout    = fmt.Errorf("broker timeout: %w", domain.ErrBrokerUnavailable)
	ErrConnection = fmt.Errorf("broker connection failed: %w", domain.ErrBrokerUnavailable)
	// ErrUnknownTicket is wrapped by a RejectedError when the broker no
	// longer holds the ticket.
	ErrUnknownTicket = errors.New("unknown ticket")
)

// RejectedError is a definitive answer from the broker. It is not retried by
// the scheduler and does not count against the circuit breaker.
type RejectedError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker rejected (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("broker rejected (%d): %s", e.Status, e.Message)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsRejected reports whether err carries a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Credentials identify one user's broker account.
type Credentials struct {
	AccountID string `yaml:"account_id" json:"account_id"`
	Token     string `yaml:"token" json:"token"`
}

// Quote is a top-of-book view with the session prices the market guard needs.
type Quote struct {
	Symbol      string
	Bid         float64
	Ask         float64
	LastClose   float64
	CurrentOpen float64
	// SessionOpen is when the CurrentOpen session started; zero if unknown.
	SessionOpen time.Time
	At          time.Time
}

// Connector reads account state and closes positions.
type Connector interface {
	GetAccountSnapshot(ctx context.Context, creds Credentials) (domain.BrokerAccount, error)
	ClosePosition(ctx context.Context, creds Credentials, ticketID string) (domain.CloseOutcome, error)
}

// QuoteSource supplies quotes for the market guard.
type QuoteSource interface {
	Quote(ctx context.Context, creds Credentials, symbol string) (Quote, error)
}
