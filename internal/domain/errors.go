package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerUnavailable covers connector timeouts and connection failures.
	// Transient: the scheduler backs off and feeds the circuit breaker.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrConflict marks a close attempt on a position another guard already claimed.
	ErrConflict = errors.New("close already in progress")
	// ErrAlreadyClosed is returned when the target trade or ticket is closed.
	ErrAlreadyClosed = errors.New("position already closed")
	// ErrBreakerOpen is returned when syncing is disabled for a user.
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// ValidationError represents malformed snapshot, price, or threshold input.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RecordingFailure wraps a persistence error. Nothing from the failed batch
// was committed.
type RecordingFailure struct {
	UserID string
	Op     string
	Err    error
}

func (e *RecordingFailure) Error() string {
	return fmt.Sprintf("recording failure [%s] %s: %v", e.UserID, e.Op, e.Err)
}

func (e *RecordingFailure) Unwrap() error { return e.Err }

// NewRecordingFailure creates a new RecordingFailure.
func NewRecordingFailure(userID, op string, err error) *RecordingFailure {
	return &RecordingFailure{UserID: userID, Op: op, Err: err}
}

// CloseFailedError is returned when the broker rejects or times out a close.
type CloseFailedError struct {
	UserID    string
	TicketID  string
	Attempts  int
	Escalated bool
	Err       error
}

func (e *CloseFailedError) Error() string {
	msg := fmt.Sprintf("close failed [%s] ticket=%s attempts=%d", e.UserID, e.TicketID, e.Attempts)
	if e.Escalated {
		msg += " (manual action required)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CloseFailedError) Unwrap() error { return e.Err }
