package scheduler

import (
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/pkg/circuit"
)

type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// UserStatus is one row of the status board.
type UserStatus struct {
	UserID              string            `json:"user_id"`
	LastSync            time.Time         `json:"last_sync"`
	LastSuccess         time.Time         `json:"last_success"`
	LastCycleID         string            `json:"last_cycle_id,omitempty"`
	LastDuration        time.Duration     `json:"last_duration_ns"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	BreakerState        string            `json:"breaker_state"`
	LastError           string            `json:"last_error,omitempty"`
	NextAttempt         time.Time         `json:"next_attempt"`
	InFlight            bool              `json:"in_flight"`
	GuardState          domain.GuardState `json:"guard_state,omitempty"`
	Equity              float64           `json:"equity"`
	PeakEquity          float64           `json:"peak_equity"`
	DrawdownPercent     float64           `json:"drawdown_percent"`
	ManualAction        bool              `json:"manual_action_required"`
}

type Status struct {
	Health      Health       `json:"health"`
	GeneratedAt time.Time    `json:"generated_at"`
	Users       []UserStatus `json:"users"`
}

// healthOf is down when every breaker is open, degraded when any user is
// failing, tripped or waiting on an operator.
func healthOf(users []UserStatus) Health {
	if len(users) == 0 {
		return HealthOK
	}
	open, degraded := 0, false
	for _, u := range users {
		if u.BreakerState != circuit.StateClosed.String() {
			open++
			degraded = true
		}
		if u.ConsecutiveFailures > 0 || u.ManualAction {
			degraded = true
		}
	}
	switch {
	case open == len(users):
		return HealthDown
	case degraded:
		return HealthDegraded
	default:
		return HealthOK
	}
}
