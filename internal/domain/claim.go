package domain

import "time"

// ClaimStatus tracks a close instruction for one broker ticket.
type ClaimStatus string

const (
	ClaimInProgress ClaimStatus = "in_progress"
	ClaimClosed     ClaimStatus = "closed"
	ClaimFailed     ClaimStatus = "failed"
)

// CloseClaim is the persisted ownership record of a close. At most one claim
// exists per (user, ticket); it survives restarts so a ticket is never sent
// to the broker twice.
type CloseClaim struct {
	UserID    string
	TicketID  string
	TradeID   string
	Reason    string
	Status    ClaimStatus
	Attempts  int
	LastError string
	Escalated bool
	ClaimedAt time.Time
	UpdatedAt time.Time
}

// CloseOutcome is what the broker reported for a successful close.
type CloseOutcome struct {
	ClosePrice  float64
	RealizedPnL float64
	ClosedAt    time.Time
}
