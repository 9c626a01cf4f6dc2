package domain

import (
	"sort"
	"strings"
	"time"
)

// EventType classifies a reconciliation outcome.
type EventType string

const (
	EventMatched           EventType = "matched"
	EventDivergence        EventType = "divergence"
	EventUnmatchedPosition EventType = "unmatched_position"
	EventClosedByBroker    EventType = "closed_by_broker"
	EventGuardClose        EventType = "guard_close"
)

// DivergenceReason names one way a broker position differs from its trade.
type DivergenceReason string

const (
	ReasonNone           DivergenceReason = "none"
	ReasonSlippage       DivergenceReason = "slippage"
	ReasonVolumeMismatch DivergenceReason = "volume_mismatch"
	ReasonTPSLMismatch   DivergenceReason = "tp_sl_mismatch"
)

var reasonPriority = map[DivergenceReason]int{
	ReasonSlippage:       0,
	ReasonVolumeMismatch: 1,
	ReasonTPSLMismatch:   2,
	ReasonNone:           3,
}

// DivergenceSet holds every reason that applies to a pair, in priority order.
type DivergenceSet []DivergenceReason

// NewDivergenceSet dedups and orders reasons; an empty input yields {none}.
func NewDivergenceSet(reasons ...DivergenceReason) DivergenceSet {
	seen := make(map[DivergenceReason]bool, len(reasons))
	out := make(DivergenceSet, 0, len(reasons))
	for _, r := range reasons {
		if r == "" || r == ReasonNone || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	if len(out) == 0 {
		return DivergenceSet{ReasonNone}
	}
	sort.Slice(out, func(i, j int) bool { return reasonPriority[out[i]] < reasonPriority[out[j]] })
	return out
}

// Clean reports whether no divergence applies.
func (s DivergenceSet) Clean() bool {
	return len(s) == 0 || (len(s) == 1 && s[0] == ReasonNone)
}

// Primary flattens the set: slippage > volume_mismatch > tp_sl_mismatch > none.
func (s DivergenceSet) Primary() DivergenceReason {
	if s.Clean() {
		return ReasonNone
	}
	return s[0]
}

// Has reports membership.
func (s DivergenceSet) Has(r DivergenceReason) bool {
	for _, v := range s {
		if v == r {
			return true
		}
	}
	return false
}

func (s DivergenceSet) String() string {
	parts := make([]string, 0, len(s))
	for _, r := range s {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ",")
}

// ReconciliationEvent is an immutable audit record of one sync outcome.
type ReconciliationEvent struct {
	ID                 string
	UserID             string
	CycleID            string
	EventType          EventType
	Reasons            DivergenceSet
	TicketID           string
	TradeID            string
	Symbol             string
	Direction          Direction
	ObservedVolume     float64
	ExpectedVolume     float64
	ObservedOpenPrice  float64
	ExpectedEntryPrice float64
	CurrentPrice       float64
	ObservedTakeProfit float64
	ObservedStopLoss   float64
	ClosePrice         float64
	RealizedPnL        float64
	CloseReason        string
	CreatedAt          time.Time
}
