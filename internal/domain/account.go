// Package domain holds the reconciliation engine's shared types.
package domain

import (
	"strings"
	"time"
)

// Direction is the side of a broker position or tracked trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// ParseDirection normalizes broker spellings (buy/long/0, sell/short/1).
func ParseDirection(raw string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long", "0":
		return DirectionBuy, true
	case "sell", "short", "1":
		return DirectionSell, true
	default:
		return "", false
	}
}

// BrokerPosition is an open position as reported by the broker. It is read
// every cycle and never persisted on its own.
type BrokerPosition struct {
	TicketID     string
	Symbol       string
	Direction    Direction
	Volume       float64
	OpenPrice    float64
	CurrentPrice float64
	StopLoss     float64
	TakeProfit   float64
	Swap         float64
	Profit       float64
	// OpenTime is zero when the bridge does not report it.
	OpenTime time.Time
}

// BrokerAccount is the raw account view returned by the connector.
type BrokerAccount struct {
	Equity            float64
	Balance           float64
	MarginUsedPercent float64
	Positions         []BrokerPosition
	FetchedAt         time.Time
}

// TotalVolume sums open lots.
func (a BrokerAccount) TotalVolume() float64 {
	var total float64
	for _, p := range a.Positions {
		total += p.Volume
	}
	return total
}

// UnrealizedPnL sums floating profit including swap.
func (a BrokerAccount) UnrealizedPnL() float64 {
	var total float64
	for _, p := range a.Positions {
		total += p.Profit + p.Swap
	}
	return total
}

func (a BrokerAccount) Tickets() []string {
	out := make([]string, 0, len(a.Positions))
	for _, p := range a.Positions {
		out = append(out, p.TicketID)
	}
	return out
}

// GuardState is the drawdown guard's per-user state.
type GuardState string

const (
	GuardNormal   GuardState = "normal"
	GuardWarning  GuardState = "warning"
	GuardCritical GuardState = "critical"
	GuardClosing  GuardState = "closing"
)

// Severity orders guard states; Closing ranks with Critical.
func (s GuardState) Severity() int {
	switch s {
	case GuardWarning:
		return 1
	case GuardCritical, GuardClosing:
		return 2
	default:
		return 0
	}
}

// AccountState is the persisted per-user guard memory.
type AccountState struct {
	UserID     string
	PeakEquity float64
	GuardState GuardState
	UpdatedAt  time.Time
}

// AccountSnapshot is the per-user, per-cycle account record.
type AccountSnapshot struct {
	UserID            string
	CycleID           string
	Equity            float64
	Balance           float64
	PeakEquity        float64
	DrawdownPercent   float64
	OpenPositionCount int
	TotalOpenVolume   float64
	UnrealizedPnL     float64
	MarginUsedPercent float64
	GuardState        GuardState
	SyncedAt          time.Time
}
