package domain

import "time"

// TradeState is the lifecycle of a tracked trade.
type TradeState string

const (
	TradePending   TradeState = "pending"
	TradeMatched   TradeState = "matched"
	TradeDivergent TradeState = "divergent"
	TradeUnmatched TradeState = "unmatched"
	TradeClosed    TradeState = "closed"
)

// Terminal reports whether no further transition or guard action applies.
func (s TradeState) Terminal() bool { return s == TradeClosed }

// TrackedTrade is the bot's record of a trade it expects to find on the broker.
type TrackedTrade struct {
	TradeID            string
	UserID             string
	Symbol             string
	Direction          Direction
	ExpectedVolume     float64
	ExpectedEntryPrice float64
	TakeProfit         float64
	StopLoss           float64
	State              TradeState
	// BrokerTicket is set once the trade has been paired with a broker
	// position; later cycles pair by ticket.
	BrokerTicket string
	Closing      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Bound reports whether the trade was already paired with a broker ticket.
func (t TrackedTrade) Bound() bool { return t.BrokerTicket != "" }

// TradeTransition is one state change applied by the recorder.
type TradeTransition struct {
	TradeID      string
	From         TradeState
	To           TradeState
	BrokerTicket string
}
