package model

import (
	"gorm.io/datatypes"
)

// Timestamps are unix milliseconds.

type ReconciliationEventModel struct {
	ID                 string         `gorm:"column:id;primaryKey;size:36"`
	UserID             string         `gorm:"column:user_id;size:64;index:idx_events_user_created,priority:1"`
	CycleID            string         `gorm:"column:cycle_id;size:36;index"`
	EventType          string         `gorm:"column:event_type;size:32"`
	Reasons            datatypes.JSON `gorm:"column:reasons"`
	PrimaryReason      string         `gorm:"column:primary_reason;size:32"`
	TicketID           string         `gorm:"column:ticket_id;size:64"`
	TradeID            string         `gorm:"column:trade_id;size:64"`
	Symbol             string         `gorm:"column:symbol;size:32"`
	Direction          string         `gorm:"column:direction;size:8"`
	ObservedVolume     float64        `gorm:"column:observed_volume"`
	ExpectedVolume     float64        `gorm:"column:expected_volume"`
	ObservedOpenPrice  float64        `gorm:"column:observed_open_price"`
	ExpectedEntryPrice float64        `gorm:"column:expected_entry_price"`
	CurrentPrice       float64        `gorm:"column:current_price"`
	ObservedTakeProfit float64        `gorm:"column:observed_take_profit"`
	ObservedStopLoss   float64        `gorm:"column:observed_stop_loss"`
	ClosePrice         float64        `gorm:"column:close_price"`
	RealizedPnL        float64        `gorm:"column:realized_pnl"`
	CloseReason        string         `gorm:"column:close_reason;size:64"`
	CreatedAtUnix      int64          `gorm:"column:created_at;index:idx_events_user_created,priority:2"`
}

func (ReconciliationEventModel) TableName() string { return "reconciliation_events" }

type AccountSnapshotModel struct {
	ID                int64   `gorm:"column:id;primaryKey;autoIncrement"`
	UserID            string  `gorm:"column:user_id;size:64;index:idx_snapshots_user_synced,priority:1"`
	CycleID           string  `gorm:"column:cycle_id;size:36"`
	Equity            float64 `gorm:"column:equity"`
	Balance           float64 `gorm:"column:balance"`
	PeakEquity        float64 `gorm:"column:peak_equity"`
	DrawdownPercent   float64 `gorm:"column:drawdown_percent"`
	OpenPositionCount int     `gorm:"column:open_position_count"`
	TotalOpenVolume   float64 `gorm:"column:total_open_volume"`
	UnrealizedPnL     float64 `gorm:"column:unrealized_pnl"`
	MarginUsedPercent float64 `gorm:"column:margin_used_percent"`
	GuardState        string  `gorm:"column:guard_state;size:16"`
	SyncedAtUnix      int64   `gorm:"column:synced_at;index:idx_snapshots_user_synced,priority:2"`
}

func (AccountSnapshotModel) TableName() string { return "account_snapshots" }

type AccountStateModel struct {
	UserID        string  `gorm:"column:user_id;primaryKey;size:64"`
	PeakEquity    float64 `gorm:"column:peak_equity"`
	GuardState    string  `gorm:"column:guard_state;size:16"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (AccountStateModel) TableName() string { return "account_states" }

type TrackedTradeModel struct {
	TradeID            string  `gorm:"column:trade_id;primaryKey;size:64"`
	UserID             string  `gorm:"column:user_id;size:64;index:idx_trades_user_state,priority:1"`
	Symbol             string  `gorm:"column:symbol;size:32"`
	Direction          string  `gorm:"column:direction;size:8"`
	ExpectedVolume     float64 `gorm:"column:expected_volume"`
	ExpectedEntryPrice float64 `gorm:"column:expected_entry_price"`
	TakeProfit         float64 `gorm:"column:take_profit"`
	StopLoss           float64 `gorm:"column:stop_loss"`
	State              string  `gorm:"column:state;size:16;index:idx_trades_user_state,priority:2"`
	BrokerTicket       string  `gorm:"column:broker_ticket;size:64;index"`
	Closing            bool    `gorm:"column:closing"`
	CreatedAtUnix      int64   `gorm:"column:created_at"`
	UpdatedAtUnix      int64   `gorm:"column:updated_at"`
}

func (TrackedTradeModel) TableName() string { return "tracked_trades" }

type DrawdownAlertModel struct {
	ID              string  `gorm:"column:id;primaryKey;size:36"`
	UserID          string  `gorm:"column:user_id;size:64;index"`
	CycleID         string  `gorm:"column:cycle_id;size:36"`
	AlertType       string  `gorm:"column:alert_type;size:16"`
	DrawdownPercent float64 `gorm:"column:drawdown_percent"`
	Equity          float64 `gorm:"column:equity"`
	PeakEquity      float64 `gorm:"column:peak_equity"`
	PositionsCount  int     `gorm:"column:positions_count"`
	ActionTaken     string  `gorm:"column:action_taken;size:32"`
	Reason          string  `gorm:"column:reason;size:32"`
	CreatedAtUnix   int64   `gorm:"column:created_at"`
}

func (DrawdownAlertModel) TableName() string { return "drawdown_alerts" }

type MarketConditionAlertModel struct {
	ID             string  `gorm:"column:id;primaryKey;size:36"`
	UserID         string  `gorm:"column:user_id;size:64;index"`
	CycleID        string  `gorm:"column:cycle_id;size:36"`
	AlertType      string  `gorm:"column:alert_type;size:16"`
	Severity       string  `gorm:"column:severity;size:16"`
	Symbol         string  `gorm:"column:symbol;size:32"`
	ConditionValue float64 `gorm:"column:condition_value"`
	ThresholdValue float64 `gorm:"column:threshold_value"`
	PositionID     *string `gorm:"column:position_id;size:64"`
	CreatedAtUnix  int64   `gorm:"column:created_at"`
}

func (MarketConditionAlertModel) TableName() string { return "market_condition_alerts" }

type CloseClaimModel struct {
	UserID        string `gorm:"column:user_id;primaryKey;size:64"`
	TicketID      string `gorm:"column:ticket_id;primaryKey;size:64"`
	TradeID       string `gorm:"column:trade_id;size:64"`
	Reason        string `gorm:"column:reason;size:64"`
	Status        string `gorm:"column:status;size:16;index"`
	Attempts      int    `gorm:"column:attempts"`
	LastError     string `gorm:"column:last_error"`
	Escalated     bool   `gorm:"column:escalated"`
	ClaimedAtUnix int64  `gorm:"column:claimed_at"`
	UpdatedAtUnix int64  `gorm:"column:updated_at"`
}

func (CloseClaimModel) TableName() string { return "close_claims" }

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&ReconciliationEventModel{},
		&AccountSnapshotModel{},
		&AccountStateModel{},
		&TrackedTradeModel{},
		&DrawdownAlertModel{},
		&MarketConditionAlertModel{},
		&CloseClaimModel{},
	}
}
