package domain

import "time"

type DrawdownAlertType string

const (
	DrawdownWarning  DrawdownAlertType = "warning"
	DrawdownCritical DrawdownAlertType = "critical"
)

type AlertAction string

const (
	ActionWarningSent     AlertAction = "warning_sent"
	ActionPositionsClosed AlertAction = "positions_closed"
	ActionFailed          AlertAction = "failed"
)

// DrawdownAlert is raised once per triggering cycle.
type DrawdownAlert struct {
	ID              string
	UserID          string
	CycleID         string
	AlertType       DrawdownAlertType
	DrawdownPercent float64
	Equity          float64
	PeakEquity      float64
	PositionsCount  int
	ActionTaken     AlertAction
	// Reason is "drawdown" or "equity_floor".
	Reason    string
	CreatedAt time.Time
}

type MarketAlertType string

const (
	MarketGap    MarketAlertType = "gap"
	MarketSpread MarketAlertType = "spread"
	MarketVolume MarketAlertType = "volume"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// MarketConditionAlert records a gap or liquidity finding. PositionID is nil
// for symbol-wide findings.
type MarketConditionAlert struct {
	ID             string
	UserID         string
	CycleID        string
	AlertType      MarketAlertType
	Severity       Severity
	Symbol         string
	ConditionValue float64
	ThresholdValue float64
	PositionID     *string
	CreatedAt      time.Time
}
