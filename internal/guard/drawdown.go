// Package guard holds the drawdown and market-condition guards. Both are
// stateless: the caller passes the previous guard state in and persists the
// returned one.
package guard

import (
	"fmt"
	"math"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/domain"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

const (
	ReasonDrawdown    = "drawdown"
	ReasonEquityFloor = "equity_floor"
)

// NextPeak returns max(oldPeak, equity). It is applied every cycle before
// drawdown is computed.
func NextPeak(oldPeak, equity float64) float64 {
	if math.IsNaN(equity) || equity <= oldPeak {
		return oldPeak
	}
	return equity
}

type DrawdownGuard struct {
	warning decimal.Decimal
	max     decimal.Decimal
	floor   decimal.Decimal
	window  time.Duration
}

func NewDrawdownGuard(cfg config.DrawdownConfig) *DrawdownGuard {
	return &DrawdownGuard{
		warning: decimal.NewFromFloat(cfg.WarningThresholdPercent),
		max:     decimal.NewFromFloat(cfg.MaxDrawdownPercent),
		floor:   decimal.NewFromFloat(cfg.MinEquityFloor),
		window:  cfg.WarningWindow(),
	}
}

// Drawdown returns max(0, (peak-equity)/peak*100).
func (g *DrawdownGuard) Drawdown(peak, equity float64) (float64, error) {
	dd, err := g.drawdown(peak, equity)
	if err != nil {
		return 0, err
	}
	return dd.InexactFloat64(), nil
}

func (g *DrawdownGuard) drawdown(peak, equity float64) (decimal.Decimal, error) {
	if math.IsNaN(peak) || math.IsInf(peak, 0) || peak <= 0 {
		return decimal.Zero, domain.NewValidationError("peak_equity", peak, "must be a positive number")
	}
	if math.IsNaN(equity) || math.IsInf(equity, 0) || equity < 0 {
		return decimal.Zero, domain.NewValidationError("equity", equity, "must be a non-negative number")
	}
	p := decimal.NewFromFloat(peak)
	e := decimal.NewFromFloat(equity)
	if e.GreaterThanOrEqual(p) {
		return decimal.Zero, nil
	}
	return p.Sub(e).Div(p).Mul(hundred), nil
}

type DrawdownInput struct {
	Previous      domain.GuardState
	Peak          float64
	Equity        float64
	OpenPositions int
}

// DrawdownDecision is the guard's verdict for one cycle.
type DrawdownDecision struct {
	State           domain.GuardState
	DrawdownPercent float64
	// AlertType is empty when this cycle raises no alert.
	AlertType domain.DrawdownAlertType
	Reason    string
	// CloseAll asks the executor to close every open position, after
	// Countdown has elapsed.
	CloseAll  bool
	Countdown time.Duration
	// Recovered is set when the account dropped back to Normal.
	Recovered bool
}

func (d DrawdownDecision) Alerting() bool { return d.AlertType != "" }

// Message renders the user notification for an alerting decision.
func (d DrawdownDecision) Message(in DrawdownInput) string {
	closing := "No open positions to close."
	if d.CloseAll {
		closing = fmt.Sprintf("%d open position(s) will be closed in %s.", in.OpenPositions, d.Countdown)
	}
	switch {
	case d.AlertType == domain.DrawdownCritical && d.Reason == ReasonEquityFloor:
		return fmt.Sprintf("Equity %.2f fell below the minimum floor. %s", in.Equity, closing)
	case d.AlertType == domain.DrawdownCritical:
		return fmt.Sprintf("Drawdown %.2f%% reached the maximum (equity %.2f, peak %.2f). %s",
			d.DrawdownPercent, in.Equity, in.Peak, closing)
	case d.AlertType == domain.DrawdownWarning:
		return fmt.Sprintf("Drawdown warning: %.2f%% below peak (equity %.2f, peak %.2f).",
			d.DrawdownPercent, in.Equity, in.Peak)
	case d.Recovered:
		return fmt.Sprintf("Drawdown recovered to %.2f%%.", d.DrawdownPercent)
	default:
		return ""
	}
}

// Evaluate advances the per-user state machine
// Normal -> Warning -> Critical -> Closing -> Normal. Alerts fire on entry
// into Warning or Critical; a user already Closing with positions still open
// gets the closes re-issued without a second countdown. A Peak already raised
// by NextPeak never alerts.
func (g *DrawdownGuard) Evaluate(in DrawdownInput) (DrawdownDecision, error) {
	dd, err := g.drawdown(in.Peak, in.Equity)
	if err != nil {
		return DrawdownDecision{}, err
	}
	out := DrawdownDecision{DrawdownPercent: dd.InexactFloat64()}
	prev := in.Previous
	if prev == "" {
		prev = domain.GuardNormal
	}

	belowFloor := decimal.NewFromFloat(in.Equity).LessThan(g.floor)
	critical := dd.GreaterThanOrEqual(g.max) || belowFloor
	switch {
	case critical:
		out.Reason = ReasonDrawdown
		if belowFloor && dd.LessThan(g.max) {
			out.Reason = ReasonEquityFloor
		}
		out.CloseAll = in.OpenPositions > 0
		out.State = domain.GuardCritical
		if out.CloseAll {
			out.State = domain.GuardClosing
		}
		if prev.Severity() < domain.GuardCritical.Severity() {
			out.AlertType = domain.DrawdownCritical
			if out.CloseAll {
				out.Countdown = g.window
			}
		}
	case dd.GreaterThanOrEqual(g.warning):
		out.State = domain.GuardWarning
		if prev == domain.GuardNormal {
			out.AlertType = domain.DrawdownWarning
		}
	default:
		out.State = domain.GuardNormal
		out.Recovered = prev != domain.GuardNormal
	}
	return out, nil
}
