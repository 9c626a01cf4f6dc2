package guard

import (
	"fmt"
	"math"
	"strings"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/domain"

	"github.com/shopspring/decimal"
)

// PositionMarket is the market view of one open position.
type PositionMarket struct {
	PositionID string
	Symbol     string
	Volume     float64
	Bid        float64
	Ask        float64
	// LastClose is the prior session close, CurrentOpen the current
	// session open.
	LastClose   float64
	CurrentOpen float64
	// A position opened at or after SessionOpen was filled past the gap and
	// is not closed for it. Either time zero means the gap always applies.
	OpenedAt    time.Time
	SessionOpen time.Time
}

// MarketDecision combines the gap and liquidity checks. Alerts carry type,
// severity and values; the caller stamps ids, user and cycle.
type MarketDecision struct {
	Close         bool
	Reason        string
	GapPercent    float64
	SpreadPercent float64
	Alerts        []domain.MarketConditionAlert
}

type MarketGuard struct {
	gap          decimal.Decimal
	spread       decimal.Decimal
	minLiquidity decimal.Decimal
}

func NewMarketGuard(cfg config.MarketGuardConfig) *MarketGuard {
	return &MarketGuard{
		gap:          decimal.NewFromFloat(cfg.GapPercent),
		spread:       decimal.NewFromFloat(cfg.SpreadPercent),
		minLiquidity: decimal.NewFromFloat(cfg.MinLiquidityVolumeLots),
	}
}

// GapPercent is |currentOpen-lastClose|/lastClose*100.
func (g *MarketGuard) GapPercent(lastClose, currentOpen float64) (float64, error) {
	gap, err := gapPercent(lastClose, currentOpen)
	if err != nil {
		return 0, err
	}
	return gap.InexactFloat64(), nil
}

// SpreadPercent is (ask-bid)/bid*100. ask < bid is rejected.
func (g *MarketGuard) SpreadPercent(bid, ask float64) (float64, error) {
	spread, err := spreadPercent(bid, ask)
	if err != nil {
		return 0, err
	}
	return spread.InexactFloat64(), nil
}

func gapPercent(lastClose, currentOpen float64) (decimal.Decimal, error) {
	if !finite(lastClose) || lastClose <= 0 {
		return decimal.Zero, domain.NewValidationError("last_close", lastClose, "must be a positive price")
	}
	if !finite(currentOpen) || currentOpen <= 0 {
		return decimal.Zero, domain.NewValidationError("current_open", currentOpen, "must be a positive price")
	}
	lc := decimal.NewFromFloat(lastClose)
	return decimal.NewFromFloat(currentOpen).Sub(lc).Abs().Div(lc).Mul(hundred), nil
}

func spreadPercent(bid, ask float64) (decimal.Decimal, error) {
	if !finite(bid) || bid <= 0 {
		return decimal.Zero, domain.NewValidationError("bid", bid, "must be a positive price")
	}
	if !finite(ask) || ask < bid {
		return decimal.Zero, domain.NewValidationError("ask", ask, fmt.Sprintf("must be >= bid %v", bid))
	}
	b := decimal.NewFromFloat(bid)
	return decimal.NewFromFloat(ask).Sub(b).Div(b).Mul(hundred), nil
}

// ShouldClosePosition runs both checks for one position. A gap above the
// threshold closes; a wide spread alerts and closes only when the position
// is smaller than the liquidity minimum.
func (g *MarketGuard) ShouldClosePosition(in PositionMarket) (MarketDecision, error) {
	if !finite(in.Volume) || in.Volume < 0 {
		return MarketDecision{}, domain.NewValidationError("volume", in.Volume, "must be a non-negative number")
	}
	gap, err := gapPercent(in.LastClose, in.CurrentOpen)
	if err != nil {
		return MarketDecision{}, err
	}
	spread, err := spreadPercent(in.Bid, in.Ask)
	if err != nil {
		return MarketDecision{}, err
	}

	out := MarketDecision{
		GapPercent:    gap.InexactFloat64(),
		SpreadPercent: spread.InexactFloat64(),
	}
	var reasons []string
	posID := positionRef(in.PositionID)

	if gap.GreaterThan(g.gap) && in.heldAcrossGap() {
		out.Close = true
		reasons = append(reasons, fmt.Sprintf("gap %.2f%% > %s%%", out.GapPercent, g.gap.StringFixed(2)))
		out.Alerts = append(out.Alerts, domain.MarketConditionAlert{
			AlertType:      domain.MarketGap,
			Severity:       domain.SeverityCritical,
			Symbol:         in.Symbol,
			ConditionValue: out.GapPercent,
			ThresholdValue: g.gap.InexactFloat64(),
			PositionID:     posID,
		})
	}
	if spread.GreaterThan(g.spread) {
		out.Alerts = append(out.Alerts, domain.MarketConditionAlert{
			AlertType:      domain.MarketSpread,
			Severity:       domain.SeverityWarning,
			Symbol:         in.Symbol,
			ConditionValue: out.SpreadPercent,
			ThresholdValue: g.spread.InexactFloat64(),
		})
		vol := decimal.NewFromFloat(in.Volume)
		if vol.LessThan(g.minLiquidity) {
			out.Close = true
			reasons = append(reasons, fmt.Sprintf("spread %.2f%% > %s%% with volume %s < %s lots",
				out.SpreadPercent, g.spread.StringFixed(2), vol.String(), g.minLiquidity.String()))
			out.Alerts = append(out.Alerts, domain.MarketConditionAlert{
				AlertType:      domain.MarketVolume,
				Severity:       domain.SeverityCritical,
				Symbol:         in.Symbol,
				ConditionValue: in.Volume,
				ThresholdValue: g.minLiquidity.InexactFloat64(),
				PositionID:     posID,
			})
		} else {
			reasons = append(reasons, fmt.Sprintf("spread %.2f%% > %s%%", out.SpreadPercent, g.spread.StringFixed(2)))
		}
	}
	out.Reason = strings.Join(reasons, "; ")
	return out, nil
}

func (in PositionMarket) heldAcrossGap() bool {
	return in.OpenedAt.IsZero() || in.SessionOpen.IsZero() || in.OpenedAt.Before(in.SessionOpen)
}

// SymbolMarket groups every open position of one symbol under one quote.
type SymbolMarket struct {
	Symbol      string
	Bid         float64
	Ask         float64
	LastClose   float64
	CurrentOpen float64
	SessionOpen time.Time
	Positions   []PositionRef
}

type PositionRef struct {
	PositionID string
	Volume     float64
	OpenedAt   time.Time
}

// SymbolDecision lists the positions to close and the alerts for one
// symbol. The symbol-wide spread alert appears once.
type SymbolDecision struct {
	Close   map[string]string
	Alerts  []domain.MarketConditionAlert
	Reasons []string
}

func (g *MarketGuard) EvaluateSymbol(in SymbolMarket) (SymbolDecision, error) {
	out := SymbolDecision{Close: make(map[string]string)}
	spreadSeen := false
	for _, p := range in.Positions {
		d, err := g.ShouldClosePosition(PositionMarket{
			PositionID:  p.PositionID,
			Symbol:      in.Symbol,
			Volume:      p.Volume,
			Bid:         in.Bid,
			Ask:         in.Ask,
			LastClose:   in.LastClose,
			CurrentOpen: in.CurrentOpen,
			OpenedAt:    p.OpenedAt,
			SessionOpen: in.SessionOpen,
		})
		if err != nil {
			return SymbolDecision{}, err
		}
		for _, a := range d.Alerts {
			if a.AlertType == domain.MarketSpread {
				if spreadSeen {
					continue
				}
				spreadSeen = true
			}
			out.Alerts = append(out.Alerts, a)
		}
		if d.Close {
			out.Close[p.PositionID] = d.Reason
		}
		if d.Reason != "" {
			out.Reasons = append(out.Reasons, d.Reason)
		}
	}
	return out, nil
}

func positionRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
