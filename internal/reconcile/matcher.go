package reconcile

import (
	"sort"
	"strings"

	"tradeguard/internal/config"
	"tradeguard/internal/domain"
	"tradeguard/internal/pkg/symbol"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Pair is one matcher outcome. Both sides set and Suspected false is a
// match; a lone Position is an unmatched_position; a lone Trade vanished
// from the broker. Suspected pairs a position outside matching tolerance
// with the pending trade it most likely belongs to; the cycle binds it when
// the fill diverges and reports it unmatched otherwise.
type Pair struct {
	Position  *domain.BrokerPosition
	Trade     *domain.TrackedTrade
	Suspected bool
}

func (p Pair) Matched() bool {
	return p.Position != nil && p.Trade != nil && !p.Suspected
}

// Orphan reports a broker position without a matching trade.
func (p Pair) Orphan() bool {
	return p.Position != nil && (p.Trade == nil || p.Suspected)
}

// Missing reports a tracked trade with no broker position.
func (p Pair) Missing() bool {
	return p.Position == nil && p.Trade != nil
}

type Matcher struct {
	volumeTolerance decimal.Decimal
	entryTolerance  decimal.Decimal
	pips            symbol.PipTable
}

func NewMatcher(cfg config.MatchingConfig) *Matcher {
	return &Matcher{
		volumeTolerance: decimal.NewFromFloat(cfg.VolumeTolerancePercent),
		entryTolerance:  decimal.NewFromFloat(cfg.EntryTolerancePips),
		pips:            symbol.NewPipTable(cfg.PipSizes),
	}
}

// Match pairs broker positions with open tracked trades. Trades already
// bound to a ticket re-pair by ticket; the rest are matched greedily within
// tolerance, positions and trades walked in ticket / trade id order so the
// result does not depend on input order. Closed trades are ignored.
func (m *Matcher) Match(positions []domain.BrokerPosition, trades []domain.TrackedTrade) []Pair {
	pos := make([]domain.BrokerPosition, len(positions))
	copy(pos, positions)
	sort.SliceStable(pos, func(i, j int) bool { return lessID(pos[i].TicketID, pos[j].TicketID) })

	open := make([]domain.TrackedTrade, 0, len(trades))
	for _, t := range trades {
		if t.State.Terminal() {
			continue
		}
		open = append(open, t)
	}
	sort.SliceStable(open, func(i, j int) bool { return lessID(open[i].TradeID, open[j].TradeID) })

	usedPos := make([]bool, len(pos))
	usedTrade := make([]bool, len(open))
	byTicket := make(map[string]int, len(pos))
	for i, p := range pos {
		if _, dup := byTicket[p.TicketID]; !dup {
			byTicket[p.TicketID] = i
		}
	}

	var matched []Pair
	for ti := range open {
		t := &open[ti]
		if !t.Bound() {
			continue
		}
		pi, ok := byTicket[t.BrokerTicket]
		if !ok || usedPos[pi] {
			continue
		}
		usedPos[pi], usedTrade[ti] = true, true
		matched = append(matched, Pair{Position: &pos[pi], Trade: t})
	}

	for ti := range open {
		t := &open[ti]
		if usedTrade[ti] || t.Bound() {
			continue
		}
		for pi := range pos {
			if usedPos[pi] || !m.withinTolerance(pos[pi], *t) {
				continue
			}
			usedPos[pi], usedTrade[ti] = true, true
			matched = append(matched, Pair{Position: &pos[pi], Trade: t})
			break
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return lessID(matched[i].Position.TicketID, matched[j].Position.TicketID)
	})

	out := matched
	for pi := range pos {
		if usedPos[pi] {
			continue
		}
		pair := Pair{Position: &pos[pi]}
		for ti := range open {
			t := &open[ti]
			if usedTrade[ti] || t.Bound() || !sameInstrument(pos[pi], *t) {
				continue
			}
			usedTrade[ti] = true
			pair.Trade, pair.Suspected = t, true
			break
		}
		out = append(out, pair)
	}
	for ti := range open {
		if usedTrade[ti] {
			continue
		}
		out = append(out, Pair{Trade: &open[ti]})
	}
	return out
}

func (m *Matcher) withinTolerance(p domain.BrokerPosition, t domain.TrackedTrade) bool {
	if !sameInstrument(p, t) {
		return false
	}
	if t.ExpectedVolume <= 0 {
		return false
	}
	if volumeDiffPercent(p.Volume, t.ExpectedVolume).GreaterThan(m.volumeTolerance) {
		return false
	}
	return m.pips.Pips(p.Symbol, priceDiff(p.OpenPrice, t.ExpectedEntryPrice)).LessThanOrEqual(m.entryTolerance)
}

func sameInstrument(p domain.BrokerPosition, t domain.TrackedTrade) bool {
	return symbol.Equal(p.Symbol, t.Symbol) && p.Direction == t.Direction
}

// volumeDiffPercent is |observed-expected|/expected*100. expected must be > 0.
func volumeDiffPercent(observed, expected float64) decimal.Decimal {
	exp := decimal.NewFromFloat(expected)
	return decimal.NewFromFloat(observed).Sub(exp).Abs().Div(exp).Mul(hundred)
}

func priceDiff(a, b float64) decimal.Decimal {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Abs()
}

// lessID orders numeric ids by value and everything else lexically, with
// numeric ids first.
func lessID(a, b string) bool {
	an, bn := isDigits(a), isDigits(b)
	switch {
	case an && bn:
		a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	case an:
		return true
	case bn:
		return false
	default:
		return a < b
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
