package symbol

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	pipFX       = decimal.New(1, -4)
	pipJPY      = decimal.New(1, -2)
	pipGold     = decimal.New(1, -1)
	pipSilver   = decimal.New(1, -2)
	pipIndexCFD = decimal.New(1, 0)
)

var indexCFDs = map[string]struct{}{
	"US30": {}, "US100": {}, "US500": {}, "NAS100": {}, "SPX500": {}, "USTEC": {},
	"GER30": {}, "GER40": {}, "DE30": {}, "DE40": {}, "UK100": {}, "JP225": {},
	"FRA40": {}, "EU50": {}, "AUS200": {}, "HK50": {},
}

// PipTable resolves the pip size of a symbol. Overrides are keyed by
// canonical symbol and win over the built-in rules.
type PipTable struct {
	overrides map[string]decimal.Decimal
}

func NewPipTable(overrides map[string]float64) PipTable {
	t := PipTable{overrides: make(map[string]decimal.Decimal, len(overrides))}
	for sym, size := range overrides {
		if size <= 0 {
			continue
		}
		t.overrides[Canonical(sym)] = decimal.NewFromFloat(size)
	}
	return t
}

func (t PipTable) Size(sym string) decimal.Decimal {
	c := Canonical(sym)
	if size, ok := t.overrides[c]; ok {
		return size
	}
	switch {
	case strings.HasPrefix(c, "XAU"):
		return pipGold
	case strings.HasPrefix(c, "XAG"):
		return pipSilver
	case strings.Contains(c, "JPY"):
		return pipJPY
	}
	if _, ok := indexCFDs[c]; ok {
		return pipIndexCFD
	}
	return pipFX
}

// Pips converts an absolute price distance into pips.
func (t PipTable) Pips(sym string, distance decimal.Decimal) decimal.Decimal {
	return distance.Abs().Div(t.Size(sym))
}
