package guard

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_DrawdownBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	g := NewDrawdownGuard(testDrawdownConfig())

	properties.Property("0 <= drawdown <= 100 and peak >= equity when drawdown > 0", prop.ForAll(
		func(oldPeak, equity float64) bool {
			peak := NextPeak(oldPeak, equity)
			dd, err := g.Drawdown(peak, equity)
			if err != nil {
				return false
			}
			if dd < 0 || dd > 100 {
				return false
			}
			return dd == 0 || peak >= equity
		},
		gen.Float64Range(0.01, 1e9),
		gen.Float64Range(0, 1e9),
	))

	properties.Property("peak is non-decreasing across cycles", prop.ForAll(
		func(start float64, equities []float64) bool {
			peak := start
			for _, eq := range equities {
				next := NextPeak(peak, eq)
				if next < peak {
					return false
				}
				peak = next
			}
			return true
		},
		gen.Float64Range(1, 1e6),
		gen.SliceOf(gen.Float64Range(0, 2e6)),
	))

	properties.Property("non-positive peak is always rejected", prop.ForAll(
		func(peak, equity float64) bool {
			_, err := g.Drawdown(peak, equity)
			return err != nil
		},
		gen.Float64Range(-1e9, 0),
		gen.Float64Range(0, 1e9),
	))

	properties.TestingRun(t)
}

func TestProperty_MarketGuardRejectsInvertedQuotes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	g := NewMarketGuard(testMarketConfig())

	properties.Property("ask < bid is a validation error", prop.ForAll(
		func(bid, delta float64) bool {
			_, err := g.SpreadPercent(bid, bid-delta)
			return err != nil
		},
		gen.Float64Range(1, 1e5),
		gen.Float64Range(1e-6, 1),
	))

	properties.Property("spread is non-negative for valid quotes", prop.ForAll(
		func(bid, delta float64) bool {
			s, err := g.SpreadPercent(bid, bid+delta)
			return err == nil && s >= 0
		},
		gen.Float64Range(1, 1e5),
		gen.Float64Range(0, 10),
	))

	properties.TestingRun(t)
}
