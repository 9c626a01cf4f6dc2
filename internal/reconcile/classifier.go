package reconcile

import (
	"tradeguard/internal/config"
	"tradeguard/internal/domain"
	"tradeguard/internal/pkg/symbol"

	"github.com/shopspring/decimal"
)

// Classifier grades a paired position against the trade it was matched to.
type Classifier struct {
	slippagePips  decimal.Decimal
	volumePercent decimal.Decimal
	tpslPips      decimal.Decimal
	pips          symbol.PipTable
}

func NewClassifier(cfg config.DivergenceConfig, matching config.MatchingConfig) *Classifier {
	return &Classifier{
		slippagePips:  decimal.NewFromFloat(cfg.SlippagePips),
		volumePercent: decimal.NewFromFloat(cfg.VolumeMismatchPercent),
		tpslPips:      decimal.NewFromFloat(cfg.TPSLMismatchPips),
		pips:          symbol.NewPipTable(matching.PipSizes),
	}
}

// Classify returns every divergence reason that holds for the pair, or
// {none}. Pairs missing either side have nothing to compare and are clean.
func (c *Classifier) Classify(pair Pair) domain.DivergenceSet {
	if pair.Position == nil || pair.Trade == nil {
		return domain.NewDivergenceSet()
	}
	p, t := pair.Position, pair.Trade
	var reasons []domain.DivergenceReason

	if c.pips.Pips(p.Symbol, priceDiff(p.OpenPrice, t.ExpectedEntryPrice)).GreaterThan(c.slippagePips) {
		reasons = append(reasons, domain.ReasonSlippage)
	}
	if t.ExpectedVolume > 0 && volumeDiffPercent(p.Volume, t.ExpectedVolume).GreaterThan(c.volumePercent) {
		reasons = append(reasons, domain.ReasonVolumeMismatch)
	}
	tpPips := c.pips.Pips(p.Symbol, priceDiff(p.TakeProfit, t.TakeProfit))
	slPips := c.pips.Pips(p.Symbol, priceDiff(p.StopLoss, t.StopLoss))
	if tpPips.GreaterThan(c.tpslPips) || slPips.GreaterThan(c.tpslPips) {
		reasons = append(reasons, domain.ReasonTPSLMismatch)
	}
	return domain.NewDivergenceSet(reasons...)
}
