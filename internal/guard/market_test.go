package guard

import (
	"testing"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMarketConfig() config.MarketGuardConfig {
	return config.MarketGuardConfig{Enabled: true, GapPercent: 5, SpreadPercent: 0.5, MinLiquidityVolumeLots: 10}
}

func TestGapAndSpread(t *testing.T) {
	g := NewMarketGuard(testMarketConfig())

	gap, err := g.GapPercent(1950, 2050)
	require.NoError(t, err)
	assert.InDelta(t, 5.128, gap, 0.001)

	spread, err := g.SpreadPercent(1950, 1970)
	require.NoError(t, err)
	assert.InDelta(t, 1.0256, spread, 0.0001)

	_, err = g.SpreadPercent(1970, 1950)
	assert.True(t, domain.IsValidation(err), "ask below bid")
	_, err = g.SpreadPercent(0, 1)
	assert.True(t, domain.IsValidation(err))
	_, err = g.GapPercent(0, 2050)
	assert.True(t, domain.IsValidation(err))
}

func TestShouldClosePosition(t *testing.T) {
	g := NewMarketGuard(testMarketConfig())

	t.Run("gap closes", func(t *testing.T) {
		d, err := g.ShouldClosePosition(PositionMarket{
			PositionID: "100", Symbol: "XAUUSD", Volume: 20,
			Bid: 2050, Ask: 2050.5, LastClose: 1950, CurrentOpen: 2050,
		})
		require.NoError(t, err)
		assert.True(t, d.Close)
		require.Len(t, d.Alerts, 1)
		assert.Equal(t, domain.MarketGap, d.Alerts[0].AlertType)
		assert.Equal(t, domain.SeverityCritical, d.Alerts[0].Severity)
		require.NotNil(t, d.Alerts[0].PositionID)
		assert.Equal(t, "100", *d.Alerts[0].PositionID)
		assert.Contains(t, d.Reason, "gap 5.13%")
	})

	t.Run("wide spread on large position only alerts", func(t *testing.T) {
		d, err := g.ShouldClosePosition(PositionMarket{
			PositionID: "101", Symbol: "XAUUSD", Volume: 12,
			Bid: 1950, Ask: 1970, LastClose: 1950, CurrentOpen: 1951,
		})
		require.NoError(t, err)
		assert.False(t, d.Close)
		require.Len(t, d.Alerts, 1)
		assert.Equal(t, domain.MarketSpread, d.Alerts[0].AlertType)
		assert.Equal(t, domain.SeverityWarning, d.Alerts[0].Severity)
		assert.Nil(t, d.Alerts[0].PositionID)
	})

	t.Run("wide spread on thin position closes", func(t *testing.T) {
		d, err := g.ShouldClosePosition(PositionMarket{
			PositionID: "102", Symbol: "XAUUSD", Volume: 1,
			Bid: 1950, Ask: 1970, LastClose: 1950, CurrentOpen: 1951,
		})
		require.NoError(t, err)
		assert.True(t, d.Close)
		require.Len(t, d.Alerts, 2)
		assert.Equal(t, domain.MarketVolume, d.Alerts[1].AlertType)
		assert.Equal(t, 1.0, d.Alerts[1].ConditionValue)
	})

	t.Run("calm market", func(t *testing.T) {
		d, err := g.ShouldClosePosition(PositionMarket{
			PositionID: "103", Symbol: "EURUSD", Volume: 1,
			Bid: 1.1000, Ask: 1.1001, LastClose: 1.0990, CurrentOpen: 1.0995,
		})
		require.NoError(t, err)
		assert.False(t, d.Close)
		assert.Empty(t, d.Alerts)
		assert.Empty(t, d.Reason)
	})

	t.Run("ask below bid", func(t *testing.T) {
		_, err := g.ShouldClosePosition(PositionMarket{Bid: 1.1, Ask: 1.0, LastClose: 1, CurrentOpen: 1, Volume: 1})
		assert.True(t, domain.IsValidation(err))
	})
}

func TestEvaluateSymbol_SpreadAlertOncePerSymbol(t *testing.T) {
	g := NewMarketGuard(testMarketConfig())
	d, err := g.EvaluateSymbol(SymbolMarket{
		Symbol: "XAUUSD", Bid: 1950, Ask: 1970, LastClose: 1950, CurrentOpen: 1951,
		Positions: []PositionRef{{PositionID: "1", Volume: 1}, {PositionID: "2", Volume: 15}},
	})
	require.NoError(t, err)

	spreads := 0
	for _, a := range d.Alerts {
		if a.AlertType == domain.MarketSpread {
			spreads++
		}
	}
	assert.Equal(t, 1, spreads)
	assert.Contains(t, d.Close, "1")
	assert.NotContains(t, d.Close, "2")
}

func TestEvaluateSymbol_GapSparesPositionsOpenedAfterIt(t *testing.T) {
	g := NewMarketGuard(testMarketConfig())
	session := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	d, err := g.EvaluateSymbol(SymbolMarket{
		Symbol: "XAUUSD", Bid: 2050, Ask: 2050.5, LastClose: 1950, CurrentOpen: 2050,
		SessionOpen: session,
		Positions: []PositionRef{
			{PositionID: "held", Volume: 20, OpenedAt: session.Add(-time.Hour)},
			{PositionID: "after", Volume: 20, OpenedAt: session.Add(2 * time.Hour)},
			{PositionID: "unknown", Volume: 20},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, d.Close, "held")
	assert.Contains(t, d.Close, "unknown")
	assert.NotContains(t, d.Close, "after")

	gaps := 0
	for _, a := range d.Alerts {
		if a.AlertType == domain.MarketGap {
			gaps++
		}
	}
	assert.Equal(t, 2, gaps)

	// without a session start every position is treated as held across it
	d, err = g.EvaluateSymbol(SymbolMarket{
		Symbol: "XAUUSD", Bid: 2050, Ask: 2050.5, LastClose: 1950, CurrentOpen: 2050,
		Positions: []PositionRef{{PositionID: "after", Volume: 20, OpenedAt: session.Add(2 * time.Hour)}},
	})
	require.NoError(t, err)
	assert.Contains(t, d.Close, "after")
}
