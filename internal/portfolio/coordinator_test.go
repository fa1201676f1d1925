package portfolio_test

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/portfolio"
	"github.com/atlas-desktop/fx-regime-engine/internal/sizing"
	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

type fakeBook struct {
	exposure map[string]decimal.Decimal
	risk     map[string]decimal.Decimal
}

func (b fakeBook) Exposure() map[string]decimal.Decimal { return b.exposure }

func (b fakeBook) OpenRisk(strategyID string) decimal.Decimal {
	if strategyID == "" {
		total := decimal.Zero
		for _, r := range b.risk {
			total = total.Add(r)
		}
		return total
	}
	return b.risk[strategyID]
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustBuild(t *testing.T, name string) strategy.Strategy {
	t.Helper()
	s, err := strategy.NewDefaultRegistry(zap.NewNop()).Build(name, nil)
	require.NoError(t, err)
	return s
}

func candidate(t *testing.T, name, instrument string, strength float64, regime types.Regime) portfolio.Candidate {
	return portfolio.Candidate{
		Signal: types.TradeSignal{
			ID:         name + "-" + instrument,
			Instrument: instrument,
			Direction:  types.DirectionLong,
			Entry:      d("1.2700"),
			Stop:       d("1.2650"),
			Target:     d("1.2800"),
			Strength:   strength,
			StrategyID: name,
			Regime:     regime,
		},
		Strategy: mustBuild(t, name),
	}
}

func normalGates() portfolio.Gates {
	return portfolio.Gates{
		Emergency: types.EmergencyStatus{
			Level:             types.EmergencyNormal,
			Multiplier:        1,
			AcceptNewSignals:  true,
			AllowRiskIncrease: true,
		},
		Account: types.AccountState{Currency: "USD", Balance: d("100000"), Equity: d("100000")},
	}
}

func newCoordinator() *portfolio.Coordinator {
	return portfolio.NewCoordinator(zap.NewNop(), sizing.NewRiskBudget(types.DefaultConfig().Portfolio), "USD")
}

func TestGBPUSDConflictScenario(t *testing.T) {
	ma := candidate(t, strategy.MACrossoverName, "GBP_USD", 0.6, types.RegimeTrendingLowVol)
	rsi := candidate(t, strategy.RSIName, "GBP_USD", 0.8, types.RegimeTrendingLowVol)

	decisions := newCoordinator().Coordinate([]portfolio.Candidate{ma, rsi}, normalGates(), fakeBook{})
	require.Len(t, decisions, 2)

	winner, loser := decisions[0], decisions[1]
	assert.Equal(t, strategy.RSIName, winner.Signal.StrategyID)
	assert.True(t, winner.Accepted)
	assert.InDelta(t, 0.64, winner.Score, 1e-9)
	assert.True(t, winner.Units.Equal(decimal.NewFromInt(200000)), "units %s", winner.Units)

	assert.Equal(t, strategy.MACrossoverName, loser.Signal.StrategyID)
	assert.False(t, loser.Accepted)
	assert.Equal(t, types.RejectConflictLost, loser.Reason)
	assert.InDelta(t, 0.42, loser.Score, 1e-9)
	assert.True(t, loser.Units.IsZero())
}

func TestCoordinatorEmergencyGates(t *testing.T) {
	c := newCoordinator()
	cand := []portfolio.Candidate{candidate(t, strategy.RSIName, "EUR_USD", 0.8, types.RegimeRangingLowVol)}

	gates := normalGates()
	gates.Emergency = types.EmergencyStatus{Level: types.EmergencyLevel3, Multiplier: 0.3}
	dec := c.Coordinate(cand, gates, fakeBook{})
	assert.Equal(t, types.RejectEmergency, dec[0].Reason)

	gates.Emergency = types.EmergencyStatus{Level: types.EmergencyLevel4, CloseOnly: true}
	dec = c.Coordinate(cand, gates, fakeBook{})
	assert.Equal(t, types.RejectHalt, dec[0].Reason)
	assert.True(t, dec[0].Units.IsZero())

	gates = normalGates()
	gates.Emergency.Level = types.EmergencyLevel2
	gates.Emergency.Multiplier = 0.6
	dec = c.Coordinate(cand, gates, fakeBook{})
	require.True(t, dec[0].Accepted)
	assert.True(t, dec[0].Units.Equal(decimal.NewFromInt(120000)))
	assert.Equal(t, 0.6, dec[0].Multiplier)
	assert.Contains(t, dec[0].Adjustments, "emergency_multiplier")
}

func TestCoordinatorRiskUnavailable(t *testing.T) {
	c := newCoordinator()
	gates := normalGates()
	gates.Emergency.AllowRiskIncrease = false

	long := candidate(t, strategy.RSIName, "EUR_USD", 0.8, types.RegimeRangingLowVol)
	dec := c.Coordinate([]portfolio.Candidate{long}, gates, fakeBook{})
	assert.Equal(t, types.RejectRiskUnavailable, dec[0].Reason)

	// Same direction as the open exposure would add risk.
	book := fakeBook{exposure: map[string]decimal.Decimal{"EUR_USD": d("127000")}}
	dec = c.Coordinate([]portfolio.Candidate{long}, gates, book)
	assert.Equal(t, types.RejectRiskUnavailable, dec[0].Reason)

	// A signal against the open exposure reduces it and may proceed.
	short := candidate(t, strategy.RSIName, "EUR_USD", 0.8, types.RegimeRangingLowVol)
	short.Signal.Direction = types.DirectionShort
	short.Signal.Stop = d("1.2750")
	short.Signal.Target = d("1.2600")
	dec = c.Coordinate([]portfolio.Candidate{short}, gates, book)
	assert.True(t, dec[0].Accepted)
}

func TestCoordinatorCorrelationReduction(t *testing.T) {
	gates := normalGates()
	gates.Reductions = map[string]float64{"AUD_USD": 0.5}

	dec := newCoordinator().Coordinate([]portfolio.Candidate{
		candidate(t, strategy.BollingerName, "AUD_USD", 0.9, types.RegimeRangingLowVol),
		candidate(t, strategy.RSIName, "NZD_USD", 0.9, types.RegimeRangingLowVol),
	}, gates, fakeBook{})
	require.Len(t, dec, 2)

	assert.Equal(t, "AUD_USD", dec[0].Signal.Instrument)
	assert.True(t, dec[0].Units.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, []string{"correlation_reduction"}, dec[0].Adjustments)
	assert.True(t, dec[1].Units.Equal(decimal.NewFromInt(200000)))
}

func TestCoordinatorRiskCaps(t *testing.T) {
	c := newCoordinator()
	gates := normalGates()

	// 2800 of the 3000 strategy budget is used: 200 / 0.005 = 40000 units.
	book := fakeBook{risk: map[string]decimal.Decimal{strategy.RSIName: d("2800")}}
	dec := c.Coordinate([]portfolio.Candidate{candidate(t, strategy.RSIName, "EUR_USD", 0.8, types.RegimeRangingLowVol)}, gates, book)
	require.True(t, dec[0].Accepted)
	assert.True(t, dec[0].Units.Equal(decimal.NewFromInt(40000)), "units %s", dec[0].Units)
	assert.Equal(t, []string{"strategy_cap"}, dec[0].Adjustments)

	// 5900 of the 6000 total budget is used by other strategies.
	book = fakeBook{risk: map[string]decimal.Decimal{"a": d("2950"), "b": d("2950")}}
	dec = c.Coordinate([]portfolio.Candidate{candidate(t, strategy.RSIName, "EUR_USD", 0.8, types.RegimeRangingLowVol)}, gates, book)
	require.True(t, dec[0].Accepted)
	assert.True(t, dec[0].Units.Equal(decimal.NewFromInt(20000)))
	assert.Equal(t, []string{"total_cap"}, dec[0].Adjustments)
}

func TestCoordinatorCountsRiskAcceptedThisCycle(t *testing.T) {
	var cands []portfolio.Candidate
	for _, inst := range []string{"NZD_USD", "AUD_USD", "GBP_USD", "EUR_USD"} {
		cands = append(cands, candidate(t, strategy.RSIName, inst, 0.8, types.RegimeRangingLowVol))
	}
	dec := newCoordinator().Coordinate(cands, normalGates(), fakeBook{})
	require.Len(t, dec, 4)

	// Each accepted signal risks 1000; the 3000 strategy budget is exhausted by the third instrument.
	assert.Equal(t, []string{"AUD_USD", "EUR_USD", "GBP_USD", "NZD_USD"},
		[]string{dec[0].Signal.Instrument, dec[1].Signal.Instrument, dec[2].Signal.Instrument, dec[3].Signal.Instrument})
	for i := 0; i < 3; i++ {
		assert.True(t, dec[i].Accepted)
	}
	assert.False(t, dec[3].Accepted)
	assert.Equal(t, types.RejectZeroSize, dec[3].Reason)
}

// Property: whatever the gates, the final size never exceeds the unadjusted size and is zero at LEVEL_4.
func TestGatedSizeNeverExceedsUnadjusted(t *testing.T) {
	c := newCoordinator()
	rng := rand.New(rand.NewSource(5))
	multipliers := []float64{1, 0.8, 0.6, 0.3, 0}
	names := []string{strategy.MACrossoverName, strategy.RSIName, strategy.BollingerName}
	regimes := []types.Regime{types.RegimeTrendingLowVol, types.RegimeRangingHighVol, types.RegimeTransition}

	for i := 0; i < 200; i++ {
		level := types.EmergencyLevel(rng.Intn(5))
		gates := normalGates()
		gates.Emergency = types.EmergencyStatus{
			Level:             level,
			Multiplier:        multipliers[level],
			AcceptNewSignals:  level < types.EmergencyLevel3,
			CloseOnly:         level == types.EmergencyLevel4,
			AllowRiskIncrease: level < types.EmergencyLevel3 && rng.Intn(4) > 0,
		}
		if rng.Intn(2) == 0 {
			gates.Reductions = map[string]float64{"EUR_USD": 0.5}
		}
		book := fakeBook{risk: map[string]decimal.Decimal{
			names[rng.Intn(3)]: decimal.NewFromInt(int64(rng.Intn(4000))),
		}}

		var cands []portfolio.Candidate
		for _, inst := range []string{"EUR_USD", "GBP_USD"} {
			for _, name := range names {
				cands = append(cands, candidate(t, name, inst, rng.Float64(), regimes[rng.Intn(3)]))
			}
		}

		for _, dec := range c.Coordinate(cands, gates, book) {
			assert.True(t, dec.Units.LessThanOrEqual(dec.Unadjusted))
			assert.False(t, dec.Units.IsNegative())
			if level == types.EmergencyLevel4 {
				assert.True(t, dec.Units.IsZero())
				assert.False(t, dec.Accepted)
			}
			if dec.Accepted {
				assert.True(t, dec.Units.IsPositive())
			}
		}
	}
}
