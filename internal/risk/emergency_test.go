package risk_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/risk"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

var t0 = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func newEmergency() *risk.EmergencyManager {
	return risk.NewEmergencyManager(zap.NewNop(), types.DefaultConfig().Emergency)
}

func TestEmergencyEscalationIsImmediate(t *testing.T) {
	tests := []struct {
		drawdown float64
		stress   float64
		want     types.EmergencyLevel
		mult     float64
	}{
		{0.02, 1.0, types.EmergencyNormal, 1.0},
		{0.02, 2.5, types.EmergencyLevel1, 0.8},
		{0.10, 1.0, types.EmergencyLevel1, 0.8},
		{0.16, 1.0, types.EmergencyLevel2, 0.6},
		{0.20, 3.0, types.EmergencyLevel3, 0.3},
		{0.26, 1.0, types.EmergencyLevel4, 0.0},
	}
	for _, tt := range tests {
		em := newEmergency()
		em.Evaluate(tt.drawdown, tt.stress, t0)
		assert.Equal(t, tt.want, em.Level(), "drawdown %.2f stress %.1f", tt.drawdown, tt.stress)
		assert.Equal(t, tt.mult, em.Multiplier())
	}
}

func TestEURUSDCrisisScenario(t *testing.T) {
	em := newEmergency()

	tr := em.Evaluate(0.20, 3.0, t0)
	require.NotNil(t, tr)
	assert.Equal(t, types.EmergencyNormal, tr.From)
	assert.Equal(t, types.EmergencyLevel3, tr.To)
	assert.Equal(t, risk.CauseDrawdown, tr.Cause)

	st := em.Status()
	assert.Equal(t, types.EmergencyLevel3, st.Level)
	assert.Equal(t, 0.3, st.Multiplier)
	assert.False(t, st.AcceptNewSignals)
	assert.False(t, st.AllowRiskIncrease)
	assert.False(t, st.CloseOnly)
}

func TestEmergencyRecoveryDwell(t *testing.T) {
	cfg := types.DefaultConfig().Emergency
	em := risk.NewEmergencyManager(zap.NewNop(), cfg)
	em.Evaluate(0.21, 1, t0)
	require.Equal(t, types.EmergencyLevel3, em.Level())

	// Below the LEVEL_2 threshold but not for long enough.
	for i := 0; i < cfg.RecoveryDwell-1; i++ {
		assert.Nil(t, em.Evaluate(0.12, 1, t0.Add(time.Duration(i)*time.Hour)))
	}
	// A stress reading interrupts the dwell.
	assert.Nil(t, em.Evaluate(0.12, 2.5, t0))
	assert.Equal(t, types.EmergencyLevel3, em.Level())

	var tr *types.EmergencyTransition
	for i := 0; i < cfg.RecoveryDwell; i++ {
		tr = em.Evaluate(0.12, 1, t0)
	}
	require.NotNil(t, tr)
	assert.Equal(t, types.EmergencyLevel2, tr.To)
	assert.Equal(t, risk.CauseRecovery, tr.Cause)

	// 12% is not below the LEVEL_1 threshold (10%), so LEVEL_2 holds.
	for i := 0; i < 3*cfg.RecoveryDwell; i++ {
		assert.Nil(t, em.Evaluate(0.12, 1, t0))
	}
	assert.Equal(t, types.EmergencyLevel2, em.Level())
}

func TestEmergencyRecoversOneLevelAtATime(t *testing.T) {
	cfg := types.DefaultConfig().Emergency
	em := risk.NewEmergencyManager(zap.NewNop(), cfg)
	em.Evaluate(0.22, 1, t0)

	levels := []types.EmergencyLevel{em.Level()}
	for i := 0; i < 10*cfg.RecoveryDwell; i++ {
		if tr := em.Evaluate(0.01, 1, t0); tr != nil {
			levels = append(levels, tr.To)
		}
	}
	assert.Equal(t, []types.EmergencyLevel{
		types.EmergencyLevel3, types.EmergencyLevel2, types.EmergencyLevel1, types.EmergencyNormal,
	}, levels)
}

func TestEmergencyHaltRequiresAcknowledge(t *testing.T) {
	em := newEmergency()
	em.Evaluate(0.30, 1, t0)
	require.Equal(t, types.EmergencyLevel4, em.Level())
	assert.True(t, em.Status().CloseOnly)

	for i := 0; i < 50; i++ {
		assert.Nil(t, em.Evaluate(0.01, 1, t0))
	}
	assert.Equal(t, types.EmergencyLevel4, em.Level())

	em2 := newEmergency()
	em2.Evaluate(0.30, 1, t0)
	_, err := em2.Acknowledge("ops", t0)
	assert.True(t, errors.Is(err, types.ErrEmergencyHalt))

	tr, err := em.Acknowledge("ops", t0)
	require.NoError(t, err)
	assert.Equal(t, types.EmergencyLevel3, tr.To)
	assert.Contains(t, tr.Cause, "ops")

	_, err = em.Acknowledge("ops", t0)
	assert.Error(t, err)
}

func TestAllowRiskIncrease(t *testing.T) {
	em := newEmergency()
	assert.True(t, em.AllowRiskIncrease())

	em.SetRiskAvailability(false, false)
	assert.False(t, em.AllowRiskIncrease())

	em.SetRiskAvailability(true, true)
	assert.False(t, em.AllowRiskIncrease())

	em.SetRiskAvailability(true, false)
	assert.True(t, em.AllowRiskIncrease())
}

// Property: escalation reaches the drawdown's level, downgrades move exactly one level and only after
// RecoveryDwell consecutive qualifying evaluations.
func TestEmergencyTransitionProperties(t *testing.T) {
	cfg := types.DefaultConfig().Emergency
	cfg.RecoveryDwell = 3
	thresholds := map[types.EmergencyLevel]float64{
		types.EmergencyLevel1: cfg.Level1Drawdown,
		types.EmergencyLevel2: cfg.Level2Drawdown,
		types.EmergencyLevel3: cfg.Level3Drawdown,
	}
	recovery := map[types.EmergencyLevel]float64{
		types.EmergencyLevel1: cfg.NormalRecoveryDrawdown,
		types.EmergencyLevel2: cfg.Level1Drawdown,
		types.EmergencyLevel3: cfg.Level2Drawdown,
	}
	rng := rand.New(rand.NewSource(3))

	downgrades := 0
	for run := 0; run < 50; run++ {
		em := risk.NewEmergencyManager(zap.NewNop(), cfg)
		qualifying := 0
		for step := 0; step < 300; step++ {
			dd := rng.Float64() * 0.24
			before := em.Level()
			if before > types.EmergencyNormal && dd < recovery[before] {
				qualifying++
			} else {
				qualifying = 0
			}

			tr := em.Evaluate(dd, 1, t0)
			if tr == nil {
				continue
			}
			if tr.To > tr.From {
				assert.GreaterOrEqual(t, dd, thresholds[tr.To])
			} else {
				downgrades++
				assert.Equal(t, before-1, tr.To, "downgrade must be one level")
				assert.GreaterOrEqual(t, qualifying, cfg.RecoveryDwell)
			}
			qualifying = 0
		}
	}
	assert.Positive(t, downgrades)
}
