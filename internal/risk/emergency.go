package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Transition causes
const (
	CauseDrawdown     = "drawdown"
	CauseStress       = "volatility_stress"
	CauseRecovery     = "recovery"
	CauseAcknowledged = "acknowledged"
)

// levelPolicy is one row of the emergency transition table
type levelPolicy struct {
	threshold  float64 // drawdown at or above which the level applies
	recovery   float64 // drawdown below which recovery to the previous level is counted
	multiplier float64
	acceptNew  bool
	closeOnly  bool
}

// EmergencyManager is the drawdown and stress driven state machine gating new risk.
// Escalation is immediate; recovery is one level at a time after a dwell.
type EmergencyManager struct {
	logger *zap.Logger
	config types.EmergencyConfig
	table  [types.EmergencyLevel4 + 1]levelPolicy

	mu          sync.RWMutex
	level       types.EmergencyLevel
	since       time.Time
	recovery    int
	drawdown    float64
	stress      float64
	riskBlocked bool
	transitions []types.EmergencyTransition
}

// NewEmergencyManager creates the state machine at NORMAL.
func NewEmergencyManager(logger *zap.Logger, config types.EmergencyConfig) *EmergencyManager {
	em := &EmergencyManager{logger: logger, config: config}
	em.table = [...]levelPolicy{
		types.EmergencyNormal: {0, 0, config.NormalMultiplier, true, false},
		types.EmergencyLevel1: {config.Level1Drawdown, config.NormalRecoveryDrawdown, config.Level1Multiplier, true, false},
		types.EmergencyLevel2: {config.Level2Drawdown, config.Level1Drawdown, config.Level2Multiplier, true, false},
		types.EmergencyLevel3: {config.Level3Drawdown, config.Level2Drawdown, config.Level3Multiplier, false, false},
		types.EmergencyLevel4: {config.Level4Drawdown, config.Level3Drawdown, config.Level4Multiplier, false, true},
	}
	return em
}

// levelFor maps a drawdown to the level whose threshold it reaches.
func (em *EmergencyManager) levelFor(drawdown float64) types.EmergencyLevel {
	level := types.EmergencyNormal
	for l := types.EmergencyLevel1; l <= types.EmergencyLevel4; l++ {
		if drawdown >= em.table[l].threshold {
			level = l
		}
	}
	return level
}

// Evaluate advances the state machine with the current drawdown (fraction of peak equity) and stress
// ratio. It returns the transition taken, or nil.
func (em *EmergencyManager) Evaluate(drawdown, stressRatio float64, at time.Time) *types.EmergencyTransition {
	em.mu.Lock()
	defer em.mu.Unlock()

	em.drawdown = drawdown
	em.stress = stressRatio
	if em.since.IsZero() {
		em.since = at
	}

	stressed := stressRatio >= em.config.StressRatio
	target := em.levelFor(drawdown)
	cause := CauseDrawdown
	if stressed && target < types.EmergencyLevel1 {
		target = types.EmergencyLevel1
		cause = CauseStress
	}

	switch {
	case em.level == types.EmergencyLevel4:
		// Leaving the halt requires Acknowledge.
		return nil

	case target > em.level:
		em.recovery = 0
		return em.transitionLocked(target, cause, at)

	case target < em.level && !stressed && drawdown < em.table[em.level].recovery:
		em.recovery++
		if em.recovery < em.config.RecoveryDwell {
			return nil
		}
		em.recovery = 0
		return em.transitionLocked(em.level-1, CauseRecovery, at)

	default:
		em.recovery = 0
		return nil
	}
}

// Acknowledge lets an operator leave the halt level once the drawdown is back below the halt threshold.
// The machine moves to LEVEL_3 and recovers from there under the normal rules.
func (em *EmergencyManager) Acknowledge(operator string, at time.Time) (*types.EmergencyTransition, error) {
	const op = "risk.emergency.acknowledge"

	em.mu.Lock()
	defer em.mu.Unlock()

	if em.level != types.EmergencyLevel4 {
		return nil, fmt.Errorf("%s: not halted (level %s)", op, em.level)
	}
	if em.drawdown >= em.config.Level4Drawdown {
		return nil, types.NewError(types.KindEmergencyHalt, op,
			fmt.Sprintf("drawdown %.4f still at or above halt threshold %.4f", em.drawdown, em.config.Level4Drawdown), nil)
	}
	em.recovery = 0
	return em.transitionLocked(types.EmergencyLevel3, CauseAcknowledged+" by "+operator, at), nil
}

func (em *EmergencyManager) transitionLocked(to types.EmergencyLevel, cause string, at time.Time) *types.EmergencyTransition {
	tr := types.EmergencyTransition{
		From:        em.level,
		To:          to,
		Cause:       cause,
		Drawdown:    em.drawdown,
		StressRatio: em.stress,
		At:          at,
	}
	em.level = to
	em.since = at
	em.transitions = append(em.transitions, tr)

	log := em.logger.Info
	if to > tr.From {
		log = em.logger.Warn
	}
	log("Emergency level changed",
		zap.String("from", tr.From.String()),
		zap.String("to", to.String()),
		zap.String("cause", cause),
		zap.Float64("drawdown", em.drawdown),
		zap.Float64("stress_ratio", em.stress),
	)
	return &tr
}

// SetRiskAvailability records whether VaR is usable. Unavailable or breached VaR forbids risk increases.
func (em *EmergencyManager) SetRiskAvailability(available, breach bool) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.riskBlocked = !available || breach
}

// Level returns the current level.
func (em *EmergencyManager) Level() types.EmergencyLevel {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.level
}

// Multiplier returns the position multiplier of the current level.
func (em *EmergencyManager) Multiplier() float64 {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.table[em.level].multiplier
}

// AcceptNewSignals reports whether new signals may be opened at all.
func (em *EmergencyManager) AcceptNewSignals() bool {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.table[em.level].acceptNew
}

// AllowRiskIncrease is false when VaR is unavailable or breached, or at LEVEL_3 and above.
func (em *EmergencyManager) AllowRiskIncrease() bool {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.allowRiskIncreaseLocked()
}

func (em *EmergencyManager) allowRiskIncreaseLocked() bool {
	return !em.riskBlocked && em.level < types.EmergencyLevel3
}

// Status returns a read-only view of the state machine.
func (em *EmergencyManager) Status() types.EmergencyStatus {
	em.mu.RLock()
	defer em.mu.RUnlock()
	p := em.table[em.level]
	return types.EmergencyStatus{
		Level:             em.level,
		Multiplier:        p.multiplier,
		AcceptNewSignals:  p.acceptNew,
		CloseOnly:         p.closeOnly,
		AllowRiskIncrease: em.allowRiskIncreaseLocked(),
		Drawdown:          em.drawdown,
		StressRatio:       em.stress,
		Since:             em.since,
	}
}

// Transitions returns a copy of the transition log.
func (em *EmergencyManager) Transitions() []types.EmergencyTransition {
	em.mu.RLock()
	defer em.mu.RUnlock()
	out := make([]types.EmergencyTransition, len(em.transitions))
	copy(out, em.transitions)
	return out
}
