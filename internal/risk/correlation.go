// Package risk provides portfolio-level risk monitors: rolling correlation, Value-at-Risk,
// the volatility stress monitor and the emergency protocol state machine.
package risk

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// CorrelationAlertKind distinguishes early warnings from breaches
type CorrelationAlertKind string

const (
	CorrelationWarning CorrelationAlertKind = "correlation_warning"
	CorrelationBreach  CorrelationAlertKind = "correlation_breach"
)

// CorrelationEvent is emitted when a pair crosses a level upwards
type CorrelationEvent struct {
	Kind        CorrelationAlertKind `json:"kind"`
	Pair        types.InstrumentPair `json:"pair"`
	Correlation float64              `json:"correlation"`
	Level       float64              `json:"level"`
	Reduce      string               `json:"reduce,omitempty"` // breach only: instrument recommended for reduction
	Factor      float64              `json:"factor,omitempty"`
	At          time.Time            `json:"at"`
}

type pairState struct {
	warned   bool
	breached bool
}

// CorrelationManager maintains the rolling correlation matrix and its alert state.
// It recommends reductions but never touches positions.
type CorrelationManager struct {
	logger *zap.Logger
	config types.CorrelationConfig

	mu     sync.RWMutex
	matrix *types.CorrelationMatrix
	pairs  map[types.InstrumentPair]*pairState
}

// NewCorrelationManager creates a correlation manager.
func NewCorrelationManager(logger *zap.Logger, config types.CorrelationConfig) *CorrelationManager {
	return &CorrelationManager{
		logger: logger,
		config: config,
		pairs:  make(map[types.InstrumentPair]*pairState),
	}
}

// Compute builds a correlation matrix from the trailing Window log returns of each close series.
// It returns a RiskUnavailable error when any instrument has fewer than Window+1 closes.
func (cm *CorrelationManager) Compute(closes map[string][]float64, at time.Time) (*types.CorrelationMatrix, error) {
	const op = "risk.correlation"

	instruments := make([]string, 0, len(closes))
	for inst := range closes {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)
	if len(instruments) == 0 {
		return nil, types.RiskUnavailableError(op, "no instruments")
	}

	window := cm.config.Window
	returns := make([][]float64, len(instruments))
	for i, inst := range instruments {
		series := closes[inst]
		if len(series) < window+1 {
			return nil, types.RiskUnavailableError(op, "%s has %d closes, need %d", inst, len(series), window+1)
		}
		returns[i] = utils.LogReturns(series[len(series)-window-1:])
	}

	n := len(instruments)
	values := make([][]float64, n)
	for i := range values {
		values[i] = make([]float64, n)
		values[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			rho, err := utils.Pearson(returns[i], returns[j])
			if err != nil {
				return nil, types.NewError(types.KindRiskUnavailable, op, "pearson", err)
			}
			values[i][j] = rho
			values[j][i] = rho
		}
	}

	return &types.CorrelationMatrix{
		Instruments: instruments,
		Values:      values,
		Window:      window,
		At:          at,
	}, nil
}

// Update computes and publishes a new matrix, returning any threshold crossings.
func (cm *CorrelationManager) Update(closes map[string][]float64, at time.Time) (*types.CorrelationMatrix, []CorrelationEvent, error) {
	m, err := cm.Compute(closes, at)
	if err != nil {
		return nil, nil, err
	}
	return m, cm.Apply(m), nil
}

// Apply publishes a matrix and evaluates pair crossings against it. Alerts fire on upward crossings only;
// a pair re-arms after falling back below the level.
func (cm *CorrelationManager) Apply(m *types.CorrelationMatrix) []CorrelationEvent {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var events []CorrelationEvent
	for i := 0; i < len(m.Instruments); i++ {
		for j := i + 1; j < len(m.Instruments); j++ {
			pair := types.NewPair(m.Instruments[i], m.Instruments[j])
			rho := m.Values[i][j]
			abs := math.Abs(rho)

			st, ok := cm.pairs[pair]
			if !ok {
				st = &pairState{}
				cm.pairs[pair] = st
			}

			if abs >= cm.config.WarningLevel {
				if !st.warned {
					st.warned = true
					events = append(events, CorrelationEvent{
						Kind: CorrelationWarning, Pair: pair, Correlation: rho,
						Level: cm.config.WarningLevel, At: m.At,
					})
				}
			} else {
				st.warned = false
			}

			if abs >= cm.config.BreachLevel {
				if !st.breached {
					st.breached = true
					events = append(events, CorrelationEvent{
						Kind: CorrelationBreach, Pair: pair, Correlation: rho,
						Level: cm.config.BreachLevel, Reduce: moreCorrelated(m, pair),
						Factor: cm.config.ReductionFactor, At: m.At,
					})
				}
			} else {
				st.breached = false
			}
		}
	}
	cm.matrix = m

	for _, ev := range events {
		cm.logger.Warn("Correlation threshold crossed",
			zap.String("kind", string(ev.Kind)),
			zap.String("pair", ev.Pair.String()),
			zap.Float64("correlation", ev.Correlation),
			zap.String("reduce", ev.Reduce),
		)
	}
	return events
}

// moreCorrelated returns the pair member with the higher mean |ρ| against the other instruments,
// ties broken by name.
func moreCorrelated(m *types.CorrelationMatrix, pair types.InstrumentPair) string {
	a, b := meanAbsCorrelation(m, pair.A), meanAbsCorrelation(m, pair.B)
	if b > a {
		return pair.B
	}
	return pair.A
}

func meanAbsCorrelation(m *types.CorrelationMatrix, instrument string) float64 {
	i := m.Index(instrument)
	if i < 0 || len(m.Instruments) < 2 {
		return 0
	}
	sum := 0.0
	for j, v := range m.Values[i] {
		if j != i {
			sum += math.Abs(v)
		}
	}
	return sum / float64(len(m.Instruments)-1)
}

// Matrix returns the last published matrix, nil before the first computation.
func (cm *CorrelationManager) Matrix() *types.CorrelationMatrix {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.matrix
}

// Reductions returns the advisory size factor for every instrument currently in a breached pair.
func (cm *CorrelationManager) Reductions() map[string]float64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make(map[string]float64)
	if cm.matrix == nil {
		return out
	}
	for pair, st := range cm.pairs {
		if st.breached {
			out[moreCorrelated(cm.matrix, pair)] = cm.config.ReductionFactor
		}
	}
	return out
}
