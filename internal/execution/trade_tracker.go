package execution

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// TradeTracker is the append-only record of closed trades and rejected signals.
type TradeTracker struct {
	logger *zap.Logger

	mu       sync.RWMutex
	trades   []types.Trade
	rejected []types.RejectedSignal
	reasons  map[string]int
}

// NewTradeTracker creates an empty tracker.
func NewTradeTracker(logger *zap.Logger) *TradeTracker {
	return &TradeTracker{
		logger:  logger,
		reasons: make(map[string]int),
	}
}

// RecordTrade appends closed trades.
func (tt *TradeTracker) RecordTrade(trades ...types.Trade) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.trades = append(tt.trades, trades...)
}

// RecordRejection appends a rejected-signal event.
func (tt *TradeTracker) RecordRejection(signal types.TradeSignal, reason string, at time.Time) types.RejectedSignal {
	ev := types.RejectedSignal{Signal: signal, Reason: reason, RejectedAt: at}

	tt.mu.Lock()
	tt.rejected = append(tt.rejected, ev)
	tt.reasons[reason]++
	tt.mu.Unlock()

	tt.logger.Debug("Signal rejected",
		zap.String("signal", signal.ID),
		zap.String("strategy", signal.StrategyID),
		zap.String("instrument", signal.Instrument),
		zap.String("reason", reason),
	)
	return ev
}

// Trades returns a copy of all closed trades in close order.
func (tt *TradeTracker) Trades() []types.Trade {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	out := make([]types.Trade, len(tt.trades))
	copy(out, tt.trades)
	return out
}

// Rejected returns a copy of all rejected-signal events.
func (tt *TradeTracker) Rejected() []types.RejectedSignal {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	out := make([]types.RejectedSignal, len(tt.rejected))
	copy(out, tt.rejected)
	return out
}

// RejectionCounts returns the number of rejections per reason.
func (tt *TradeTracker) RejectionCounts() map[string]int {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	out := make(map[string]int, len(tt.reasons))
	for k, v := range tt.reasons {
		out[k] = v
	}
	return out
}

// ByStrategy returns the trades of one strategy.
func (tt *TradeTracker) ByStrategy(strategyID string) []types.Trade {
	return tt.filter(func(t types.Trade) bool { return t.StrategyID == strategyID })
}

// ByRegime returns the trades entered in a regime.
func (tt *TradeTracker) ByRegime(regime types.Regime) []types.Trade {
	return tt.filter(func(t types.Trade) bool { return t.RegimeAtEntry == regime })
}

func (tt *TradeTracker) filter(keep func(types.Trade) bool) []types.Trade {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	var out []types.Trade
	for _, t := range tt.trades {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
