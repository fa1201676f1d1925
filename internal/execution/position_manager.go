package execution

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/sizing"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// PositionManager owns open positions keyed by instrument and strategy. It is the only writer of Position.
type PositionManager struct {
	logger *zap.Logger
	limits types.PositionLimits
	sim    *Simulator
	ids    *utils.IDGenerator

	mu        sync.RWMutex
	positions map[string]*types.Position
}

// NewPositionManager creates a position manager.
func NewPositionManager(logger *zap.Logger, limits types.PositionLimits, sim *Simulator, ids *utils.IDGenerator) *PositionManager {
	return &PositionManager{
		logger:    logger,
		limits:    limits,
		sim:       sim,
		ids:       ids,
		positions: make(map[string]*types.Position),
	}
}

func positionKey(instrument, strategyID string) string {
	return instrument + "|" + strategyID
}

// CanOpen checks the position limits for a new position.
func (pm *PositionManager) CanOpen(instrument, strategyID string) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.canOpenLocked(instrument, strategyID)
}

func (pm *PositionManager) canOpenLocked(instrument, strategyID string) error {
	const op = "positions.open"
	if _, exists := pm.positions[positionKey(instrument, strategyID)]; exists {
		return types.RejectedError(op, types.RejectDuplicate)
	}
	if len(pm.positions) >= pm.limits.MaxTotal {
		return types.RejectedError(op, types.RejectPositionLimit)
	}
	perInstrument := 0
	for _, p := range pm.positions {
		if p.Instrument == instrument {
			perInstrument++
		}
	}
	if perInstrument >= pm.limits.MaxPerInstrument {
		return types.RejectedError(op, types.RejectPositionLimit)
	}
	return nil
}

// Open turns a fill into an open position.
func (pm *PositionManager) Open(fill *Fill) (types.Position, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	sig := fill.Signal
	if err := pm.canOpenLocked(sig.Instrument, sig.StrategyID); err != nil {
		return types.Position{}, err
	}

	mult := decimal.NewFromInt(1)
	base := fill.Units
	if m := fill.RiskMultiplier; m > 0 && m < 1 {
		mult = decimal.NewFromFloat(m)
		base = fill.Units.Div(mult)
	}

	pos := &types.Position{
		ID:            pm.ids.New("P", fill.At),
		SignalID:      sig.ID,
		StrategyID:    sig.StrategyID,
		Instrument:    sig.Instrument,
		Direction:     sig.Direction,
		BaseUnits:     base,
		Units:         fill.Units,
		Multiplier:    mult,
		EntryPrice:    fill.Price,
		Stop:          sig.Stop,
		Target:        sig.Target,
		MarkPrice:     fill.Price,
		OpenedAt:      fill.At,
		RegimeAtEntry: sig.Regime,
		EntryCosts:    fill.Costs,
	}
	pm.positions[positionKey(pos.Instrument, pos.StrategyID)] = pos

	pm.logger.Info("Position opened",
		zap.String("id", pos.ID),
		zap.String("instrument", pos.Instrument),
		zap.String("strategy", pos.StrategyID),
		zap.String("direction", string(pos.Direction)),
		zap.String("units", pos.Units.String()),
		zap.String("entry", pos.EntryPrice.String()),
	)
	return *pos, nil
}

// MarkToMarket updates the mark price of every position on the bar's instrument.
func (pm *PositionManager) MarkToMarket(bar types.MarketBar) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, p := range pm.positions {
		if p.Instrument == bar.Instrument {
			p.MarkPrice = bar.Close
		}
	}
}

// CheckExits closes positions whose stop or target the bar touched. When both are touched the stop wins.
// Gaps through a level fill at the bar open.
func (pm *PositionManager) CheckExits(bar types.MarketBar, regime types.Regime, atr float64) []types.Trade {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var trades []types.Trade
	for _, key := range pm.sortedKeysLocked() {
		p := pm.positions[key]
		if p.Instrument != bar.Instrument {
			continue
		}
		price, reason, hit := exitLevel(p, bar)
		if !hit {
			continue
		}
		trades = append(trades, pm.closeLocked(key, p.Units, price, bar.Timestamp, reason, regime, atr))
	}
	return trades
}

func exitLevel(p *types.Position, bar types.MarketBar) (decimal.Decimal, string, bool) {
	if p.Direction == types.DirectionLong {
		if bar.Low.LessThanOrEqual(p.Stop) {
			return decimal.Min(bar.Open, p.Stop), types.ExitStop, true
		}
		if p.Target.IsPositive() && bar.High.GreaterThanOrEqual(p.Target) {
			return decimal.Max(bar.Open, p.Target), types.ExitTarget, true
		}
		return decimal.Zero, "", false
	}
	if bar.High.GreaterThanOrEqual(p.Stop) {
		return decimal.Max(bar.Open, p.Stop), types.ExitStop, true
	}
	if p.Target.IsPositive() && bar.Low.LessThanOrEqual(p.Target) {
		return decimal.Min(bar.Open, p.Target), types.ExitTarget, true
	}
	return decimal.Zero, "", false
}

// Close fully closes the position of a strategy on an instrument.
func (pm *PositionManager) Close(instrument, strategyID string, price decimal.Decimal, at time.Time,
	reason string, regime types.Regime) (types.Trade, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	key := positionKey(instrument, strategyID)
	p, ok := pm.positions[key]
	if !ok {
		return types.Trade{}, false
	}
	return pm.closeLocked(key, p.Units, price, at, reason, regime, 0), true
}

// CloseAll closes every position at the price returned for its instrument. Instruments without a price are skipped.
func (pm *PositionManager) CloseAll(prices map[string]decimal.Decimal, at time.Time, reason string,
	regimes map[string]types.Regime) []types.Trade {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var trades []types.Trade
	for _, key := range pm.sortedKeysLocked() {
		p := pm.positions[key]
		price, ok := prices[p.Instrument]
		if !ok || !price.IsPositive() {
			continue
		}
		trades = append(trades, pm.closeLocked(key, p.Units, price, at, reason, regimes[p.Instrument], 0))
	}
	return trades
}

// ApplyRiskMultiplier reduces every position to base units × m when that is below its current size.
// Multipliers never increase a position.
func (pm *PositionManager) ApplyRiskMultiplier(m float64, prices map[string]decimal.Decimal, at time.Time,
	regimes map[string]types.Regime) []types.Trade {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	mult := decimal.NewFromFloat(utils.Clamp(m, 0, 1))
	var trades []types.Trade
	for _, key := range pm.sortedKeysLocked() {
		p := pm.positions[key]
		if !mult.LessThan(p.Multiplier) {
			continue
		}
		price, ok := prices[p.Instrument]
		if !ok || !price.IsPositive() {
			continue
		}
		target := sizing.Scale(p.BaseUnits, m)
		reduce := p.Units.Sub(target)
		if !reduce.IsPositive() {
			p.Multiplier = mult
			continue
		}
		trade := pm.closeLocked(key, reduce, price, at, types.ExitRiskReduction, regimes[p.Instrument], 0)
		if remaining, ok := pm.positions[key]; ok {
			remaining.Multiplier = mult
		}
		trades = append(trades, trade)
	}
	return trades
}

// closeLocked realises units of a position. A partial close keeps the remainder open with
// proportionally reduced entry costs.
func (pm *PositionManager) closeLocked(key string, units, price decimal.Decimal, at time.Time,
	reason string, regime types.Regime, atr float64) types.Trade {
	p := pm.positions[key]
	if units.GreaterThan(p.Units) {
		units = p.Units
	}
	share := units.Div(p.Units)
	entryCosts := p.EntryCosts.Scale(share)
	exitCosts := pm.sim.Close(*p, units, price, at, atr)
	costs := entryCosts.Add(exitCosts)

	grossQuote := price.Sub(p.EntryPrice).Mul(units).Mul(decimal.NewFromInt(p.Direction.Sign()))
	gross := types.ToAccountCurrency(p.Instrument, pm.sim.Currency(), grossQuote, price)

	trade := types.Trade{
		ID:            pm.ids.New("T", at),
		SignalID:      p.SignalID,
		StrategyID:    p.StrategyID,
		Instrument:    p.Instrument,
		Direction:     p.Direction,
		Units:         units,
		EntryPrice:    p.EntryPrice,
		ExitPrice:     price,
		EntryTime:     p.OpenedAt,
		ExitTime:      at,
		GrossPnL:      gross,
		NetPnL:        gross.Sub(costs.Total()),
		Costs:         costs,
		RegimeAtEntry: p.RegimeAtEntry,
		RegimeAtExit:  regime,
		ExitReason:    reason,
	}

	if units.Equal(p.Units) {
		delete(pm.positions, key)
	} else {
		p.Units = p.Units.Sub(units)
		p.EntryCosts = p.EntryCosts.Sub(entryCosts)
	}

	pm.logger.Info("Position closed",
		zap.String("trade", trade.ID),
		zap.String("instrument", trade.Instrument),
		zap.String("strategy", trade.StrategyID),
		zap.String("reason", reason),
		zap.String("units", units.String()),
		zap.String("net_pnl", trade.NetPnL.StringFixed(2)),
	)
	return trade
}

func (pm *PositionManager) sortedKeysLocked() []string {
	keys := make([]string, 0, len(pm.positions))
	for k := range pm.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Positions returns copies of the open positions in a stable order.
func (pm *PositionManager) Positions() []types.Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]types.Position, 0, len(pm.positions))
	for _, key := range pm.sortedKeysLocked() {
		out = append(out, *pm.positions[key])
	}
	return out
}

// Position returns the position of a strategy on an instrument.
func (pm *PositionManager) Position(instrument, strategyID string) (types.Position, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.positions[positionKey(instrument, strategyID)]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// HasPosition reports whether any strategy holds the instrument.
func (pm *PositionManager) HasPosition(instrument string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, p := range pm.positions {
		if p.Instrument == instrument {
			return true
		}
	}
	return false
}

// Count returns the number of open positions.
func (pm *PositionManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.positions)
}

// Exposure returns signed notional per instrument in account currency.
func (pm *PositionManager) Exposure() map[string]decimal.Decimal {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make(map[string]decimal.Decimal)
	for _, p := range pm.positions {
		price := p.MarkPrice
		if !price.IsPositive() {
			price = p.EntryPrice
		}
		n := types.ToAccountCurrency(p.Instrument, pm.sim.Currency(), p.Notional(), price)
		out[p.Instrument] = out[p.Instrument].Add(n)
	}
	return out
}

// OpenRisk returns the stop-out loss of a strategy's positions in account currency. An empty
// strategy id sums every position.
func (pm *PositionManager) OpenRisk(strategyID string) decimal.Decimal {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	total := decimal.Zero
	for _, p := range pm.positions {
		if strategyID != "" && p.StrategyID != strategyID {
			continue
		}
		total = total.Add(types.ToAccountCurrency(p.Instrument, pm.sim.Currency(), p.RiskAmount(), p.EntryPrice))
	}
	return total
}

// UnrealizedPnL returns the mark-to-market P&L of all positions, net of entry costs and accrued financing.
func (pm *PositionManager) UnrealizedPnL(at time.Time) decimal.Decimal {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	total := decimal.Zero
	for _, p := range pm.positions {
		price := p.MarkPrice
		if !price.IsPositive() {
			price = p.EntryPrice
		}
		pnl := types.ToAccountCurrency(p.Instrument, pm.sim.Currency(), p.UnrealizedPnL(price), price)
		pnl = pnl.Sub(p.EntryCosts.Total()).Sub(pm.sim.Financing(*p, p.Units, at))
		total = total.Add(pnl)
	}
	return total
}
