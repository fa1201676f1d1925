// Package execution simulates forex fills and owns open positions and the trade record.
// Models: session-aware spread, slippage, overnight financing, flat commission.
package execution

import (
	"sync"
	"time"

	"github.com/cinar/indicator"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

const slippageATRPeriod = 14

// SignalValidator is the fill-time check each strategy provides.
type SignalValidator interface {
	ValidateSignal(signal types.TradeSignal, window strategy.PriceWindow) bool
}

// Simulator provides realistic execution cost modeling
type Simulator struct {
	logger   *zap.Logger
	config   types.ExecutionConfig
	currency string
	slippage SlippageModel

	// Statistics
	mu         sync.RWMutex
	fills      int64
	rejections int64
	totals     types.CostBreakdown
}

// Fill is a simulated entry. Price is the mid reference; costs are carried separately in account currency.
type Fill struct {
	Signal         types.TradeSignal   `json:"signal"`
	Units          decimal.Decimal     `json:"units"`
	Price          decimal.Decimal     `json:"price"`
	EffectivePrice decimal.Decimal     `json:"effectivePrice"`
	Costs          types.CostBreakdown `json:"costs"`
	At             time.Time           `json:"at"`
	// RiskMultiplier is the emergency multiplier the order was sized under. Zero means unscaled.
	RiskMultiplier float64 `json:"riskMultiplier,omitempty"`
}

// NewSimulator creates a new execution simulator
func NewSimulator(logger *zap.Logger, config types.ExecutionConfig, currency string) (*Simulator, error) {
	model, err := NewSlippageModel(config.Slippage)
	if err != nil {
		return nil, err
	}
	return &Simulator{
		logger:   logger,
		config:   config,
		currency: currency,
		slippage: model,
	}, nil
}

// Currency returns the account currency costs are expressed in.
func (s *Simulator) Currency() string { return s.currency }

// Fill executes a signal at the open of the fill bar. The window holds the bars up to the signal bar.
// A signal failing fill-time validation is dropped and returned as a SignalRejected error.
func (s *Simulator) Fill(v SignalValidator, signal types.TradeSignal, units decimal.Decimal,
	window strategy.PriceWindow, bar types.MarketBar) (*Fill, error) {
	const op = "execution.fill"

	if !units.IsPositive() {
		s.countRejection()
		return nil, types.RejectedError(op, types.RejectZeroSize)
	}
	if !v.ValidateSignal(signal, window.AtFill(bar)) {
		s.countRejection()
		return nil, types.RejectedError(op, types.RejectValidation)
	}
	return s.FillAt(signal, units, bar.Open, bar.Timestamp, atrOf(window)), nil
}

// FillAt prices an entry at mid without validation, for callers that validated already.
func (s *Simulator) FillAt(signal types.TradeSignal, units, mid decimal.Decimal, at time.Time, atr float64) *Fill {
	half := HalfSpread(s.config.Spread, signal.Instrument, at)
	slip := s.slippage.Slippage(signal.Instrument, atr)
	adverse := decimal.NewFromInt(signal.Direction.Sign())

	costs := types.CostBreakdown{
		Spread:     s.toAccount(signal.Instrument, half.Mul(units), mid),
		Slippage:   s.toAccount(signal.Instrument, slip.Mul(units), mid),
		Commission: decimal.NewFromFloat(s.config.CommissionPerSide),
	}

	fill := &Fill{
		Signal:         signal,
		Units:          units,
		Price:          mid,
		EffectivePrice: mid.Add(half.Add(slip).Mul(adverse)),
		Costs:          costs,
		At:             at,
	}
	s.record(costs)

	s.logger.Debug("Simulated fill",
		zap.String("signal", signal.ID),
		zap.String("instrument", signal.Instrument),
		zap.String("direction", string(signal.Direction)),
		zap.String("units", units.String()),
		zap.String("price", mid.String()),
		zap.String("costs", costs.Total().StringFixed(2)),
	)
	return fill
}

// Close returns the exit costs for closing units of a position at mid price: half spread, slippage,
// commission and the financing accrued since the position opened.
func (s *Simulator) Close(pos types.Position, units, mid decimal.Decimal, at time.Time, atr float64) types.CostBreakdown {
	half := HalfSpread(s.config.Spread, pos.Instrument, at)
	slip := s.slippage.Slippage(pos.Instrument, atr)

	costs := types.CostBreakdown{
		Spread:     s.toAccount(pos.Instrument, half.Mul(units), mid),
		Slippage:   s.toAccount(pos.Instrument, slip.Mul(units), mid),
		Financing:  s.Financing(pos, units, at),
		Commission: decimal.NewFromFloat(s.config.CommissionPerSide),
	}
	s.record(costs)
	return costs
}

// Financing returns the swap charged on units of a position held from its open until at.
// Positive values are costs.
func (s *Simulator) Financing(pos types.Position, units decimal.Decimal, at time.Time) decimal.Decimal {
	nights := RolloverNights(pos.OpenedAt, at, s.config.Financing.RolloverHourUTC)
	if nights == 0 {
		return decimal.Zero
	}
	rate := s.config.Financing.DefaultLongRate
	if pos.Direction == types.DirectionShort {
		rate = s.config.Financing.DefaultShortRate
	}
	if r, ok := s.config.Financing.Rates[pos.Instrument]; ok {
		rate = r.Long
		if pos.Direction == types.DirectionShort {
			rate = r.Short
		}
	}
	notional := s.toAccount(pos.Instrument, pos.EntryPrice.Mul(units), pos.EntryPrice)
	daily := decimal.NewFromFloat(rate).Div(decimal.NewFromInt(365))
	return notional.Mul(daily).Mul(decimal.NewFromInt(int64(nights)))
}

func (s *Simulator) toAccount(instrument string, amount, price decimal.Decimal) decimal.Decimal {
	return types.ToAccountCurrency(instrument, s.currency, amount, price)
}

func (s *Simulator) record(c types.CostBreakdown) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills++
	s.totals = s.totals.Add(c)
}

func (s *Simulator) countRejection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections++
}

// Stats is a snapshot of execution statistics
type Stats struct {
	Executions int64               `json:"executions"`
	Rejections int64               `json:"rejections"`
	Costs      types.CostBreakdown `json:"costs"`
	Slippage   string              `json:"slippageModel"`
}

// GetStats returns execution statistics.
func (s *Simulator) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Executions: s.fills,
		Rejections: s.rejections,
		Costs:      s.totals,
		Slippage:   s.slippage.Name(),
	}
}

// ATR returns the latest ATR of a window, used by the volatility slippage model.
func ATR(bars []types.MarketBar) float64 {
	if len(bars) <= slippageATRPeriod {
		return 0
	}
	highs, lows, closes := types.HighsLowsCloses(bars)
	_, atr := indicator.Atr(slippageATRPeriod, highs, lows, closes)
	return atr[len(atr)-1]
}

func atrOf(w strategy.PriceWindow) float64 { return ATR(w.Bars) }
