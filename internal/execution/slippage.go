package execution

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// SlippageModel returns the adverse price move applied to a fill, in price units.
type SlippageModel interface {
	Name() string
	Slippage(instrument string, atr float64) decimal.Decimal
}

// ZeroSlippage models swing-style horizons where impact is negligible.
type ZeroSlippage struct{}

// Name implements SlippageModel.
func (ZeroSlippage) Name() string { return "zero" }

// Slippage implements SlippageModel.
func (ZeroSlippage) Slippage(string, float64) decimal.Decimal { return decimal.Zero }

// FixedSlippage applies a constant number of pips.
type FixedSlippage struct {
	Pips float64
}

// Name implements SlippageModel.
func (FixedSlippage) Name() string { return "fixed" }

// Slippage implements SlippageModel.
func (f FixedSlippage) Slippage(instrument string, _ float64) decimal.Decimal {
	return types.PipSize(instrument).Mul(decimal.NewFromFloat(f.Pips))
}

// VolatilitySlippage applies a fraction of the current ATR.
type VolatilitySlippage struct {
	ATRFraction float64
}

// Name implements SlippageModel.
func (VolatilitySlippage) Name() string { return "volatility" }

// Slippage implements SlippageModel.
func (v VolatilitySlippage) Slippage(_ string, atr float64) decimal.Decimal {
	if atr <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(atr * v.ATRFraction)
}

// NewSlippageModel selects the configured model.
func NewSlippageModel(cfg types.SlippageConfig) (SlippageModel, error) {
	switch cfg.Model {
	case "zero", "":
		return ZeroSlippage{}, nil
	case "fixed":
		if cfg.FixedPips < 0 {
			return nil, types.ConfigError("execution.slippage", "fixed_pips must not be negative")
		}
		return FixedSlippage{Pips: cfg.FixedPips}, nil
	case "volatility":
		if cfg.ATRFraction < 0 {
			return nil, types.ConfigError("execution.slippage", "atr_fraction must not be negative")
		}
		return VolatilitySlippage{ATRFraction: cfg.ATRFraction}, nil
	default:
		return nil, types.ConfigError("execution.slippage", "unknown slippage model %q", cfg.Model)
	}
}
