package backtester

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// Metrics are the aggregate performance figures of a run
type Metrics struct {
	TotalTrades    int             `json:"totalTrades"`
	WinningTrades  int             `json:"winningTrades"`
	LosingTrades   int             `json:"losingTrades"`
	WinRate        float64         `json:"winRate"`
	ProfitFactor   float64         `json:"profitFactor"`
	Expectancy     decimal.Decimal `json:"expectancy"`
	AvgWin         decimal.Decimal `json:"avgWin"`
	AvgLoss        decimal.Decimal `json:"avgLoss"`
	LargestWin     decimal.Decimal `json:"largestWin"`
	LargestLoss    decimal.Decimal `json:"largestLoss"`
	GrossPnL       decimal.Decimal `json:"grossPnl"`
	NetPnL         decimal.Decimal `json:"netPnl"`
	TotalCosts     decimal.Decimal `json:"totalCosts"`
	AvgHoldingTime time.Duration   `json:"avgHoldingTime"`

	TotalReturn      float64   `json:"totalReturn"`
	AnnualizedReturn float64   `json:"annualizedReturn"`
	MaxDrawdown      float64   `json:"maxDrawdown"`
	MaxDrawdownDate  time.Time `json:"maxDrawdownDate"`
	SharpeRatio      float64   `json:"sharpeRatio"`
	SortinoRatio     float64   `json:"sortinoRatio"`
	CalmarRatio      float64   `json:"calmarRatio"`
}

// TradeStats summarises a group of trades, used for the regime and strategy breakdowns
type TradeStats struct {
	Trades       int             `json:"trades"`
	WinRate      float64         `json:"winRate"`
	ProfitFactor float64         `json:"profitFactor"`
	Expectancy   decimal.Decimal `json:"expectancy"`
	NetPnL       decimal.Decimal `json:"netPnl"`
	TotalCosts   decimal.Decimal `json:"totalCosts"`
}

// MetricsCalculator calculates performance metrics. Ratios are annualised for the bar timeframe.
type MetricsCalculator struct {
	periodsPerYear float64
}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator(timeframe types.Timeframe) *MetricsCalculator {
	return &MetricsCalculator{periodsPerYear: timeframe.PeriodsPerYear()}
}

// Calculate calculates all performance metrics
func (mc *MetricsCalculator) Calculate(trades []types.Trade, equityCurve []types.EquityCurvePoint,
	initialCapital decimal.Decimal) *Metrics {
	metrics := &Metrics{}
	mc.tradeMetrics(metrics, trades)

	if len(equityCurve) == 0 {
		return metrics
	}

	if initialCapital.IsPositive() {
		final := equityCurve[len(equityCurve)-1].Equity
		metrics.TotalReturn = final.Sub(initialCapital).Div(initialCapital).InexactFloat64()
	}

	returns := periodReturns(equityCurve)
	if len(returns) > 0 {
		metrics.AnnualizedReturn = utils.Mean(returns) * mc.periodsPerYear
	}

	// Sharpe ratio with a zero risk-free rate
	if len(returns) > 1 {
		avg := utils.Mean(returns)
		if sd := utils.StdDev(returns); sd > 0 {
			metrics.SharpeRatio = avg / sd * math.Sqrt(mc.periodsPerYear)
		}
		if dd := downsideDeviation(returns); dd > 0 {
			metrics.SortinoRatio = avg / dd * math.Sqrt(mc.periodsPerYear)
		}
	}

	metrics.MaxDrawdown, metrics.MaxDrawdownDate = maxDrawdown(equityCurve)
	if metrics.MaxDrawdown > 0 {
		metrics.CalmarRatio = metrics.AnnualizedReturn / metrics.MaxDrawdown
	}
	return metrics
}

func (mc *MetricsCalculator) tradeMetrics(metrics *Metrics, trades []types.Trade) {
	var totalWins, totalLosses decimal.Decimal
	var totalHolding time.Duration

	for _, trade := range trades {
		metrics.GrossPnL = metrics.GrossPnL.Add(trade.GrossPnL)
		metrics.NetPnL = metrics.NetPnL.Add(trade.NetPnL)
		metrics.TotalCosts = metrics.TotalCosts.Add(trade.Costs.Total())
		totalHolding += trade.HoldingTime()

		switch {
		case trade.NetPnL.IsPositive():
			metrics.WinningTrades++
			totalWins = totalWins.Add(trade.NetPnL)
			if trade.NetPnL.GreaterThan(metrics.LargestWin) {
				metrics.LargestWin = trade.NetPnL
			}
		case trade.NetPnL.IsNegative():
			metrics.LosingTrades++
			loss := trade.NetPnL.Abs()
			totalLosses = totalLosses.Add(loss)
			if loss.GreaterThan(metrics.LargestLoss) {
				metrics.LargestLoss = loss
			}
		}
	}

	metrics.TotalTrades = len(trades)
	if metrics.TotalTrades == 0 {
		return
	}

	metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
	if metrics.WinningTrades > 0 {
		metrics.AvgWin = totalWins.Div(decimal.NewFromInt(int64(metrics.WinningTrades)))
	}
	if metrics.LosingTrades > 0 {
		metrics.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(metrics.LosingTrades)))
	}
	if !totalLosses.IsZero() {
		metrics.ProfitFactor = totalWins.Div(totalLosses).InexactFloat64()
	}

	// Expectancy: (Win% * AvgWin) - (Loss% * AvgLoss)
	winPct := decimal.NewFromFloat(metrics.WinRate)
	lossPct := decimal.NewFromInt(1).Sub(winPct)
	metrics.Expectancy = winPct.Mul(metrics.AvgWin).Sub(lossPct.Mul(metrics.AvgLoss)).Round(2)
	metrics.AvgHoldingTime = totalHolding / time.Duration(metrics.TotalTrades)
}

// Stats summarises trades without an equity curve.
func (mc *MetricsCalculator) Stats(trades []types.Trade) TradeStats {
	var m Metrics
	mc.tradeMetrics(&m, trades)
	return TradeStats{
		Trades:       m.TotalTrades,
		WinRate:      m.WinRate,
		ProfitFactor: m.ProfitFactor,
		Expectancy:   m.Expectancy,
		NetPnL:       m.NetPnL,
		TotalCosts:   m.TotalCosts,
	}
}

// periodReturns calculates bar-to-bar returns from the equity curve
func periodReturns(equityCurve []types.EquityCurvePoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		returns = append(returns, equityCurve[i].Equity.Sub(prev).Div(prev).InexactFloat64())
	}
	return returns
}

func maxDrawdown(equityCurve []types.EquityCurvePoint) (float64, time.Time) {
	var maxDD float64
	var maxDDDate time.Time
	peak := equityCurve[0].Equity

	for _, point := range equityCurve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if peak.IsPositive() {
			if dd := peak.Sub(point.Equity).Div(peak).InexactFloat64(); dd > maxDD {
				maxDD = dd
				maxDDDate = point.Timestamp
			}
		}
	}
	return maxDD, maxDDDate
}

// downsideDeviation is the root mean square of negative returns over all periods.
func downsideDeviation(returns []float64) float64 {
	var sum float64
	for _, r := range returns {
		if r < 0 {
			sum += r * r
		}
	}
	return math.Sqrt(sum / float64(len(returns)))
}
