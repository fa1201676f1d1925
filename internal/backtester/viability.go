package backtester

import (
	"fmt"
	"time"
)

// Issue severities
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// ViabilityThresholds defines the minimum requirements for a tradeable strategy
type ViabilityThresholds struct {
	MinSharpeRatio  float64 `json:"minSharpeRatio"`
	MaxDrawdown     float64 `json:"maxDrawdown"`
	MinProfitFactor float64 `json:"minProfitFactor"`
	MinWinRate      float64 `json:"minWinRate"`
	MinTrades       int     `json:"minTrades"`
	MinSortinoRatio float64 `json:"minSortinoRatio"`
	// MaxLossProbability bounds the share of trade reorderings that end below the initial balance.
	MaxLossProbability float64 `json:"maxLossProbability"`
	MinWFConsistency   float64 `json:"minWfConsistency"`
}

// DefaultViabilityThresholds returns conservative default thresholds
func DefaultViabilityThresholds() ViabilityThresholds {
	return ViabilityThresholds{
		MinSharpeRatio:     0.5,
		MaxDrawdown:        0.20,
		MinProfitFactor:    1.3,
		MinWinRate:         0.35,
		MinTrades:          30,
		MinSortinoRatio:    0.8,
		MaxLossProbability: 0.25,
		MinWFConsistency:   0.60,
	}
}

// ViabilityIssue is one failed requirement
type ViabilityIssue struct {
	Metric   string  `json:"metric"`
	Actual   float64 `json:"actual"`
	Required float64 `json:"required"`
	Severity string  `json:"severity"`
	Message  string  `json:"message"`
}

// ViabilityReport grades a backtest
type ViabilityReport struct {
	IsViable  bool             `json:"isViable"`
	Score     int              `json:"score"` // 0-100
	Grade     string           `json:"grade"` // A-F
	Issues    []ViabilityIssue `json:"issues"`
	Strengths []string         `json:"strengths"`

	ReturnScore      int `json:"returnScore"`
	RiskScore        int `json:"riskScore"`
	ConsistencyScore int `json:"consistencyScore"`
	RobustnessScore  int `json:"robustnessScore"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// ViabilityChecker grades backtest results against thresholds
type ViabilityChecker struct {
	thresholds ViabilityThresholds
}

// NewViabilityChecker creates a new viability checker
func NewViabilityChecker(thresholds ViabilityThresholds) *ViabilityChecker {
	return &ViabilityChecker{thresholds: thresholds}
}

// check is a single threshold test. Lower-is-better metrics set below to false.
type check struct {
	metric   string
	actual   float64
	required float64
	below    bool    // failing means actual < required
	critical float64 // failing past this value is critical
	strong   float64 // passing past this value is a strength
	message  string
}

// Check performs the viability assessment. wf may be nil.
func (vc *ViabilityChecker) Check(result *BacktestResult, wf *WalkForwardResult) *ViabilityReport {
	m := result.Metrics
	t := vc.thresholds
	report := &ViabilityReport{GeneratedAt: time.Now()}

	checks := []check{
		{"sharpe_ratio", m.SharpeRatio, t.MinSharpeRatio, true, 0, 1.5, "risk-adjusted return below threshold"},
		{"max_drawdown", m.MaxDrawdown, t.MaxDrawdown, false, 0.30, 0.10, "maximum drawdown exceeds acceptable level"},
		{"profit_factor", m.ProfitFactor, t.MinProfitFactor, true, 1.0, 2.0, "gross profit does not cover gross loss by enough"},
		{"win_rate", m.WinRate, t.MinWinRate, true, 0.25, 0.60, "win rate below threshold"},
		{"sortino_ratio", m.SortinoRatio, t.MinSortinoRatio, true, 0, 2.0, "downside risk-adjusted return below threshold"},
	}
	if result.MonteCarlo != nil && result.MonteCarlo.FinalEquity != nil {
		checks = append(checks, check{"loss_probability", result.MonteCarlo.ProbabilityOfLoss, t.MaxLossProbability,
			false, 0.5, 0.05, "too many trade orderings end in a loss"})
	}
	if wf != nil && len(wf.Windows) > 0 {
		checks = append(checks, check{"wf_consistency", wf.Consistency, t.MinWFConsistency,
			true, 0.3, 0.8, "too few profitable out-of-sample windows"})
	}

	for _, c := range checks {
		vc.apply(report, c)
	}
	if m.TotalTrades < t.MinTrades {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "trade_count",
			Actual:   float64(m.TotalTrades),
			Required: float64(t.MinTrades),
			Severity: SeverityWarning,
			Message:  "too few trades for statistical significance",
		})
	}
	if m.TotalTrades > 0 && !m.Expectancy.IsPositive() {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:   "expectancy",
			Actual:   m.Expectancy.InexactFloat64(),
			Severity: SeverityCritical,
			Message:  "expected value per trade is not positive",
		})
	}

	report.ReturnScore = clampScore(50 + scaled(m.SharpeRatio, 20, 30, -20) + scaled(m.SortinoRatio, 10, 20, 0))
	report.RiskScore = clampScore(100 - int(m.MaxDrawdown*200))
	report.ConsistencyScore = clampScore(int(m.WinRate*60) + scaled(m.ProfitFactor-1, 20, 40, 0) + tradeCountScore(m.TotalTrades))
	report.RobustnessScore = robustnessScore(result, wf)

	report.Score = (report.ReturnScore*30 + report.RiskScore*30 +
		report.ConsistencyScore*20 + report.RobustnessScore*20) / 100
	report.Grade = grade(report.Score)
	report.IsViable = report.Score >= 60 && !hasCriticalIssue(report.Issues)
	return report
}

func (vc *ViabilityChecker) apply(report *ViabilityReport, c check) {
	failed := c.actual > c.required
	critical := c.actual > c.critical
	strong := c.actual < c.strong
	if c.below {
		failed = c.actual < c.required
		critical = c.actual < c.critical
		strong = c.actual > c.strong
	}

	if !failed {
		if strong {
			report.Strengths = append(report.Strengths, fmt.Sprintf("%s %.2f", c.metric, c.actual))
		}
		return
	}
	severity := SeverityWarning
	if critical {
		severity = SeverityCritical
	}
	report.Issues = append(report.Issues, ViabilityIssue{
		Metric:   c.metric,
		Actual:   c.actual,
		Required: c.required,
		Severity: severity,
		Message:  c.message,
	})
}

// scaled returns v*factor capped at limit, or penalty when v is not positive.
func scaled(v, factor float64, limit, penalty int) int {
	if v <= 0 {
		return penalty
	}
	return min(limit, int(v*factor))
}

func tradeCountScore(n int) int {
	switch {
	case n >= 100:
		return 20
	case n >= 50:
		return 15
	case n >= 30:
		return 10
	default:
		return 0
	}
}

// robustnessScore prefers walk-forward consistency, then Monte Carlo loss probability, else neutral.
func robustnessScore(result *BacktestResult, wf *WalkForwardResult) int {
	switch {
	case wf != nil && len(wf.Windows) > 0:
		return clampScore(int(wf.Consistency * 100))
	case result.MonteCarlo != nil && result.MonteCarlo.FinalEquity != nil:
		return clampScore(int((1 - result.MonteCarlo.ProbabilityOfLoss) * 100))
	default:
		return 50
	}
}

func grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func hasCriticalIssue(issues []ViabilityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func clampScore(v int) int {
	return min(max(v, 0), 100)
}
