// Package data provides forex market data feeds and bar quality validation.
// Checks: OHLC consistency, non-positive prices, duplicate or out-of-order timestamps,
// gaps outside the weekend close, outliers against ATR and stale quotes.
package data

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
	"github.com/atlas-desktop/fx-regime-engine/pkg/utils"
)

// Issue types
const (
	IssueNonPositive  = "NON_POSITIVE_PRICE"
	IssueOHLC         = "OHLC_INCONSISTENT"
	IssueDuplicate    = "DUPLICATE_TIMESTAMP"
	IssueOutOfOrder   = "OUT_OF_ORDER"
	IssueGap          = "GAP_DETECTED"
	IssueOutlier      = "OUTLIER_MOVE"
	IssueStale        = "STALE_QUOTE"
	IssueMarketClosed = "MARKET_CLOSED"
)

// Severities. Critical bars are skipped; warnings are kept and logged.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

const qualityATRPeriod = 14

// Issue represents a data quality problem on one bar
type Issue struct {
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
}

// Err converts the issue into a DataQuality error.
func (i Issue) Err() error {
	return types.DataQualityError("data.quality", "%s %s at %s: %s",
		i.Instrument, i.Type, i.Timestamp.Format(time.RFC3339), i.Message)
}

// QualityReport summarizes data quality of a bar series
type QualityReport struct {
	Instrument   string    `json:"instrument"`
	TotalBars    int       `json:"totalBars"`
	Skipped      int       `json:"skipped"`
	Issues       []Issue   `json:"issues"`
	QualityScore int       `json:"qualityScore"` // 0-100
	IsUsable     bool      `json:"isUsable"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
}

// QualityChecker validates bars incrementally, one instrument stream at a time.
type QualityChecker struct {
	logger    *zap.Logger
	timeframe types.Timeframe
	maxGapATR float64
	staleBars int

	mu     sync.Mutex
	states map[string]*streamState
}

type streamState struct {
	last       types.MarketBar
	ranges     []float64 // true ranges of the most recent accepted bars
	sameCloses int
}

// NewQualityChecker creates a checker for bars of one timeframe.
func NewQualityChecker(logger *zap.Logger, cfg types.DataConfig, timeframe types.Timeframe) *QualityChecker {
	return &QualityChecker{
		logger:    logger,
		timeframe: timeframe,
		maxGapATR: cfg.MaxGapATR,
		staleBars: cfg.StaleBars,
		states:    make(map[string]*streamState),
	}
}

// Check validates the next bar of its instrument. It returns the issues found and whether the bar may be
// used. Rejected bars do not advance the instrument state.
func (q *QualityChecker) Check(bar types.MarketBar) ([]Issue, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, seen := q.states[bar.Instrument]
	issues := checkBar(bar)

	if seen {
		switch {
		case bar.Timestamp.Equal(st.last.Timestamp):
			issues = append(issues, newIssue(bar, IssueDuplicate, SeverityCritical, "duplicate timestamp"))
		case bar.Timestamp.Before(st.last.Timestamp):
			issues = append(issues, newIssue(bar, IssueOutOfOrder, SeverityCritical,
				"bar precedes "+st.last.Timestamp.Format(time.RFC3339)))
		default:
			if missing := MissingBars(st.last.Timestamp, bar.Timestamp, q.timeframe); missing > 0 {
				issues = append(issues, newIssue(bar, IssueGap, SeverityWarning,
					fmt.Sprintf("%d bars missing", missing)))
			}
		}

		if len(st.ranges) >= qualityATRPeriod && q.maxGapATR > 0 && !hasCritical(issues) {
			atr := utils.Mean(st.ranges)
			move := math.Abs(bar.Close.Sub(st.last.Close).InexactFloat64())
			if atr > 0 && move > q.maxGapATR*atr {
				issues = append(issues, newIssue(bar, IssueOutlier, SeverityCritical,
					fmt.Sprintf("move %.5f is %.1f ATR", move, move/atr)))
			}
		}
	}

	if hasCritical(issues) {
		q.log(issues)
		return issues, false
	}

	if !seen {
		st = &streamState{}
		q.states[bar.Instrument] = st
	} else {
		st.ranges = append(st.ranges, trueRange(bar, st.last))
		if len(st.ranges) > qualityATRPeriod {
			st.ranges = st.ranges[1:]
		}
		if bar.Close.Equal(st.last.Close) {
			st.sameCloses++
		} else {
			st.sameCloses = 0
		}
		if q.staleBars > 0 && st.sameCloses >= q.staleBars {
			issues = append(issues, newIssue(bar, IssueStale, SeverityWarning,
				fmt.Sprintf("price unchanged for %d bars", st.sameCloses)))
		}
	}
	st.last = bar

	q.log(issues)
	return issues, true
}

// Filter runs a series through a fresh checker and returns the usable bars and every issue.
func (q *QualityChecker) Filter(bars []types.MarketBar) ([]types.MarketBar, []Issue) {
	fresh := &QualityChecker{
		logger:    q.logger,
		timeframe: q.timeframe,
		maxGapATR: q.maxGapATR,
		staleBars: q.staleBars,
		states:    make(map[string]*streamState),
	}
	kept := make([]types.MarketBar, 0, len(bars))
	var all []Issue
	for _, b := range bars {
		issues, ok := fresh.Check(b)
		all = append(all, issues...)
		if ok {
			kept = append(kept, b)
		}
	}
	return kept, all
}

// Report validates a whole series and scores it.
func (q *QualityChecker) Report(instrument string, bars []types.MarketBar) *QualityReport {
	if len(bars) == 0 {
		return &QualityReport{Instrument: instrument}
	}
	kept, issues := q.Filter(bars)

	score := 100
	for _, i := range issues {
		if i.Severity == SeverityCritical {
			score -= 5
		} else {
			score--
		}
	}
	score = max(score, 0)

	return &QualityReport{
		Instrument:   instrument,
		TotalBars:    len(bars),
		Skipped:      len(bars) - len(kept),
		Issues:       issues,
		QualityScore: score,
		IsUsable:     score >= 70 && len(kept) > 0,
		StartDate:    bars[0].Timestamp,
		EndDate:      bars[len(bars)-1].Timestamp,
	}
}

// Reset forgets the state of every instrument.
func (q *QualityChecker) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states = make(map[string]*streamState)
}

func (q *QualityChecker) log(issues []Issue) {
	for _, i := range issues {
		fields := []zap.Field{
			zap.String("instrument", i.Instrument),
			zap.String("type", i.Type),
			zap.Time("timestamp", i.Timestamp),
			zap.String("message", i.Message),
		}
		if i.Severity == SeverityCritical {
			q.logger.Warn("Bar skipped", fields...)
		} else {
			q.logger.Debug("Bar flagged", fields...)
		}
	}
}

// checkBar runs the checks that need no history.
func checkBar(bar types.MarketBar) []Issue {
	if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
		return []Issue{newIssue(bar, IssueNonPositive, SeverityCritical, "price not positive")}
	}
	var issues []Issue
	if bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) || bar.Low.GreaterThan(bar.Open) ||
		bar.Low.GreaterThan(bar.Close) || bar.High.LessThan(bar.Low) {
		issues = append(issues, newIssue(bar, IssueOHLC, SeverityCritical, fmt.Sprintf("O:%s H:%s L:%s C:%s",
			bar.Open, bar.High, bar.Low, bar.Close)))
	}
	if !MarketOpen(bar.Timestamp) {
		issues = append(issues, newIssue(bar, IssueMarketClosed, SeverityWarning, "bar inside weekend close"))
	}
	return issues
}

func newIssue(bar types.MarketBar, kind, severity, msg string) Issue {
	return Issue{Type: kind, Severity: severity, Instrument: bar.Instrument, Timestamp: bar.Timestamp, Message: msg}
}

func hasCritical(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func trueRange(bar, prev types.MarketBar) float64 {
	h, l, pc := bar.High.InexactFloat64(), bar.Low.InexactFloat64(), prev.Close.InexactFloat64()
	return math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
}

// MarketOpen reports whether the forex market trades at t. The week runs from Sunday 21:00 UTC to
// Friday 21:00 UTC.
func MarketOpen(t time.Time) bool {
	t = t.UTC()
	switch t.Weekday() {
	case time.Saturday:
		return false
	case time.Friday:
		return t.Hour() < 21
	case time.Sunday:
		return t.Hour() >= 21
	default:
		return true
	}
}

// NextOpen returns the first bar time after t at which the market is open.
func NextOpen(t time.Time, tf types.Timeframe) time.Time {
	step := tf.Duration()
	next := t.Add(step)
	for !MarketOpen(next) {
		next = next.Add(step)
	}
	return next
}

// MissingBars counts the open-market bars expected strictly between from and to.
func MissingBars(from, to time.Time, tf types.Timeframe) int {
	step := tf.Duration()
	if step <= 0 {
		return 0
	}
	missing := 0
	for t := from.Add(step); t.Before(to); t = t.Add(step) {
		if MarketOpen(t) {
			missing++
		}
	}
	return missing
}
