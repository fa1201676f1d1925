package alert

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/portfolio"
	"github.com/atlas-desktop/fx-regime-engine/internal/risk"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Recorder turns risk evaluations into alerts: VaR breaches, correlation warnings and breaches, and
// every emergency level change. Trades and rejections are not alerted.
type Recorder struct {
	logger  *zap.Logger
	alerter Alerter
}

// NewRecorder creates a recorder emitting through a.
func NewRecorder(logger *zap.Logger, a Alerter) *Recorder {
	return &Recorder{logger: logger, alerter: a}
}

func (r *Recorder) RecordTrade(context.Context, types.Trade) {}

func (r *Recorder) RecordRejection(context.Context, types.RejectedSignal) {}

func (r *Recorder) RecordRisk(ctx context.Context, report *portfolio.RiskReport) {
	if v := report.VaR; v != nil {
		switch {
		case v.Breach:
			r.emit(ctx, KindVaRBreach, SeverityCritical, varPayload(v))
		case !v.Available:
			r.emit(ctx, KindVaRUnavailable, SeverityWarning, map[string]any{
				"reason":       v.Reason,
				"observations": v.Observations,
				"at":           v.At,
			})
		}
	}

	for _, ev := range report.CorrelationEvents {
		kind, severity := KindCorrelationWarning, SeverityWarning
		if ev.Kind == risk.CorrelationBreach {
			kind, severity = KindCorrelationBreach, SeverityCritical
		}
		r.emit(ctx, kind, severity, map[string]any{
			"pair":        fmt.Sprintf("%s/%s", ev.Pair.A, ev.Pair.B),
			"correlation": ev.Correlation,
			"level":       ev.Level,
			"reduce":      ev.Reduce,
			"factor":      ev.Factor,
			"at":          ev.At,
		})
	}

	if tr := report.Transition; tr != nil {
		r.emit(ctx, KindEmergencyTransition, transitionSeverity(tr), map[string]any{
			"from":         tr.From.String(),
			"to":           tr.To.String(),
			"cause":        tr.Cause,
			"drawdown":     tr.Drawdown,
			"stress_ratio": tr.StressRatio,
			"at":           tr.At,
		})
	}
}

func (r *Recorder) emit(ctx context.Context, kind Kind, severity Severity, payload map[string]any) {
	if err := r.alerter.EmitAlert(ctx, kind, severity, payload); err != nil {
		r.logger.Warn("Failed to emit alert", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func varPayload(v *types.VaRSet) map[string]any {
	methods := make(map[string]float64, len(v.Results))
	for _, res := range v.Results {
		methods[string(res.Method)] = res.Value
	}
	return map[string]any{
		"target":       v.Target,
		"methods":      methods,
		"observations": v.Observations,
		"at":           v.At,
	}
}

// transitionSeverity escalations are critical from L2 up; recoveries are informational.
func transitionSeverity(tr *types.EmergencyTransition) Severity {
	switch {
	case tr.To < tr.From:
		return SeverityInfo
	case tr.To >= types.EmergencyLevel2:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}
