package journal

import (
	"context"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/portfolio"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Recorder writes the backtest and live audit trail to a Journal. Write failures are logged and never
// stop the run.
type Recorder struct {
	logger  *zap.Logger
	journal Journal
}

// NewRecorder creates a recorder over j.
func NewRecorder(logger *zap.Logger, j Journal) *Recorder {
	return &Recorder{logger: logger, journal: j}
}

func (r *Recorder) RecordTrade(ctx context.Context, trade types.Trade) {
	if err := r.journal.AppendTrade(ctx, trade); err != nil {
		r.logger.Error("Failed to journal trade", zap.String("trade_id", trade.ID), zap.Error(err))
	}
}

func (r *Recorder) RecordRejection(ctx context.Context, rej types.RejectedSignal) {
	if err := r.journal.AppendRejectedSignal(ctx, rej); err != nil {
		r.logger.Error("Failed to journal rejected signal", zap.String("signal_id", rej.Signal.ID), zap.Error(err))
	}
}

func (r *Recorder) RecordRisk(ctx context.Context, report *portfolio.RiskReport) {
	if report.VaR != nil {
		if err := r.journal.AppendVaR(ctx, report.VaR); err != nil {
			r.logger.Error("Failed to journal VaR", zap.Error(err))
		}
	}
	if report.Correlation != nil {
		if err := r.journal.AppendCorrelation(ctx, report.Correlation, report.CorrelationEvents); err != nil {
			r.logger.Error("Failed to journal correlation", zap.Error(err))
		}
	}
	if report.Transition != nil {
		if err := r.journal.AppendEmergencyTransition(ctx, *report.Transition); err != nil {
			r.logger.Error("Failed to journal emergency transition", zap.Error(err))
		}
	}
}
