// Package alert fans risk alerts out to sinks such as the log, Telegram and Kafka. Every sink gets its
// own ordered queue so a slow sink never holds up the others or the trading loop.
package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind identifies what raised an alert
type Kind string

const (
	KindVaRBreach           Kind = "var_breach"
	KindVaRUnavailable      Kind = "var_unavailable"
	KindCorrelationWarning  Kind = "correlation_warning"
	KindCorrelationBreach   Kind = "correlation_breach"
	KindEmergencyTransition Kind = "emergency_transition"
)

// Severity orders alerts; sinks subscribe from a minimum severity up.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	for sev := SeverityInfo; sev <= SeverityCritical; sev++ {
		if sev.String() == string(text) {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("unknown alert severity %q", text)
}

// Alert is one emitted alert
type Alert struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Severity Severity       `json:"severity"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

// Alerter emits alerts
type Alerter interface {
	EmitAlert(ctx context.Context, kind Kind, severity Severity, payload map[string]any) error
}

// Sink delivers alerts somewhere
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	QueueSize   int           // per-sink queue length
	SendTimeout time.Duration // per-send deadline, zero for none
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:   256,
		SendTimeout: 10 * time.Second,
	}
}

// Stats tracks dispatcher counters
type Stats struct {
	Emitted   int64 `json:"emitted"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

type subscription struct {
	sink        Sink
	minSeverity Severity
	queue       chan Alert
}

// Dispatcher is the Alerter used by the engine.
type Dispatcher struct {
	logger *zap.Logger
	config DispatcherConfig
	now    func() time.Time

	mu      sync.RWMutex
	subs    []*subscription
	stopped bool
	wg      sync.WaitGroup

	emitted   atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a dispatcher with no sinks.
func NewDispatcher(logger *zap.Logger, config DispatcherConfig) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultDispatcherConfig().QueueSize
	}
	return &Dispatcher{logger: logger, config: config, now: time.Now}
}

// Subscribe starts delivering alerts of at least minSeverity to sink.
func (d *Dispatcher) Subscribe(sink Sink, minSeverity Severity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	sub := &subscription{sink: sink, minSeverity: minSeverity, queue: make(chan Alert, d.config.QueueSize)}
	d.subs = append(d.subs, sub)
	d.wg.Add(1)
	go d.deliver(sub)

	d.logger.Info("Alert sink subscribed",
		zap.String("sink", sink.Name()),
		zap.String("min_severity", minSeverity.String()),
	)
}

// EmitAlert queues an alert for every interested sink. It never blocks; alerts for a full queue are
// dropped and counted.
func (d *Dispatcher) EmitAlert(_ context.Context, kind Kind, severity Severity, payload map[string]any) error {
	a := Alert{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: severity,
		Payload:  payload,
		At:       d.now().UTC(),
	}
	d.emitted.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.dropped.Add(1)
		return nil
	}
	for _, sub := range d.subs {
		if severity < sub.minSeverity {
			continue
		}
		select {
		case sub.queue <- a:
		default:
			d.dropped.Add(1)
			d.logger.Warn("Alert dropped - sink queue full",
				zap.String("sink", sub.sink.Name()),
				zap.String("kind", string(kind)),
			)
		}
	}
	return nil
}

func (d *Dispatcher) deliver(sub *subscription) {
	defer d.wg.Done()
	for a := range sub.queue {
		d.send(sub.sink, a)
	}
}

// send delivers one alert with panic recovery and the configured timeout.
func (d *Dispatcher) send(sink Sink, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Error("Alert sink panic",
				zap.String("sink", sink.Name()),
				zap.Any("panic", r),
			)
		}
	}()

	ctx := context.Background()
	if d.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.SendTimeout)
		defer cancel()
	}

	if err := sink.Send(ctx, a); err != nil {
		d.failed.Add(1)
		d.logger.Warn("Alert delivery failed",
			zap.String("sink", sink.Name()),
			zap.String("alert_id", a.ID),
			zap.Error(err),
		)
		return
	}
	d.delivered.Add(1)
}

// Stop delivers what is queued and shuts the sink goroutines down.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, sub := range d.subs {
		close(sub.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Alert dispatcher stopped",
		zap.Int64("delivered", d.delivered.Load()),
		zap.Int64("dropped", d.dropped.Load()),
		zap.Int64("failed", d.failed.Load()),
	)
}

// Stats returns a snapshot of the counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Emitted:   d.emitted.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
}

// LogSink writes alerts to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.Any("payload", a.Payload),
	}
	switch a.Severity {
	case SeverityCritical:
		s.logger.Error("Risk alert", fields...)
	case SeverityWarning:
		s.logger.Warn("Risk alert", fields...)
	default:
		s.logger.Info("Risk alert", fields...)
	}
	return nil
}
