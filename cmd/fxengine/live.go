package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/alert"
	"github.com/atlas-desktop/fx-regime-engine/internal/api"
	"github.com/atlas-desktop/fx-regime-engine/internal/backtester"
	"github.com/atlas-desktop/fx-regime-engine/internal/config"
	"github.com/atlas-desktop/fx-regime-engine/internal/data"
	"github.com/atlas-desktop/fx-regime-engine/internal/journal"
	"github.com/atlas-desktop/fx-regime-engine/internal/live"
	"github.com/atlas-desktop/fx-regime-engine/internal/metrics"
	"github.com/atlas-desktop/fx-regime-engine/internal/notify"
	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
	"github.com/atlas-desktop/fx-regime-engine/internal/workers"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

const shutdownTimeout = 30 * time.Second

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run the live paper-trading loop with portfolio risk management",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLive(cmd.Context(), false)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live loop and expose its state over HTTP and WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLive(cmd.Context(), true)
	},
}

func runLive(parent context.Context, serve bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	secrets, err := config.LoadSecrets()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed, err := data.NewFeed(logger, cfg.Data, cfg.Timeframe)
	if err != nil {
		return err
	}
	if c, ok := feed.(io.Closer); ok {
		defer c.Close()
	}

	strategies, err := strategy.NewDefaultRegistry(logger).BuildAll(cfg.Strategies)
	if err != nil {
		return err
	}

	j, err := journal.Open(logger, cfg.Persistence)
	if err != nil {
		return err
	}
	defer j.Close()

	m := metrics.New()
	hub := api.NewHub(logger)

	dispatcher := alert.NewDispatcher(logger, alert.DefaultDispatcherConfig())
	defer dispatcher.Stop()
	dispatcher.Subscribe(alert.NewLogSink(logger), alert.SeverityInfo)
	if serve {
		dispatcher.Subscribe(hub, alert.SeverityInfo)
	}
	closers, err := subscribeExternalSinks(logger, cfg, secrets, dispatcher)
	if err != nil {
		return err
	}

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("live"))
	pool.Start()
	defer pool.Stop()

	observers := []live.Observer{m.ObserveCycle}
	if serve {
		observers = append(observers, hub.ObserveCycle)
	}

	opts := []live.Option{
		live.WithPool(pool),
		live.WithRecorder(backtester.MultiRecorder(
			journal.NewRecorder(logger, j),
			alert.NewRecorder(logger, dispatcher),
			m,
		)),
	}
	for _, o := range observers {
		opts = append(opts, live.WithObserver(o))
	}
	runner, err := live.NewRunner(logger, cfg, feed, strategies, opts...)
	if err != nil {
		return err
	}

	var server *api.Server
	if serve {
		server = api.NewServer(logger, &cfg.Server, runner,
			api.WithHub(hub),
			api.WithJournal(j),
			api.WithMetrics(m.Handler()),
		)
		go hub.Run(ctx)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("API server failed", zap.Error(err))
				stop()
			}
		}()
	}

	logger.Info("Live loop starting",
		zap.Strings("instruments", cfg.Instruments),
		zap.Int("strategies", len(strategies)),
		zap.Duration("interval", cfg.Live.Interval),
		zap.Bool("api", serve),
	)

	runErr := runner.Run(ctx)

	logger.Info("Shutting down...")
	runner.Stop()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
		}
	}
	dispatcher.Stop()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn("Alert sink close failed", zap.Error(err))
		}
	}

	logger.Info("Live loop stopped",
		zap.Uint64("cycles", runner.Cycles()),
		zap.Uint64("stale_quotes", runner.StaleQuotes()),
		zap.Int("trades", len(runner.Trades())),
		zap.Any("alerts", dispatcher.Stats()),
		zap.Any("pool", pool.Stats()),
	)

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

// subscribeExternalSinks adds the Telegram and Kafka sinks enabled in cfg.Alerts. The returned
// closers must run after the dispatcher has stopped.
func subscribeExternalSinks(logger *zap.Logger, cfg *types.Config, secrets *config.Secrets,
	d *alert.Dispatcher) ([]io.Closer, error) {
	var closers []io.Closer
	if cfg.Alerts.Telegram {
		sink, err := notify.NewTelegramSink(logger, secrets.TelegramToken, secrets.TelegramChatID)
		if err != nil {
			return nil, err
		}
		d.Subscribe(sink, alert.SeverityWarning)
	}
	if cfg.Alerts.Kafka {
		sink, err := notify.NewKafkaSink(logger, secrets.KafkaBrokers, cfg.Alerts.Topic)
		if err != nil {
			return nil, err
		}
		d.Subscribe(sink, alert.SeverityInfo)
		closers = append(closers, sink)
	}
	return closers, nil
}
