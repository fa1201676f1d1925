// Package workers provides a bounded goroutine pool for independent backtests and
// concurrent risk measurements.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	panics    atomic.Int64
}

// PoolConfig configures a worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	TaskTimeout     time.Duration // Zero disables the per-task timeout
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
	PanicRecovery   bool          // Enable panic recovery in workers
}

// DefaultPoolConfig returns a pool sized to the machine.
func DefaultPoolConfig(name string) *PoolConfig {
	numCPU := runtime.NumCPU()
	return &PoolConfig{
		Name:            name,
		NumWorkers:      numCPU,
		QueueSize:       numCPU * 16,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	TasksSubmitted int64 `json:"tasks_submitted"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	TasksTimeout   int64 `json:"tasks_timeout"`
	PanicRecovered int64 `json:"panic_recovered"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start initializes and starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) run(logger *zap.Logger) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.execute(logger, task)
		}
	}
}

// execute runs one task with optional timeout and panic recovery.
func (p *Pool) execute(logger *zap.Logger, task Task) {
	done := make(chan error, 1)
	go func() {
		if p.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					p.panics.Add(1)
					logger.Error("worker recovered from panic", zap.Any("panic", r))
					done <- &PanicError{Recovered: r}
				}
			}()
		}
		done <- task.Execute()
	}()

	var timeout <-chan time.Time
	if p.config.TaskTimeout > 0 {
		timer := time.NewTimer(p.config.TaskTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		if err != nil {
			p.failed.Add(1)
			logger.Debug("task failed", zap.Error(err))
			return
		}
		p.completed.Add(1)
	case <-timeout:
		p.timedOut.Add(1)
		logger.Warn("task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	case <-p.ctx.Done():
	}
}

// Submit adds a task to the queue
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait submits a task and waits for completion
func (p *Pool) SubmitWait(task Task) error {
	done := make(chan error, 1)
	if err := p.Submit(TaskFunc(func() error {
		err := task.Execute()
		done <- err
		return err
	})); err != nil {
		return err
	}
	return <-done
}

// RunAll runs every function on the pool and waits for all of them. Errors are returned in input
// order; a nil slice means every function succeeded. Functions that cannot be queued run on the caller.
func (p *Pool) RunAll(ctx context.Context, fns ...func(context.Context) error) []error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	var failed atomic.Bool

	for i, fn := range fns {
		i, fn := i, fn
		wg.Add(1)
		task := TaskFunc(func() (err error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Recovered: r}
				}
				if err != nil {
					errs[i] = err
					failed.Store(true)
				}
			}()
			return fn(ctx)
		})
		if err := p.Submit(task); err != nil {
			_ = task.Execute()
		}
	}
	wg.Wait()

	if !failed.Load() {
		return nil
	}
	return errs
}

// Stop gracefully shuts down the pool
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.logger.Info("stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.drain()
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// drain runs tasks still queued after the workers exited so RunAll callers are released.
func (p *Pool) drain() {
	for {
		select {
		case task := <-p.taskQueue:
			_ = task.Execute()
		default:
			return
		}
	}
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksTimeout:   p.timedOut.Load(),
		PanicRecovered: p.panics.Load(),
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
