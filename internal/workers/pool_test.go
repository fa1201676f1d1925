package workers_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/workers"
)

func newPool(t *testing.T, n, queue int) *workers.Pool {
	t.Helper()
	p := workers.NewPool(zap.NewNop(), &workers.PoolConfig{
		Name:            "test",
		NumWorkers:      n,
		QueueSize:       queue,
		ShutdownTimeout: time.Second,
		PanicRecovery:   true,
	})
	p.Start()
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestRunAllSucceeds(t *testing.T) {
	p := newPool(t, 3, 8)
	var calls atomic.Int32
	fns := make([]func(context.Context) error, 5)
	for i := range fns {
		fns[i] = func(context.Context) error {
			calls.Add(1)
			return nil
		}
	}

	assert.Nil(t, p.RunAll(context.Background(), fns...))
	assert.Equal(t, int32(5), calls.Load())
}

func TestRunAllKeepsErrorOrder(t *testing.T) {
	p := newPool(t, 2, 8)
	boom := errors.New("boom")

	errs := p.RunAll(context.Background(),
		func(context.Context) error { return nil },
		func(context.Context) error { return boom },
		func(context.Context) error { panic("bad input") },
	)
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	var pe *workers.PanicError
	require.ErrorAs(t, errs[2], &pe)
	assert.Equal(t, "bad input", pe.Recovered)
}

func TestRunAllRunsOnCallerWhenQueueIsFull(t *testing.T) {
	p := newPool(t, 1, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) error {
		<-release
		calls.Add(1)
		return nil
	}

	done := make(chan []error)
	go func() {
		done <- p.RunAll(context.Background(), fn, fn, fn, fn)
	}()
	close(release)

	select {
	case errs := <-done:
		assert.Nil(t, errs)
	case <-time.After(5 * time.Second):
		t.Fatal("RunAll did not return")
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestSubmitAfterStop(t *testing.T) {
	p := newPool(t, 1, 1)
	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
	assert.ErrorIs(t, p.Submit(workers.TaskFunc(func() error { return nil })), workers.ErrPoolStopped)
	assert.NoError(t, p.Stop())
}

func TestSubmitWaitAndStats(t *testing.T) {
	p := newPool(t, 2, 4)
	require.NoError(t, p.SubmitWait(workers.TaskFunc(func() error { return nil })))
	assert.Error(t, p.SubmitWait(workers.TaskFunc(func() error { return errors.New("failed") })))

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.TasksCompleted == 1 && s.TasksFailed == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), p.Stats().TasksSubmitted)
}
