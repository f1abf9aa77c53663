package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/observability"
)

// PeriodicTask runs fn on a fixed interval. A tick that fires while the previous run is
// still in progress is skipped, never queued.
type PeriodicTask struct {
	name     string
	interval time.Duration
	fn       func(context.Context) error
	logger   *zap.Logger
	metrics  *observability.Metrics

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewPeriodicTask builds a task. It does nothing until Start.
func NewPeriodicTask(name string, interval time.Duration, fn func(context.Context) error, logger *zap.Logger, metrics *observability.Metrics) *PeriodicTask {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PeriodicTask{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   observability.OrNop(logger),
		metrics:  metrics,
	}
}

// Start launches the ticker loop; it stops when ctx is cancelled.
func (p *PeriodicTask) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.trigger(ctx)
			}
		}
	}()
}

// Wait blocks until the loop and any in-flight run have returned.
func (p *PeriodicTask) Wait() {
	p.wg.Wait()
}

// TryRun executes fn unless a run is already in progress. It reports whether fn ran.
func (p *PeriodicTask) TryRun(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.metrics.Inc(observability.CounterReclaimSkipped)
		p.logger.Warn("previous run still in progress, skipping tick", zap.String("task", p.name))
		return false
	}
	defer p.running.Store(false)

	started := time.Now()
	if err := p.fn(ctx); err != nil {
		p.logger.Error("periodic task failed", zap.String("task", p.name), zap.Error(err))
	}
	p.logger.Debug("periodic task finished", zap.String("task", p.name), zap.Duration("took", time.Since(started)))
	return true
}

func (p *PeriodicTask) trigger(ctx context.Context) {
	if p.running.Load() {
		p.TryRun(ctx)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.TryRun(ctx)
	}()
}
