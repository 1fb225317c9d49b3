// Package dispatcher fans the jobs of one run out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 4

// Runner drains the jobs of a run.
type Runner interface {
	Run(ctx context.Context, runID string) error
}

// Dispatcher runs its workers side by side over the same run.
type Dispatcher struct {
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger.Named("dispatcher")}
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Drain blocks until every worker has found the run's queue empty or ctx
// ends. A failing worker does not stop its siblings; the first error is
// returned.
func (d *Dispatcher) Drain(ctx context.Context, runID string) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher has no workers")
	}
	var g errgroup.Group
	for _, w := range d.workers {
		g.Go(func() error {
			return w.Run(ctx, runID)
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Warn("run drained with error", zap.String("run_id", runID), zap.Error(err))
		return fmt.Errorf("drain run %s: %w", runID, err)
	}
	d.logger.Debug("run drained", zap.String("run_id", runID), zap.Int("workers", len(d.workers)))
	return nil
}
