package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PruneResult reports a retention pass.
type PruneResult struct {
	Deleted int64  `json:"deleted"`
	Before  string `json:"before,omitempty"`
	All     bool   `json:"all,omitempty"`
}

// Prune deletes events dated before the given YYYY-MM-DD day, today when
// before is empty, or every event when all is set.
func (a *App) Prune(ctx context.Context, before string, all bool) (PruneResult, error) {
	if all {
		n, err := a.Store.DeleteAllEvents(ctx)
		if err != nil {
			return PruneResult{}, fmt.Errorf("delete all events: %w", err)
		}
		a.Logger.Info("all events deleted", zap.Int64("deleted", n))
		return PruneResult{Deleted: n, All: true}, nil
	}
	if before == "" {
		before = a.Clock.Now().Format(time.DateOnly)
	}
	if _, err := time.Parse(time.DateOnly, before); err != nil {
		return PruneResult{}, fmt.Errorf("before must be YYYY-MM-DD, got %q", before)
	}
	n, err := a.Store.DeleteEventsBefore(ctx, before)
	if err != nil {
		return PruneResult{}, fmt.Errorf("delete events before %s: %w", before, err)
	}
	a.Logger.Info("past events deleted", zap.String("before", before), zap.Int64("deleted", n))
	return PruneResult{Deleted: n, Before: before}, nil
}
