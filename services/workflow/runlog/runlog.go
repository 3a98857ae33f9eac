// Package runlog persists workflow runs and their step logs.
package runlog

import (
	"context"
	"time"

	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/step"
)

const defaultListLimit = 50

type Store interface {
	step.Log

	// Begin records a delivery of run. A new run is created as running; an
	// existing one keeps its payload and creation time and is returned as
	// stored, with its status moved to running unless it is already completed.
	Begin(ctx context.Context, run entity.Run) (*entity.Run, error)
	Finish(ctx context.Context, runID string, status entity.RunStatus, lastErr string) error

	Get(ctx context.Context, runID string) (*entity.Run, []entity.StepRecord, error)
	List(ctx context.Context, filter entity.RunFilter) ([]entity.Run, error)

	// Prune deletes completed runs, and with them their step logs, that
	// finished before the cutoff. Failed runs are kept for inspection.
	Prune(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

func limitOrDefault(n int) int {
	if n <= 0 || n > 500 {
		return defaultListLimit
	}
	return n
}
