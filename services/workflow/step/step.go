// Package step runs named, memoized units of work inside a workflow run.
//
// Every successful step result is persisted to the run's step log before the
// next step starts. When the bus redelivers an event after a crash or a
// transient failure, steps already in the log are answered from it and their
// functions are not invoked again.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xilidan/meetings/pkg/logger"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/metrics"
)

// ErrDuplicateStep is returned when a handler uses the same step name twice
// in one invocation. The log is keyed by name, so the second call would
// silently observe the first call's result.
var ErrDuplicateStep = fmt.Errorf("step name reused within run: %w", entity.ErrPermanent)

// Log is the durable (runID, step name) -> result record.
//
// Save must be insert-if-absent: when a result for the key already exists the
// stored value wins and Save returns nil.
type Log interface {
	Load(ctx context.Context, runID, name string) (json.RawMessage, bool, error)
	Save(ctx context.Context, runID, name string, result json.RawMessage) error
}

// RunContext identifies the run a step belongs to. It is passed explicitly to
// every Run call and must not be shared between runs.
type RunContext struct {
	RunID   string
	Event   string
	Attempt int

	log  Log
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewRunContext(runID, event string, attempt int, log Log) *RunContext {
	return &RunContext{
		RunID:   runID,
		Event:   event,
		Attempt: attempt,
		log:     log,
		seen:    make(map[string]struct{}),
	}
}

func (rc *RunContext) claim(name string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, ok := rc.seen[name]; ok {
		return fmt.Errorf("%q: %w", name, ErrDuplicateStep)
	}
	rc.seen[name] = struct{}{}
	return nil
}

// Run executes fn as the step called name, or returns its logged result.
//
// The returned value is always decoded from the log, on first execution as
// well as on replay, so both paths observe the same value. fn errors are
// returned as is and never logged.
func Run[T any](ctx context.Context, rc *RunContext, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := rc.claim(name); err != nil {
		return zero, err
	}

	ctx, log := logger.With(ctx, slog.String("step", name))

	raw, ok, err := rc.log.Load(ctx, rc.RunID, name)
	if err != nil {
		return zero, fmt.Errorf("failed to load step %s: %w", name, err)
	}
	if ok {
		metrics.StepMemoHits.WithLabelValues(name).Inc()
		log.Debug("step result replayed from log")
		return decode[T](name, raw)
	}

	log.Debug("executing step")
	start := time.Now()
	result, err := fn(ctx)
	metrics.StepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Warn("step failed", slog.String("error", err.Error()))
		return zero, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return zero, entity.Permanent(fmt.Errorf("failed to encode step %s result: %w", name, err))
	}
	if err := rc.log.Save(ctx, rc.RunID, name, encoded); err != nil {
		return zero, fmt.Errorf("failed to save step %s: %w", name, err)
	}

	stored, ok, err := rc.log.Load(ctx, rc.RunID, name)
	if err != nil {
		return zero, fmt.Errorf("failed to reload step %s: %w", name, err)
	}
	if !ok {
		return zero, fmt.Errorf("step %s missing from log after save", name)
	}

	log.Info("step completed", slog.Duration("took", time.Since(start)))
	return decode[T](name, stored)
}

func decode[T any](name string, raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, entity.Permanent(fmt.Errorf("failed to decode step %s result: %w", name, err))
	}
	return out, nil
}
