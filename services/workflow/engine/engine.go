// Package engine delivers events to workflow handlers and decides what
// happens to a delivery once its handler returns.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/xilidan/meetings/pkg/logger"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/metrics"
	"github.com/xilidan/meetings/services/workflow/runlog"
	"github.com/xilidan/meetings/services/workflow/step"
)

type Action int

const (
	// Ack removes the delivery: the run completed or was already complete.
	Ack Action = iota
	// Retry redelivers the event after Verdict.Delay.
	Retry
	// Term drops the delivery for good; the run is recorded as failed.
	Term
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Term:
		return "term"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

type Verdict struct {
	Action Action
	Delay  time.Duration
	Err    error
}

// Policy bounds the retries of one run.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff is the delay before the attempt following attempt:
// base * 2^(attempt-1), capped at MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Observer receives every run status change.
type Observer func(entity.RunUpdate)

type Engine struct {
	registry *Registry
	store    runlog.Store
	policy   Policy
	observer Observer
	now      func() time.Time
}

type Option func(*Engine)

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

func New(registry *Registry, store runlog.Store, policy Policy, opts ...Option) *Engine {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	e := &Engine{
		registry: registry,
		store:    store,
		policy:   policy,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch runs the handler registered for ev and classifies the outcome.
// Silent aborts are successes; permanent errors and the last failed attempt
// terminate the run; other failures are retried with backoff.
func (e *Engine) Dispatch(ctx context.Context, ev entity.Event) Verdict {
	if ev.Attempt < 1 {
		ev.Attempt = 1
	}
	ctx, log := logger.With(ctx,
		slog.String("run_id", ev.RunID),
		slog.String("event", ev.Name),
		slog.Int("attempt", ev.Attempt),
	)

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	run, err := e.store.Begin(ctx, entity.Run{
		ID:       ev.RunID,
		Event:    ev.Name,
		Payload:  ev.Data,
		Attempts: ev.Attempt,
	})
	if err != nil {
		metrics.Errors.WithLabelValues("runlog", "begin").Inc()
		verdict := e.classify(ev.Attempt, fmt.Errorf("failed to begin run: %w", err))
		log.Error("failed to begin run",
			slog.String("error", err.Error()),
			slog.String("action", verdict.Action.String()))
		return verdict
	}
	if run.Status == entity.RunStatusCompleted {
		log.Info("run already completed, skipping delivery")
		metrics.RunsTotal.WithLabelValues(ev.Name, "skipped").Inc()
		return Verdict{Action: Ack}
	}
	if ev.Attempt > e.policy.MaxAttempts {
		return e.exhausted(ctx, run, ev.Attempt)
	}
	e.notify(run.ID, ev.Name, entity.RunStatusRunning, ev.Attempt, "")

	handler, ok := e.registry.Lookup(run.Event)
	if !ok {
		err = fmt.Errorf("%q: %w", run.Event, entity.ErrUnknownEvent)
	} else {
		log.Info("run started")
		rc := step.NewRunContext(run.ID, run.Event, ev.Attempt, e.store)
		err = e.invoke(ctx, handler, rc, run.Payload)
	}

	verdict := e.classify(ev.Attempt, err)
	status, outcome := entity.RunStatusCompleted, "completed"
	lastErr := ""
	switch verdict.Action {
	case Retry:
		status, outcome = entity.RunStatusRetrying, "retrying"
	case Term:
		status, outcome = entity.RunStatusFailed, "failed"
	}
	if err != nil {
		lastErr = err.Error()
	}

	if ferr := e.store.Finish(ctx, run.ID, status, lastErr); ferr != nil {
		metrics.Errors.WithLabelValues("runlog", "finish").Inc()
		log.Error("failed to record run status", slog.String("error", ferr.Error()), slog.String("status", string(status)))
	}
	metrics.RunsTotal.WithLabelValues(ev.Name, outcome).Inc()
	e.notify(run.ID, ev.Name, status, ev.Attempt, lastErr)

	switch verdict.Action {
	case Ack:
		log.Info("run completed")
	case Retry:
		log.Warn("run failed, will retry", slog.String("error", lastErr), slog.Duration("delay", verdict.Delay))
	case Term:
		metrics.Errors.WithLabelValues("run", errorType(err)).Inc()
		log.Error("run failed permanently", slog.String("error", lastErr))
	}
	return verdict
}

// exhausted fails a run whose last allowed attempt never settled, e.g. the
// process died mid-run or the delivery could not be queued.
func (e *Engine) exhausted(ctx context.Context, run *entity.Run, attempt int) Verdict {
	log := logger.FromContext(ctx)
	err := fmt.Errorf("attempts exhausted (%d): last attempt did not finish", e.policy.MaxAttempts)
	if run.LastError != "" {
		err = fmt.Errorf("attempts exhausted (%d): %s", e.policy.MaxAttempts, run.LastError)
	}

	if ferr := e.store.Finish(ctx, run.ID, entity.RunStatusFailed, err.Error()); ferr != nil {
		metrics.Errors.WithLabelValues("runlog", "finish").Inc()
		log.Error("failed to record run status", slog.String("error", ferr.Error()), slog.String("status", string(entity.RunStatusFailed)))
	}
	metrics.RunsTotal.WithLabelValues(run.Event, "failed").Inc()
	metrics.Errors.WithLabelValues("run", "exhausted").Inc()
	e.notify(run.ID, run.Event, entity.RunStatusFailed, attempt, err.Error())
	log.Error("run failed permanently", slog.String("error", err.Error()))
	return Verdict{Action: Term, Err: err}
}

func (e *Engine) classify(attempt int, err error) Verdict {
	switch {
	case err == nil:
		return Verdict{Action: Ack}
	case entity.IsPermanent(err):
		return Verdict{Action: Term, Err: err}
	case attempt >= e.policy.MaxAttempts:
		return Verdict{Action: Term, Err: fmt.Errorf("attempts exhausted (%d): %w", attempt, err)}
	default:
		return Verdict{Action: Retry, Delay: e.policy.Backoff(attempt), Err: err}
	}
}

// invoke runs the handler, turning a panic into a retryable error.
func (e *Engine) invoke(ctx context.Context, h Handler, rc *step.RunContext, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("handler panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, rc, payload)
}

func (e *Engine) notify(runID, event string, status entity.RunStatus, attempt int, lastErr string) {
	if e.observer == nil {
		return
	}
	e.observer(entity.RunUpdate{
		RunID:   runID,
		Event:   event,
		Status:  status,
		Attempt: attempt,
		Error:   lastErr,
		At:      e.now().UTC(),
	})
}

func errorType(err error) string {
	if entity.IsPermanent(err) {
		return "permanent"
	}
	return "exhausted"
}
