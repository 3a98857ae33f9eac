package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xilidan/meetings/services/workflow/entity"
)

// dedupWindow matches the JetStream stream's duplicate window.
const dedupWindow = 2 * time.Minute

// MemoryBus delivers events inside the process. Retries are scheduled with
// timers, so pending retries are lost on exit.
type MemoryBus struct {
	pool *Pool
	log  *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	dispatch DispatchFunc
	seen     map[string]time.Time
	timers   map[*time.Timer]struct{}
	closed   bool
	now      func() time.Time
}

func NewMemoryBus(workers, queueSize int, log *slog.Logger) *MemoryBus {
	return &MemoryBus{
		pool:   NewPool(workers, queueSize, log),
		log:    log,
		seen:   make(map[string]time.Time),
		timers: make(map[*time.Timer]struct{}),
		now:    time.Now,
	}
}

func (b *MemoryBus) Start(ctx context.Context, dispatch DispatchFunc) error {
	b.mu.Lock()
	b.ctx = ctx
	b.dispatch = dispatch
	b.mu.Unlock()

	b.pool.Run(ctx)
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, ev entity.Event, opts ...PublishOption) error {
	o := applyPublishOptions(opts)
	if o.dedupID != "" {
		b.mu.Lock()
		now := b.now()
		for id, at := range b.seen {
			if now.Sub(at) >= dedupWindow {
				delete(b.seen, id)
			}
		}
		_, dup := b.seen[o.dedupID]
		if !dup {
			b.seen[o.dedupID] = now
		}
		b.mu.Unlock()
		if dup {
			b.log.Debug("duplicate publish dropped", slog.String("dedup_id", o.dedupID))
			return nil
		}
	}

	ev.Attempt = 1
	return b.pool.Submit(ctx, &memoryJob{bus: b, ev: ev})
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	b.mu.Unlock()

	b.pool.Stop()
	return nil
}

func (b *MemoryBus) redeliver(ev entity.Event, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Warn("bus closed, retry dropped", slog.String("run_id", ev.RunID))
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		ctx := b.ctx
		b.mu.Unlock()

		if err := b.pool.Submit(ctx, &memoryJob{bus: b, ev: ev}); err != nil && !errors.Is(err, ErrPoolStopped) {
			b.log.Error("failed to requeue run", slog.String("run_id", ev.RunID), slog.String("error", err.Error()))
		}
	})
	b.timers[t] = struct{}{}
}

type memoryJob struct {
	bus *MemoryBus
	ev  entity.Event
}

func (j *memoryJob) ID() string {
	return j.ev.RunID
}

func (j *memoryJob) Execute(ctx context.Context) {
	j.bus.mu.Lock()
	dispatch := j.bus.dispatch
	j.bus.mu.Unlock()

	v := dispatch(ctx, j.ev)
	if v.Action != Retry {
		return
	}
	next := j.ev
	next.Attempt++
	j.bus.redeliver(next, v.Delay)
}
