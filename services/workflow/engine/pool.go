package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Job is a unit of work executed by the pool.
type Job interface {
	ID() string
	Execute(ctx context.Context)
}

// Pool runs jobs on a fixed number of workers fed from a bounded queue.
type Pool struct {
	workers int
	jobs    chan Job
	log     *slog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(workers, queueSize int, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan Job, queueSize),
		log:     log,
	}
}

// Run starts the workers. Jobs run with ctx; cancelling it does not stop
// the workers, Stop does.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool starting", slog.Int("workers", p.workers), slog.Int("queue", cap(p.jobs)))
	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.log.Debug("worker picked job", slog.Int("worker", id), slog.String("job", job.ID()))
		job.Execute(ctx)
	}
	p.log.Debug("worker stopping", slog.Int("worker", id))
}

// Submit queues job, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs, lets the workers drain the queue and waits for them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("worker pool stopped")
}
