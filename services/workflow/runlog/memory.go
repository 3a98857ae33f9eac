package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xilidan/meetings/services/workflow/entity"
)

type memoryStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	runs  map[string]*entity.Run
	steps map[string][]entity.StepRecord
}

// NewMemory returns a process-local Store. Step logs do not survive a
// restart, so it is meant for tests and BUS_DRIVER=memory.
func NewMemory() Store {
	return &memoryStore{
		now:   time.Now,
		runs:  make(map[string]*entity.Run),
		steps: make(map[string][]entity.StepRecord),
	}
}

func (s *memoryStore) Load(_ context.Context, runID, name string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.steps[runID] {
		if rec.Name == name {
			return append(json.RawMessage(nil), rec.Result...), true, nil
		}
	}
	return nil, false, nil
}

func (s *memoryStore) Save(_ context.Context, runID, name string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run %s %w", runID, entity.ErrNotFound)
	}
	for _, rec := range s.steps[runID] {
		if rec.Name == name {
			return nil
		}
	}
	s.steps[runID] = append(s.steps[runID], entity.StepRecord{
		RunID:     runID,
		Name:      name,
		Result:    append(json.RawMessage(nil), result...),
		CreatedAt: s.now().UTC(),
	})
	return nil
}

func (s *memoryStore) Begin(_ context.Context, run entity.Run) (*entity.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	existing, ok := s.runs[run.ID]
	if !ok {
		run.Status = entity.RunStatusRunning
		run.CreatedAt = now
		run.UpdatedAt = now
		run.FinishedAt = nil
		s.runs[run.ID] = &run
		out := run
		return &out, nil
	}

	if existing.Status != entity.RunStatusCompleted {
		existing.Status = entity.RunStatusRunning
		existing.FinishedAt = nil
	}
	if run.Attempts > existing.Attempts {
		existing.Attempts = run.Attempts
	}
	existing.UpdatedAt = now
	out := *existing
	return &out, nil
}

func (s *memoryStore) Finish(_ context.Context, runID string, status entity.RunStatus, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s %w", runID, entity.ErrNotFound)
	}
	now := s.now().UTC()
	run.Status = status
	run.LastError = lastErr
	run.UpdatedAt = now
	if status.Terminal() {
		run.FinishedAt = &now
	}
	return nil
}

func (s *memoryStore) Get(_ context.Context, runID string) (*entity.Run, []entity.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, nil, fmt.Errorf("run %s %w", runID, entity.ErrNotFound)
	}
	out := *run
	steps := append([]entity.StepRecord(nil), s.steps[runID]...)
	return &out, steps, nil
}

func (s *memoryStore) List(_ context.Context, filter entity.RunFilter) ([]entity.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]entity.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, *run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if limit := limitOrDefault(filter.Limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *memoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, run := range s.runs {
		if run.Status != entity.RunStatusCompleted || run.FinishedAt == nil || !run.FinishedAt.Before(before) {
			continue
		}
		delete(s.runs, id)
		delete(s.steps, id)
		n++
	}
	return n, nil
}

func (s *memoryStore) Close() error {
	return nil
}
