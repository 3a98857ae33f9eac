package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/xilidan/meetings/services/workflow/entity"
)

// Memory is a map-backed Storage for local runs and tests.
type Memory struct {
	mu       sync.RWMutex
	meetings map[string]*entity.Meeting
	agents   map[string]*entity.Agent
	users    map[string]entity.Identity

	completions int
}

func NewMemory() *Memory {
	return &Memory{
		meetings: make(map[string]*entity.Meeting),
		agents:   make(map[string]*entity.Agent),
		users:    make(map[string]entity.Identity),
	}
}

func (s *Memory) PutMeeting(m entity.Meeting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = &m
}

func (s *Memory) PutAgent(a entity.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = &a
}

func (s *Memory) PutUser(u entity.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// Completions counts CompleteMeeting calls that changed a row.
func (s *Memory) Completions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completions
}

func (s *Memory) GetMeeting(_ context.Context, id string) (*entity.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.meetings[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, entity.ErrMeetingNotFound)
	}
	out := *m
	return &out, nil
}

func (s *Memory) GetCompletedMeeting(ctx context.Context, id string) (*entity.Meeting, error) {
	m, err := s.GetMeeting(ctx, id)
	if err != nil || m.Status != entity.MeetingStatusCompleted {
		return nil, fmt.Errorf("completed meeting %s %w", id, entity.ErrNotFound)
	}
	return m, nil
}

func (s *Memory) GetAgent(_ context.Context, id string) (*entity.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s %w", id, entity.ErrNotFound)
	}
	out := *a
	return &out, nil
}

func (s *Memory) ListUsersByIDs(_ context.Context, ids []string) ([]entity.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entity.Identity
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Memory) ListAgentsByIDs(_ context.Context, ids []string) ([]entity.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entity.Identity
	for _, id := range ids {
		if a, ok := s.agents[id]; ok {
			out = append(out, entity.Identity{ID: a.ID, Name: a.Name})
		}
	}
	return out, nil
}

func (s *Memory) CompleteMeeting(_ context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, entity.ErrMeetingNotFound)
	}
	if m.Status == entity.MeetingStatusCompleted {
		return nil
	}
	m.Summary = summary
	m.Status = entity.MeetingStatusCompleted
	s.completions++
	return nil
}

func (s *Memory) Close() error {
	return nil
}
