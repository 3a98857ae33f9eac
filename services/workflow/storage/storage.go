package storage

import (
	"context"

	"github.com/xilidan/meetings/services/workflow/entity"
)

// Storage is the application database as seen by the workflows: meetings,
// agents and the two identity tables. Lookups that find nothing return an
// error wrapping entity.ErrNotFound.
type Storage interface {
	GetMeeting(ctx context.Context, id string) (*entity.Meeting, error)
	GetCompletedMeeting(ctx context.Context, id string) (*entity.Meeting, error)
	GetAgent(ctx context.Context, id string) (*entity.Agent, error)

	ListUsersByIDs(ctx context.Context, ids []string) ([]entity.Identity, error)
	ListAgentsByIDs(ctx context.Context, ids []string) ([]entity.Identity, error)

	// CompleteMeeting sets the summary and moves the meeting to completed.
	// It only ever writes once: calling it for an already completed meeting
	// is a no-op that succeeds.
	CompleteMeeting(ctx context.Context, id, summary string) error

	Close() error
}
