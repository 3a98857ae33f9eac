package usecase

import (
	"context"
	"fmt"

	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/storage"
)

// AssignSpeakers attaches a display name to every transcript item. Speaker
// ids are looked up among users and agents; an id found in both resolves to
// the user, and an id found in neither gets entity.UnknownSpeaker.
func AssignSpeakers(ctx context.Context, stg storage.Storage, items []entity.TranscriptItem) ([]entity.AttributedTranscriptItem, error) {
	out := make([]entity.AttributedTranscriptItem, 0, len(items))
	if len(items) == 0 {
		return out, nil
	}

	ids := distinctSpeakers(items)

	users, err := stg.ListUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user speakers: %w", err)
	}
	agents, err := stg.ListAgentsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up agent speakers: %w", err)
	}

	names := make(map[string]string, len(users)+len(agents))
	for _, a := range agents {
		names[a.ID] = a.Name
	}
	for _, u := range users {
		names[u.ID] = u.Name
	}

	for _, item := range items {
		name, ok := names[item.SpeakerID]
		if !ok {
			name = entity.UnknownSpeaker
		}
		out = append(out, entity.AttributedTranscriptItem{
			TranscriptItem: item,
			User:           entity.Speaker{Name: name},
		})
	}
	return out, nil
}

func distinctSpeakers(items []entity.TranscriptItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.SpeakerID]; ok {
			continue
		}
		seen[item.SpeakerID] = struct{}{}
		ids = append(ids, item.SpeakerID)
	}
	return ids
}
