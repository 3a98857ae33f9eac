package engine

import (
	"context"

	"github.com/xilidan/meetings/services/workflow/entity"
)

// DispatchFunc handles one delivery. Engine.Dispatch satisfies it.
type DispatchFunc func(ctx context.Context, ev entity.Event) Verdict

// Publisher puts events on the bus. ev.RunID must be set; ev.Attempt is
// ignored.
type Publisher interface {
	Publish(ctx context.Context, ev entity.Event, opts ...PublishOption) error
}

// Bus is the durable, at-least-once transport between producers and the
// engine.
type Bus interface {
	Publisher
	// Start begins delivering events to dispatch. It returns once
	// consumption is set up.
	Start(ctx context.Context, dispatch DispatchFunc) error
	Close() error
}

type publishOptions struct {
	dedupID string
}

type PublishOption func(*publishOptions)

// WithDedupID lets the bus drop a repeated publish carrying the same id.
func WithDedupID(id string) PublishOption {
	return func(o *publishOptions) {
		o.dedupID = id
	}
}

func applyPublishOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DedupID reports the id set by WithDedupID, if any. Publisher
// implementations outside this package use it to honour the option.
func DedupID(opts ...PublishOption) string {
	return applyPublishOptions(opts).dedupID
}
