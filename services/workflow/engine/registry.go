package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	pkgjson "github.com/xilidan/meetings/pkg/json"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/step"
	"github.com/xilidan/meetings/topics"
)

// Handler is the workflow run for one event name.
type Handler interface {
	// Validate rejects payloads that do not match the event's schema.
	Validate(payload json.RawMessage) error
	Handle(ctx context.Context, rc *step.RunContext, payload json.RawMessage) error
}

type typedHandler[T any] struct {
	fn func(ctx context.Context, rc *step.RunContext, payload T) error
}

// Typed adapts a handler taking a decoded payload. Payloads are decoded
// strictly and checked against T's validate tags.
func Typed[T any](fn func(ctx context.Context, rc *step.RunContext, payload T) error) Handler {
	return typedHandler[T]{fn: fn}
}

func (h typedHandler[T]) decode(payload json.RawMessage) (T, error) {
	var v T
	if err := pkgjson.Decode(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %w", entity.ErrInvalidPayload, err)
	}
	return v, nil
}

func (h typedHandler[T]) Validate(payload json.RawMessage) error {
	_, err := h.decode(payload)
	return err
}

func (h typedHandler[T]) Handle(ctx context.Context, rc *step.RunContext, payload json.RawMessage) error {
	v, err := h.decode(payload)
	if err != nil {
		return err
	}
	return h.fn(ctx, rc, v)
}

// Registry maps event names to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(t topics.Topic, h Handler) {
	if _, ok := r.handlers[t.Name()]; ok {
		panic("engine: duplicate handler for " + t.Name())
	}
	r.handlers[t.Name()] = h
}

func (r *Registry) Lookup(event string) (Handler, bool) {
	h, ok := r.handlers[event]
	return h, ok
}

// Validate checks that event is registered and payload fits its schema.
func (r *Registry) Validate(event string, payload json.RawMessage) error {
	h, ok := r.handlers[event]
	if !ok {
		return fmt.Errorf("%q: %w", event, entity.ErrUnknownEvent)
	}
	return h.Validate(payload)
}

func (r *Registry) Events() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
