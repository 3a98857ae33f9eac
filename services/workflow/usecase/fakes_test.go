package usecase

import (
	"context"
	"sync"
	"testing"

	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/runlog"
	"github.com/xilidan/meetings/services/workflow/step"
)

func newRunContext(t *testing.T, store runlog.Store, runID, event string, attempt int) *step.RunContext {
	t.Helper()
	if _, err := store.Begin(context.Background(), entity.Run{ID: runID, Event: event, Attempts: attempt}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	return step.NewRunContext(runID, event, attempt, store)
}

type fakeFetcher struct {
	body  string
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(context.Context, string) (string, error) {
	f.calls++
	return f.body, f.err
}

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
	got     []entity.AttributedTranscriptItem
	before  func()
}

func (f *fakeSummarizer) Summarize(_ context.Context, items []entity.AttributedTranscriptItem) (string, error) {
	f.calls++
	f.got = items
	if f.before != nil {
		f.before()
	}
	return f.summary, f.err
}

type fakeLLM struct {
	reply   string
	err     error
	calls   int
	prompts [][]entity.PromptMessage
}

func (f *fakeLLM) Complete(_ context.Context, messages []entity.PromptMessage) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, messages)
	return f.reply, f.err
}

type fakeChat struct {
	mu       sync.Mutex
	history  []entity.ChatHistoryMessage
	sendErr  error
	lostAck  bool
	calls    []string
	upserted []entity.ChatUser
	sent     map[string]entity.OutboundMessage
}

func newFakeChat() *fakeChat {
	return &fakeChat{sent: make(map[string]entity.OutboundMessage)}
}

func (f *fakeChat) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeChat) History(context.Context, string, int) ([]entity.ChatHistoryMessage, error) {
	f.record("history")
	return f.history, nil
}

func (f *fakeChat) UpsertUser(_ context.Context, u entity.ChatUser) error {
	f.record("upsert")
	f.upserted = append(f.upserted, u)
	return nil
}

func (f *fakeChat) MessageExists(_ context.Context, id string) (bool, error) {
	f.record("exists")
	_, ok := f.sent[id]
	return ok, nil
}

func (f *fakeChat) SendMessage(_ context.Context, _ string, msg entity.OutboundMessage) error {
	f.record("send")
	if f.sendErr != nil && !f.lostAck {
		return f.sendErr
	}
	f.sent[msg.ID] = msg
	return f.sendErr
}

func (f *fakeChat) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}
