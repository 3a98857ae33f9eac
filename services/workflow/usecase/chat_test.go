package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xilidan/meetings/services/workflow/clients/chat"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/runlog"
	"github.com/xilidan/meetings/services/workflow/storage"
)

type chatFixture struct {
	stg      *storage.Memory
	log      runlog.Store
	llm      *fakeLLM
	chat     *fakeChat
	pipeline *ChatPipeline
}

func newChatFixture() *chatFixture {
	stg := storage.NewMemory()
	stg.PutMeeting(entity.Meeting{ID: "m1", AgentID: "a1", Status: entity.MeetingStatusCompleted, Summary: "We picked Go."})
	stg.PutMeeting(entity.Meeting{ID: "m2", AgentID: "a1", Status: entity.MeetingStatusActive})
	stg.PutMeeting(entity.Meeting{ID: "m3", AgentID: "ghost", Status: entity.MeetingStatusCompleted})
	stg.PutAgent(entity.Agent{ID: "a1", Name: "Meeting Bot", Instructions: "Be upbeat."})

	f := &chatFixture{
		stg:  stg,
		log:  runlog.NewMemory(),
		llm:  &fakeLLM{reply: "The team decided to use Go."},
		chat: newFakeChat(),
	}
	f.pipeline = NewChatPipeline(ChatConfig{
		HistoryLimit: 5,
		AvatarURL:    "https://avatars.test",
		AvatarStyle:  "bottts-neutral",
	}, stg, f.llm, f.chat)
	return f
}

func (f *chatFixture) run(t *testing.T, runID string, attempt int, ev entity.ChatMessageEvent) error {
	t.Helper()
	rc := newRunContext(t, f.log, runID, "chat/message.new", attempt)
	return f.pipeline.Run(context.Background(), rc, ev)
}

func TestChatPipelineRepliesAsAgent(t *testing.T) {
	f := newChatFixture()
	ev := entity.ChatMessageEvent{UserID: "u1", ChannelID: "m1", Text: "what was decided?"}

	if err := f.run(t, "run-1", 1, ev); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.llm.calls != 1 {
		t.Fatalf("expected one llm call, got %d", f.llm.calls)
	}
	if f.chat.count("send") != 1 {
		t.Fatalf("expected one send, got %d", f.chat.count("send"))
	}

	var sent entity.OutboundMessage
	for _, m := range f.chat.sent {
		sent = m
	}
	if sent.UserID != "a1" || sent.Text != "The team decided to use Go." {
		t.Fatalf("unexpected message %+v", sent)
	}
	if sent.ID != chat.MessageID("run-1", StepSendMessage) {
		t.Fatalf("message id must derive from the run, got %s", sent.ID)
	}
	if len(f.chat.upserted) != 1 || f.chat.upserted[0].Image != "https://avatars.test/bottts-neutral/svg?seed=Meeting+Bot" {
		t.Fatalf("unexpected agent upsert %+v", f.chat.upserted)
	}

	prompt := f.llm.prompts[0]
	if prompt[0].Role != entity.RoleSystem || !strings.Contains(prompt[0].Content, "We picked Go.") || !strings.Contains(prompt[0].Content, "Be upbeat.") {
		t.Fatalf("system message must carry summary and instructions: %q", prompt[0].Content)
	}
	last := prompt[len(prompt)-1]
	if last != (entity.PromptMessage{Role: entity.RoleUser, Content: "what was decided?"}) {
		t.Fatalf("unexpected final message %+v", last)
	}
}

func TestChatPipelineIgnoresAgentsOwnMessages(t *testing.T) {
	f := newChatFixture()
	if err := f.run(t, "run-1", 1, entity.ChatMessageEvent{UserID: "a1", ChannelID: "m1", Text: "echo"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.chat.calls) != 0 || f.llm.calls != 0 {
		t.Fatalf("expected no chat or llm calls, got %v and %d", f.chat.calls, f.llm.calls)
	}
}

func TestChatPipelineSilentAborts(t *testing.T) {
	cases := []struct {
		name    string
		channel string
	}{
		{"meeting not completed", "m2"},
		{"meeting missing", "nope"},
		{"agent missing", "m3"},
	}
	for _, tc := range cases {
		f := newChatFixture()
		if err := f.run(t, "run-1", 1, entity.ChatMessageEvent{UserID: "u1", ChannelID: tc.channel, Text: "hi"}); err != nil {
			t.Fatalf("%s: expected silent abort, got %v", tc.name, err)
		}
		if len(f.chat.calls) != 0 || f.llm.calls != 0 {
			t.Fatalf("%s: expected no side effects, got %v and %d llm calls", tc.name, f.chat.calls, f.llm.calls)
		}
	}
}

func TestChatPipelineEmptyReplySendsNothing(t *testing.T) {
	f := newChatFixture()
	f.llm.reply = "   "
	if err := f.run(t, "run-1", 1, entity.ChatMessageEvent{UserID: "u1", ChannelID: "m1", Text: "hi"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.chat.count("send") != 0 || f.chat.count("upsert") != 0 {
		t.Fatalf("expected no reply, got calls %v", f.chat.calls)
	}
}

func TestChatPipelineRetryDoesNotDuplicateDeliveredReply(t *testing.T) {
	f := newChatFixture()
	f.chat.sendErr = errors.New("connection reset")
	f.chat.lostAck = true
	ev := entity.ChatMessageEvent{UserID: "u1", ChannelID: "m1", Text: "what was decided?"}

	if err := f.run(t, "run-1", 1, ev); err == nil {
		t.Fatalf("expected send failure")
	}

	f.chat.sendErr = nil
	if err := f.run(t, "run-1", 2, ev); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.llm.calls != 1 {
		t.Fatalf("generate-response must be replayed, got %d llm calls", f.llm.calls)
	}
	if len(f.chat.sent) != 1 || f.chat.count("send") != 1 {
		t.Fatalf("expected a single delivered message, got %d sends", f.chat.count("send"))
	}
	if f.chat.count("history") != 2 {
		t.Fatalf("history must be read fresh on every attempt, got %d reads", f.chat.count("history"))
	}
}

func TestBuildChatPromptWindowsHistory(t *testing.T) {
	history := []entity.ChatHistoryMessage{
		{UserID: "u1", Text: "one"},
		{UserID: "u1", Text: ""},
		{UserID: "a1", Text: "three"},
		{UserID: "u1", Text: "four"},
		{UserID: "a1", Text: "five"},
		{UserID: "u1", Text: "six"},
		{UserID: "a1", Text: "seven"},
		{UserID: "u1", Text: "eight"},
	}
	got := BuildChatPrompt("sys", history, "a1", "nine", 5)
	want := []entity.PromptMessage{
		{Role: entity.RoleSystem, Content: "sys"},
		{Role: entity.RoleUser, Content: "four"},
		{Role: entity.RoleAssistant, Content: "five"},
		{Role: entity.RoleUser, Content: "six"},
		{Role: entity.RoleAssistant, Content: "seven"},
		{Role: entity.RoleUser, Content: "eight"},
		{Role: entity.RoleUser, Content: "nine"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("prompt mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildChatPromptDropsBlankMessagesInWindow(t *testing.T) {
	history := []entity.ChatHistoryMessage{
		{UserID: "u1", Text: "1"}, {UserID: "u1", Text: "2"}, {UserID: "u1", Text: "3"},
		{UserID: "u1", Text: "4"}, {UserID: "u1", Text: "  "}, {UserID: "a1", Text: "6"},
		{UserID: "u1", Text: ""}, {UserID: "u1", Text: "8"},
	}
	got := BuildChatPrompt("sys", history, "a1", "q", 5)
	// system + 3 surviving history messages + question
	if len(got) != 5 {
		t.Fatalf("expected 5 prompt messages, got %d: %+v", len(got), got)
	}
	if got[1].Content != "4" || got[2].Content != "6" || got[3].Content != "8" {
		t.Fatalf("unexpected window %+v", got)
	}
}

func TestChatInstructions(t *testing.T) {
	got := ChatInstructions("SUMMARY", "INSTRUCTIONS")
	if !strings.Contains(got, "SUMMARY") || !strings.Contains(got, "INSTRUCTIONS") || strings.Contains(got, "{{") {
		t.Fatalf("unexpected instructions: %s", got)
	}
	if strings.Index(got, "SUMMARY") > strings.Index(got, "INSTRUCTIONS") {
		t.Fatalf("summary must precede agent instructions")
	}
}
