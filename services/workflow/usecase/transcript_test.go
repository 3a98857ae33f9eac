package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/runlog"
	"github.com/xilidan/meetings/services/workflow/storage"
)

const twoLineTranscript = "{\"speaker_id\":\"u1\",\"text\":\"hello\"}\n{\"speaker_id\":\"a1\",\"text\":\"hi\"}"

type transcriptFixture struct {
	stg        *storage.Memory
	log        runlog.Store
	fetcher    *fakeFetcher
	summarizer *fakeSummarizer
	pipeline   *TranscriptPipeline
}

func newTranscriptFixture() *transcriptFixture {
	stg := storage.NewMemory()
	stg.PutMeeting(entity.Meeting{ID: "m1", AgentID: "a1", Status: entity.MeetingStatusProcessing})
	stg.PutUser(entity.Identity{ID: "u1", Name: "Ann"})
	stg.PutAgent(entity.Agent{ID: "a1", Name: "Bot"})

	f := &transcriptFixture{
		stg:        stg,
		log:        runlog.NewMemory(),
		fetcher:    &fakeFetcher{body: twoLineTranscript},
		summarizer: &fakeSummarizer{summary: "### Overview\nGreetings."},
	}
	f.pipeline = NewTranscriptPipeline(stg, f.fetcher, f.summarizer)
	return f
}

var processingEvent = entity.MeetingProcessingEvent{TranscriptURL: "https://store/t.jsonl", MeetingID: "m1"}

func TestTranscriptPipelineAttributesAndCompletes(t *testing.T) {
	f := newTranscriptFixture()
	rc := newRunContext(t, f.log, "run-1", "meetings/processing", 1)

	if err := f.pipeline.Run(context.Background(), rc, processingEvent); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []entity.AttributedTranscriptItem{
		{TranscriptItem: entity.TranscriptItem{SpeakerID: "u1", Text: "hello"}, User: entity.Speaker{Name: "Ann"}},
		{TranscriptItem: entity.TranscriptItem{SpeakerID: "a1", Text: "hi"}, User: entity.Speaker{Name: "Bot"}},
	}
	if diff := cmp.Diff(want, f.summarizer.got); diff != "" {
		t.Fatalf("attributed transcript mismatch (-want +got):\n%s", diff)
	}

	m, _ := f.stg.GetMeeting(context.Background(), "m1")
	if m.Status != entity.MeetingStatusCompleted || m.Summary != "### Overview\nGreetings." {
		t.Fatalf("unexpected meeting after run: %+v", m)
	}
}

func TestTranscriptPipelineCompletesMeetingOnlyAtTheEnd(t *testing.T) {
	f := newTranscriptFixture()
	f.summarizer.before = func() {
		m, _ := f.stg.GetMeeting(context.Background(), "m1")
		if m.Status == entity.MeetingStatusCompleted {
			t.Errorf("meeting completed before save-summary")
		}
	}
	f.summarizer.err = errors.New("model timeout")

	rc := newRunContext(t, f.log, "run-1", "meetings/processing", 1)
	if err := f.pipeline.Run(context.Background(), rc, processingEvent); err == nil {
		t.Fatalf("expected summarizer failure")
	}
	m, _ := f.stg.GetMeeting(context.Background(), "m1")
	if m.Status != entity.MeetingStatusProcessing || m.Summary != "" {
		t.Fatalf("failed run must leave the meeting untouched: %+v", m)
	}

	f.summarizer.err = nil
	rc = newRunContext(t, f.log, "run-1", "meetings/processing", 2)
	if err := f.pipeline.Run(context.Background(), rc, processingEvent); err != nil {
		t.Fatalf("retry: %v", err)
	}
	m, _ = f.stg.GetMeeting(context.Background(), "m1")
	if m.Status != entity.MeetingStatusCompleted || m.Summary == "" {
		t.Fatalf("expected completed meeting with summary: %+v", m)
	}
}

func TestTranscriptPipelineRetrySkipsLoggedSteps(t *testing.T) {
	f := newTranscriptFixture()
	f.summarizer.err = errors.New("model timeout")

	rc := newRunContext(t, f.log, "run-1", "meetings/processing", 1)
	f.pipeline.Run(context.Background(), rc, processingEvent)

	f.summarizer.err = nil
	f.fetcher.body = "this would not parse"
	rc = newRunContext(t, f.log, "run-1", "meetings/processing", 2)
	if err := f.pipeline.Run(context.Background(), rc, processingEvent); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.fetcher.calls != 1 {
		t.Fatalf("fetch must not re-run on retry, ran %d times", f.fetcher.calls)
	}
	if f.summarizer.calls != 2 {
		t.Fatalf("summarize is not memoized, expected 2 calls, got %d", f.summarizer.calls)
	}
	if len(f.summarizer.got) != 2 {
		t.Fatalf("retry must see the logged transcript, got %+v", f.summarizer.got)
	}
}

func TestTranscriptPipelineReplayAfterCompletionWritesOnce(t *testing.T) {
	f := newTranscriptFixture()
	for attempt := 1; attempt <= 2; attempt++ {
		rc := newRunContext(t, f.log, "run-1", "meetings/processing", attempt)
		if err := f.pipeline.Run(context.Background(), rc, processingEvent); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
	}
	if f.stg.Completions() != 1 {
		t.Fatalf("expected a single meeting write, got %d", f.stg.Completions())
	}
	if f.fetcher.calls != 1 {
		t.Fatalf("expected a single fetch, got %d", f.fetcher.calls)
	}
}

func TestTranscriptPipelineMalformedTranscriptIsPermanent(t *testing.T) {
	f := newTranscriptFixture()
	f.fetcher.body = "{\"speaker_id\":\"u1\",\"text\":\"ok\"}\nnot json"

	rc := newRunContext(t, f.log, "run-1", "meetings/processing", 1)
	err := f.pipeline.Run(context.Background(), rc, processingEvent)

	var pe *entity.ParseError
	if !errors.As(err, &pe) || !entity.IsPermanent(err) {
		t.Fatalf("expected permanent parse error, got %v", err)
	}
	if f.summarizer.calls != 0 {
		t.Fatalf("summarizer must not run on bad data")
	}
}

func TestTranscriptPipelineFetchFailureIsTransient(t *testing.T) {
	f := newTranscriptFixture()
	f.fetcher.err = &entity.FetchError{URL: processingEvent.TranscriptURL, StatusCode: 502}

	rc := newRunContext(t, f.log, "run-1", "meetings/processing", 1)
	err := f.pipeline.Run(context.Background(), rc, processingEvent)
	if err == nil || entity.IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	_, steps, _ := f.log.Get(context.Background(), "run-1")
	if len(steps) != 0 {
		t.Fatalf("failed fetch must not be logged, got %+v", steps)
	}
}

func TestTranscriptPipelineMissingMeeting(t *testing.T) {
	f := newTranscriptFixture()
	rc := newRunContext(t, f.log, "run-1", "meetings/processing", 1)

	err := f.pipeline.Run(context.Background(), rc, entity.MeetingProcessingEvent{TranscriptURL: "https://store/t.jsonl", MeetingID: "nope"})
	if !errors.Is(err, entity.ErrMeetingNotFound) || !entity.IsPermanent(err) {
		t.Fatalf("expected permanent meeting not found, got %v", err)
	}
}
