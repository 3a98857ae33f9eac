package usecase

import (
	"context"
	"log/slog"

	"github.com/xilidan/meetings/pkg/logger"
	"github.com/xilidan/meetings/services/workflow/clients/llm"
	"github.com/xilidan/meetings/services/workflow/clients/transcript"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/step"
	"github.com/xilidan/meetings/services/workflow/storage"
)

const (
	StepFetchTranscript = "fetch-transcript"
	StepParseTranscript = "parse-transcript"
	StepAssignSpeakers  = "assign-speakers"
	StepSaveSummary     = "save-summary"
)

// TranscriptPipeline turns a recorded call's transcript into the meeting
// summary. The meeting row is written only by the last step.
type TranscriptPipeline struct {
	storage    storage.Storage
	fetcher    transcript.Client
	summarizer llm.Summarizer
}

func NewTranscriptPipeline(stg storage.Storage, fetcher transcript.Client, summarizer llm.Summarizer) *TranscriptPipeline {
	return &TranscriptPipeline{
		storage:    stg,
		fetcher:    fetcher,
		summarizer: summarizer,
	}
}

func (p *TranscriptPipeline) Run(ctx context.Context, rc *step.RunContext, ev entity.MeetingProcessingEvent) error {
	log := logger.FromContext(ctx).With(slog.String("meeting_id", ev.MeetingID))
	ctx = logger.WithContext(ctx, log)

	raw, err := step.Run(ctx, rc, StepFetchTranscript, func(ctx context.Context) (string, error) {
		return p.fetcher.Fetch(ctx, ev.TranscriptURL)
	})
	if err != nil {
		return err
	}

	items, err := step.Run(ctx, rc, StepParseTranscript, func(context.Context) ([]entity.TranscriptItem, error) {
		return transcript.Parse(raw)
	})
	if err != nil {
		return err
	}

	attributed, err := step.Run(ctx, rc, StepAssignSpeakers, func(ctx context.Context) ([]entity.AttributedTranscriptItem, error) {
		return AssignSpeakers(ctx, p.storage, items)
	})
	if err != nil {
		return err
	}

	summary, err := p.summarizer.Summarize(ctx, attributed)
	if err != nil {
		return err
	}

	_, err = step.Run(ctx, rc, StepSaveSummary, func(ctx context.Context) (bool, error) {
		if err := p.storage.CompleteMeeting(ctx, ev.MeetingID, summary); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	log.Info("meeting summarized", slog.Int("items", len(items)))
	return nil
}
