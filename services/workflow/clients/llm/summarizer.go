package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/xilidan/meetings/pkg/logger"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/metrics"
)

const summarizeInputPrefix = "Summarize the following transcript:"

type Summarizer interface {
	Summarize(ctx context.Context, transcript []entity.AttributedTranscriptItem) (string, error)
}

type summarizer struct {
	agent  *agents.Agent
	runner agents.Runner
}

// NewSummarizer builds a single-turn agent with the given system prompt.
// The request timeout and retry budget apply to every model call.
func NewSummarizer(cfg Config, instructions string) Summarizer {
	opts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	var baseURL param.Opt[string]
	if cfg.BaseURL != "" {
		baseURL = param.NewOpt(cfg.BaseURL)
	}
	client := agents.NewOpenaiClient(baseURL, param.NewOpt(cfg.APIKey), opts...)

	return &summarizer{
		agent: agents.New("summarizer").
			WithInstructions(instructions).
			WithModel(cfg.Model),
		runner: agents.Runner{Config: agents.RunConfig{
			ModelProvider: agents.NewOpenAIProvider(agents.OpenAIProviderParams{
				OpenaiClient: &client,
				UseResponses: param.NewOpt(false),
			}),
			MaxTurns:        1,
			TracingDisabled: true,
		}},
	}
}

func (s *summarizer) Summarize(ctx context.Context, transcript []entity.AttributedTranscriptItem) (string, error) {
	log := logger.FromContext(ctx)

	input, err := SummaryInput(transcript)
	if err != nil {
		return "", err
	}

	result, err := s.runner.Run(ctx, s.agent, input)
	if err != nil {
		metrics.Errors.WithLabelValues("summarize", "agent").Inc()
		log.Error("summarizer run failed", "error", err)
		return "", fmt.Errorf("summarize: %w", err)
	}

	text, _ := result.FinalOutput.(string)
	if strings.TrimSpace(text) == "" {
		return "", entity.ErrEmptySummary
	}
	log.Debug("summary generated", "chars", len(text))
	return text, nil
}

// SummaryInput is the user message handed to the summarizer.
func SummaryInput(transcript []entity.AttributedTranscriptItem) (string, error) {
	if transcript == nil {
		transcript = []entity.AttributedTranscriptItem{}
	}
	data, err := json.Marshal(transcript)
	if err != nil {
		return "", entity.Permanent(fmt.Errorf("encode transcript: %w", err))
	}
	return summarizeInputPrefix + string(data), nil
}
