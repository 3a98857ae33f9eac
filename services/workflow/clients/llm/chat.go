// Package llm wraps the language model calls the workflows make.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/xilidan/meetings/pkg/logger"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/metrics"
)

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// ChatClient is a multi-turn chat completion call. It returns the content of
// the first choice, or "" when the model produced none.
type ChatClient interface {
	Complete(ctx context.Context, messages []entity.PromptMessage) (string, error)
}

type chatClient struct {
	client openai.Client
	model  string
}

func NewChatClient(cfg Config) ChatClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &chatClient{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (c *chatClient) Complete(ctx context.Context, messages []entity.PromptMessage) (string, error) {
	log := logger.FromContext(ctx)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case entity.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case entity.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		log.Error("chat completion failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	log.Debug("chat completion done", "model", c.model, "took", time.Since(start), "choices", len(resp.Choices))

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
