package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xilidan/meetings/pkg/logger"
	"github.com/xilidan/meetings/services/workflow/clients/chat"
	"github.com/xilidan/meetings/services/workflow/clients/llm"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/metrics"
	"github.com/xilidan/meetings/services/workflow/step"
	"github.com/xilidan/meetings/services/workflow/storage"
)

const (
	StepFetchData        = "fetch-data"
	StepGenerateResponse = "generate-response"
	StepSendMessage      = "send-message"
)

// Gates at which a chat run may end without replying.
const (
	GateMeeting  = "meeting-not-completed"
	GateAgent    = "agent-missing"
	GateSelf     = "agent-author"
	GateNoAnswer = "empty-response"
)

type ChatConfig struct {
	HistoryLimit int
	AvatarURL    string
	AvatarStyle  string
}

// ChatPipeline answers messages posted in a completed meeting's channel
// as the meeting's agent.
type ChatPipeline struct {
	cfg     ChatConfig
	storage storage.Storage
	llm     llm.ChatClient
	chat    chat.Client
}

func NewChatPipeline(cfg ChatConfig, stg storage.Storage, llmClient llm.ChatClient, chatClient chat.Client) *ChatPipeline {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 5
	}
	return &ChatPipeline{
		cfg:     cfg,
		storage: stg,
		llm:     llmClient,
		chat:    chatClient,
	}
}

type chatData struct {
	Meeting *entity.Meeting `json:"meeting"`
	Agent   *entity.Agent   `json:"agent"`
}

func (p *ChatPipeline) Run(ctx context.Context, rc *step.RunContext, ev entity.ChatMessageEvent) error {
	log := logger.FromContext(ctx).With(slog.String("channel_id", ev.ChannelID), slog.String("user_id", ev.UserID))
	ctx = logger.WithContext(ctx, log)

	data, err := step.Run(ctx, rc, StepFetchData, func(ctx context.Context) (chatData, error) {
		return p.fetchData(ctx, ev.ChannelID)
	})
	if err != nil {
		return err
	}
	if data.Meeting == nil {
		return p.decline(ctx, GateMeeting)
	}
	if data.Agent == nil {
		return p.decline(ctx, GateAgent)
	}
	agent := data.Agent
	if ev.UserID == agent.ID {
		return p.decline(ctx, GateSelf)
	}

	instructions := ChatInstructions(data.Meeting.Summary, agent.Instructions)

	history, err := p.chat.History(ctx, ev.ChannelID, p.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to read channel history: %w", err)
	}
	prompt := BuildChatPrompt(instructions, history, agent.ID, ev.Text, p.cfg.HistoryLimit)

	reply, err := step.Run(ctx, rc, StepGenerateResponse, func(ctx context.Context) (string, error) {
		return p.llm.Complete(ctx, prompt)
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply) == "" {
		return p.decline(ctx, GateNoAnswer)
	}

	messageID, err := step.Run(ctx, rc, StepSendMessage, func(ctx context.Context) (string, error) {
		return p.send(ctx, rc.RunID, ev.ChannelID, agent, reply)
	})
	if err != nil {
		return err
	}

	log.Info("chat reply sent", slog.String("agent_id", agent.ID), slog.String("message_id", messageID))
	return nil
}

func (p *ChatPipeline) fetchData(ctx context.Context, meetingID string) (chatData, error) {
	meeting, err := p.storage.GetCompletedMeeting(ctx, meetingID)
	if errors.Is(err, entity.ErrNotFound) {
		return chatData{}, nil
	}
	if err != nil {
		return chatData{}, err
	}

	agent, err := p.storage.GetAgent(ctx, meeting.AgentID)
	if errors.Is(err, entity.ErrNotFound) {
		return chatData{Meeting: meeting}, nil
	}
	if err != nil {
		return chatData{}, err
	}
	return chatData{Meeting: meeting, Agent: agent}, nil
}

// send posts reply under a message id derived from the run, and skips the
// post when an earlier attempt already delivered it.
func (p *ChatPipeline) send(ctx context.Context, runID, channelID string, agent *entity.Agent, reply string) (string, error) {
	avatar := chat.AvatarURL(p.cfg.AvatarURL, p.cfg.AvatarStyle, agent.Name)
	if err := p.chat.UpsertUser(ctx, entity.ChatUser{ID: agent.ID, Name: agent.Name, Image: avatar}); err != nil {
		return "", fmt.Errorf("failed to upsert agent user: %w", err)
	}

	id := chat.MessageID(runID, StepSendMessage)
	exists, err := p.chat.MessageExists(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to check message %s: %w", id, err)
	}
	if exists {
		logger.FromContext(ctx).Info("reply already delivered", slog.String("message_id", id))
		return id, nil
	}

	if err := p.chat.SendMessage(ctx, channelID, entity.OutboundMessage{ID: id, Text: reply, UserID: agent.ID}); err != nil {
		return "", fmt.Errorf("failed to send reply: %w", err)
	}
	return id, nil
}

func (p *ChatPipeline) decline(ctx context.Context, gate string) error {
	metrics.Declined.WithLabelValues(gate).Inc()
	logger.FromContext(ctx).Info("chat run declined", slog.String("gate", gate))
	return nil
}

// BuildChatPrompt assembles the model input: the system instructions, the
// last limit history messages minus those without text, then the new user
// message.
func BuildChatPrompt(instructions string, history []entity.ChatHistoryMessage, agentID, text string, limit int) []entity.PromptMessage {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}

	prompt := make([]entity.PromptMessage, 0, len(history)+2)
	prompt = append(prompt, entity.PromptMessage{Role: entity.RoleSystem, Content: instructions})
	for _, m := range history {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := entity.RoleUser
		if m.UserID == agentID {
			role = entity.RoleAssistant
		}
		prompt = append(prompt, entity.PromptMessage{Role: role, Content: m.Text})
	}
	return append(prompt, entity.PromptMessage{Role: entity.RoleUser, Content: text})
}
