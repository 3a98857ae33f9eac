// Package chat is a small REST client for the Stream Chat backend.
package chat

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/xilidan/meetings/pkg/jwt"
	"github.com/xilidan/meetings/pkg/logger"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/metrics"
)

type Config struct {
	APIKey      string
	APISecret   string
	BaseURL     string
	ChannelType string
	Timeout     time.Duration
}

type Client interface {
	// History returns up to limit of the channel's latest messages, oldest first.
	History(ctx context.Context, channelID string, limit int) ([]entity.ChatHistoryMessage, error)
	UpsertUser(ctx context.Context, user entity.ChatUser) error
	MessageExists(ctx context.Context, id string) (bool, error)
	SendMessage(ctx context.Context, channelID string, msg entity.OutboundMessage) error
}

type client struct {
	apiKey      string
	baseURL     string
	channelType string
	token       string
	httpClient  *http.Client
}

// APIError is a non-2xx answer from the chat backend.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func New(cfg Config) (Client, error) {
	slog.Default().Debug("creating chat client",
		slog.String("base_url", cfg.BaseURL),
		slog.String("channel_type", cfg.ChannelType),
		slog.Bool("api_key_set", cfg.APIKey != ""))

	token, err := jwt.ServerToken(cfg.APISecret)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &client{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		channelType: cfg.ChannelType,
		token:       token,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type wireUser struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
}

type wireMessage struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	UserID string    `json:"user_id,omitempty"`
	User   *wireUser `json:"user,omitempty"`
}

func (c *client) History(ctx context.Context, channelID string, limit int) ([]entity.ChatHistoryMessage, error) {
	body := map[string]any{
		"state":    true,
		"messages": map[string]int{"limit": limit},
	}
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	path := fmt.Sprintf("/channels/%s/%s/query", url.PathEscape(c.channelType), url.PathEscape(channelID))
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}

	out := make([]entity.ChatHistoryMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msg := entity.ChatHistoryMessage{ID: m.ID, Text: m.Text, UserID: m.UserID}
		if m.User != nil {
			msg.UserID = m.User.ID
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *client) UpsertUser(ctx context.Context, user entity.ChatUser) error {
	body := map[string]any{
		"users": map[string]wireUser{
			user.ID: {ID: user.ID, Name: user.Name, Image: user.Image},
		},
	}
	return c.do(ctx, http.MethodPost, "/users", body, nil)
}

func (c *client) MessageExists(ctx context.Context, id string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func (c *client) SendMessage(ctx context.Context, channelID string, msg entity.OutboundMessage) error {
	body := map[string]any{
		"message": wireMessage{ID: msg.ID, Text: msg.Text, UserID: msg.UserID},
	}
	path := fmt.Sprintf("/channels/%s/%s/message", url.PathEscape(c.channelType), url.PathEscape(channelID))
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	log := logger.FromContext(ctx)

	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal chat request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.baseURL + path + "?" + url.Values{"api_key": {c.apiKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Stream-Auth-Type", "jwt")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Debug("sending chat request", slog.String("method", method), slog.String("path", path))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("chat", "http").Inc()
		log.Error("chat request failed", slog.String("error", err.Error()), slog.String("path", path))
		return fmt.Errorf("chat %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode != http.StatusNotFound {
			metrics.Errors.WithLabelValues("chat", "status").Inc()
		}
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode chat response: %w", err)
	}
	return nil
}

// MessageID derives a stable message id from a run and step, so a retried
// send can be recognised by the backend.
func MessageID(runID, stepName string) string {
	sum, _ := blake2b.New(16, nil)
	sum.Write([]byte(runID + "/" + stepName))
	return hex.EncodeToString(sum.Sum(nil))
}

// AvatarURL is the generated avatar for seed in the given style.
func AvatarURL(baseURL, style, seed string) string {
	return fmt.Sprintf("%s/%s/svg?%s", baseURL, url.PathEscape(style), url.Values{"seed": {seed}}.Encode())
}
