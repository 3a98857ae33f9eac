package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xilidan/meetings/pkg/jwt"
	"github.com/xilidan/meetings/services/workflow/entity"
)

const tokenTTL = 5 * time.Minute

// Client talks to the workflow server's /api/v1.
type Client struct {
	baseURL    string
	signingKey string
	subject    string
	http       *http.Client
}

func NewClient(cfg *Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.Server, "/") + "/api/v1",
		signingKey: cfg.SigningKey,
		subject:    cfg.Subject,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

type RunDetail struct {
	Run   entity.Run          `json:"run"`
	Steps []entity.StepRecord `json:"steps"`
}

func (c *Client) SendEvent(ctx context.Context, name string, data json.RawMessage, runID string) (string, error) {
	body := map[string]any{"name": name, "data": data}
	if runID != "" {
		body["runId"] = runID
	}
	var resp struct {
		RunID string `json:"runId"`
	}
	if err := c.do(ctx, http.MethodPost, "/events", body, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *Client) ListRuns(ctx context.Context, status string, limit int) ([]entity.Run, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Runs []entity.Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (*RunDetail, error) {
	var resp RunDetail
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ReplayRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/replay", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signingKey != "" {
		token, err := jwt.Generate(c.subject, c.signingKey, tokenTTL)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
