package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xilidan/meetings/services/workflow/entity"
)

type recordedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionServer(t *testing.T, content string, got *recordedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if got != nil {
			if err := json.Unmarshal(body, got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(url string) Config {
	return Config{APIKey: "test", BaseURL: url + "/", Model: "gpt-4o-mini", Timeout: 5 * time.Second}
}

func TestChatClientSendsRolesInOrder(t *testing.T) {
	var req recordedRequest
	srv := completionServer(t, "The team chose Go.", &req)
	defer srv.Close()

	got, err := NewChatClient(testConfig(srv.URL)).Complete(context.Background(), []entity.PromptMessage{
		{Role: entity.RoleSystem, Content: "be brief"},
		{Role: entity.RoleUser, Content: "hi"},
		{Role: entity.RoleAssistant, Content: "hello"},
		{Role: entity.RoleUser, Content: "what was decided?"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "The team chose Go." {
		t.Fatalf("unexpected content %q", got)
	}

	roles := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	if diff := cmp.Diff([]string{"system", "user", "assistant", "user"}, roles); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
	if req.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected model %q", req.Model)
	}
}

func TestChatClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewChatClient(testConfig(srv.URL)).Complete(context.Background(), []entity.PromptMessage{{Role: entity.RoleUser, Content: "x"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if entity.IsPermanent(err) {
		t.Fatalf("llm transport errors must be retryable")
	}
}

func TestSummarizerReturnsFirstText(t *testing.T) {
	var req recordedRequest
	srv := completionServer(t, "## Overview\nShort call.", &req)
	defer srv.Close()

	s := NewSummarizer(testConfig(srv.URL), "you are an expert summarizer")
	got, err := s.Summarize(context.Background(), []entity.AttributedTranscriptItem{
		{TranscriptItem: entity.TranscriptItem{SpeakerID: "u1", Text: "hello"}, User: entity.Speaker{Name: "Ann"}},
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "## Overview\nShort call." {
		t.Fatalf("unexpected summary %q", got)
	}
	if len(req.Messages) < 2 || req.Messages[0].Content != "you are an expert summarizer" {
		t.Fatalf("expected system prompt first, got %+v", req.Messages)
	}
	if !strings.HasPrefix(req.Messages[len(req.Messages)-1].Content, "Summarize the following transcript:[") {
		t.Fatalf("unexpected input %q", req.Messages[len(req.Messages)-1].Content)
	}
}

func TestSummarizerEmptyOutput(t *testing.T) {
	srv := completionServer(t, "  ", nil)
	defer srv.Close()

	_, err := NewSummarizer(testConfig(srv.URL), "p").Summarize(context.Background(), nil)
	if err != entity.ErrEmptySummary {
		t.Fatalf("expected empty summary error, got %v", err)
	}
}

func TestSummarizerHonoursRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.Timeout = 200 * time.Millisecond
	cfg.MaxRetries = 0

	done := make(chan error, 1)
	go func() {
		_, err := NewSummarizer(cfg, "p").Summarize(context.Background(), nil)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected timeout error")
		}
		if entity.IsPermanent(err) {
			t.Fatalf("timeouts must stay retryable, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("summarizer ignored its request timeout")
	}
}

func TestSummaryInput(t *testing.T) {
	got, err := SummaryInput([]entity.AttributedTranscriptItem{
		{TranscriptItem: entity.TranscriptItem{SpeakerID: "a1", Text: "hi"}, User: entity.Speaker{Name: "Bot"}},
	})
	if err != nil {
		t.Fatalf("input: %v", err)
	}
	want := `Summarize the following transcript:[{"speaker_id":"a1","text":"hi","start_ts":0,"stop_ts":0,"user":{"name":"Bot"}}]`
	if got != want {
		t.Fatalf("unexpected input:\n got %s\nwant %s", got, want)
	}
}
