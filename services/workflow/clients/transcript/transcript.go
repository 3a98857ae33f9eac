// Package transcript downloads and decodes recorded call transcripts.
package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xilidan/meetings/pkg/logger"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/metrics"
)

// maxLineSize bounds a single NDJSON record.
const maxLineSize = 1 << 20

type Client interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type client struct {
	http *http.Client
}

// NewPooledHTTPClient creates an http.Client with connection pooling. The
// timeout covers the whole download.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

func New(httpClient *http.Client) Client {
	return &client{http: httpClient}
}

// Fetch GETs url and returns the body. Every failure is a *entity.FetchError.
func (c *client) Fetch(ctx context.Context, url string) (string, error) {
	log := logger.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &entity.FetchError{URL: url, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("fetch", "http").Inc()
		log.Error("transcript fetch failed", "error", err, "url", url)
		return "", &entity.FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.Errors.WithLabelValues("fetch", "status").Inc()
		log.Error("transcript fetch failed", "status", resp.StatusCode, "url", url)
		return "", &entity.FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &entity.FetchError{URL: url, Err: err}
	}
	log.Debug("transcript fetched", "url", url, "bytes", len(body))
	return string(body), nil
}

// Parse decodes newline-delimited JSON into transcript items. Blank lines
// are skipped; the first malformed record fails the whole transcript.
func Parse(raw string) ([]entity.TranscriptItem, error) {
	scanner := bufio.NewScanner(bytes.NewReader([]byte(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	items := []entity.TranscriptItem{}
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var item entity.TranscriptItem
		if err := json.Unmarshal(text, &item); err != nil {
			return nil, &entity.ParseError{Line: line, Err: err}
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, &entity.ParseError{Line: line + 1, Err: fmt.Errorf("read record: %w", err)}
	}
	return items, nil
}
