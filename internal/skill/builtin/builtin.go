// Package builtin provides the skills every worker registers.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/skill"
)

// maxFetchBody caps the response body kept by http_fetch.
const maxFetchBody = 64 << 10

// Register adds echo and http_fetch to r. A nil client uses a 30s timeout.
func Register(r *skill.Registry, client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	defs := []skill.Definition{
		{
			Name:        "echo",
			Description: "Returns its parameters unchanged.",
			New: func() (skill.Skill, error) {
				return skill.Func(echo), nil
			},
		},
		{
			Name:        "http_fetch",
			Description: "Performs an HTTP request and returns the status and body.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"url"},
				"properties": map[string]any{
					"url":    map[string]any{"type": "string", "pattern": "^https?://"},
					"method": map[string]any{"type": "string", "enum": []any{"GET", "HEAD", "POST", "PUT", "DELETE"}},
					"body":   map[string]any{"type": "string"},
				},
			},
			OutputSchema: map[string]any{
				"type":     "object",
				"required": []any{"status"},
				"properties": map[string]any{
					"status": map[string]any{"type": "integer"},
					"body":   map[string]any{"type": "string"},
				},
			},
			New: func() (skill.Skill, error) {
				return &httpFetch{client: client}, nil
			},
		},
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func echo(_ context.Context, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out, nil
}

type httpFetch struct {
	client *http.Client
}

func (h *httpFetch) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, failure.Permanent(errors.New("http_fetch: url is required"))
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if b, ok := params["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("http_fetch: build request: %w", err))
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("http_fetch: read body: %w", err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("http_fetch: %s returned %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, failure.Permanent(fmt.Errorf("http_fetch: %s returned %d", url, resp.StatusCode))
	}
	return map[string]any{"status": resp.StatusCode, "body": string(raw)}, nil
}
