// Package transport is the HTTP client for the remote agent-session API:
// create a conversational session, post a message into it, read its message
// history, and wait for an assistant reply.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrSessionNotFound reports that the remote session no longer exists
	// (HTTP 404/410). Callers recover by recreating the session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAwaitTimeout reports that no assistant reply arrived within the
	// configured wait window.
	ErrAwaitTimeout = errors.New("timed out waiting for assistant reply")
)

var tracer = otel.Tracer("roundtable/transport")

// Message is one entry of a session's ordered message history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithPollInterval sets the sleep between history checks in AwaitReply.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithMaxWait sets the total wall-clock bound of AwaitReply.
func WithMaxWait(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxWait = d
	}
}

// Client talks to one agent-session API endpoint. It is stateless and safe
// for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewClient creates an agent API client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   http.DefaultClient,
		pollInterval: 1500 * time.Millisecond,
		maxWait:      60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createSessionRequest struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

// CreateSession creates a remote session and returns its id.
func (c *Client) CreateSession(ctx context.Context, model, systemPrompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "transport.CreateSession")
	defer span.End()
	span.SetAttributes(attribute.String("model", model))

	var resp createSessionResponse
	err := c.do(ctx, http.MethodPost, "/sessions", createSessionRequest{
		Model:        model,
		SystemPrompt: systemPrompt,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create session: no id in response")
	}
	return resp.ID, nil
}

type appendMessageRequest struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// AppendMessage posts a user message into a session.
func (c *Client) AppendMessage(ctx context.Context, sessionID, content string) error {
	ctx, span := tracer.Start(ctx, "transport.AppendMessage")
	defer span.End()

	if sessionID == "" {
		return fmt.Errorf("append message: empty session id")
	}
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/messages", appendMessageRequest{
		Content: content,
		Role:    "user",
	}, nil)
}

// ListMessages returns the session's ordered message history.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	ctx, span := tracer.Start(ctx, "transport.ListMessages")
	defer span.End()

	if sessionID == "" {
		return nil, fmt.Errorf("list messages: empty session id")
	}
	var messages []Message
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/messages", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// AwaitReply polls the session history until an assistant message appears
// past the baseline index. The poll loop is unbounded in attempts but
// bounded in wall-clock time; expiry yields ErrAwaitTimeout, context
// cancellation propagates as-is.
func (c *Client) AwaitReply(ctx context.Context, sessionID string, baseline int) (string, error) {
	ctx, span := tracer.Start(ctx, "transport.AwaitReply")
	defer span.End()

	deadline := time.NewTimer(c.maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(c.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w after %s", ErrAwaitTimeout, c.maxWait)
		case <-tick.C:
		}

		messages, err := c.ListMessages(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if len(messages) <= baseline {
			continue
		}
		for _, msg := range messages[baseline:] {
			if msg.Role != "assistant" {
				continue
			}
			return strings.TrimSpace(msg.Content), nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%s %s: %w", method, path, ErrSessionNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
