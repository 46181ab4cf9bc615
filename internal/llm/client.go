// Package llm talks to an OpenAI-compatible chat completions endpoint
// (OpenRouter by default) with tool calling support.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/insightline/internal/fault"
	"github.com/kalambet/insightline/internal/metrics"
)

const (
	DefaultBaseURL  = "https://openrouter.ai/api/v1"
	defaultTimeout  = 60 * time.Second
	maxResponseSize = 4 << 20
)

// RetryConfig bounds the attempts made for one completion.
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Delay returns the wait after failed attempt n (1-based):
// min(base * 2^(n-1), max).
func (rc RetryConfig) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := rc.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if rc.MaxBackoff > 0 && d >= rc.MaxBackoff {
			return rc.MaxBackoff
		}
	}
	if rc.MaxBackoff > 0 && d > rc.MaxBackoff {
		return rc.MaxBackoff
	}
	return d
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration // per attempt
	MaxTokens  int
	Retry      RetryConfig
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Client is a chat completion client.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	maxTokens  int
	retry      RetryConfig
	httpClient *http.Client
	metrics    *metrics.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		model:      opts.Model,
		timeout:    opts.Timeout,
		maxTokens:  opts.MaxTokens,
		retry:      opts.Retry,
		httpClient: opts.HTTPClient,
		metrics:    opts.Metrics,
		sleep:      sleepCtx,
		logger:     slog.Default(),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry = DefaultRetryConfig()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// Complete sends req, retrying transport and auth failures with capped
// exponential backoff. Each attempt is bounded by the per-attempt timeout.
// When every attempt fails the error is classified fault.Exhausted.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fault.Newf(fault.Validation, "chat", "no messages")
	}
	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  req.Messages,
		Tools:     req.Tools,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		resp, err := c.doChat(ctx, body)
		if err == nil {
			c.metrics.ModelCall(true)
			return resp, nil
		}
		c.metrics.ModelCall(false)
		if ctx.Err() != nil {
			return nil, fault.New(fault.Transport, "chat", ctx.Err())
		}
		if !fault.Retryable(err) {
			return nil, err
		}

		lastErr = err
		c.logger.Warn("model call failed",
			"attempt", attempt,
			"max_attempts", c.retry.MaxAttempts,
			"kind", fault.KindOf(err).String(),
			"error", fault.Reason(err))

		if attempt < c.retry.MaxAttempts {
			if err := c.sleep(ctx, c.retry.Delay(attempt)); err != nil {
				return nil, fault.New(fault.Transport, "chat", err)
			}
		}
	}

	return nil, fault.New(fault.Exhausted, "chat", fmt.Errorf("after %d attempts: %w", c.retry.MaxAttempts, lastErr))
}

func (c *Client) doChat(ctx context.Context, body []byte) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fault.New(fault.Transport, "chat", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fault.New(fault.Transport, "chat", fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fault.New(fault.Transport, "chat", fmt.Errorf("decoding response: %w", err))
	}
	if parsed.Error != nil {
		return nil, fault.New(fault.Transport, "chat", errors.New(parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, fault.Newf(fault.Transport, "chat", "response has no choices")
	}

	choice := parsed.Choices[0]
	return &Response{
		Content:      strings.TrimSpace(choice.Message.Content),
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
	}, nil
}

func classifyStatus(status int, body []byte) error {
	msg := fmt.Sprintf("unexpected status %d", status)
	var wrapper chatResponse
	if json.Unmarshal(body, &wrapper) == nil && wrapper.Error != nil && wrapper.Error.Message != "" {
		msg = fmt.Sprintf("status %d: %s", status, wrapper.Error.Message)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.Auth, "chat", errors.New(msg))
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return fault.New(fault.Transport, "chat", errors.New(msg))
	default:
		return fault.New(fault.Validation, "chat", errors.New(msg))
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/kalambet/insightline")
	req.Header.Set("X-Title", "insightline")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
