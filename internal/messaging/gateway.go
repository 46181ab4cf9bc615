// Package messaging sends WhatsApp messages through an Evolution-API style
// gateway. Each tenant sends through its own gateway instance.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/insightline/internal/fault"
	"github.com/kalambet/insightline/internal/storage"
)

const (
	defaultTimeout = 30 * time.Second
	typingDelayMS  = 1200
)

// InstanceStore resolves the gateway instance of a tenant.
type InstanceStore interface {
	GetMessagingInstance(ctx context.Context, tenantID string) (storage.MessagingInstance, error)
}

// Options configures a Gateway.
type Options struct {
	RatePerSecond float64 // per tenant; <= 0 disables limiting
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Gateway is the outbound messaging client.
type Gateway struct {
	instances  InstanceStore
	httpClient *http.Client
	timeout    time.Duration
	perTenant  rate.Limit
	logger     *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGateway creates a Gateway.
func NewGateway(instances InstanceStore, opts Options) *Gateway {
	g := &Gateway{
		instances:  instances,
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		perTenant:  rate.Inf,
		logger:     slog.Default(),
		limiters:   make(map[string]*rate.Limiter),
	}
	if opts.RatePerSecond > 0 {
		g.perTenant = rate.Limit(opts.RatePerSecond)
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{}
	}
	return g
}

// SendText sends a text message to a phone number or group id.
func (g *Gateway) SendText(ctx context.Context, tenantID, to, text string) error {
	if strings.TrimSpace(text) == "" {
		return fault.Newf(fault.Validation, "send text", "empty text")
	}
	return g.post(ctx, tenantID, "message/sendText", map[string]any{
		"number": to,
		"text":   text,
	})
}

// SendAudio sends a base64-encoded audio clip as a voice note.
func (g *Gateway) SendAudio(ctx context.Context, tenantID, to, audioBase64 string) error {
	if audioBase64 == "" {
		return fault.Newf(fault.Validation, "send audio", "empty audio")
	}
	return g.post(ctx, tenantID, "message/sendWhatsAppAudio", map[string]any{
		"number": to,
		"audio":  audioBase64,
	})
}

// SendTyping shows the "typing..." indicator to the recipient.
func (g *Gateway) SendTyping(ctx context.Context, tenantID, to string) error {
	return g.post(ctx, tenantID, "chat/sendPresence", map[string]any{
		"number":   to,
		"presence": "composing",
		"delay":    typingDelayMS,
	})
}

func (g *Gateway) post(ctx context.Context, tenantID, action string, payload map[string]any) error {
	inst, err := g.instances.GetMessagingInstance(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return fault.Newf(fault.Validation, action, "no messaging instance for tenant %s", tenantID)
	}
	if err != nil {
		return fmt.Errorf("loading messaging instance: %w", err)
	}

	if err := g.limiter(tenantID).Wait(ctx); err != nil {
		return fault.New(fault.Transport, action, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/%s/%s", strings.TrimRight(inst.BaseURL, "/"), action, url.PathEscape(inst.InstanceName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", inst.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fault.New(fault.Transport, action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := fault.Transport
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			kind = fault.Auth
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			kind = fault.Validation
		}
		return fault.Newf(kind, action, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	g.logger.Debug("gateway call ok", "action", action, "tenant_id", tenantID)
	return nil
}

func (g *Gateway) limiter(tenantID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(g.perTenant, 1)
		g.limiters[tenantID] = l
	}
	return l
}
