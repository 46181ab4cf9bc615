package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/insightline/internal/config"
)

// apiClient calls the cron and alert endpoints of a running server.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// newAPIClient targets the configured listen address, using loopback when
// the server binds every interface.
func newAPIClient(cfg config.Config) *apiClient {
	host := cfg.Server.Bind
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://%s:%d", host, cfg.Server.Port),
		token:      cfg.Server.CronSecret,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *apiClient) send(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable at %s, is insightline serve running? (%w)", c.baseURL, err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.send(ctx, http.MethodGet, path)
}

func (c *apiClient) post(ctx context.Context, path string) (*http.Response, error) {
	return c.send(ctx, http.MethodPost, path)
}

// decodeJSON reads a successful body into v. Error responses become errors
// carrying the status and, when present, the server's error envelope.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusBadRequest {
		return json.NewDecoder(resp.Body).Decode(v)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("server returned %d (reading body: %w)", resp.StatusCode, err)
	}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, env.Error.Type, env.Error.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
