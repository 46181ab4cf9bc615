// Package powerbi executes DAX queries against a tenant's workspace.
//
// Each call resolves the connection's credentials, performs a fresh OAuth2
// client-credentials exchange and posts the query to the executeQueries
// endpoint. Tokens are deliberately not cached: calls are rare (one per
// question or alert check) and a fresh exchange keeps credential rotation in
// the admin layer effective immediately.
package powerbi

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
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/kalambet/insightline/internal/fault"
	"github.com/kalambet/insightline/internal/storage"
)

const (
	DefaultAuthorityURL = "https://login.microsoftonline.com"
	DefaultAPIURL       = "https://api.powerbi.com/v1.0/myorg/groups"
	DefaultScope        = "https://analysis.windows.net/powerbi/api/.default"
	defaultTimeout      = 30 * time.Second
	maxResponseSize     = 10 << 20 // 10MB
)

// ConnectionStore resolves connection credentials.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (storage.Connection, error)
}

// Options configures a Client. Zero values fall back to the public endpoints.
type Options struct {
	AuthorityURL string
	APIURL       string
	Scope        string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client is the query execution adapter.
type Client struct {
	conns        ConnectionStore
	authorityURL string
	apiURL       string
	scope        string
	timeout      time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a Client reading credentials from conns.
func NewClient(conns ConnectionStore, opts Options) *Client {
	c := &Client{
		conns:        conns,
		authorityURL: strings.TrimRight(opts.AuthorityURL, "/"),
		apiURL:       strings.TrimRight(opts.APIURL, "/"),
		scope:        opts.Scope,
		timeout:      opts.Timeout,
		httpClient:   opts.HTTPClient,
		logger:       slog.Default(),
	}
	if c.authorityURL == "" {
		c.authorityURL = DefaultAuthorityURL
	}
	if c.apiURL == "" {
		c.apiURL = DefaultAPIURL
	}
	if c.scope == "" {
		c.scope = DefaultScope
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// Result holds normalized tabular rows. Columns preserves the order in which
// the engine returned them.
type Result struct {
	Columns []string
	Rows    []map[string]any
}

// FirstNumber returns the first numeric value of the first row, scanning
// columns in order.
func (r *Result) FirstNumber() (float64, bool) {
	if r == nil || len(r.Rows) == 0 {
		return 0, false
	}
	for _, col := range r.Columns {
		if f, ok := r.Rows[0][col].(float64); ok {
			return f, true
		}
	}
	return 0, false
}

// Execute runs query against datasetID using connectionID's credentials.
// Failures are classified as fault.Transport, fault.Auth or fault.Query.
func (c *Client) Execute(ctx context.Context, connectionID, datasetID, query string) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fault.Newf(fault.Validation, "execute", "empty query")
	}
	if datasetID == "" {
		return nil, fault.Newf(fault.Validation, "execute", "missing dataset id")
	}

	conn, err := c.conns.GetConnection(ctx, connectionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fault.Newf(fault.Validation, "execute", "unknown connection %q", connectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection %s: %w", connectionID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.token(ctx, conn)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := c.executeQueries(ctx, token, conn.WorkspaceID, datasetID, query)
	if err != nil {
		c.logger.Warn("query execution failed",
			"connection_id", connectionID,
			"dataset_id", datasetID,
			"kind", fault.KindOf(err).String(),
			"error", fault.Reason(err))
		return nil, err
	}
	c.logger.Debug("query executed",
		"connection_id", connectionID,
		"dataset_id", datasetID,
		"rows", len(res.Rows),
		"duration_ms", time.Since(started).Milliseconds())
	return res, nil
}

func (c *Client) token(ctx context.Context, conn storage.Connection) (string, error) {
	cfg := clientcredentials.Config{
		ClientID:     conn.ClientID,
		ClientSecret: conn.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.authorityURL, url.PathEscape(conn.DirectoryID)),
		Scopes:       []string{c.scope},
	}
	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))
	if err != nil {
		if ctx.Err() != nil {
			return "", fault.New(fault.Transport, "token exchange", ctx.Err())
		}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 500 {
			return "", fault.New(fault.Transport, "token exchange", fmt.Errorf("identity provider status %d", re.Response.StatusCode))
		}
		return "", fault.New(fault.Auth, "token exchange", summarizeTokenError(err))
	}
	return tok.AccessToken, nil
}

func summarizeTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			return fmt.Errorf("%s", re.ErrorCode)
		}
		if re.Response != nil {
			return fmt.Errorf("identity provider status %d", re.Response.StatusCode)
		}
	}
	return err
}

type executeRequest struct {
	Queries            []queryEntry       `json:"queries"`
	SerializerSettings serializerSettings `json:"serializerSettings"`
}

type queryEntry struct {
	Query string `json:"query"`
}

type serializerSettings struct {
	IncludeNulls bool `json:"includeNulls"`
}

type executeResponse struct {
	Results []struct {
		Tables []struct {
			Rows []json.RawMessage `json:"rows"`
		} `json:"tables"`
		Error *engineError `json:"error"`
	} `json:"results"`
}

func (c *Client) executeQueries(ctx context.Context, token, workspaceID, datasetID, query string) (*Result, error) {
	body, err := json.Marshal(executeRequest{
		Queries:            []queryEntry{{Query: query}},
		SerializerSettings: serializerSettings{IncludeNulls: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/datasets/%s/executeQueries", c.apiURL, url.PathEscape(workspaceID), url.PathEscape(datasetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.New(fault.Transport, "execute", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fault.New(fault.Transport, "execute", fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var parsed executeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fault.New(fault.Transport, "execute", fmt.Errorf("decoding response: %w", err))
	}
	if len(parsed.Results) == 0 {
		return &Result{}, nil
	}
	if e := parsed.Results[0].Error; e != nil {
		return nil, fault.New(fault.Query, "execute", errors.New(e.reason()))
	}

	res := &Result{}
	if len(parsed.Results[0].Tables) == 0 {
		return res, nil
	}
	for _, raw := range parsed.Results[0].Tables[0].Rows {
		cols, row, err := decodeRow(raw)
		if err != nil {
			return nil, fault.New(fault.Transport, "execute", fmt.Errorf("decoding row: %w", err))
		}
		if res.Columns == nil {
			res.Columns = cols
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

// engineError mirrors the error body of the execution endpoint.
type engineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	PBI     *struct {
		Code    string `json:"code"`
		Details []struct {
			Detail struct {
				Value string `json:"value"`
			} `json:"detail"`
		} `json:"details"`
	} `json:"pbi.error"`
}

func (e *engineError) reason() string {
	if e.PBI != nil {
		for _, d := range e.PBI.Details {
			if d.Detail.Value != "" {
				return d.Detail.Value
			}
		}
		if e.PBI.Code != "" {
			return e.PBI.Code
		}
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "query rejected"
}

func classifyStatus(status int, body []byte) error {
	reason := fmt.Sprintf("status %d", status)
	var wrapper struct {
		Error *engineError `json:"error"`
	}
	if json.Unmarshal(body, &wrapper) == nil && wrapper.Error != nil {
		reason = wrapper.Error.reason()
	} else if s := strings.TrimSpace(string(body)); s != "" {
		reason = fmt.Sprintf("status %d: %s", status, fault.Truncate(s, 200))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.Auth, "execute", errors.New(reason))
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.New(fault.Transport, "execute", errors.New(reason))
	default:
		return fault.New(fault.Query, "execute", errors.New(reason))
	}
}

// decodeRow decodes a JSON object keeping its key order.
func decodeRow(raw json.RawMessage) ([]string, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("row is not an object")
	}

	var cols []string
	row := make(map[string]any)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected key token %v", keyTok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, seen := row[key]; !seen {
			cols = append(cols, key)
		}
		row[key] = v
	}
	return cols, row, nil
}

// ColumnName strips the table qualifier and brackets from an engine column
// key: "Sales[Total]" and "[Total]" both become "Total".
func ColumnName(key string) string {
	if i := strings.LastIndex(key, "["); i >= 0 && strings.HasSuffix(key, "]") {
		return key[i+1 : len(key)-1]
	}
	return key
}
