package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/insightline/internal/alert"
	"github.com/kalambet/insightline/internal/config"
	"github.com/kalambet/insightline/internal/queue"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAlertTrigger_Remote(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /alerts/a-1/trigger": `{"alert_id":"a-1","name":"Vendas do dia","outcome":"triggered","value":1520.5,"sent":2}`,
	})

	res, err := triggerRemote(ctx, ts.client(), "a-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != alert.OutcomeTriggered || res.Sent != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.Value == nil || *res.Value != 1520.5 {
		t.Errorf("value = %v, want 1520.5", res.Value)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/alerts/a-1/trigger" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestAlertTrigger_RemoteNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := triggerRemote(ctx, ts.client(), "missing")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status in message", err)
	}
}

func TestAlertTrigger_RemoteEscapesID(t *testing.T) {
	ts := newTestServer(t, nil)

	triggerRemote(ctx, ts.client(), "a/b")
	if len(ts.requests) != 1 || ts.requests[0].Path != "/alerts/a%2Fb/trigger" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestAPIClient_Unreachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: http.DefaultClient}

	_, err := c.get(ctx, "/health")
	if err == nil || !strings.Contains(err.Error(), "insightline serve") {
		t.Errorf("err = %v", err)
	}
}

func TestNewAPIClient_LoopbackForWildcardBind(t *testing.T) {
	tests := []struct {
		bind string
		want string
	}{
		{"0.0.0.0", "http://127.0.0.1:8080"},
		{"", "http://127.0.0.1:8080"},
		{"10.0.0.5", "http://10.0.0.5:8080"},
	}
	for _, tt := range tests {
		var cfg config.Config
		cfg.Server.Bind = tt.bind
		cfg.Server.Port = 8080
		cfg.Server.CronSecret = "s"
		c := newAPIClient(cfg)
		if c.baseURL != tt.want {
			t.Errorf("bind %q: baseURL = %q, want %q", tt.bind, c.baseURL, tt.want)
		}
		if c.token != "s" {
			t.Errorf("token = %q, want cron secret", c.token)
		}
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client()

	resp, err := c.get(ctx, "/nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should mention 404, got: %v", err)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestStatusLinesGoToStderr(t *testing.T) {
	oldColor, oldOut := noColor, stderr
	defer func() { noColor, stderr = oldColor, oldOut }()
	noColor = true
	var buf bytes.Buffer
	stderr = &buf

	printStatus("Queue", "pending=%d", 2)
	printWarning("timezone %s unknown", "Mars/Olympus")

	want := "  Queue:      pending=2\n⚠ timezone Mars/Olympus unknown\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil || err.Error() != "server returned 404 (not_found): not found" {
		t.Errorf("err = %v", err)
	}
}

func TestPrintDrainSummary(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	printDrainSummary(&buf, queue.Summary{Processed: 4, Succeeded: 2, Retried: 1, Failed: 1, Requeued: 3})

	want := "processed 4: 2 succeeded, 1 retried, 1 failed\nrequeued 3 stale item(s)\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestPrintAlertSummary(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	v := 42.0
	var buf bytes.Buffer
	printAlertSummary(&buf, alert.Summary{
		Checked:   3,
		Triggered: 1,
		Results: []alert.Result{
			{Name: "Estoque baixo", Outcome: alert.OutcomeTriggered, Value: &v, Sent: 1},
			{Name: "Vendas", Outcome: alert.OutcomeError, Error: "query rejected"},
		},
	})

	got := buf.String()
	for _, want := range []string{
		"checked 3, triggered 1",
		"Estoque baixo triggered value=42 sent=1",
		"Vendas error error=query rejected",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
}

func TestQueueCountsLabel(t *testing.T) {
	got := queueCountsLabel(map[string]int{"failed": 2, "pending": 5, "legacy": 1})
	want := "pending=5 processing=0 completed=0 failed=2 legacy=1"
	if got != want {
		t.Errorf("queueCountsLabel = %q, want %q", got, want)
	}
}

func TestShowStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})

	var cfg config.Config
	cfg.Storage.DataDir = t.TempDir()

	if err := showStatus(ctx, cfg, ts.client()); err != nil {
		t.Fatalf("showStatus: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/health" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRootCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"}, {"drain"}, {"check-alerts"}, {"alert", "trigger"},
		{"status"}, {"config", "show"}, {"config", "set"}, {"mcp"}, {"version"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd == rootCmd {
			t.Errorf("command %v not registered", path)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)
	defer rootCmd.SetOut(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(buf.String(), "insightline version "+version) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestAlertTriggerRequiresID(t *testing.T) {
	rootCmd.SetArgs([]string{"alert", "trigger"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error when id is missing")
	}
}
