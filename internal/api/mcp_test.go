package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/insightline/internal/learning"
	"github.com/kalambet/insightline/internal/powerbi"
	"github.com/kalambet/insightline/internal/storage"
)

// --- mocks ---

type mockExecutor struct {
	mu      sync.Mutex
	res     *powerbi.Result
	err     error
	queries []string
}

func (m *mockExecutor) Execute(_ context.Context, _, _, query string) (*powerbi.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	return m.res, m.err
}

type mockQueueStats struct {
	counts map[string]int
}

func (m *mockQueueStats) CountQueueItems(context.Context) (map[string]int, error) {
	return m.counts, nil
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *learning.Store, *mockExecutor) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	classifier := learning.NewClassifier(nil)
	ls := learning.NewStore(store, classifier)
	exec := &mockExecutor{}

	return MCPDeps{
		Executor: exec,
		Learning: ls,
		Buckets:  classifier.Buckets(),
		MaxRows:  2,
	}, ls, exec
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_ExecuteQuery(t *testing.T) {
	deps, _, exec := newTestMCPDeps(t)
	exec.res = &powerbi.Result{
		Columns: []string{"Loja[Nome]", "[Total]"},
		Rows: []map[string]any{
			{"Loja[Nome]": "Centro", "[Total]": 10.5},
			{"Loja[Nome]": "Norte", "[Total]": 7.0},
			{"Loja[Nome]": "Sul", "[Total]": 3.0},
		},
	}

	req := makeCallToolRequest("execute_query", map[string]interface{}{
		"connection_id": "conn-1",
		"dataset_id":    "ds-1",
		"query":         "EVALUATE Loja",
	})
	result, err := mcpExecuteQuery(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var got struct {
		Columns   []string `json:"columns"`
		Rows      [][]any  `json:"rows"`
		RowCount  int      `json:"row_count"`
		Truncated bool     `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if got.Columns[0] != "Nome" || got.Columns[1] != "Total" {
		t.Errorf("columns = %v, want bare names", got.Columns)
	}
	if len(got.Rows) != 2 || !got.Truncated || got.RowCount != 3 {
		t.Errorf("rows = %d truncated = %v count = %d, want 2/true/3", len(got.Rows), got.Truncated, got.RowCount)
	}
	if len(exec.queries) != 1 || exec.queries[0] != "EVALUATE Loja" {
		t.Errorf("executed = %v", exec.queries)
	}
}

func TestMCPTool_ExecuteQuery_Error(t *testing.T) {
	deps, _, exec := newTestMCPDeps(t)
	exec.err = errors.New("engine rejected query")

	req := makeCallToolRequest("execute_query", map[string]interface{}{
		"connection_id": "conn-1",
		"dataset_id":    "ds-1",
		"query":         "EVALUATE Nope",
	})
	result, err := mcpExecuteQuery(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(toolText(t, result), "engine rejected query") {
		t.Errorf("error text = %q", toolText(t, result))
	}
}

func TestMCPTool_ExecuteQuery_MissingArgs(t *testing.T) {
	deps, _, exec := newTestMCPDeps(t)

	req := makeCallToolRequest("execute_query", map[string]interface{}{
		"connection_id": "conn-1",
	})
	result, err := mcpExecuteQuery(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing dataset_id")
	}
	if len(exec.queries) != 0 {
		t.Error("executor should not be called")
	}
}

func TestMCPTool_WorkingQueries_ClassifiesQuestion(t *testing.T) {
	deps, ls, _ := newTestMCPDeps(t)
	ctx := context.Background()

	for _, o := range []learning.Outcome{
		{DatasetID: "ds-1", TenantID: "t1", Question: "quanto vendemos ontem?", Query: "EVALUATE ROW(\"v\", [Vendas])", Success: true},
		{DatasetID: "ds-1", TenantID: "t1", Question: "faturamento do mes", Query: "EVALUATE broken", Success: false, Err: "syntax"},
		{DatasetID: "ds-1", TenantID: "t1", Question: "estoque atual", Query: "EVALUATE Estoque", Success: true},
		{DatasetID: "ds-1", TenantID: "t2", Question: "vendas de hoje", Query: "EVALUATE Outro", Success: true},
	} {
		if err := ls.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	req := makeCallToolRequest("working_queries", map[string]interface{}{
		"tenant_id":  "t1",
		"dataset_id": "ds-1",
		"question":   "Quais foram as vendas da semana?",
	})
	result, err := mcpWorkingQueries(deps)(ctx, req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var got struct {
		Intent  string   `json:"intent"`
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if got.Intent != "sales" {
		t.Errorf("intent = %q, want sales", got.Intent)
	}
	if len(got.Queries) != 1 || got.Queries[0] != "EVALUATE ROW(\"v\", [Vendas])" {
		t.Errorf("queries = %v, want only the successful sales query", got.Queries)
	}
}

func TestMCPTool_WorkingQueries_EmptyResult(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	req := makeCallToolRequest("working_queries", map[string]interface{}{
		"tenant_id":  "t1",
		"dataset_id": "ds-1",
		"intent":     "inventory",
	})
	result, err := mcpWorkingQueries(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got := toolText(t, result); got != `{"intent":"inventory","queries":[]}` {
		t.Errorf("result = %s", got)
	}
}

func TestMCPTool_WorkingQueries_NeedsIntentOrQuestion(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	req := makeCallToolRequest("working_queries", map[string]interface{}{
		"tenant_id":  "t1",
		"dataset_id": "ds-1",
	})
	result, err := mcpWorkingQueries(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
}

func TestMCPTool_ClassifyIntent(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	tests := map[string]string{
		"Quanto temos a receber vencido?": "receivables",
		"qual o estoque do SKU 10?":       "inventory",
		"bom dia":                         learning.DefaultIntent,
	}
	for question, want := range tests {
		req := makeCallToolRequest("classify_intent", map[string]interface{}{"question": question})
		result, err := mcpClassifyIntent(deps)(context.Background(), req)
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if got := toolText(t, result); got != want {
			t.Errorf("classify(%q) = %q, want %q", question, got, want)
		}
	}
}

func TestMCPResource_Intents(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	contents, err := mcpResourceIntents(deps)(context.Background(), makeReadResourceRequest("insightline://intents"))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var buckets []struct {
		Name     string   `json:"name"`
		Keywords []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &buckets); err != nil {
		t.Fatalf("decoding resource: %v", err)
	}
	if len(buckets) != len(learning.DefaultBuckets) {
		t.Errorf("got %d buckets, want %d", len(buckets), len(learning.DefaultBuckets))
	}
}

func TestMCPResource_Queue(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	deps.Queue = &mockQueueStats{counts: map[string]int{"pending": 2, "failed": 1}}

	contents, err := mcpResourceQueue(deps)(context.Background(), makeReadResourceRequest("insightline://queue"))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	if tc.Text != `{"failed":1,"pending":2}` {
		t.Errorf("resource = %s", tc.Text)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _, exec := newTestMCPDeps(t)
	exec.res = &powerbi.Result{Columns: []string{"[v]"}, Rows: []map[string]any{{"[v]": 1}}}

	execHandler := mcpExecuteQuery(deps)
	classifyHandler := mcpClassifyIntent(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("execute_query", map[string]interface{}{
				"connection_id": "c", "dataset_id": "d", "query": "EVALUATE ROW(\"v\", 1)",
			})
			if _, err := execHandler(context.Background(), req); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("classify_intent", map[string]interface{}{"question": "vendas"})
			if _, err := classifyHandler(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
	if len(exec.queries) != 5 {
		t.Errorf("executed %d queries, want 5", len(exec.queries))
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
