package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/insightline/internal/fault"
	"github.com/kalambet/insightline/internal/learning"
	"github.com/kalambet/insightline/internal/llm"
	"github.com/kalambet/insightline/internal/powerbi"
	"github.com/kalambet/insightline/internal/storage"
)

// scriptedModel returns its responses in order and records every request.
type scriptedModel struct {
	responses []*llm.Response
	errs      []error
	requests  []llm.Request
}

func (m *scriptedModel) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	i := len(m.requests)
	m.requests = append(m.requests, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return &llm.Response{}, nil
	}
	return m.responses[i], nil
}

type mockExecutor struct {
	result  *powerbi.Result
	err     error
	queries []string
}

func (e *mockExecutor) Execute(_ context.Context, _, _, query string) (*powerbi.Result, error) {
	e.queries = append(e.queries, query)
	return e.result, e.err
}

type mockLearner struct {
	outcomes []learning.Outcome
}

func (l *mockLearner) RecordOutcome(_ context.Context, o learning.Outcome) error {
	l.outcomes = append(l.outcomes, o)
	return nil
}

func (l *mockLearner) Classify(q string) string {
	return learning.NewClassifier(nil).Classify(q)
}

func toolCall(id, query string) llm.ToolCall {
	args, _ := json.Marshal(map[string]string{"query": query})
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: "execute_dax", Arguments: string(args)}}
}

func salesInput() Input {
	return Input{
		TenantID:     "t1",
		ConnectionID: "c1",
		DatasetID:    "ds1",
		SystemPrompt: "persona",
		Turns: []storage.Turn{
			{Role: "user", Content: "oi"},
			{Role: "assistant", Content: "Olá! Em que posso ajudar?"},
			{Role: "user", Content: "Quanto vendemos hoje?"},
		},
	}
}

func salesResult() *powerbi.Result {
	return &powerbi.Result{
		Columns: []string{"[Total Vendas]"},
		Rows:    []map[string]any{{"[Total Vendas]": 1500.0}},
	}
}

func TestAnswer_PlainText(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{{Content: "Bom dia!"}}}
	exec := &mockExecutor{}
	loop := NewLoop(model, exec, &mockLearner{}, Options{})

	ans, err := loop.Answer(context.Background(), salesInput())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "Bom dia!" || ans.ToolRounds != 0 {
		t.Errorf("answer = %+v", ans)
	}
	req := model.requests[0]
	if len(req.Messages) != 4 || req.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "execute_dax" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if len(exec.queries) != 0 {
		t.Error("executor should not be called")
	}
}

func TestAnswer_ToolUseThenOneFollowUp(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("call_1", "EVALUATE ROW(\"Total Vendas\", [Vendas])")}},
		{Content: "Hoje vendemos R$ 1.500,00."},
	}}
	exec := &mockExecutor{result: salesResult()}
	learner := &mockLearner{}
	loop := NewLoop(model, exec, learner, Options{})

	ans, err := loop.Answer(context.Background(), salesInput())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "Hoje vendemos R$ 1.500,00." || ans.ToolRounds != 1 || ans.Queries != 1 {
		t.Errorf("answer = %+v", ans)
	}
	if len(model.requests) != 2 {
		t.Fatalf("model calls = %d, want 2", len(model.requests))
	}

	follow := model.requests[1].Messages
	toolMsg := follow[len(follow)-1]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, `"columns":["Total Vendas"]`) || !strings.Contains(toolMsg.Content, "1500") {
		t.Errorf("tool content = %s", toolMsg.Content)
	}
	if prev := follow[len(follow)-2]; prev.Role != "assistant" || len(prev.ToolCalls) != 1 {
		t.Errorf("assistant tool-call message = %+v", prev)
	}

	if len(learner.outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(learner.outcomes))
	}
	o := learner.outcomes[0]
	if !o.Success || o.Intent != "sales" || o.DatasetID != "ds1" || o.Question != "Quanto vendemos hoje?" {
		t.Errorf("outcome = %+v", o)
	}
}

func TestAnswer_SecondToolRequestIgnored(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("call_1", "EVALUATE A")}},
		{ToolCalls: []llm.ToolCall{toolCall("call_2", "EVALUATE B")}},
		{Content: "never reached"},
	}}
	exec := &mockExecutor{result: salesResult()}
	loop := NewLoop(model, exec, &mockLearner{}, Options{})

	ans, err := loop.Answer(context.Background(), salesInput())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(model.requests) != 2 {
		t.Errorf("model calls = %d, want 2", len(model.requests))
	}
	if len(exec.queries) != 1 || exec.queries[0] != "EVALUATE A" {
		t.Errorf("queries = %v, want only the first", exec.queries)
	}
	if ans.Text == "" || !ans.Apology {
		t.Errorf("answer = %+v, want apology text", ans)
	}
}

func TestAnswer_ConfiguredRoundsAreClamped(t *testing.T) {
	if l := NewLoop(nil, nil, nil, Options{MaxToolRounds: 99}); l.maxRounds != MaxToolRoundsCeiling {
		t.Errorf("maxRounds = %d, want %d", l.maxRounds, MaxToolRoundsCeiling)
	}

	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("1", "EVALUATE A")}},
		{ToolCalls: []llm.ToolCall{toolCall("2", "EVALUATE B")}},
		{Content: "pronto"},
	}}
	exec := &mockExecutor{result: salesResult()}
	ans, err := NewLoop(model, exec, &mockLearner{}, Options{MaxToolRounds: 2}).Answer(context.Background(), salesInput())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "pronto" || ans.ToolRounds != 2 || len(exec.queries) != 2 {
		t.Errorf("answer = %+v, queries = %v", ans, exec.queries)
	}
}

func TestAnswer_QueryErrorGoesBackToModel(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("call_1", "EVALUATE Vendass")}},
		{Content: "Não encontrei essa tabela."},
	}}
	exec := &mockExecutor{err: fault.Newf(fault.Query, "execute", "Cannot find table 'Vendass'")}
	learner := &mockLearner{}

	ans, err := NewLoop(model, exec, learner, Options{}).Answer(context.Background(), salesInput())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "Não encontrei essa tabela." {
		t.Errorf("Text = %q", ans.Text)
	}
	follow := model.requests[1].Messages
	if got := follow[len(follow)-1].Content; !strings.HasPrefix(got, "ERROR: ") || !strings.Contains(got, "Cannot find table") {
		t.Errorf("tool content = %q", got)
	}
	if len(learner.outcomes) != 1 || learner.outcomes[0].Success || learner.outcomes[0].Err == "" {
		t.Errorf("outcomes = %+v", learner.outcomes)
	}
}

func TestAnswer_EmptyReplyBecomesApology(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{{Content: "   "}}}
	ans, err := NewLoop(model, &mockExecutor{}, &mockLearner{}, Options{}).Answer(context.Background(), salesInput())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text == "" || !ans.Apology {
		t.Errorf("answer = %+v", ans)
	}
}

func TestAnswer_ModelErrorPropagates(t *testing.T) {
	want := fault.Newf(fault.Exhausted, "chat", "after 3 attempts")
	model := &scriptedModel{errs: []error{want}}
	_, err := NewLoop(model, &mockExecutor{}, &mockLearner{}, Options{}).Answer(context.Background(), salesInput())
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestAnswer_NoDatasetNoTools(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{{Content: "ok"}}}
	in := salesInput()
	in.DatasetID = ""
	if _, err := NewLoop(model, &mockExecutor{}, &mockLearner{}, Options{}).Answer(context.Background(), in); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if model.requests[0].Tools != nil {
		t.Errorf("tools = %+v, want none", model.requests[0].Tools)
	}
}

func TestAnswer_NoUserTurn(t *testing.T) {
	_, err := NewLoop(&scriptedModel{}, &mockExecutor{}, &mockLearner{}, Options{}).Answer(context.Background(), Input{})
	if !fault.Is(err, fault.Validation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestFormatRows_Truncates(t *testing.T) {
	res := &powerbi.Result{Columns: []string{"T[a]", "[b]"}}
	for i := 0; i < 5; i++ {
		res.Rows = append(res.Rows, map[string]any{"T[a]": float64(i), "[b]": "x"})
	}
	got := FormatRows(res, 2)
	want := `{"columns":["a","b"],"rows":[[0,"x"],[1,"x"]],"row_count":5,"truncated":true}`
	if got != want {
		t.Errorf("FormatRows = %s, want %s", got, want)
	}
	if got := FormatRows(nil, 2); got != `{"columns":[],"rows":[],"row_count":0}` {
		t.Errorf("FormatRows(nil) = %s", got)
	}
}

type mockSender struct {
	texts    []string
	audios   []string
	audioErr error
}

func (s *mockSender) SendText(_ context.Context, _, _, text string) error {
	s.texts = append(s.texts, text)
	return nil
}

func (s *mockSender) SendAudio(_ context.Context, _, _, audio string) error {
	if s.audioErr != nil {
		return s.audioErr
	}
	s.audios = append(s.audios, audio)
	return nil
}

type mockSynth struct {
	ok   bool
	last string
}

func (m *mockSynth) Synthesize(_ context.Context, text string) (string, bool) {
	m.last = text
	if !m.ok {
		return "", false
	}
	return "QUFB", true
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("text by default", func(t *testing.T) {
		s := &mockSender{}
		audio, err := NewDeliverer(s, &mockSynth{ok: true}, 0).Deliver(ctx, "t1", "55", "Olá", false)
		if err != nil || audio || len(s.texts) != 1 {
			t.Errorf("audio=%v err=%v texts=%v", audio, err, s.texts)
		}
	})

	t.Run("audio when preferred", func(t *testing.T) {
		s := &mockSender{}
		synth := &mockSynth{ok: true}
		audio, err := NewDeliverer(s, synth, 0).Deliver(ctx, "t1", "55", "*Total*: R$ 2 mi 🚀", true)
		if err != nil || !audio || len(s.audios) != 1 || len(s.texts) != 0 {
			t.Errorf("audio=%v err=%v audios=%v texts=%v", audio, err, s.audios, s.texts)
		}
		if synth.last != "Total: 2 milhões de reais" {
			t.Errorf("speech text = %q", synth.last)
		}
	})

	t.Run("falls back when synthesis fails", func(t *testing.T) {
		s := &mockSender{}
		audio, err := NewDeliverer(s, &mockSynth{ok: false}, 0).Deliver(ctx, "t1", "55", "Olá", true)
		if err != nil || audio || len(s.texts) != 1 {
			t.Errorf("audio=%v err=%v texts=%v", audio, err, s.texts)
		}
	})

	t.Run("falls back when audio send fails", func(t *testing.T) {
		s := &mockSender{audioErr: errors.New("boom")}
		audio, err := NewDeliverer(s, &mockSynth{ok: true}, 0).Deliver(ctx, "t1", "55", "Olá", true)
		if err != nil || audio || len(s.texts) != 1 {
			t.Errorf("audio=%v err=%v texts=%v", audio, err, s.texts)
		}
	})
}
