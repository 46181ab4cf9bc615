// Package assistant turns a conversation into an answer: it asks the model,
// runs the queries the model requests against the tenant's dataset, and
// delivers the reply as text or audio.
package assistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/insightline/internal/fault"
	"github.com/kalambet/insightline/internal/learning"
	"github.com/kalambet/insightline/internal/llm"
	"github.com/kalambet/insightline/internal/metrics"
	"github.com/kalambet/insightline/internal/powerbi"
	"github.com/kalambet/insightline/internal/prompts"
	"github.com/kalambet/insightline/internal/storage"
)

const (
	// DefaultMaxToolRounds keeps the loop at one follow-up call.
	DefaultMaxToolRounds = 1
	// MaxToolRoundsCeiling is the hard upper bound for configured rounds.
	MaxToolRoundsCeiling = 5
	// DefaultMaxRows bounds the rows handed back to the model.
	DefaultMaxRows = 50
)

// Model completes chat conversations.
type Model interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Executor runs analytical queries.
type Executor interface {
	Execute(ctx context.Context, connectionID, datasetID, query string) (*powerbi.Result, error)
}

// Learner records query outcomes and classifies questions.
type Learner interface {
	RecordOutcome(ctx context.Context, o learning.Outcome) error
	Classify(question string) string
}

// Options configures a Loop.
type Options struct {
	MaxToolRounds int
	MaxRows       int
	Catalog       *prompts.Catalog
	Metrics       *metrics.Metrics
}

// Loop is the bounded model/tool exchange.
type Loop struct {
	model     Model
	exec      Executor
	learner   Learner
	catalog   *prompts.Catalog
	maxRounds int
	maxRows   int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewLoop creates a Loop. Rounds are clamped to 1..MaxToolRoundsCeiling.
func NewLoop(model Model, exec Executor, learner Learner, opts Options) *Loop {
	l := &Loop{
		model:     model,
		exec:      exec,
		learner:   learner,
		catalog:   opts.Catalog,
		maxRounds: opts.MaxToolRounds,
		maxRows:   opts.MaxRows,
		metrics:   opts.Metrics,
		logger:    slog.Default(),
	}
	if l.catalog == nil {
		l.catalog = prompts.Default()
	}
	if l.maxRounds <= 0 {
		l.maxRounds = DefaultMaxToolRounds
	}
	if l.maxRounds > MaxToolRoundsCeiling {
		l.maxRounds = MaxToolRoundsCeiling
	}
	if l.maxRows <= 0 {
		l.maxRows = DefaultMaxRows
	}
	return l
}

// Input is one question in its conversational context.
type Input struct {
	TenantID     string
	ConnectionID string
	DatasetID    string
	SystemPrompt string
	Turns        []storage.Turn
}

// Answer is the loop's result. Text is never empty.
type Answer struct {
	Text       string
	ToolRounds int
	Queries    int
	Apology    bool
}

// Answer runs the exchange. Model errors are returned as is so the caller's
// retry policy applies; query errors are handed back to the model instead.
func (l *Loop) Answer(ctx context.Context, in Input) (Answer, error) {
	question := lastUserContent(in.Turns)
	if question == "" {
		return Answer{}, fault.Newf(fault.Validation, "answer", "no user message")
	}
	intent := l.learner.Classify(question)

	msgs := make([]llm.Message, 0, len(in.Turns)+1)
	if sp := strings.TrimSpace(in.SystemPrompt); sp != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: sp})
	}
	for _, t := range in.Turns {
		if t.Content == "" || (t.Role != "user" && t.Role != "assistant") {
			continue
		}
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}

	var tools []llm.Tool
	if in.ConnectionID != "" && in.DatasetID != "" {
		tools = []llm.Tool{llm.NewFunctionTool(l.catalog.Tool.Name, l.catalog.Tool.Description, l.catalog.ToolSchema())}
	}

	resp, err := l.model.Complete(ctx, llm.Request{Messages: msgs, Tools: tools})
	if err != nil {
		return Answer{}, err
	}

	var ans Answer
	for resp.WantsTool() && tools != nil && ans.ToolRounds < l.maxRounds {
		ans.ToolRounds++
		msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			ans.Queries++
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    l.runTool(ctx, in, question, intent, call),
			})
		}

		resp, err = l.model.Complete(ctx, llm.Request{Messages: msgs, Tools: tools})
		if err != nil {
			return Answer{}, err
		}
	}
	if resp.WantsTool() {
		l.logger.Info("ignoring tool request past round limit", "rounds", ans.ToolRounds, "dataset_id", in.DatasetID)
	}

	ans.Text = strings.TrimSpace(resp.Content)
	if ans.Text == "" {
		ans.Text = l.catalog.Apology
		ans.Apology = true
	}
	return ans, nil
}

// runTool executes one tool call and returns the text handed back to the
// model: compact JSON rows or "ERROR: <reason>".
func (l *Loop) runTool(ctx context.Context, in Input, question, intent string, call llm.ToolCall) string {
	if call.Function.Name != l.catalog.Tool.Name {
		return "ERROR: unknown tool " + call.Function.Name
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil || strings.TrimSpace(args.Query) == "" {
		return "ERROR: missing query argument"
	}

	started := time.Now()
	res, err := l.exec.Execute(ctx, in.ConnectionID, in.DatasetID, args.Query)
	l.metrics.ObserveQuery("assistant", time.Since(started).Seconds())

	outcome := learning.Outcome{
		DatasetID: in.DatasetID,
		TenantID:  in.TenantID,
		Question:  question,
		Intent:    intent,
		Query:     args.Query,
		Success:   err == nil,
	}
	if err != nil {
		outcome.Err = fault.Reason(err)
	}
	if rerr := l.learner.RecordOutcome(ctx, outcome); rerr != nil {
		l.logger.Warn("failed to record query outcome", "dataset_id", in.DatasetID, "error", rerr)
	}
	l.metrics.ToolCall(err == nil)

	if err != nil {
		l.logger.Info("tool query failed", "dataset_id", in.DatasetID, "kind", fault.KindOf(err).String(), "error", fault.Reason(err))
		return "ERROR: " + fault.Reason(err)
	}
	return FormatRows(res, l.maxRows)
}

// FormatRows renders a result as compact JSON with bare column names and at
// most maxRows rows.
func FormatRows(res *powerbi.Result, maxRows int) string {
	type payload struct {
		Columns   []string `json:"columns"`
		Rows      [][]any  `json:"rows"`
		RowCount  int      `json:"row_count"`
		Truncated bool     `json:"truncated,omitempty"`
	}
	p := payload{Columns: []string{}, Rows: [][]any{}}
	if res != nil {
		p.RowCount = len(res.Rows)
		for _, c := range res.Columns {
			p.Columns = append(p.Columns, powerbi.ColumnName(c))
		}
		for i, row := range res.Rows {
			if i == maxRows {
				p.Truncated = true
				break
			}
			vals := make([]any, len(res.Columns))
			for j, c := range res.Columns {
				vals[j] = row[c]
			}
			p.Rows = append(p.Rows, vals)
		}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	return string(b)
}

func lastUserContent(turns []storage.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "user" && strings.TrimSpace(turns[i].Content) != "" {
			return strings.TrimSpace(turns[i].Content)
		}
	}
	return ""
}
