package alert

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/insightline/internal/fault"
	"github.com/kalambet/insightline/internal/metrics"
	"github.com/kalambet/insightline/internal/powerbi"
	"github.com/kalambet/insightline/internal/render"
	"github.com/kalambet/insightline/internal/storage"
)

// brt is a fixed UTC-3 zone so tests do not depend on tzdata.
var brt = time.FixedZone("BRT", -3*60*60)

// nineAM is 09:00 on Monday 2026-03-02 in brt.
var nineAM = time.Date(2026, 3, 2, 9, 0, 0, 0, brt).UTC()

type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]*powerbi.Result
	errs    map[string]error
	calls   int
}

func (f *fakeExecutor) Execute(_ context.Context, _, _, query string) (*powerbi.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[query]; err != nil {
		return nil, err
	}
	if r, ok := f.results[query]; ok {
		return r, nil
	}
	return &powerbi.Result{}, nil
}

type sentMessage struct {
	tenantID, to, text string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]bool
}

func (f *fakeNotifier) SendText(_ context.Context, tenantID, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to] {
		return errors.New("gateway down")
	}
	f.sent = append(f.sent, sentMessage{tenantID, to, text})
	return nil
}

func (f *fakeNotifier) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.to)
	}
	sort.Strings(out)
	return out
}

func totalResult(v float64) *powerbi.Result {
	return &powerbi.Result{
		Columns: []string{"Vendas[Loja]", "[Total Vendas]"},
		Rows:    []map[string]any{{"Vendas[Loja]": "Centro", "[Total Vendas]": v}},
	}
}

func salesAlert(id string) storage.Alert {
	th := 1000.0
	return storage.Alert{
		ID:              id,
		TenantID:        "t1",
		Name:            "Vendas do dia",
		ConnectionID:    "c1",
		DatasetID:       "ds1",
		Query:           "EVALUATE Vendas",
		MessageTemplate: "{{alert_name}} {{date}} {{time}}: {{total_vendas}} ({{condition}} {{threshold}}) loja {{Loja}}",
		Operator:        "greater_than",
		Threshold:       &th,
		Times:           []string{"09:00"},
		Phones:          []string{"5511999990001", "5511999990002"},
		Groups:          []string{"120363000000000000@g.us"},
		Enabled:         true,
		CreatedAt:       nineAM.Add(-24 * time.Hour),
	}
}

type fixture struct {
	store    *storage.Store
	exec     *fakeExecutor
	notifier *fakeNotifier
	metrics  *metrics.Metrics
	sched    *Scheduler
}

func newFixture(t *testing.T, alerts ...storage.Alert) *fixture {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	for _, a := range alerts {
		require.NoError(t, st.SaveAlert(context.Background(), a))
	}

	f := &fixture{
		store:    st,
		exec:     &fakeExecutor{results: map[string]*powerbi.Result{"EVALUATE Vendas": totalResult(1500)}, errs: map[string]error{}},
		notifier: &fakeNotifier{fail: map[string]bool{}},
		metrics:  metrics.New(),
	}
	f.sched = NewScheduler(st, f.exec, f.notifier, Options{
		Location:  brt,
		Formatter: render.NewFormatter("en-US", "$"),
		Metrics:   f.metrics,
	})
	return f
}

func TestSchedule_Matches(t *testing.T) {
	monday0900 := time.Date(2026, 3, 2, 9, 0, 42, 0, brt)

	cases := []struct {
		name  string
		sched Schedule
		at    time.Time
		want  bool
	}{
		{"time only", Schedule{Times: []string{"09:00"}}, monday0900, true},
		{"single digit hour", Schedule{Times: []string{"9:00"}}, monday0900, true},
		{"other minute", Schedule{Times: []string{"09:01"}}, monday0900, false},
		{"no times", Schedule{}, monday0900, false},
		{"weekday match", Schedule{Times: []string{"09:00"}, Weekdays: []int{1, 3}}, monday0900, true},
		{"weekday miss", Schedule{Times: []string{"09:00"}, Weekdays: []int{0, 6}}, monday0900, false},
		{"month day match", Schedule{Times: []string{"09:00"}, MonthDays: []int{2}}, monday0900, true},
		{"month day miss", Schedule{Times: []string{"09:00"}, MonthDays: []int{1, 15}}, monday0900, false},
		{"all three", Schedule{Times: []string{"18:00", "09:00"}, Weekdays: []int{1}, MonthDays: []int{2}}, monday0900, true},
		{"garbage time ignored", Schedule{Times: []string{"nine", "09:00"}}, monday0900, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.sched.Matches(tc.at))
		})
	}
}

func TestCondition_GreaterThan(t *testing.T) {
	th := 100.0
	c, err := NewCondition("greater_than", &th)
	require.NoError(t, err)

	assert.True(t, c.Evaluate(150, true))
	assert.False(t, c.Evaluate(100, true))
	assert.False(t, c.Evaluate(50, true))
	assert.False(t, c.Evaluate(0, false))
}

func TestCondition_Operators(t *testing.T) {
	cases := []struct {
		op        string
		value     float64
		threshold float64
		want      bool
	}{
		{">", 2, 1, true},
		{"<", 1, 2, true},
		{"less_than", 2, 1, false},
		{"=", 5, 5, true},
		{"equals", 5, 5.1, false},
		{"≠", 5, 6, true},
		{"not_equals", 5, 5, false},
		{"≥", 5, 5, true},
		{"greater_or_equal", 4, 5, false},
		{"≤", 5, 5, true},
		{"LESS_OR_EQUAL", 6, 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			op, err := ParseOperator(tc.op)
			require.NoError(t, err)
			assert.Equal(t, tc.want, op.Apply(tc.value, tc.threshold))
		})
	}
}

func TestCondition_NotConfiguredAlwaysFires(t *testing.T) {
	c, err := NewCondition("", nil)
	require.NoError(t, err)
	assert.True(t, c.Evaluate(0, false))

	th := 1.0
	c, err = NewCondition("", &th)
	require.NoError(t, err)
	assert.True(t, c.Evaluate(-5, true))
}

func TestParseOperator_Unknown(t *testing.T) {
	_, err := ParseOperator("approximately")
	assert.Error(t, err)
}

func TestCheckAll_TriggersAtNineWhenAboveThreshold(t *testing.T) {
	f := newFixture(t, salesAlert("a1"))
	ctx := context.Background()

	sum, err := f.sched.CheckAll(ctx, nineAM)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Checked)
	assert.Equal(t, 1, sum.Triggered)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, OutcomeTriggered, sum.Results[0].Outcome)
	assert.Equal(t, 3, sum.Results[0].Sent)

	assert.Equal(t, []string{"120363000000000000@g.us", "5511999990001", "5511999990002"}, f.notifier.recipients())
	assert.Equal(t,
		"Vendas do dia 03/02/2026 09:00: $ 1,500.00 (maior que $ 1,000.00) loja Centro",
		f.notifier.sent[0].text)

	hist, err := f.store.ListAlertHistory(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].NotificationSent)
	assert.Equal(t, 3, hist[0].RecipientsSent)
	assert.Equal(t, storage.TriggerScheduled, hist[0].TriggerType)
	require.NotNil(t, hist[0].Value)
	assert.Equal(t, 1500.0, *hist[0].Value)

	a, err := f.store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, a.LastTriggeredAt)
	assert.True(t, a.LastTriggeredAt.Equal(nineAM))
	require.NotNil(t, a.LastCheckedAt)
}

func TestCheckAll_DedupWithinMinute(t *testing.T) {
	f := newFixture(t, salesAlert("a1"))
	ctx := context.Background()

	_, err := f.sched.CheckAll(ctx, nineAM)
	require.NoError(t, err)
	sum, err := f.sched.CheckAll(ctx, nineAM.Add(30*time.Second))
	require.NoError(t, err)

	assert.Equal(t, 0, sum.Triggered)
	assert.Equal(t, OutcomeSkippedDedup, sum.Results[0].Outcome)
	assert.Len(t, f.notifier.sent, 3)

	a, _ := f.store.GetAlert(ctx, "a1")
	assert.True(t, a.LastTriggeredAt.Equal(nineAM))

	hist, _ := f.store.ListAlertHistory(ctx, "a1", 10)
	assert.Len(t, hist, 1)
}

func TestCheckAll_ConcurrentRunsFireOnce(t *testing.T) {
	f := newFixture(t, salesAlert("a1"))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	triggered := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := f.sched.CheckAll(ctx, nineAM)
			assert.NoError(t, err)
			mu.Lock()
			triggered += sum.Triggered
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, triggered)
	assert.Len(t, f.notifier.sent, 3)
	hist, _ := f.store.ListAlertHistory(ctx, "a1", 10)
	assert.Len(t, hist, 1)
}

func TestCheckAll_OutsideScheduleDoesNothing(t *testing.T) {
	f := newFixture(t, salesAlert("a1"))

	sum, err := f.sched.CheckAll(context.Background(), nineAM.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkippedSchedule, sum.Results[0].Outcome)
	assert.Equal(t, 0, f.exec.calls)
	a, _ := f.store.GetAlert(context.Background(), "a1")
	assert.Nil(t, a.LastCheckedAt)
}

func TestCheckAll_ConditionFalseOnlyMarksChecked(t *testing.T) {
	f := newFixture(t, salesAlert("a1"))
	f.exec.results["EVALUATE Vendas"] = totalResult(800)
	ctx := context.Background()

	sum, err := f.sched.CheckAll(ctx, nineAM)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConditionFalse, sum.Results[0].Outcome)
	assert.Empty(t, f.notifier.sent)

	a, _ := f.store.GetAlert(ctx, "a1")
	assert.Nil(t, a.LastTriggeredAt)
	require.NotNil(t, a.LastCheckedAt)
	assert.True(t, a.LastCheckedAt.Equal(nineAM))

	hist, _ := f.store.ListAlertHistory(ctx, "a1", 10)
	assert.Empty(t, hist)
}

func TestCheckAll_FailureIsIsolated(t *testing.T) {
	broken := salesAlert("a0")
	broken.Query = "EVALUATE Broken"
	broken.CreatedAt = nineAM.Add(-48 * time.Hour)

	f := newFixture(t, broken, salesAlert("a1"))
	f.exec.errs["EVALUATE Broken"] = fault.Newf(fault.Query, "execute", "Cannot find table 'Broken'")

	sum, err := f.sched.CheckAll(context.Background(), nineAM)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Checked)
	assert.Equal(t, 1, sum.Triggered)
	assert.Equal(t, OutcomeError, sum.Results[0].Outcome)
	assert.Contains(t, sum.Results[0].Error, "Cannot find table")
	assert.Equal(t, OutcomeTriggered, sum.Results[1].Outcome)

	expected := `
# HELP insightline_alert_errors_total Alert evaluations that failed to execute their query.
# TYPE insightline_alert_errors_total counter
insightline_alert_errors_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "insightline_alert_errors_total"))
}

func TestCheckAll_PartialDeliveryCountsSuccesses(t *testing.T) {
	f := newFixture(t, salesAlert("a1"))
	f.notifier.fail["5511999990002"] = true
	ctx := context.Background()

	sum, err := f.sched.CheckAll(ctx, nineAM)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Results[0].Sent)

	hist, _ := f.store.ListAlertHistory(ctx, "a1", 10)
	require.Len(t, hist, 1)
	assert.Equal(t, 2, hist[0].RecipientsSent)
	assert.True(t, hist[0].NotificationSent)
}

func TestTriggerNow_BypassesGatesAndKeepsTimestamps(t *testing.T) {
	a := salesAlert("a1")
	a.Times = []string{"23:59"}
	f := newFixture(t, a)
	f.exec.results["EVALUATE Vendas"] = totalResult(10) // condition false
	f.sched.now = func() time.Time { return nineAM }
	ctx := context.Background()

	r, err := f.sched.TriggerNow(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriggered, r.Outcome)
	assert.Equal(t, 3, r.Sent)

	hist, _ := f.store.ListAlertHistory(ctx, "a1", 10)
	require.Len(t, hist, 1)
	assert.Equal(t, storage.TriggerManual, hist[0].TriggerType)

	got, _ := f.store.GetAlert(ctx, "a1")
	assert.Nil(t, got.LastTriggeredAt)
	assert.Nil(t, got.LastCheckedAt)
}

func TestTriggerNow_UnknownAlert(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.TriggerNow(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTriggerNow_DefaultTemplate(t *testing.T) {
	a := salesAlert("a1")
	a.MessageTemplate = ""
	a.Groups = nil
	a.Phones = []string{"5511999990001"}
	f := newFixture(t, a)

	_, err := f.sched.TriggerNow(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "Vendas do dia: $ 1,500.00", f.notifier.sent[0].text)
}
