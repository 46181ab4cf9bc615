package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/insightline/internal/fault"
	"github.com/kalambet/insightline/internal/metrics"
	"github.com/kalambet/insightline/internal/powerbi"
	"github.com/kalambet/insightline/internal/render"
	"github.com/kalambet/insightline/internal/storage"
)

// DedupWindow is the minimum gap between two triggers of the same alert.
const DedupWindow = time.Minute

// defaultTemplate is used when an alert has no message template.
const defaultTemplate = "{{alert_name}}: {{value}}"

// Outcomes reported per alert by CheckAll.
const (
	OutcomeSkippedSchedule = "skipped_schedule"
	OutcomeSkippedDedup    = "skipped_dedup"
	OutcomeConditionFalse  = "condition_false"
	OutcomeTriggered       = "triggered"
	OutcomeError           = "error"
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListEnabledAlerts(ctx context.Context) ([]storage.Alert, error)
	GetAlert(ctx context.Context, id string) (storage.Alert, error)
	MarkAlertChecked(ctx context.Context, id string, now time.Time) error
	ClaimAlertTrigger(ctx context.Context, id string, now time.Time, minGap time.Duration) error
	InsertAlertHistory(ctx context.Context, h storage.AlertHistory) error
}

// Executor runs an analytical query.
type Executor interface {
	Execute(ctx context.Context, connectionID, datasetID, query string) (*powerbi.Result, error)
}

// Notifier delivers a text message to a phone number or group id.
type Notifier interface {
	SendText(ctx context.Context, tenantID, recipient, text string) error
}

// Options configures a Scheduler.
type Options struct {
	Location    *time.Location
	Formatter   *render.Formatter
	Concurrency int // parallel recipient sends per alert
	Metrics     *metrics.Metrics
}

// Scheduler evaluates alerts on each tick. It holds no state between ticks;
// all coordination goes through conditional updates in the store.
type Scheduler struct {
	store       Store
	exec        Executor
	notifier    Notifier
	loc         *time.Location
	format      *render.Formatter
	concurrency int
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(store Store, exec Executor, notifier Notifier, opts Options) *Scheduler {
	s := &Scheduler{
		store:       store,
		exec:        exec,
		notifier:    notifier,
		loc:         opts.Location,
		format:      opts.Formatter,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		now:         time.Now,
		logger:      slog.Default(),
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.format == nil {
		s.format = render.NewFormatter("pt-BR", "R$")
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	return s
}

// Result is the outcome of one alert in one run.
type Result struct {
	AlertID string   `json:"alert_id"`
	Name    string   `json:"name"`
	Outcome string   `json:"outcome"`
	Value   *float64 `json:"value,omitempty"`
	Sent    int      `json:"sent,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Summary is returned by CheckAll.
type Summary struct {
	Checked   int      `json:"checked"`
	Triggered int      `json:"triggered"`
	Results   []Result `json:"results"`
}

// CheckAll evaluates every enabled alert at now. A failure in one alert is
// recorded in its Result and never stops the others.
func (s *Scheduler) CheckAll(ctx context.Context, now time.Time) (Summary, error) {
	alerts, err := s.store.ListEnabledAlerts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing alerts: %w", err)
	}

	sum := Summary{Results: make([]Result, 0, len(alerts))}
	for _, a := range alerts {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		r := s.check(ctx, a, now)
		sum.Checked++
		if r.Outcome == OutcomeTriggered {
			sum.Triggered++
		}
		s.metrics.AlertOutcome(r.Outcome)
		sum.Results = append(sum.Results, r)
	}

	s.logger.Info("alert check complete", "checked", sum.Checked, "triggered", sum.Triggered)
	return sum, nil
}

func (s *Scheduler) check(ctx context.Context, a storage.Alert, now time.Time) Result {
	r := Result{AlertID: a.ID, Name: a.Name}
	local := now.In(s.loc)

	sched := Schedule{Times: a.Times, Weekdays: a.Weekdays, MonthDays: a.MonthDays}
	if !sched.Matches(local) {
		r.Outcome = OutcomeSkippedSchedule
		return r
	}
	if a.LastTriggeredAt != nil && now.Sub(*a.LastTriggeredAt) < DedupWindow {
		r.Outcome = OutcomeSkippedDedup
		return r
	}

	cond, err := NewCondition(a.Operator, a.Threshold)
	if err != nil {
		return s.fail(ctx, a, now, r, fault.New(fault.Validation, "alert condition", err))
	}

	res, err := s.execute(ctx, a)
	if err != nil {
		return s.fail(ctx, a, now, r, err)
	}
	value, hasValue := res.FirstNumber()
	if hasValue {
		r.Value = &value
	}

	if !cond.Evaluate(value, hasValue) {
		if err := s.store.MarkAlertChecked(ctx, a.ID, now); err != nil {
			s.logger.Warn("failed to mark alert checked", "alert_id", a.ID, "error", err)
		}
		r.Outcome = OutcomeConditionFalse
		return r
	}

	// Claim the minute before sending so an overlapping run cannot
	// dispatch the same alert twice.
	if err := s.store.ClaimAlertTrigger(ctx, a.ID, now, DedupWindow); err != nil {
		if errors.Is(err, storage.ErrNotClaimed) {
			r.Outcome = OutcomeSkippedDedup
			return r
		}
		return s.fail(ctx, a, now, r, err)
	}

	text := s.renderMessage(a, cond, res, value, hasValue, local)
	r.Sent = s.dispatch(ctx, a, text)
	s.appendHistory(ctx, a, now, storage.TriggerScheduled, r.Value, r.Sent)

	r.Outcome = OutcomeTriggered
	s.logger.Info("alert triggered", "alert_id", a.ID, "tenant_id", a.TenantID, "sent", r.Sent)
	return r
}

// fail records an evaluation error. It does not trigger the alert.
func (s *Scheduler) fail(ctx context.Context, a storage.Alert, now time.Time, r Result, err error) Result {
	s.metrics.AlertError()
	s.logger.Error("alert evaluation failed",
		"alert_id", a.ID,
		"tenant_id", a.TenantID,
		"kind", fault.KindOf(err).String(),
		"error", fault.Reason(err))
	if mErr := s.store.MarkAlertChecked(ctx, a.ID, now); mErr != nil {
		s.logger.Warn("failed to mark alert checked", "alert_id", a.ID, "error", mErr)
	}
	r.Outcome = OutcomeError
	r.Error = fault.Reason(err)
	return r
}

// TriggerNow fires an alert immediately, ignoring its schedule, the dedup
// window and its condition. The alert's last_* timestamps are left alone.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) (Result, error) {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("loading alert %s: %w", id, err)
	}
	r := Result{AlertID: a.ID, Name: a.Name}

	cond, err := NewCondition(a.Operator, a.Threshold)
	if err != nil {
		return r, fault.New(fault.Validation, "alert condition", err)
	}
	res, err := s.execute(ctx, a)
	if err != nil {
		s.metrics.AlertError()
		return r, err
	}
	value, hasValue := res.FirstNumber()
	if hasValue {
		r.Value = &value
	}

	now := s.now()
	text := s.renderMessage(a, cond, res, value, hasValue, now.In(s.loc))
	r.Sent = s.dispatch(ctx, a, text)
	s.appendHistory(ctx, a, now, storage.TriggerManual, r.Value, r.Sent)

	r.Outcome = OutcomeTriggered
	s.logger.Info("alert triggered manually", "alert_id", a.ID, "sent", r.Sent)
	return r, nil
}

func (s *Scheduler) execute(ctx context.Context, a storage.Alert) (*powerbi.Result, error) {
	started := time.Now()
	res, err := s.exec.Execute(ctx, a.ConnectionID, a.DatasetID, a.Query)
	s.metrics.ObserveQuery("alert", time.Since(started).Seconds())
	return res, err
}

// Variables builds the template variables for an alert run: the alert's own
// fields plus every column of the first result row under its raw key, its
// bare column name and the slug of that name.
func (s *Scheduler) Variables(a storage.Alert, cond Condition, res *powerbi.Result, value float64, hasValue bool, local time.Time) *render.Vars {
	vars := render.NewVars()
	vars.Set("alert_name", a.Name)
	vars.Set("name", a.Name)
	vars.Set("date", s.format.Date(local))
	vars.Set("time", local.Format("15:04"))
	vars.Set("condition", cond.Operator.Label())
	vars.Set("operator", string(cond.Operator))
	if a.Threshold != nil {
		vars.Set("threshold", s.format.Value(*a.Threshold))
	} else {
		vars.Set("threshold", "")
	}
	if hasValue {
		vars.Set("value", s.format.Value(value))
	} else {
		vars.Set("value", "")
	}

	if res != nil && len(res.Rows) > 0 {
		row := res.Rows[0]
		for _, key := range res.Columns {
			formatted := s.format.Value(row[key])
			name := powerbi.ColumnName(key)
			vars.Set(key, formatted)
			vars.Set(name, formatted)
			vars.Set(render.Slug(name), formatted)
		}
	}
	return vars
}

func (s *Scheduler) renderMessage(a storage.Alert, cond Condition, res *powerbi.Result, value float64, hasValue bool, local time.Time) string {
	src := a.MessageTemplate
	if strings.TrimSpace(src) == "" {
		src = defaultTemplate
	}
	text, missing := render.Parse(src).Render(s.Variables(a, cond, res, value, hasValue, local))
	if len(missing) > 0 {
		s.logger.Warn("alert template has unresolved placeholders", "alert_id", a.ID, "missing", missing)
	}
	return text
}

// dispatch sends text to every recipient and returns how many succeeded.
func (s *Scheduler) dispatch(ctx context.Context, a storage.Alert, text string) int {
	var sent atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, to := range recipients(a) {
		g.Go(func() error {
			if err := s.notifier.SendText(ctx, a.TenantID, to, text); err != nil {
				s.metrics.AlertSend(false)
				s.logger.Warn("alert notification failed", "alert_id", a.ID, "recipient", to, "error", err)
				return nil
			}
			s.metrics.AlertSend(true)
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load())
}

func (s *Scheduler) appendHistory(ctx context.Context, a storage.Alert, now time.Time, triggerType string, value *float64, sent int) {
	h := storage.AlertHistory{
		ID:               uuid.New().String(),
		AlertID:          a.ID,
		TenantID:         a.TenantID,
		TriggeredAt:      now,
		TriggerType:      triggerType,
		Value:            value,
		NotificationSent: sent > 0,
		RecipientsSent:   sent,
	}
	if err := s.store.InsertAlertHistory(ctx, h); err != nil {
		s.logger.Error("failed to append alert history", "alert_id", a.ID, "error", err)
	}
}

func recipients(a storage.Alert) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{a.Phones, a.Groups} {
		for _, r := range list {
			r = strings.TrimSpace(r)
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
