// Package queue drains durable conversational work items: each item is
// claimed atomically, answered, delivered, and on failure retried with
// capped exponential backoff until its attempts run out.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/insightline/internal/assistant"
	"github.com/kalambet/insightline/internal/fault"
	"github.com/kalambet/insightline/internal/metrics"
	"github.com/kalambet/insightline/internal/storage"
)

const (
	DefaultBatchSize   = 10
	DefaultBackoffBase = time.Minute
	DefaultBackoffCap  = 30 * time.Minute
	DefaultStaleAfter  = 10 * time.Minute
	maxErrorLen        = 500
	bookkeepingTimeout = 15 * time.Second
)

// Store abstracts the queue persistence.
type Store interface {
	EnqueueQueueItem(ctx context.Context, item storage.QueueItem, now time.Time) error
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]storage.QueueItem, error)
	ClaimQueueItem(ctx context.Context, id string, now time.Time) error
	CompleteQueueItem(ctx context.Context, id string, now time.Time) error
	RetryQueueItem(ctx context.Context, id string, attempts int, errMsg string, nextRetryAt, now time.Time) error
	FailQueueItem(ctx context.Context, id string, attempts int, errMsg string, now time.Time) error
	RequeueStaleQueueItems(ctx context.Context, staleBefore, now time.Time) (int, error)
	SaveMessage(ctx context.Context, m storage.ConversationMessage) error
}

// Answerer produces an answer for a conversation.
type Answerer interface {
	Answer(ctx context.Context, in assistant.Input) (assistant.Answer, error)
}

// Deliverer sends an answer as audio or text.
type Deliverer interface {
	Deliver(ctx context.Context, tenantID, to, text string, preferAudio bool) (bool, error)
}

// Notifier sends plain texts and the typing indicator.
type Notifier interface {
	SendText(ctx context.Context, tenantID, to, text string) error
	SendTyping(ctx context.Context, tenantID, to string) error
}

// Options configures a Worker.
type Options struct {
	BatchSize       int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	StaleAfter      time.Duration
	TerminalApology string
	Metrics         *metrics.Metrics
}

// Worker drains the queue. It keeps no state between drains, so any number
// of drains may run concurrently; the conditional claim keeps each item with
// a single worker.
type Worker struct {
	store       Store
	answerer    Answerer
	deliverer   Deliverer
	notifier    Notifier
	batchSize   int
	maxAttempts int
	base        time.Duration
	cap         time.Duration
	staleAfter  time.Duration
	apology     string
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(store Store, answerer Answerer, deliverer Deliverer, notifier Notifier, opts Options) *Worker {
	w := &Worker{
		store:       store,
		answerer:    answerer,
		deliverer:   deliverer,
		notifier:    notifier,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		base:        opts.BackoffBase,
		cap:         opts.BackoffCap,
		staleAfter:  opts.StaleAfter,
		apology:     opts.TerminalApology,
		metrics:     opts.Metrics,
		now:         time.Now,
		logger:      slog.Default(),
	}
	if w.batchSize <= 0 {
		w.batchSize = DefaultBatchSize
	}
	if w.base <= 0 {
		w.base = DefaultBackoffBase
	}
	if w.cap <= 0 {
		w.cap = DefaultBackoffCap
	}
	if w.staleAfter <= 0 {
		w.staleAfter = DefaultStaleAfter
	}
	return w
}

// Backoff returns the delay after failed attempt n (1-based):
// min(base * 2^(n-1), cap). It is monotonic in n.
func Backoff(n int, base, cap time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		if d >= cap {
			return cap
		}
		d *= 2
	}
	if d > cap {
		return cap
	}
	return d
}

// Enqueue stores item as pending and due now. An empty ID is generated.
func (w *Worker) Enqueue(ctx context.Context, item storage.QueueItem) (storage.QueueItem, error) {
	if item.Recipient == "" || item.TenantID == "" {
		return item, fault.Newf(fault.Validation, "enqueue", "recipient and tenant are required")
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = w.maxAttempts
	}
	if err := w.store.EnqueueQueueItem(ctx, item, w.now()); err != nil {
		return item, fmt.Errorf("enqueueing item: %w", err)
	}
	w.logger.Debug("queue item enqueued", "item_id", item.ID, "tenant_id", item.TenantID)
	return item, nil
}

// Summary reports one drain.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Requeued  int `json:"requeued,omitempty"`
}

// Drain processes up to batchSize due items in creation order. A failure in
// one item never stops the batch. batchSize <= 0 uses the configured size.
func (w *Worker) Drain(ctx context.Context, batchSize int) (Summary, error) {
	if batchSize <= 0 {
		batchSize = w.batchSize
	}
	var sum Summary

	now := w.now()
	n, err := w.store.RequeueStaleQueueItems(ctx, now.Add(-w.staleAfter), now)
	if err != nil {
		w.logger.Warn("requeueing stale items failed", "error", err)
	} else if n > 0 {
		sum.Requeued = n
		w.logger.Warn("requeued stale queue items", "count", n)
	}

	items, err := w.store.DueQueueItems(ctx, now, batchSize)
	if err != nil {
		return sum, fmt.Errorf("selecting due items: %w", err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if err := w.store.ClaimQueueItem(ctx, item.ID, w.now()); err != nil {
			if !errors.Is(err, storage.ErrNotClaimed) {
				w.logger.Error("claiming queue item failed", "item_id", item.ID, "error", err)
			}
			continue
		}
		sum.Processed++

		if err := w.process(ctx, item); err != nil {
			if w.handleFailure(ctx, item, err) {
				sum.Failed++
			} else {
				sum.Retried++
			}
			continue
		}
		sum.Succeeded++
	}

	if sum.Processed > 0 {
		w.logger.Info("queue drained",
			"processed", sum.Processed,
			"succeeded", sum.Succeeded,
			"retried", sum.Retried,
			"failed", sum.Failed)
	}
	return sum, nil
}

func (w *Worker) process(ctx context.Context, item storage.QueueItem) error {
	if err := w.notifier.SendTyping(ctx, item.TenantID, item.Recipient); err != nil {
		w.logger.Debug("typing indicator failed", "item_id", item.ID, "error", err)
	}

	ans, err := w.answerer.Answer(ctx, assistant.Input{
		TenantID:     item.TenantID,
		ConnectionID: item.ConnectionID,
		DatasetID:    item.DatasetID,
		SystemPrompt: item.SystemPrompt,
		Turns:        turnsOf(item),
	})
	if err != nil {
		return fmt.Errorf("answering: %w", err)
	}

	audio, err := w.deliverer.Deliver(ctx, item.TenantID, item.Recipient, ans.Text, item.PreferAudio())
	if err != nil {
		return fmt.Errorf("delivering answer: %w", err)
	}

	// The answer is out: record it even if the drain was cancelled meanwhile.
	bctx, cancel := detached(ctx)
	defer cancel()

	now := w.now()
	if err := w.store.CompleteQueueItem(bctx, item.ID, now); err != nil {
		// The answer is out; do not let a retry send it twice.
		w.logger.Error("completing queue item failed", "item_id", item.ID, "error", err)
	}
	msg := storage.ConversationMessage{
		ID:        uuid.New().String(),
		TenantID:  item.TenantID,
		Phone:     item.Recipient,
		Role:      "assistant",
		Content:   ans.Text,
		CreatedAt: now,
	}
	if err := w.store.SaveMessage(bctx, msg); err != nil {
		w.logger.Warn("saving outbound message failed", "item_id", item.ID, "error", err)
	}

	w.metrics.QueueItem("completed")
	w.logger.Info("queue item completed",
		"item_id", item.ID,
		"attempt", item.AttemptCount+1,
		"tool_rounds", ans.ToolRounds,
		"audio", audio)
	return nil
}

// handleFailure records a failed attempt and reports whether the item is
// now terminal. Terminal items get exactly one apology. The bookkeeping
// outlives a cancelled drain so every attempt is counted.
func (w *Worker) handleFailure(ctx context.Context, item storage.QueueItem, cause error) bool {
	ctx, cancel := detached(ctx)
	defer cancel()

	attempts := item.AttemptCount + 1
	errMsg := fault.Truncate(strings.Join(strings.Fields(cause.Error()), " "), maxErrorLen)
	now := w.now()

	terminal := attempts >= item.MaxAttempts || fault.Is(cause, fault.Validation)
	if !terminal {
		delay := Backoff(attempts, w.base, w.cap)
		if err := w.store.RetryQueueItem(ctx, item.ID, attempts, errMsg, now.Add(delay), now); err != nil {
			w.logger.Error("scheduling retry failed", "item_id", item.ID, "error", err)
		}
		w.metrics.QueueItem("retried")
		w.logger.Warn("queue item failed, will retry",
			"item_id", item.ID,
			"attempt", attempts,
			"max_attempts", item.MaxAttempts,
			"delay", delay,
			"kind", fault.KindOf(cause).String(),
			"error", errMsg)
		return false
	}

	if err := w.store.FailQueueItem(ctx, item.ID, attempts, errMsg, now); err != nil {
		w.logger.Error("marking queue item failed", "item_id", item.ID, "error", err)
		return true
	}
	w.metrics.QueueItem("failed")
	w.logger.Error("queue item failed permanently",
		"item_id", item.ID,
		"attempts", attempts,
		"kind", fault.KindOf(cause).String(),
		"error", errMsg)

	if w.apology != "" {
		if err := w.notifier.SendText(ctx, item.TenantID, item.Recipient, w.apology); err != nil {
			w.logger.Warn("apology send failed", "item_id", item.ID, "error", err)
		}
	}
	return true
}

// detached keeps ctx values but drops its cancellation, bounded by
// bookkeepingTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

func turnsOf(item storage.QueueItem) []storage.Turn {
	if len(item.Turns) > 0 {
		return item.Turns
	}
	return []storage.Turn{{Role: "user", Content: item.Message}}
}
