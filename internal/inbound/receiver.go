package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/insightline/internal/metrics"
	"github.com/kalambet/insightline/internal/prompts"
	"github.com/kalambet/insightline/internal/queue"
	"github.com/kalambet/insightline/internal/storage"
)

const DefaultHistoryTurns = 10

// Store resolves contacts and datasets and keeps the conversation log.
type Store interface {
	GetContact(ctx context.Context, phone string) (storage.Contact, error)
	GetDataset(ctx context.Context, tenantID, id string) (storage.Dataset, error)
	GetMessagingInstance(ctx context.Context, tenantID string) (storage.MessagingInstance, error)
	SaveMessage(ctx context.Context, m storage.ConversationMessage) error
	RecentMessages(ctx context.Context, tenantID, phone string, limit int) ([]storage.ConversationMessage, error)
}

// Enqueuer persists work for the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, item storage.QueueItem) (storage.QueueItem, error)
}

// Drainer processes queued work.
type Drainer interface {
	Drain(ctx context.Context, batchSize int) (queue.Summary, error)
}

// Exemplars supplies intent classification and prior working queries.
type Exemplars interface {
	Classify(question string) string
	WorkingQueries(ctx context.Context, tenantID, datasetID, intent string, limit int) ([]string, error)
}

type Options struct {
	HistoryTurns   int
	DrainOnReceive bool
	Composer       *prompts.Composer
	Transcriber    Transcriber
	Drainer        Drainer
	Metrics        *metrics.Metrics
}

// Receiver turns webhooks into queue items.
type Receiver struct {
	store    Store
	queue    Enqueuer
	learning Exemplars
	composer *prompts.Composer
	stt      Transcriber
	drainer  Drainer
	drainNow bool
	history  int
	metrics  *metrics.Metrics
	now      func() time.Time
	spawn    func(func())
	logger   *slog.Logger
}

func NewReceiver(store Store, q Enqueuer, learning Exemplars, opts Options) *Receiver {
	r := &Receiver{
		store:    store,
		queue:    q,
		learning: learning,
		composer: opts.Composer,
		stt:      opts.Transcriber,
		drainer:  opts.Drainer,
		drainNow: opts.DrainOnReceive,
		history:  opts.HistoryTurns,
		metrics:  opts.Metrics,
		now:      time.Now,
		spawn:    func(f func()) { go f() },
		logger:   slog.Default(),
	}
	if r.composer == nil {
		r.composer = prompts.NewComposer(prompts.Default(), prompts.ComposerOptions{})
	}
	if r.history <= 0 {
		r.history = DefaultHistoryTurns
	}
	return r
}

// Result statuses.
const (
	StatusQueued  = "queued"
	StatusIgnored = "ignored"
)

// Result reports what happened to one webhook.
type Result struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	ItemID string `json:"item_id,omitempty"`
}

func ignored(reason string) Result { return Result{Status: StatusIgnored, Reason: reason} }

// Receive normalizes evt and enqueues the resulting question. instance is the
// gateway instance the webhook arrived on; when set it must belong to the
// contact's tenant.
func (r *Receiver) Receive(ctx context.Context, instance string, evt Event) (Result, error) {
	msg, reason := Normalize(ctx, evt, r.stt)
	if reason != "" {
		r.metrics.Inbound("ignored")
		return ignored(reason), nil
	}

	contact, err := r.store.GetContact(ctx, msg.Phone)
	if errors.Is(err, storage.ErrNotFound) {
		r.metrics.Inbound("ignored")
		r.logger.Info("message from unknown contact ignored", "phone", msg.Phone)
		return ignored(IgnoredUnknown), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolving contact: %w", err)
	}
	if instance != "" {
		inst, err := r.store.GetMessagingInstance(ctx, contact.TenantID)
		if err != nil || inst.InstanceName != instance {
			r.metrics.Inbound("ignored")
			r.logger.Warn("webhook instance does not match contact tenant",
				"instance", instance, "tenant_id", contact.TenantID)
			return ignored(IgnoredWrongTenant), nil
		}
	}

	now := r.now()
	if err := r.store.SaveMessage(ctx, storage.ConversationMessage{
		ID:        uuid.New().String(),
		TenantID:  contact.TenantID,
		Phone:     msg.Phone,
		Role:      "user",
		Content:   msg.Text,
		CreatedAt: now,
	}); err != nil {
		return Result{}, fmt.Errorf("saving inbound message: %w", err)
	}

	turns, err := r.turns(ctx, contact, msg)
	if err != nil {
		return Result{}, err
	}

	item := storage.QueueItem{
		TenantID:  contact.TenantID,
		Recipient: msg.Phone,
		Message:   msg.Text,
		Turns:     turns,
	}
	if ds, ok := r.dataset(ctx, contact); ok {
		item.ConnectionID = ds.ConnectionID
		item.DatasetID = ds.ID
		item.SystemPrompt = r.composer.SystemPrompt(ds, r.exemplars(ctx, contact.TenantID, ds.ID, msg.Text), now)
	} else {
		item.SystemPrompt = r.composer.SystemPrompt(storage.Dataset{}, nil, now)
	}

	item, err = r.queue.Enqueue(ctx, item)
	if err != nil {
		return Result{}, err
	}
	r.metrics.Inbound("queued")
	r.logger.Info("inbound message queued",
		"item_id", item.ID,
		"tenant_id", item.TenantID,
		"dataset_id", item.DatasetID,
		"audio", msg.Audio)

	if r.drainNow && r.drainer != nil {
		r.spawn(func() {
			// Detached from the request so the webhook can return first.
			dctx := context.WithoutCancel(ctx)
			if _, err := r.drainer.Drain(dctx, 0); err != nil {
				r.logger.Error("drain after receive failed", "error", err)
			}
		})
	}
	return Result{Status: StatusQueued, ItemID: item.ID}, nil
}

// turns builds the conversation from the stored history. The latest user
// turn carries the audio preference.
func (r *Receiver) turns(ctx context.Context, contact storage.Contact, msg Message) ([]storage.Turn, error) {
	history, err := r.store.RecentMessages(ctx, contact.TenantID, msg.Phone, r.history)
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}
	turns := make([]storage.Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, storage.Turn{Role: m.Role, Content: m.Content})
	}
	if n := len(turns); n == 0 || turns[n-1].Role != "user" || turns[n-1].Content != msg.Text {
		turns = append(turns, storage.Turn{Role: "user", Content: msg.Text})
	}
	turns[len(turns)-1].PreferAudio = msg.Audio || contact.PreferAudio
	return turns, nil
}

func (r *Receiver) dataset(ctx context.Context, contact storage.Contact) (storage.Dataset, bool) {
	if contact.DatasetID == "" {
		return storage.Dataset{}, false
	}
	ds, err := r.store.GetDataset(ctx, contact.TenantID, contact.DatasetID)
	if err != nil {
		r.logger.Warn("contact dataset unavailable, answering without tools",
			"tenant_id", contact.TenantID, "dataset_id", contact.DatasetID, "error", err)
		return storage.Dataset{}, false
	}
	return ds, true
}

func (r *Receiver) exemplars(ctx context.Context, tenantID, datasetID, question string) []string {
	if r.learning == nil {
		return nil
	}
	intent := r.learning.Classify(question)
	queries, err := r.learning.WorkingQueries(ctx, tenantID, datasetID, intent, r.composer.MaxExemplars())
	if err != nil {
		r.logger.Warn("loading working queries failed", "dataset_id", datasetID, "intent", intent, "error", err)
		return nil
	}
	return queries
}
