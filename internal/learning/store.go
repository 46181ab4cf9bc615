package learning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/insightline/internal/fault"
	"github.com/kalambet/insightline/internal/storage"
)

// maxErrorLen bounds the stored error text of a failed outcome.
const maxErrorLen = 500

// RecordStore is the persistence the learning store needs.
type RecordStore interface {
	InsertLearningRecord(ctx context.Context, r storage.LearningRecord) error
	SuccessfulQueries(ctx context.Context, tenantID, datasetID, intent string, limit int) ([]string, error)
}

// Outcome is the result of running one query for one question.
type Outcome struct {
	DatasetID string
	TenantID  string
	Question  string
	Intent    string // classified from Question when empty
	Query     string
	Success   bool
	Err       string
}

// Store records query outcomes and serves working queries back.
type Store struct {
	records    RecordStore
	classifier *Classifier
	now        func() time.Time
	logger     *slog.Logger
}

// NewStore creates a Store. A nil classifier uses DefaultBuckets.
func NewStore(records RecordStore, classifier *Classifier) *Store {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	return &Store{
		records:    records,
		classifier: classifier,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// Classify returns the intent for question.
func (s *Store) Classify(question string) string {
	return s.classifier.Classify(question)
}

// RecordOutcome appends o. Records are never updated.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	query := strings.TrimSpace(o.Query)
	if o.DatasetID == "" || query == "" {
		return fault.Newf(fault.Validation, "record outcome", "dataset id and query are required")
	}
	intent := o.Intent
	if intent == "" {
		intent = s.classifier.Classify(o.Question)
	}
	errText := ""
	if !o.Success {
		errText = fault.Truncate(o.Err, maxErrorLen)
	}

	rec := storage.LearningRecord{
		ID:        uuid.New().String(),
		DatasetID: o.DatasetID,
		TenantID:  o.TenantID,
		Question:  o.Question,
		Intent:    intent,
		Query:     query,
		Success:   o.Success,
		Error:     errText,
		CreatedAt: s.now().UTC(),
	}
	if err := s.records.InsertLearningRecord(ctx, rec); err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	s.logger.Debug("query outcome recorded", "dataset_id", o.DatasetID, "intent", intent, "success", o.Success)
	return nil
}

// WorkingQueries returns up to limit distinct queries that succeeded for
// the tenant's datasetID and intent, most recent first.
func (s *Store) WorkingQueries(ctx context.Context, tenantID, datasetID, intent string, limit int) ([]string, error) {
	if limit <= 0 || tenantID == "" || datasetID == "" {
		return nil, nil
	}
	if intent == "" {
		intent = DefaultIntent
	}
	qs, err := s.records.SuccessfulQueries(ctx, tenantID, datasetID, intent, limit)
	if err != nil {
		return nil, fmt.Errorf("loading working queries: %w", err)
	}
	return qs, nil
}
