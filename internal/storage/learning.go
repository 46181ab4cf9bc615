package storage

import (
	"context"
	"fmt"
)

// InsertLearningRecord appends a query outcome.
func (s *Store) InsertLearningRecord(ctx context.Context, r LearningRecord) error {
	var errText any
	if r.Error != "" {
		errText = r.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_learning (id, dataset_id, tenant_id, question, intent, query, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DatasetID, r.TenantID, r.Question, r.Intent, r.Query, boolInt(r.Success), errText, formatTime(r.CreatedAt),
	)
	return err
}

// SuccessfulQueries returns up to limit distinct query texts that succeeded
// for the tenant's dataset and intent, most recently used first. Failed
// outcomes are never returned.
func (s *Store) SuccessfulQueries(ctx context.Context, tenantID, datasetID, intent string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT query, MAX(created_at) AS last_used
		FROM query_learning
		WHERE tenant_id = ? AND dataset_id = ? AND intent = ? AND success = 1
		GROUP BY query
		ORDER BY last_used DESC
		LIMIT ?`, tenantID, datasetID, intent, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting working queries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q, lastUsed string
		if err := rows.Scan(&q, &lastUsed); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// CountLearningRecords returns (successful, failed) record counts for a dataset.
func (s *Store) CountLearningRecords(ctx context.Context, datasetID string) (int, int, error) {
	var ok, failed int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(success = 1), 0), COALESCE(SUM(success = 0), 0)
		FROM query_learning WHERE dataset_id = ?`, datasetID,
	).Scan(&ok, &failed)
	return ok, failed, err
}
