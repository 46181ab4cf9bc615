package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const defaultMaxAttempts = 3

const queueColumns = `id, tenant_id, recipient, message, turns_json, connection_id, dataset_id,
	system_prompt, status, attempt_count, max_attempts, next_retry_at, last_error, created_at, updated_at`

// EnqueueQueueItem inserts item as pending with no attempts, due immediately.
func (s *Store) EnqueueQueueItem(ctx context.Context, item QueueItem, now time.Time) error {
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	turns, err := encodeJSON(item.Turns)
	if err != nil {
		return fmt.Errorf("encoding turns: %w", err)
	}
	ts := formatTime(now)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, tenant_id, recipient, message, turns_json, connection_id, dataset_id,
			system_prompt, status, attempt_count, max_attempts, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		item.ID, item.TenantID, item.Recipient, item.Message, turns, item.ConnectionID, item.DatasetID,
		item.SystemPrompt, maxAttempts, ts, ts, ts,
	)
	return err
}

// DueQueueItems returns up to limit pending items whose retry time has passed
// and which still have attempts left, oldest first.
func (s *Store) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM queue_items
		WHERE status = 'pending' AND next_retry_at <= ? AND attempt_count < max_attempts
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, formatTime(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimQueueItem moves a pending item to processing. The transition is a
// single conditional UPDATE, so of two concurrent claims exactly one wins;
// the loser gets ErrNotClaimed.
func (s *Store) ClaimQueueItem(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = 'pending' AND attempt_count < max_attempts`,
		formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("claiming queue item %s: %w", id, err)
	}
	return expectOneRow(res)
}

// CompleteQueueItem marks a processing item as completed.
func (s *Store) CompleteQueueItem(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = 'completed', last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		formatTime(now), id,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// RetryQueueItem records a failed attempt and returns the item to pending
// until nextRetryAt.
func (s *Store) RetryQueueItem(ctx context.Context, id string, attempts int, errMsg string, nextRetryAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending', attempt_count = ?, last_error = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND ? < max_attempts`,
		attempts, errMsg, formatTime(nextRetryAt), formatTime(now), id, attempts,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// FailQueueItem records the final attempt and marks the item failed. A
// failed item is terminal.
func (s *Store) FailQueueItem(ctx context.Context, id string, attempts int, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'failed', attempt_count = MIN(?, max_attempts), last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		attempts, errMsg, formatTime(now), id,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// RequeueStaleQueueItems returns items stuck in processing since before
// staleBefore to pending. Used for crash recovery; no attempt is consumed.
func (s *Store) RequeueStaleQueueItems(ctx context.Context, staleBefore, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = 'pending', updated_at = ?
		WHERE status = 'processing' AND updated_at < ?`,
		formatTime(now), formatTime(staleBefore),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetQueueItem loads a queue item by id.
func (s *Store) GetQueueItem(ctx context.Context, id string) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return QueueItem{}, ErrNotFound
	}
	return item, err
}

// CountQueueItems returns the number of queue items per status.
func (s *Store) CountQueueItems(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(r rowScanner) (QueueItem, error) {
	var q QueueItem
	var turns, nextRetryAt, createdAt, updatedAt string
	var lastError sql.NullString
	err := r.Scan(&q.ID, &q.TenantID, &q.Recipient, &q.Message, &turns, &q.ConnectionID, &q.DatasetID,
		&q.SystemPrompt, &q.Status, &q.AttemptCount, &q.MaxAttempts, &nextRetryAt, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return QueueItem{}, err
	}
	if err := json.Unmarshal([]byte(turns), &q.Turns); err != nil {
		return QueueItem{}, fmt.Errorf("decoding turns for queue item %s: %w", q.ID, err)
	}
	q.LastError = lastError.String
	if q.NextRetryAt, err = parseTime(nextRetryAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing next_retry_at for queue item %s: %w", q.ID, err)
	}
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing created_at for queue item %s: %w", q.ID, err)
	}
	if q.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing updated_at for queue item %s: %w", q.ID, err)
	}
	return q, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n != 1 {
		return ErrNotClaimed
	}
	return nil
}
