package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const alertColumns = `id, tenant_id, name, connection_id, dataset_id, query, message_template, operator, threshold,
	times_json, weekdays_json, month_days_json, phones_json, groups_json, enabled,
	last_triggered_at, last_checked_at, created_at`

// SaveAlert inserts or replaces an alert definition. Alerts are authored by
// the admin layer; this exists for seeding and tests.
func (s *Store) SaveAlert(ctx context.Context, a Alert) error {
	var encoded [5]string
	for i, v := range []any{a.Times, a.Weekdays, a.MonthDays, a.Phones, a.Groups} {
		js, err := encodeJSON(v)
		if err != nil {
			return fmt.Errorf("encoding alert %s: %w", a.ID, err)
		}
		encoded[i] = js
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Name, a.ConnectionID, a.DatasetID, a.Query, a.MessageTemplate, a.Operator,
		nullFloat(a.Threshold), encoded[0], encoded[1], encoded[2], encoded[3], encoded[4], boolInt(a.Enabled),
		nullTime(a.LastTriggeredAt), nullTime(a.LastCheckedAt), formatTime(created),
	)
	return err
}

// GetAlert loads an alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return Alert{}, ErrNotFound
	}
	return a, err
}

// ListEnabledAlerts returns every enabled alert across tenants.
func (s *Store) ListEnabledAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE enabled = 1 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// MarkAlertChecked records that the alert was evaluated at now.
func (s *Store) MarkAlertChecked(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET last_checked_at = ? WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimAlertTrigger sets last_triggered_at and last_checked_at to now, but
// only if the alert has not been triggered within minGap. The check and the
// write are one statement, so overlapping scheduler runs cannot both claim
// the same minute; the loser gets ErrNotClaimed.
func (s *Store) ClaimAlertTrigger(ctx context.Context, id string, now time.Time, minGap time.Duration) error {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET last_triggered_at = ?, last_checked_at = ?
		WHERE id = ? AND (last_triggered_at IS NULL OR last_triggered_at <= ?)`,
		ts, ts, id, formatTime(now.Add(-minGap)),
	)
	if err != nil {
		return fmt.Errorf("claiming alert %s: %w", id, err)
	}
	return expectOneRow(res)
}

// InsertAlertHistory appends a history row.
func (s *Store) InsertAlertHistory(ctx context.Context, h AlertHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_history (id, alert_id, tenant_id, triggered_at, trigger_type, value, notification_sent, recipients_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.AlertID, h.TenantID, formatTime(h.TriggeredAt), h.TriggerType, nullFloat(h.Value),
		boolInt(h.NotificationSent), h.RecipientsSent,
	)
	return err
}

// ListAlertHistory returns the most recent history rows for an alert.
func (s *Store) ListAlertHistory(ctx context.Context, alertID string, limit int) ([]AlertHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, tenant_id, triggered_at, trigger_type, value, notification_sent, recipients_sent
		FROM alert_history WHERE alert_id = ?
		ORDER BY triggered_at DESC, rowid DESC LIMIT ?`, alertID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertHistory
	for rows.Next() {
		var h AlertHistory
		var triggeredAt string
		var value sql.NullFloat64
		var sent int
		if err := rows.Scan(&h.ID, &h.AlertID, &h.TenantID, &triggeredAt, &h.TriggerType, &value, &sent, &h.RecipientsSent); err != nil {
			return nil, err
		}
		if h.TriggeredAt, err = parseTime(triggeredAt); err != nil {
			return nil, fmt.Errorf("parsing triggered_at: %w", err)
		}
		if value.Valid {
			v := value.Float64
			h.Value = &v
		}
		h.NotificationSent = sent == 1
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanAlert(r rowScanner) (Alert, error) {
	var a Alert
	var threshold sql.NullFloat64
	var times, weekdays, monthDays, phones, groups, createdAt string
	var enabled int
	var lastTriggered, lastChecked sql.NullString
	err := r.Scan(&a.ID, &a.TenantID, &a.Name, &a.ConnectionID, &a.DatasetID, &a.Query, &a.MessageTemplate,
		&a.Operator, &threshold, &times, &weekdays, &monthDays, &phones, &groups, &enabled,
		&lastTriggered, &lastChecked, &createdAt)
	if err != nil {
		return Alert{}, err
	}
	if threshold.Valid {
		v := threshold.Float64
		a.Threshold = &v
	}
	a.Enabled = enabled == 1
	decode := []struct {
		raw string
		dst any
	}{
		{times, &a.Times}, {weekdays, &a.Weekdays}, {monthDays, &a.MonthDays}, {phones, &a.Phones}, {groups, &a.Groups},
	}
	for _, d := range decode {
		if err := json.Unmarshal([]byte(d.raw), d.dst); err != nil {
			return Alert{}, fmt.Errorf("decoding alert %s: %w", a.ID, err)
		}
	}
	if a.LastTriggeredAt, err = parseNullTime(lastTriggered); err != nil {
		return Alert{}, fmt.Errorf("parsing last_triggered_at for alert %s: %w", a.ID, err)
	}
	if a.LastCheckedAt, err = parseNullTime(lastChecked); err != nil {
		return Alert{}, fmt.Errorf("parsing last_checked_at for alert %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Alert{}, fmt.Errorf("parsing created_at for alert %s: %w", a.ID, err)
	}
	return a, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
