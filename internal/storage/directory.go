package storage

import (
	"context"
	"database/sql"
	"time"
)

// --- Connections ---

func (s *Store) SaveConnection(ctx context.Context, c Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO connections (id, tenant_id, name, directory_id, client_id, client_secret, workspace_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.DirectoryID, c.ClientID, c.ClientSecret, c.WorkspaceID,
	)
	return err
}

func (s *Store) GetConnection(ctx context.Context, id string) (Connection, error) {
	var c Connection
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, directory_id, client_id, client_secret, workspace_id
		FROM connections WHERE id = ?`, id,
	).Scan(&c.ID, &c.TenantID, &c.Name, &c.DirectoryID, &c.ClientID, &c.ClientSecret, &c.WorkspaceID)
	if err == sql.ErrNoRows {
		return Connection{}, ErrNotFound
	}
	return c, err
}

// --- Datasets ---

func (s *Store) SaveDataset(ctx context.Context, d Dataset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO datasets (id, tenant_id, connection_id, name, schema_doc)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.ConnectionID, d.Name, d.SchemaDoc,
	)
	return err
}

func (s *Store) GetDataset(ctx context.Context, tenantID, id string) (Dataset, error) {
	var d Dataset
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, connection_id, name, schema_doc
		FROM datasets WHERE id = ? AND tenant_id = ?`, id, tenantID,
	).Scan(&d.ID, &d.TenantID, &d.ConnectionID, &d.Name, &d.SchemaDoc)
	if err == sql.ErrNoRows {
		return Dataset{}, ErrNotFound
	}
	return d, err
}

// --- Contacts ---

func (s *Store) SaveContact(ctx context.Context, c Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO contacts (phone, tenant_id, dataset_id, name, prefer_audio)
		VALUES (?, ?, ?, ?, ?)`,
		c.Phone, c.TenantID, c.DatasetID, c.Name, boolInt(c.PreferAudio),
	)
	return err
}

func (s *Store) GetContact(ctx context.Context, phone string) (Contact, error) {
	var c Contact
	var preferAudio int
	err := s.db.QueryRowContext(ctx, `
		SELECT phone, tenant_id, dataset_id, name, prefer_audio FROM contacts WHERE phone = ?`, phone,
	).Scan(&c.Phone, &c.TenantID, &c.DatasetID, &c.Name, &preferAudio)
	if err == sql.ErrNoRows {
		return Contact{}, ErrNotFound
	}
	c.PreferAudio = preferAudio == 1
	return c, err
}

// --- Messaging instances ---

func (s *Store) SaveMessagingInstance(ctx context.Context, in MessagingInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messaging_instances (tenant_id, base_url, api_key, instance_name)
		VALUES (?, ?, ?, ?)`,
		in.TenantID, in.BaseURL, in.APIKey, in.InstanceName,
	)
	return err
}

func (s *Store) GetMessagingInstance(ctx context.Context, tenantID string) (MessagingInstance, error) {
	var in MessagingInstance
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, base_url, api_key, instance_name FROM messaging_instances WHERE tenant_id = ?`, tenantID,
	).Scan(&in.TenantID, &in.BaseURL, &in.APIKey, &in.InstanceName)
	if err == sql.ErrNoRows {
		return MessagingInstance{}, ErrNotFound
	}
	return in, err
}

// --- Conversation messages ---

func (s *Store) SaveMessage(ctx context.Context, m ConversationMessage) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, tenant_id, phone, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.Phone, m.Role, m.Content, formatTime(created),
	)
	return err
}

// RecentMessages returns the last limit messages exchanged with phone, oldest first.
func (s *Store) RecentMessages(ctx context.Context, tenantID, phone string, limit int) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, phone, role, content, created_at FROM (
			SELECT id, tenant_id, phone, role, content, created_at, rowid AS rid
			FROM conversation_messages
			WHERE tenant_id = ? AND phone = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		) ORDER BY created_at ASC, rid ASC`, tenantID, phone, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Phone, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
