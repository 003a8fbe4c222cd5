package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID        string
	Title     string
	CreatedAt time.Time
	PalID     string
}

// MessageRecord is one row of the messages table. Metadata is a JSON object.
type MessageRecord struct {
	ID        string
	SessionID string
	Author    string
	Text      string
	Type      string
	Metadata  string
	Position  int
	CreatedAt time.Time
}

// --- writes ---

// CreateSession inserts a session row.
func (t *Tx) CreateSession(ctx context.Context, s SessionRecord) error {
	_, err := t.exec(ctx,
		`INSERT INTO sessions (id, title, created_at, pal_id) VALUES (?, ?, ?, ?)`,
		s.ID, s.Title, s.CreatedAt.UnixMilli(), nullable(s.PalID),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", s.ID, err)
	}
	return nil
}

// UpdateSession rewrites the title and pal of a session.
func (t *Tx) UpdateSession(ctx context.Context, s SessionRecord) error {
	err := mustAffect(t.exec(ctx,
		`UPDATE sessions SET title = ?, pal_id = ? WHERE id = ?`,
		s.Title, nullable(s.PalID), s.ID,
	))
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	return nil
}

// DestroySession deletes a session; its messages and settings cascade.
func (t *Tx) DestroySession(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("destroy session %s: %w", id, err)
	}
	return nil
}

// CreateMessage inserts a message row.
func (t *Tx) CreateMessage(ctx context.Context, m MessageRecord) error {
	if m.Metadata == "" {
		m.Metadata = "{}"
	}
	_, err := t.exec(ctx,
		`INSERT INTO messages (id, session_id, author, text, type, metadata, position, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Author, m.Text, m.Type, m.Metadata, m.Position, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create message %s: %w", m.ID, err)
	}
	return nil
}

// AppendMessageText appends text to a message in place.
func (t *Tx) AppendMessageText(ctx context.Context, id, text string) error {
	err := mustAffect(t.exec(ctx,
		`UPDATE messages SET text = COALESCE(text, '') || ? WHERE id = ?`, text, id,
	))
	if err != nil {
		return fmt.Errorf("append message %s: %w", id, err)
	}
	return nil
}

// UpdateMessage rewrites the mutable fields of a message. Position is
// never changed after creation.
func (t *Tx) UpdateMessage(ctx context.Context, m MessageRecord) error {
	if m.Metadata == "" {
		m.Metadata = "{}"
	}
	err := mustAffect(t.exec(ctx,
		`UPDATE messages SET text = ?, type = ?, metadata = ? WHERE id = ?`,
		m.Text, m.Type, m.Metadata, m.ID,
	))
	if err != nil {
		return fmt.Errorf("update message %s: %w", m.ID, err)
	}
	return nil
}

// DestroyMessages deletes the given messages.
func (t *Tx) DestroyMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `DELETE FROM messages WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	if _, err := t.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("destroy messages: %w", err)
	}
	return nil
}

// PutSessionSettings stores the completion-settings blob of a session.
func (t *Tx) PutSessionSettings(ctx context.Context, sessionID string, blob []byte) error {
	_, err := t.exec(ctx,
		`INSERT INTO completion_settings (session_id, data) VALUES (?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET data = excluded.data`,
		sessionID, string(blob),
	)
	if err != nil {
		return fmt.Errorf("put settings %s: %w", sessionID, err)
	}
	return nil
}

// SetPreference stores a key/value preference.
func (t *Tx) SetPreference(ctx context.Context, key, value string) error {
	_, err := t.exec(ctx,
		`INSERT INTO preferences (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// PutModel stores a serialized model record.
func (t *Tx) PutModel(ctx context.Context, id string, blob []byte) error {
	_, err := t.exec(ctx,
		`INSERT INTO models (id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		id, string(blob), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put model %s: %w", id, err)
	}
	return nil
}

// DeleteModel removes a model record.
func (t *Tx) DeleteModel(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, `DELETE FROM models WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete model %s: %w", id, err)
	}
	return nil
}

// --- reads ---

// Sessions returns every session, newest first.
func (d *DB) Sessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, title, created_at, COALESCE(pal_id, '') FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var s SessionRecord
		var created int64
		if err := rows.Scan(&s.ID, &s.Title, &created, &s.PalID); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.CreatedAt = time.UnixMilli(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Messages returns the messages of a session, newest (highest position) first.
func (d *DB) Messages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, session_id, author, COALESCE(text, ''), type, metadata, position, created_at
		 FROM messages WHERE session_id = ? ORDER BY position DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Author, &m.Text, &m.Type, &m.Metadata, &m.Position, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Message returns a single message by id.
func (d *DB) Message(ctx context.Context, id string) (MessageRecord, error) {
	var m MessageRecord
	var created int64
	err := d.db.QueryRowContext(ctx,
		`SELECT id, session_id, author, COALESCE(text, ''), type, metadata, position, created_at
		 FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.SessionID, &m.Author, &m.Text, &m.Type, &m.Metadata, &m.Position, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRecord{}, ErrNotFound
	}
	if err != nil {
		return MessageRecord{}, fmt.Errorf("query message %s: %w", id, err)
	}
	m.CreatedAt = time.UnixMilli(created)
	return m, nil
}

// SessionSettings returns the raw settings blob of a session.
func (d *DB) SessionSettings(ctx context.Context, sessionID string) ([]byte, error) {
	var data string
	err := d.db.QueryRowContext(ctx,
		`SELECT data FROM completion_settings WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query settings %s: %w", sessionID, err)
	}
	return []byte(data), nil
}

// Preference returns a stored preference value.
func (d *DB) Preference(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query preference %s: %w", key, err)
	}
	return value, nil
}

// Models returns every stored model blob keyed by id.
func (d *DB) Models(ctx context.Context) (map[string][]byte, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, data FROM models`)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out[id] = []byte(data)
	}
	return out, rows.Err()
}

// SetPreference stores a single preference in its own transaction.
func (d *DB) SetPreference(ctx context.Context, key, value string) error {
	return d.Write(ctx, func(tx *Tx) error {
		return tx.SetPreference(ctx, key, value)
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
