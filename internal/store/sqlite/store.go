// Package sqlite provides the SQLite-backed message store and device registry.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelusa-v/pelusa-relay/internal/store"
	"github.com/pelusa-v/pelusa-relay/internal/store/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const migrationTable = "schema_migrations"

// Store provides SQLite-backed persistence for messages and registrations.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at the provided path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{sqlDB: sqlDB, now: time.Now}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// applyMigrations executes each embedded *.sql file at most once, in name order.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`, migrationTable)
	if _, err := sqlDB.Exec(createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var count int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM `+migrationTable+` WHERE name = ?`, file).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if count > 0 {
			continue
		}
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`, file, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// UpsertMessage writes the message keyed by (conversation_key, id).
func (s *Store) UpsertMessage(ctx context.Context, msg store.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	now := toMillis(s.now())
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO chat_messages (conversation_key, id, sender_id, recipient_id, text, timestamp, type, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (conversation_key, id) DO UPDATE SET
    sender_id = excluded.sender_id,
    recipient_id = excluded.recipient_id,
    text = excluded.text,
    timestamp = excluded.timestamp,
    type = excluded.type,
    updated_at = excluded.updated_at`,
		msg.ConversationKey, msg.ID, msg.SenderID, msg.RecipientID, msg.Text, msg.Timestamp, msg.Type, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return nil
}

const messageColumns = `conversation_key, id, sender_id, recipient_id, text, timestamp, type, created_at, updated_at`

// ListConversation returns the conversation's messages in creation order.
func (s *Store) ListConversation(ctx context.Context, conversationKey string) ([]store.Message, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE conversation_key = ? ORDER BY seq ASC`,
		conversationKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversation %s: %w", conversationKey, err)
	}
	return scanMessages(rows)
}

// ListByParticipant returns messages the participant sent or received, newest first.
func (s *Store) ListByParticipant(ctx context.Context, participantID string) ([]store.Message, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE sender_id = ? OR recipient_id = ? ORDER BY created_at DESC, seq DESC`,
		participantID, participantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participant %s: %w", participantID, err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	defer rows.Close()
	out := make([]store.Message, 0)
	for rows.Next() {
		var (
			m                store.Message
			created, updated int64
		)
		if err := rows.Scan(&m.ConversationKey, &m.ID, &m.SenderID, &m.RecipientID, &m.Text, &m.Timestamp, &m.Type, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		m.UpdatedAt = fromMillis(updated)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// DeleteMessages removes ids scoped to one conversation.
func (s *Store) DeleteMessages(ctx context.Context, conversationKey string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationKey)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE conversation_key = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete messages in %s: %w", conversationKey, err)
	}
	return res.RowsAffected()
}

// PurgeExpired removes messages created before cutoff.
func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM chat_messages WHERE created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge expired messages: %w", err)
	}
	return res.RowsAffected()
}

// Register upserts the registration for (participant_id, conversation_key).
func (s *Store) Register(ctx context.Context, reg store.DeviceRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO device_registrations (participant_id, conversation_key, delivery_address, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (participant_id, conversation_key) DO UPDATE SET
    delivery_address = excluded.delivery_address,
    updated_at = excluded.updated_at`,
		reg.ParticipantID, reg.ConversationKey, reg.DeliveryAddress, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("register device for %s: %w", reg.ParticipantID, err)
	}
	return nil
}

// ListRecipients returns a conversation's registrations except one participant.
func (s *Store) ListRecipients(ctx context.Context, conversationKey, excludeParticipantID string) ([]store.DeviceRegistration, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT participant_id, conversation_key, delivery_address, updated_at
FROM device_registrations
WHERE conversation_key = ? AND participant_id <> ?
ORDER BY seq ASC`,
		conversationKey, excludeParticipantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list recipients of %s: %w", conversationKey, err)
	}
	defer rows.Close()

	out := make([]store.DeviceRegistration, 0)
	for rows.Next() {
		var (
			reg     store.DeviceRegistration
			updated int64
		)
		if err := rows.Scan(&reg.ParticipantID, &reg.ConversationKey, &reg.DeliveryAddress, &updated); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		reg.UpdatedAt = fromMillis(updated)
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registrations: %w", err)
	}
	return out, nil
}

// FindCounterpart returns the first other registration of the conversation.
func (s *Store) FindCounterpart(ctx context.Context, conversationKey, excludeID string) (store.DeviceRegistration, error) {
	var (
		reg     store.DeviceRegistration
		updated int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT participant_id, conversation_key, delivery_address, updated_at
FROM device_registrations
WHERE conversation_key = ? AND participant_id <> ?
ORDER BY seq ASC
LIMIT 1`,
		conversationKey, excludeID,
	).Scan(&reg.ParticipantID, &reg.ConversationKey, &reg.DeliveryAddress, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DeviceRegistration{}, store.ErrNotFound
	}
	if err != nil {
		return store.DeviceRegistration{}, fmt.Errorf("find counterpart in %s: %w", conversationKey, err)
	}
	reg.UpdatedAt = fromMillis(updated)
	return reg, nil
}
