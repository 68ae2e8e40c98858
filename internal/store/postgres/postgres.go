// Package postgres provides the PostgreSQL-backed message store and device
// registry on top of a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pelusa-v/pelusa-relay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
    seq BIGSERIAL PRIMARY KEY,
    conversation_key TEXT NOT NULL,
    id TEXT NOT NULL,
    sender_id TEXT NOT NULL DEFAULT '',
    recipient_id TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    timestamp BIGINT NOT NULL DEFAULT 0,
    type TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (conversation_key, id)
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_sender ON chat_messages (sender_id);
CREATE INDEX IF NOT EXISTS idx_chat_messages_recipient ON chat_messages (recipient_id);
CREATE INDEX IF NOT EXISTS idx_chat_messages_created ON chat_messages (created_at);
CREATE TABLE IF NOT EXISTS device_registrations (
    seq BIGSERIAL PRIMARY KEY,
    participant_id TEXT NOT NULL,
    conversation_key TEXT NOT NULL,
    delivery_address TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (participant_id, conversation_key)
);
CREATE INDEX IF NOT EXISTS idx_device_registrations_conversation ON device_registrations (conversation_key, seq);
`

// Store implements store.Store against PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect creates a pgx pool from dsn, verifies it with a ping and ensures
// the schema exists.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// normalizeDSN strips driver suffixes some .env files carry.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+asyncpg://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+asyncpg://", "postgres://", 1)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) UpsertMessage(ctx context.Context, msg store.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO chat_messages (conversation_key, id, sender_id, recipient_id, text, timestamp, type)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (conversation_key, id) DO UPDATE SET
    sender_id = EXCLUDED.sender_id,
    recipient_id = EXCLUDED.recipient_id,
    text = EXCLUDED.text,
    timestamp = EXCLUDED.timestamp,
    type = EXCLUDED.type,
    updated_at = now()`,
		msg.ConversationKey, msg.ID, msg.SenderID, msg.RecipientID, msg.Text, msg.Timestamp, msg.Type,
	)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return nil
}

const messageColumns = `conversation_key, id, sender_id, recipient_id, text, timestamp, type, created_at, updated_at`

func (s *Store) ListConversation(ctx context.Context, conversationKey string) ([]store.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE conversation_key = $1 ORDER BY seq ASC`,
		conversationKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversation %s: %w", conversationKey, err)
	}
	return collectMessages(rows)
}

func (s *Store) ListByParticipant(ctx context.Context, participantID string) ([]store.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE sender_id = $1 OR recipient_id = $1 ORDER BY created_at DESC, seq DESC`,
		participantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participant %s: %w", participantID, err)
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]store.Message, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		var m store.Message
		err := row.Scan(&m.ConversationKey, &m.ID, &m.SenderID, &m.RecipientID, &m.Text, &m.Timestamp, &m.Type, &m.CreatedAt, &m.UpdatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) DeleteMessages(ctx context.Context, conversationKey string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chat_messages WHERE conversation_key = $1 AND id = ANY($2)`,
		conversationKey, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("delete messages in %s: %w", conversationKey, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_messages WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Register(ctx context.Context, reg store.DeviceRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO device_registrations (participant_id, conversation_key, delivery_address)
VALUES ($1, $2, $3)
ON CONFLICT (participant_id, conversation_key) DO UPDATE SET
    delivery_address = EXCLUDED.delivery_address,
    updated_at = now()`,
		reg.ParticipantID, reg.ConversationKey, reg.DeliveryAddress,
	)
	if err != nil {
		return fmt.Errorf("register device for %s: %w", reg.ParticipantID, err)
	}
	return nil
}

const registrationQuery = `
SELECT participant_id, conversation_key, delivery_address, updated_at
FROM device_registrations
WHERE conversation_key = $1 AND participant_id <> $2
ORDER BY seq ASC`

func scanRegistration(row pgx.CollectableRow) (store.DeviceRegistration, error) {
	var reg store.DeviceRegistration
	err := row.Scan(&reg.ParticipantID, &reg.ConversationKey, &reg.DeliveryAddress, &reg.UpdatedAt)
	return reg, err
}

func (s *Store) ListRecipients(ctx context.Context, conversationKey, excludeParticipantID string) ([]store.DeviceRegistration, error) {
	rows, err := s.pool.Query(ctx, registrationQuery, conversationKey, excludeParticipantID)
	if err != nil {
		return nil, fmt.Errorf("list recipients of %s: %w", conversationKey, err)
	}
	regs, err := pgx.CollectRows(rows, scanRegistration)
	if err != nil {
		return nil, fmt.Errorf("scan registrations: %w", err)
	}
	return regs, nil
}

func (s *Store) FindCounterpart(ctx context.Context, conversationKey, excludeID string) (store.DeviceRegistration, error) {
	rows, err := s.pool.Query(ctx, registrationQuery+` LIMIT 1`, conversationKey, excludeID)
	if err != nil {
		return store.DeviceRegistration{}, fmt.Errorf("find counterpart in %s: %w", conversationKey, err)
	}
	reg, err := pgx.CollectExactlyOneRow(rows, scanRegistration)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DeviceRegistration{}, store.ErrNotFound
	}
	if err != nil {
		return store.DeviceRegistration{}, fmt.Errorf("find counterpart in %s: %w", conversationKey, err)
	}
	return reg, nil
}
