// Package memory is a process-local Store used by tests and by the
// `memory` store driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pelusa-v/pelusa-relay/internal/store"
)

type messageKey struct {
	conversation string
	id           string
}

type messageRow struct {
	seq int64
	msg store.Message
}

type deviceKey struct {
	participant  string
	conversation string
}

// Store keeps messages and registrations in maps guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	seq      int64
	messages map[messageKey]*messageRow
	devices  map[deviceKey]store.DeviceRegistration
	devSeq   map[deviceKey]int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty store that stamps records with now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:      now,
		messages: map[messageKey]*messageRow{},
		devices:  map[deviceKey]store.DeviceRegistration{},
		devSeq:   map[deviceKey]int64{},
	}
}

func (s *Store) UpsertMessage(ctx context.Context, msg store.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := messageKey{conversation: msg.ConversationKey, id: msg.ID}
	if row, ok := s.messages[key]; ok {
		msg.CreatedAt = row.msg.CreatedAt
		msg.UpdatedAt = now
		row.msg = msg
		return nil
	}
	s.seq++
	msg.CreatedAt = now
	msg.UpdatedAt = now
	s.messages[key] = &messageRow{seq: s.seq, msg: msg}
	return nil
}

func (s *Store) ListConversation(ctx context.Context, conversationKey string) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.collect(func(m store.Message) bool { return m.ConversationKey == conversationKey }, false), nil
}

func (s *Store) ListByParticipant(ctx context.Context, participantID string) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.collect(func(m store.Message) bool {
		return m.SenderID == participantID || m.RecipientID == participantID
	}, true), nil
}

func (s *Store) collect(match func(store.Message) bool, newestFirst bool) []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]*messageRow, 0)
	for _, row := range s.messages {
		if match(row.msg) {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if newestFirst {
			return rows[i].seq > rows[j].seq
		}
		return rows[i].seq < rows[j].seq
	})
	out := make([]store.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.msg)
	}
	return out
}

func (s *Store) DeleteMessages(ctx context.Context, conversationKey string, ids []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, id := range ids {
		key := messageKey{conversation: conversationKey, id: id}
		if _, ok := s.messages[key]; ok {
			delete(s.messages, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for key, row := range s.messages {
		if row.msg.CreatedAt.Before(cutoff) {
			delete(s.messages, key)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) Register(ctx context.Context, reg store.DeviceRegistration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := reg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg.UpdatedAt = s.now().UTC()
	key := deviceKey{participant: reg.ParticipantID, conversation: reg.ConversationKey}
	if _, ok := s.devices[key]; !ok {
		s.seq++
		s.devSeq[key] = s.seq
	}
	s.devices[key] = reg
	return nil
}

func (s *Store) ListRecipients(ctx context.Context, conversationKey, excludeParticipantID string) ([]store.DeviceRegistration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.devicesOf(conversationKey, excludeParticipantID), nil
}

func (s *Store) FindCounterpart(ctx context.Context, conversationKey, excludeID string) (store.DeviceRegistration, error) {
	if err := ctx.Err(); err != nil {
		return store.DeviceRegistration{}, err
	}
	regs := s.devicesOf(conversationKey, excludeID)
	if len(regs) == 0 {
		return store.DeviceRegistration{}, store.ErrNotFound
	}
	return regs[0], nil
}

// devicesOf returns registrations in registration order.
func (s *Store) devicesOf(conversationKey, exclude string) []store.DeviceRegistration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]deviceKey, 0)
	for key := range s.devices {
		if key.conversation == conversationKey && key.participant != exclude {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return s.devSeq[keys[i]] < s.devSeq[keys[j]] })
	out := make([]store.DeviceRegistration, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.devices[key])
	}
	return out
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
