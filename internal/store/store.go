// Package store defines the durable records behind the relay and the
// interfaces the relay core uses to reach them.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidRecord is returned when a record misses a required field.
	ErrInvalidRecord = errors.New("store: invalid record")
)

// DefaultRetention is how long a message is kept after creation.
const DefaultRetention = 30 * 24 * time.Hour

// Message is a chat message as persisted and as sent over the wire.
type Message struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversationKey"`
	SenderID        string    `json:"senderId"`
	RecipientID     string    `json:"to,omitempty"`
	Text            string    `json:"text"`
	Timestamp       int64     `json:"timestamp"` // epoch millis, client supplied
	Type            string    `json:"type,omitempty"`
	CreatedAt       time.Time `json:"createdAt,omitzero"`
	UpdatedAt       time.Time `json:"updatedAt,omitzero"`
}

// Validate reports whether the message carries the fields needed to persist it.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ConversationKey) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("conversation key is required"))
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("message id is required"))
	}
	return nil
}

// DeviceRegistration maps a participant to a push delivery address inside
// one conversation.
type DeviceRegistration struct {
	ParticipantID   string    `json:"participantId"`
	DeliveryAddress string    `json:"deliveryAddress"`
	ConversationKey string    `json:"conversationKey"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Validate reports whether the registration can be stored.
func (d DeviceRegistration) Validate() error {
	if strings.TrimSpace(d.ParticipantID) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("participant id is required"))
	}
	if strings.TrimSpace(d.DeliveryAddress) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("delivery address is required"))
	}
	if strings.TrimSpace(d.ConversationKey) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("conversation key is required"))
	}
	return nil
}

// MessageStore is the durable message log keyed by conversation.
type MessageStore interface {
	// UpsertMessage inserts the message or overwrites the record that shares
	// its (conversation key, id). Creation time and order are preserved.
	UpsertMessage(ctx context.Context, msg Message) error
	// ListConversation returns every message of a conversation in creation order.
	ListConversation(ctx context.Context, conversationKey string) ([]Message, error)
	// ListByParticipant returns messages sent or received by the participant,
	// most recently created first.
	ListByParticipant(ctx context.Context, participantID string) ([]Message, error)
	// DeleteMessages removes the listed ids inside one conversation only.
	DeleteMessages(ctx context.Context, conversationKey string, ids []string) (int64, error)
	// PurgeExpired removes records created before cutoff.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeviceRegistry stores notification delivery addresses.
type DeviceRegistry interface {
	// Register upserts the registration for (participant, conversation).
	Register(ctx context.Context, reg DeviceRegistration) error
	// ListRecipients returns the registrations of a conversation except the
	// excluded participant.
	ListRecipients(ctx context.Context, conversationKey, excludeParticipantID string) ([]DeviceRegistration, error)
	// FindCounterpart returns any registration of the conversation whose
	// participant differs from excludeID, or ErrNotFound.
	FindCounterpart(ctx context.Context, conversationKey, excludeID string) (DeviceRegistration, error)
}

// Store bundles both collaborators behind one closable handle.
type Store interface {
	MessageStore
	DeviceRegistry
	Close() error
}

// LatestPerConversation reduces messages ordered most recent first into one
// entry per conversation, keeping the first one seen.
func LatestPerConversation(msgs []Message) map[string]Message {
	out := make(map[string]Message)
	for _, m := range msgs {
		if _, ok := out[m.ConversationKey]; ok {
			continue
		}
		out[m.ConversationKey] = m
	}
	return out
}
