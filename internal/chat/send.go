package chat

import (
	"encoding/json"
	"errors"

	"github.com/pelusa-v/pelusa-relay/internal/metrics"
	"github.com/pelusa-v/pelusa-relay/internal/push"
	"github.com/pelusa-v/pelusa-relay/internal/store"
)

// SendMessage caches, persists and fans out one message, then hands
// notifications for the other registered participants to the dispatcher.
// Messages with no identifiable sender are not pushed, since the sender's own
// devices could not be excluded.
// Sends to one conversation are serialized so arrival order is both the
// broadcast and the persistence order. Persistence failures do not stop the
// broadcast.
func (m *ChatManager) SendMessage(c *Client, p SendMessagePayload) error {
	msg := p.Message
	msg.ConversationKey = normalizeKey(p.ConversationKey)
	if msg.ConversationKey == "" || normalizeKey(msg.ID) == "" {
		return validationError("%s requires conversationKey and message.id", EventSendMessage)
	}
	msg.SenderID = firstNonEmpty(p.SenderID, msg.SenderID, c.boundParticipant())
	msg.RecipientID = firstNonEmpty(msg.RecipientID, p.To)

	lock := m.conversationLock(msg.ConversationKey)
	lock.Lock()
	m.cache.Append(msg)

	ctx, cancel := m.storeContext()
	err := m.messages.UpsertMessage(ctx, msg)
	cancel()
	m.metrics.StoreWrites.WithLabelValues("upsert", metrics.Result(err)).Inc()
	if err != nil {
		m.logger.Error().Err(err).
			Str("conversation", msg.ConversationKey).
			Str("message", msg.ID).
			Msg("Could not persist message.")
	}

	m.BroadcastRoom(msg.ConversationKey, EventMessageReceived, msg)
	m.broadcastListUpdate(msg)
	lock.Unlock()

	m.notifyRecipients(msg)
	return nil
}

func (m *ChatManager) notifyRecipients(msg store.Message) {
	if m.dispatcher == nil || m.registry == nil {
		return
	}
	if msg.SenderID == "" {
		m.logger.Debug().Str("conversation", msg.ConversationKey).Str("message", msg.ID).Msg("Skipping notifications for a message without a sender.")
		return
	}
	ctx, cancel := m.storeContext()
	recipients, err := m.registry.ListRecipients(ctx, msg.ConversationKey, msg.SenderID)
	cancel()
	if err != nil {
		m.logger.Error().Err(err).Str("conversation", msg.ConversationKey).Msg("Could not resolve notification recipients.")
		return
	}
	if len(recipients) == 0 {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error().Err(err).Str("message", msg.ID).Msg("Could not encode notification payload.")
		return
	}
	for _, r := range recipients {
		ctx, cancel := m.storeContext()
		err := m.dispatcher.Dispatch(ctx, push.Notification{
			DeliveryAddress: r.DeliveryAddress,
			Title:           m.opts.NotificationTitle,
			Body:            msg.Text,
			ConversationKey: msg.ConversationKey,
			Data:            payload,
		})
		cancel()
		if err != nil && !errors.Is(err, push.ErrQueueFull) {
			m.logger.Error().Err(err).
				Str("participant", r.ParticipantID).
				Str("conversation", msg.ConversationKey).
				Msg("Could not dispatch notification.")
		}
	}
}

func (c *Client) boundParticipant() string {
	participantID, _, _ := c.Session()
	return participantID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = normalizeKey(v); v != "" {
			return v
		}
	}
	return ""
}
