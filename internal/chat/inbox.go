package chat

import (
	"github.com/pelusa-v/pelusa-relay/internal/store"
)

// broadcastListUpdate signals inbox views that the conversation changed. The
// room always gets it. Connections of the explicit recipient that are not in
// the room get it on the recipient's personal channel.
func (m *ChatManager) broadcastListUpdate(msg store.Message) {
	update := ConversationListUpdate{
		ConversationKey: msg.ConversationKey,
		LastMessage:     msg.Text,
		Timestamp:       msg.Timestamp,
		Sender:          msg.SenderID,
	}
	b, ok := m.encode(EventConversationListUpdate, update)
	if !ok {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for c := range m.Subs.Rooms[msg.ConversationKey] {
		deliver(c, b)
	}
	if msg.RecipientID != "" {
		for c := range m.Subs.Personal[msg.RecipientID] {
			if !m.Subs.inRoomLocked(msg.ConversationKey, c) {
				deliver(c, b)
			}
		}
	}
	m.metrics.Broadcasts.WithLabelValues(EventConversationListUpdate).Inc()
}

// RequestConversationList answers with the most recent message of every
// conversation the participant sent or received in. An empty id falls back
// to the participant bound to c.
func (m *ChatManager) RequestConversationList(c *Client, participantID string) error {
	participantID = firstNonEmpty(participantID, c.boundParticipant())
	if participantID == "" {
		return validationError("%s requires a participant id", EventRequestConversationList)
	}
	ctx, cancel := m.storeContext()
	msgs, err := m.messages.ListByParticipant(ctx, participantID)
	cancel()
	if err != nil {
		m.logger.Error().Err(err).Str("participant", participantID).Msg("Could not load conversation list.")
		return nil
	}
	m.reply(c, EventConversationListResponse, store.LatestPerConversation(msgs))
	return nil
}
