package chat

import (
	"github.com/pelusa-v/pelusa-relay/internal/store"
)

// RequestHistory answers c with the conversation's messages in creation
// order. Possession of the conversation key is the only access check, so
// participantID only annotates the logs. When the store fails the
// recent-history cache answers instead, if it has the conversation.
func (m *ChatManager) RequestHistory(c *Client, conversationKey, participantID string) error {
	conversationKey = normalizeKey(conversationKey)
	if conversationKey == "" {
		return validationError("%s requires conversationKey", EventRequestHistory)
	}
	ctx, cancel := m.storeContext()
	msgs, err := m.messages.ListConversation(ctx, conversationKey)
	cancel()
	if err != nil {
		log := m.logger.Error().Err(err).
			Str("conversation", conversationKey).
			Str("participant", normalizeKey(participantID))
		cached, ok := m.cache.Recent(conversationKey)
		if !ok {
			log.Msg("Could not load history.")
			return nil
		}
		log.Int("cached", len(cached)).Msg("Could not load history, answering from cache.")
		msgs = cached
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	m.reply(c, EventHistoryResponse, HistoryResponse{
		ConversationKey: conversationKey,
		Messages:        msgs,
	})
	return nil
}
