package chat

import (
	"errors"

	"github.com/pelusa-v/pelusa-relay/internal/metrics"
	"github.com/pelusa-v/pelusa-relay/internal/store"
)

// DeleteMessages removes the ids inside one conversation and tells the room
// which ids went away, however many records actually matched.
func (m *ChatManager) DeleteMessages(conversationKey string, messageIDs []string) error {
	conversationKey = normalizeKey(conversationKey)
	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id = normalizeKey(id); id != "" {
			ids = append(ids, id)
		}
	}
	if conversationKey == "" || len(ids) == 0 {
		return validationError("%s requires conversationKey and messageIds", EventDeleteMessages)
	}

	lock := m.conversationLock(conversationKey)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := m.storeContext()
	deleted, err := m.messages.DeleteMessages(ctx, conversationKey, ids)
	cancel()
	m.metrics.StoreWrites.WithLabelValues("delete", metrics.Result(err)).Inc()
	if err != nil {
		m.logger.Error().Err(err).Str("conversation", conversationKey).Strs("ids", ids).Msg("Could not delete messages.")
	} else {
		m.logger.Debug().Str("conversation", conversationKey).Int64("deleted", deleted).Msg("Messages deleted.")
	}
	m.cache.Remove(conversationKey, ids)
	m.BroadcastRoom(conversationKey, EventMessagesDeleted, MessagesDeleted{
		ConversationKey: conversationKey,
		MessageIDs:      ids,
	})
	return nil
}

// RequestContactDevice answers c with a registration of the conversation that
// is not its own. Nothing is sent when no counterpart is registered.
func (m *ChatManager) RequestContactDevice(c *Client, conversationKey, myDeviceID string) error {
	conversationKey, myDeviceID = normalizeKey(conversationKey), normalizeKey(myDeviceID)
	if conversationKey == "" || myDeviceID == "" {
		return validationError("%s requires conversationKey and myDeviceId", EventRequestContactDevice)
	}
	if m.registry == nil {
		return nil
	}
	ctx, cancel := m.storeContext()
	reg, err := m.registry.FindCounterpart(ctx, conversationKey, myDeviceID)
	cancel()
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		m.logger.Error().Err(err).Str("conversation", conversationKey).Msg("Could not look up counterpart.")
		return nil
	}
	m.reply(c, EventContactDeviceID, ContactDeviceID{
		DeviceID:        reg.ParticipantID,
		ConversationKey: conversationKey,
	})
	return nil
}
