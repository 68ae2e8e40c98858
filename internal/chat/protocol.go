package chat

import (
	"encoding/json"
	"errors"
)

// HandleFrame decodes one inbound frame and runs its handler. Validation
// failures are answered with an error frame. Store and notifier failures are
// logged and never reach the sender.
func (m *ChatManager) HandleFrame(c *Client, raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		m.reject(c, "", validationError("frame must be {event, data}"))
		return
	}
	m.metrics.InboundFrames.WithLabelValues(f.Event).Inc()

	var err error
	switch f.Event {
	case EventBindIdentity:
		err = m.handleBind(c, f.Data)
	case EventJoinConversation:
		var p JoinConversationPayload
		if err = decodePayload(f.Event, f.Data, &p); err == nil {
			err = m.JoinConversation(c, p.ConversationKey, p.DeviceID)
		}
	case EventSendMessage:
		var p SendMessagePayload
		if err = decodePayload(f.Event, f.Data, &p); err == nil {
			err = m.SendMessage(c, p)
		}
	case EventRequestHistory:
		var p HistoryRequest
		if err = decodePayload(f.Event, f.Data, &p); err == nil {
			err = m.RequestHistory(c, p.ConversationKey, p.ParticipantID)
		}
	case EventRequestConversationList:
		var participantID string
		if participantID, err = decodeParticipant(f.Data); err == nil {
			err = m.RequestConversationList(c, participantID)
		}
	case EventDeleteMessages:
		var p DeleteMessagesPayload
		if err = decodePayload(f.Event, f.Data, &p); err == nil {
			err = m.DeleteMessages(p.ConversationKey, p.MessageIDs)
		}
	case EventRequestContactDevice:
		var p ContactDeviceRequest
		if err = decodePayload(f.Event, f.Data, &p); err == nil {
			err = m.RequestContactDevice(c, p.ConversationKey, p.MyDeviceID)
		}
	default:
		err = validationError("unknown event %q", f.Event)
	}
	if err != nil {
		m.reject(c, f.Event, err)
	}
}

func (m *ChatManager) reject(c *Client, event string, err error) {
	if !errors.Is(err, ErrValidation) {
		m.logger.Error().Err(err).Str("event", event).Str("connection", c.Id).Msg("Frame handler failed.")
		return
	}
	m.metrics.RejectedFrames.WithLabelValues(CodeValidation).Inc()
	m.logger.Warn().Err(err).Str("event", event).Str("connection", c.Id).Msg("Rejected frame.")
	m.reply(c, EventError, ErrorPayload{Code: CodeValidation, Event: event, Message: err.Error()})
}

func (m *ChatManager) handleBind(c *Client, data json.RawMessage) error {
	participantID, err := decodeParticipant(data)
	if err != nil {
		return err
	}
	return m.BindIdentity(c, participantID)
}

// BindIdentity subscribes c to the participant's personal channel and marks
// the participant online. Rebinding to another participant takes the previous
// one offline when c was its last connection.
func (m *ChatManager) BindIdentity(c *Client, participantID string) error {
	participantID = normalizeKey(participantID)
	if participantID == "" {
		return validationError("%s requires a participant id", EventBindIdentity)
	}
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return nil
	}
	wentOffline := m.Subs.bindLocked(c, participantID)
	m.mu.Unlock()

	if wentOffline != "" {
		m.tracker.SetOffline(wentOffline)
	}
	m.tracker.SetOnline(participantID)
	return nil
}

// JoinConversation subscribes c to the room and marks the device active in it.
// A connection is in at most one room, so the previous one is left first.
func (m *ChatManager) JoinConversation(c *Client, conversationKey, deviceID string) error {
	conversationKey, deviceID = normalizeKey(conversationKey), normalizeKey(deviceID)
	if conversationKey == "" || deviceID == "" {
		return validationError("%s requires conversationKey and deviceId", EventJoinConversation)
	}
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return nil
	}
	prevKey, prevDevice, left := m.Subs.joinLocked(c, conversationKey, deviceID)
	m.mu.Unlock()

	if left {
		m.tracker.LeaveRoom(prevKey, prevDevice)
	}
	m.tracker.JoinRoom(conversationKey, deviceID)
	return nil
}
