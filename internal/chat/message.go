package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pelusa-v/pelusa-relay/internal/store"
)

// client -> server events
const (
	EventJoinConversation        = "joinConversation"
	EventBindIdentity            = "bindIdentity"
	EventSendMessage             = "sendMessage"
	EventRequestHistory          = "requestHistory"
	EventRequestConversationList = "requestConversationListHistory"
	EventDeleteMessages          = "deleteMessages"
	EventRequestContactDevice    = "requestContactDeviceId"
)

// server -> client events
const (
	EventMessageReceived          = "messageReceived"
	EventConversationListUpdate   = "conversationListUpdate"
	EventMessagesDeleted          = "messagesDeleted"
	EventHistoryResponse          = "historyResponse"
	EventConversationListResponse = "conversationListResponse"
	EventContactDeviceID          = "contactDeviceId"
	EventError                    = "error"
)

// error frame codes
const (
	CodeValidation  = "validation"
	CodeRateLimited = "rate_limited"
)

// ErrValidation marks an inbound frame missing a required field.
var ErrValidation = errors.New("validation failed")

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type JoinConversationPayload struct {
	ConversationKey string `json:"conversationKey"`
	DeviceID        string `json:"deviceId"`
}

type SendMessagePayload struct {
	ConversationKey string        `json:"conversationKey"`
	Message         store.Message `json:"message"`
	SenderID        string        `json:"senderId"`
	To              string        `json:"to,omitempty"`
}

type HistoryRequest struct {
	ConversationKey string `json:"conversationKey"`
	ParticipantID   string `json:"participantId"`
}

type DeleteMessagesPayload struct {
	ConversationKey string   `json:"conversationKey"`
	MessageIDs      []string `json:"messageIds"`
}

type ContactDeviceRequest struct {
	ConversationKey string `json:"conversationKey"`
	MyDeviceID      string `json:"myDeviceId"`
}

// ConversationListUpdate is the lightweight inbox signal sent after a message.
type ConversationListUpdate struct {
	ConversationKey string `json:"conversationKey"`
	LastMessage     string `json:"lastMessage"`
	Timestamp       int64  `json:"timestamp"`
	Sender          string `json:"sender"`
}

type MessagesDeleted struct {
	ConversationKey string   `json:"conversationKey"`
	MessageIDs      []string `json:"messageIds"`
}

type HistoryResponse struct {
	ConversationKey string          `json:"conversationKey"`
	Messages        []store.Message `json:"messages"`
}

type ContactDeviceID struct {
	DeviceID        string `json:"deviceId"`
	ConversationKey string `json:"conversationKey"`
}

// ErrorPayload is sent back to the connection whose frame was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// decodeParticipant accepts either a bare JSON string or an object with a
// participantId field.
func decodeParticipant(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id), nil
	}
	var obj struct {
		ParticipantID string `json:"participantId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", validationError("participant id must be a string")
	}
	return strings.TrimSpace(obj.ParticipantID), nil
}

func decodePayload(event string, data json.RawMessage, v any) error {
	if len(data) == 0 {
		return validationError("%s requires a payload", event)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return validationError("%s payload: %v", event, err)
	}
	return nil
}
