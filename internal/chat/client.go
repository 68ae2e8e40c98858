package chat

import (
	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"
)

// Client is one live connection and its session bindings.
type Client struct {
	Id   string
	Conn ConnLike
	Send chan []byte

	manager *ChatManager
	limiter *rate.Limiter

	// guarded by manager.mu
	participantID   string
	conversationKey string
	deviceID        string
	closed          bool
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Session returns the bound participant, conversation and device ids.
func (c *Client) Session() (participantID, conversationKey, deviceID string) {
	c.manager.mu.RLock()
	defer c.manager.mu.RUnlock()
	return c.participantID, c.conversationKey, c.deviceID
}

// ReadPump handles frames in arrival order until the connection fails.
func (c *Client) ReadPump() {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.manager.metrics.RejectedFrames.WithLabelValues(CodeRateLimited).Inc()
			c.manager.reply(c, EventError, ErrorPayload{Code: CodeRateLimited, Message: "too many frames"})
			continue
		}
		c.manager.HandleFrame(c, data)
	}
}

// WritePump writes queued frames until Send is closed. A failed write closes
// the connection so ReadPump returns.
func (c *Client) WritePump() {
	failed := false
	for data := range c.Send {
		if failed {
			continue
		}
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			failed = true
			c.manager.logger.Debug().Err(err).Str("connection", c.Id).Msg("Write failed, closing connection.")
			_ = c.Conn.Close()
		}
	}
}
