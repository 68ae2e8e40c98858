package chat

import "strings"

// Subscriptions maps rooms and personal channels to live connections.
// Guarded by ChatManager.mu.
type Subscriptions struct {
	Rooms    map[string]map[*Client]bool // conversation key -> clients
	Personal map[string]map[*Client]bool // participant id -> clients
}

func newSubscriptions() *Subscriptions {
	return &Subscriptions{
		Rooms:    map[string]map[*Client]bool{},
		Personal: map[string]map[*Client]bool{},
	}
}

// keys are opaque, only surrounding whitespace is dropped
func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// bindLocked moves c to the personal channel of participantID. It returns the
// previous participant when c leaves that participant's last connection.
func (s *Subscriptions) bindLocked(c *Client, participantID string) (wentOffline string) {
	if c.participantID == participantID {
		add(s.Personal, participantID, c)
		return ""
	}
	previous := c.participantID
	if s.unbindLocked(c) {
		wentOffline = previous
	}
	c.participantID = participantID
	add(s.Personal, participantID, c)
	return wentOffline
}

// unbindLocked removes c from its personal channel and reports whether that
// was the participant's last connection.
func (s *Subscriptions) unbindLocked(c *Client) bool {
	if c.participantID == "" {
		return false
	}
	empty := remove(s.Personal, c.participantID, c)
	c.participantID = ""
	return empty
}

// joinLocked subscribes c to the room, leaving its previous room first. It
// returns the room and device to emit a leave for, if any.
func (s *Subscriptions) joinLocked(c *Client, conversationKey, deviceID string) (prevKey, prevDevice string, left bool) {
	if c.conversationKey != "" && (c.conversationKey != conversationKey || c.deviceID != deviceID) {
		prevKey, prevDevice = c.conversationKey, c.deviceID
		left = s.leaveLocked(c)
	}
	c.conversationKey, c.deviceID = conversationKey, deviceID
	add(s.Rooms, conversationKey, c)
	return prevKey, prevDevice, left
}

// leaveLocked removes c from its room. It reports true unless another
// connection in the room still shows the same device as active.
func (s *Subscriptions) leaveLocked(c *Client) bool {
	key, device := c.conversationKey, c.deviceID
	if key == "" {
		return false
	}
	remove(s.Rooms, key, c)
	c.conversationKey, c.deviceID = "", ""
	for other := range s.Rooms[key] {
		if other.deviceID == device {
			return false
		}
	}
	return true
}

// inRoomLocked reports whether c is joined to the room.
func (s *Subscriptions) inRoomLocked(conversationKey string, c *Client) bool {
	return s.Rooms[conversationKey][c]
}

func add(set map[string]map[*Client]bool, key string, c *Client) {
	if _, ok := set[key]; !ok {
		set[key] = map[*Client]bool{}
	}
	set[key][c] = true
}

// remove reports whether the key has no clients left.
func remove(set map[string]map[*Client]bool, key string, c *Client) bool {
	clients, ok := set[key]
	if !ok {
		return true
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(set, key)
		return true
	}
	return false
}
