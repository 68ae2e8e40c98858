// Package presence tracks which participants are online and which devices
// are actively viewing each conversation.
package presence

import (
	"slices"
	"strings"
	"sync"
)

const (
	// EventSnapshot carries the full participant -> online map.
	EventSnapshot = "presenceSnapshot"
	// EventRoomActiveDevices carries the device ids active in one room.
	EventRoomActiveDevices = "roomActiveDevices"
)

// Broadcaster delivers presence events to live connections.
type Broadcaster interface {
	BroadcastAll(event string, data any)
	BroadcastRoom(conversationKey, event string, data any)
}

// Tracker owns the online map and the per-room active device sets.
// Broadcasts are emitted while the lock is held so every connection observes
// presence changes in mutation order.
type Tracker struct {
	mu     sync.Mutex
	out    Broadcaster
	online map[string]bool
	rooms  map[string][]string // conversation key -> device ids in join order
}

// NewTracker returns an empty tracker that broadcasts through out.
func NewTracker(out Broadcaster) *Tracker {
	return &Tracker{
		out:    out,
		online: map[string]bool{},
		rooms:  map[string][]string{},
	}
}

// SetOnline marks the participant online and broadcasts the full snapshot.
func (t *Tracker) SetOnline(participantID string) {
	t.setStatus(participantID, true)
}

// SetOffline marks the participant offline and broadcasts the full snapshot.
func (t *Tracker) SetOffline(participantID string) {
	t.setStatus(participantID, false)
}

func (t *Tracker) setStatus(participantID string, online bool) {
	if strings.TrimSpace(participantID) == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online[participantID] = online
	t.out.BroadcastAll(EventSnapshot, t.snapshotLocked())
}

// JoinRoom adds the device to the room and broadcasts the room's device list.
func (t *Tracker) JoinRoom(conversationKey, deviceID string) {
	if strings.TrimSpace(conversationKey) == "" || strings.TrimSpace(deviceID) == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	devices := t.rooms[conversationKey]
	if !slices.Contains(devices, deviceID) {
		devices = append(devices, deviceID)
	}
	t.rooms[conversationKey] = devices
	t.out.BroadcastRoom(conversationKey, EventRoomActiveDevices, copyOf(devices))
}

// LeaveRoom removes the device and broadcasts the remaining list, which may
// be empty. Empty rooms are pruned.
func (t *Tracker) LeaveRoom(conversationKey, deviceID string) {
	if strings.TrimSpace(conversationKey) == "" || strings.TrimSpace(deviceID) == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	devices := slices.DeleteFunc(t.rooms[conversationKey], func(id string) bool { return id == deviceID })
	if len(devices) == 0 {
		delete(t.rooms, conversationKey)
	} else {
		t.rooms[conversationKey] = devices
	}
	t.out.BroadcastRoom(conversationKey, EventRoomActiveDevices, copyOf(devices))
}

// Snapshot returns a copy of the online map.
func (t *Tracker) Snapshot() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// ActiveDevices returns the devices currently active in the room.
func (t *Tracker) ActiveDevices(conversationKey string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyOf(t.rooms[conversationKey])
}

func (t *Tracker) snapshotLocked() map[string]bool {
	out := make(map[string]bool, len(t.online))
	for id, online := range t.online {
		out[id] = online
	}
	return out
}

// copyOf never returns nil so empty rooms encode as [].
func copyOf(list []string) []string {
	out := make([]string, len(list))
	copy(out, list)
	return out
}
