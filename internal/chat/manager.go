// Package chat is the relay core: connection sessions, rooms, personal
// channels and the message, history and deletion protocol.
package chat

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-relay/internal/history"
	"github.com/pelusa-v/pelusa-relay/internal/metrics"
	"github.com/pelusa-v/pelusa-relay/internal/presence"
	"github.com/pelusa-v/pelusa-relay/internal/push"
	"github.com/pelusa-v/pelusa-relay/internal/store"
)

const (
	DefaultNotificationTitle = "New private message"
	defaultStoreTimeout      = 5 * time.Second
	defaultSendBuffer        = 64
	conversationShards       = 64
)

// Options wires the relay to its collaborators.
type Options struct {
	Messages   store.MessageStore
	Registry   store.DeviceRegistry
	Dispatcher push.Dispatcher // nil disables push notifications
	Cache      *history.Cache
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics

	NotificationTitle string
	StoreTimeout      time.Duration
	SendBuffer        int
	FramesPerSecond   float64 // <= 0 disables the per-connection limit
}

type ChatManager struct {
	// transition serializes session changes together with their presence
	// updates. Lock order: transition, then the tracker, then mu.
	transition sync.Mutex
	mu         sync.RWMutex

	Clients map[string]*Client // id -> client
	Subs    *Subscriptions

	RegisterChan   chan *Client
	UnregisterChan chan *Client
	done           chan struct{}
	stopOnce       sync.Once

	messages   store.MessageStore
	registry   store.DeviceRegistry
	dispatcher push.Dispatcher
	cache      *history.Cache
	tracker    *presence.Tracker
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	opts       Options

	// send and delete are serialized per conversation
	convLocks [conversationShards]sync.Mutex
}

// NewManager returns an idle manager. Call Start to process registrations.
func NewManager(opts Options) *ChatManager {
	if opts.NotificationTitle == "" {
		opts.NotificationTitle = DefaultNotificationTitle
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Cache == nil {
		opts.Cache = history.NewCache(history.DefaultConversations, history.DefaultPerConversation)
	}
	m := &ChatManager{
		Clients:        map[string]*Client{},
		Subs:           newSubscriptions(),
		RegisterChan:   make(chan *Client),
		UnregisterChan: make(chan *Client),
		done:           make(chan struct{}),
		messages:       opts.Messages,
		registry:       opts.Registry,
		dispatcher:     opts.Dispatcher,
		cache:          opts.Cache,
		logger:         opts.Logger.With().Str("component", "ChatManager").Logger(),
		metrics:        opts.Metrics,
		opts:           opts,
	}
	m.tracker = presence.NewTracker(m)
	return m
}

// Presence exposes the tracker for read-only views.
func (m *ChatManager) Presence() *presence.Tracker {
	return m.tracker
}

// ConnectionCount returns the number of live connections.
func (m *ChatManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Clients)
}

// NewClient builds a session for conn with a fresh connection id.
func (m *ChatManager) NewClient(conn ConnLike) *Client {
	c := &Client{
		Id:      uuid.NewString(),
		Conn:    conn,
		Send:    make(chan []byte, m.opts.SendBuffer),
		manager: m,
	}
	if m.opts.FramesPerSecond > 0 {
		burst := int(m.opts.FramesPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(m.opts.FramesPerSecond), burst)
	}
	return c
}

// Start processes registrations until ctx is canceled.
func (m *ChatManager) Start(ctx context.Context) {
	defer m.stopOnce.Do(func() { close(m.done) })
	for {
		select {
		case client := <-m.RegisterChan:
			m.Connect(client)
		case client := <-m.UnregisterChan:
			m.Disconnect(client)
		case <-ctx.Done():
			return
		}
	}
}

// Register hands c to the Start loop. It returns immediately once the loop
// has stopped.
func (m *ChatManager) Register(c *Client) {
	select {
	case m.RegisterChan <- c:
	case <-m.done:
	}
}

// Unregister hands c to the Start loop for cleanup.
func (m *ChatManager) Unregister(c *Client) {
	select {
	case m.UnregisterChan <- c:
	case <-m.done:
		m.Disconnect(c)
	}
}

// Connect records a live connection.
func (m *ChatManager) Connect(c *Client) {
	m.mu.Lock()
	m.Clients[c.Id] = c
	m.mu.Unlock()
	m.metrics.Connections.Inc()
	m.logger.Debug().Str("connection", c.Id).Msg("Client connected.")
}

// Disconnect drops the session. The participant goes offline when this was
// its last connection, and that broadcast goes out before the room update.
func (m *ChatManager) Disconnect(c *Client) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return
	}
	c.closed = true
	_, registered := m.Clients[c.Id]
	delete(m.Clients, c.Id)
	participantID, conversationKey, deviceID := c.participantID, c.conversationKey, c.deviceID
	offline := m.Subs.unbindLocked(c)
	leave := m.Subs.leaveLocked(c)
	close(c.Send)
	m.mu.Unlock()

	if registered {
		m.metrics.Connections.Dec()
	}
	if offline {
		m.tracker.SetOffline(participantID)
	}
	if leave {
		m.tracker.LeaveRoom(conversationKey, deviceID)
	}
	m.logger.Debug().
		Str("connection", c.Id).
		Str("participant", participantID).
		Str("conversation", conversationKey).
		Msg("Client disconnected.")
}

// BroadcastAll sends an event to every live connection.
func (m *ChatManager) BroadcastAll(event string, data any) {
	b, ok := m.encode(event, data)
	if !ok {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.Clients {
		deliver(c, b)
	}
	m.metrics.Broadcasts.WithLabelValues(event).Inc()
}

// BroadcastRoom sends an event to every connection joined to the conversation.
func (m *ChatManager) BroadcastRoom(conversationKey, event string, data any) {
	b, ok := m.encode(event, data)
	if !ok {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for c := range m.Subs.Rooms[conversationKey] {
		deliver(c, b)
	}
	m.metrics.Broadcasts.WithLabelValues(event).Inc()
}

// EmitToParticipant sends an event to the participant's personal channel.
func (m *ChatManager) EmitToParticipant(participantID, event string, data any) {
	b, ok := m.encode(event, data)
	if !ok {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for c := range m.Subs.Personal[participantID] {
		deliver(c, b)
	}
}

// reply sends an event to one connection only.
func (m *ChatManager) reply(c *Client, event string, data any) {
	b, ok := m.encode(event, data)
	if !ok {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	deliver(c, b)
}

func (m *ChatManager) encode(event string, data any) ([]byte, bool) {
	b, err := json.Marshal(&outboundFrame{Event: event, Data: data})
	if err != nil {
		m.logger.Error().Err(err).Str("event", event).Msg("Could not encode frame.")
		return nil, false
	}
	return b, true
}

// deliver must run under manager.mu so Send is not closed concurrently.
// Slow consumers lose frames instead of stalling the sender.
func deliver(c *Client, b []byte) {
	if c.closed {
		return
	}
	select {
	case c.Send <- b:
	default:
	}
}

func (m *ChatManager) conversationLock(conversationKey string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationKey))
	return &m.convLocks[h.Sum32()%conversationShards]
}

func (m *ChatManager) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.opts.StoreTimeout)
}
