package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-relay/internal/history"
	"github.com/pelusa-v/pelusa-relay/internal/metrics"
	"github.com/pelusa-v/pelusa-relay/internal/presence"
	"github.com/pelusa-v/pelusa-relay/internal/push"
	"github.com/pelusa-v/pelusa-relay/internal/store"
	"github.com/pelusa-v/pelusa-relay/internal/store/memory"
)

type fakeConn struct {
	in chan []byte

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeConn(frames ...[]byte) *fakeConn {
	in := make(chan []byte, len(frames))
	for _, f := range frames {
		in <- f
	}
	close(in)
	return &fakeConn{in: in}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	b, ok := <-f.in
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, b, nil
}

func (f *fakeConn) WriteMessage(_ int, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, b)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []push.Notification
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n push.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) Close() error { return nil }

func (d *recordingDispatcher) addresses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, n := range d.sent {
		out = append(out, n.DeliveryAddress)
	}
	return out
}

// brokenStore fails every message read and write.
type brokenStore struct {
	*memory.Store
}

var errBroken = errors.New("store unavailable")

func (brokenStore) UpsertMessage(context.Context, store.Message) error { return errBroken }
func (brokenStore) ListConversation(context.Context, string) ([]store.Message, error) {
	return nil, errBroken
}

type harness struct {
	m          *ChatManager
	store      *memory.Store
	dispatcher *recordingDispatcher
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	h := &harness{store: memory.New(), dispatcher: &recordingDispatcher{}}
	opts := Options{
		Messages:   h.store,
		Registry:   h.store,
		Dispatcher: h.dispatcher,
		Cache:      history.NewCache(8, 16),
		Logger:     zerolog.Nop(),
		Metrics:    metrics.New(prometheus.NewRegistry()),
		SendBuffer: 256,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	h.m = NewManager(opts)
	return h
}

func (h *harness) connect() *Client {
	c := h.m.NewClient(newFakeConn())
	h.m.Connect(c)
	return c
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func drain(t *testing.T, c *Client) []received {
	t.Helper()
	var out []received
	for {
		select {
		case b, ok := <-c.Send:
			if !ok {
				return out
			}
			var r received
			require.NoError(t, json.Unmarshal(b, &r))
			out = append(out, r)
		default:
			return out
		}
	}
}

func only(frames []received, event string) []received {
	var out []received
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func decode[T any](t *testing.T, r received) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.Data, &v))
	return v
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	b, err := json.Marshal(Frame{Event: event, Data: raw})
	require.NoError(t, err)
	return b
}

func send(t *testing.T, h *harness, c *Client, key string, msg store.Message) {
	t.Helper()
	h.m.HandleFrame(c, frame(t, EventSendMessage, SendMessagePayload{
		ConversationKey: key,
		Message:         msg,
		SenderID:        msg.SenderID,
	}))
}

func TestIdempotentSend(t *testing.T) {
	h := newHarness(t)
	c := h.connect()
	require.NoError(t, h.m.JoinConversation(c, "k1", "d1"))
	drain(t, c)

	send(t, h, c, "k1", store.Message{ID: "m1", SenderID: "u1", Text: "first", Timestamp: 1})
	send(t, h, c, "k1", store.Message{ID: "m1", SenderID: "u1", Text: "second", Timestamp: 2})

	stored, err := h.store.ListConversation(context.Background(), "k1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "second", stored[0].Text)

	got := only(drain(t, c), EventMessageReceived)
	require.Len(t, got, 2)
	assert.Equal(t, "first", decode[store.Message](t, got[0]).Text)
	assert.Equal(t, "second", decode[store.Message](t, got[1]).Text)
}

func TestRoomIsolation(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()
	require.NoError(t, h.m.JoinConversation(a, "A", "da"))
	require.NoError(t, h.m.JoinConversation(b, "B", "db"))
	drain(t, a)
	drain(t, b)

	send(t, h, a, "A", store.Message{ID: "m1", SenderID: "u1", Text: "hi"})

	assert.Len(t, only(drain(t, a), EventMessageReceived), 1)
	frames := drain(t, b)
	assert.Empty(t, only(frames, EventMessageReceived))
	assert.Empty(t, only(frames, EventConversationListUpdate))
}

func TestPresenceCompleteness(t *testing.T) {
	h := newHarness(t)
	ids := []string{"u1", "u2", "u3"}
	clients := make([]*Client, len(ids))
	for i, id := range ids {
		clients[i] = h.connect()
		require.NoError(t, h.m.BindIdentity(clients[i], id))
	}
	for _, c := range clients {
		snaps := only(drain(t, c), presence.EventSnapshot)
		require.NotEmpty(t, snaps)
		assert.Equal(t, map[string]bool{"u1": true, "u2": true, "u3": true}, decode[map[string]bool](t, snaps[len(snaps)-1]))
	}

	h.m.Disconnect(clients[1])
	for _, c := range []*Client{clients[0], clients[2]} {
		snaps := only(drain(t, c), presence.EventSnapshot)
		require.Len(t, snaps, 1)
		assert.Equal(t, map[string]bool{"u1": true, "u2": false, "u3": true}, decode[map[string]bool](t, snaps[0]))
	}
}

func TestDisconnect(t *testing.T) {
	t.Run("Success - offline is broadcast before the room update", func(t *testing.T) {
		h := newHarness(t)
		leaving, watcher := h.connect(), h.connect()
		require.NoError(t, h.m.BindIdentity(leaving, "u1"))
		require.NoError(t, h.m.JoinConversation(leaving, "k1", "d1"))
		require.NoError(t, h.m.JoinConversation(watcher, "k1", "d2"))
		drain(t, watcher)

		h.m.Disconnect(leaving)

		frames := drain(t, watcher)
		require.Len(t, frames, 2)
		assert.Equal(t, presence.EventSnapshot, frames[0].Event)
		assert.Equal(t, map[string]bool{"u1": false}, decode[map[string]bool](t, frames[0]))
		assert.Equal(t, presence.EventRoomActiveDevices, frames[1].Event)
		assert.Equal(t, []string{"d2"}, decode[[]string](t, frames[1]))
	})

	t.Run("Success - participant stays online while another connection is bound", func(t *testing.T) {
		h := newHarness(t)
		first, second := h.connect(), h.connect()
		require.NoError(t, h.m.BindIdentity(first, "u1"))
		require.NoError(t, h.m.BindIdentity(second, "u1"))
		drain(t, second)

		h.m.Disconnect(first)

		assert.Empty(t, only(drain(t, second), presence.EventSnapshot))
		assert.Equal(t, map[string]bool{"u1": true}, h.m.Presence().Snapshot())
	})

	t.Run("Success - disconnect is idempotent", func(t *testing.T) {
		h := newHarness(t)
		c := h.connect()
		h.m.Disconnect(c)
		h.m.Disconnect(c)
		assert.Equal(t, 0, h.m.ConnectionCount())
	})
}

func TestRoomActiveAccuracy(t *testing.T) {
	h := newHarness(t)
	c1, c2, c3 := h.connect(), h.connect(), h.connect()
	require.NoError(t, h.m.JoinConversation(c1, "k1", "d1"))
	require.NoError(t, h.m.JoinConversation(c2, "k1", "d2"))
	require.NoError(t, h.m.JoinConversation(c3, "k2", "d3"))

	joined := only(drain(t, c1), presence.EventRoomActiveDevices)
	require.Len(t, joined, 2)
	assert.Equal(t, []string{"d1", "d2"}, decode[[]string](t, joined[1]))
	drain(t, c2)
	drain(t, c3)

	h.m.Disconnect(c2)
	left := only(drain(t, c1), presence.EventRoomActiveDevices)
	require.Len(t, left, 1)
	assert.Equal(t, []string{"d1"}, decode[[]string](t, left[0]))
	assert.Empty(t, drain(t, c3))

	// moving rooms leaves the previous one first
	require.NoError(t, h.m.JoinConversation(c1, "k2", "d1"))
	assert.Empty(t, h.m.Presence().ActiveDevices("k1"))
	assert.Equal(t, []string{"d3", "d1"}, h.m.Presence().ActiveDevices("k2"))
	moved := only(drain(t, c3), presence.EventRoomActiveDevices)
	require.Len(t, moved, 1)
	assert.Equal(t, []string{"d3", "d1"}, decode[[]string](t, moved[0]))
}

func TestRequestHistory(t *testing.T) {
	t.Run("Success - creation order, not timestamp order", func(t *testing.T) {
		h := newHarness(t)
		c := h.connect()
		for i, ts := range []int64{3, 1, 2} {
			send(t, h, c, "k1", store.Message{ID: string(rune('a' + i)), SenderID: "u1", Timestamp: ts})
		}
		require.NoError(t, h.m.RequestHistory(c, "k1", "u1"))

		replies := only(drain(t, c), EventHistoryResponse)
		require.Len(t, replies, 1)
		resp := decode[HistoryResponse](t, replies[0])
		assert.Equal(t, "k1", resp.ConversationKey)
		require.Len(t, resp.Messages, 3)
		assert.Equal(t, []int64{3, 1, 2}, []int64{resp.Messages[0].Timestamp, resp.Messages[1].Timestamp, resp.Messages[2].Timestamp})
	})

	t.Run("Success - falls back to the cache when the store fails", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.Messages = brokenStore{memory.New()} })
		c := h.connect()
		require.NoError(t, h.m.JoinConversation(c, "k1", "d1"))
		send(t, h, c, "k1", store.Message{ID: "m1", SenderID: "u1", Text: "cached"})
		assert.Len(t, only(drain(t, c), EventMessageReceived), 1, "broadcast survives a failed write")

		require.NoError(t, h.m.RequestHistory(c, "k1", "u1"))
		replies := only(drain(t, c), EventHistoryResponse)
		require.Len(t, replies, 1)
		resp := decode[HistoryResponse](t, replies[0])
		require.Len(t, resp.Messages, 1)
		assert.Equal(t, "cached", resp.Messages[0].Text)
	})

	t.Run("Success - empty conversation is an empty list", func(t *testing.T) {
		h := newHarness(t)
		c := h.connect()
		require.NoError(t, h.m.RequestHistory(c, "k-empty", ""))
		replies := only(drain(t, c), EventHistoryResponse)
		require.Len(t, replies, 1)
		assert.JSONEq(t, `{"conversationKey":"k-empty","messages":[]}`, string(replies[0].Data))
	})

	t.Run("Failure - store down and nothing cached", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.Messages = brokenStore{memory.New()} })
		c := h.connect()
		require.NoError(t, h.m.RequestHistory(c, "k9", "u1"))
		assert.Empty(t, drain(t, c))
	})

	t.Run("Failure - missing conversation key", func(t *testing.T) {
		h := newHarness(t)
		c := h.connect()
		err := h.m.RequestHistory(c, " ", "u1")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestRequestConversationList(t *testing.T) {
	h := newHarness(t)
	p := h.connect()
	require.NoError(t, h.m.BindIdentity(p, "P"))
	send(t, h, p, "A", store.Message{ID: "a1", SenderID: "P", Timestamp: 10})
	send(t, h, p, "A", store.Message{ID: "a2", SenderID: "P", Timestamp: 50})
	send(t, h, p, "B", store.Message{ID: "b1", SenderID: "Q", RecipientID: "P", Timestamp: 80})
	send(t, h, p, "C", store.Message{ID: "c1", SenderID: "Q", RecipientID: "R", Timestamp: 90})
	drain(t, p)

	h.m.HandleFrame(p, frame(t, EventRequestConversationList, "P"))

	replies := only(drain(t, p), EventConversationListResponse)
	require.Len(t, replies, 1)
	list := decode[map[string]store.Message](t, replies[0])
	require.Len(t, list, 2)
	assert.Equal(t, int64(50), list["A"].Timestamp)
	assert.Equal(t, int64(80), list["B"].Timestamp)

	t.Run("Success - defaults to the bound participant", func(t *testing.T) {
		require.NoError(t, h.m.RequestConversationList(p, ""))
		replies := only(drain(t, p), EventConversationListResponse)
		require.Len(t, replies, 1)
		assert.Len(t, decode[map[string]store.Message](t, replies[0]), 2)
	})
}

func TestDeleteMessages(t *testing.T) {
	t.Run("Success - deletion is scoped to the conversation", func(t *testing.T) {
		h := newHarness(t)
		a, b := h.connect(), h.connect()
		require.NoError(t, h.m.JoinConversation(a, "A", "da"))
		require.NoError(t, h.m.JoinConversation(b, "B", "db"))
		send(t, h, a, "A", store.Message{ID: "1", SenderID: "u1"})
		send(t, h, a, "A", store.Message{ID: "2", SenderID: "u1"})
		send(t, h, b, "B", store.Message{ID: "1", SenderID: "u2"})
		drain(t, a)
		drain(t, b)

		h.m.HandleFrame(a, frame(t, EventDeleteMessages, DeleteMessagesPayload{ConversationKey: "A", MessageIDs: []string{"1", "2", "missing"}}))

		left, err := h.store.ListConversation(context.Background(), "A")
		require.NoError(t, err)
		assert.Empty(t, left)
		kept, err := h.store.ListConversation(context.Background(), "B")
		require.NoError(t, err)
		require.Len(t, kept, 1)

		deleted := only(drain(t, a), EventMessagesDeleted)
		require.Len(t, deleted, 1)
		assert.Equal(t, []string{"1", "2", "missing"}, decode[MessagesDeleted](t, deleted[0]).MessageIDs)
		assert.Empty(t, only(drain(t, b), EventMessagesDeleted))

		cached, _ := h.m.cache.Recent("A")
		assert.Empty(t, cached)
	})

	t.Run("Failure - empty id list", func(t *testing.T) {
		h := newHarness(t)
		c := h.connect()
		h.m.HandleFrame(c, frame(t, EventDeleteMessages, DeleteMessagesPayload{ConversationKey: "A"}))
		errs := only(drain(t, c), EventError)
		require.Len(t, errs, 1)
		assert.Equal(t, EventDeleteMessages, decode[ErrorPayload](t, errs[0]).Event)
	})
}

func TestNotificationExclusion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"S", "R1", "R2"} {
		require.NoError(t, h.store.Register(ctx, store.DeviceRegistration{ParticipantID: id, DeliveryAddress: "tok-" + id, ConversationKey: "k1"}))
	}
	c := h.connect()
	send(t, h, c, "k1", store.Message{ID: "m1", SenderID: "S", Text: "hello"})

	assert.ElementsMatch(t, []string{"tok-R1", "tok-R2"}, h.dispatcher.addresses())
	n := h.dispatcher.sent[0]
	assert.Equal(t, DefaultNotificationTitle, n.Title)
	assert.Equal(t, "hello", n.Body)
	assert.Equal(t, "k1", n.ConversationKey)
	assert.JSONEq(t, `{"id":"m1","conversationKey":"k1","senderId":"S","text":"hello","timestamp":0}`, string(n.Data))
}

// deadlineDispatcher records whether each dispatch carried a deadline.
type deadlineDispatcher struct {
	mu        sync.Mutex
	deadlines []bool
}

func (d *deadlineDispatcher) Dispatch(ctx context.Context, _ push.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := ctx.Deadline()
	d.deadlines = append(d.deadlines, ok)
	return nil
}

func (d *deadlineDispatcher) Close() error { return nil }

func TestSendMessage(t *testing.T) {
	t.Run("Success - broadcast survives a store failure", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.Messages = brokenStore{memory.New()} })
		require.NoError(t, h.store.Register(context.Background(), store.DeviceRegistration{ParticipantID: "R1", DeliveryAddress: "tok-R1", ConversationKey: "k1"}))
		c := h.connect()
		require.NoError(t, h.m.JoinConversation(c, "k1", "d1"))
		drain(t, c)

		send(t, h, c, "k1", store.Message{ID: "m1", SenderID: "S", Text: "still here"})

		frames := drain(t, c)
		assert.Len(t, only(frames, EventMessageReceived), 1)
		assert.Len(t, only(frames, EventConversationListUpdate), 1)
		assert.Empty(t, only(frames, EventError))
		assert.Equal(t, []string{"tok-R1"}, h.dispatcher.addresses())
	})

	t.Run("Success - unidentified sender is not pushed", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		for _, id := range []string{"S", "R1"} {
			require.NoError(t, h.store.Register(ctx, store.DeviceRegistration{ParticipantID: id, DeliveryAddress: "tok-" + id, ConversationKey: "k1"}))
		}
		c := h.connect()
		require.NoError(t, h.m.JoinConversation(c, "k1", "d1"))
		drain(t, c)

		send(t, h, c, "k1", store.Message{ID: "m1", Text: "anonymous"})

		assert.Len(t, only(drain(t, c), EventMessageReceived), 1)
		assert.Empty(t, h.dispatcher.addresses())
	})

	t.Run("Success - dispatch is bounded by a deadline", func(t *testing.T) {
		dispatcher := &deadlineDispatcher{}
		h := newHarness(t, func(o *Options) { o.Dispatcher = dispatcher })
		require.NoError(t, h.store.Register(context.Background(), store.DeviceRegistration{ParticipantID: "R1", DeliveryAddress: "tok-R1", ConversationKey: "k1"}))
		c := h.connect()

		send(t, h, c, "k1", store.Message{ID: "m1", SenderID: "S", Text: "hi"})

		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		assert.Equal(t, []bool{true}, dispatcher.deadlines)
	})
}

func TestPresenceSurvivesConcurrentReconnect(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newHarness(t)
		old := h.connect()
		require.NoError(t, h.m.BindIdentity(old, "u1"))
		require.NoError(t, h.m.JoinConversation(old, "k1", "d1"))
		fresh := h.connect()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.m.Disconnect(old)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, h.m.BindIdentity(fresh, "u1"))
			assert.NoError(t, h.m.JoinConversation(fresh, "k1", "d1"))
		}()
		wg.Wait()

		require.Equal(t, map[string]bool{"u1": true}, h.m.Presence().Snapshot(), "iteration %d", i)
		require.Equal(t, []string{"d1"}, h.m.Presence().ActiveDevices("k1"), "iteration %d", i)
	}
}

func TestTwoDeviceConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Register(ctx, store.DeviceRegistration{ParticipantID: "U1", DeliveryAddress: "ExponentPushToken[u1]", ConversationKey: "k1"}))
	require.NoError(t, h.store.Register(ctx, store.DeviceRegistration{ParticipantID: "U2", DeliveryAddress: "ExponentPushToken[u2]", ConversationKey: "k1"}))

	d1, d2 := h.connect(), h.connect()
	require.NoError(t, h.m.BindIdentity(d1, "U1"))
	require.NoError(t, h.m.BindIdentity(d2, "U2"))
	require.NoError(t, h.m.JoinConversation(d1, "k1", "D1"))
	require.NoError(t, h.m.JoinConversation(d2, "k1", "D2"))
	drain(t, d1)
	drain(t, d2)

	send(t, h, d1, "k1", store.Message{ID: "m1", SenderID: "U1", Text: "hi"})

	for _, c := range []*Client{d1, d2} {
		got := only(drain(t, c), EventMessageReceived)
		require.Len(t, got, 1)
		msg := decode[store.Message](t, got[0])
		assert.Equal(t, "k1", msg.ConversationKey)
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "hi", msg.Text)
	}

	counterpart, err := h.store.FindCounterpart(ctx, "k1", "U1")
	require.NoError(t, err)
	assert.Equal(t, "U2", counterpart.ParticipantID)
	assert.Equal(t, []string{"ExponentPushToken[u2]"}, h.dispatcher.addresses())

	require.NoError(t, h.m.RequestContactDevice(d1, "k1", "U1"))
	replies := only(drain(t, d1), EventContactDeviceID)
	require.Len(t, replies, 1)
	assert.Equal(t, ContactDeviceID{DeviceID: "U2", ConversationKey: "k1"}, decode[ContactDeviceID](t, replies[0]))
}

func TestRequestContactDeviceNotFound(t *testing.T) {
	h := newHarness(t)
	c := h.connect()
	require.NoError(t, h.m.RequestContactDevice(c, "k1", "U1"))
	assert.Empty(t, drain(t, c))
}

func TestListUpdateReachesRecipientOutsideRoom(t *testing.T) {
	h := newHarness(t)
	sender, inbox := h.connect(), h.connect()
	require.NoError(t, h.m.BindIdentity(sender, "U1"))
	require.NoError(t, h.m.JoinConversation(sender, "k1", "D1"))
	require.NoError(t, h.m.BindIdentity(inbox, "U2"))
	drain(t, inbox)

	h.m.HandleFrame(sender, frame(t, EventSendMessage, SendMessagePayload{
		ConversationKey: "k1",
		Message:         store.Message{ID: "m1", Text: "ping", Timestamp: 7},
		SenderID:        "U1",
		To:              "U2",
	}))

	frames := drain(t, inbox)
	assert.Empty(t, only(frames, EventMessageReceived))
	updates := only(frames, EventConversationListUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, ConversationListUpdate{ConversationKey: "k1", LastMessage: "ping", Timestamp: 7, Sender: "U1"}, decode[ConversationListUpdate](t, updates[0]))

	assert.Len(t, only(drain(t, sender), EventConversationListUpdate), 1)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		raw   []byte
		event string
	}{
		{"Failure - malformed frame", []byte("{"), ""},
		{"Failure - unknown event", []byte(`{"event":"dance","data":{}}`), "dance"},
		{"Failure - send without id", frame(t, EventSendMessage, SendMessagePayload{ConversationKey: "k1"}), EventSendMessage},
		{"Failure - join without device", frame(t, EventJoinConversation, JoinConversationPayload{ConversationKey: "k1"}), EventJoinConversation},
		{"Failure - bind without participant", []byte(`{"event":"bindIdentity","data":""}`), EventBindIdentity},
		{"Failure - contact without payload", []byte(`{"event":"requestContactDeviceId"}`), EventRequestContactDevice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.connect()
			h.m.HandleFrame(c, tc.raw)

			frames := drain(t, c)
			require.Len(t, frames, 1)
			require.Equal(t, EventError, frames[0].Event)
			payload := decode[ErrorPayload](t, frames[0])
			assert.Equal(t, CodeValidation, payload.Code)
			assert.Equal(t, tc.event, payload.Event)

			stored, err := h.store.ListConversation(context.Background(), "k1")
			require.NoError(t, err)
			assert.Empty(t, stored)
		})
	}
}

func TestBindIdentityFrameShapes(t *testing.T) {
	h := newHarness(t)
	c := h.connect()
	h.m.HandleFrame(c, []byte(`{"event":"bindIdentity","data":"u1"}`))
	h.m.HandleFrame(c, []byte(`{"event":"bindIdentity","data":{"participantId":"u2"}}`))

	// rebinding moves the connection, so u1 has no connection left
	assert.Equal(t, map[string]bool{"u1": false, "u2": true}, h.m.Presence().Snapshot())
	participantID, _, _ := c.Session()
	assert.Equal(t, "u2", participantID)
}

func TestPumps(t *testing.T) {
	t.Run("Success - read pump handles frames then stops on EOF", func(t *testing.T) {
		h := newHarness(t)
		conn := newFakeConn(
			[]byte(`{"event":"bindIdentity","data":"u1"}`),
			frame(t, EventJoinConversation, JoinConversationPayload{ConversationKey: "k1", DeviceID: "d1"}),
		)
		c := h.m.NewClient(conn)
		h.m.Connect(c)
		c.ReadPump()

		participantID, key, device := c.Session()
		assert.Equal(t, []string{"u1", "k1", "d1"}, []string{participantID, key, device})
	})

	t.Run("Failure - frames over the rate limit are rejected", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.FramesPerSecond = 1 })
		conn := newFakeConn(
			[]byte(`{"event":"bindIdentity","data":"u1"}`),
			[]byte(`{"event":"bindIdentity","data":"u2"}`),
			[]byte(`{"event":"bindIdentity","data":"u3"}`),
		)
		c := h.m.NewClient(conn)
		h.m.Connect(c)
		c.ReadPump()

		errs := only(drain(t, c), EventError)
		require.NotEmpty(t, errs)
		assert.Equal(t, CodeRateLimited, decode[ErrorPayload](t, errs[0]).Code)
		participantID, _, _ := c.Session()
		assert.Equal(t, "u1", participantID)
	})

	t.Run("Success - write pump flushes until disconnect", func(t *testing.T) {
		h := newHarness(t)
		conn := newFakeConn()
		c := h.m.NewClient(conn)
		h.m.Connect(c)

		done := make(chan struct{})
		go func() {
			c.WritePump()
			close(done)
		}()
		h.m.reply(c, EventError, ErrorPayload{Code: CodeValidation, Message: "x"})
		h.m.Disconnect(c)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("write pump did not stop")
		}
		conn.mu.Lock()
		defer conn.mu.Unlock()
		require.Len(t, conn.written, 1)
		assert.Contains(t, string(conn.written[0]), `"event":"error"`)
	})
}

func TestStartLoop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.m.Start(ctx)
		close(stopped)
	}()

	c := h.m.NewClient(newFakeConn())
	h.m.Register(c)
	require.Eventually(t, func() bool { return h.m.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
	h.m.Unregister(c)
	require.Eventually(t, func() bool { return h.m.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-stopped

	// after the loop stops, Unregister still cleans up inline
	late := h.m.NewClient(newFakeConn())
	h.m.Connect(late)
	h.m.Unregister(late)
	assert.Equal(t, 0, h.m.ConnectionCount())
}
