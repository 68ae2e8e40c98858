// Package storetest holds behavior checks shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-relay/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the shared suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("upsert keeps one record per id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		msg := store.Message{ID: "m1", ConversationKey: "k1", SenderID: "u1", Text: "hi", Timestamp: 1}
		require.NoError(t, s.UpsertMessage(ctx, msg))
		msg.Text = "hi again"
		msg.Timestamp = 2
		require.NoError(t, s.UpsertMessage(ctx, msg))

		got, err := s.ListConversation(ctx, "k1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "hi again", got[0].Text)
		assert.Equal(t, int64(2), got[0].Timestamp)
		assert.False(t, got[0].CreatedAt.IsZero())
	})

	t.Run("conversation listing follows insertion order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, ts := range []int64{3, 1, 2} {
			id := string(rune('a' + i))
			require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: id, ConversationKey: "k1", SenderID: "u1", Timestamp: ts}))
		}
		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "z", ConversationKey: "other", SenderID: "u1", Timestamp: 9}))

		got, err := s.ListConversation(ctx, "k1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []int64{3, 1, 2}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})
	})

	t.Run("participant listing is newest first and reduces per conversation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "a1", ConversationKey: "A", SenderID: "P", Timestamp: 10}))
		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "b1", ConversationKey: "B", SenderID: "Q", RecipientID: "P", Timestamp: 20}))
		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "a2", ConversationKey: "A", SenderID: "Q", RecipientID: "P", Timestamp: 50}))
		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "b2", ConversationKey: "B", SenderID: "P", Timestamp: 80}))
		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "c1", ConversationKey: "C", SenderID: "Q", Timestamp: 90}))

		got, err := s.ListByParticipant(ctx, "P")
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, "b2", got[0].ID)

		latest := store.LatestPerConversation(got)
		require.Len(t, latest, 2)
		assert.Equal(t, int64(50), latest["A"].Timestamp)
		assert.Equal(t, int64(80), latest["B"].Timestamp)
	})

	t.Run("deletion is scoped to the conversation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "1", ConversationKey: "A", SenderID: "u"}))
		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "2", ConversationKey: "A", SenderID: "u"}))
		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "3", ConversationKey: "A", SenderID: "u"}))
		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "1", ConversationKey: "B", SenderID: "u"}))

		deleted, err := s.DeleteMessages(ctx, "A", []string{"1", "2", "missing"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		a, err := s.ListConversation(ctx, "A")
		require.NoError(t, err)
		require.Len(t, a, 1)
		assert.Equal(t, "3", a[0].ID)

		b, err := s.ListConversation(ctx, "B")
		require.NoError(t, err)
		require.Len(t, b, 1)
		assert.Equal(t, "1", b[0].ID)
	})

	t.Run("purge removes records created before cutoff", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertMessage(ctx, store.Message{ID: "1", ConversationKey: "A", SenderID: "u"}))

		purged, err := s.PurgeExpired(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, purged)

		purged, err = s.PurgeExpired(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		left, err := s.ListConversation(ctx, "A")
		require.NoError(t, err)
		assert.Empty(t, left)
	})

	t.Run("invalid message is rejected", func(t *testing.T) {
		s := newStore(t)
		err := s.UpsertMessage(context.Background(), store.Message{ConversationKey: "A"})
		assert.ErrorIs(t, err, store.ErrInvalidRecord)
	})

	t.Run("registration upserts per participant and conversation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Register(ctx, store.DeviceRegistration{ParticipantID: "S", DeliveryAddress: "tok-s", ConversationKey: "k1"}))
		require.NoError(t, s.Register(ctx, store.DeviceRegistration{ParticipantID: "R1", DeliveryAddress: "tok-r1-old", ConversationKey: "k1"}))
		require.NoError(t, s.Register(ctx, store.DeviceRegistration{ParticipantID: "R1", DeliveryAddress: "tok-r1", ConversationKey: "k1"}))
		require.NoError(t, s.Register(ctx, store.DeviceRegistration{ParticipantID: "R2", DeliveryAddress: "tok-r2", ConversationKey: "k1"}))
		require.NoError(t, s.Register(ctx, store.DeviceRegistration{ParticipantID: "R3", DeliveryAddress: "tok-r3", ConversationKey: "k2"}))

		recipients, err := s.ListRecipients(ctx, "k1", "S")
		require.NoError(t, err)
		require.Len(t, recipients, 2)
		assert.Equal(t, "R1", recipients[0].ParticipantID)
		assert.Equal(t, "tok-r1", recipients[0].DeliveryAddress)
		assert.Equal(t, "R2", recipients[1].ParticipantID)
	})

	t.Run("counterpart lookup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.FindCounterpart(ctx, "k1", "D1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.Register(ctx, store.DeviceRegistration{ParticipantID: "D1", DeliveryAddress: "tok-1", ConversationKey: "k1"}))
		_, err = s.FindCounterpart(ctx, "k1", "D1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.Register(ctx, store.DeviceRegistration{ParticipantID: "D2", DeliveryAddress: "tok-2", ConversationKey: "k1"}))
		other, err := s.FindCounterpart(ctx, "k1", "D1")
		require.NoError(t, err)
		assert.Equal(t, "D2", other.ParticipantID)
	})

	t.Run("invalid registration is rejected", func(t *testing.T) {
		s := newStore(t)
		err := s.Register(context.Background(), store.DeviceRegistration{ParticipantID: "u"})
		assert.ErrorIs(t, err, store.ErrInvalidRecord)
	})
}
