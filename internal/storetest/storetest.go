// Package storetest holds a behavioral suite shared by every pawchat.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawpal/pawchat"
)

// Backend is a store that also holds profiles.
type Backend interface {
	pawchat.Store
	pawchat.ProfileStore
}

// Factory returns an empty backend whose timestamps come from now.
type Factory func(t *testing.T, now func() time.Time) Backend

// Clock is a fake clock that advances by Step on every reading.
type Clock struct {
	mu   sync.Mutex
	t    time.Time
	Step time.Duration
}

// NewClock starts a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{t: start, Step: time.Second}
}

// Now returns the current time and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.Step)
	return now
}

// Run runs the suite against backends created by factory.
func Run(t *testing.T, factory Factory) {
	setup := func(t *testing.T) (Backend, context.Context) {
		clock := NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
		b := factory(t, clock.Now)
		ctx := context.Background()
		for _, p := range []pawchat.Profile{
			{ID: "alice", DisplayName: "Alice"},
			{ID: "bob", DisplayName: "Bob", AvatarURL: "https://img.example/bob.png"},
			{ID: "carol", DisplayName: "Carol"},
		} {
			require.NoError(t, b.UpsertProfile(ctx, p))
		}
		return b, ctx
	}

	t.Run("StartCreatesThenReuses", func(t *testing.T) {
		b, ctx := setup(t)

		first, err := b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", PetContextID: "pet-1", InitialMessage: " Is Rex available? "}, "c1")
		require.NoError(t, err)
		assert.True(t, first.Created)
		assert.Equal(t, "Is Rex available?", first.Message.Content)
		assert.Equal(t, [2]string{"alice", "bob"}, first.Conversation.ParticipantIDs)
		assert.Equal(t, "pet-1", first.Conversation.PetContextID)
		assert.Equal(t, "Bob", first.Conversation.Profile("bob").DisplayName)
		assert.Equal(t, 0, first.Conversation.UnreadCount)

		// The pair is order independent.
		second, err := b.StartConversation(ctx, "bob", pawchat.StartRequest{RecipientID: "alice", PetContextID: "pet-1", InitialMessage: "Yes!"}, "c2")
		require.NoError(t, err)
		assert.False(t, second.Created)
		assert.Equal(t, first.Conversation.ID, second.Conversation.ID)

		// A different pet is a different conversation.
		third, err := b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", PetContextID: "pet-2", InitialMessage: "And Luna?"}, "c3")
		require.NoError(t, err)
		assert.True(t, third.Created)
		assert.NotEqual(t, first.Conversation.ID, third.Conversation.ID)

		msgs, err := b.ListMessages(ctx, "alice", first.Conversation.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "Is Rex available?", msgs[0].Content)
		assert.Equal(t, "Yes!", msgs[1].Content)
	})

	t.Run("StartValidation", func(t *testing.T) {
		b, ctx := setup(t)

		_, err := b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", InitialMessage: "   "}, "")
		assert.ErrorIs(t, err, pawchat.ErrEmptyMessage)

		_, err = b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "alice", InitialMessage: "hi"}, "")
		assert.ErrorIs(t, err, pawchat.ErrInvalidRecipient)

		_, err = b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "ghost", InitialMessage: "hi"}, "")
		assert.ErrorIs(t, err, pawchat.ErrRecipientNotFound)

		convs, err := b.ListConversations(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, convs)
	})

	t.Run("ConcurrentStartsConverge", func(t *testing.T) {
		b, ctx := setup(t)

		const n = 8
		ids := make([]string, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", PetContextID: "pet-9", InitialMessage: "hello"}, "")
				errs[i] = err
				if err == nil {
					ids[i] = res.Conversation.ID
				}
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
		}
		convs, err := b.ListConversations(ctx, "bob")
		require.NoError(t, err)
		assert.Len(t, convs, 1)
	})

	t.Run("SendDeduplicatesClientID", func(t *testing.T) {
		b, ctx := setup(t)
		res, err := b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", InitialMessage: "hi"}, "")
		require.NoError(t, err)
		id := res.Conversation.ID

		m1, err := b.SendMessage(ctx, "alice", id, "are you there?", "dup")
		require.NoError(t, err)
		m2, err := b.SendMessage(ctx, "alice", id, "are you there?", "dup")
		require.NoError(t, err)
		assert.Equal(t, m1.ID, m2.ID)

		msgs, err := b.ListMessages(ctx, "bob", id)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)

		conv, err := b.GetConversation(ctx, "bob", id)
		require.NoError(t, err)
		assert.Equal(t, 2, conv.UnreadCount)
	})

	t.Run("SendValidation", func(t *testing.T) {
		b, ctx := setup(t)
		res, err := b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", InitialMessage: "hi"}, "")
		require.NoError(t, err)

		_, err = b.SendMessage(ctx, "alice", res.Conversation.ID, " \n\t", "")
		assert.ErrorIs(t, err, pawchat.ErrEmptyMessage)

		_, err = b.SendMessage(ctx, "carol", res.Conversation.ID, "let me in", "")
		assert.ErrorIs(t, err, pawchat.ErrNotParticipant)

		_, err = b.SendMessage(ctx, "alice", "missing", "hello", "")
		assert.ErrorIs(t, err, pawchat.ErrConversationNotFound)
	})

	t.Run("UnreadAndMarkRead", func(t *testing.T) {
		b, ctx := setup(t)
		res, err := b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", InitialMessage: "one"}, "")
		require.NoError(t, err)
		id := res.Conversation.ID
		_, err = b.SendMessage(ctx, "alice", id, "two", "")
		require.NoError(t, err)
		_, err = b.SendMessage(ctx, "bob", id, "reply", "")
		require.NoError(t, err)

		bobView, err := b.GetConversation(ctx, "bob", id)
		require.NoError(t, err)
		assert.Equal(t, 2, bobView.UnreadCount)
		assert.Equal(t, "reply", bobView.LastMessage)

		aliceView, err := b.GetConversation(ctx, "alice", id)
		require.NoError(t, err)
		assert.Equal(t, 1, aliceView.UnreadCount)

		require.NoError(t, b.MarkRead(ctx, "bob", id))
		bobView, err = b.GetConversation(ctx, "bob", id)
		require.NoError(t, err)
		assert.Equal(t, 0, bobView.UnreadCount)

		// Marking an already read conversation is a no-op.
		require.NoError(t, b.MarkRead(ctx, "bob", id))

		err = b.MarkRead(ctx, "carol", id)
		assert.ErrorIs(t, err, pawchat.ErrNotParticipant)
	})

	t.Run("ListOrdersNewestFirst", func(t *testing.T) {
		b, ctx := setup(t)
		withBob, err := b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", InitialMessage: "first"}, "")
		require.NoError(t, err)
		withCarol, err := b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "carol", InitialMessage: "second"}, "")
		require.NoError(t, err)

		convs, err := b.ListConversations(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, withCarol.Conversation.ID, convs[0].ID)

		_, err = b.SendMessage(ctx, "bob", withBob.Conversation.ID, "bump", "")
		require.NoError(t, err)

		convs, err = b.ListConversations(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, withBob.Conversation.ID, convs[0].ID)
		assert.Equal(t, "bump", convs[0].LastMessage)
		require.NotNil(t, convs[0].LastMessageAt)

		carolConvs, err := b.ListConversations(ctx, "carol")
		require.NoError(t, err)
		require.Len(t, carolConvs, 1)
		assert.Equal(t, 1, carolConvs[0].UnreadCount)
	})

	t.Run("MessagesOldestFirst", func(t *testing.T) {
		b, ctx := setup(t)
		res, err := b.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", InitialMessage: "a"}, "")
		require.NoError(t, err)
		for _, content := range []string{"b", "c", "d"} {
			_, err := b.SendMessage(ctx, "bob", res.Conversation.ID, content, "")
			require.NoError(t, err)
		}

		msgs, err := b.ListMessages(ctx, "alice", res.Conversation.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 4)
		for i := 1; i < len(msgs); i++ {
			assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
		}
		assert.Equal(t, "d", msgs[3].Content)
		assert.Equal(t, pawchat.StateConfirmed, msgs[3].State)

		_, err = b.ListMessages(ctx, "carol", res.Conversation.ID)
		assert.ErrorIs(t, err, pawchat.ErrNotParticipant)
	})

	t.Run("Profiles", func(t *testing.T) {
		b, ctx := setup(t)

		p, err := b.GetProfile(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "https://img.example/bob.png", p.AvatarURL)

		require.NoError(t, b.UpsertProfile(ctx, pawchat.Profile{ID: "bob", DisplayName: "Robert"}))
		p, err = b.GetProfile(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "Robert", p.DisplayName)

		_, err = b.GetProfile(ctx, "ghost")
		assert.True(t, errors.Is(err, pawchat.ErrRecipientNotFound))

		assert.ErrorIs(t, b.UpsertProfile(ctx, pawchat.Profile{ID: " "}), pawchat.ErrInvalidRecipient)
	})
}
