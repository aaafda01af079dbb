package pawchat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func at(offset time.Duration) *time.Time {
	t := t0.Add(offset)
	return &t
}

func testConversation(id string, last string, lastAt *time.Time, unread int) *Conversation {
	return &Conversation{
		ID:             id,
		ParticipantIDs: [2]string{"alice", "bob"},
		Participants:   []Profile{{ID: "alice", DisplayName: "Alice"}, {ID: "bob", DisplayName: "Bob"}},
		LastMessage:    last,
		LastMessageAt:  lastAt,
		UnreadCount:    unread,
		CreatedAt:      t0,
	}
}

func recordChanges(c *Cache) *[]CacheChange {
	var changes []CacheChange
	c.OnChange(func(ch CacheChange) { changes = append(changes, ch) })
	return &changes
}

// ============================================================================
// Conversations
// ============================================================================

func TestCacheSetConversationsSortsNewestFirst(t *testing.T) {
	c := NewCache()
	assert.False(t, c.Loaded())

	c.SetConversations([]*Conversation{
		testConversation("old", "a", at(time.Minute), 0),
		testConversation("new", "b", at(time.Hour), 0),
		testConversation("never", "", nil, 0),
	})

	require.True(t, c.Loaded())
	convs := c.Conversations()
	require.Len(t, convs, 3)
	assert.Equal(t, "new", convs[0].ID)
	assert.Equal(t, "old", convs[1].ID)
	assert.Equal(t, "never", convs[2].ID)
}

func TestCacheSetConversationsKeepsNewerPreview(t *testing.T) {
	c := NewCache()
	c.SetConversations([]*Conversation{testConversation("c1", "hi", at(0), 0)})
	c.InsertPending(&Message{ID: "local-x", ConversationID: "c1", SenderID: "alice", Content: "optimistic", ClientID: "x", CreatedAt: t0.Add(time.Minute)})

	// A fetch that raced the send still carries the old preview.
	c.SetConversations([]*Conversation{testConversation("c1", "hi", at(0), 0)})

	conv, ok := c.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, "optimistic", conv.LastMessage)
}

func TestCacheSetConversationsReportsGrownUnread(t *testing.T) {
	c := NewCache()
	c.SetConversations([]*Conversation{
		testConversation("c1", "hi", at(0), 0),
		testConversation("c2", "hey", at(0), 2),
	})
	changes := recordChanges(c)

	c.SetConversations([]*Conversation{
		testConversation("c1", "anyone?", at(time.Minute), 1),
		testConversation("c2", "hey", at(0), 2),
	})

	assert.Equal(t, []CacheChange{
		{Kind: ConversationsChanged},
		{Kind: ConversationsChanged, ConversationID: "c1"},
	}, *changes)
}

func TestCacheMergeConversationIsIdempotent(t *testing.T) {
	c := NewCache()
	changes := recordChanges(c)

	conv := testConversation("c1", "hello", at(0), 1)
	assert.True(t, c.MergeConversation(conv))
	assert.False(t, c.MergeConversation(conv))
	assert.Len(t, *changes, 1)
	assert.Equal(t, CacheChange{Kind: ConversationsChanged, ConversationID: "c1"}, (*changes)[0])

	assert.False(t, c.MergeConversation(nil))
	assert.False(t, c.MergeConversation(&Conversation{}))
}

func TestCacheMergeConversationNeverRewindsPreview(t *testing.T) {
	c := NewCache()
	c.MergeConversation(testConversation("c1", "newer", at(time.Hour), 0))

	stale := testConversation("c1", "older", at(time.Minute), 3)
	stale.Participants = nil
	assert.True(t, c.MergeConversation(stale))

	conv, _ := c.Conversation("c1")
	assert.Equal(t, "newer", conv.LastMessage)
	assert.Equal(t, 3, conv.UnreadCount)
	assert.Len(t, conv.Participants, 2)
}

func TestCacheClearUnread(t *testing.T) {
	c := NewCache()
	c.MergeConversation(testConversation("c1", "hello", at(0), 2))
	changes := recordChanges(c)

	assert.True(t, c.ClearUnread("c1"))
	assert.False(t, c.ClearUnread("c1"))
	assert.False(t, c.ClearUnread("missing"))
	assert.Len(t, *changes, 1)

	conv, _ := c.Conversation("c1")
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestCacheFindConversation(t *testing.T) {
	c := NewCache()
	pet := testConversation("c-pet", "", nil, 0)
	pet.PetContextID = "pet-1"
	c.SetConversations([]*Conversation{testConversation("c-general", "", nil, 0), pet})

	got, ok := c.FindConversation("bob", "alice", "pet-1")
	require.True(t, ok)
	assert.Equal(t, "c-pet", got.ID)

	got, ok = c.FindConversation("alice", "bob", "")
	require.True(t, ok)
	assert.Equal(t, "c-general", got.ID)

	_, ok = c.FindConversation("alice", "carol", "")
	assert.False(t, ok)
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache()
	c.MergeConversation(testConversation("c1", "hello", at(0), 1))

	conv, _ := c.Conversation("c1")
	conv.LastMessage = "mutated"
	conv.Participants[0].DisplayName = "mutated"

	again, _ := c.Conversation("c1")
	assert.Equal(t, "hello", again.LastMessage)
	assert.Equal(t, "Alice", again.Participants[0].DisplayName)
}

// ============================================================================
// Messages
// ============================================================================

func TestCachePendingConfirmedInPlace(t *testing.T) {
	c := NewCache()
	c.MergeConversation(testConversation("c1", "hi", at(0), 0))

	c.InsertPending(&Message{ID: "local-x", ConversationID: "c1", SenderID: "alice", Content: "see you", ClientID: "x", CreatedAt: t0.Add(time.Minute)})
	msgs := c.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, StatePending, msgs[0].State)

	conv, _ := c.Conversation("c1")
	assert.Equal(t, "see you", conv.LastMessage)

	assert.True(t, c.Confirm(&Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "see you", ClientID: "x", CreatedAt: t0.Add(time.Minute + time.Second)}))
	msgs = c.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, StateConfirmed, msgs[0].State)

	// The realtime echo of the same row changes nothing.
	assert.False(t, c.MergeMessage(&Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "see you", ClientID: "x", CreatedAt: t0.Add(time.Minute + time.Second)}))
	assert.Len(t, c.Messages("c1"), 1)
}

func TestCacheEchoBeforeConfirm(t *testing.T) {
	c := NewCache()
	c.InsertPending(&Message{ID: "local-x", ConversationID: "c1", SenderID: "alice", Content: "hi", ClientID: "x", CreatedAt: t0})

	// The realtime row arrives before the send call returns.
	assert.True(t, c.MergeMessage(&Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", ClientID: "x", CreatedAt: t0}))
	assert.False(t, c.Confirm(&Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", ClientID: "x", CreatedAt: t0}))

	msgs := c.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestCacheFailRestoresPreview(t *testing.T) {
	c := NewCache()
	c.MergeConversation(testConversation("c1", "before", at(0), 0))
	c.InsertPending(&Message{ID: "local-x", ConversationID: "c1", SenderID: "alice", Content: "doomed", ClientID: "x", CreatedAt: t0.Add(time.Minute)})

	failed := c.Fail("c1", "x")
	require.NotNil(t, failed)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, "doomed", failed.Content)
	assert.Empty(t, c.Messages("c1"))

	conv, _ := c.Conversation("c1")
	assert.Equal(t, "before", conv.LastMessage)
	assert.True(t, conv.LastMessageAt.Equal(t0))

	assert.Nil(t, c.Fail("c1", "x"))
}

func TestCacheFailKeepsNewerIncomingPreview(t *testing.T) {
	c := NewCache()
	c.MergeConversation(testConversation("c1", "before", at(0), 0))
	c.InsertPending(&Message{ID: "local-x", ConversationID: "c1", SenderID: "alice", Content: "doomed", ClientID: "x", CreatedAt: t0.Add(time.Minute)})
	c.MergeMessage(&Message{ID: "m2", ConversationID: "c1", SenderID: "bob", Content: "from bob", CreatedAt: t0.Add(2 * time.Minute)})

	c.Fail("c1", "x")
	conv, _ := c.Conversation("c1")
	assert.Equal(t, "from bob", conv.LastMessage)
}

func TestCacheMergeMessageOrdersByCreatedAt(t *testing.T) {
	c := NewCache()
	c.MergeMessage(&Message{ID: "b", ConversationID: "c1", CreatedAt: t0.Add(2 * time.Second)})
	c.MergeMessage(&Message{ID: "a", ConversationID: "c1", CreatedAt: t0.Add(time.Second)})
	c.MergeMessage(&Message{ID: "c", ConversationID: "c1", CreatedAt: t0.Add(3 * time.Second)})

	msgs := c.Messages("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	assert.False(t, c.MergeMessage(nil))
	assert.False(t, c.MergeMessage(&Message{ID: "x"}))
}

func TestCacheConfirmedByClientID(t *testing.T) {
	c := NewCache()
	c.InsertPending(&Message{ID: "local-x", ConversationID: "c1", SenderID: "alice", Content: "hi", ClientID: "x", CreatedAt: t0})

	_, ok := c.ConfirmedByClientID("c1", "x")
	assert.False(t, ok, "pending entries are not confirmed")

	c.MergeMessage(&Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", ClientID: "x", CreatedAt: t0})
	m, ok := c.ConfirmedByClientID("c1", "x")
	require.True(t, ok)
	assert.Equal(t, "m1", m.ID)

	_, ok = c.ConfirmedByClientID("c1", "")
	assert.False(t, ok)
}

func TestCacheReplaceMessagesKeepsUnconfirmedPending(t *testing.T) {
	c := NewCache()
	c.InsertPending(&Message{ID: "local-x", ConversationID: "c1", SenderID: "alice", Content: "in flight", ClientID: "x", CreatedAt: t0.Add(time.Hour)})
	c.InsertPending(&Message{ID: "local-y", ConversationID: "c1", SenderID: "alice", Content: "landed", ClientID: "y", CreatedAt: t0.Add(time.Minute)})

	c.ReplaceMessages("c1", []*Message{
		{ID: "m0", ConversationID: "c1", SenderID: "bob", Content: "hi", CreatedAt: t0},
		{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "landed", ClientID: "y", CreatedAt: t0.Add(time.Minute)},
	})

	msgs := c.Messages("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "m0", msgs[0].ID)
	assert.Equal(t, "m1", msgs[1].ID)
	assert.Equal(t, "local-x", msgs[2].ID)
	assert.Equal(t, StatePending, msgs[2].State)
}

func TestCacheListenerPanicIsContained(t *testing.T) {
	c := NewCache()
	c.OnChange(func(CacheChange) { panic("boom") })
	called := 0
	remove := c.OnChange(func(CacheChange) { called++ })

	c.MergeConversation(testConversation("c1", "hello", at(0), 0))
	assert.Equal(t, 1, called)

	remove()
	c.ClearUnread("c1")
	c.MergeConversation(testConversation("c2", "hello", at(0), 0))
	assert.Equal(t, 1, called)
}
