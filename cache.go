package pawchat

import (
	"sync"
	"time"
)

// ChangeKind identifies what part of the cache changed.
type ChangeKind int

const (
	ConversationsChanged ChangeKind = iota + 1
	MessagesChanged
)

// CacheChange is delivered to cache listeners after a mutation.
type CacheChange struct {
	Kind           ChangeKind
	ConversationID string
}

// CacheListener observes cache mutations.
type CacheListener func(CacheChange)

type preview struct {
	text string
	at   *time.Time
}

// Cache is the client-side working copy shared by every surface of a
// session. Only Gateway and SyncManager mutate it. Listeners are notified
// after the lock is released and only when a mutation changed something.
type Cache struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	loaded        bool
	messages      map[string][]*Message
	rollback      map[string]preview // client id -> preview before the optimistic send

	listenerMu sync.RWMutex
	listeners  map[int]CacheListener
	nextID     int
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		rollback:      make(map[string]preview),
		listeners:     make(map[int]CacheListener),
	}
}

// OnChange registers a listener and returns a function removing it.
func (c *Cache) OnChange(l CacheListener) func() {
	c.listenerMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.listenerMu.Unlock()
	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

func (c *Cache) emit(changes ...CacheChange) {
	if len(changes) == 0 {
		return
	}
	c.listenerMu.RLock()
	handlers := make([]CacheListener, 0, len(c.listeners))
	for _, h := range c.listeners {
		handlers = append(handlers, h)
	}
	c.listenerMu.RUnlock()

	for _, change := range changes {
		for _, h := range handlers {
			func() {
				defer func() { recover() }() // a broken listener must not break the cache
				h(change)
			}()
		}
	}
}

// ── Conversations ────────────────────────────────────────

// Loaded reports whether a conversation list has been stored.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Conversations returns copies of the cached conversations, newest first.
func (c *Cache) Conversations() []*Conversation {
	c.mu.Lock()
	result := make([]*Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		result = append(result, conv.Clone())
	}
	c.mu.Unlock()
	SortConversations(result)
	return result
}

// Conversation returns a copy of one cached conversation.
func (c *Cache) Conversation(id string) (*Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.conversations[id]
	if !ok {
		return nil, false
	}
	return conv.Clone(), true
}

// FindConversation looks up the loaded conversation between viewerID and
// counterpartID about petContextID.
func (c *Cache) FindConversation(viewerID, counterpartID, petContextID string) (*Conversation, bool) {
	key := PairKey(viewerID, counterpartID)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range c.conversations {
		if conv.PetContextID == petContextID && PairKey(conv.ParticipantIDs[0], conv.ParticipantIDs[1]) == key {
			return conv.Clone(), true
		}
	}
	return nil, false
}

// SetConversations replaces the conversation list with a fresh fetch.
// Previews newer than the fetched row (from optimistic sends or realtime
// merges that raced the fetch) are kept. Besides the list-wide change, a
// per-conversation change is emitted for every row whose unread count grew.
func (c *Cache) SetConversations(convs []*Conversation) {
	c.mu.Lock()
	next := make(map[string]*Conversation, len(convs))
	var grown []string
	for _, conv := range convs {
		incoming := conv.Clone()
		existing, ok := c.conversations[conv.ID]
		if ok && newer(existing.LastMessageAt, incoming.LastMessageAt) {
			incoming.LastMessage = existing.LastMessage
			incoming.LastMessageAt = existing.LastMessageAt
		}
		if incoming.UnreadCount > 0 && (!ok || incoming.UnreadCount > existing.UnreadCount) {
			grown = append(grown, incoming.ID)
		}
		next[conv.ID] = incoming
	}
	c.conversations = next
	c.loaded = true
	c.mu.Unlock()

	changes := []CacheChange{{Kind: ConversationsChanged}}
	for _, id := range grown {
		changes = append(changes, CacheChange{Kind: ConversationsChanged, ConversationID: id})
	}
	c.emit(changes...)
}

// MergeConversation applies a conversation row. Merging the same row twice
// is a no-op, and a preview never moves backwards in time.
func (c *Cache) MergeConversation(conv *Conversation) bool {
	if conv == nil || conv.ID == "" {
		return false
	}
	c.mu.Lock()
	existing, ok := c.conversations[conv.ID]
	merged := conv.Clone()
	if ok {
		if newer(existing.LastMessageAt, merged.LastMessageAt) {
			merged.LastMessage = existing.LastMessage
			merged.LastMessageAt = existing.LastMessageAt
		}
		if len(merged.Participants) == 0 {
			merged.Participants = existing.Participants
		}
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = existing.CreatedAt
		}
	}
	changed := !ok || !conversationsEqual(existing, merged)
	if changed {
		c.conversations[conv.ID] = merged
	}
	c.mu.Unlock()

	if !changed {
		return false
	}
	c.emit(CacheChange{Kind: ConversationsChanged, ConversationID: conv.ID})
	return true
}

// ClearUnread zeroes the unread count of a conversation.
func (c *Cache) ClearUnread(conversationID string) bool {
	c.mu.Lock()
	conv, ok := c.conversations[conversationID]
	changed := ok && conv.UnreadCount != 0
	if changed {
		conv.UnreadCount = 0
	}
	c.mu.Unlock()

	if !changed {
		return false
	}
	c.emit(CacheChange{Kind: ConversationsChanged, ConversationID: conversationID})
	return true
}

// ── Messages ─────────────────────────────────────────────

// Messages returns copies of a conversation's cached messages in display order.
func (c *Cache) Messages(conversationID string) []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[conversationID]
	result := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, m.Clone())
	}
	return result
}

// ReplaceMessages stores a freshly fetched message list. Pending entries
// whose canonical row is not in the fetch yet are kept.
func (c *Cache) ReplaceMessages(conversationID string, msgs []*Message) {
	c.mu.Lock()
	fetched := make(map[string]bool, len(msgs))
	next := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		cp := m.Clone()
		cp.State = StateConfirmed
		next = append(next, cp)
		fetched[cp.ID] = true
		if cp.ClientID != "" {
			fetched["client:"+cp.ClientID] = true
			delete(c.rollback, cp.ClientID)
		}
	}
	for _, m := range c.messages[conversationID] {
		if m.State == StatePending && !fetched["client:"+m.ClientID] {
			next = append(next, m)
		}
	}
	SortMessages(next)
	c.messages[conversationID] = next
	c.mu.Unlock()
	c.emit(CacheChange{Kind: MessagesChanged, ConversationID: conversationID})
}

// InsertPending adds an optimistic message and moves the conversation
// preview to it.
func (c *Cache) InsertPending(m *Message) {
	cp := m.Clone()
	cp.State = StatePending

	c.mu.Lock()
	c.messages[cp.ConversationID] = append(c.messages[cp.ConversationID], cp)
	SortMessages(c.messages[cp.ConversationID])
	convChanged := false
	if conv, ok := c.conversations[cp.ConversationID]; ok {
		c.rollback[cp.ClientID] = preview{text: conv.LastMessage, at: conv.LastMessageAt}
		convChanged = applyPreview(conv, cp)
	}
	c.mu.Unlock()

	changes := []CacheChange{{Kind: MessagesChanged, ConversationID: cp.ConversationID}}
	if convChanged {
		changes = append(changes, CacheChange{Kind: ConversationsChanged, ConversationID: cp.ConversationID})
	}
	c.emit(changes...)
}

// Confirm moves the pending entry with canonical.ClientID to confirmed,
// replacing it in place with the canonical row.
func (c *Cache) Confirm(canonical *Message) bool {
	return c.MergeMessage(canonical)
}

// Fail moves a pending entry to failed: it is removed from the thread and the
// conversation preview is restored.
func (c *Cache) Fail(conversationID, clientID string) *Message {
	c.mu.Lock()
	var failed *Message
	msgs := c.messages[conversationID]
	for i, m := range msgs {
		if m.ClientID == clientID && m.State == StatePending {
			failed = m
			failed.State = StateFailed
			c.messages[conversationID] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	convChanged := false
	if prev, ok := c.rollback[clientID]; ok {
		delete(c.rollback, clientID)
		if conv, ok := c.conversations[conversationID]; ok && failed != nil && conv.LastMessageAt != nil && conv.LastMessageAt.Equal(failed.CreatedAt) {
			conv.LastMessage = prev.text
			conv.LastMessageAt = prev.at
			convChanged = true
		}
	}
	c.mu.Unlock()

	if failed == nil {
		return nil
	}
	changes := []CacheChange{{Kind: MessagesChanged, ConversationID: conversationID}}
	if convChanged {
		changes = append(changes, CacheChange{Kind: ConversationsChanged, ConversationID: conversationID})
	}
	c.emit(changes...)
	return failed.Clone()
}

// ConfirmedByClientID returns the confirmed message of a conversation that
// carries clientID.
func (c *Cache) ConfirmedByClientID(conversationID, clientID string) (*Message, bool) {
	if clientID == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages[conversationID] {
		if m.ClientID == clientID && m.State == StateConfirmed {
			return m.Clone(), true
		}
	}
	return nil, false
}

// MergeMessage applies a canonical message row. A row whose id is already
// present is ignored; a row carrying the client id of a pending entry
// replaces that entry in place. The thread stays sorted by CreatedAt.
func (c *Cache) MergeMessage(m *Message) bool {
	if m == nil || m.ID == "" || m.ConversationID == "" {
		return false
	}
	cp := m.Clone()
	cp.State = StateConfirmed

	c.mu.Lock()
	msgs := c.messages[cp.ConversationID]
	changed := true
	replaced := false
	for i, existing := range msgs {
		if existing.ID == cp.ID {
			changed = false
			break
		}
		if cp.ClientID != "" && existing.ClientID == cp.ClientID {
			msgs[i] = cp
			replaced = true
			break
		}
	}
	if changed {
		if !replaced {
			msgs = append(msgs, cp)
		}
		SortMessages(msgs)
		c.messages[cp.ConversationID] = msgs
		delete(c.rollback, cp.ClientID)
	}
	convChanged := false
	if conv, ok := c.conversations[cp.ConversationID]; ok {
		convChanged = applyPreview(conv, cp)
	}
	c.mu.Unlock()

	var changes []CacheChange
	if changed {
		changes = append(changes, CacheChange{Kind: MessagesChanged, ConversationID: cp.ConversationID})
	}
	if convChanged {
		changes = append(changes, CacheChange{Kind: ConversationsChanged, ConversationID: cp.ConversationID})
	}
	c.emit(changes...)
	return changed
}

// applyPreview moves the conversation preview to m unless the preview is
// already newer.
func applyPreview(conv *Conversation, m *Message) bool {
	if conv.LastMessageAt != nil && conv.LastMessageAt.After(m.CreatedAt) {
		return false
	}
	if conv.LastMessageAt != nil && conv.LastMessageAt.Equal(m.CreatedAt) && conv.LastMessage == m.Content {
		return false
	}
	at := m.CreatedAt
	conv.LastMessage = m.Content
	conv.LastMessageAt = &at
	return true
}

// newer reports whether a is strictly after b.
func newer(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

func conversationsEqual(a, b *Conversation) bool {
	if a.ID != b.ID || a.ParticipantIDs != b.ParticipantIDs || a.PetContextID != b.PetContextID ||
		a.LastMessage != b.LastMessage || a.UnreadCount != b.UnreadCount || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if (a.LastMessageAt == nil) != (b.LastMessageAt == nil) {
		return false
	}
	if a.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt) {
		return false
	}
	if len(a.Participants) != len(b.Participants) {
		return false
	}
	for i := range a.Participants {
		if a.Participants[i] != b.Participants[i] {
			return false
		}
	}
	return true
}
