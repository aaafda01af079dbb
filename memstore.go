package pawchat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. Profiles must be
// registered before they can be messaged.
type MemoryStore struct {
	mu            sync.RWMutex
	profiles      map[string]Profile
	conversations map[string]*Conversation
	messages      map[string][]*Message
	pairIndex     map[string]string         // pair key + pet -> conversation id
	clientIndex   map[string]*Message       // conversation id + client id -> message
	unread        map[string]map[string]int // conversation id -> viewer -> count
	now           func() time.Time
	newID         func() string
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock overrides the time source used for store-assigned timestamps.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		profiles:      make(map[string]Profile),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		pairIndex:     make(map[string]string),
		clientIndex:   make(map[string]*Message),
		unread:        make(map[string]map[string]int),
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ── Profiles ─────────────────────────────────────────────

// UpsertProfile implements ProfileStore.
func (s *MemoryStore) UpsertProfile(_ context.Context, p Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidRecipient
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

// GetProfile implements ProfileStore.
func (s *MemoryStore) GetProfile(_ context.Context, id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrRecipientNotFound
	}
	return &p, nil
}

// ── Conversations ────────────────────────────────────────

// ListConversations implements Store.
func (s *MemoryStore) ListConversations(_ context.Context, viewerID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Conversation
	for _, c := range s.conversations {
		if c.HasParticipant(viewerID) {
			result = append(result, s.viewLocked(c, viewerID))
		}
	}
	SortConversations(result)
	return result, nil
}

// GetConversation implements Store.
func (s *MemoryStore) GetConversation(_ context.Context, viewerID, conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.getLocked(viewerID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.viewLocked(c, viewerID), nil
}

// StartConversation implements Store.
func (s *MemoryStore) StartConversation(_ context.Context, viewerID string, req StartRequest, clientID string) (*StartResult, error) {
	content := strings.TrimSpace(req.InitialMessage)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if req.RecipientID == "" || req.RecipientID == viewerID {
		return nil, ErrInvalidRecipient
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[req.RecipientID]; !ok {
		return nil, ErrRecipientNotFound
	}

	key := PairKey(viewerID, req.RecipientID) + "|" + req.PetContextID
	created := false
	conv, ok := s.conversations[s.pairIndex[key]]
	if !ok {
		conv = &Conversation{
			ID:             s.newID(),
			ParticipantIDs: NormalizePair(viewerID, req.RecipientID),
			PetContextID:   req.PetContextID,
			CreatedAt:      s.now(),
		}
		s.conversations[conv.ID] = conv
		s.pairIndex[key] = conv.ID
		created = true
	}

	msg := s.appendLocked(conv, viewerID, content, clientID)
	return &StartResult{
		Conversation: s.viewLocked(conv, viewerID),
		Message:      msg.Clone(),
		Created:      created,
	}, nil
}

// MarkRead implements Store.
func (s *MemoryStore) MarkRead(_ context.Context, viewerID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(viewerID, conversationID); err != nil {
		return err
	}
	if counts := s.unread[conversationID]; counts != nil {
		delete(counts, viewerID)
	}
	return nil
}

// ── Messages ─────────────────────────────────────────────

// ListMessages implements Store.
func (s *MemoryStore) ListMessages(_ context.Context, viewerID, conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.getLocked(viewerID, conversationID); err != nil {
		return nil, err
	}
	msgs := s.messages[conversationID]
	result := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, m.Clone())
	}
	return result, nil
}

// SendMessage implements Store.
func (s *MemoryStore) SendMessage(_ context.Context, viewerID, conversationID, content, clientID string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.getLocked(viewerID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.appendLocked(conv, viewerID, content, clientID).Clone(), nil
}

// Len returns the number of stored conversations.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func (s *MemoryStore) getLocked(viewerID, conversationID string) (*Conversation, error) {
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if !c.HasParticipant(viewerID) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

func (s *MemoryStore) appendLocked(conv *Conversation, senderID, content, clientID string) *Message {
	if clientID != "" {
		if existing, ok := s.clientIndex[conv.ID+"|"+clientID]; ok {
			return existing
		}
	}

	now := s.now()
	msg := &Message{
		ID:             s.newID(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		ClientID:       clientID,
		CreatedAt:      now,
		State:          StateConfirmed,
	}
	s.messages[conv.ID] = append(s.messages[conv.ID], msg)
	SortMessages(s.messages[conv.ID])
	if clientID != "" {
		s.clientIndex[conv.ID+"|"+clientID] = msg
	}

	conv.LastMessage = content
	conv.LastMessageAt = &now

	counts := s.unread[conv.ID]
	if counts == nil {
		counts = make(map[string]int)
		s.unread[conv.ID] = counts
	}
	counts[conv.Counterpart(senderID)]++
	return msg
}

// viewLocked returns a copy of c with viewer-scoped fields filled in.
func (s *MemoryStore) viewLocked(c *Conversation, viewerID string) *Conversation {
	cp := c.Clone()
	cp.UnreadCount = s.unread[c.ID][viewerID]
	cp.Participants = []Profile{s.profileLocked(c.ParticipantIDs[0]), s.profileLocked(c.ParticipantIDs[1])}
	return cp
}

func (s *MemoryStore) profileLocked(id string) Profile {
	if p, ok := s.profiles[id]; ok {
		return p
	}
	return Profile{ID: id}
}
