package pawchat

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error object carried in a failed Result envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap maps well-known codes back onto the package sentinels so callers can
// use errors.Is on errors returned by the HTTP client.
func (e *APIError) Unwrap() error {
	return sentinelForCode(e.Code)
}

// Result is the JSON envelope returned by every pawchat HTTP endpoint.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Domain Types
// ============================================================================

// Profile is the display data of a marketplace user.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Name returns the display name, falling back to the id.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}

// Conversation is a two-party channel, optionally about a pet listing.
type Conversation struct {
	ID             string     `json:"id"`
	ParticipantIDs [2]string  `json:"participantIds"`
	Participants   []Profile  `json:"participants,omitempty"`
	PetContextID   string     `json:"petContextId,omitempty"`
	LastMessage    string     `json:"lastMessage,omitempty"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount    int        `json:"unreadCount"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// HasParticipant reports whether viewerID is one of the two participants.
func (c *Conversation) HasParticipant(viewerID string) bool {
	return viewerID != "" && (c.ParticipantIDs[0] == viewerID || c.ParticipantIDs[1] == viewerID)
}

// Counterpart returns the participant that is not viewerID.
func (c *Conversation) Counterpart(viewerID string) string {
	if c.ParticipantIDs[0] == viewerID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

// Profile returns the display data for a participant, if known.
func (c *Conversation) Profile(id string) Profile {
	for _, p := range c.Participants {
		if p.ID == id {
			return p
		}
	}
	return Profile{ID: id}
}

// SortKey is the instant used to order conversation lists: the newest
// message, or creation time for conversations that were never messaged.
func (c *Conversation) SortKey() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	if c.Participants != nil {
		cp.Participants = append([]Profile(nil), c.Participants...)
	}
	return &cp
}

// SortConversations orders conversations newest first.
func SortConversations(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		ki, kj := convs[i].SortKey(), convs[j].SortKey()
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return convs[i].ID < convs[j].ID
	})
}

// MessageState tracks an optimistic message through reconciliation.
type MessageState string

const (
	StatePending   MessageState = "pending"
	StateConfirmed MessageState = "confirmed"
	StateFailed    MessageState = "failed"
)

// Message is a single chat message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	ClientID       string       `json:"clientId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	State          MessageState `json:"-"`
}

// IsMine reports whether the viewer sent the message.
func (m *Message) IsMine(viewerID string) bool {
	return m.SenderID == viewerID
}

// Clone returns a copy.
func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}

// LocalMessageID is the id given to an optimistic message before the store
// assigns the canonical one.
func LocalMessageID(clientID string) string {
	return "local-" + clientID
}

// SortMessages orders messages by creation time, ties broken by id.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// StartRequest asks the resolver for the conversation with a recipient,
// appending InitialMessage to it.
type StartRequest struct {
	RecipientID    string `json:"recipientId"`
	PetContextID   string `json:"petContextId,omitempty"`
	InitialMessage string `json:"initialMessage"`
}

// StartResult is returned by Store.StartConversation.
type StartResult struct {
	Conversation *Conversation `json:"conversation"`
	Message      *Message      `json:"message"`
	Created      bool          `json:"created"`
}

// PairKey returns the order-independent key of a participant pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// NormalizePair returns the pair in canonical (sorted) order.
func NormalizePair(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// ============================================================================
// Change Feed Types
// ============================================================================

// Tables reported by the change feed.
const (
	TableMessages      = "messages"
	TableConversations = "conversations"
)

// ChangeOp is the kind of row change.
type ChangeOp string

const (
	OpCreated ChangeOp = "created"
	OpUpdated ChangeOp = "updated"
)

// ChangeEvent is a row change delivered on a topic.
type ChangeEvent struct {
	Topic        string        `json:"topic"`
	Table        string        `json:"table"`
	Operation    ChangeOp      `json:"operation"`
	Message      *Message      `json:"message,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

const (
	conversationTopicPrefix = "conversation:"
	viewerTopicPrefix       = "viewer:"
)

// ConversationTopic is the topic carrying message events of a conversation.
func ConversationTopic(conversationID string) string {
	return conversationTopicPrefix + conversationID
}

// ViewerTopic is the topic carrying conversation-level events for a viewer.
func ViewerTopic(viewerID string) string {
	return viewerTopicPrefix + viewerID
}

// ParseTopic splits a topic into its kind ("conversation" or "viewer") and id.
func ParseTopic(topic string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(topic, conversationTopicPrefix):
		id = strings.TrimPrefix(topic, conversationTopicPrefix)
		return "conversation", id, id != ""
	case strings.HasPrefix(topic, viewerTopicPrefix):
		id = strings.TrimPrefix(topic, viewerTopicPrefix)
		return "viewer", id, id != ""
	}
	return "", "", false
}
