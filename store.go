package pawchat

import "context"

//go:generate mockgen -destination=mock/mock_store.go -package=mock github.com/pawpal/pawchat Feed,ProfileStore,Publisher,Store

// Store is the canonical conversation store. Every call is scoped to the
// viewer on whose behalf it runs.
type Store interface {
	// ListConversations returns the viewer's conversations, newest first.
	ListConversations(ctx context.Context, viewerID string) ([]*Conversation, error)

	// GetConversation returns one conversation as seen by the viewer.
	GetConversation(ctx context.Context, viewerID, conversationID string) (*Conversation, error)

	// ListMessages returns a conversation's messages, oldest first.
	ListMessages(ctx context.Context, viewerID, conversationID string) ([]*Message, error)

	// SendMessage appends a message. A repeated clientID for the same
	// conversation returns the already stored message.
	SendMessage(ctx context.Context, viewerID, conversationID, content, clientID string) (*Message, error)

	// StartConversation finds or creates the conversation for
	// (viewer, recipient, pet context) and appends the initial message,
	// atomically.
	StartConversation(ctx context.Context, viewerID string, req StartRequest, clientID string) (*StartResult, error)

	// MarkRead sets the viewer's unread count for a conversation to zero.
	MarkRead(ctx context.Context, viewerID, conversationID string) error
}

// ProfileStore holds user display data.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, p Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
}

// EventHandler receives change events for a subscribed topic.
type EventHandler func(ChangeEvent)

// Feed delivers change events per topic.
type Feed interface {
	// Subscribe registers handler for topic and returns a function that
	// removes it.
	Subscribe(ctx context.Context, topic string, handler EventHandler) (func(), error)
}

// Publisher emits change events.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// ReconnectNotifier is implemented by feeds that can lose and regain their
// connection. Handlers run after every successful reconnect.
type ReconnectNotifier interface {
	OnReconnected(func())
}

// Session exposes the current viewer.
type Session interface {
	ViewerID() (string, bool)
}

// StaticSession is a Session for a fixed viewer. The empty value is signed out.
type StaticSession string

// ViewerID implements Session.
func (s StaticSession) ViewerID() (string, bool) {
	return string(s), s != ""
}
