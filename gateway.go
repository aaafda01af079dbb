package pawchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pawpal/pawchat/internal/logging"
)

// DefaultRequestTimeout bounds every store call made by the gateway.
const DefaultRequestTimeout = 15 * time.Second

// Gateway is the single entry point through which surfaces read and write
// conversations. It owns the session cache.
type Gateway struct {
	store       Store
	session     Session
	cache       *Cache
	timeout     time.Duration
	now         func() time.Time
	newClientID func() string
	logger      zerolog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRequestTimeout sets the timeout applied to each store call.
func WithRequestTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithGatewayClock overrides the clock used for optimistic timestamps.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithClientIDFunc overrides client id generation.
func WithClientIDFunc(fn func() string) GatewayOption {
	return func(g *Gateway) { g.newClientID = fn }
}

// WithLogger sets the gateway logger.
func WithLogger(logger zerolog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// WithCache makes the gateway use an existing cache.
func WithCache(cache *Cache) GatewayOption {
	return func(g *Gateway) { g.cache = cache }
}

// NewGateway creates a gateway over store for the viewer of session.
func NewGateway(store Store, session Session, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		store:       store,
		session:     session,
		timeout:     DefaultRequestTimeout,
		now:         time.Now,
		newClientID: uuid.NewString,
		logger:      logging.Component("gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cache == nil {
		g.cache = NewCache()
	}
	return g
}

// Cache returns the session cache.
func (g *Gateway) Cache() *Cache {
	return g.cache
}

// ViewerID returns the current viewer or ErrNotAuthenticated.
func (g *Gateway) ViewerID() (string, error) {
	if g.session == nil {
		return "", ErrNotAuthenticated
	}
	id, ok := g.session.ViewerID()
	if !ok || id == "" {
		return "", ErrNotAuthenticated
	}
	return id, nil
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// ── Conversation Lister ──────────────────────────────────

// ListConversations fetches the viewer's conversations into the cache and
// returns them newest first. On failure the cache is left untouched.
func (g *Gateway) ListConversations(ctx context.Context) ([]*Conversation, error) {
	viewer, err := g.ViewerID()
	if err != nil {
		return nil, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	convs, err := g.store.ListConversations(ctx, viewer)
	if err != nil {
		g.logger.Warn().Err(err).Msg("list conversations failed")
		return g.cache.Conversations(), &FetchError{Op: "list conversations", Err: err}
	}
	g.cache.SetConversations(convs)
	return g.cache.Conversations(), nil
}

// ── Message Lister ───────────────────────────────────────

// LoadMessages fetches a conversation's messages into the cache. An empty
// id yields an empty list without a store call.
func (g *Gateway) LoadMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	if conversationID == "" {
		return nil, nil
	}
	msgs, err := g.fetchMessages(ctx, conversationID)
	if err != nil {
		return g.cache.Messages(conversationID), err
	}
	g.cache.ReplaceMessages(conversationID, msgs)
	return g.cache.Messages(conversationID), nil
}

func (g *Gateway) fetchMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	viewer, err := g.ViewerID()
	if err != nil {
		return nil, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	msgs, err := g.store.ListMessages(ctx, viewer, conversationID)
	if err != nil {
		return nil, &FetchError{Op: "list messages", Err: err}
	}
	return msgs, nil
}

// MessageLister loads the thread of the selected conversation. Each Select
// supersedes the previous one: its fetch is cancelled and, should it still
// complete, its result is discarded.
type MessageLister struct {
	gateway *Gateway

	mu      sync.Mutex
	gen     uint64
	current string
	cancel  context.CancelFunc
}

// NewMessageLister creates a lister bound to the gateway.
func (g *Gateway) NewMessageLister() *MessageLister {
	return &MessageLister{gateway: g}
}

// Select switches to conversationID and loads its messages. It returns
// ErrStaleResponse when another Select superseded this one before the fetch
// completed.
func (l *MessageLister) Select(ctx context.Context, conversationID string) ([]*Message, error) {
	l.mu.Lock()
	l.gen++
	gen := l.gen
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.current = conversationID
	if conversationID == "" {
		l.mu.Unlock()
		return nil, nil
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	msgs, err := l.gateway.fetchMessages(fetchCtx, conversationID)

	l.mu.Lock()
	stale := gen != l.gen
	if !stale {
		l.cancel = nil
	}
	l.mu.Unlock()
	cancel()

	if stale {
		return nil, ErrStaleResponse
	}
	if err != nil {
		return l.gateway.cache.Messages(conversationID), err
	}
	l.gateway.cache.ReplaceMessages(conversationID, msgs)
	return l.gateway.cache.Messages(conversationID), nil
}

// Current returns the selected conversation id.
func (l *MessageLister) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Close cancels any in-flight fetch.
func (l *MessageLister) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.current = ""
}

// ── Message Sender ───────────────────────────────────────

// Send posts content to a conversation optimistically. The pending entry is
// visible in the cache immediately; it is confirmed in place on success and
// removed on failure, in which case a *SendError carrying the content is
// returned. A failure after the realtime echo already confirmed the message
// is not a failure.
func (g *Gateway) Send(ctx context.Context, conversationID, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	viewer, err := g.ViewerID()
	if err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, ErrNoConversation
	}

	clientID := g.newClientID()
	g.cache.InsertPending(&Message{
		ID:             LocalMessageID(clientID),
		ConversationID: conversationID,
		SenderID:       viewer,
		Content:        content,
		ClientID:       clientID,
		CreatedAt:      g.now(),
		State:          StatePending,
	})

	sendCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	msg, err := g.store.SendMessage(sendCtx, viewer, conversationID, content, clientID)
	if err != nil {
		if g.cache.Fail(conversationID, clientID) == nil {
			// The realtime echo confirmed the message before the response
			// was lost.
			if confirmed, ok := g.cache.ConfirmedByClientID(conversationID, clientID); ok {
				g.logger.Debug().Err(err).Str("client_id", clientID).Msg("send response lost after delivery")
				return confirmed, nil
			}
		}
		g.logger.Warn().Err(err).Str("conversation_id", conversationID).Str("client_id", clientID).Msg("send failed")
		return nil, &SendError{ConversationID: conversationID, ClientID: clientID, Content: content, Err: err}
	}
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	g.cache.Confirm(msg)
	return msg, nil
}

// ── Conversation Resolver ────────────────────────────────

// Start resolves the conversation with req.RecipientID about
// req.PetContextID, appends the initial message and returns the
// conversation id. A conversation already in the cache is reused; otherwise
// the store finds or creates it atomically.
func (g *Gateway) Start(ctx context.Context, req StartRequest) (string, error) {
	req.InitialMessage = strings.TrimSpace(req.InitialMessage)
	if req.InitialMessage == "" {
		return "", ErrEmptyMessage
	}
	viewer, err := g.ViewerID()
	if err != nil {
		return "", err
	}
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	if req.RecipientID == "" || req.RecipientID == viewer {
		return "", ErrInvalidRecipient
	}

	if conv, ok := g.cache.FindConversation(viewer, req.RecipientID, req.PetContextID); ok {
		if _, err := g.Send(ctx, conv.ID, req.InitialMessage); err != nil {
			return conv.ID, err
		}
		return conv.ID, nil
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	res, err := g.store.StartConversation(ctx, viewer, req, g.newClientID())
	if err != nil {
		g.logger.Warn().Err(err).Str("recipient_id", req.RecipientID).Msg("start conversation failed")
		return "", fmt.Errorf("start conversation: %w", err)
	}
	if res == nil || res.Conversation == nil {
		return "", errors.New("start conversation: empty result")
	}
	g.cache.MergeConversation(res.Conversation)
	if res.Message != nil {
		g.cache.MergeMessage(res.Message)
	}
	g.logger.Debug().
		Str("conversation_id", res.Conversation.ID).
		Bool("created", res.Created).
		Msg("conversation resolved")
	return res.Conversation.ID, nil
}

// ── Unread ───────────────────────────────────────────────

// MarkRead clears the unread count in the cache before returning control,
// then persists it. A store failure is logged and returned, but the cache
// stays cleared.
func (g *Gateway) MarkRead(ctx context.Context, conversationID string) error {
	viewer, err := g.ViewerID()
	if err != nil {
		return err
	}
	g.cache.ClearUnread(conversationID)

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	if err := g.store.MarkRead(ctx, viewer, conversationID); err != nil {
		g.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read failed")
		return err
	}
	return nil
}

// MarkReadIfUnread clears and persists the unread count only when the cache
// shows unread messages. Of several surfaces reacting to the same change,
// exactly one clears it. It reports whether this call cleared it.
func (g *Gateway) MarkReadIfUnread(ctx context.Context, conversationID string) (bool, error) {
	viewer, err := g.ViewerID()
	if err != nil {
		return false, err
	}
	if !g.cache.ClearUnread(conversationID) {
		return false, nil
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	if err := g.store.MarkRead(ctx, viewer, conversationID); err != nil {
		g.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read failed")
		return true, err
	}
	return true, nil
}
