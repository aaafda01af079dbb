package pawchat

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pawpal/pawchat/internal/logging"
)

// ============================================================================
// MemoryBroker
// ============================================================================

type brokerSubscription struct {
	id      string
	topic   string
	handler EventHandler
}

// MemoryBroker is an in-process Feed and Publisher.
type MemoryBroker struct {
	mu            sync.RWMutex
	subscriptions map[string]*brokerSubscription
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subscriptions: make(map[string]*brokerSubscription)}
}

// Publish delivers event to every subscriber of event.Topic. Handlers run on
// the caller's goroutine, outside the broker lock.
func (b *MemoryBroker) Publish(_ context.Context, event ChangeEvent) error {
	b.mu.RLock()
	var handlers []EventHandler
	for _, sub := range b.subscriptions {
		if sub.topic == event.Topic {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe implements Feed.
func (b *MemoryBroker) Subscribe(_ context.Context, topic string, handler EventHandler) (func(), error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	sub := &brokerSubscription{id: uuid.NewString(), topic: topic, handler: handler}
	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscriptions, sub.id)
			b.mu.Unlock()
		})
	}, nil
}

// SubscriberCount returns the number of subscriptions, optionally for a topic.
func (b *MemoryBroker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if topic == "" {
		return len(b.subscriptions)
	}
	n := 0
	for _, sub := range b.subscriptions {
		if sub.topic == topic {
			n++
		}
	}
	return n
}

// Close removes all subscriptions.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string]*brokerSubscription)
}

// Errors for broker operations.
var (
	ErrInvalidTopic = &BrokerError{Message: "topic is required"}
	ErrNilHandler   = &BrokerError{Message: "handler cannot be nil"}
)

// BrokerError represents an error from feed operations.
type BrokerError struct {
	Message string
}

func (e *BrokerError) Error() string {
	return e.Message
}

// ============================================================================
// PublishingStore
// ============================================================================

// PublishingStore wraps a Store and emits change events after every
// successful write: message rows on the conversation topic and the updated
// conversation, with each participant's own unread count, on both
// participants' viewer topics.
type PublishingStore struct {
	Store
	publisher Publisher
	logger    zerolog.Logger
}

// NewPublishingStore wraps store so that writes are published.
func NewPublishingStore(store Store, publisher Publisher) *PublishingStore {
	return &PublishingStore{
		Store:     store,
		publisher: publisher,
		logger:    logging.Component("publisher"),
	}
}

// SendMessage implements Store.
func (p *PublishingStore) SendMessage(ctx context.Context, viewerID, conversationID, content, clientID string) (*Message, error) {
	msg, err := p.Store.SendMessage(ctx, viewerID, conversationID, content, clientID)
	if err != nil {
		return nil, err
	}
	p.publishMessage(ctx, viewerID, msg, OpUpdated)
	return msg, nil
}

// StartConversation implements Store.
func (p *PublishingStore) StartConversation(ctx context.Context, viewerID string, req StartRequest, clientID string) (*StartResult, error) {
	res, err := p.Store.StartConversation(ctx, viewerID, req, clientID)
	if err != nil {
		return nil, err
	}
	op := OpUpdated
	if res.Created {
		op = OpCreated
	}
	p.publishMessage(ctx, viewerID, res.Message, op)
	return res, nil
}

// MarkRead implements Store.
func (p *PublishingStore) MarkRead(ctx context.Context, viewerID, conversationID string) error {
	if err := p.Store.MarkRead(ctx, viewerID, conversationID); err != nil {
		return err
	}
	conv, err := p.Store.GetConversation(ctx, viewerID, conversationID)
	if err != nil {
		p.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("reload after mark read failed")
		return nil
	}
	p.publish(ctx, ChangeEvent{
		Topic:        ViewerTopic(viewerID),
		Table:        TableConversations,
		Operation:    OpUpdated,
		Conversation: conv,
	})
	return nil
}

// UpsertProfile forwards to the wrapped store when it holds profiles.
func (p *PublishingStore) UpsertProfile(ctx context.Context, profile Profile) error {
	ps, ok := p.Store.(ProfileStore)
	if !ok {
		return nil
	}
	return ps.UpsertProfile(ctx, profile)
}

// GetProfile forwards to the wrapped store when it holds profiles.
func (p *PublishingStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	ps, ok := p.Store.(ProfileStore)
	if !ok {
		return &Profile{ID: id}, nil
	}
	return ps.GetProfile(ctx, id)
}

func (p *PublishingStore) publishMessage(ctx context.Context, senderID string, msg *Message, convOp ChangeOp) {
	p.publish(ctx, ChangeEvent{
		Topic:     ConversationTopic(msg.ConversationID),
		Table:     TableMessages,
		Operation: OpCreated,
		Message:   msg,
	})

	conv, err := p.Store.GetConversation(ctx, senderID, msg.ConversationID)
	if err != nil {
		p.logger.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("reload conversation for publish failed")
		return
	}
	for _, participant := range conv.ParticipantIDs {
		view, err := p.Store.GetConversation(ctx, participant, conv.ID)
		if err != nil {
			continue
		}
		p.publish(ctx, ChangeEvent{
			Topic:        ViewerTopic(participant),
			Table:        TableConversations,
			Operation:    convOp,
			Conversation: view,
		})
	}
}

func (p *PublishingStore) publish(ctx context.Context, event ChangeEvent) {
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Warn().Err(err).Str("topic", event.Topic).Msg("publish change event failed")
	}
}
