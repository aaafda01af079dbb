package pawchat

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pawpal/pawchat/internal/logging"
)

type topicSubscription struct {
	refs        int
	unsubscribe func()
}

// SyncManager owns the realtime subscriptions of a session. Views acquire
// topics; the feed is subscribed once per topic no matter how many views hold
// it, and unsubscribed when the last one releases.
type SyncManager struct {
	feed    Feed
	gateway *Gateway
	logger  zerolog.Logger

	mu     sync.Mutex
	topics map[string]*topicSubscription
	closed bool
}

// NewSyncManager creates a manager merging events from feed into the
// gateway's cache. If feed implements ReconnectNotifier, every reconnect
// triggers a Resync.
func NewSyncManager(feed Feed, gateway *Gateway) *SyncManager {
	s := &SyncManager{
		feed:    feed,
		gateway: gateway,
		logger:  logging.Component("sync"),
		topics:  make(map[string]*topicSubscription),
	}
	if rn, ok := feed.(ReconnectNotifier); ok {
		rn.OnReconnected(func() {
			if err := s.Resync(context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("resync after reconnect failed")
			}
		})
	}
	return s
}

// Acquire registers interest in topic and returns the function releasing it.
// The release function is safe to call more than once.
func (s *SyncManager) Acquire(ctx context.Context, topic string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSyncClosed
	}

	sub, ok := s.topics[topic]
	if !ok {
		unsubscribe, err := s.feed.Subscribe(ctx, topic, s.handle)
		if err != nil {
			return nil, err
		}
		sub = &topicSubscription{unsubscribe: unsubscribe}
		s.topics[topic] = sub
		s.logger.Debug().Str("topic", topic).Msg("subscribed")
	}
	sub.refs++

	var once sync.Once
	return func() {
		once.Do(func() { s.release(topic) })
	}, nil
}

func (s *SyncManager) release(topic string) {
	s.mu.Lock()
	sub, ok := s.topics[topic]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.topics, topic)
	s.mu.Unlock()

	sub.unsubscribe()
	s.logger.Debug().Str("topic", topic).Msg("unsubscribed")
}

// WatchConversation acquires the message topic of a conversation. An empty
// id acquires nothing.
func (s *SyncManager) WatchConversation(ctx context.Context, conversationID string) (func(), error) {
	if conversationID == "" {
		return func() {}, nil
	}
	return s.Acquire(ctx, ConversationTopic(conversationID))
}

// WatchViewer acquires the conversation-level topic of the current viewer.
func (s *SyncManager) WatchViewer(ctx context.Context) (func(), error) {
	viewer, err := s.gateway.ViewerID()
	if err != nil {
		return nil, err
	}
	return s.Acquire(ctx, ViewerTopic(viewer))
}

// Refs returns how many views hold topic.
func (s *SyncManager) Refs(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.topics[topic]; ok {
		return sub.refs
	}
	return 0
}

// Topics returns the held topics in sorted order.
func (s *SyncManager) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Resync refetches the conversation list and the threads of every held
// conversation topic.
func (s *SyncManager) Resync(ctx context.Context) error {
	if _, err := s.gateway.ListConversations(ctx); err != nil {
		return err
	}
	for _, topic := range s.Topics() {
		kind, id, ok := ParseTopic(topic)
		if !ok || kind != "conversation" {
			continue
		}
		if _, err := s.gateway.LoadMessages(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every subscription.
func (s *SyncManager) Close() {
	s.mu.Lock()
	topics := s.topics
	s.topics = make(map[string]*topicSubscription)
	s.closed = true
	s.mu.Unlock()

	for _, sub := range topics {
		sub.unsubscribe()
	}
}

func (s *SyncManager) handle(event ChangeEvent) {
	cache := s.gateway.Cache()
	switch event.Table {
	case TableMessages:
		if event.Message != nil {
			cache.MergeMessage(event.Message)
		}
	case TableConversations:
		if event.Conversation != nil {
			cache.MergeConversation(event.Conversation)
		}
	default:
		s.logger.Debug().Str("table", event.Table).Msg("ignoring change event")
	}
}

// ErrSyncClosed is returned by Acquire after Close.
var ErrSyncClosed = &BrokerError{Message: "sync manager closed"}
