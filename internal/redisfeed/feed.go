// Package redisfeed fans change events out across pawchatd instances over
// Redis pub/sub.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pawpal/pawchat"
	"github.com/pawpal/pawchat/internal/logging"
)

// DefaultChannelPrefix namespaces pawchat channels in a shared Redis.
const DefaultChannelPrefix = "pawchat:"

// Feed implements pawchat.Feed and pawchat.Publisher. One Redis
// subscription per topic is shared by every local handler of that topic.
type Feed struct {
	client    *redis.Client
	ownClient bool
	pubsub    *redis.PubSub
	local     *pawchat.MemoryBroker
	prefix    string
	logger    zerolog.Logger

	mu   sync.Mutex
	refs map[string]int

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Feed.
type Option func(*Feed)

// WithChannelPrefix overrides DefaultChannelPrefix.
func WithChannelPrefix(prefix string) Option {
	return func(f *Feed) { f.prefix = prefix }
}

// Connect parses a redis:// URL, verifies the server with a ping and returns
// a Feed that owns the client.
func Connect(ctx context.Context, url string, opts ...Option) (*Feed, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	f := New(client, opts...)
	f.ownClient = true
	return f, nil
}

// New creates a Feed on an existing client.
func New(client *redis.Client, opts ...Option) *Feed {
	f := &Feed{
		client: client,
		local:  pawchat.NewMemoryBroker(),
		prefix: DefaultChannelPrefix,
		logger: logging.Component("redisfeed"),
		refs:   make(map[string]int),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	// The subscription outlives any request context.
	f.pubsub = client.Subscribe(context.Background())
	f.wg.Add(1)
	go f.receive()
	return f
}

// Publish implements pawchat.Publisher.
func (f *Feed) Publish(ctx context.Context, event pawchat.ChangeEvent) error {
	if event.Topic == "" {
		return pawchat.ErrInvalidTopic
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(event.Topic), data).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Subscribe implements pawchat.Feed.
func (f *Feed) Subscribe(ctx context.Context, topic string, handler pawchat.EventHandler) (func(), error) {
	unsubscribeLocal, err := f.local.Subscribe(ctx, topic, handler)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.refs[topic]++
	first := f.refs[topic] == 1
	f.mu.Unlock()

	if first {
		if err := f.pubsub.Subscribe(ctx, f.channel(topic)); err != nil {
			unsubscribeLocal()
			f.release(topic)
			return nil, fmt.Errorf("redis: subscribe %s: %w", topic, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribeLocal()
			f.release(topic)
		})
	}, nil
}

// release drops one reference to topic, unsubscribing from Redis on the last.
func (f *Feed) release(topic string) {
	f.mu.Lock()
	f.refs[topic]--
	last := f.refs[topic] <= 0
	if last {
		delete(f.refs, topic)
	}
	f.mu.Unlock()

	if !last {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.pubsub.Unsubscribe(ctx, f.channel(topic)); err != nil {
		f.logger.Debug().Err(err).Str("topic", topic).Msg("redis unsubscribe failed")
	}
}

// Topics returns the number of topics with a live Redis subscription.
func (f *Feed) Topics() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refs)
}

// Ping checks the Redis connection.
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close stops the receive loop and, for Connect-created feeds, the client.
func (f *Feed) Close() error {
	select {
	case <-f.done:
		return nil
	default:
		close(f.done)
	}

	err := f.pubsub.Close()
	f.wg.Wait()
	f.local.Close()
	if f.ownClient {
		if cerr := f.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (f *Feed) receive() {
	defer f.wg.Done()
	ch := f.pubsub.Channel()
	for {
		select {
		case <-f.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			f.dispatch(msg)
		}
	}
}

func (f *Feed) dispatch(msg *redis.Message) {
	var event pawchat.ChangeEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		f.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
		return
	}
	event.Topic = strings.TrimPrefix(msg.Channel, f.prefix)
	_ = f.local.Publish(context.Background(), event)
}

func (f *Feed) channel(topic string) string {
	return f.prefix + topic
}
