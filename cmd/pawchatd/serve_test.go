package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawpal/pawchat"
	"github.com/pawpal/pawchat/internal/config"
)

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := config.DefaultConfig()
		b, err := openBackend(ctx, cfg)
		require.NoError(t, err)
		defer b.Close()
		assert.IsType(t, &pawchat.PublishingStore{}, b.store)
		assert.IsType(t, &pawchat.MemoryBroker{}, b.feed)
	})

	t.Run("sqlite publishes writes", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "pawchat.db")
		b, err := openBackend(ctx, cfg)
		require.NoError(t, err)
		defer b.Close()

		require.NoError(t, b.store.UpsertProfile(ctx, pawchat.Profile{ID: "alice"}))
		require.NoError(t, b.store.UpsertProfile(ctx, pawchat.Profile{ID: "bob"}))

		events := make(chan pawchat.ChangeEvent, 4)
		unsubscribe, err := b.feed.Subscribe(ctx, pawchat.ViewerTopic("bob"), func(e pawchat.ChangeEvent) { events <- e })
		require.NoError(t, err)
		defer unsubscribe()

		res, err := b.store.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", InitialMessage: "hello"}, "")
		require.NoError(t, err)
		e := <-events
		require.NotNil(t, e.Conversation)
		assert.Equal(t, res.Conversation.ID, e.Conversation.ID)
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Store.Driver = "mongo"
		_, err := openBackend(ctx, cfg)
		assert.Error(t, err)
	})
}
