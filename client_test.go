package pawchat_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawpal/pawchat"
	"github.com/pawpal/pawchat/internal/server"
)

// ============================================================================
// HTTP Client
// ============================================================================

func TestClientDecodesEnvelope(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/conversations/c1/messages":
			_, _ = w.Write([]byte(`{"ok":true,"data":{"id":"m1","conversationId":"c1","senderId":"alice","content":"hi","clientId":"x","createdAt":"2024-01-01T08:00:00Z"}}`))
		case "/api/conversations/c2/messages":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"ok":false,"error":{"code":"NOT_PARTICIPANT","message":"not a participant of this conversation"}}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	client := pawchat.NewClient("tok", pawchat.WithBaseURL(srv.URL+"/"), pawchat.WithTimeout(5*time.Second))
	assert.Equal(t, srv.URL, client.BaseURL())
	ctx := context.Background()

	msg, err := client.SendMessage(ctx, "ignored", "c1", "hi", "x")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "Bearer tok", gotAuth)

	var body pawchat.SendMessageRequest
	require.NoError(t, json.Unmarshal([]byte(gotBody), &body))
	assert.Equal(t, pawchat.SendMessageRequest{Content: "hi", ClientID: "x"}, body)

	_, err = client.SendMessage(ctx, "", "c2", "hi", "")
	var apiErr *pawchat.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, pawchat.CodeNotParticipant, apiErr.Code)
	assert.ErrorIs(t, err, pawchat.ErrNotParticipant)

	_, err = client.ListMessages(ctx, "", "c3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, pawchat.CodeEmptyMessage, pawchat.ErrorCode(pawchat.ErrEmptyMessage))
	assert.Equal(t, pawchat.CodeInternal, pawchat.ErrorCode(io.EOF))
}

// ============================================================================
// Client against pawchatd
// ============================================================================

type liveServer struct {
	*server.Server
	http  *httptest.Server
	store *pawchat.MemoryStore
}

const liveSecret = "live-test-secret-0123"

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()
	store := pawchat.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, store.UpsertProfile(ctx, pawchat.Profile{ID: id}))
	}
	broker := pawchat.NewMemoryBroker()
	s := server.New(pawchat.NewPublishingStore(store, broker), broker, liveSecret)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return &liveServer{Server: s, http: hs, store: store}
}

func (l *liveServer) client(viewer string) *pawchat.Client {
	return pawchat.NewClient(server.SignViewerToken(viewer, liveSecret), pawchat.WithBaseURL(l.http.URL), pawchat.WithTimeout(0))
}

func TestClientAgainstServer(t *testing.T) {
	live := newLiveServer(t)
	ctx := context.Background()
	alice, bob := live.client("alice"), live.client("bob")

	require.NoError(t, alice.Health(ctx))

	p, err := alice.UpdateProfile(ctx, pawchat.UpdateProfileRequest{DisplayName: "Alice A."})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)
	p, err = bob.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", p.DisplayName)

	res, err := alice.StartConversation(ctx, "", pawchat.StartRequest{RecipientID: "bob", PetContextID: "pet-1", InitialMessage: "Is Rex available?"}, "c1")
	require.NoError(t, err)
	assert.True(t, res.Created)

	convs, err := bob.ListConversations(ctx, "")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount)

	require.NoError(t, bob.MarkRead(ctx, "", res.Conversation.ID))
	conv, err := bob.GetConversation(ctx, "", res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount)

	msgs, err := bob.ListMessages(ctx, "", res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ClientID)

	_, err = bob.StartConversation(ctx, "", pawchat.StartRequest{RecipientID: "ghost", InitialMessage: "hi"}, "")
	assert.ErrorIs(t, err, pawchat.ErrRecipientNotFound)

	_, err = pawchat.NewClient("forged.token", pawchat.WithBaseURL(live.http.URL)).ListConversations(ctx, "")
	assert.ErrorIs(t, err, pawchat.ErrNotAuthenticated)
}

// ============================================================================
// Realtime Client
// ============================================================================

func TestRealtimeClientResubscribesAfterReconnect(t *testing.T) {
	live := newLiveServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := live.client("alice")
	res, err := alice.StartConversation(ctx, "", pawchat.StartRequest{RecipientID: "bob", InitialMessage: "hi"}, "")
	require.NoError(t, err)
	topic := pawchat.ConversationTopic(res.Conversation.ID)

	rt := live.client("bob").Realtime(pawchat.RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	reconnected := make(chan struct{}, 1)
	rt.OnReconnected(func() { reconnected <- struct{}{} })

	events := make(chan pawchat.ChangeEvent, 8)
	unsubscribe, err := rt.Subscribe(ctx, topic, func(e pawchat.ChangeEvent) { events <- e })
	require.NoError(t, err)
	defer unsubscribe()

	// Topics held before Connect are subscribed on connect.
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()
	require.Eventually(t, func() bool { return live.Hub().RoomSize(topic) == 1 }, 5*time.Second, 10*time.Millisecond)

	live.Hub().Close()

	select {
	case <-reconnected:
	case <-ctx.Done():
		t.Fatal("client did not reconnect")
	}
	require.Eventually(t, func() bool { return live.Hub().RoomSize(topic) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, pawchat.StateConnected, rt.State())

	_, err = alice.SendMessage(ctx, "", res.Conversation.ID, "back online?", "")
	require.NoError(t, err)
	select {
	case e := <-events:
		require.NotNil(t, e.Message)
		assert.Equal(t, "back online?", e.Message.Content)
	case <-ctx.Done():
		t.Fatal("no event after reconnect")
	}
}

func TestRealtimeClientNotConnected(t *testing.T) {
	rt := pawchat.NewRealtimeClient("http://127.0.0.1:0", pawchat.RealtimeConfig{})
	_, err := rt.Ping(context.Background())
	assert.ErrorIs(t, err, pawchat.ErrNotConnected)
	assert.Equal(t, pawchat.StateDisconnected, rt.State())
	assert.Equal(t, "ws://example.test/ws", pawchat.WSURL("http://example.test/"))
	assert.Equal(t, "wss://example.test/ws", pawchat.WSURL("https://example.test"))
}
