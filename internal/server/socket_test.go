package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/pawpal/pawchat"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	store  *pawchat.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := pawchat.NewMemoryStore()
	ctx := context.Background()
	for _, p := range []pawchat.Profile{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "bob", DisplayName: "Bob"},
		{ID: "carol", DisplayName: "Carol"},
	} {
		require.NoError(t, store.UpsertProfile(ctx, p))
	}

	broker := pawchat.NewMemoryBroker()
	s := New(pawchat.NewPublishingStore(store, broker), broker, testSecret)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return &testEnv{server: s, http: srv, store: store}
}

func (e *testEnv) client(viewer string) *pawchat.Client {
	return pawchat.NewClient(SignViewerToken(viewer, testSecret), pawchat.WithBaseURL(e.http.URL))
}

func TestRealtimeDeliversChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := env.client("alice")
	res, err := alice.StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", PetContextID: "pet-1", InitialMessage: "Is Rex still available?"}, "cid-1")
	require.NoError(t, err)
	require.True(t, res.Created)
	convID := res.Conversation.ID

	rt := env.client("bob").Realtime(pawchat.RealtimeConfig{})
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()
	assert.Equal(t, "bob", rt.ViewerID())

	messages := make(chan pawchat.ChangeEvent, 8)
	conversations := make(chan pawchat.ChangeEvent, 8)
	unsubMessages, err := rt.Subscribe(ctx, pawchat.ConversationTopic(convID), func(e pawchat.ChangeEvent) { messages <- e })
	require.NoError(t, err)
	defer unsubMessages()
	unsubConversations, err := rt.Subscribe(ctx, pawchat.ViewerTopic("bob"), func(e pawchat.ChangeEvent) { conversations <- e })
	require.NoError(t, err)
	defer unsubConversations()

	require.Eventually(t, func() bool {
		return env.server.Hub().RoomSize(pawchat.ConversationTopic(convID)) == 1 &&
			env.server.Hub().RoomSize(pawchat.ViewerTopic("bob")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = alice.SendMessage(ctx, "alice", convID, "Can I visit on Saturday?", "cid-2")
	require.NoError(t, err)

	select {
	case e := <-messages:
		assert.Equal(t, pawchat.TableMessages, e.Table)
		assert.Equal(t, pawchat.OpCreated, e.Operation)
		require.NotNil(t, e.Message)
		assert.Equal(t, "Can I visit on Saturday?", e.Message.Content)
		assert.Equal(t, "cid-2", e.Message.ClientID)
	case <-ctx.Done():
		t.Fatal("no message event")
	}

	select {
	case e := <-conversations:
		assert.Equal(t, pawchat.TableConversations, e.Table)
		require.NotNil(t, e.Conversation)
		assert.Equal(t, convID, e.Conversation.ID)
		assert.Equal(t, "Can I visit on Saturday?", e.Conversation.LastMessage)
		assert.Equal(t, 2, e.Conversation.UnreadCount)
	case <-ctx.Done():
		t.Fatal("no conversation event")
	}

	unsubMessages()
	assert.Eventually(t, func() bool {
		return env.server.Hub().RoomSize(pawchat.ConversationTopic(convID)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRealtimePing(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rt := env.client("alice").Realtime(pawchat.RealtimeConfig{})
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()

	pong, err := rt.Ping(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pong.RequestID)
}

func TestRealtimeTopicAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := env.client("alice").StartConversation(ctx, "alice", pawchat.StartRequest{RecipientID: "bob", InitialMessage: "hi"}, "")
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+SignViewerToken("carol", testSecret))
	ws, _, err := websocket.Dial(ctx, pawchat.WSURL(env.http.URL), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	hello := readEnvelope(t, ctx, ws)
	assert.Equal(t, pawchat.EventAuthenticated, hello.Type)

	testCases := []struct {
		name         string
		topic        string
		expectedType string
		expectedCode string
	}{
		{"foreign_conversation", pawchat.ConversationTopic(res.Conversation.ID), pawchat.EventError, pawchat.CodeNotParticipant},
		{"foreign_viewer", pawchat.ViewerTopic("bob"), pawchat.EventError, pawchat.CodeNotParticipant},
		{"unknown_conversation", pawchat.ConversationTopic("missing"), pawchat.EventError, pawchat.CodeConversationNotFound},
		{"malformed_topic", "lobby", pawchat.EventError, pawchat.CodeBadRequest},
		{"own_viewer", pawchat.ViewerTopic("carol"), pawchat.EventSubscribed, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := json.Marshal(pawchat.RealtimeCommand{Type: pawchat.CommandSubscribe, Payload: pawchat.TopicPayload{Topic: tc.topic}})
			require.NoError(t, err)
			require.NoError(t, ws.Write(ctx, websocket.MessageText, cmd))

			got := readEnvelope(t, ctx, ws)
			assert.Equal(t, tc.expectedType, got.Type)
			if tc.expectedCode != "" {
				var p pawchat.RealtimeErrorPayload
				require.NoError(t, json.Unmarshal(got.Payload, &p))
				assert.Equal(t, tc.expectedCode, p.Code)
			}
		})
	}

	assert.Equal(t, 0, env.server.Hub().RoomSize(pawchat.ConversationTopic(res.Conversation.ID)))
	assert.Equal(t, 1, env.server.Hub().RoomSize(pawchat.ViewerTopic("carol")))
}

func TestRealtimeRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, pawchat.WSURL(env.http.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func readEnvelope(t *testing.T, ctx context.Context, ws *websocket.Conn) pawchat.RealtimeEnvelope {
	t.Helper()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var env pawchat.RealtimeEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}
