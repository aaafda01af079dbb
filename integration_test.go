//go:build integration

package pawchat_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pawpal/pawchat"
)

// helpers ---------------------------------------------------------------

// viewerToken returns the token of a test viewer. The two viewers must be
// different users known to the server.
func viewerToken(t *testing.T, env string) string {
	t.Helper()
	token := os.Getenv(env)
	if token == "" {
		t.Fatalf("%s environment variable is required", env)
	}
	return token
}

func testBaseURL() string {
	if v := os.Getenv("PAWCHAT_BASE_URL_TEST"); v != "" {
		return v
	}
	return pawchat.DefaultBaseURL
}

type testViewer struct {
	id     string
	client *pawchat.Client
}

func newViewer(t *testing.T, env string) testViewer {
	t.Helper()
	client := pawchat.NewClient(viewerToken(t, env), pawchat.WithBaseURL(testBaseURL()), pawchat.WithTimeout(0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt := client.Realtime(pawchat.RealtimeConfig{})
	if err := rt.Connect(ctx); err != nil {
		t.Fatalf("realtime connect for %s: %v", env, err)
	}
	id := rt.ViewerID()
	_ = rt.Disconnect()
	return testViewer{id: id, client: client}
}

func uniquePet(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// =======================================================================
// Group 1: REST API
// =======================================================================

func TestIntegration_Health(t *testing.T) {
	client := pawchat.NewClient("", pawchat.WithBaseURL(testBaseURL()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
}

func TestIntegration_FullLifecycle(t *testing.T) {
	buyer := newViewer(t, "PAWCHAT_TEST_TOKEN_A")
	seller := newViewer(t, "PAWCHAT_TEST_TOKEN_B")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := seller.client.UpdateProfile(ctx, pawchat.UpdateProfileRequest{DisplayName: "Integration Seller"}); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	// Step 1: the buyer messages the seller about a pet.
	pet := uniquePet("pet")
	start, err := buyer.client.StartConversation(ctx, buyer.id, pawchat.StartRequest{
		RecipientID:    seller.id,
		PetContextID:   pet,
		InitialMessage: "Is this pet still available?",
	}, uniquePet("cid"))
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if !start.Created {
		t.Error("expected a new conversation for a fresh pet context")
	}
	convID := start.Conversation.ID
	t.Logf("Started conversation %s about %s", convID, pet)

	// Step 2: same pair and pet reuses the conversation.
	again, err := buyer.client.StartConversation(ctx, buyer.id, pawchat.StartRequest{
		RecipientID:    seller.id,
		PetContextID:   pet,
		InitialMessage: "Following up",
	}, "")
	if err != nil {
		t.Fatalf("StartConversation (reuse): %v", err)
	}
	if again.Created || again.Conversation.ID != convID {
		t.Errorf("expected reuse of %s, got %s (created=%v)", convID, again.Conversation.ID, again.Created)
	}

	// Step 3: resending a client id does not duplicate the message.
	cid := uniquePet("cid")
	first, err := seller.client.SendMessage(ctx, seller.id, convID, "Yes! Want to visit?", cid)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	retry, err := seller.client.SendMessage(ctx, seller.id, convID, "Yes! Want to visit?", cid)
	if err != nil {
		t.Fatalf("SendMessage (retry): %v", err)
	}
	if first.ID != retry.ID {
		t.Errorf("retry created a second message: %s vs %s", first.ID, retry.ID)
	}

	// Step 4: the buyer sees the reply as unread until marking it read.
	conv, err := buyer.client.GetConversation(ctx, buyer.id, convID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("expected 1 unread, got %d", conv.UnreadCount)
	}
	if conv.LastMessage != "Yes! Want to visit?" {
		t.Errorf("unexpected preview %q", conv.LastMessage)
	}
	if err := buyer.client.MarkRead(ctx, buyer.id, convID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	conv, err = buyer.client.GetConversation(ctx, buyer.id, convID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("expected 0 unread after MarkRead, got %d", conv.UnreadCount)
	}

	msgs, err := buyer.client.ListMessages(ctx, buyer.id, convID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("messages out of order at %d", i)
		}
	}
}

func TestIntegration_Validation(t *testing.T) {
	buyer := newViewer(t, "PAWCHAT_TEST_TOKEN_A")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := buyer.client.StartConversation(ctx, buyer.id, pawchat.StartRequest{RecipientID: buyer.id, InitialMessage: "hi"}, "")
	if err == nil || pawchat.ErrorCode(err) != pawchat.CodeInvalidRecipient {
		t.Errorf("expected %s for self-chat, got %v", pawchat.CodeInvalidRecipient, err)
	}
	_, err = buyer.client.StartConversation(ctx, buyer.id, pawchat.StartRequest{RecipientID: uniquePet("ghost"), InitialMessage: "hi"}, "")
	if err == nil || pawchat.ErrorCode(err) != pawchat.CodeRecipientNotFound {
		t.Errorf("expected %s for unknown recipient, got %v", pawchat.CodeRecipientNotFound, err)
	}
	_, err = buyer.client.ListMessages(ctx, buyer.id, uniquePet("missing"))
	if err == nil {
		t.Error("expected an error for an unknown conversation")
	}
}

// =======================================================================
// Group 2: Realtime
// =======================================================================

func TestIntegration_RealtimeSurface(t *testing.T) {
	buyer := newViewer(t, "PAWCHAT_TEST_TOKEN_A")
	seller := newViewer(t, "PAWCHAT_TEST_TOKEN_B")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start, err := buyer.client.StartConversation(ctx, buyer.id, pawchat.StartRequest{
		RecipientID:    seller.id,
		PetContextID:   uniquePet("pet"),
		InitialMessage: "Hello!",
	}, "")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	rt := seller.client.Realtime(pawchat.RealtimeConfig{AutoReconnect: true})
	if err := rt.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rt.Disconnect()

	gw := pawchat.NewGateway(seller.client, pawchat.StaticSession(seller.id))
	syncer := pawchat.NewSyncManager(rt, gw)
	defer syncer.Close()

	changed := make(chan struct{}, 16)
	inbox := pawchat.NewSurface(pawchat.SurfaceInbox, gw, syncer, pawchat.WithRenderHook(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	if err := inbox.Mount(ctx); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer inbox.Unmount()
	if err := inbox.Select(ctx, start.Conversation.ID); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if _, err := buyer.client.SendMessage(ctx, buyer.id, start.Conversation.ID, "Are you there?", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		msgs := gw.Cache().Messages(start.Conversation.ID)
		if len(msgs) > 0 && msgs[len(msgs)-1].Content == "Are you there?" {
			break
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatal("message did not arrive over realtime")
		}
	}
	t.Logf("Realtime delivered to %s; topics=%v", seller.id, syncer.Topics())
}
