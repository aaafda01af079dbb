package main

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawpal/pawchat"
)

func newTestInbox(t *testing.T) (*inboxModel, *pawchat.MemoryStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := pawchat.NewMemoryStore()
	for _, p := range []pawchat.Profile{{ID: "alice", DisplayName: "Alice"}, {ID: "bob", DisplayName: "Bob"}, {ID: "carol", DisplayName: "Carol"}} {
		require.NoError(t, store.UpsertProfile(ctx, p))
	}
	broker := pawchat.NewMemoryBroker()
	backend := pawchat.NewPublishingStore(store, broker)
	for _, from := range []string{"bob", "carol"} {
		_, err := backend.StartConversation(ctx, from, pawchat.StartRequest{RecipientID: "alice", InitialMessage: "hello from " + from}, "")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	gw := pawchat.NewGateway(backend, pawchat.StaticSession("alice"))
	syncer := pawchat.NewSyncManager(broker, gw)
	t.Cleanup(syncer.Close)

	m := newInboxModel(ctx, gw, syncer, pawchat.NewChatRequests(1), time.UTC)
	require.NoError(t, m.surface.Mount(ctx))
	t.Cleanup(m.surface.Unmount)
	return m, store
}

// press delivers a key and runs the command it returns, feeding the result
// back into the model.
func press(t *testing.T, m *inboxModel, key tea.KeyMsg) {
	t.Helper()
	_, cmd := m.Update(key)
	if cmd == nil {
		return
	}
	msg := cmd()
	if done, ok := msg.(opDoneMsg); ok {
		require.NoError(t, done.err, done.op)
		m.Update(done)
	}
}

func TestInboxOpensAndSends(t *testing.T) {
	m, store := newTestInbox(t)

	rows := m.surface.Model().List.Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "Carol", rows[0].Title)

	press(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.cursor)
	press(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.cursor, "cursor stays on the last row")

	press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, rows[1].ID, m.surface.Selected())
	assert.Equal(t, focusComposer, m.focus)
	assert.Contains(t, m.View(), "hello from bob")

	press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("Is")})
	press(t, m, tea.KeyMsg{Type: tea.KeySpace})
	press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("Rex ok?!")})
	press(t, m, tea.KeyMsg{Type: tea.KeyBackspace})
	assert.Equal(t, "Is Rex ok?", m.surface.Model().Thread.ComposerText)

	press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Empty(t, m.status)
	assert.Empty(t, m.surface.Model().Thread.ComposerText)

	msgs, err := store.ListMessages(context.Background(), "alice", rows[1].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Is Rex ok?", msgs[1].Content)

	press(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, focusList, m.focus)
}

func TestInboxQuit(t *testing.T) {
	m, _ := newTestInbox(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestInboxReportsFailures(t *testing.T) {
	m, _ := newTestInbox(t)
	m.Update(opDoneMsg{op: "send", err: pawchat.ErrNotParticipant})
	assert.Contains(t, m.View(), "send failed")
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", tail("a\nb\nc\nd", 2))
	assert.Equal(t, "a", tail("a", 3))
	assert.Equal(t, "", tail("a", 0))
}
