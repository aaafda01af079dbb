package pawchat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Conversation List
// ============================================================================

func TestBuildConversationListStates(t *testing.T) {
	now := t0.Add(time.Hour)

	m := BuildConversationList("alice", nil, false, "", nil, now)
	assert.Equal(t, ListLoading, m.State)

	m = BuildConversationList("alice", nil, true, "", nil, now)
	assert.Equal(t, ListEmpty, m.State)
	assert.Empty(t, m.Banner)

	m = BuildConversationList("alice", nil, false, "", errors.New("offline"), now)
	assert.Equal(t, ListEmpty, m.State)
	assert.Equal(t, "Couldn't load conversations. Pull to retry.", m.Banner)
}

func TestBuildConversationListRows(t *testing.T) {
	now := t0.Add(time.Hour)
	conv := testConversation("c1", strings.Repeat("woof ", 20), at(57*time.Minute), 120)
	conv.PetContextID = "pet-1"
	conv.Participants[1].AvatarURL = "https://img.example/bob.png"

	m := BuildConversationList("alice", []*Conversation{conv}, true, "c1", errors.New("stale"), now)
	require.Equal(t, ListPopulated, m.State)
	require.Len(t, m.Rows, 1)
	assert.NotEmpty(t, m.Banner, "rows keep the last known state under the banner")

	row := m.Rows[0]
	assert.Equal(t, "Bob", row.Title)
	assert.Equal(t, "https://img.example/bob.png", row.AvatarURL)
	assert.Equal(t, "pet-1", row.PetContextID)
	assert.Equal(t, "3 minutes ago", row.RelativeTime)
	assert.True(t, row.Selected)
	assert.Equal(t, "99+", row.Badge())
	assert.Equal(t, PreviewLength, len([]rune(row.Preview)))
	assert.True(t, strings.HasSuffix(row.Preview, "…"))
}

func TestConversationRowBadge(t *testing.T) {
	assert.Equal(t, "", ConversationRow{Unread: 0}.Badge())
	assert.Equal(t, "", ConversationRow{Unread: -1}.Badge())
	assert.Equal(t, "7", ConversationRow{Unread: 7}.Badge())
	assert.Equal(t, "99", ConversationRow{Unread: 99}.Badge())
	assert.Equal(t, "99+", ConversationRow{Unread: 100}.Badge())
}

func TestRelativeTime(t *testing.T) {
	assert.Equal(t, "just now", RelativeTime(t0.Add(-30*time.Second), t0))
	assert.Equal(t, "1 hour ago", RelativeTime(t0.Add(-time.Hour), t0))
}

func TestTruncatePreview(t *testing.T) {
	assert.Equal(t, "short", TruncatePreview("short", 10))
	assert.Equal(t, "a b", TruncatePreview(" a \n b ", 10))
	assert.Equal(t, "héll…", TruncatePreview("héllo wörld", 5))
	assert.Equal(t, "unchanged", TruncatePreview("unchanged", 0))
}

// ============================================================================
// Message Thread
// ============================================================================

func TestGroupByDay(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	msgs := []*Message{
		{ID: "1", SenderID: "bob", Content: "morning", CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		{ID: "2", SenderID: "alice", Content: "late", CreatedAt: time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)},
		{ID: "3", SenderID: "bob", Content: "after midnight", CreatedAt: time.Date(2024, 1, 2, 0, 5, 0, 0, time.UTC), State: StatePending},
	}

	groups := GroupByDay(msgs, "alice", map[string]string{"bob": "Bob"}, now, time.UTC)
	require.Len(t, groups, 2)

	assert.Equal(t, "Yesterday", groups[0].Label)
	require.Len(t, groups[0].Bubbles, 2)
	assert.Equal(t, AlignLeft, groups[0].Bubbles[0].Align)
	assert.Equal(t, "Bob", groups[0].Bubbles[0].SenderName)
	assert.Equal(t, "08:00", groups[0].Bubbles[0].Time)
	assert.Equal(t, AlignRight, groups[0].Bubbles[1].Align)
	assert.True(t, groups[0].Bubbles[1].Mine)
	assert.Empty(t, groups[0].Bubbles[1].SenderName)

	assert.Equal(t, "Today", groups[1].Label)
	require.Len(t, groups[1].Bubbles, 1)
	assert.Equal(t, StatePending, groups[1].Bubbles[0].State)
}

func TestGroupByDayUsesViewerLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	now := time.Date(2024, 1, 2, 12, 0, 0, 0, tokyo)
	msgs := []*Message{
		// 2024-01-01 20:00 JST and 2024-01-02 00:30 JST.
		{ID: "1", SenderID: "bob", CreatedAt: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
		{ID: "2", SenderID: "bob", CreatedAt: time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC)},
	}

	groups := GroupByDay(msgs, "alice", nil, now, tokyo)
	require.Len(t, groups, 2)
	assert.Equal(t, "Yesterday", groups[0].Label)
	assert.Equal(t, "Today", groups[1].Label)
	assert.Equal(t, "bob", groups[0].Bubbles[0].SenderName)
}

func TestDayLabel(t *testing.T) {
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "Today", DayLabel(now, now, time.UTC))
	assert.Equal(t, "Yesterday", DayLabel(now.AddDate(0, 0, -1), now, time.UTC))
	assert.Equal(t, "Mon, Jun 10", DayLabel(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), now, time.UTC))
	assert.Equal(t, "Dec 31, 2023", DayLabel(time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), now, time.UTC))
}

func TestScrollTracker(t *testing.T) {
	s := NewScrollTracker()
	assert.True(t, s.Observe(3, false), "initial load scrolls")
	assert.False(t, s.Observe(3, false), "no growth")

	s.SetNearBottom(false)
	assert.False(t, s.Observe(4, false), "reading history is not interrupted")
	assert.True(t, s.Observe(5, true), "own message scrolls")
	assert.True(t, s.Observe(6, false), "back at the bottom after scrolling")

	s.Reset()
	assert.True(t, s.Observe(1, false))
}

func TestComposer(t *testing.T) {
	var c Composer
	assert.False(t, c.CanSubmit())

	c.Text = "   "
	_, ok := c.Submit()
	assert.False(t, ok)

	c.Text = " hello "
	text, ok := c.Submit()
	require.True(t, ok)
	assert.Equal(t, "hello", text)
	assert.Empty(t, c.Text)
	assert.True(t, c.Sending)

	c.Text = "x"
	assert.False(t, c.CanSubmit(), "one send at a time")

	c.Text = ""
	c.Finish(&SendError{Content: "hello", Err: errors.New("offline")})
	assert.False(t, c.Sending)
	assert.Equal(t, "hello", c.Text)

	c.Sending = true
	c.Text = "new draft"
	c.Finish(&SendError{Content: "hello"})
	assert.Equal(t, "new draft", c.Text)

	c.Sending = true
	c.Text = ""
	c.Finish(nil)
	assert.Empty(t, c.Text)
}
