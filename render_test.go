package pawchat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderConversationList(t *testing.T) {
	m := ConversationListModel{
		State: ListPopulated,
		Rows: []ConversationRow{
			{ID: "c1", Title: "Bob", Preview: "Is Rex still available?", RelativeTime: "3 minutes ago", Unread: 2, Selected: true},
			{ID: "c2", Title: "Carol", Preview: "Thanks!", RelativeTime: "1 hour ago"},
		},
		Banner: "Couldn't load conversations. Pull to retry.",
	}

	out := RenderConversationList(m, 60, DefaultTheme)
	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 5)
	assert.Contains(t, lines[0], "Couldn't load conversations")
	assert.Contains(t, lines[1], "> ")
	assert.Contains(t, lines[1], "Bob")
	assert.Contains(t, lines[1], "3 minutes ago")
	assert.Contains(t, lines[2], "Is Rex still available?")
	assert.Contains(t, lines[2], "2")
	assert.NotContains(t, lines[3], ">")

	assert.Contains(t, RenderConversationList(ConversationListModel{State: ListLoading}, 60, DefaultTheme), "Loading")
}

func TestRenderThread(t *testing.T) {
	m := ThreadModel{
		ConversationID: "c1",
		Title:          "Bob",
		Groups: []DayGroup{{
			Label: "Today",
			Day:   t0,
			Bubbles: []Bubble{
				{ID: "1", Content: "hello", SenderName: "Bob", Align: AlignLeft, Time: "08:00", State: StateConfirmed},
				{ID: "2", Content: "hi!", Mine: true, Align: AlignRight, Time: "08:01", State: StatePending},
			},
		}},
		Banner:       "Message not sent. Try again.",
		ComposerText: "typing",
	}

	out := RenderThread(m, 50, DefaultTheme)
	assert.Contains(t, out, "Bob")
	assert.Contains(t, out, "Today")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "sending…")
	assert.Contains(t, out, "Message not sent")
	assert.True(t, strings.HasSuffix(out, "> typing"))

	draft := RenderThread(ThreadModel{Draft: true}, 50, DefaultTheme)
	assert.Contains(t, draft, "New conversation")
	assert.Contains(t, draft, "Write a message")
}

func TestTruncateLine(t *testing.T) {
	assert.Equal(t, "abc", truncateLine("abc", 10))
	assert.Equal(t, "abcd…", truncateLine("abcdefghij", 6))
}
