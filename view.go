package pawchat

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// ============================================================================
// Conversation List
// ============================================================================

// ListState is the display state of the conversation list.
type ListState string

const (
	ListLoading   ListState = "loading"
	ListEmpty     ListState = "empty"
	ListPopulated ListState = "populated"
)

// EmptyListCopy is shown when the viewer has no conversations.
const EmptyListCopy = "No conversations yet. Find a pet you love and message its owner to get started."

// PreviewLength is the number of characters kept in a row preview.
const PreviewLength = 48

// ConversationRow is one rendered conversation.
type ConversationRow struct {
	ID           string
	Title        string
	AvatarURL    string
	PetContextID string
	RelativeTime string
	Preview      string
	Unread       int
	Selected     bool
}

// Badge returns the unread badge text, empty when nothing is unread.
func (r ConversationRow) Badge() string {
	switch {
	case r.Unread <= 0:
		return ""
	case r.Unread > 99:
		return "99+"
	default:
		return humanize.Comma(int64(r.Unread))
	}
}

// ConversationListModel is the view model of the conversation list.
type ConversationListModel struct {
	State    ListState
	Rows     []ConversationRow
	Selected string
	Banner   string
	Err      error
}

// BuildConversationList builds the list model. loaded is false until the
// first fetch finished; fetchErr is shown as a banner while rows keep the
// last known state.
func BuildConversationList(viewerID string, convs []*Conversation, loaded bool, selected string, fetchErr error, now time.Time) ConversationListModel {
	m := ConversationListModel{Selected: selected, Err: fetchErr}
	if fetchErr != nil {
		m.Banner = "Couldn't load conversations. Pull to retry."
	}

	switch {
	case len(convs) > 0:
		m.State = ListPopulated
	case !loaded && fetchErr == nil:
		m.State = ListLoading
		return m
	default:
		m.State = ListEmpty
		return m
	}

	m.Rows = make([]ConversationRow, 0, len(convs))
	for _, c := range convs {
		counterpart := c.Profile(c.Counterpart(viewerID))
		row := ConversationRow{
			ID:           c.ID,
			Title:        counterpart.Name(),
			AvatarURL:    counterpart.AvatarURL,
			PetContextID: c.PetContextID,
			Preview:      TruncatePreview(c.LastMessage, PreviewLength),
			Unread:       c.UnreadCount,
			Selected:     c.ID == selected,
		}
		if c.LastMessageAt != nil {
			row.RelativeTime = RelativeTime(*c.LastMessageAt, now)
		}
		m.Rows = append(m.Rows, row)
	}
	return m
}

// RelativeTime formats t relative to now ("3 minutes ago").
func RelativeTime(t, now time.Time) string {
	if now.Sub(t) < time.Minute && !t.After(now) {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// TruncatePreview collapses whitespace and cuts s to max runes.
func TruncatePreview(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:max-1]), " ") + "…"
}

// ============================================================================
// Message Thread
// ============================================================================

// Alignment is the side a bubble is drawn on.
type Alignment string

const (
	AlignLeft  Alignment = "left"
	AlignRight Alignment = "right"
)

// Bubble is one rendered message.
type Bubble struct {
	ID         string
	Content    string
	SenderName string
	Mine       bool
	Align      Alignment
	Time       string
	State      MessageState
}

// DayGroup is a run of messages sharing a local calendar day.
type DayGroup struct {
	Label   string
	Day     time.Time
	Bubbles []Bubble
}

// GroupByDay buckets messages by calendar day in loc. Buckets follow message
// order; labels are "Today", "Yesterday" or a formatted date.
func GroupByDay(msgs []*Message, viewerID string, names map[string]string, now time.Time, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	var groups []DayGroup
	for _, m := range msgs {
		local := m.CreatedAt.In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		if len(groups) == 0 || !groups[len(groups)-1].Day.Equal(day) {
			groups = append(groups, DayGroup{Label: DayLabel(day, now, loc), Day: day})
		}

		b := Bubble{
			ID:      m.ID,
			Content: m.Content,
			Mine:    m.IsMine(viewerID),
			Align:   AlignLeft,
			Time:    local.Format("15:04"),
			State:   m.State,
		}
		if b.Mine {
			b.Align = AlignRight
		} else {
			b.SenderName = names[m.SenderID]
			if b.SenderName == "" {
				b.SenderName = m.SenderID
			}
		}
		g := &groups[len(groups)-1]
		g.Bubbles = append(g.Bubbles, b)
	}
	return groups
}

// DayLabel names a local calendar day relative to now.
func DayLabel(day, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	n := now.In(loc)
	today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	d := day.In(loc)
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	switch {
	case d.Equal(today):
		return "Today"
	case d.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case d.Year() == today.Year():
		return d.Format("Mon, Jan 2")
	default:
		return d.Format("Jan 2, 2006")
	}
}

// ScrollTracker decides when the thread jumps to the newest message: on
// growth, if the viewer is near the bottom or sent the newest message.
type ScrollTracker struct {
	count      int
	nearBottom bool
}

// NewScrollTracker returns a tracker positioned at the bottom.
func NewScrollTracker() *ScrollTracker {
	return &ScrollTracker{nearBottom: true}
}

// SetNearBottom records whether the viewport is at the newest message.
func (s *ScrollTracker) SetNearBottom(v bool) {
	s.nearBottom = v
}

// Reset forgets the previous count, e.g. after switching conversations.
func (s *ScrollTracker) Reset() {
	s.count = 0
	s.nearBottom = true
}

// Observe records the current message count and reports whether to scroll.
func (s *ScrollTracker) Observe(count int, newestMine bool) bool {
	grew := count > s.count
	s.count = count
	if !grew {
		return false
	}
	if s.nearBottom || newestMine {
		s.nearBottom = true
		return true
	}
	return false
}

// Composer is the single-line message input.
type Composer struct {
	Text    string
	Sending bool
}

// CanSubmit reports whether the send action is enabled.
func (c *Composer) CanSubmit() bool {
	return !c.Sending && strings.TrimSpace(c.Text) != ""
}

// Submit takes the text for sending and clears the input.
func (c *Composer) Submit() (string, bool) {
	if !c.CanSubmit() {
		return "", false
	}
	text := strings.TrimSpace(c.Text)
	c.Text = ""
	c.Sending = true
	return text, true
}

// Finish ends a send. A failed send puts its content back unless the viewer
// typed something new meanwhile.
func (c *Composer) Finish(err error) {
	c.Sending = false
	var sendErr *SendError
	if errors.As(err, &sendErr) && c.Text == "" {
		c.Text = sendErr.Content
	}
}

// ThreadModel is the view model of the open conversation.
type ThreadModel struct {
	ConversationID string
	Title          string
	Groups         []DayGroup
	Loading        bool
	Draft          bool
	ScrollToEnd    bool
	CanSubmit      bool
	ComposerText   string
	Banner         string
	Err            error
}
