package pawchat

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// ============================================================================
// Terminal Rendering
// ============================================================================

// Theme holds the ANSI colors used by the terminal renderers.
type Theme struct {
	Accent  string
	Muted   string
	Error   string
	Badge   string
	Mine    string
	Theirs  string
	Pending string
}

// DefaultTheme is the palette used by RenderConversationList and RenderThread.
var DefaultTheme = Theme{
	Accent:  "69",
	Muted:   "244",
	Error:   "203",
	Badge:   "205",
	Mine:    "63",
	Theirs:  "240",
	Pending: "179",
}

// RenderConversationList draws a list model at the given width.
func RenderConversationList(m ConversationListModel, width int, theme Theme) string {
	muted := lipgloss.NewStyle().Foreground(lipgloss.Color(theme.Muted))
	var out []string

	if m.Banner != "" {
		out = append(out, lipgloss.NewStyle().Foreground(lipgloss.Color(theme.Error)).Render(truncateLine(m.Banner, width)))
	}

	switch m.State {
	case ListLoading:
		out = append(out, muted.Render("Loading conversations…"))
		return strings.Join(out, "\n")
	case ListEmpty:
		out = append(out, muted.Width(maxInt(width, 1)).Render(EmptyListCopy))
		return strings.Join(out, "\n")
	}

	badge := lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color(theme.Badge)).Bold(true).Padding(0, 1)
	for _, row := range m.Rows {
		marker := "  "
		title := lipgloss.NewStyle().Bold(row.Unread > 0)
		if row.Selected {
			marker = "> "
			title = title.Foreground(lipgloss.Color(theme.Accent))
		}

		left := marker + title.Render(row.Title)
		right := muted.Render(row.RelativeTime)
		gap := maxInt(1, width-lipgloss.Width(left)-lipgloss.Width(right))
		out = append(out, left+strings.Repeat(" ", gap)+right)

		preview := "  " + muted.Render(row.Preview)
		if b := row.Badge(); b != "" {
			tag := badge.Render(b)
			gap := maxInt(1, width-lipgloss.Width(preview)-lipgloss.Width(tag))
			preview += strings.Repeat(" ", gap) + tag
		}
		out = append(out, preview)
	}
	return strings.Join(out, "\n")
}

// RenderThread draws a thread model at the given width.
func RenderThread(m ThreadModel, width int, theme Theme) string {
	muted := lipgloss.NewStyle().Foreground(lipgloss.Color(theme.Muted))
	if m.ConversationID == "" && !m.Draft {
		return muted.Render("Select a conversation")
	}

	title := m.Title
	if m.Draft && title == "" {
		title = "New conversation"
	}
	out := []string{
		lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(theme.Accent)).Render(truncateLine(title, width)),
	}

	if m.Loading {
		out = append(out, muted.Render("Loading messages…"))
	}

	bubbleWidth := maxInt(8, width*2/3)
	for _, g := range m.Groups {
		out = append(out, lipgloss.PlaceHorizontal(width, lipgloss.Center, muted.Render(g.Label)))
		for _, b := range g.Bubbles {
			out = append(out, renderBubble(b, width, bubbleWidth, theme))
		}
	}

	if m.Banner != "" {
		out = append(out, lipgloss.NewStyle().Foreground(lipgloss.Color(theme.Error)).Render(truncateLine(m.Banner, width)))
	}

	prompt := "> " + m.ComposerText
	if !m.CanSubmit && m.ComposerText == "" {
		prompt = "> " + muted.Render("Write a message")
	}
	out = append(out, prompt)
	return strings.Join(out, "\n")
}

func renderBubble(b Bubble, width, bubbleWidth int, theme Theme) string {
	border := theme.Theirs
	if b.Mine {
		border = theme.Mine
	}
	footer := b.Time
	switch b.State {
	case StatePending:
		border = theme.Pending
		footer = "sending…"
	case StateFailed:
		border = theme.Error
		footer = "not sent"
	}

	body := b.Content
	if !b.Mine && b.SenderName != "" {
		body = lipgloss.NewStyle().Bold(true).Render(b.SenderName) + "\n" + body
	}
	body += "\n" + lipgloss.NewStyle().Foreground(lipgloss.Color(theme.Muted)).Render(footer)

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(border)).
		Padding(0, 1)
	if lipgloss.Width(body)+4 > bubbleWidth {
		style = style.Width(bubbleWidth - 2)
	}

	pos := lipgloss.Left
	if b.Align == AlignRight {
		pos = lipgloss.Right
	}
	return lipgloss.PlaceHorizontal(width, pos, style.Render(body))
}

func truncateLine(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	return TruncatePreview(s, maxInt(1, width-1))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
