package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pawpal/pawchat"
	"github.com/pawpal/pawchat/internal/logging"
)

var (
	inboxTo   string
	inboxPet  string
	inboxName string
)

func init() {
	inboxCmd.Flags().StringVar(&inboxTo, "to", "", "Open a chat with this user")
	inboxCmd.Flags().StringVar(&inboxPet, "pet", "", "Pet listing the chat is about (with --to)")
	inboxCmd.Flags().StringVar(&inboxName, "name", "", "Name shown for a new chat (with --to)")
	rootCmd.AddCommand(inboxCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Open the interactive inbox",
	Long:  "Browse conversations and chat in real time.\nKeys: up/down to move, enter to open, tab to switch to the composer, r to refresh, ctrl+c to quit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()

		// Logs would corrupt the screen; keep them in a file.
		dir, err := configDir()
		if err != nil {
			return err
		}
		logFile, err := os.OpenFile(filepath.Join(dir, "inbox.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		defer logFile.Close()
		logging.Init(logging.Config{Level: "info", Format: "json", Output: logFile})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		gw := s.gateway()
		rt := s.client.Realtime(pawchat.RealtimeConfig{AutoReconnect: true, MaxReconnectAttempts: -1})
		if err := rt.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Realtime unavailable, showing a snapshot: %v\n", err)
		}
		defer rt.Disconnect()
		syncer := pawchat.NewSyncManager(rt, gw)
		defer syncer.Close()

		requests := pawchat.NewChatRequests(1)
		defer requests.Close()
		if inboxTo != "" {
			if err := requests.Publish(pawchat.ChatRequest{RecipientID: inboxTo, PetContextID: inboxPet, DisplayHint: inboxName}); err != nil {
				return err
			}
		}

		m := newInboxModel(ctx, gw, syncer, requests, s.location())
		defer m.surface.Unmount()

		_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
		return err
	},
}

// ============================================================================
// Model
// ============================================================================

type focusArea int

const (
	focusList focusArea = iota
	focusComposer
)

// surfaceChangedMsg is delivered when the surface's model may have changed.
type surfaceChangedMsg struct{}

// opDoneMsg reports the result of a background surface operation.
type opDoneMsg struct {
	op  string
	err error
}

type inboxModel struct {
	ctx      context.Context
	surface  *pawchat.Surface
	requests *pawchat.ChatRequests
	changes  chan struct{}
	theme    pawchat.Theme

	width  int
	height int
	cursor int
	focus  focusArea
	status string
}

func newInboxModel(ctx context.Context, gw *pawchat.Gateway, syncer *pawchat.SyncManager, requests *pawchat.ChatRequests, loc *time.Location) *inboxModel {
	m := &inboxModel{
		ctx:      ctx,
		requests: requests,
		changes:  make(chan struct{}, 1),
		theme:    pawchat.DefaultTheme,
		width:    100,
		height:   30,
	}
	m.surface = pawchat.NewSurface(pawchat.SurfaceInbox, gw, syncer,
		pawchat.WithLocation(loc),
		pawchat.WithRenderHook(m.notify),
	)
	return m
}

// notify coalesces render requests; the surface calls it from any goroutine.
func (m *inboxModel) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

func (m *inboxModel) waitForChange() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.changes:
			return surfaceChangedMsg{}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *inboxModel) run(op string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn(m.ctx)}
	}
}

func (m *inboxModel) Init() tea.Cmd {
	return tea.Batch(
		m.waitForChange(),
		m.run("load", func(ctx context.Context) error {
			if err := m.surface.Mount(ctx); err != nil {
				return err
			}
			go func() { _ = m.surface.Run(ctx, m.requests) }()
			return nil
		}),
	)
}

func (m *inboxModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case surfaceChangedMsg:
		m.clampCursor()
		return m, m.waitForChange()

	case opDoneMsg:
		m.status = ""
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.op, msg.err)
		}
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.focus == focusComposer {
			return m, m.updateComposer(msg)
		}
		return m, m.updateList(msg)
	}
	return m, nil
}

func (m *inboxModel) updateList(msg tea.KeyMsg) tea.Cmd {
	rows := m.surface.Model().List.Rows
	switch msg.String() {
	case "q":
		return tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(rows)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(rows) {
			id := rows[m.cursor].ID
			m.focus = focusComposer
			return m.run("open", func(ctx context.Context) error { return m.surface.Select(ctx, id) })
		}
	case "tab":
		m.focus = focusComposer
	case "r":
		return m.run("refresh", func(ctx context.Context) error {
			m.surface.Refresh(ctx)
			return nil
		})
	case "esc":
		return m.run("dismiss", func(context.Context) error {
			m.surface.DismissError()
			return nil
		})
	}
	return nil
}

func (m *inboxModel) updateComposer(msg tea.KeyMsg) tea.Cmd {
	text := m.surface.Model().Thread.ComposerText
	switch msg.Type {
	case tea.KeyEsc, tea.KeyTab:
		m.focus = focusList
	case tea.KeyEnter:
		return m.run("send", m.surface.Submit)
	case tea.KeyBackspace:
		if r := []rune(text); len(r) > 0 {
			m.surface.SetComposerText(string(r[:len(r)-1]))
		}
	case tea.KeySpace:
		m.surface.SetComposerText(text + " ")
	case tea.KeyRunes:
		m.surface.SetComposerText(text + string(msg.Runes))
	}
	return nil
}

func (m *inboxModel) clampCursor() {
	n := len(m.surface.Model().List.Rows)
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// ============================================================================
// View
// ============================================================================

func (m *inboxModel) View() string {
	model := m.surface.Model()

	listWidth := m.width / 3
	if listWidth > 40 {
		listWidth = 40
	}
	threadWidth := m.width - listWidth - 3
	bodyHeight := m.height - 2

	list := model.List
	rows := make([]pawchat.ConversationRow, len(list.Rows))
	for i, row := range list.Rows {
		row.Selected = i == m.cursor && m.focus == focusList || row.ID == model.Thread.ConversationID
		rows[i] = row
	}
	list.Rows = rows

	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder(), false, true, false, false).
		BorderForeground(lipgloss.Color(m.theme.Muted)).
		Width(listWidth).Height(bodyHeight)
	left := border.Render(tail(pawchat.RenderConversationList(list, listWidth, m.theme), bodyHeight))
	right := lipgloss.NewStyle().PaddingLeft(1).Width(threadWidth).
		Render(tail(pawchat.RenderThread(model.Thread, threadWidth, m.theme), bodyHeight))

	help := "↑/↓ move · enter open · tab compose · r refresh · ctrl+c quit"
	if m.focus == focusComposer {
		help = "enter send · esc back to list · ctrl+c quit"
	}
	if m.status != "" {
		help = m.status
	}
	footer := lipgloss.NewStyle().Foreground(lipgloss.Color(m.theme.Muted)).Render(help)

	return lipgloss.JoinVertical(lipgloss.Left, lipgloss.JoinHorizontal(lipgloss.Top, left, right), footer)
}

// tail keeps the last n lines of s, so the newest messages stay visible.
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
