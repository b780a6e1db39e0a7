// Package top is a terminal observer for a running session pool daemon.
// It follows the /ws stream and renders one line per handle.
package top

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agent-racer/sessionpool/internal/session"
	"github.com/agent-racer/sessionpool/internal/ws"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Stream is the live feed of handle states.
type Stream interface {
	Listen(ctx context.Context) tea.Cmd
	ReadLoop(ctx context.Context) tea.Cmd
	Close()
}

// Actions are the daemon's REST operations.
type Actions interface {
	CloseSession(id int) error
	Pool() (*ws.PoolPayload, error)
}

type closeResultMsg struct {
	id  int
	err error
}

type poolMsg struct {
	pool *ws.PoolPayload
	err  error
}

// Model is the root Bubble Tea model.
type Model struct {
	stream  Stream
	actions Actions
	ctx     context.Context
	cancel  context.CancelFunc

	keys   KeyMap
	width  int
	height int

	sessions  map[int]*session.SessionState
	order     []int
	selected  int
	showEnded bool

	pool      *ws.PoolPayload
	lastError string
	connected bool
}

func New(stream Stream, actions Actions) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		stream:    stream,
		actions:   actions,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		sessions:  make(map[int]*session.SessionState),
		showEnded: true,
	}
}

func (m Model) Init() tea.Cmd {
	return m.stream.Listen(m.ctx)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ConnectedMsg:
		m.connected = true
		m.lastError = ""
		return m, tea.Batch(m.stream.ReadLoop(m.ctx), m.fetchPool())

	case DisconnectedMsg:
		m.connected = false
		return m, m.stream.Listen(m.ctx)

	case SnapshotMsg:
		m.sessions = make(map[int]*session.SessionState, len(msg.Payload.Sessions))
		for _, s := range msg.Payload.Sessions {
			m.sessions[s.ID] = s
		}
		m.rebuildOrder()
		return m, m.stream.ReadLoop(m.ctx)

	case DeltaMsg:
		for _, s := range msg.Payload.Updates {
			m.sessions[s.ID] = s
		}
		for _, id := range msg.Payload.Removed {
			delete(m.sessions, id)
		}
		m.rebuildOrder()
		return m, m.stream.ReadLoop(m.ctx)

	case CompletionMsg:
		if s, ok := m.sessions[msg.Payload.SessionID]; ok {
			s.Phase = msg.Payload.Phase
			s.LastState = msg.Payload.LastState
		}
		m.rebuildOrder()
		return m, m.stream.ReadLoop(m.ctx)

	case ErrorMsg:
		m.lastError = string(msg.Raw)
		return m, m.stream.ReadLoop(m.ctx)

	case closeResultMsg:
		if msg.err != nil {
			m.lastError = fmt.Sprintf("close %d: %v", msg.id, msg.err)
		}
		return m, nil

	case poolMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
			return m, nil
		}
		m.pool = msg.pool
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.lastError != "" && key.Matches(msg, m.keys.Escape) {
		m.lastError = ""
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		if m.stream != nil {
			m.stream.Close()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		if len(m.order) > 0 {
			m.selected = (m.selected + 1) % len(m.order)
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if len(m.order) > 0 {
			m.selected = (m.selected - 1 + len(m.order)) % len(m.order)
		}
		return m, nil

	case key.Matches(msg, m.keys.Ended):
		m.showEnded = !m.showEnded
		m.rebuildOrder()
		return m, nil

	case key.Matches(msg, m.keys.Pool):
		return m, m.fetchPool()

	case key.Matches(msg, m.keys.Close):
		s := m.Selected()
		if s == nil || s.IsTerminal() || m.actions == nil {
			return m, nil
		}
		id := s.ID
		actions := m.actions
		return m, func() tea.Msg {
			return closeResultMsg{id: id, err: actions.CloseSession(id)}
		}
	}
	return m, nil
}

func (m Model) fetchPool() tea.Cmd {
	if m.actions == nil {
		return nil
	}
	actions := m.actions
	return func() tea.Msg {
		p, err := actions.Pool()
		return poolMsg{pool: p, err: err}
	}
}

// Selected returns the highlighted handle, if any.
func (m Model) Selected() *session.SessionState {
	if m.selected < 0 || m.selected >= len(m.order) {
		return nil
	}
	return m.sessions[m.order[m.selected]]
}

// rebuildOrder lists live handles before ended ones, each by id.
func (m *Model) rebuildOrder() {
	var current int
	if s := m.Selected(); s != nil {
		current = s.ID
	}
	m.order = make([]int, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !m.showEnded && s.IsTerminal() {
			continue
		}
		m.order = append(m.order, id)
	}
	sort.Slice(m.order, func(i, j int) bool {
		ti := m.sessions[m.order[i]].IsTerminal()
		tj := m.sessions[m.order[j]].IsTerminal()
		if ti != tj {
			return !ti
		}
		return m.order[i] < m.order[j]
	})
	m.selected = 0
	for i, id := range m.order {
		if id == current {
			m.selected = i
			break
		}
	}
}

func (m Model) counts() (up, pending, ended int) {
	for _, s := range m.sessions {
		switch {
		case s.IsTerminal():
			ended++
		case s.Phase == session.Up:
			up++
		default:
			pending++
		}
	}
	return
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if !m.connected {
		box := StyleOverlay.Render(lipgloss.JoinVertical(lipgloss.Center,
			lipgloss.NewStyle().Bold(true).Foreground(ColorDanger).Render("DISCONNECTED"),
			StyleDimmed.Render("Reconnecting..."),
		))
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
	}

	sections := []string{
		m.statusView(),
		StyleHeader.Render(fmt.Sprintf("  %-3s %-6s %-10s %-11s %-24s %s", "", "ID", "KIND", "PHASE", "ADDRESS", "LAST STATE")),
	}
	for i, id := range m.order {
		sections = append(sections, m.lineView(m.sessions[id], i == m.selected))
	}
	if len(m.order) == 0 {
		sections = append(sections, StyleDimmed.Render("  No handles"))
	}
	if m.lastError != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(ColorDanger).Render("  "+m.lastError))
	}
	sections = append(sections, StyleDimmed.Render("  j/k:navigate  x:close  e:ended  p:pool  q:quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) statusView() string {
	up, pending, ended := m.counts()
	sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
	parts := []string{
		lipgloss.NewStyle().Foreground(ColorHealthy).Render("● Connected"),
		fmt.Sprintf("%d up  %d pending  %d ended", up, pending, ended),
	}
	if p := m.pool; p != nil {
		parts = append(parts, fmt.Sprintf("%d sessions  %d channels", p.NumSessions, len(p.Channels)))
		c := p.Counters
		if c.AcceptFailed+c.ConnectFailed+c.SessionLimitReached > 0 {
			parts = append(parts, lipgloss.NewStyle().Foreground(ColorWarning).Render(
				fmt.Sprintf("accept:%d connect:%d limit:%d", c.AcceptFailed, c.ConnectFailed, c.SessionLimitReached)))
		}
		if p.Process != nil {
			parts = append(parts, fmt.Sprintf("rss %s  fds %d", humanBytes(p.Process.RSSBytes), p.Process.NumFDs))
		}
	}
	width := m.width
	if width < 40 {
		width = 40
	}
	return StyleBar.Width(width).Render(strings.Join(parts, sep))
}

func (m Model) lineView(s *session.SessionState, selected bool) string {
	prefix := "  "
	if selected {
		prefix = "> "
	}
	addr := s.PeerAddr
	if addr == "" {
		addr = s.Addr
	}
	if len(addr) > 24 {
		addr = addr[:23] + "…"
	}
	last := s.LastState
	if s.FailedAttempts > 0 {
		last = fmt.Sprintf("%s (%d failed)", last, s.FailedAttempts)
	}
	if s.Congested {
		last += " [congested]"
	}
	color := PhaseColor(s.Phase)
	phase := lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%-11s", s.Phase))
	line := fmt.Sprintf("%s%s  %-6d %-10s ", prefix, phaseGlyph(s.Phase), s.ID, s.Kind) + phase +
		fmt.Sprintf(" %-24s %s", addr, last)
	if selected {
		return StyleSelected.Render(line)
	}
	return line
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
