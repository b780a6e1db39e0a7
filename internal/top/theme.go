package top

import (
	"github.com/agent-racer/sessionpool/internal/session"
	"github.com/charmbracelet/lipgloss"
)

var (
	ColorConnecting = lipgloss.Color("#7c3aed")
	ColorListening  = lipgloss.Color("#06b6d4")
	ColorUp         = lipgloss.Color("#22c55e")
	ColorDown       = lipgloss.Color("#4b5563")
	ColorFailed     = lipgloss.Color("#dc2626")
	ColorAborted    = lipgloss.Color("#d97706")

	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

var (
	StyleHeader   = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	StyleDimmed   = lipgloss.NewStyle().Foreground(ColorDimmed)
	StyleSelected = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	StyleBar      = lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.NormalBorder(), false, false, true, false).BorderForeground(ColorBorder)
	StyleOverlay  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorDanger).Padding(1, 3)
)

// PhaseColor returns the color a phase is drawn in.
func PhaseColor(p session.Phase) lipgloss.Color {
	switch p {
	case session.Connecting:
		return ColorConnecting
	case session.Listening:
		return ColorListening
	case session.Up:
		return ColorUp
	case session.Failed:
		return ColorFailed
	case session.Aborted:
		return ColorAborted
	default:
		return ColorDown
	}
}

func phaseGlyph(p session.Phase) string {
	switch p {
	case session.Connecting:
		return "◎"
	case session.Listening:
		return "◌"
	case session.Up:
		return "●"
	case session.Down:
		return "○"
	case session.Failed:
		return "✗"
	case session.Aborted:
		return "⊘"
	default:
		return "·"
	}
}
