package top

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keyboard bindings.
type KeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Close  key.Binding
	Pool   key.Binding
	Ended  key.Binding
	Escape key.Binding
	Quit   key.Binding
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "prev handle"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "next handle"),
		),
		Close: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "close handle"),
		),
		Pool: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "refresh pool stats"),
		),
		Ended: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "toggle ended"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "dismiss"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
