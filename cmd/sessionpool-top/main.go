package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/agent-racer/sessionpool/internal/top"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL of the session pool daemon")
	token := flag.String("token", "", "Auth token (if the daemon requires it)")
	flag.Parse()

	stream := top.NewWSClient(*wsURL, *token)
	actions := top.NewHTTPClient(top.HTTPBase(*wsURL), *token)

	p := tea.NewProgram(top.New(stream, actions), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
