// Command bingrelay-tui is a terminal chat client for a bingrelay server.
// Answers stream in place as the relay's polling protocol delivers them.
//
// Usage:
//
//	go run ./cmd/bingrelay-tui --relay http://localhost:3000
//
// Keys:
//   - Enter sends the prompt
//   - /new starts a fresh conversation
//   - Ctrl+C quits
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/clawinfra/bingrelay/internal/client"
)

func main() {
	relayURL := flag.String("relay", "http://localhost:3000", "bingrelay base URL")
	cookie := flag.String("cookie", "", "pin a credential instead of letting the relay pick one")
	poll := flag.Duration("poll", client.DefaultPollInterval, "interval between progress polls")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := client.New(*relayURL, client.WithPollInterval(*poll))
	m := newModel(ctx, c, *relayURL, *cookie)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// timestamp is replaceable in tests.
var timestamp = time.Now
