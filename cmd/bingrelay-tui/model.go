package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clawinfra/bingrelay/internal/client"
	"github.com/clawinfra/bingrelay/internal/upstream"
)

// streamer runs one turn of the polling protocol.
type streamer interface {
	Stream(ctx context.Context, prompt string, prior *upstream.Turn, cookie string, fn func(client.Reply)) (client.Reply, error)
}

// ─────────────────────────────────────────────────────
// Bubble Tea messages
// ─────────────────────────────────────────────────────

type turnUpdateMsg struct {
	reply client.Reply
}

type turnDoneMsg struct {
	reply client.Reply
	err   error
}

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	primaryColor   = lipgloss.Color("#7C3AED") // violet
	secondaryColor = lipgloss.Color("#06B6D4") // cyan
	mutedColor     = lipgloss.Color("#6B7280") // gray
	successColor   = lipgloss.Color("#10B981") // green
	errorColor     = lipgloss.Color("#EF4444") // red
	warnColor      = lipgloss.Color("#F59E0B") // amber

	chatBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor)

	userMsg = lipgloss.NewStyle().
		Foreground(secondaryColor).
		Bold(true)

	botMsg = lipgloss.NewStyle().
		Foreground(successColor).
		Bold(true)

	errMsg = lipgloss.NewStyle().
		Foreground(errorColor)

	chatText = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	busyStyle = lipgloss.NewStyle().
			Foreground(warnColor).
			Bold(true)
)

// ─────────────────────────────────────────────────────
// Model
// ─────────────────────────────────────────────────────

type role int

const (
	roleUser role = iota
	roleBot
	roleSystem
)

type chatEntry struct {
	role    role
	content string
	time    time.Time
	pending bool
	failed  bool
}

type model struct {
	ctx      context.Context
	client   streamer
	relayURL string

	// pinnedCookie is the -cookie flag; cookie is the session of the
	// current conversation once the relay has picked one.
	pinnedCookie string
	cookie       string
	prior        *upstream.Turn
	// suggestions of the last answer, sent with /1, /2, ...
	suggestions []string

	input    textarea.Model
	chat     viewport.Model
	messages []chatEntry
	updates  <-chan tea.Msg
	busy     bool
	width    int
	height   int
	ready    bool
}

func newModel(ctx context.Context, c streamer, relayURL, cookie string) model {
	ti := textarea.New()
	ti.Placeholder = "Ask something, or /new for a fresh conversation..."
	ti.Focus()
	ti.CharLimit = 4096
	ti.SetHeight(3)
	ti.ShowLineNumbers = false
	ti.KeyMap.InsertNewline.SetEnabled(false)

	return model{
		ctx:          ctx,
		client:       c,
		relayURL:     relayURL,
		pinnedCookie: cookie,
		cookie:       cookie,
		input:        ti,
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.busy {
				return m, nil
			}
			m.input.Reset()

			if text == "/new" {
				m.prior = nil
				m.cookie = m.pinnedCookie
				m.messages = append(m.messages, chatEntry{role: roleSystem, content: "New conversation", time: timestamp()})
				m.refresh()
				return m, nil
			}

			m.messages = append(m.messages,
				chatEntry{role: roleUser, content: text, time: timestamp()},
				chatEntry{role: roleBot, content: "…", time: timestamp(), pending: true},
			)
			m.busy = true
			m.refresh()

			var cmd tea.Cmd
			m, cmd = m.startTurn(text)
			return m, cmd
		}

	case turnUpdateMsg:
		if msg.reply.Answer.Text != "" {
			m.setPending(client.Render(msg.reply.Answer), false)
		}
		return m, waitForUpdate(m.updates)

	case turnDoneMsg:
		m.busy = false
		m.updates = nil
		if msg.err != nil {
			m.setPending(msg.err.Error(), true)
			m.finishPending()
			m.refresh()
			return m, nil
		}

		ans := msg.reply.Answer
		if ans.Error != "" {
			m.setPending(client.Render(ans)+"\n"+ans.Error, true)
		} else {
			m.setPending(client.Render(ans), false)
		}
		m.finishPending()
		m.prior = client.ForContinuation(ans)
		m.suggestions = client.Suggestions(ans)
		if msg.reply.Cookie != "" {
			m.cookie = msg.reply.Cookie
		}
		m.refresh()
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		chatW := m.width - 2
		chatH := m.height - 8 // header + input + footer

		if !m.ready {
			m.chat = viewport.New(chatW, chatH)
			m.ready = true
		} else {
			m.chat.Width = chatW
			m.chat.Height = chatH
		}
		m.chat.SetContent(m.renderChat())
		m.input.SetWidth(chatW)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.chat, cmd = m.chat.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// suggestion resolves "/N" to the N-th suggested follow-up.
func (m model) suggestion(text string) (string, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(text, "/"))
	if !strings.HasPrefix(text, "/") || err != nil || n < 1 || n > len(m.suggestions) {
		return "", false
	}
	return m.suggestions[n-1], true
}

// startTurn streams prompt in the background. Every reply arrives as a
// turnUpdateMsg, followed by one turnDoneMsg.
func (m model) startTurn(prompt string) (model, tea.Cmd) {
	updates := make(chan tea.Msg, 16)
	m.updates = updates

	c, ctx, prior, cookie := m.client, m.ctx, m.prior, m.cookie
	go func() {
		defer close(updates)
		reply, err := c.Stream(ctx, prompt, prior, cookie, func(r client.Reply) {
			updates <- turnUpdateMsg{reply: r}
		})
		updates <- turnDoneMsg{reply: reply, err: err}
	}()

	return m, waitForUpdate(updates)
}

func waitForUpdate(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

// setPending replaces the content of the bot entry being streamed.
func (m *model) setPending(content string, failed bool) {
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].pending {
			m.messages[i].content = content
			m.messages[i].failed = failed
			m.refresh()
			return
		}
	}
}

func (m *model) finishPending() {
	for i := range m.messages {
		m.messages[i].pending = false
	}
}

func (m *model) refresh() {
	m.chat.SetContent(m.renderChat())
	m.chat.GotoBottom()
}

func (m model) View() string {
	if !m.ready {
		return "Connecting to bingrelay..."
	}

	status := footerStyle.Render("new conversation")
	if m.prior != nil {
		status = footerStyle.Render(fmt.Sprintf("turn %d", m.prior.InvocationID))
	}
	if m.busy {
		status = busyStyle.Render("● answering")
	}
	header := headerStyle.Width(m.width).Render("  bingrelay  " + m.relayURL + "  " + status)

	chatArea := chatBorder.Width(m.width - 2).Render(m.chat.View())
	footer := footerStyle.Render("  Enter: send │ /N: send suggestion N │ /new: new conversation │ Ctrl+C: quit │ ↑↓: scroll")

	return lipgloss.JoinVertical(lipgloss.Left, header, chatArea, m.input.View(), footer)
}

func (m model) renderChat() string {
	if len(m.messages) == 0 {
		return lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(1).
			Render("No messages yet. Start typing to chat.")
	}

	var sb strings.Builder
	for _, entry := range m.messages {
		ts := lipgloss.NewStyle().Foreground(mutedColor).Render(entry.time.Format("15:04"))

		switch entry.role {
		case roleUser:
			sb.WriteString(fmt.Sprintf("%s %s %s\n", ts, userMsg.Render("[You]"), chatText.Render(entry.content)))
		case roleBot:
			body := chatText.Render(entry.content)
			if entry.failed {
				body = errMsg.Render(entry.content)
			}
			sb.WriteString(fmt.Sprintf("%s %s\n%s\n", ts, botMsg.Render("[Bing]"), body))
		case roleSystem:
			sb.WriteString(footerStyle.Render(fmt.Sprintf("%s ── %s ──", ts, entry.content)))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
