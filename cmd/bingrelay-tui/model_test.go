package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/clawinfra/bingrelay/internal/client"
	"github.com/clawinfra/bingrelay/internal/upstream"
)

type streamCall struct {
	prompt string
	prior  *upstream.Turn
	cookie string
}

// fakeStreamer replays scripted replies through fn, then returns the last.
type fakeStreamer struct {
	replies []client.Reply
	err     error
	calls   []streamCall
}

func (f *fakeStreamer) Stream(_ context.Context, prompt string, prior *upstream.Turn, cookie string, fn func(client.Reply)) (client.Reply, error) {
	f.calls = append(f.calls, streamCall{prompt: prompt, prior: prior, cookie: cookie})
	if f.err != nil {
		return client.Reply{}, f.err
	}
	for _, r := range f.replies {
		fn(r)
	}
	return f.replies[len(f.replies)-1], nil
}

func newTestModel(t *testing.T, s streamer) model {
	t.Helper()
	m := newModel(context.Background(), s, "http://relay", "")
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return updated.(model)
}

// submit types text, presses enter, and drives the model until the turn ends.
func submit(t *testing.T, m model, text string) model {
	t.Helper()
	m.input.SetValue(text)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(model)

	for cmd != nil {
		msg := cmd()
		if msg == nil {
			break
		}
		updated, cmd = m.Update(msg)
		m = updated.(model)
	}
	return m
}

func TestModelStreamsAnswer(t *testing.T) {
	fake := &fakeStreamer{replies: []client.Reply{
		{Answer: upstream.Answer{ID: "Q1", Text: "Hel"}, Cookie: "picked"},
		{Answer: upstream.Answer{ID: "Q1", Text: "Hello there", ConversationID: "c1", ClientID: "x", ConversationSignature: "s", InvocationID: 1, Done: true}, Cookie: "picked"},
	}}
	m := newTestModel(t, fake)

	m = submit(t, m, "hi")

	if m.busy {
		t.Error("model still busy after the turn finished")
	}
	if len(m.messages) != 2 {
		t.Fatalf("expected user and bot entries, got %d", len(m.messages))
	}
	bot := m.messages[1]
	if bot.content != "Hello there" || bot.pending || bot.failed {
		t.Errorf("unexpected bot entry %+v", bot)
	}
	if m.prior == nil || m.prior.ConversationID != "c1" || m.prior.ID != "" {
		t.Errorf("final answer must become the next prior turn, got %+v", m.prior)
	}
	if m.cookie != "picked" {
		t.Errorf("expected the relay's cookie to be pinned, got %q", m.cookie)
	}

	// Second prompt continues the conversation with the pinned cookie.
	m = submit(t, m, "more")
	if len(fake.calls) != 2 {
		t.Fatalf("expected 2 stream calls, got %d", len(fake.calls))
	}
	second := fake.calls[1]
	if second.prior == nil || second.prior.ConversationID != "c1" || second.cookie != "picked" {
		t.Errorf("second turn did not continue: %+v", second)
	}
}

func TestModelSendsSuggestion(t *testing.T) {
	detail := json.RawMessage(`{"suggestedResponses":[{"text":"And tomorrow?"},{"text":"In Celsius?"}]}`)
	fake := &fakeStreamer{replies: []client.Reply{
		{Answer: upstream.Answer{ID: "Q1", Text: "Sunny", ConversationID: "c1", ClientID: "x", ConversationSignature: "s", Done: true, Detail: detail}},
	}}
	m := newTestModel(t, fake)
	m = submit(t, m, "weather?")
	if len(m.suggestions) != 2 {
		t.Fatalf("expected 2 suggestions, got %v", m.suggestions)
	}

	m = submit(t, m, "/2")
	if got := fake.calls[len(fake.calls)-1].prompt; got != "In Celsius?" {
		t.Errorf("expected suggestion sent, got %q", got)
	}

	m = submit(t, m, "/7")
	if got := fake.calls[len(fake.calls)-1].prompt; got != "/7" {
		t.Errorf("out of range suggestion must be sent as typed, got %q", got)
	}
}

func TestModelNewConversation(t *testing.T) {
	fake := &fakeStreamer{replies: []client.Reply{
		{Answer: upstream.Answer{ID: "Q1", Text: "ok", ConversationID: "c1", ClientID: "x", ConversationSignature: "s", Done: true}, Cookie: "picked"},
	}}
	m := newTestModel(t, fake)
	m = submit(t, m, "hi")

	m = submit(t, m, "/new")
	if m.prior != nil || m.cookie != "" {
		t.Errorf("/new must reset the conversation, got prior=%+v cookie=%q", m.prior, m.cookie)
	}
	if last := m.messages[len(m.messages)-1]; last.role != roleSystem {
		t.Errorf("expected a system entry, got %+v", last)
	}
	if len(fake.calls) != 1 {
		t.Errorf("/new must not start a turn, got %d calls", len(fake.calls))
	}
}

func TestModelShowsErrors(t *testing.T) {
	m := newTestModel(t, &fakeStreamer{err: &client.ServerError{Message: "throttled"}})
	m = submit(t, m, "hi")

	bot := m.messages[len(m.messages)-1]
	if !bot.failed || !strings.Contains(bot.content, "throttled") {
		t.Errorf("expected failed bot entry, got %+v", bot)
	}
	if m.prior != nil {
		t.Error("a failed turn must not become the prior turn")
	}
}

func TestModelShowsTurnError(t *testing.T) {
	fake := &fakeStreamer{replies: []client.Reply{
		{Answer: upstream.Answer{ID: "Q2", Text: "partial", Done: true, Error: "connection closed"}},
	}}
	m := newTestModel(t, fake)
	m = submit(t, m, "hi")

	bot := m.messages[len(m.messages)-1]
	if !bot.failed || !strings.Contains(bot.content, "partial") || !strings.Contains(bot.content, "connection closed") {
		t.Errorf("expected partial text with error, got %+v", bot)
	}
}

func TestModelIgnoresEmptyAndBusyInput(t *testing.T) {
	fake := &fakeStreamer{err: errors.New("unused")}
	m := newTestModel(t, fake)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil || len(updated.(model).messages) != 0 {
		t.Error("empty input must be ignored")
	}

	m.busy = true
	m.input.SetValue("hi")
	updated, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil || len(updated.(model).messages) != 0 || len(fake.calls) != 0 {
		t.Error("input while a turn runs must be ignored")
	}
}

func TestModelView(t *testing.T) {
	m := newModel(context.Background(), &fakeStreamer{}, "http://relay", "")
	if !strings.Contains(m.View(), "Connecting") {
		t.Error("expected placeholder before the first window size")
	}

	m = newTestModel(t, &fakeStreamer{})
	view := m.View()
	if !strings.Contains(view, "http://relay") || !strings.Contains(view, "new conversation") {
		t.Errorf("unexpected view:\n%s", view)
	}
}

func TestModelQuit(t *testing.T) {
	m := newTestModel(t, &fakeStreamer{})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c must quit")
	}
}
