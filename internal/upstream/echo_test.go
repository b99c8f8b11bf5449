package upstream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEchoStreamsWords(t *testing.T) {
	e := NewEcho(0)

	var frags []Answer
	ans, err := e.SendTurn(context.Background(), Request{
		Prompt:     "hello new bing",
		OnProgress: func(a Answer) { frags = append(frags, a) },
	})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}

	want := []string{"hello", "hello new", "hello new bing"}
	if len(frags) != len(want) {
		t.Fatalf("expected %d fragments, got %d", len(want), len(frags))
	}
	for i, f := range frags {
		if f.Text != want[i] {
			t.Errorf("fragment %d: expected %q, got %q", i, want[i], f.Text)
		}
		if f.ID != ans.ID {
			t.Errorf("fragment %d has id %s, final has %s", i, f.ID, ans.ID)
		}
		if f.Done {
			t.Errorf("fragment %d marked done", i)
		}
	}
	if !ans.Done || ans.Text != "hello new bing" {
		t.Errorf("unexpected final answer %+v", ans)
	}
}

func TestEchoContinuesConversation(t *testing.T) {
	e := NewEcho(0)
	prior := &Turn{ConversationID: "conv-1", ClientID: "client-1", ConversationSignature: "sig", InvocationID: 3}

	ans, err := e.SendTurn(context.Background(), Request{Prompt: "again", Prior: prior})
	if err != nil {
		t.Fatal(err)
	}
	if ans.ConversationID != "conv-1" || ans.InvocationID != 4 {
		t.Errorf("conversation not continued: %+v", ans)
	}
}

func TestEchoHonorsCancellation(t *testing.T) {
	e := NewEcho(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.SendTurn(ctx, Request{Prompt: "never"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTurnHasConversation(t *testing.T) {
	var nilTurn *Turn
	if nilTurn.HasConversation() {
		t.Error("nil turn has no conversation")
	}
	if (&Turn{ConversationID: "c"}).HasConversation() {
		t.Error("partial turn should not count as a conversation")
	}
}
