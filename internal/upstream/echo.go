package upstream

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Echo is a local adapter that streams the prompt back one word at a time.
// It needs no credentials and is meant for development and smoke tests.
type Echo struct {
	Delay time.Duration // pause before each fragment
}

// NewEcho creates an echo adapter.
func NewEcho(delay time.Duration) *Echo {
	return &Echo{Delay: delay}
}

func (e *Echo) SendTurn(ctx context.Context, req Request) (Answer, error) {
	ans := Answer{
		ID:                    uuid.NewString(),
		Author:                "bot",
		ConversationID:        "echo-" + uuid.NewString(),
		ClientID:              "echo",
		ConversationSignature: "echo",
		InvocationID:          1,
	}
	if req.Prior.HasConversation() {
		ans.ConversationID = req.Prior.ConversationID
		ans.ClientID = req.Prior.ClientID
		ans.ConversationSignature = req.Prior.ConversationSignature
		ans.InvocationID = req.Prior.InvocationID + 1
	}

	words := strings.Fields(req.Prompt)
	for i := range words {
		if err := e.pause(ctx); err != nil {
			return Answer{}, err
		}
		if req.OnProgress != nil {
			frag := ans
			frag.Text = strings.Join(words[:i+1], " ")
			req.OnProgress(frag)
		}
	}
	if err := e.pause(ctx); err != nil {
		return Answer{}, err
	}

	ans.Text = strings.Join(words, " ")
	ans.Done = true
	return ans, nil
}

func (e *Echo) pause(ctx context.Context) error {
	if e.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
