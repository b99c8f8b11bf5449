// Package upstream defines the boundary between the relay and a chat
// provider: one prompt in, incremental fragments out, one final answer.
package upstream

import (
	"context"
	"encoding/json"
)

// Answer is the known state of one turn. Field names follow the provider's
// wire shape so clients can echo an answer back as the next turn's context.
type Answer struct {
	ID                     string          `json:"id"`
	Text                   string          `json:"text"`
	Author                 string          `json:"author,omitempty"`
	ConversationID         string          `json:"conversationId,omitempty"`
	ClientID               string          `json:"clientId,omitempty"`
	ConversationSignature  string          `json:"conversationSignature,omitempty"`
	ConversationExpiryTime string          `json:"conversationExpiryTime,omitempty"`
	InvocationID           int             `json:"invocationId,omitempty"`
	Detail                 json.RawMessage `json:"detail,omitempty"`
	Done                   bool            `json:"done"`
	Error                  string          `json:"error,omitempty"`
}

// Turn is the prior-turn context a client sends back. A non-empty ID turns
// an onprogress request into a poll; the conversation fields continue an
// existing conversation.
type Turn struct {
	ID                    string `json:"id,omitempty"`
	ConversationID        string `json:"conversationId,omitempty"`
	ClientID              string `json:"clientId,omitempty"`
	ConversationSignature string `json:"conversationSignature,omitempty"`
	InvocationID          int    `json:"invocationId,omitempty"`
}

// HasConversation reports whether t carries enough to continue a conversation.
func (t *Turn) HasConversation() bool {
	return t != nil && t.ConversationID != "" && t.ClientID != "" && t.ConversationSignature != ""
}

// ProgressFunc receives partial answers in production order.
type ProgressFunc func(Answer)

// Request is a single turn sent to the provider.
type Request struct {
	Prompt     string
	Prior      *Turn // nil starts a new conversation
	Credential string
	OnProgress ProgressFunc // optional
}

// Adapter sends one turn to a chat provider.
//
// SendTurn returns exactly once, with the final answer or an error. When
// OnProgress is set it may be called any number of times (including zero)
// before SendTurn returns, always with the same ID as the final answer.
type Adapter interface {
	SendTurn(ctx context.Context, req Request) (Answer, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, req Request) (Answer, error)

func (f AdapterFunc) SendTurn(ctx context.Context, req Request) (Answer, error) {
	return f(ctx, req)
}
