// Package client is a Go client for the /newbing endpoints, including the
// poll loop that follows a turn from its first fragment to its final answer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clawinfra/bingrelay/internal/upstream"
)

// DefaultPollInterval is the pause between polls in Stream.
const DefaultPollInterval = 2 * time.Second

// HTTPClient is an interface for making HTTP requests
// This allows us to mock HTTP calls in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ServerError is an err reply from the relay.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "relay: " + e.Message
}

// Reply is a successful relay response.
type Reply struct {
	Answer upstream.Answer
	Cookie string
}

type request struct {
	Prompt   string         `json:"prompt"`
	Cookie   string         `json:"cookie,omitempty"`
	LastResp *upstream.Turn `json:"last_resp,omitempty"`
}

type envelope struct {
	Resp   *upstream.Answer `json:"resp"`
	Cookie string           `json:"cookie"`
	Err    string           `json:"err"`
}

// Client talks to one relay.
type Client struct {
	baseURL      string
	http         HTTPClient
	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h HTTPClient) Option {
	return func(c *Client) { c.http = h }
}

// WithPollInterval sets the pause between polls in Stream.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New creates a client for the relay at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// The first onprogress call may wait up to a minute for a fragment.
		http:         &http.Client{Timeout: 90 * time.Second},
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query asks a single question in a fresh conversation.
func (c *Client) Query(ctx context.Context, prompt, cookie string) (Reply, error) {
	return c.post(ctx, "/newbing/query", request{Prompt: prompt, Cookie: cookie})
}

// Continue asks prompt in the conversation described by prior.
func (c *Client) Continue(ctx context.Context, prompt string, prior *upstream.Turn, cookie string) (Reply, error) {
	return c.post(ctx, "/newbing/convo", request{Prompt: prompt, Cookie: cookie, LastResp: prior})
}

// Progress makes one onprogress call. With prior.ID set it polls that turn,
// otherwise it starts a new one and returns its first fragment.
func (c *Client) Progress(ctx context.Context, prompt string, prior *upstream.Turn, cookie string) (Reply, error) {
	if prior == nil {
		prior = &upstream.Turn{}
	}
	return c.post(ctx, "/newbing/onprogress", request{Prompt: prompt, Cookie: cookie, LastResp: prior})
}

// Stream starts a turn and polls it until the final answer, calling fn with
// every reply including the last. The cookie the relay picked for the first
// call is pinned for the polls.
func (c *Client) Stream(ctx context.Context, prompt string, prior *upstream.Turn, cookie string, fn func(Reply)) (Reply, error) {
	start := upstream.Turn{}
	if prior != nil {
		start = *prior
		start.ID = ""
	}

	reply, err := c.Progress(ctx, prompt, &start, cookie)
	if err != nil {
		return Reply{}, err
	}
	if fn != nil {
		fn(reply)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for !reply.Answer.Done {
		select {
		case <-ctx.Done():
			return reply, ctx.Err()
		case <-ticker.C:
		}

		poll := turnOf(reply.Answer)
		next, err := c.Progress(ctx, prompt, &poll, reply.Cookie)
		if err != nil {
			return reply, err
		}
		if next.Cookie == "" {
			next.Cookie = reply.Cookie
		}
		reply = next
		if fn != nil {
			fn(reply)
		}
	}
	return reply, nil
}

// ForContinuation turns a final answer into the prior turn of the next
// prompt. The id is dropped so the relay starts a new turn instead of polling.
func ForContinuation(a upstream.Answer) *upstream.Turn {
	t := turnOf(a)
	t.ID = ""
	return &t
}

func turnOf(a upstream.Answer) upstream.Turn {
	return upstream.Turn{
		ID:                    a.ID,
		ConversationID:        a.ConversationID,
		ClientID:              a.ClientID,
		ConversationSignature: a.ConversationSignature,
		InvocationID:          a.InvocationID,
	}
}

func (c *Client) post(ctx context.Context, path string, body request) (Reply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Reply{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return Reply{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return Reply{}, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var env envelope
	if err := json.NewDecoder(httpResp.Body).Decode(&env); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if env.Err != "" {
		return Reply{}, &ServerError{Message: env.Err}
	}
	if env.Resp == nil {
		return Reply{}, fmt.Errorf("reply from %s has no resp", path)
	}
	return Reply{Answer: *env.Resp, Cookie: env.Cookie}, nil
}
