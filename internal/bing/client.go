// Package bing talks to the Bing chat backend: conversations are created
// over HTTPS and turns run over the SignalR-style ChatHub websocket.
package bing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawinfra/bingrelay/internal/credentials"
	"github.com/clawinfra/bingrelay/internal/upstream"
)

var (
	// ErrConversation is returned when a conversation cannot be created.
	ErrConversation = errors.New("create conversation")
	// ErrNoFinalMessage is returned when the hub completes a turn without a message.
	ErrNoFinalMessage = errors.New("no final message")
)

const (
	recordSeparator = "\x1e"
	handshake       = `{"protocol":"json","version":1}`
	maxFrameBytes   = 8 << 20
)

// ChatHub frame types
const (
	frameUpdate     = 1
	frameResult     = 2
	frameCompletion = 3
	frameInvocation = 4
	framePing       = 6
	frameClose      = 7
)

var (
	optionsSets = []string{
		"nlu_direct_response_filter",
		"deepleo",
		"enable_debug_commands",
		"disable_emoji_spoken_text",
		"responsible_ai_policy_235",
		"enablemm",
		"dv3sugg",
	}
	allowedMessageTypes = []string{
		"Chat",
		"InternalSearchQuery",
		"InternalSearchResult",
		"InternalLoaderMessage",
		"RenderCardRequest",
		"AdsQuery",
		"SemanticSerp",
	}
)

// Client implements upstream.Adapter against Bing chat.
type Client struct {
	baseURL    string
	chatHubURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. baseURL serves /turing/conversation/create,
// chatHubURL is the websocket endpoint.
func NewClient(baseURL, chatHubURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chatHubURL: chatHubURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "bing"),
	}
}

// conversation identifies a Bing conversation across turns.
type conversation struct {
	ConversationID        string `json:"conversationId"`
	ClientID              string `json:"clientId"`
	ConversationSignature string `json:"conversationSignature"`
	Result                struct {
		Value   string `json:"value"`
		Message string `json:"message"`
	} `json:"result"`
}

// message is the subset of a hub chat message the relay interprets. The
// whole raw message is forwarded as Answer.Detail.
type message struct {
	Author      string `json:"author"`
	Text        string `json:"text"`
	MessageType string `json:"messageType"`
}

type frame struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Item      *resultItem       `json:"item,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type resultItem struct {
	Messages               []json.RawMessage `json:"messages"`
	ConversationExpiryTime string            `json:"conversationExpiryTime"`
	Result                 struct {
		Value   string `json:"value"`
		Message string `json:"message"`
	} `json:"result"`
}

type updateArgument struct {
	Messages []json.RawMessage `json:"messages"`
}

// SendTurn runs one prompt through the hub.
func (c *Client) SendTurn(ctx context.Context, req upstream.Request) (upstream.Answer, error) {
	conv := conversation{}
	invocation := 0
	if req.Prior.HasConversation() {
		conv.ConversationID = req.Prior.ConversationID
		conv.ClientID = req.Prior.ClientID
		conv.ConversationSignature = req.Prior.ConversationSignature
		invocation = req.Prior.InvocationID
	} else {
		created, err := c.createConversation(ctx, req.Credential)
		if err != nil {
			return upstream.Answer{}, err
		}
		conv = created
	}

	ans := upstream.Answer{
		ID:                    uuid.NewString(),
		Author:                "bot",
		ConversationID:        conv.ConversationID,
		ClientID:              conv.ClientID,
		ConversationSignature: conv.ConversationSignature,
		InvocationID:          invocation + 1,
	}

	c.logger.Debug("opening chat hub",
		"conversation", conv.ConversationID,
		"invocation", invocation,
		"credential", credentials.Fingerprint(req.Credential),
	)

	header := http.Header{}
	header.Set("Cookie", cookieHeader(req.Credential))
	conn, _, err := websocket.Dial(ctx, c.chatHubURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return upstream.Answer{}, fmt.Errorf("dial chat hub: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	if err := writeRecord(ctx, conn, []byte(handshake)); err != nil {
		return upstream.Answer{}, fmt.Errorf("handshake: %w", err)
	}

	sent := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return upstream.Answer{}, fmt.Errorf("read chat hub: %w", err)
		}

		for _, record := range strings.Split(string(data), recordSeparator) {
			if strings.TrimSpace(record) == "" {
				continue
			}

			var f frame
			if err := json.Unmarshal([]byte(record), &f); err != nil {
				return upstream.Answer{}, fmt.Errorf("decode frame: %w", err)
			}

			switch f.Type {
			case 0:
				// Handshake accepted
				if sent {
					continue
				}
				if err := c.sendInvocation(ctx, conn, conv, invocation, req.Prompt); err != nil {
					return upstream.Answer{}, err
				}
				sent = true

			case frameUpdate:
				if req.OnProgress == nil || f.Target != "update" {
					continue
				}
				if frag, ok := updateFragment(ans, f); ok {
					req.OnProgress(frag)
				}

			case frameResult:
				final, err := finalAnswer(ans, f.Item)
				if err != nil {
					return upstream.Answer{}, err
				}
				return final, nil

			case frameCompletion:
				return upstream.Answer{}, ErrNoFinalMessage

			case framePing:
				if err := writeRecord(ctx, conn, []byte(`{"type":6}`)); err != nil {
					return upstream.Answer{}, fmt.Errorf("pong: %w", err)
				}

			case frameClose:
				if f.Error != "" {
					return upstream.Answer{}, fmt.Errorf("chat hub closed: %s", f.Error)
				}
				return upstream.Answer{}, errors.New("chat hub closed")
			}
		}
	}
}

func (c *Client) createConversation(ctx context.Context, cred string) (conversation, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/turing/conversation/create", nil)
	if err != nil {
		return conversation{}, fmt.Errorf("%w: %v", ErrConversation, err)
	}
	httpReq.Header.Set("Cookie", cookieHeader(cred))
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return conversation{}, fmt.Errorf("%w: %v", ErrConversation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return conversation{}, fmt.Errorf("%w: HTTP %d: %s", ErrConversation, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var conv conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return conversation{}, fmt.Errorf("%w: decode: %v", ErrConversation, err)
	}
	if conv.Result.Value != "" && conv.Result.Value != "Success" {
		return conversation{}, fmt.Errorf("%w: %s: %s", ErrConversation, conv.Result.Value, conv.Result.Message)
	}
	if conv.ConversationID == "" || conv.ClientID == "" || conv.ConversationSignature == "" {
		return conversation{}, fmt.Errorf("%w: incomplete response", ErrConversation)
	}
	return conv, nil
}

func (c *Client) sendInvocation(ctx context.Context, conn *websocket.Conn, conv conversation, invocation int, prompt string) error {
	payload := map[string]any{
		"arguments": []map[string]any{{
			"source":              "cib",
			"optionsSets":         optionsSets,
			"allowedMessageTypes": allowedMessageTypes,
			"sliceIds":            []string{},
			"traceId":             strings.ReplaceAll(uuid.NewString(), "-", ""),
			"isStartOfSession":    invocation == 0,
			"message": map[string]any{
				"author":      "user",
				"inputMethod": "Keyboard",
				"text":        prompt,
				"messageType": "Chat",
			},
			"conversationSignature": conv.ConversationSignature,
			"participant":           map[string]string{"id": conv.ClientID},
			"conversationId":        conv.ConversationID,
		}},
		"invocationId": strconv.Itoa(invocation),
		"target":       "chat",
		"type":         frameInvocation,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}
	if err := writeRecord(ctx, conn, data); err != nil {
		return fmt.Errorf("send invocation: %w", err)
	}
	return nil
}

// updateFragment extracts the bot text of an update frame. Updates carrying
// search or loader messages are not answer text and are skipped.
func updateFragment(base upstream.Answer, f frame) (upstream.Answer, bool) {
	if len(f.Arguments) == 0 {
		return upstream.Answer{}, false
	}
	var arg updateArgument
	if err := json.Unmarshal(f.Arguments[0], &arg); err != nil || len(arg.Messages) == 0 {
		return upstream.Answer{}, false
	}

	raw := arg.Messages[0]
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.MessageType != "" {
		return upstream.Answer{}, false
	}

	frag := base
	if msg.Author != "" {
		frag.Author = msg.Author
	}
	frag.Text = msg.Text
	frag.Detail = append(json.RawMessage(nil), raw...)
	return frag, true
}

func finalAnswer(base upstream.Answer, item *resultItem) (upstream.Answer, error) {
	if item == nil || len(item.Messages) == 0 {
		if item != nil && item.Result.Value != "" && item.Result.Value != "Success" {
			return upstream.Answer{}, fmt.Errorf("%s: %s", item.Result.Value, item.Result.Message)
		}
		return upstream.Answer{}, ErrNoFinalMessage
	}

	raw := item.Messages[len(item.Messages)-1]
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return upstream.Answer{}, fmt.Errorf("decode final message: %w", err)
	}

	final := base
	if msg.Author != "" {
		final.Author = msg.Author
	}
	final.Text = msg.Text
	final.Detail = append(json.RawMessage(nil), raw...)
	final.ConversationExpiryTime = item.ConversationExpiryTime
	final.Done = true
	return final, nil
}

func writeRecord(ctx context.Context, conn *websocket.Conn, data []byte) error {
	return conn.Write(ctx, websocket.MessageText, append(data, recordSeparator...))
}

// cookieHeader accepts either a bare _U token or a full cookie string.
func cookieHeader(cred string) string {
	if strings.Contains(cred, "=") {
		return cred
	}
	return "_U=" + cred
}
