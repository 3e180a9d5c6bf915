package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/realtime"
	"github.com/sirupsen/logrus"
)

// ErrChannelUnavailable is returned by live operations while no socket is open;
// callers fall back to the HTTP endpoints.
var (
	ErrChannelUnavailable = errors.New("chatclient: live channel unavailable")
	ErrClientClosed       = errors.New("chatclient: client closed")
)

// EventDisconnected is emitted locally when the socket drops.
const EventDisconnected = "disconnected"

// Event is a decoded server frame.
type Event struct {
	Type           string
	ConversationID uint64
	Message        *model.Message
	ClientRef      string
	Reason         string
	Updated        *int64
	Code           string
	Err            error
}

// APIError is the decoded error envelope of a failed HTTP call.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatclient: %d %s: %s", e.Status, e.Code, e.Message)
}

type Options struct {
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	Log         *logrus.Logger
	EventBuffer int
}

// Client talks to the chat API: a live socket for join/submit/mark-read and
// the HTTP endpoints for everything else and as a fallback.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
	log    *logrus.Logger

	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

func New(baseURL, token string, opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("chatclient: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("chatclient: unsupported scheme %q", base.Scheme)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Client{
		base:   base,
		token:  token,
		http:   opts.HTTPClient,
		dialer: opts.Dialer,
		log:    opts.Log,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Events delivers decoded frames from the live channel.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) socketURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws"
	u.RawQuery = url.Values{"token": {c.token}}.Encode()
	return u.String()
}

// Connect opens the live channel; it is a no-op while one is open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.ws != nil {
		return nil
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.socketURL(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("chatclient: dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("chatclient: dial: %w", err)
	}
	c.ws = ws
	go c.readLoop(ws)
	return nil
}

// Connected reports whether the live channel is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()
			_ = ws.Close()
			c.emit(Event{Type: EventDisconnected, Err: err})
			return
		}
		ev, err := decodeEvent(data)
		if err != nil {
			c.log.Debugf("chatclient: drop frame: %v", err)
			continue
		}
		c.emit(ev)
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func decodeEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{}, err
	}
	if head.Type == realtime.FrameError {
		var f realtime.ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Event{}, err
		}
		return Event{Type: f.Type, Code: f.Code, Reason: f.Message}, nil
	}
	var f realtime.EventFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, err
	}
	return Event{
		Type:           f.Type,
		ConversationID: f.ConversationID,
		Message:        f.Message,
		ClientRef:      f.ClientRef,
		Reason:         f.Reason,
		Updated:        f.Updated,
	}, nil
}

func (c *Client) writeFrame(frame realtime.InboundFrame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrChannelUnavailable
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

func (c *Client) Join(convID uint64) error {
	return c.writeFrame(realtime.InboundFrame{Type: realtime.FrameJoin, ConversationID: convID})
}

func (c *Client) Leave(convID uint64) error {
	return c.writeFrame(realtime.InboundFrame{Type: realtime.FrameLeave, ConversationID: convID})
}

func (c *Client) MarkReadLive(convID uint64) error {
	return c.writeFrame(realtime.InboundFrame{Type: realtime.FrameMarkRead, ConversationID: convID})
}

// SendLive submits a message over the socket; clientRef comes back on a
// delivery-failed frame.
func (c *Client) SendLive(convID uint64, content string, kind model.MessageKind, clientRef string) error {
	return c.writeFrame(realtime.InboundFrame{
		Type:           realtime.FrameSubmit,
		ConversationID: convID,
		Content:        content,
		Kind:           string(kind),
		ClientRef:      clientRef,
	})
}

// Close shuts the live channel and stops event delivery.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	close(c.done)
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return ws.Close()
}

// OpenConversation resolves the conversation with counterpart. role picks
// which request field carries the counterpart id.
func (c *Client) OpenConversation(ctx context.Context, role, counterpart string) (*model.Conversation, error) {
	body := map[string]string{"farmerId": counterpart}
	if role == model.RoleFarmer {
		body = map[string]string{"buyerId": counterpart}
	}
	var cv model.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &cv); err != nil {
		return nil, err
	}
	return &cv, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	var list []model.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) ListMessages(ctx context.Context, convID uint64) ([]model.Message, error) {
	var msgs []model.Message
	if err := c.do(ctx, http.MethodGet, conversationPath(convID, "/messages"), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PostMessage is the request/response send path.
func (c *Client) PostMessage(ctx context.Context, convID uint64, content string, kind model.MessageKind) (*model.Message, error) {
	var msg model.Message
	body := map[string]string{"content": content, "kind": string(kind)}
	if err := c.do(ctx, http.MethodPost, conversationPath(convID, "/messages"), body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) MarkRead(ctx context.Context, convID uint64) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	if err := c.do(ctx, http.MethodPost, conversationPath(convID, "/read"), nil, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

func conversationPath(convID uint64, suffix string) string {
	return "/api/conversations/" + strconv.FormatUint(convID, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chatclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env struct {
			Error json.RawMessage `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &env) == nil && len(env.Error) > 0 {
			var detail struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if json.Unmarshal(env.Error, &detail) == nil {
				apiErr.Code, apiErr.Message = detail.Code, detail.Message
			} else {
				// the auth middleware answers {"error":"..."}
				_ = json.Unmarshal(env.Error, &apiErr.Code)
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
