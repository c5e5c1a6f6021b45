// Package client is a Go client for the chat server together with the pure
// reconciliation functions a UI needs to render optimistic sends.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"staychat/internal/chat"
	"staychat/internal/chaterr"
	"staychat/internal/model"
	"staychat/internal/store"
)

var (
	// ErrAmbiguous is returned when a send was written but never acknowledged.
	// The message may exist; refresh the room instead of retrying.
	ErrAmbiguous = errors.New("send outcome unknown")
	ErrClosed    = errors.New("client closed")
)

// ServerError is an error event or REST error returned by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func (e *ServerError) Unwrap() error {
	switch e.Code {
	case chaterr.CodeValidation:
		return chaterr.ErrValidation
	case chaterr.CodeNotAuthorized:
		return chaterr.ErrNotAuthorized
	case chaterr.CodeNotFound:
		return chaterr.ErrNotFound
	case chaterr.CodeUnauthenticated:
		return chaterr.ErrUnauthenticated
	}
	return nil
}

type Options struct {
	// Origin is sent on the websocket handshake; the server checks it against
	// its allow-list.
	Origin     string
	AckTimeout time.Duration
	HTTPClient *http.Client
	EventQueue int
}

type ackResult struct {
	msg model.Message
	err error
}

// Client holds one websocket connection plus the REST fallback.
type Client struct {
	base  *url.URL
	token string
	opts  Options
	ws    *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan ackResult

	events    chan model.Envelope
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the server at baseURL (http or https) with token.
func Dial(ctx context.Context, baseURL, token string, opts Options) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.EventQueue <= 0 {
		opts.EventQueue = 256
	}

	wsURL := *base
	wsURL.Scheme = strings.Replace(base.Scheme, "http", "ws", 1)
	wsURL.Path = strings.TrimSuffix(base.Path, "/") + "/ws"
	wsURL.RawQuery = url.Values{"token": {token}}.Encode()

	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", chaterr.ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL.Redacted(), err)
	}

	c := &Client{
		base:    base,
		token:   token,
		opts:    opts,
		ws:      ws,
		pending: make(map[string]chan ackResult),
		events:  make(chan model.Envelope, opts.EventQueue),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers every server event that is not an acknowledgment of this
// client's own sends. It is closed when the connection ends and must be
// drained; a full queue stalls acknowledgments.
func (c *Client) Events() <-chan model.Envelope { return c.events }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var env model.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.shutdown(err)
			return
		}
		if c.settle(env) {
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

// settle routes acknowledgments and ref-tagged errors to waiting senders.
func (c *Client) settle(env model.Envelope) bool {
	var ref string
	var result ackResult
	switch env.Type {
	case model.EventMessageAck:
		var ack model.MessageAck
		if err := json.Unmarshal(env.Data, &ack); err != nil || ack.ClientRef == "" {
			return false
		}
		ref, result = ack.ClientRef, ackResult{msg: ack.Message}
	case model.EventError:
		var evt model.ErrorEvent
		if err := json.Unmarshal(env.Data, &evt); err != nil || evt.ClientRef == "" {
			return false
		}
		ref, result = evt.ClientRef, ackResult{err: &ServerError{Code: evt.Code, Message: evt.Message}}
	default:
		return false
	}

	c.mu.Lock()
	ch, ok := c.pending[ref]
	delete(c.pending, ref)
	c.mu.Unlock()
	if ok {
		ch <- result
	}
	return ok
}

func (c *Client) write(t model.EventType, data any) error {
	env, err := model.NewEnvelope(t, data)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// Send writes a message and waits for its acknowledgment. A definite
// rejection returns a *ServerError; a missing acknowledgment returns
// ErrAmbiguous.
func (c *Client) Send(ctx context.Context, req model.SendMessageRequest) (model.Message, error) {
	if req.ClientRef == "" {
		req.ClientRef = uuid.NewString()
	}
	ch := make(chan ackResult, 1)
	c.mu.Lock()
	c.pending[req.ClientRef] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ClientRef)
		c.mu.Unlock()
	}()

	if err := c.write(model.EventSendMessage, req); err != nil {
		// Nothing reached the server.
		return model.Message{}, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-timer.C:
		return model.Message{}, ErrAmbiguous
	case <-ctx.Done():
		return model.Message{}, fmt.Errorf("%w: %v", ErrAmbiguous, ctx.Err())
	case <-c.done:
		return model.Message{}, fmt.Errorf("%w: %v", ErrAmbiguous, ErrClosed)
	}
}

func (c *Client) Join(roomID string) error {
	return c.write(model.EventJoinRoom, model.RoomRequest{RoomID: roomID})
}

func (c *Client) Leave(roomID string) error {
	return c.write(model.EventLeaveRoom, model.RoomRequest{RoomID: roomID})
}

func (c *Client) MarkSeen(roomID string) error {
	return c.write(model.EventMarkSeen, model.RoomRequest{RoomID: roomID})
}

func (c *Client) Typing(roomID string, active bool) error {
	t := model.EventTypingStop
	if active {
		t = model.EventTypingStart
	}
	return c.write(t, model.RoomRequest{RoomID: roomID})
}

func (c *Client) Announce(identityID string, role model.Role, online bool) error {
	return c.write(model.EventPresenceAnnounce, model.PresenceAnnounce{IdentityID: identityID, Role: role, Online: online})
}

// FetchMessages reads one page through the REST fallback.
func (c *Client) FetchMessages(ctx context.Context, roomID string, page store.Page) (chat.MessagePage, error) {
	q := url.Values{}
	if page.Number > 0 {
		q.Set("page", strconv.Itoa(page.Number))
	}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.SortBy != "" {
		q.Set("sortBy", string(page.SortBy))
	}
	if page.SortOrder != "" {
		q.Set("sortOrder", string(page.SortOrder))
	}
	var out chat.MessagePage
	err := c.get(ctx, "/chat/rooms/"+url.PathEscape(roomID)+"/messages", q, &out)
	return out, err
}

// Rooms lists the rooms of the authenticated identity.
func (c *Client) Rooms(ctx context.Context) ([]model.ChatRoom, error) {
	var out []model.ChatRoom
	err := c.get(ctx, "/chat/rooms", nil, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.opts.Origin != "" {
		req.Header.Set("Origin", c.opts.Origin)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &ServerError{Code: codeForStatus(resp.StatusCode), Message: body["error"]}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return chaterr.CodeValidation
	case http.StatusUnauthorized:
		return chaterr.CodeUnauthenticated
	case http.StatusForbidden:
		return chaterr.CodeNotAuthorized
	case http.StatusNotFound:
		return chaterr.CodeNotFound
	}
	return chaterr.CodeInternal
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.ws.Close()
	})
}

// Close ends the connection. Pending sends resolve as ambiguous.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}
