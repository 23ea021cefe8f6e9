// Package client implements the Go client for the realtime chat protocol:
// connection lifecycle, in-band authentication, automatic reconnection with
// exponential backoff, room re-subscription, and a typed event bus feeding a
// local chat-state projection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manjit4241/chatty/internal/realtime"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state.
type State int32

// Connection states. A deliberate Disconnect lands in StateDisconnected and
// never retries; an unexpected drop moves through StateReconnecting.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrRetriesExhausted is surfaced after the final reconnection attempt fails.
var ErrRetriesExhausted = errors.New("reconnection attempts exhausted")

// ErrAuthRejected is surfaced when the server rejects the credential. The
// controller does not retry with the same token; the caller must obtain a
// fresh one and reconnect explicitly.
var ErrAuthRejected = errors.New("authentication rejected")

// ErrNotConnected is returned by operations that need an active connection.
var ErrNotConnected = errors.New("not connected")

const (
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffCap     = 30 * time.Second
	defaultMaxAttempts    = 10
	defaultAuthTimeout    = 10 * time.Second
	defaultTypingAutoStop = 3 * time.Second
	writeWait             = 10 * time.Second
	pongWait              = 60 * time.Second
	pingPeriod            = (pongWait * 9) / 10
)

// Handler consumes one decoded server event.
type Handler func(ev realtime.Event, payload json.RawMessage)

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8375/api/ws/chat.
	URL string

	// Token is the credential presented via the in-band authenticate event.
	Token string

	BackoffBase time.Duration // delay before the first retry (default 500ms)
	BackoffCap  time.Duration // ceiling for the doubled delay (default 30s)
	MaxAttempts int           // retries before giving up (default 10)

	// TypingExpiry bounds how long a received typing indicator stays true
	// with no follow-up (default 5s).
	TypingExpiry time.Duration

	// TypingAutoStop bounds how long this client's own typing indicator
	// stays true without a fresh Typing(chatID, true); after the window
	// elapses the client emits typing false on its own (default 3s).
	TypingAutoStop time.Duration

	Dialer *websocket.Dialer

	// OnStateChange is invoked on every lifecycle transition.
	OnStateChange func(State)

	// OnError receives terminal errors: ErrRetriesExhausted, ErrAuthRejected.
	OnError func(error)
}

// Client maintains one logical connection to the chat server across any
// number of physical reconnects. Room subscriptions live server-side at
// connection granularity, so the client re-issues every tracked join after a
// reconnect.
type Client struct {
	opts Options

	state atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	// rooms the application asked to join; replayed on reconnect.
	rooms map[uint]struct{}

	// typingStops holds the per-chat auto-stop timer for this client's own
	// typing indicator; re-armed on every Typing(chatID, true).
	typingStops map[uint]*time.Timer

	handlers   map[realtime.EventType]Handler
	handlersMu sync.RWMutex

	chatState *ChatState

	userID atomic.Uint64

	authed    chan error    // signals the in-flight authenticate outcome
	closeCh   chan struct{} // closed by Disconnect
	closeOnce sync.Once

	sessionDone chan struct{} // closed when the current read loop exits
}

// New creates a Client; call Connect to establish the session.
func New(opts Options) *Client {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = 5 * time.Second
	}
	if opts.TypingAutoStop <= 0 {
		opts.TypingAutoStop = defaultTypingAutoStop
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Client{
		opts:        opts,
		rooms:       make(map[uint]struct{}),
		typingStops: make(map[uint]*time.Timer),
		handlers:    make(map[realtime.EventType]Handler),
		chatState:   NewChatState(opts.TypingExpiry),
		closeCh:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// UserID returns the authenticated identity, or 0 before authentication.
func (c *Client) UserID() uint {
	return uint(c.userID.Load())
}

// ChatState returns the local projection maintained from server events.
func (c *Client) ChatState() *ChatState {
	return c.chatState
}

// On registers the handler for an event type, replacing any previous one.
// One handler per event type keeps dispatch order deterministic; callers
// needing fan-out compose inside their handler.
func (c *Client) On(t realtime.EventType, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[t] = h
}

// Connect dials, authenticates, and starts the session. It blocks until the
// connection is Active or a terminal error occurs. After a successful
// Connect, unexpected drops reconnect automatically until Disconnect is
// called or retries are exhausted.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	if err := c.dialAndAuth(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	go c.supervise()
	return nil
}

// Disconnect deliberately closes the session. No reconnection follows.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() { close(c.closeCh) })

	c.mu.Lock()
	conn := c.conn
	for chatID, t := range c.typingStops {
		t.Stop()
		delete(c.typingStops, chatID)
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}

// JoinChat subscribes to a chat room and tracks it for reconnect replay.
func (c *Client) JoinChat(chatID uint) error {
	c.mu.Lock()
	c.rooms[chatID] = struct{}{}
	c.mu.Unlock()

	return c.send(realtime.Event{Type: realtime.EventJoinChat, ChatID: chatID})
}

// LeaveChat unsubscribes from a chat room and stops tracking it.
func (c *Client) LeaveChat(chatID uint) error {
	c.mu.Lock()
	delete(c.rooms, chatID)
	c.mu.Unlock()

	return c.send(realtime.Event{Type: realtime.EventLeaveChat, ChatID: chatID})
}

// SendMessage sends a message with a locally generated UUID so that a resend
// after a lost ack stays idempotent. Returns the message ID; delivery
// confirmation arrives as the new-message echo carrying the same ID.
func (c *Client) SendMessage(chatID uint, content string) (string, error) {
	msgID := uuid.NewString()
	err := c.send(realtime.Event{
		Type:   realtime.EventSendMessage,
		ChatID: chatID,
		Payload: realtime.SendMessagePayload{
			MessageID: msgID,
			Content:   content,
		},
	})
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// ResendMessage retransmits a message with a known ID after a lost ack.
func (c *Client) ResendMessage(chatID uint, msgID, content string) error {
	return c.send(realtime.Event{
		Type:   realtime.EventSendMessage,
		ChatID: chatID,
		Payload: realtime.SendMessagePayload{
			MessageID: msgID,
			Content:   content,
		},
	})
}

// MarkRead reports that the user has read the chat.
func (c *Client) MarkRead(chatID uint) error {
	return c.send(realtime.Event{Type: realtime.EventMarkRead, ChatID: chatID})
}

// Typing reports the user's typing state for the chat. A true report arms an
// auto-stop timer: if no further Typing(chatID, true) arrives within the
// TypingAutoStop window, the client emits typing false itself, so the
// indicator never sticks when the caller forgets to clear it.
func (c *Client) Typing(chatID uint, isTyping bool) error {
	if err := c.sendTyping(chatID, isTyping); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.typingStops[chatID]; ok {
		t.Stop()
		delete(c.typingStops, chatID)
	}
	if isTyping {
		c.typingStops[chatID] = time.AfterFunc(c.opts.TypingAutoStop, func() {
			c.autoStopTyping(chatID)
		})
	}
	return nil
}

// autoStopTyping fires when the auto-stop window elapses without a fresh
// typing report. The send is best-effort: if the connection dropped in the
// meantime, the receivers' own expiry clears the indicator.
func (c *Client) autoStopTyping(chatID uint) {
	c.mu.Lock()
	delete(c.typingStops, chatID)
	c.mu.Unlock()

	_ = c.sendTyping(chatID, false)
}

func (c *Client) sendTyping(chatID uint, isTyping bool) error {
	return c.send(realtime.Event{
		Type:    realtime.EventTyping,
		ChatID:  chatID,
		Payload: realtime.TypingPayload{IsTyping: isTyping},
	})
}

// backoffDelay computes the delay before retry `attempt` (0-based):
// base doubled per attempt, capped.
func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.opts.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.opts.BackoffCap {
			return c.opts.BackoffCap
		}
	}
	if d > c.opts.BackoffCap {
		d = c.opts.BackoffCap
	}
	return d
}

// supervise watches the session and reconnects on unexpected drops.
func (c *Client) supervise() {
	for {
		c.mu.Lock()
		done := c.sessionDone
		c.mu.Unlock()

		select {
		case <-done:
		case <-c.closeCh:
			return
		}

		// Session dropped. Deliberate disconnects never reach here with
		// closeCh open; everything else retries.
		select {
		case <-c.closeCh:
			return
		default:
		}

		if err := c.reconnect(); err != nil {
			c.setState(StateDisconnected)
			if c.opts.OnError != nil {
				c.opts.OnError(err)
			}
			return
		}
	}
}

// reconnect retries dial+auth with exponential backoff until success, a
// deliberate Disconnect, an auth rejection, or exhaustion.
func (c *Client) reconnect() error {
	c.setState(StateReconnecting)

	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		select {
		case <-time.After(c.backoffDelay(attempt)):
		case <-c.closeCh:
			return nil
		}

		err := c.dialAndAuth(context.Background())
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			// A fresh token is needed; retrying the same one cannot succeed.
			return err
		}
		log.Printf("chat client: reconnect attempt %d/%d failed: %v",
			attempt+1, c.opts.MaxAttempts, err)
	}

	return ErrRetriesExhausted
}

// dialAndAuth establishes one physical connection: dial, in-band
// authenticate, room replay. On success the client is Active and the read
// loop is running.
func (c *Client) dialAndAuth(ctx context.Context) error {
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	sessionDone := make(chan struct{})
	authed := make(chan error, 1)

	c.mu.Lock()
	c.conn = conn
	c.sessionDone = sessionDone
	c.authed = authed
	c.mu.Unlock()

	go c.readLoop(conn, sessionDone)
	go c.pingLoop(conn, sessionDone)

	c.setState(StateAuthenticating)
	if err := c.writeEvent(conn, realtime.Event{
		Type:    realtime.EventAuthenticate,
		Payload: realtime.AuthenticatePayload{Token: c.opts.Token},
	}); err != nil {
		_ = conn.Close()
		return err
	}

	select {
	case err := <-authed:
		if err != nil {
			_ = conn.Close()
			return err
		}
	case <-time.After(defaultAuthTimeout):
		_ = conn.Close()
		return errors.New("authentication timed out")
	case <-c.closeCh:
		_ = conn.Close()
		return nil
	}

	// Re-subscribe every tracked room; the new connection holds none.
	c.mu.Lock()
	rooms := make([]uint, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	for _, chatID := range rooms {
		if err := c.writeEvent(conn, realtime.Event{
			Type:   realtime.EventJoinChat,
			ChatID: chatID,
		}); err != nil {
			_ = conn.Close()
			return err
		}
	}

	c.setState(StateActive)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		case <-c.closeCh:
			return
		}
	}
}

// dispatch decodes one server frame, applies it to the local projection,
// then invokes the registered handler for its type.
func (c *Client) dispatch(data []byte) {
	var frame struct {
		Type    realtime.EventType `json:"type"`
		ChatID  uint               `json:"chat_id,omitempty"`
		UserID  uint               `json:"user_id,omitempty"`
		Payload json.RawMessage    `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("chat client: dropping malformed frame: %v", err)
		return
	}

	ev := realtime.Event{Type: frame.Type, ChatID: frame.ChatID, UserID: frame.UserID}

	switch frame.Type {
	case realtime.EventAuthenticated:
		var payload realtime.AuthenticatedPayload
		if err := json.Unmarshal(frame.Payload, &payload); err == nil {
			c.userID.Store(uint64(payload.UserID))
		}
		c.signalAuth(nil)

	case realtime.EventAuthError:
		c.signalAuth(ErrAuthRejected)

	default:
		c.chatState.Apply(ev, frame.Payload, c.UserID())
	}

	c.handlersMu.RLock()
	h := c.handlers[frame.Type]
	c.handlersMu.RUnlock()
	if h != nil {
		h(ev, frame.Payload)
	}
}

func (c *Client) signalAuth(err error) {
	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if authed == nil {
		return
	}
	select {
	case authed <- err:
	default:
	}
}

func (c *Client) send(ev realtime.Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || c.State() != StateActive {
		return ErrNotConnected
	}
	return c.writeEvent(conn, ev)
}

func (c *Client) writeEvent(conn *websocket.Conn, ev realtime.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}
