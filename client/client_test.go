package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manjit4241/chatty/internal/realtime"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the server protocol to exercise the
// client: in-band authentication, join tracking, and event pushes.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      []*websocket.Conn
	joins      map[int][]uint         // joins per connection, in arrival order
	typings    map[int][]typingReport // typing frames per connection, in arrival order
	rejectAuth bool
}

// typingReport is one typing frame as the server saw it.
type typingReport struct {
	chatID   uint
	isTyping bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, joins: make(map[int][]uint), typings: make(map[int][]typingReport)}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	fs.mu.Lock()
	idx := len(fs.conns)
	fs.conns = append(fs.conns, conn)
	reject := fs.rejectAuth
	fs.mu.Unlock()

	for {
		var frame realtime.InboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case realtime.EventAuthenticate:
			if reject {
				_ = conn.WriteJSON(realtime.Event{Type: realtime.EventAuthError})
				continue
			}
			_ = conn.WriteJSON(realtime.Event{
				Type:    realtime.EventAuthenticated,
				Payload: realtime.AuthenticatedPayload{UserID: 42},
			})
		case realtime.EventJoinChat:
			fs.mu.Lock()
			fs.joins[idx] = append(fs.joins[idx], frame.ChatID)
			fs.mu.Unlock()
		case realtime.EventTyping:
			var payload realtime.TypingPayload
			_ = json.Unmarshal(frame.Payload, &payload)
			fs.mu.Lock()
			fs.typings[idx] = append(fs.typings[idx], typingReport{
				chatID:   frame.ChatID,
				isTyping: payload.IsTyping,
			})
			fs.mu.Unlock()
		}
	}
}

func (fs *fakeServer) setRejectAuth(reject bool) {
	fs.mu.Lock()
	fs.rejectAuth = reject
	fs.mu.Unlock()
}

func (fs *fakeServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) joinsFor(idx int) []uint {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]uint(nil), fs.joins[idx]...)
}

func (fs *fakeServer) typingsFor(idx int) []typingReport {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]typingReport(nil), fs.typings[idx]...)
}

// dropConn closes the server side of connection idx, simulating a network cut.
func (fs *fakeServer) dropConn(idx int) {
	fs.mu.Lock()
	conn := fs.conns[idx]
	fs.mu.Unlock()
	_ = conn.Close()
}

// push sends an event to connection idx.
func (fs *fakeServer) push(idx int, ev realtime.Event) {
	fs.mu.Lock()
	conn := fs.conns[idx]
	fs.mu.Unlock()
	require.NoError(fs.t, conn.WriteJSON(ev))
}

func fastOpts(fs *fakeServer) Options {
	return Options{
		URL:         fs.url(),
		Token:       "token",
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
		MaxAttempts: 5,
	}
}

func TestBackoffDelay(t *testing.T) {
	c := New(Options{URL: "ws://unused"})

	assert.Equal(t, 500*time.Millisecond, c.backoffDelay(0))
	assert.Equal(t, 1*time.Second, c.backoffDelay(1))
	assert.Equal(t, 2*time.Second, c.backoffDelay(2))
	assert.Equal(t, 4*time.Second, c.backoffDelay(3))
	assert.Equal(t, 30*time.Second, c.backoffDelay(7), "doubling stops at the cap")
	assert.Equal(t, 30*time.Second, c.backoffDelay(100))
}

func TestConnectAndAuthenticate(t *testing.T) {
	fs := newFakeServer(t)

	var mu sync.Mutex
	var transitions []State
	opts := fastOpts(fs)
	opts.OnStateChange = func(s State) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	}

	c := New(opts)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, uint(42), c.UserID())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateAuthenticating, StateActive}, transitions)
}

func TestConnectAuthRejected(t *testing.T) {
	fs := newFakeServer(t)
	fs.setRejectAuth(true)

	c := New(fastOpts(fs))
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, StateDisconnected, c.State())

	// A rejected credential is terminal: no retry loop ran.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fs.connCount())
}

func TestSendRequiresActiveConnection(t *testing.T) {
	c := New(Options{URL: "ws://unused", Token: "t"})

	_, err := c.SendMessage(1, "hello")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.MarkRead(1), ErrNotConnected)
	assert.ErrorIs(t, c.Typing(1, true), ErrNotConnected)
}

func TestTypingAutoStop(t *testing.T) {
	fs := newFakeServer(t)

	opts := fastOpts(fs)
	opts.TypingAutoStop = 150 * time.Millisecond

	c := New(opts)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	t.Run("Stale True Expires On Its Own", func(t *testing.T) {
		require.NoError(t, c.Typing(7, true))

		// No explicit Typing(7, false) ever arrives; the client clears the
		// indicator itself once the window elapses.
		assert.Eventually(t, func() bool {
			reports := fs.typingsFor(0)
			n := len(reports)
			return n >= 2 && reports[n-1] == typingReport{chatID: 7, isTyping: false}
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Fresh True Re-Arms The Window", func(t *testing.T) {
		before := len(fs.typingsFor(0))

		require.NoError(t, c.Typing(8, true))
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, c.Typing(8, true))

		assert.Eventually(t, func() bool {
			reports := fs.typingsFor(0)[before:]
			n := len(reports)
			return n >= 3 && reports[n-1] == typingReport{chatID: 8, isTyping: false}
		}, 2*time.Second, 10*time.Millisecond)

		// Two trues, one trailing auto false: the second report reset the
		// timer instead of stacking another.
		assert.Equal(t, []typingReport{
			{chatID: 8, isTyping: true},
			{chatID: 8, isTyping: true},
			{chatID: 8, isTyping: false},
		}, fs.typingsFor(0)[before:])
	})

	t.Run("Explicit False Cancels The Timer", func(t *testing.T) {
		before := len(fs.typingsFor(0))

		require.NoError(t, c.Typing(9, true))
		require.NoError(t, c.Typing(9, false))

		// Wait well past the window; no third frame may appear.
		time.Sleep(3 * opts.TypingAutoStop)
		assert.Equal(t, []typingReport{
			{chatID: 9, isTyping: true},
			{chatID: 9, isTyping: false},
		}, fs.typingsFor(0)[before:])
	})
}

func TestReconnectReplaysRooms(t *testing.T) {
	fs := newFakeServer(t)

	c := New(fastOpts(fs))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.JoinChat(7))
	require.NoError(t, c.JoinChat(9))

	fs.dropConn(0)

	// The client reconnects on its own and re-issues both joins.
	assert.Eventually(t, func() bool {
		return fs.connCount() == 2 && len(fs.joinsFor(1)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []uint{7, 9}, fs.joinsFor(1))
	assert.Eventually(t, func() bool {
		return c.State() == StateActive
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLeftRoomsAreNotReplayed(t *testing.T) {
	fs := newFakeServer(t)

	c := New(fastOpts(fs))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.JoinChat(7))
	require.NoError(t, c.JoinChat(9))
	require.NoError(t, c.LeaveChat(7))

	fs.dropConn(0)

	assert.Eventually(t, func() bool {
		return fs.connCount() == 2 && len(fs.joinsFor(1)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint{9}, fs.joinsFor(1))
}

func TestAuthRejectionDuringReconnectIsTerminal(t *testing.T) {
	fs := newFakeServer(t)

	errCh := make(chan error, 1)
	opts := fastOpts(fs)
	opts.OnError = func(err error) { errCh <- err }

	c := New(opts)
	require.NoError(t, c.Connect(context.Background()))

	// The token expires while we are connected; the next reconnect fails auth.
	fs.setRejectAuth(true)
	fs.dropConn(0)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAuthRejected)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a terminal auth error")
	}
	assert.Equal(t, StateDisconnected, c.State())

	// Exactly one reconnect attempt was made; the rejection stopped the loop.
	assert.Equal(t, 2, fs.connCount())
}

func TestRetriesExhausted(t *testing.T) {
	fs := newFakeServer(t)

	errCh := make(chan error, 1)
	opts := fastOpts(fs)
	opts.MaxAttempts = 3
	opts.OnError = func(err error) { errCh <- err }

	c := New(opts)
	require.NoError(t, c.Connect(context.Background()))

	// The server goes away for good.
	fs.srv.CloseClientConnections()
	fs.srv.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("expected retries to exhaust")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t)

	c := New(fastOpts(fs))
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, fs.connCount(), "a deliberate disconnect never redials")
}

func TestDispatchFeedsHandlersAndState(t *testing.T) {
	fs := newFakeServer(t)

	c := New(fastOpts(fs))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	received := make(chan realtime.Event, 1)
	c.On(realtime.EventNewMessage, func(ev realtime.Event, _ json.RawMessage) {
		received <- ev
	})

	fs.push(0, realtime.Event{
		Type:   realtime.EventNewMessage,
		ChatID: 10,
		UserID: 2,
		Payload: map[string]interface{}{
			"id":        "msg-1",
			"chat_id":   10,
			"sender_id": 2,
			"content":   "hi",
		},
	})

	select {
	case ev := <-received:
		assert.Equal(t, uint(10), ev.ChatID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	// The projection saw the same event.
	assert.Eventually(t, func() bool {
		msg := c.ChatState().Message(10, "msg-1")
		return msg != nil && msg.Content == "hi"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, c.ChatState().Unread(10))
}
