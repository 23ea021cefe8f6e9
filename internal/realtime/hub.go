package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/manjit4241/chatty/internal/auth"
	"github.com/manjit4241/chatty/internal/models"
	"github.com/manjit4241/chatty/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxConnsPerUser = 12
	defaultMaxTotalConns   = 10000
)

// ErrConnectionLimit is returned when a per-user or per-node limit is hit.
var ErrConnectionLimit = errors.New("connection limit reached")

// HubOptions configures connection limits and the optional Redis presence mirror.
type HubOptions struct {
	MaxConnsPerUser int
	MaxTotalConns   int
	Redis           *redis.Client
	Presence        PresenceConfig
}

// Hub owns every live websocket connection on this node: which user each
// authenticated connection belongs to, and which chat rooms each connection
// subscribes to. Room subscriptions are keyed by connection, not user, so a
// dropped connection's subscriptions die with it and a reconnecting client
// must re-join (it holds a new connection identity).
type Hub struct {
	mu sync.RWMutex

	verifier auth.Verifier

	// Map: connectionID -> tracked client (authenticated or not)
	clients map[string]*Client

	// Map: userID -> set of authenticated clients (multi-device support)
	userConns map[uint]map[*Client]struct{}

	// Map: chatID -> set of subscribed connections
	rooms map[uint]map[*Client]struct{}

	// Map: client -> set of chatIDs it subscribes to
	clientRooms map[*Client]map[uint]struct{}

	totalConns      int
	maxConnsPerUser int
	maxTotalConns   int

	presence *PresenceManager
	events   *observability.EventLogger

	// Set by StartWiring; presence transitions publish through it so other
	// nodes' users see status changes too.
	notifier *Notifier

	shutdown chan struct{}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "chat hub" }

// NewHub creates a Hub with the given credential verifier and options.
func NewHub(verifier auth.Verifier, opts HubOptions) *Hub {
	if opts.MaxConnsPerUser <= 0 {
		opts.MaxConnsPerUser = defaultMaxConnsPerUser
	}
	if opts.MaxTotalConns <= 0 {
		opts.MaxTotalConns = defaultMaxTotalConns
	}

	h := &Hub{
		verifier:        verifier,
		clients:         make(map[string]*Client),
		userConns:       make(map[uint]map[*Client]struct{}),
		rooms:           make(map[uint]map[*Client]struct{}),
		clientRooms:     make(map[*Client]map[uint]struct{}),
		maxConnsPerUser: opts.MaxConnsPerUser,
		maxTotalConns:   opts.MaxTotalConns,
		events:          observability.NewEventLogger("chat hub"),
		shutdown:        make(chan struct{}),
	}

	presenceCfg := opts.Presence
	presenceCfg.OnUserOnline = func(userID uint) { h.broadcastStatus(userID, "online") }
	presenceCfg.OnUserOffline = func(userID uint) { h.broadcastStatus(userID, "offline") }
	h.presence = NewPresenceManager(opts.Redis, presenceCfg)

	return h
}

// Track registers a new, still-unauthenticated connection. Only the per-node
// total limit applies here; the per-user limit is enforced at authentication
// when the identity is known.
func (h *Hub) Track(conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.totalConns >= h.maxTotalConns {
		return nil, fmt.Errorf("%w: node at capacity", ErrConnectionLimit)
	}

	client := NewClient(h, conn)
	h.clients[client.ID] = client
	h.totalConns++
	observability.WebSocketConnectionsTotal.Inc()

	return client, nil
}

// Authenticate verifies the credential token and binds the resulting identity
// to the connection. Idempotent: re-authenticating an already-bound
// connection with the same identity just re-acks; a token for a different
// identity rebinds the connection, detaching it from the old user first so
// the old user's fan-out set and presence count never keep a stale entry.
// A failed verification leaves the connection tracked but unauthenticated so
// the client may retry with a fresh token.
func (h *Hub) Authenticate(ctx context.Context, c *Client, token string) (uint, error) {
	userID, err := h.verifier.Verify(token)
	if err != nil {
		observability.AuthFailures.WithLabelValues("websocket").Inc()
		return 0, err
	}

	h.mu.Lock()
	prev := c.UserID()
	if prev == userID {
		// Already bound; nothing to do beyond the ack.
		h.mu.Unlock()
		return userID, nil
	}

	m, ok := h.userConns[userID]
	if !ok {
		m = make(map[*Client]struct{})
		h.userConns[userID] = m
	}
	if len(m) >= h.maxConnsPerUser {
		h.mu.Unlock()
		return 0, fmt.Errorf("%w: user %d at device limit", ErrConnectionLimit, userID)
	}

	if prev != 0 {
		if old, ok := h.userConns[prev]; ok {
			delete(old, c)
			if len(old) == 0 {
				delete(h.userConns, prev)
			}
		}
	}

	c.bindUser(userID)
	m[c] = struct{}{}
	h.mu.Unlock()

	if prev != 0 {
		h.presence.Unregister(ctx, prev)
	}
	h.presence.Register(ctx, userID)

	return userID, nil
}

// Join subscribes the connection to a chat room. Requires authentication;
// the add is idempotent.
func (h *Hub) Join(c *Client, chatID uint) error {
	if !c.Authenticated() {
		return models.NewUnauthenticatedError("join-chat")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[chatID] == nil {
		h.rooms[chatID] = make(map[*Client]struct{})
	}
	h.rooms[chatID][c] = struct{}{}

	if h.clientRooms[c] == nil {
		h.clientRooms[c] = make(map[uint]struct{})
	}
	h.clientRooms[c][chatID] = struct{}{}

	return nil
}

// Leave unsubscribes the connection from a chat room. Idempotent.
func (h *Hub) Leave(c *Client, chatID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(c, chatID)
}

func (h *Hub) removeFromRoomLocked(c *Client, chatID uint) {
	if subs, ok := h.rooms[chatID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.rooms, chatID)
		}
	}
	if rooms, ok := h.clientRooms[c]; ok {
		delete(rooms, chatID)
		if len(rooms) == 0 {
			delete(h.clientRooms, c)
		}
	}
}

// UnregisterClient removes the connection and cascades: every room
// subscription the connection held is dropped with it.
func (h *Hub) UnregisterClient(c *Client) {
	h.mu.Lock()

	if _, tracked := h.clients[c.ID]; !tracked {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	h.totalConns--
	observability.WebSocketConnectionsTotal.Dec()

	for chatID := range h.clientRooms[c] {
		if subs, ok := h.rooms[chatID]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.rooms, chatID)
			}
		}
	}
	delete(h.clientRooms, c)

	userID := c.UserID()
	if userID != 0 {
		if m, ok := h.userConns[userID]; ok {
			delete(m, c)
			if len(m) == 0 {
				delete(h.userConns, userID)
			}
		}
	}
	h.mu.Unlock()

	if userID != 0 {
		h.presence.Unregister(context.Background(), userID)
	}
}

// IsSubscribed reports whether the connection currently subscribes to the chat.
func (h *Hub) IsSubscribed(c *Client, chatID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clientRooms[c][chatID]
	return ok
}

// Touch refreshes the user's presence heartbeat.
func (h *Hub) Touch(ctx context.Context, userID uint) {
	h.presence.Touch(ctx, userID)
}

// IsUserOnline reports whether the user holds at least one live connection.
func (h *Hub) IsUserOnline(userID uint) bool {
	return h.presence.IsOnline(context.Background(), userID)
}

// OnlineUserIDs returns every user currently online, on any node.
func (h *Hub) OnlineUserIDs(ctx context.Context) []uint {
	return h.presence.OnlineUserIDs(ctx)
}

// BroadcastToChat delivers the event to every connection currently subscribed
// to the chat's room, except connections owned by excludeUserID (0 excludes
// nobody). Delivery is best-effort per connection; a full buffer drops the
// message for that connection only.
func (h *Hub) BroadcastToChat(chatID uint, ev Event, excludeUserID uint) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Hub: failed to marshal %s event: %v", ev.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	subs, ok := h.rooms[chatID]
	if !ok {
		return
	}

	sent := 0
	for c := range subs {
		if excludeUserID != 0 && c.UserID() == excludeUserID {
			continue
		}
		c.TrySend(data)
		sent++
	}

	observability.WebSocketEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	h.events.LogDelivery(context.Background(), string(ev.Type), chatID, sent)
}

// BroadcastToUser delivers the event to every connection the user holds on
// this node.
func (h *Hub) BroadcastToUser(userID uint, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Hub: failed to marshal %s event: %v", ev.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.userConns[userID] {
		c.TrySend(data)
	}
	observability.WebSocketEventsTotal.WithLabelValues(string(ev.Type)).Inc()
}

// BroadcastToAll delivers the event to every authenticated connection except
// those owned by excludeUserID (0 excludes nobody).
func (h *Hub) BroadcastToAll(ev Event, excludeUserID uint) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Hub: failed to marshal %s event: %v", ev.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for userID, clients := range h.userConns {
		if excludeUserID != 0 && userID == excludeUserID {
			continue
		}
		for c := range clients {
			c.TrySend(data)
		}
	}
	observability.WebSocketEventsTotal.WithLabelValues(string(ev.Type)).Inc()
}

// broadcastStatus emits a user-status-change to everyone but the user whose
// presence changed. With pub/sub wired the event goes through Redis so every
// node's users see it; the subscriber loop delivers it locally too. Without
// Redis it fans out to this node only. Best-effort; presence is eventually
// consistent.
func (h *Hub) broadcastStatus(userID uint, status string) {
	ev := Event{
		Type:    EventUserStatus,
		UserID:  userID,
		Payload: StatusPayload{UserID: userID, Status: status},
	}

	h.mu.RLock()
	n := h.notifier
	h.mu.RUnlock()

	if n.Available() {
		if err := n.PublishBroadcast(context.Background(), ev); err == nil {
			return
		}
		log.Printf("Hub: status publish failed for user %d, delivering locally", userID)
	}
	h.BroadcastToAll(ev, userID)
}

// StartWiring connects the hub to Redis pub/sub so events published by any
// node reach this node's subscribers. Typing events exclude the typer's own
// connections; everything else room-scoped includes the sender (echo/ack).
func (h *Hub) StartWiring(ctx context.Context, n *Notifier) error {
	h.mu.Lock()
	h.notifier = n
	h.mu.Unlock()

	return n.StartSubscriber(ctx, func(channel, payload string) {
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Printf("Hub: failed to parse event from channel %s: %v", channel, err)
			return
		}

		var chatID uint
		switch {
		case strings.HasPrefix(channel, "chat:room:"):
			if _, err := fmt.Sscanf(channel, "chat:room:%d", &chatID); err != nil {
				log.Printf("Hub: invalid channel format: %s", channel)
				return
			}
			exclude := uint(0)
			if ev.Type == EventTyping {
				exclude = ev.UserID
			}
			h.BroadcastToChat(chatID, ev, exclude)

		case strings.HasPrefix(channel, "events:user:"):
			var userID uint
			if _, err := fmt.Sscanf(channel, "events:user:%d", &userID); err != nil {
				log.Printf("Hub: invalid channel format: %s", channel)
				return
			}
			h.BroadcastToUser(userID, ev)

		case channel == "events:broadcast":
			exclude := uint(0)
			if ev.Type == EventUserStatus {
				exclude = ev.UserID
			}
			h.BroadcastToAll(ev, exclude)

		default:
			log.Printf("Hub: unexpected channel: %s", channel)
		}
	})
}

// Shutdown gracefully closes all websocket connections
func (h *Hub) Shutdown(_ context.Context) error {
	close(h.shutdown)
	h.presence.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		if client.Conn == nil {
			continue
		}
		if err := client.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
			log.Printf("failed to write close message for conn %s: %v", client.ID, err)
		}
		if err := client.Conn.Close(); err != nil {
			log.Printf("failed to close websocket for conn %s: %v", client.ID, err)
		}
	}

	h.clients = make(map[string]*Client)
	h.userConns = make(map[uint]map[*Client]struct{})
	h.rooms = make(map[uint]map[*Client]struct{})
	h.clientRooms = make(map[*Client]map[uint]struct{})
	h.totalConns = 0

	return nil
}
