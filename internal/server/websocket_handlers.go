package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/manjit4241/chatty/internal/middleware"
	"github.com/manjit4241/chatty/internal/observability"
	"github.com/manjit4241/chatty/internal/realtime"
	"github.com/manjit4241/chatty/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// UpgradeRequired rejects non-WebSocket requests to WebSocket endpoints.
func (s *Server) UpgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocketChatHandler handles WebSocket connections for the realtime chat
// protocol. Connections start unauthenticated and may carry a `token` query
// parameter to pre-authenticate; otherwise the client must send an
// authenticate event before any room operation succeeds.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		ctx := context.Background()

		client, err := s.hub.Track(conn)
		if err != nil {
			log.Printf("WebSocket: rejecting connection: %v", err)
			_ = conn.WriteJSON(realtime.Event{
				Type:    realtime.EventError,
				Payload: map[string]string{"message": "server at capacity"},
			})
			_ = conn.Close()
			return
		}

		client.IncomingHandler = s.handleInbound(ctx)

		// Pre-authenticate from the query token when present. Failure is not
		// fatal; the client can still authenticate in-band.
		if token := conn.Query("token"); token != "" {
			s.authenticateClient(ctx, client, token)
		}

		// Start write pump in a goroutine
		go client.WritePump()

		// Read pump runs in the main handler goroutine (blocking)
		client.ReadPump()
	})
}

// handleInbound returns the per-connection dispatcher for client-to-server
// events. Every event except authenticate requires a bound identity.
func (s *Server) handleInbound(ctx context.Context) func(*realtime.Client, []byte) {
	return func(c *realtime.Client, message []byte) {
		var frame realtime.InboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.TrySendEvent(realtime.Event{
				Type:    realtime.EventError,
				Payload: map[string]string{"message": "invalid event format"},
			})
			return
		}

		ctx, span := observability.TraceInboundEvent(ctx, string(frame.Type))
		defer span.End()

		switch frame.Type {
		case realtime.EventAuthenticate:
			var payload realtime.AuthenticatePayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Token == "" {
				s.sendAuthError(c, "credential token required")
				return
			}
			s.authenticateClient(ctx, c, payload.Token)

		case realtime.EventJoinChat:
			s.handleJoin(ctx, c, frame.ChatID)

		case realtime.EventLeaveChat:
			s.hub.Leave(c, frame.ChatID)

		case realtime.EventSendMessage:
			s.handleSendMessage(ctx, c, frame)

		case realtime.EventTyping:
			s.handleTyping(ctx, c, frame)

		case realtime.EventMarkRead:
			s.handleMarkRead(ctx, c, frame.ChatID)

		case realtime.EventUserOnline:
			if c.Authenticated() {
				s.hub.Touch(ctx, c.UserID())
			}

		default:
			c.TrySendEvent(realtime.Event{
				Type:    realtime.EventError,
				Payload: map[string]string{"message": fmt.Sprintf("unknown event type %q", frame.Type)},
			})
		}
	}
}

// authenticateClient verifies the token and acks the authenticating
// connection only. On failure the connection stays open, unauthenticated,
// so the client may retry with a fresh token.
func (s *Server) authenticateClient(ctx context.Context, c *realtime.Client, token string) {
	userID, err := s.hub.Authenticate(ctx, c, token)
	if err != nil {
		log.Printf("WebSocket: authentication failed for conn %s: %v", c.ID, err)
		s.sendAuthError(c, "invalid or expired credential")
		return
	}

	c.TrySendEvent(realtime.Event{
		Type:    realtime.EventAuthenticated,
		UserID:  userID,
		Payload: realtime.AuthenticatedPayload{UserID: userID},
	})
}

func (s *Server) sendAuthError(c *realtime.Client, message string) {
	c.TrySendEvent(realtime.Event{
		Type:    realtime.EventAuthError,
		Payload: map[string]string{"message": message},
	})
}

func (s *Server) handleJoin(ctx context.Context, c *realtime.Client, chatID uint) {
	if !c.Authenticated() {
		s.sendAuthError(c, "join-chat requires authentication")
		return
	}
	if chatID == 0 {
		c.TrySendEvent(realtime.Event{
			Type:    realtime.EventError,
			Payload: map[string]string{"message": "chat_id is required"},
		})
		return
	}

	ok, err := s.chatRepo.IsMember(ctx, chatID, c.UserID())
	if err != nil || !ok {
		c.TrySendEvent(realtime.Event{
			Type:    realtime.EventError,
			ChatID:  chatID,
			Payload: map[string]string{"message": "not a member of this chat"},
		})
		return
	}

	if err := s.hub.Join(c, chatID); err != nil {
		c.TrySendEvent(realtime.Event{
			Type:    realtime.EventError,
			ChatID:  chatID,
			Payload: map[string]string{"message": err.Error()},
		})
		return
	}

	c.TrySendEvent(realtime.Event{
		Type:    realtime.EventChatJoined,
		ChatID:  chatID,
		Payload: map[string]uint{"chat_id": chatID},
	})
}

func (s *Server) handleSendMessage(ctx context.Context, c *realtime.Client, frame realtime.InboundFrame) {
	if !c.Authenticated() {
		s.sendAuthError(c, "send-message requires authentication")
		return
	}

	var payload realtime.SendMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.TrySendEvent(realtime.Event{
			Type:    realtime.EventError,
			Payload: map[string]string{"message": "invalid send-message payload"},
		})
		return
	}

	// Same rate limit as the HTTP endpoint (15 per minute).
	id := fmt.Sprintf("user:%d", c.UserID())
	allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "send_chat", id, 15, time.Minute)
	if !allowed {
		c.TrySendEvent(realtime.Event{
			Type:    realtime.EventError,
			ChatID:  frame.ChatID,
			Payload: map[string]string{"message": "Rate limit exceeded. Please wait a moment."},
		})
		return
	}

	_, err := s.chatService.SendMessage(ctx, service.SendMessageInput{
		UserID:      c.UserID(),
		ChatID:      frame.ChatID,
		MessageID:   payload.MessageID,
		Content:     payload.Content,
		MessageType: payload.MessageType,
	})
	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		c.TrySendEvent(realtime.Event{
			Type:    realtime.EventError,
			ChatID:  frame.ChatID,
			Payload: map[string]string{"message": err.Error()},
		})
	}
	// Success needs no direct ack: the room broadcast echoes the message
	// back to the sender's own connections.
}

func (s *Server) handleTyping(ctx context.Context, c *realtime.Client, frame realtime.InboundFrame) {
	if !c.Authenticated() {
		s.sendAuthError(c, "typing requires authentication")
		return
	}

	var payload realtime.TypingPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}

	// Typing indicators are spammy by nature: 10 per 10 seconds, silently
	// dropped beyond that.
	id := fmt.Sprintf("user:%d", c.UserID())
	allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "typing", id, 10, 10*time.Second)
	if !allowed {
		return
	}

	if err := s.chatService.Typing(ctx, frame.ChatID, c.UserID(), payload.IsTyping, s.config.TypingExpiry); err != nil {
		log.Printf("WebSocket: typing fan-out failed for user %d: %v", c.UserID(), err)
	}
}

func (s *Server) handleMarkRead(ctx context.Context, c *realtime.Client, chatID uint) {
	if !c.Authenticated() {
		s.sendAuthError(c, "mark-read requires authentication")
		return
	}

	if err := s.chatService.MarkChatRead(ctx, chatID, c.UserID()); err != nil {
		observability.RecordErrorInContext(ctx, err)
		c.TrySendEvent(realtime.Event{
			Type:    realtime.EventError,
			ChatID:  chatID,
			Payload: map[string]string{"message": err.Error()},
		})
	}
}
