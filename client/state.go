package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/manjit4241/chatty/internal/models"
	"github.com/manjit4241/chatty/internal/realtime"
)

// ChatState is the client-side projection of chat data maintained from
// server events. Every apply is idempotent: redelivered events converge to
// the same state instead of duplicating it.
type ChatState struct {
	mu sync.RWMutex

	// messages by chat, keyed by message ID for idempotent application.
	messages map[uint]map[string]*models.Message

	// order preserves arrival order per chat for Messages().
	order map[uint][]string

	unread map[uint]int

	// typing holds expiry timers per (chat, user). A stale `true` with no
	// follow-up clears itself when the timer fires.
	typing       map[uint]map[uint]*time.Timer
	typingExpiry time.Duration

	online map[uint]bool
}

// NewChatState creates an empty projection. typingExpiry bounds how long a
// typing indicator survives without renewal.
func NewChatState(typingExpiry time.Duration) *ChatState {
	return &ChatState{
		messages:     make(map[uint]map[string]*models.Message),
		order:        make(map[uint][]string),
		unread:       make(map[uint]int),
		typing:       make(map[uint]map[uint]*time.Timer),
		typingExpiry: typingExpiry,
		online:       make(map[uint]bool),
	}
}

// Apply routes one server event into the projection. selfID identifies the
// local user so their own echoes do not count as unread.
func (s *ChatState) Apply(ev realtime.Event, payload json.RawMessage, selfID uint) {
	switch ev.Type {
	case realtime.EventNewMessage:
		var msg models.Message
		if json.Unmarshal(payload, &msg) == nil {
			s.applyNewMessage(&msg, selfID)
		}

	case realtime.EventMessageUpdated:
		var msg models.Message
		if json.Unmarshal(payload, &msg) == nil {
			s.applyUpdated(&msg)
		}

	case realtime.EventMessageDeleted:
		var del realtime.DeletedPayload
		if json.Unmarshal(payload, &del) == nil {
			s.applyDeleted(del.ChatID, del.MessageID)
		}

	case realtime.EventReactionAdded, realtime.EventReactionRemoved:
		var msg models.Message
		if json.Unmarshal(payload, &msg) == nil {
			s.applyReactions(&msg)
		}

	case realtime.EventMessagesRead:
		var read realtime.ReadPayload
		if json.Unmarshal(payload, &read) == nil {
			s.applyRead(read, selfID)
		}

	case realtime.EventTyping:
		var typing realtime.TypingPayload
		if json.Unmarshal(payload, &typing) == nil {
			s.applyTyping(ev.ChatID, typing)
		}

	case realtime.EventUserStatus:
		var status realtime.StatusPayload
		if json.Unmarshal(payload, &status) == nil {
			s.applyStatus(status)
		}
	}
}

// applyNewMessage inserts the message once; a redelivered ID is a no-op, so
// duplicate deliveries never double either the transcript or the counter.
func (s *ChatState) applyNewMessage(msg *models.Message, selfID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.messages[msg.ChatID]
	if byID == nil {
		byID = make(map[string]*models.Message)
		s.messages[msg.ChatID] = byID
	}
	if _, seen := byID[msg.ID]; seen {
		return
	}

	byID[msg.ID] = msg
	s.order[msg.ChatID] = append(s.order[msg.ChatID], msg.ID)

	if msg.SenderID != selfID {
		s.unread[msg.ChatID]++
	}

	// A message implies the sender stopped typing.
	s.clearTypingLocked(msg.ChatID, msg.SenderID)
}

func (s *ChatState) applyUpdated(msg *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.messages[msg.ChatID][msg.ID]
	if !ok {
		return
	}
	if existing.Deleted {
		// Delete wins; a late edit cannot resurrect content.
		return
	}
	existing.Content = msg.Content
	existing.Edited = true
}

// applyDeleted tombstones by ID; already-gone or never-seen IDs no-op.
func (s *ChatState) applyDeleted(chatID uint, msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.messages[chatID][msgID]
	if !ok {
		return
	}
	existing.Deleted = true
	existing.Content = ""
}

// applyReactions replaces the whole reaction list with the event's snapshot.
func (s *ChatState) applyReactions(msg *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.messages[msg.ChatID][msg.ID]
	if !ok {
		return
	}
	existing.Reactions = msg.Reactions
}

func (s *ChatState) applyRead(read realtime.ReadPayload, selfID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if read.UserID == selfID {
		s.unread[read.ChatID] = 0
	}
	for _, msgID := range read.MessageIDs {
		if msg, ok := s.messages[read.ChatID][msgID]; ok {
			if !msg.ReadBy.Contains(read.UserID) {
				msg.ReadBy = append(msg.ReadBy, read.UserID)
			}
		}
	}
}

func (s *ChatState) applyTyping(chatID uint, typing realtime.TypingPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !typing.IsTyping {
		s.clearTypingLocked(chatID, typing.UserID)
		return
	}

	expiry := s.typingExpiry
	if typing.ExpiresInMS > 0 {
		if d := time.Duration(typing.ExpiresInMS) * time.Millisecond; d < expiry {
			expiry = d
		}
	}

	byUser := s.typing[chatID]
	if byUser == nil {
		byUser = make(map[uint]*time.Timer)
		s.typing[chatID] = byUser
	}
	if timer, ok := byUser[typing.UserID]; ok {
		timer.Reset(expiry)
		return
	}

	userID := typing.UserID
	byUser[userID] = time.AfterFunc(expiry, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.clearTypingLocked(chatID, userID)
	})
}

func (s *ChatState) clearTypingLocked(chatID, userID uint) {
	if byUser, ok := s.typing[chatID]; ok {
		if timer, ok := byUser[userID]; ok {
			timer.Stop()
			delete(byUser, userID)
		}
		if len(byUser) == 0 {
			delete(s.typing, chatID)
		}
	}
}

// applyStatus records presence; last write wins per user.
func (s *ChatState) applyStatus(status realtime.StatusPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[status.UserID] = status.Status == "online"
}

// Messages returns the chat's messages in arrival order.
func (s *ChatState) Messages(chatID uint) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[chatID]
	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messages[chatID][id]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// Message returns one message by ID, or nil.
func (s *ChatState) Message(chatID uint, msgID string) *models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages[chatID][msgID]
}

// Unread returns the local unread count for the chat.
func (s *ChatState) Unread(chatID uint) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[chatID]
}

// TypingUsers returns the users currently typing in the chat.
func (s *ChatState) TypingUsers(chatID uint) []uint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := s.typing[chatID]
	out := make([]uint, 0, len(byUser))
	for userID := range byUser {
		out = append(out, userID)
	}
	return out
}

// IsOnline reports the last known presence for the user.
func (s *ChatState) IsOnline(userID uint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID]
}
