package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/manjit4241/chatty/internal/models"
	"github.com/manjit4241/chatty/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selfID = uint(1)

func apply(t *testing.T, s *ChatState, ev realtime.Event, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	s.Apply(ev, raw, selfID)
}

func newMsg(id string, chatID, senderID uint, content string) models.Message {
	return models.Message{ID: id, ChatID: chatID, SenderID: senderID, Content: content}
}

func TestStateNewMessage(t *testing.T) {
	s := NewChatState(5 * time.Second)

	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, newMsg("a", 10, 2, "hello"))
	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, newMsg("b", 10, 2, "world"))

	msgs := s.Messages(10)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "world", msgs[1].Content)
	assert.Equal(t, 2, s.Unread(10))
}

func TestStateDuplicateDeliveryIsIdempotent(t *testing.T) {
	s := NewChatState(5 * time.Second)

	msg := newMsg("a", 10, 2, "hello")
	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, msg)
	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, msg)

	assert.Len(t, s.Messages(10), 1)
	assert.Equal(t, 1, s.Unread(10), "a redelivery never double-counts")
}

func TestStateOwnEchoDoesNotCountUnread(t *testing.T) {
	s := NewChatState(5 * time.Second)

	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, newMsg("a", 10, selfID, "mine"))

	assert.Len(t, s.Messages(10), 1)
	assert.Equal(t, 0, s.Unread(10))
}

func TestStateEdit(t *testing.T) {
	s := NewChatState(5 * time.Second)

	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, newMsg("a", 10, 2, "tpyo"))
	apply(t, s, realtime.Event{Type: realtime.EventMessageUpdated}, newMsg("a", 10, 2, "typo"))

	got := s.Message(10, "a")
	require.NotNil(t, got)
	assert.Equal(t, "typo", got.Content)
	assert.True(t, got.Edited)

	// An update for a message we never saw is dropped, not inserted.
	apply(t, s, realtime.Event{Type: realtime.EventMessageUpdated}, newMsg("ghost", 10, 2, "boo"))
	assert.Nil(t, s.Message(10, "ghost"))
}

func TestStateDeleteWins(t *testing.T) {
	s := NewChatState(5 * time.Second)

	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, newMsg("a", 10, 2, "secret"))
	apply(t, s, realtime.Event{Type: realtime.EventMessageDeleted},
		realtime.DeletedPayload{MessageID: "a", ChatID: 10})

	got := s.Message(10, "a")
	require.NotNil(t, got)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Content)

	// A late edit arriving after the delete cannot resurrect the content.
	apply(t, s, realtime.Event{Type: realtime.EventMessageUpdated}, newMsg("a", 10, 2, "resurrected"))
	got = s.Message(10, "a")
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Content)

	// Re-applying the delete is a no-op.
	apply(t, s, realtime.Event{Type: realtime.EventMessageDeleted},
		realtime.DeletedPayload{MessageID: "a", ChatID: 10})
	assert.True(t, s.Message(10, "a").Deleted)
}

func TestStateReactionSnapshotReplaces(t *testing.T) {
	s := NewChatState(5 * time.Second)

	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, newMsg("a", 10, 2, "nice"))

	withReaction := newMsg("a", 10, 2, "nice")
	withReaction.Reactions = models.ReactionList{{UserID: 3, Emoji: "🔥"}}
	apply(t, s, realtime.Event{Type: realtime.EventReactionAdded}, withReaction)

	got := s.Message(10, "a")
	assert.True(t, got.Reactions.Contains(3, "🔥"))

	// The removal event carries the new full list; local state adopts it wholesale.
	withReaction.Reactions = models.ReactionList{}
	apply(t, s, realtime.Event{Type: realtime.EventReactionRemoved}, withReaction)
	assert.Empty(t, s.Message(10, "a").Reactions)
}

func TestStateReadReceipts(t *testing.T) {
	s := NewChatState(5 * time.Second)

	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, newMsg("a", 10, 2, "hello"))
	require.Equal(t, 1, s.Unread(10))

	// Our own receipt (relayed back, e.g. from another device) resets unread.
	apply(t, s, realtime.Event{Type: realtime.EventMessagesRead},
		realtime.ReadPayload{ChatID: 10, UserID: selfID, MessageIDs: []string{"a"}})
	assert.Equal(t, 0, s.Unread(10))
	assert.True(t, s.Message(10, "a").ReadBy.Contains(selfID))

	// Someone else's receipt marks messages read without touching our counter.
	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, newMsg("b", 10, 2, "again"))
	apply(t, s, realtime.Event{Type: realtime.EventMessagesRead},
		realtime.ReadPayload{ChatID: 10, UserID: 3, MessageIDs: []string{"b"}})
	assert.Equal(t, 1, s.Unread(10))
	assert.True(t, s.Message(10, "b").ReadBy.Contains(3))

	// Receipt redelivery does not duplicate the reader.
	apply(t, s, realtime.Event{Type: realtime.EventMessagesRead},
		realtime.ReadPayload{ChatID: 10, UserID: 3, MessageIDs: []string{"b"}})
	assert.Len(t, s.Message(10, "b").ReadBy, 1)
}

func TestStateTypingExpires(t *testing.T) {
	s := NewChatState(50 * time.Millisecond)

	apply(t, s, realtime.Event{Type: realtime.EventTyping, ChatID: 10},
		realtime.TypingPayload{UserID: 2, IsTyping: true})
	assert.Equal(t, []uint{2}, s.TypingUsers(10))

	// With no renewal the stale indicator clears itself.
	assert.Eventually(t, func() bool {
		return len(s.TypingUsers(10)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateTypingExplicitStop(t *testing.T) {
	s := NewChatState(time.Minute)

	apply(t, s, realtime.Event{Type: realtime.EventTyping, ChatID: 10},
		realtime.TypingPayload{UserID: 2, IsTyping: true})
	apply(t, s, realtime.Event{Type: realtime.EventTyping, ChatID: 10},
		realtime.TypingPayload{UserID: 2, IsTyping: false})

	assert.Empty(t, s.TypingUsers(10))
}

func TestStateTypingServerExpiryWins(t *testing.T) {
	s := NewChatState(time.Minute)

	// The server's shorter deadline bounds the indicator's lifetime.
	apply(t, s, realtime.Event{Type: realtime.EventTyping, ChatID: 10},
		realtime.TypingPayload{UserID: 2, IsTyping: true, ExpiresInMS: 50})

	assert.Eventually(t, func() bool {
		return len(s.TypingUsers(10)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateNewMessageClearsTyping(t *testing.T) {
	s := NewChatState(time.Minute)

	apply(t, s, realtime.Event{Type: realtime.EventTyping, ChatID: 10},
		realtime.TypingPayload{UserID: 2, IsTyping: true})
	apply(t, s, realtime.Event{Type: realtime.EventNewMessage}, newMsg("a", 10, 2, "done typing"))

	assert.Empty(t, s.TypingUsers(10))
}

func TestStateUserStatus(t *testing.T) {
	s := NewChatState(time.Minute)

	apply(t, s, realtime.Event{Type: realtime.EventUserStatus},
		realtime.StatusPayload{UserID: 2, Status: "online"})
	assert.True(t, s.IsOnline(2))

	apply(t, s, realtime.Event{Type: realtime.EventUserStatus},
		realtime.StatusPayload{UserID: 2, Status: "offline"})
	assert.False(t, s.IsOnline(2))
	assert.False(t, s.IsOnline(99), "unknown users default to offline")
}
