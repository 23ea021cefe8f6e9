package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/manjit4241/chatty/internal/auth"
	"github.com/manjit4241/chatty/internal/ledger"
	"github.com/manjit4241/chatty/internal/models"
	"github.com/manjit4241/chatty/internal/realtime"
	"github.com/manjit4241/chatty/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

// frame mirrors the wire envelope with the payload kept raw for per-test decoding.
type frame struct {
	Type    realtime.EventType `json:"type"`
	ChatID  uint               `json:"chat_id"`
	UserID  uint               `json:"user_id"`
	Payload json.RawMessage    `json:"payload"`
}

type fixture struct {
	db  *gorm.DB
	hub *realtime.Hub
	svc *ChatService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Chat{},
		&models.ChatMember{},
		&models.Message{},
	))

	hub := realtime.NewHub(auth.NewJWTVerifier(testSecret), realtime.HubOptions{})
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })

	l := ledger.New(db)
	svc := NewChatService(
		repository.NewChatRepository(db),
		repository.NewMessageRepository(db, l),
		repository.NewUserRepository(db),
		l,
		hub,
		nil, // no Redis: fan-out goes straight to the local hub
	)

	return &fixture{db: db, hub: hub, svc: svc}
}

func (f *fixture) seedUsers(t *testing.T, ids ...uint) {
	t.Helper()
	for _, id := range ids {
		user := models.User{
			ID:       id,
			Username: fmt.Sprintf("user%d", id),
			Email:    fmt.Sprintf("user%d@example.com", id),
		}
		require.NoError(t, f.db.Create(&user).Error)
	}
}

func (f *fixture) seedChat(t *testing.T, memberIDs ...uint) uint {
	t.Helper()
	chat := models.Chat{Name: "fixture", IsGroup: len(memberIDs) > 2, CreatedBy: memberIDs[0]}
	require.NoError(t, f.db.Create(&chat).Error)
	for _, id := range memberIDs {
		require.NoError(t, f.db.Create(&models.ChatMember{ChatID: chat.ID, UserID: id}).Error)
	}
	return chat.ID
}

// connect authenticates a hub connection for userID and joins it to chatIDs.
func (f *fixture) connect(t *testing.T, userID uint, chatIDs ...uint) *realtime.Client {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	c, err := f.hub.Track(nil)
	require.NoError(t, err)
	_, err = f.hub.Authenticate(context.Background(), c, token)
	require.NoError(t, err)

	for _, chatID := range chatIDs {
		require.NoError(t, f.hub.Join(c, chatID))
	}
	drain(c)
	return c
}

func recvFrame(t *testing.T, c *realtime.Client) frame {
	t.Helper()
	select {
	case data := <-c.Send:
		var fr frame
		require.NoError(t, json.Unmarshal(data, &fr))
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return frame{}
	}
}

func assertSilent(t *testing.T, c *realtime.Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected event: %s", data)
	default:
	}
}

// drain discards buffered events (presence announcements from setup).
func drain(c *realtime.Client) {
	for {
		select {
		case <-c.Send:
		default:
			return
		}
	}
}

func (f *fixture) unread(t *testing.T, chatID, userID uint) int {
	t.Helper()
	count, err := f.svc.Unread(context.Background(), chatID, userID)
	require.NoError(t, err)
	return count
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2, 3)
	chatID := f.seedChat(t, 1, 2, 3)

	sender := f.connect(t, 1, chatID)
	receiver := f.connect(t, 2, chatID)
	// User 3 is offline. Flush the presence chatter from connecting.
	drain(sender)
	drain(receiver)

	msg, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, ChatID: chatID, Content: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)

	// The room echo reaches the sender too; it doubles as the delivery ack.
	for _, c := range []*realtime.Client{sender, receiver} {
		fr := recvFrame(t, c)
		assert.Equal(t, realtime.EventNewMessage, fr.Type)
		assert.Equal(t, chatID, fr.ChatID)

		var got models.Message
		require.NoError(t, json.Unmarshal(fr.Payload, &got))
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, "hello", got.Content)
	}

	assert.Equal(t, 0, f.unread(t, chatID, 1))
	assert.Equal(t, 1, f.unread(t, chatID, 2), "unread counts even while connected; reading is explicit")
	assert.Equal(t, 1, f.unread(t, chatID, 3))
}

func TestSendMessageDuplicateSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2)
	chatID := f.seedChat(t, 1, 2)

	receiver := f.connect(t, 2, chatID)
	id := uuid.NewString()

	_, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, ChatID: chatID, MessageID: id, Content: "once"})
	require.NoError(t, err)
	recvFrame(t, receiver)

	// Retransmit with the same ID: same row back, no second event, counter still 1.
	msg, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, ChatID: chatID, MessageID: id, Content: "twice"})
	require.NoError(t, err)
	assert.Equal(t, "once", msg.Content)
	assertSilent(t, receiver)
	assert.Equal(t, 1, f.unread(t, chatID, 2))
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2, 3)
	chatID := f.seedChat(t, 1, 2)

	_, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, ChatID: chatID, Content: ""})
	requireCode(t, err, "VALIDATION_ERROR")

	// User 3 is not a member.
	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: 3, ChatID: chatID, Content: "hi"})
	requireCode(t, err, "UNAUTHORIZED")
}

func TestMarkChatRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2)
	chatID := f.seedChat(t, 1, 2)

	sender := f.connect(t, 1, chatID)

	msg, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, ChatID: chatID, Content: "read me"})
	require.NoError(t, err)
	drain(sender)

	require.NoError(t, f.svc.MarkChatRead(ctx, chatID, 2))

	fr := recvFrame(t, sender)
	assert.Equal(t, realtime.EventMessagesRead, fr.Type)

	var receipt realtime.ReadPayload
	require.NoError(t, json.Unmarshal(fr.Payload, &receipt))
	assert.Equal(t, uint(2), receipt.UserID)
	assert.Equal(t, []string{msg.ID}, receipt.MessageIDs)

	assert.Equal(t, 0, f.unread(t, chatID, 2))

	// Marking again still succeeds and carries no message IDs.
	require.NoError(t, f.svc.MarkChatRead(ctx, chatID, 2))
	fr = recvFrame(t, sender)
	require.NoError(t, json.Unmarshal(fr.Payload, &receipt))
	assert.Empty(t, receipt.MessageIDs)
}

func TestEditAndDeleteFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2)
	chatID := f.seedChat(t, 1, 2)

	receiver := f.connect(t, 2, chatID)

	msg, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, ChatID: chatID, Content: "tpyo"})
	require.NoError(t, err)
	drain(receiver)

	edited, err := f.svc.EditMessage(ctx, msg.ID, 1, "typo")
	require.NoError(t, err)
	assert.True(t, edited.Edited)

	fr := recvFrame(t, receiver)
	assert.Equal(t, realtime.EventMessageUpdated, fr.Type)

	require.NoError(t, f.svc.DeleteMessage(ctx, msg.ID, 1))
	fr = recvFrame(t, receiver)
	assert.Equal(t, realtime.EventMessageDeleted, fr.Type)

	var tombstone realtime.DeletedPayload
	require.NoError(t, json.Unmarshal(fr.Payload, &tombstone))
	assert.Equal(t, msg.ID, tombstone.MessageID)

	// Delete wins: the late edit is refused.
	_, err = f.svc.EditMessage(ctx, msg.ID, 1, "resurrect")
	requireCode(t, err, "MESSAGE_DELETED")
}

func TestReactionsFanOutSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2)
	chatID := f.seedChat(t, 1, 2)

	receiver := f.connect(t, 2, chatID)

	msg, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, ChatID: chatID, Content: "nice"})
	require.NoError(t, err)
	drain(receiver)

	_, err = f.svc.AddReaction(ctx, msg.ID, 2, "🔥")
	require.NoError(t, err)

	fr := recvFrame(t, receiver)
	assert.Equal(t, realtime.EventReactionAdded, fr.Type)

	var snapshot models.Message
	require.NoError(t, json.Unmarshal(fr.Payload, &snapshot))
	assert.True(t, snapshot.Reactions.Contains(2, "🔥"))

	_, err = f.svc.RemoveReaction(ctx, msg.ID, 2, "🔥")
	require.NoError(t, err)

	fr = recvFrame(t, receiver)
	assert.Equal(t, realtime.EventReactionRemoved, fr.Type)
	require.NoError(t, json.Unmarshal(fr.Payload, &snapshot))
	assert.Empty(t, snapshot.Reactions)
}

func TestTypingExcludesTyper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2)
	chatID := f.seedChat(t, 1, 2)

	typer := f.connect(t, 1, chatID)
	watcher := f.connect(t, 2, chatID)
	drain(typer)
	drain(watcher)

	require.NoError(t, f.svc.Typing(ctx, chatID, 1, true, 5*time.Second))

	fr := recvFrame(t, watcher)
	assert.Equal(t, realtime.EventTyping, fr.Type)

	var typing realtime.TypingPayload
	require.NoError(t, json.Unmarshal(fr.Payload, &typing))
	assert.Equal(t, uint(1), typing.UserID)
	assert.Equal(t, "user1", typing.Username)
	assert.True(t, typing.IsTyping)
	assert.Equal(t, int64(5000), typing.ExpiresInMS)

	assertSilent(t, typer)
}

func TestCreateChatNotifiesMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2)

	// User 2 is connected but obviously not in the not-yet-existing room.
	other := f.connect(t, 2)

	chat, err := f.svc.CreateChat(ctx, CreateChatInput{
		UserID:    1,
		Name:      "launch",
		IsGroup:   true,
		MemberIDs: []uint{2},
	})
	require.NoError(t, err)
	assert.Len(t, chat.Participants, 2, "creator is always a member")

	fr := recvFrame(t, other)
	assert.Equal(t, realtime.EventChatUpdate, fr.Type)
	assert.Equal(t, chat.ID, fr.ChatID)
}

func TestCreateChatValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1)

	_, err := f.svc.CreateChat(ctx, CreateChatInput{UserID: 1, IsGroup: true, MemberIDs: []uint{1}})
	requireCode(t, err, "VALIDATION_ERROR")

	_, err = f.svc.CreateChat(ctx, CreateChatInput{UserID: 1, Name: "empty"})
	requireCode(t, err, "VALIDATION_ERROR")

	// Member 99 was never created.
	_, err = f.svc.CreateChat(ctx, CreateChatInput{UserID: 1, Name: "ghosts", IsGroup: true, MemberIDs: []uint{99}})
	requireCode(t, err, "VALIDATION_ERROR")
}

func TestUpdateChatRenameFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2, 3)
	chatID := f.seedChat(t, 1, 2)

	member := f.connect(t, 2, chatID)
	drain(member)

	chat, err := f.svc.UpdateChat(ctx, chatID, 1, "renamed")
	require.NoError(t, err)
	assert.Equal(t, "renamed", chat.Name)

	fr := recvFrame(t, member)
	assert.Equal(t, realtime.EventChatUpdate, fr.Type)

	var updated models.Chat
	require.NoError(t, json.Unmarshal(fr.Payload, &updated))
	assert.Equal(t, "renamed", updated.Name)

	// Membership survives the rename.
	ok, err := repository.NewChatRepository(f.db).IsMember(ctx, chatID, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.svc.UpdateChat(ctx, chatID, 1, "  ")
	requireCode(t, err, "VALIDATION_ERROR")

	// User 3 is not a member.
	_, err = f.svc.UpdateChat(ctx, chatID, 3, "hijack")
	requireCode(t, err, "UNAUTHORIZED")
}

func TestMembershipChangeFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2, 3)
	chatID := f.seedChat(t, 1, 2)

	member := f.connect(t, 2, chatID)
	joiner := f.connect(t, 3)
	drain(member)
	drain(joiner)

	require.NoError(t, f.svc.AddMember(ctx, chatID, 1, 3))

	fr := recvFrame(t, member)
	assert.Equal(t, realtime.EventChatUpdate, fr.Type)
	fr = recvFrame(t, joiner)
	assert.Equal(t, realtime.EventChatUpdate, fr.Type, "the new member is told directly")

	drain(member)
	require.NoError(t, f.svc.RemoveMember(ctx, chatID, 1, 3))
	fr = recvFrame(t, member)
	assert.Equal(t, realtime.EventChatUpdate, fr.Type)

	ok, err := repository.NewChatRepository(f.db).IsMember(ctx, chatID, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFanOutFallsBackToLocalHub(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2)
	chatID := f.seedChat(t, 1, 2)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close() // the broker is gone; every publish fails

	l := ledger.New(f.db)
	svc := NewChatService(
		repository.NewChatRepository(f.db),
		repository.NewMessageRepository(f.db, l),
		repository.NewUserRepository(f.db),
		l,
		f.hub,
		realtime.NewNotifier(rdb),
	)

	receiver := f.connect(t, 2, chatID)
	drain(receiver)

	// A dead broker downgrades fan-out to node-local; delivery still happens.
	_, err := svc.SendMessage(ctx, SendMessageInput{UserID: 1, ChatID: chatID, Content: "still delivered"})
	require.NoError(t, err)

	fr := recvFrame(t, receiver)
	assert.Equal(t, realtime.EventNewMessage, fr.Type)
}

func TestGetMessagesEnforcesMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUsers(t, 1, 2, 3)
	chatID := f.seedChat(t, 1, 2)

	_, err := f.svc.GetMessages(ctx, chatID, 3, 50, 0)
	requireCode(t, err, "UNAUTHORIZED")

	_, err = f.svc.GetChat(ctx, chatID, 3)
	requireCode(t, err, "UNAUTHORIZED")
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code)
}
