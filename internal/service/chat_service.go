// Package service provides the chat application's business logic.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/manjit4241/chatty/internal/ledger"
	"github.com/manjit4241/chatty/internal/models"
	"github.com/manjit4241/chatty/internal/observability"
	"github.com/manjit4241/chatty/internal/realtime"
	"github.com/manjit4241/chatty/internal/repository"
)

// ChatService coordinates persistence and realtime fan-out for every chat
// operation. Persistence commits first; fan-out is best-effort and a failed
// broadcast never rolls back or surfaces to the caller. Clients reconcile
// missed events through history fetches.
type ChatService struct {
	chatRepo repository.ChatRepository
	msgRepo  repository.MessageRepository
	userRepo repository.UserRepository
	ledger   *ledger.Ledger
	hub      *realtime.Hub
	notifier *realtime.Notifier
	events   *observability.EventLogger
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	UserID      uint
	ChatID      uint
	MessageID   string // optional client-supplied idempotence key
	Content     string
	MessageType string
}

// CreateChatInput is the input for creating a chat.
type CreateChatInput struct {
	UserID    uint
	Name      string
	IsGroup   bool
	MemberIDs []uint
}

// NewChatService returns a new ChatService.
func NewChatService(
	chatRepo repository.ChatRepository,
	msgRepo repository.MessageRepository,
	userRepo repository.UserRepository,
	l *ledger.Ledger,
	hub *realtime.Hub,
	notifier *realtime.Notifier,
) *ChatService {
	return &ChatService{
		chatRepo: chatRepo,
		msgRepo:  msgRepo,
		userRepo: userRepo,
		ledger:   l,
		hub:      hub,
		notifier: notifier,
		events:   observability.NewEventLogger("chat"),
	}
}

// SendMessage persists the message, bumps every other member's unread
// counter, and fans out new-message to the chat's room, sender included (the
// echo doubles as the delivery ack). A resent message ID returns the existing
// row and fans out nothing.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	ctx, span := observability.TraceOperation(ctx, "ChatService", "SendMessage")
	defer span.End()

	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return nil, models.NewValidationError("Message content is required")
	}
	if err := s.requireMember(ctx, in.ChatID, in.UserID); err != nil {
		return nil, err
	}

	msgType := in.MessageType
	if msgType == "" {
		msgType = "text"
	}
	msg := &models.Message{
		ID:          in.MessageID,
		ChatID:      in.ChatID,
		SenderID:    in.UserID,
		Content:     in.Content,
		MessageType: msgType,
		Reactions:   models.ReactionList{},
		ReadBy:      models.UserIDList{},
	}

	created, err := s.msgRepo.Create(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !created {
		// Duplicate delivery; the original already fanned out.
		return msg, nil
	}

	observability.MessageThroughput.WithLabelValues("sent").Inc()
	s.fanOutToChat(ctx, in.ChatID, realtime.Event{
		Type:    realtime.EventNewMessage,
		ChatID:  in.ChatID,
		UserID:  in.UserID,
		Payload: msg,
	}, 0)

	return msg, nil
}

// EditMessage updates message content and fans out message-updated. Editing
// a deleted message fails with MESSAGE_DELETED; delete wins over edit.
func (s *ChatService) EditMessage(ctx context.Context, msgID string, userID uint, content string) (*models.Message, error) {
	if content == "" {
		return nil, models.NewValidationError("Message content is required")
	}

	msg, err := s.msgRepo.UpdateContent(ctx, msgID, userID, content)
	if err != nil {
		return nil, err
	}

	s.fanOutToChat(ctx, msg.ChatID, realtime.Event{
		Type:    realtime.EventMessageUpdated,
		ChatID:  msg.ChatID,
		UserID:  userID,
		Payload: msg,
	}, 0)

	return msg, nil
}

// DeleteMessage tombstones the message and fans out message-deleted carrying
// the ID only. Idempotent: re-deleting fans out again but changes nothing.
func (s *ChatService) DeleteMessage(ctx context.Context, msgID string, userID uint) error {
	msg, err := s.msgRepo.SoftDelete(ctx, msgID, userID)
	if err != nil {
		return err
	}

	s.fanOutToChat(ctx, msg.ChatID, realtime.Event{
		Type:   realtime.EventMessageDeleted,
		ChatID: msg.ChatID,
		UserID: userID,
		Payload: realtime.DeletedPayload{
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
		},
	}, 0)

	return nil
}

// AddReaction appends a reaction and fans out the full reaction list as a
// snapshot. Reacting twice with the same emoji is a no-op that still acks.
func (s *ChatService) AddReaction(ctx context.Context, msgID string, userID uint, emoji string) (*models.Message, error) {
	if emoji == "" {
		return nil, models.NewValidationError("Emoji is required")
	}

	msg, err := s.msgRepo.AddReaction(ctx, msgID, userID, emoji)
	if err != nil {
		return nil, err
	}

	s.fanOutToChat(ctx, msg.ChatID, realtime.Event{
		Type:    realtime.EventReactionAdded,
		ChatID:  msg.ChatID,
		UserID:  userID,
		Payload: msg,
	}, 0)

	return msg, nil
}

// RemoveReaction drops a reaction and fans out the full reaction list.
// Removing an absent reaction is a no-op.
func (s *ChatService) RemoveReaction(ctx context.Context, msgID string, userID uint, emoji string) (*models.Message, error) {
	msg, err := s.msgRepo.RemoveReaction(ctx, msgID, userID, emoji)
	if err != nil {
		return nil, err
	}

	s.fanOutToChat(ctx, msg.ChatID, realtime.Event{
		Type:    realtime.EventReactionRemoved,
		ChatID:  msg.ChatID,
		UserID:  userID,
		Payload: msg,
	}, 0)

	return msg, nil
}

// MarkChatRead resets the reader's unread counter and fans out messages-read
// to the chat's room so senders can flip their read indicators. Marking an
// already-read chat still acks but moves nothing.
func (s *ChatService) MarkChatRead(ctx context.Context, chatID, userID uint) error {
	ctx, span := observability.TraceOperation(ctx, "ChatService", "MarkChatRead")
	defer span.End()

	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return err
	}

	readIDs, err := s.ledger.MarkRead(ctx, chatID, userID)
	if err != nil {
		return err
	}

	s.fanOutToChat(ctx, chatID, realtime.Event{
		Type:   realtime.EventMessagesRead,
		ChatID: chatID,
		UserID: userID,
		Payload: realtime.ReadPayload{
			ChatID:     chatID,
			UserID:     userID,
			ReadAt:     time.Now(),
			MessageIDs: readIDs,
		},
	}, 0)

	return nil
}

// Typing fans out a typing indicator to the chat's room, excluding the
// typer's own connections. Nothing persists; a lost typing event self-heals
// through receiver-side expiry.
func (s *ChatService) Typing(ctx context.Context, chatID, userID uint, isTyping bool, expiry time.Duration) error {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return err
	}

	var username string
	if user, err := s.userRepo.GetByID(ctx, userID); err == nil {
		username = user.Username
	}

	s.fanOutToChat(ctx, chatID, realtime.Event{
		Type:   realtime.EventTyping,
		ChatID: chatID,
		UserID: userID,
		Payload: realtime.TypingPayload{
			UserID:      userID,
			Username:    username,
			IsTyping:    isTyping,
			ExpiresInMS: expiry.Milliseconds(),
		},
	}, userID)

	return nil
}

// CreateChat creates the chat with its initial members and pushes chat-update
// to each member's live connections. Offline members discover the chat on
// their next list fetch.
func (s *ChatService) CreateChat(ctx context.Context, in CreateChatInput) (*models.Chat, error) {
	if in.IsGroup && in.Name == "" {
		return nil, models.NewValidationError("Group chats require a name")
	}
	if len(in.MemberIDs) == 0 {
		return nil, models.NewValidationError("At least one member is required")
	}

	memberIDs := dedupe(in.MemberIDs)
	if !contains(memberIDs, in.UserID) {
		memberIDs = append([]uint{in.UserID}, memberIDs...)
	}

	// Every member must exist; a membership row pointing at a missing user
	// would poison fan-out and list queries for everyone in the chat.
	users, err := s.userRepo.GetByIDs(ctx, memberIDs)
	if err != nil {
		return nil, err
	}
	if len(users) != len(memberIDs) {
		return nil, models.NewValidationError("One or more members do not exist")
	}

	chat := &models.Chat{
		Name:      in.Name,
		IsGroup:   in.IsGroup,
		CreatedBy: in.UserID,
	}
	if err := s.chatRepo.CreateChat(ctx, chat, memberIDs); err != nil {
		return nil, err
	}

	full, err := s.chatRepo.GetChat(ctx, chat.ID)
	if err != nil {
		return nil, err
	}

	ev := realtime.Event{
		Type:    realtime.EventChatUpdate,
		ChatID:  full.ID,
		UserID:  in.UserID,
		Payload: full,
	}
	for _, memberID := range memberIDs {
		s.fanOutToUser(ctx, memberID, ev)
	}

	return full, nil
}

// UpdateChat renames the chat and fans out chat-update to the room. Any
// member may rename; the payload carries the full updated chat so receivers
// replace their copy wholesale.
func (s *ChatService) UpdateChat(ctx context.Context, chatID, userID uint, name string) (*models.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.NewValidationError("Chat name is required")
	}
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}

	chat, err := s.chatRepo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	chat.Name = name
	if err := s.chatRepo.UpdateChat(ctx, chat); err != nil {
		return nil, err
	}

	s.fanOutToChat(ctx, chatID, realtime.Event{
		Type:    realtime.EventChatUpdate,
		ChatID:  chatID,
		UserID:  userID,
		Payload: chat,
	}, 0)

	return chat, nil
}

// AddMember adds a user to a chat and notifies the chat plus the new member.
func (s *ChatService) AddMember(ctx context.Context, chatID, actorID, userID uint) error {
	if err := s.requireMember(ctx, chatID, actorID); err != nil {
		return err
	}
	if _, err := s.userRepo.GetByID(ctx, userID); err != nil {
		return err
	}
	if err := s.chatRepo.AddMember(ctx, chatID, userID); err != nil {
		return err
	}

	full, err := s.chatRepo.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	ev := realtime.Event{
		Type:    realtime.EventChatUpdate,
		ChatID:  chatID,
		UserID:  actorID,
		Payload: full,
	}
	s.fanOutToChat(ctx, chatID, ev, 0)
	s.fanOutToUser(ctx, userID, ev)
	return nil
}

// RemoveMember removes a user from a chat and notifies the room.
func (s *ChatService) RemoveMember(ctx context.Context, chatID, actorID, userID uint) error {
	if actorID != userID {
		if err := s.requireMember(ctx, chatID, actorID); err != nil {
			return err
		}
	}
	if err := s.chatRepo.RemoveMember(ctx, chatID, userID); err != nil {
		return err
	}

	full, err := s.chatRepo.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	s.fanOutToChat(ctx, chatID, realtime.Event{
		Type:    realtime.EventChatUpdate,
		ChatID:  chatID,
		UserID:  actorID,
		Payload: full,
	}, 0)
	return nil
}

// GetChats returns the user's chats with unread counts.
func (s *ChatService) GetChats(ctx context.Context, userID uint) ([]*models.Chat, error) {
	return s.chatRepo.GetUserChats(ctx, userID)
}

// GetChat returns one chat, enforcing membership.
func (s *ChatService) GetChat(ctx context.Context, chatID, userID uint) (*models.Chat, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.chatRepo.GetChat(ctx, chatID)
}

// GetMessages returns a page of chat history, newest first.
func (s *ChatService) GetMessages(ctx context.Context, chatID, userID uint, limit, offset int) ([]*models.Message, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.msgRepo.GetChatMessages(ctx, chatID, limit, offset)
}

// Unread returns the user's unread count for the chat.
func (s *ChatService) Unread(ctx context.Context, chatID, userID uint) (int, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return 0, err
	}
	return s.ledger.Unread(ctx, chatID, userID)
}

func (s *ChatService) requireMember(ctx context.Context, chatID, userID uint) error {
	ok, err := s.chatRepo.IsMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return models.NewUnauthorizedError("access chat")
	}
	return nil
}

// fanOutToChat publishes the event to the chat's room. With Redis available
// the event goes through pub/sub so every node's subscribers see it; without
// Redis it goes straight to the local hub. excludeUserID skips that user's
// connections on direct delivery; cross-node exclusion rides on ev.UserID.
func (s *ChatService) fanOutToChat(ctx context.Context, chatID uint, ev realtime.Event, excludeUserID uint) {
	if s.notifier != nil && s.notifier.Available() {
		if err := s.notifier.PublishChatEvent(ctx, chatID, ev); err == nil {
			return
		} else {
			s.events.LogDeliveryFailure(ctx, string(ev.Type), chatID, err)
		}
	}
	if s.hub != nil {
		s.hub.BroadcastToChat(chatID, ev, excludeUserID)
	}
}

func (s *ChatService) fanOutToUser(ctx context.Context, userID uint, ev realtime.Event) {
	if s.notifier != nil && s.notifier.Available() {
		if err := s.notifier.PublishUserEvent(ctx, userID, ev); err == nil {
			return
		} else {
			s.events.LogDeliveryFailure(ctx, string(ev.Type), ev.ChatID, err)
		}
	}
	if s.hub != nil {
		s.hub.BroadcastToUser(userID, ev)
	}
}

func contains(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// dedupe drops repeated IDs, keeping first-occurrence order.
func dedupe(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
