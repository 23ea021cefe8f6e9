package server

import (
	"github.com/manjit4241/chatty/internal/models"
	"github.com/manjit4241/chatty/internal/service"

	"github.com/gofiber/fiber/v2"
)

// CreateChat handles POST /api/chats
func (s *Server) CreateChat(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	var req struct {
		Name      string `json:"name"`
		IsGroup   bool   `json:"is_group"`
		MemberIDs []uint `json:"member_ids"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	chat, err := s.chatService.CreateChat(ctx, service.CreateChatInput{
		UserID:    userID,
		Name:      req.Name,
		IsGroup:   req.IsGroup,
		MemberIDs: req.MemberIDs,
	})
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusCreated).JSON(chat)
}

// GetChats handles GET /api/chats
func (s *Server) GetChats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	chats, err := s.chatService.GetChats(ctx, userID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusOK).JSON(chats)
}

// GetChat handles GET /api/chats/:id
func (s *Server) GetChat(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	chatID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	chat, err := s.chatService.GetChat(ctx, chatID, userID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusOK).JSON(chat)
}

// UpdateChat handles PUT /api/chats/:id
func (s *Server) UpdateChat(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	chatID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Name string `json:"name"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	chat, err := s.chatService.UpdateChat(ctx, chatID, userID, req.Name)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusOK).JSON(chat)
}

// GetMessages handles GET /api/chats/:id/messages
func (s *Server) GetMessages(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	chatID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	p := parsePagination(c, 50)
	messages, err := s.chatService.GetMessages(ctx, chatID, userID, p.Limit, p.Offset)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusOK).JSON(messages)
}

// SendMessage handles POST /api/chats/:id/messages
func (s *Server) SendMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	chatID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		MessageID   string `json:"message_id,omitempty"`
		Content     string `json:"content"`
		MessageType string `json:"message_type,omitempty"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	message, err := s.chatService.SendMessage(ctx, service.SendMessageInput{
		UserID:      userID,
		ChatID:      chatID,
		MessageID:   req.MessageID,
		Content:     req.Content,
		MessageType: req.MessageType,
	})
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusCreated).JSON(message)
}

// EditMessage handles PUT /api/messages/:messageId
func (s *Server) EditMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	msgID, err := s.parseMessageID(c)
	if err != nil {
		return nil
	}

	var req struct {
		Content string `json:"content"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	message, err := s.chatService.EditMessage(ctx, msgID, userID, req.Content)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusOK).JSON(message)
}

// DeleteMessage handles DELETE /api/messages/:messageId
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	msgID, err := s.parseMessageID(c)
	if err != nil {
		return nil
	}

	if err := s.chatService.DeleteMessage(ctx, msgID, userID); err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// AddReaction handles POST /api/messages/:messageId/reactions
func (s *Server) AddReaction(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	msgID, err := s.parseMessageID(c)
	if err != nil {
		return nil
	}

	var req struct {
		Emoji string `json:"emoji"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	message, err := s.chatService.AddReaction(ctx, msgID, userID, req.Emoji)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusOK).JSON(message)
}

// RemoveReaction handles DELETE /api/messages/:messageId/reactions
func (s *Server) RemoveReaction(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	msgID, err := s.parseMessageID(c)
	if err != nil {
		return nil
	}

	var req struct {
		Emoji string `json:"emoji"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	message, err := s.chatService.RemoveReaction(ctx, msgID, userID, req.Emoji)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusOK).JSON(message)
}

// MarkChatRead handles POST /api/chats/:id/read
func (s *Server) MarkChatRead(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	chatID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if err := s.chatService.MarkChatRead(ctx, chatID, userID); err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"chat_id": chatID, "unread_count": 0})
}

// GetUnread handles GET /api/chats/:id/unread
func (s *Server) GetUnread(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	chatID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	count, err := s.chatService.Unread(ctx, chatID, userID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"chat_id": chatID, "unread_count": count})
}

// AddMember handles POST /api/chats/:id/members
func (s *Server) AddMember(c *fiber.Ctx) error {
	ctx := c.UserContext()
	actorID := c.Locals("userID").(uint)
	chatID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		UserID uint `json:"user_id"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil || req.UserID == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	if err := s.chatService.AddMember(ctx, chatID, actorID, req.UserID); err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// RemoveMember handles DELETE /api/chats/:id/members/:userId
func (s *Server) RemoveMember(c *fiber.Ctx) error {
	ctx := c.UserContext()
	actorID := c.Locals("userID").(uint)
	chatID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	userID, err := s.parseID(c, "userId")
	if err != nil {
		return nil
	}

	if err := s.chatService.RemoveMember(ctx, chatID, actorID, userID); err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// GetOnlineUsers handles GET /api/presence/online
func (s *Server) GetOnlineUsers(c *fiber.Ctx) error {
	ids := s.hub.OnlineUserIDs(c.UserContext())
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"user_ids": ids})
}
