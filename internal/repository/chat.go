// Package repository provides data access over GORM.
package repository

import (
	"context"
	"errors"

	"github.com/manjit4241/chatty/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository defines the interface for chat and membership operations.
type ChatRepository interface {
	CreateChat(ctx context.Context, chat *models.Chat, memberIDs []uint) error
	GetChat(ctx context.Context, id uint) (*models.Chat, error)
	GetUserChats(ctx context.Context, userID uint) ([]*models.Chat, error)
	AddMember(ctx context.Context, chatID, userID uint) error
	RemoveMember(ctx context.Context, chatID, userID uint) error
	IsMember(ctx context.Context, chatID, userID uint) (bool, error)
	MemberIDs(ctx context.Context, chatID uint) ([]uint, error)
	UpdateChat(ctx context.Context, chat *models.Chat) error
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// CreateChat persists the chat and its initial membership rows in one
// transaction. Membership rows are created explicitly (not via the
// association) so the unread ledger columns get their defaults.
func (r *chatRepository) CreateChat(ctx context.Context, chat *models.Chat, memberIDs []uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Participants").Create(chat).Error; err != nil {
			return err
		}
		for _, userID := range memberIDs {
			member := models.ChatMember{ChatID: chat.ID, UserID: userID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *chatRepository) GetChat(ctx context.Context, id uint) (*models.Chat, error) {
	var chat models.Chat
	err := r.db.WithContext(ctx).
		Preload("Participants").
		First(&chat, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Chat", id)
		}
		return nil, err
	}
	return &chat, nil
}

// GetUserChats returns the user's chats, newest activity first, each carrying
// that user's unread count from the ledger.
func (r *chatRepository) GetUserChats(ctx context.Context, userID uint) ([]*models.Chat, error) {
	var chats []*models.Chat
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_members cm ON chats.id = cm.chat_id").
		Where("cm.user_id = ?", userID).
		Select("chats.*, COALESCE(cm.unread_count, 0) as unread_count").
		Preload("Participants").
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Where("deleted = ?", false).Order("created_at DESC").Limit(1)
		}).
		Preload("Messages.Sender").
		Order("chats.updated_at DESC").
		Find(&chats).Error
	return chats, err
}

func (r *chatRepository) AddMember(ctx context.Context, chatID, userID uint) error {
	member := models.ChatMember{ChatID: chatID, UserID: userID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error
}

func (r *chatRepository) RemoveMember(ctx context.Context, chatID, userID uint) error {
	return r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Delete(&models.ChatMember{}).Error
}

func (r *chatRepository) IsMember(ctx context.Context, chatID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ChatMember{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	return count > 0, err
}

func (r *chatRepository) MemberIDs(ctx context.Context, chatID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.ChatMember{}).
		Where("chat_id = ?", chatID).
		Pluck("user_id", &ids).Error
	return ids, err
}

// UpdateChat persists the chat row itself; associations loaded on the struct
// (Participants, Messages) are left alone.
func (r *chatRepository) UpdateChat(ctx context.Context, chat *models.Chat) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(chat).Error
}
