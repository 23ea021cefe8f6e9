package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/manjit4241/chatty/internal/ledger"
	"github.com/manjit4241/chatty/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository defines the interface for message data operations.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) (created bool, err error)
	GetByID(ctx context.Context, id string) (*models.Message, error)
	GetChatMessages(ctx context.Context, chatID uint, limit, offset int) ([]*models.Message, error)
	UpdateContent(ctx context.Context, id string, senderID uint, content string) (*models.Message, error)
	SoftDelete(ctx context.Context, id string, senderID uint) (*models.Message, error)
	AddReaction(ctx context.Context, id string, userID uint, emoji string) (*models.Message, error)
	RemoveReaction(ctx context.Context, id string, userID uint, emoji string) (*models.Message, error)
}

type messageRepository struct {
	db     *gorm.DB
	ledger *ledger.Ledger
}

// NewMessageRepository creates a repository that persists messages and keeps
// the unread ledger in step with every create.
func NewMessageRepository(db *gorm.DB, l *ledger.Ledger) MessageRepository {
	return &messageRepository{db: db, ledger: l}
}

// Create persists the message and increments every other member's unread
// counter in one transaction. The message ID is the idempotence key: if a
// row with the same ID already exists, the existing row is loaded into msg,
// no counter moves, and created is false. A resend after a lost ack is
// therefore safe.
func (r *messageRepository) Create(ctx context.Context, msg *models.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if err := r.ledger.IncrementUnread(tx, msg.ChatID, msg.SenderID); err != nil {
			return err
		}
		return tx.Model(&models.Chat{}).
			Where("id = ?", msg.ChatID).
			Update("updated_at", time.Now()).Error
	})
	if err == nil {
		return true, nil
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		existing, lookupErr := r.GetByID(ctx, msg.ID)
		if lookupErr != nil {
			return false, lookupErr
		}
		*msg = *existing
		return false, nil
	}
	return false, err
}

func (r *messageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Preload("Sender").First(&msg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", id)
		}
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) GetChatMessages(ctx context.Context, chatID uint, limit, offset int) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Preload("Sender").
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	return messages, err
}

// UpdateContent edits a message's content. Delete wins: the guard clause
// refuses to touch a deleted row, so an edit racing a delete surfaces as
// MESSAGE_DELETED instead of resurrecting content.
func (r *messageRepository) UpdateContent(ctx context.Context, id string, senderID uint, content string) (*models.Message, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND sender_id = ? AND deleted = ?", id, senderID, false).
		Updates(map[string]interface{}{
			"content": content,
			"edited":  true,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, r.classifyGuardMiss(ctx, id, senderID)
	}
	return r.GetByID(ctx, id)
}

// SoftDelete tombstones the message and blanks its content. Idempotent:
// deleting a deleted message returns the tombstone unchanged.
func (r *messageRepository) SoftDelete(ctx context.Context, id string, senderID uint) (*models.Message, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND sender_id = ? AND deleted = ?", id, senderID, false).
		Updates(map[string]interface{}{
			"deleted": true,
			"content": "",
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		msg, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if msg.SenderID != senderID {
			return nil, models.NewUnauthorizedError("delete message")
		}
		// Already deleted; return the tombstone.
		return msg, nil
	}
	return r.GetByID(ctx, id)
}

// AddReaction appends a reaction under a row lock and returns the message
// with the full reaction list. Duplicate (user, emoji) pairs are no-ops.
func (r *messageRepository) AddReaction(ctx context.Context, id string, userID uint, emoji string) (*models.Message, error) {
	return r.mutateReactions(ctx, id, func(msg *models.Message) bool {
		if msg.Reactions.Contains(userID, emoji) {
			return false
		}
		msg.Reactions = append(msg.Reactions, models.Reaction{UserID: userID, Emoji: emoji})
		return true
	})
}

// RemoveReaction drops a reaction under a row lock. Removing an absent
// reaction is a no-op.
func (r *messageRepository) RemoveReaction(ctx context.Context, id string, userID uint, emoji string) (*models.Message, error) {
	return r.mutateReactions(ctx, id, func(msg *models.Message) bool {
		kept := msg.Reactions[:0]
		removed := false
		for _, reaction := range msg.Reactions {
			if reaction.UserID == userID && reaction.Emoji == emoji {
				removed = true
				continue
			}
			kept = append(kept, reaction)
		}
		msg.Reactions = kept
		return removed
	})
}

// mutateReactions loads the message FOR UPDATE, applies mutate, and writes the
// full list back. The lock serializes concurrent reactors so last-write-wins
// on the whole column cannot drop a reaction.
func (r *messageRepository) mutateReactions(ctx context.Context, id string, mutate func(*models.Message) bool) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&msg, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("Message", id)
			}
			return err
		}
		if msg.Deleted {
			return models.NewMessageDeletedError(id)
		}
		if !mutate(&msg) {
			return nil
		}
		return tx.Model(&models.Message{}).
			Where("id = ?", id).
			Update("reactions", msg.Reactions).Error
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// classifyGuardMiss distinguishes why a guarded update matched zero rows:
// missing, deleted, or not owned by the caller.
func (r *messageRepository) classifyGuardMiss(ctx context.Context, id string, senderID uint) error {
	msg, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if msg.Deleted {
		return models.NewMessageDeletedError(id)
	}
	if msg.SenderID != senderID {
		return models.NewUnauthorizedError("edit message")
	}
	return models.NewNotFoundError("Message", id)
}

// isUniqueViolation matches Postgres and SQLite unique constraint errors that
// GORM does not always translate to ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "duplicate key value") ||
		strings.Contains(s, "UNIQUE constraint failed")
}
