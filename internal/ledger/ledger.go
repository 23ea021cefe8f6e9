// Package ledger maintains per-user unread counters and read receipts. The
// counters live on chat membership rows; the database is the source of truth
// and every mutation is a single atomic statement or transaction, so
// concurrent message sends never lose an increment.
package ledger

import (
	"context"
	"time"

	"github.com/manjit4241/chatty/internal/models"
	"github.com/manjit4241/chatty/internal/observability"

	"gorm.io/gorm"
)

// Ledger tracks unread counts and read receipts for chat members.
type Ledger struct {
	db *gorm.DB
}

// New creates a Ledger backed by the given database handle.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// IncrementUnread bumps the unread counter for every member of the chat
// except the sender. Meant to run inside the same transaction that persists
// the message, so the counter and the row commit or roll back together.
func (l *Ledger) IncrementUnread(tx *gorm.DB, chatID, senderID uint) error {
	done := observability.TrackLedgerOp("increment")
	defer done()

	return tx.Model(&models.ChatMember{}).
		Where("chat_id = ? AND user_id <> ?", chatID, senderID).
		Update("unread_count", gorm.Expr("unread_count + ?", 1)).Error
}

// MarkRead resets the reader's unread counter for the chat, stamps the read
// time, and records the reader on every message they had not yet read.
// Idempotent: marking an already-read chat changes nothing. Returns the IDs
// of the messages newly marked, so callers can fan out a receipt event.
func (l *Ledger) MarkRead(ctx context.Context, chatID, userID uint) ([]string, error) {
	done := observability.TrackLedgerOp("mark_read")
	defer done()

	var readIDs []string
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&models.ChatMember{}).
			Where("chat_id = ? AND user_id = ?", chatID, userID).
			Updates(map[string]interface{}{
				"unread_count": 0,
				"last_read_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewNotFoundError("ChatMember", userID)
		}

		var messages []models.Message
		if err := tx.
			Where("chat_id = ? AND sender_id <> ?", chatID, userID).
			Find(&messages).Error; err != nil {
			return err
		}

		for i := range messages {
			if messages[i].ReadBy.Contains(userID) {
				continue
			}
			messages[i].ReadBy = append(messages[i].ReadBy, userID)
			if err := tx.Model(&models.Message{}).
				Where("id = ?", messages[i].ID).
				Update("read_by", messages[i].ReadBy).Error; err != nil {
				return err
			}
			readIDs = append(readIDs, messages[i].ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return readIDs, nil
}

// Unread returns the reader's current unread count for the chat.
func (l *Ledger) Unread(ctx context.Context, chatID, userID uint) (int, error) {
	var member models.ChatMember
	err := l.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&member).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, models.NewNotFoundError("ChatMember", userID)
		}
		return 0, err
	}
	return member.UnreadCount, nil
}

// LastReadAt returns when the reader last marked the chat read, or nil if never.
func (l *Ledger) LastReadAt(ctx context.Context, chatID, userID uint) (*time.Time, error) {
	var member models.ChatMember
	err := l.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&member).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, models.NewNotFoundError("ChatMember", userID)
		}
		return nil, err
	}
	return member.LastReadAt, nil
}
