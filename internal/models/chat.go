// Package models contains data structures for the application's domain models.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Chat represents a conversation (1-on-1 or group).
type Chat struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Name         string         `json:"name"` // For group chats
	IsGroup      bool           `gorm:"default:false" json:"is_group"`
	Avatar       string         `json:"avatar"`
	CreatedBy    uint           `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	Participants []User         `gorm:"many2many:chat_members;" json:"participants,omitempty"`
	Messages     []Message      `gorm:"foreignKey:ChatID" json:"messages,omitempty"`
	UnreadCount  int            `gorm:"-" json:"unread_count"`
}

// ChatMember is the join table between chats and users. It also carries the
// per-(chat,user) unread ledger: the denormalized counter plus the read marker.
type ChatMember struct {
	ChatID      uint       `gorm:"primaryKey" json:"chat_id"`
	UserID      uint       `gorm:"primaryKey" json:"user_id"`
	JoinedAt    time.Time  `gorm:"autoCreateTime" json:"joined_at"`
	LastReadAt  *time.Time `json:"last_read_at,omitempty"`
	UnreadCount int        `gorm:"default:0" json:"unread_count"`
}

// Message represents one chat message. Identity is the client-suppliable UUID,
// so a resend after a lost ack is a no-op instead of a duplicate insert.
// Content is immutable except for the edited/deleted/reactions/read_by fields.
type Message struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	ChatID      uint         `gorm:"not null;index" json:"chat_id"`
	Chat        *Chat        `gorm:"foreignKey:ChatID" json:"chat,omitempty"`
	SenderID    uint         `gorm:"not null;index" json:"sender_id"`
	Sender      *User        `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Content     string       `gorm:"type:text" json:"content"`
	MessageType string       `gorm:"default:'text'" json:"message_type"` // text, image, file
	Edited      bool         `gorm:"default:false" json:"edited"`
	Deleted     bool         `gorm:"default:false" json:"deleted"`
	Reactions   ReactionList `gorm:"type:json" json:"reactions"`
	ReadBy      UserIDList   `gorm:"type:json" json:"read_by"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	UserID uint   `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// ReactionList is a JSON-serialized slice of reactions stored in one column.
// Events carry the full list as a snapshot, never a delta, so concurrent
// reactors cannot lose each other's updates on the client side.
type ReactionList []Reaction

// Value implements driver.Valuer for GORM.
func (l ReactionList) Value() (driver.Value, error) {
	if l == nil {
		l = ReactionList{}
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for GORM.
func (l *ReactionList) Scan(value interface{}) error {
	if value == nil {
		*l = ReactionList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported reaction list type %T", value)
	}
}

// Contains reports whether the list holds a reaction by userID with emoji.
func (l ReactionList) Contains(userID uint, emoji string) bool {
	for _, r := range l {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// UserIDList is a JSON-serialized slice of user IDs stored in one column.
type UserIDList []uint

// Value implements driver.Valuer for GORM.
func (l UserIDList) Value() (driver.Value, error) {
	if l == nil {
		l = UserIDList{}
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for GORM.
func (l *UserIDList) Scan(value interface{}) error {
	if value == nil {
		*l = UserIDList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported user id list type %T", value)
	}
}

// Contains reports whether userID is present.
func (l UserIDList) Contains(userID uint) bool {
	for _, id := range l {
		if id == userID {
			return true
		}
	}
	return false
}
