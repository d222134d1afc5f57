package models

import (
	"time"

	"github.com/google/uuid"
)

// Membership 小组成员资格：leftAt 为空表示在组中
type Membership struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	GroupID    uuid.UUID `gorm:"type:uuid;not null;index" json:"group_id"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	ChatUserID int64     `gorm:"not null;index" json:"chat_user_id"`
	IsLeader   bool      `gorm:"not null;default:false" json:"is_leader"`

	JoinedAt time.Time  `gorm:"not null" json:"joined_at"`
	LeftAt   *time.Time `json:"left_at"`
}

func (Membership) TableName() string {
	return "memberships"
}

// Active reports whether the membership has not been closed.
func (m *Membership) Active() bool {
	return m.LeftAt == nil
}
