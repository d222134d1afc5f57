package models

import (
	"time"

	"github.com/google/uuid"
)

// Group 小组模型：按城市编号、容量受限的小组（"десятка"）
type Group struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	City   string `gorm:"not null;index;uniqueIndex:idx_groups_city_number" json:"city"`
	Number int    `gorm:"not null;uniqueIndex:idx_groups_city_number" json:"number"`

	ChatRef   int64  `gorm:"uniqueIndex" json:"chat_ref"`
	InviteRef string `json:"invite_ref"`
	ChatTitle string `json:"chat_title"`

	LeaderUserID     uuid.UUID `gorm:"type:uuid;not null;index" json:"leader_user_id"`
	LeaderChatUserID int64     `gorm:"not null;index" json:"leader_chat_user_id"`

	// MemberCount is a cached copy of count(active memberships). Mutators
	// recompute it from membership rows under the group row lock.
	MemberCount int `gorm:"not null;default:1" json:"member_count"`
	Capacity    int `gorm:"not null;default:11" json:"capacity"`

	IsActive          bool `gorm:"not null;default:true" json:"is_active"`
	IsFull            bool `gorm:"not null;default:false" json:"is_full"`
	OpenForAllocation bool `gorm:"not null;default:true" json:"open_for_allocation"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Group) TableName() string {
	return "groups"
}
