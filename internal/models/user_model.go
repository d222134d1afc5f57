package models

import (
	"time"

	"github.com/google/uuid"
)

// User 会员模型
type User struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	ChatUserID int64  `gorm:"uniqueIndex;not null" json:"chat_user_id"`
	UserName   string `gorm:"column:username" json:"username"`
	City       string `gorm:"index" json:"city"`

	// Cached energy balance. Mutated only under a row lock, always equal to
	// the derived ledger sum after each committed operation.
	Energy int `gorm:"not null;default:0" json:"energy"`

	// Subscription state (owned by the payment side, read-only here).
	IsPro               bool       `gorm:"not null;default:false" json:"is_pro"`
	SubscriptionExpires *time.Time `json:"subscription_expires"`

	IsAmbassador    bool `gorm:"not null;default:false" json:"is_ambassador"`
	LeaderQualified bool `gorm:"not null;default:false" json:"leader_qualified"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
