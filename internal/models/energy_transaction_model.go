package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transaction types.
const (
	EnergyIncome  = "income"
	EnergyExpense = "expense"
)

// EnergyTransaction 能量账本条目，只追加，过期时只翻转 isExpired 标志
type EnergyTransaction struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	UserID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Amount   int            `gorm:"not null" json:"amount"`
	Type     string         `gorm:"not null;index" json:"type"` // income, expense
	Reason   string         `gorm:"not null" json:"reason"`
	Metadata json.RawMessage `gorm:"type:jsonb" json:"metadata"`

	// ExpiresAt is set only for income rows; expense rows never expire.
	ExpiresAt *time.Time `gorm:"index" json:"expires_at"`
	IsExpired bool       `gorm:"not null;default:false" json:"is_expired"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (EnergyTransaction) TableName() string {
	return "energy_transactions"
}
