package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Contract tracks the downstream contract lifecycle for a conversation. The
// document itself lives with the contract provider.
type Contract struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	ConversationID string          `gorm:"size:36;not null;uniqueIndex"`
	Status         string          `gorm:"size:32;not null;default:drafting"`
	ExternalRef    string          `gorm:"size:128"`
	Compensation   decimal.Decimal `gorm:"type:decimal(12,2)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SignedAt       *time.Time
	ActivatedAt    *time.Time
	PaymentSentAt  *time.Time
}
