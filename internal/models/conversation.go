package models

import "time"

// Conversation is the negotiation thread between a brand campaign and one
// creator. The (CampaignID, CreatorID) pair is unique; ID is a surrogate.
type Conversation struct {
	ID                  string    `gorm:"primaryKey;size:36"`
	CampaignID          string    `gorm:"size:64;not null;uniqueIndex:idx_conversation_key"`
	CreatorID           string    `gorm:"size:64;not null;uniqueIndex:idx_conversation_key"`
	CreatorAddress      string    `gorm:"size:256"`
	Stage               string    `gorm:"size:32;not null;default:initiated;index"`
	ThreadRef           string    `gorm:"size:256"`
	Version             int64     `gorm:"not null;default:0"`
	LastMessageAt       *time.Time
	StageChangedAt      time.Time `gorm:"index"`
	ContractRequestedAt *time.Time
	PaymentRequestedAt  *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time

	Messages    []Message         `gorm:"foreignKey:ConversationID"`
	Approvals   []HumanApproval   `gorm:"foreignKey:ConversationID"`
	Transitions []StageTransition `gorm:"foreignKey:ConversationID"`
}

// StageTransition is the audit row written for every stage change.
type StageTransition struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:36;not null;index"`
	FromStage      string `gorm:"size:32"`
	ToStage        string `gorm:"size:32;not null"`
	Reason         string `gorm:"type:text"`
	Actor          string `gorm:"size:64"`
	Override       bool   `gorm:"default:false"`
	CreatedAt      time.Time
}
