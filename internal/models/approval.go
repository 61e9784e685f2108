package models

import "time"

// HumanApproval is a queued decision awaiting an operator. At most one row
// per conversation may be pending.
type HumanApproval struct {
	ID              string `gorm:"primaryKey;size:36"`
	ConversationID  string `gorm:"size:36;not null;index:idx_approval_conv_status"`
	Summary         string `gorm:"type:text"`
	ProposedAction  string `gorm:"type:text"`
	Analysis        string `gorm:"type:json"`
	Reasons         string `gorm:"type:json"`
	Status          string `gorm:"size:16;not null;default:pending;index:idx_approval_conv_status"`
	ResolutionNotes string `gorm:"type:text"`
	ResolvedBy      string `gorm:"size:64"`
	MergeCount      int    `gorm:"default:0"`
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}
