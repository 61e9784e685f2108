package models

import "time"

// Sender types.
const (
	SenderBrand    = "brand"
	SenderAISystem = "ai-system"
	SenderCreator  = "creator"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionSystem   = "system"
)

// Outbound delivery states.
const (
	DeliveryQueued = "queued"
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// Message is one entry of a conversation ledger. Sequence is assigned at
// append time and is unique per conversation, as is ProviderMessageID when set.
type Message struct {
	ID                string  `gorm:"primaryKey;size:36"`
	ConversationID    string  `gorm:"size:36;not null;uniqueIndex:idx_conversation_sequence;uniqueIndex:idx_conversation_provider_msg"`
	Sequence          int     `gorm:"not null;uniqueIndex:idx_conversation_sequence"`
	SenderType        string  `gorm:"size:16;not null"`
	SenderAddress     string  `gorm:"size:256"`
	Direction         string  `gorm:"size:16;not null"`
	Subject           string  `gorm:"size:512"`
	BodyText          string  `gorm:"type:mediumtext"`
	Attachments       string  `gorm:"type:json"` // JSON array of attachment references
	ProviderMessageID *string `gorm:"size:256;uniqueIndex:idx_conversation_provider_msg"`
	DeliveryStatus    string  `gorm:"size:16"`
	SentAt            *time.Time
	ReceivedAt        *time.Time
	CreatedAt         time.Time
}

// IsInbound reports whether the message came from the creator.
func (m *Message) IsInbound() bool {
	return m.Direction == DirectionInbound
}
