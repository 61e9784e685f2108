// Package ledger implements the append-only message ledger of a conversation.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

// DefaultPageSize is the batch size ListSince reads per query.
const DefaultPageSize = 100

// ErrDuplicateMessage is returned by Append when the provider message id is
// already recorded for the conversation.
var ErrDuplicateMessage = errors.New("ledger: duplicate message")

// Entry is the caller-supplied part of a message. Sequence, ID and
// timestamps are assigned by Append.
type Entry struct {
	SenderType        string
	SenderAddress     string
	Direction         string
	Subject           string
	BodyText          string
	Attachments       []string
	ProviderMessageID string
	DeliveryStatus    string
	At                time.Time // received time for inbound, sent time for delivered outbound
}

// Append records a message at the end of the conversation ledger and returns
// it with its assigned sequence. It must run inside the transaction that
// holds the conversation's version check, which serializes sequence
// assignment per conversation.
func Append(tx *gorm.DB, conversationID string, e Entry) (*models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("ledger: conversationID is required")
	}
	if e.SenderType == "" {
		return nil, fmt.Errorf("ledger: sender type is required")
	}
	if e.Direction == "" {
		return nil, fmt.Errorf("ledger: direction is required")
	}

	var providerID *string
	if e.ProviderMessageID != "" {
		exists, err := HasProviderMessage(tx, conversationID, e.ProviderMessageID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMessage, e.ProviderMessageID)
		}
		id := e.ProviderMessageID
		providerID = &id
	}

	seq, err := nextSequence(tx, conversationID)
	if err != nil {
		return nil, err
	}

	attachments := "[]"
	if len(e.Attachments) > 0 {
		data, err := json.Marshal(e.Attachments)
		if err != nil {
			return nil, fmt.Errorf("ledger: marshal attachments: %w", err)
		}
		attachments = string(data)
	}

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	msg := models.Message{
		ID:                uuid.NewString(),
		ConversationID:    conversationID,
		Sequence:          seq,
		SenderType:        e.SenderType,
		SenderAddress:     e.SenderAddress,
		Direction:         e.Direction,
		Subject:           e.Subject,
		BodyText:          e.BodyText,
		Attachments:       attachments,
		ProviderMessageID: providerID,
		DeliveryStatus:    e.DeliveryStatus,
	}
	switch e.Direction {
	case models.DirectionInbound:
		msg.ReceivedAt = &at
	case models.DirectionSystem:
		msg.SentAt = &at
	case models.DirectionOutbound:
		if e.DeliveryStatus == models.DeliverySent {
			msg.SentAt = &at
		}
	}

	if err := tx.Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("ledger: append to %s: %w", conversationID, err)
	}
	return &msg, nil
}

// HasProviderMessage reports whether providerMessageID is already recorded.
func HasProviderMessage(db *gorm.DB, conversationID, providerMessageID string) (bool, error) {
	var count int64
	if err := db.Model(&models.Message{}).
		Where("conversation_id = ? AND provider_message_id = ?", conversationID, providerMessageID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("ledger: check provider message %s: %w", providerMessageID, err)
	}
	return count > 0, nil
}

// MarkDelivered records successful delivery of a queued outbound message.
func MarkDelivered(tx *gorm.DB, messageID, providerMessageID string, sentAt time.Time) error {
	updates := map[string]interface{}{
		"delivery_status": models.DeliverySent,
		"sent_at":         sentAt,
	}
	if providerMessageID != "" {
		updates["provider_message_id"] = providerMessageID
	}
	result := tx.Model(&models.Message{}).
		Where("id = ? AND delivery_status = ?", messageID, models.DeliveryQueued).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("ledger: mark delivered %s: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("ledger: message %s is not queued", messageID)
	}
	return nil
}

// MarkFailed records a failed delivery attempt of a queued outbound message.
func MarkFailed(tx *gorm.DB, messageID string) error {
	result := tx.Model(&models.Message{}).
		Where("id = ? AND delivery_status = ?", messageID, models.DeliveryQueued).
		Update("delivery_status", models.DeliveryFailed)
	if result.Error != nil {
		return fmt.Errorf("ledger: mark failed %s: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("ledger: message %s is not queued", messageID)
	}
	return nil
}

// List returns the full ledger of a conversation ordered by sequence.
func List(db *gorm.DB, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := db.Where("conversation_id = ?", conversationID).
		Order("sequence ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("ledger: list %s: %w", conversationID, err)
	}
	return msgs, nil
}

// Recent returns up to limit of the latest messages, oldest first.
func Recent(db *gorm.DB, conversationID string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	if err := db.Where("conversation_id = ?", conversationID).
		Order("sequence DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("ledger: recent %s: %w", conversationID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Get returns a single message by id.
func Get(db *gorm.DB, messageID string) (*models.Message, error) {
	var msg models.Message
	if err := db.Where("id = ?", messageID).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ledger: message not found: %s", messageID)
		}
		return nil, fmt.Errorf("ledger: get %s: %w", messageID, err)
	}
	return &msg, nil
}

// Last returns the latest message of a conversation, nil when the ledger is empty.
func Last(db *gorm.DB, conversationID string) (*models.Message, error) {
	var msgs []models.Message
	if err := db.Where("conversation_id = ?", conversationID).
		Order("sequence DESC").Limit(1).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("ledger: last %s: %w", conversationID, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// LastQueued returns the newest outbound message still waiting for a
// delivery outcome, nil if there is none.
func LastQueued(db *gorm.DB, conversationID string) (*models.Message, error) {
	var msgs []models.Message
	if err := db.Where("conversation_id = ? AND direction = ? AND delivery_status = ?",
		conversationID, models.DirectionOutbound, models.DeliveryQueued).
		Order("sequence DESC").Limit(1).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("ledger: last queued %s: %w", conversationID, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// LastSequence returns the highest sequence in the ledger, 0 when empty.
func LastSequence(db *gorm.DB, conversationID string) (int, error) {
	var maxSeq int
	result := db.Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(sequence), 0)").Scan(&maxSeq)
	if result.Error != nil {
		return 0, fmt.Errorf("ledger: last sequence %s: %w", conversationID, result.Error)
	}
	return maxSeq, nil
}

// LastInboundSequence returns the sequence of the latest creator message.
func LastInboundSequence(db *gorm.DB, conversationID string) (int, error) {
	var maxSeq int
	result := db.Model(&models.Message{}).
		Where("conversation_id = ? AND direction = ?", conversationID, models.DirectionInbound).
		Select("COALESCE(MAX(sequence), 0)").Scan(&maxSeq)
	if result.Error != nil {
		return 0, fmt.Errorf("ledger: last inbound sequence %s: %w", conversationID, result.Error)
	}
	return maxSeq, nil
}

// ListSince returns a lazy iterator over messages with sequence greater than
// after, in sequence order. Each pass re-queries in pages of pageSize, so the
// sequence can be ranged over again to replay from the same point.
func ListSince(db *gorm.DB, conversationID string, after, pageSize int) iter.Seq2[models.Message, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(models.Message, error) bool) {
		cursor := after
		for {
			var page []models.Message
			if err := db.Where("conversation_id = ? AND sequence > ?", conversationID, cursor).
				Order("sequence ASC").Limit(pageSize).Find(&page).Error; err != nil {
				yield(models.Message{}, fmt.Errorf("ledger: list since %d: %w", cursor, err))
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				cursor = m.Sequence
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// nextSequence returns the next sequence number for a conversation.
func nextSequence(tx *gorm.DB, conversationID string) (int, error) {
	last, err := LastSequence(tx, conversationID)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}
