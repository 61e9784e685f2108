package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign holds the negotiation baseline the classifier and escalation
// policy compare creator requests against.
type Campaign struct {
	ID                  string          `gorm:"primaryKey;size:64"`
	Name                string          `gorm:"size:128"`
	BrandAddress        string          `gorm:"size:256"`
	BudgetCeiling       decimal.Decimal `gorm:"type:decimal(12,2)"`
	OfferedCompensation decimal.Decimal `gorm:"type:decimal(12,2)"`
	DeliverableBaseline int             `gorm:"default:1"`
	VideoLengthBaseline int             `gorm:"default:0"` // minutes
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
