package db

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Campaign{},
		&models.Conversation{},
		&models.Message{},
		&models.HumanApproval{},
		&models.StageTransition{},
		&models.Contract{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedCampaigns upserts Campaign rows from configuration.
func SeedCampaigns(db *gorm.DB, campaigns []config.CampaignConfig) error {
	for _, cc := range campaigns {
		budget, err := parseAmount(cc.BudgetCeiling)
		if err != nil {
			return fmt.Errorf("db: campaign %q budget_ceiling: %w", cc.ID, err)
		}
		offer, err := parseAmount(cc.OfferedCompensation)
		if err != nil {
			return fmt.Errorf("db: campaign %q offered_compensation: %w", cc.ID, err)
		}

		campaign := models.Campaign{
			ID:                  cc.ID,
			Name:                cc.Name,
			BrandAddress:        cc.BrandAddress,
			BudgetCeiling:       budget,
			OfferedCompensation: offer,
			DeliverableBaseline: cc.DeliverableBaseline,
			VideoLengthBaseline: cc.VideoLengthBaseline,
		}

		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "brand_address", "budget_ceiling", "offered_compensation",
				"deliverable_baseline", "video_length_baseline", "updated_at",
			}),
		}).Create(&campaign)
		if result.Error != nil {
			return fmt.Errorf("db: seed campaign %q: %w", cc.ID, result.Error)
		}
	}
	return nil
}

// parseAmount parses a decimal amount, treating empty as zero.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
