package database

import (
	"fmt"

	"gorm.io/gorm"

	"appraisal/server/internal/models"
)

// MigrateSchema creates or updates the tables and indexes of the service
func MigrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Formula{}, &models.District{}, &models.ValuationRun{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	// Lookup order used when resolving the effective formula
	err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_formulas_effective
		ON formulas(formula_type, area_type, is_active, effective_from DESC, id DESC);
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create formula effective index: %w", err)
	}

	// District keys are case-insensitive
	err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_districts_name_lower
		ON districts(LOWER(name));
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create district name index: %w", err)
	}

	return nil
}

// RunMigrations migrates the schema of the opened database
func (d *Database) RunMigrations() error {
	return MigrateSchema(d.db)
}
