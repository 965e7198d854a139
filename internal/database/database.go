package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"appraisal/server/internal/models"
	"appraisal/server/internal/valuation"
)

var ErrNotFound = errors.New("record not found")

type Database struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// NewDatabase opens the sqlite database at dbPath
func NewDatabase(dbPath string) (*Database, error) {
	sqlDB, err := sql.Open(sqlite.DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// In-memory databases exist per connection
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		sqlDB.SetMaxOpenConns(1)
	}

	// Enable foreign keys
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, err
	}

	db, err := gorm.Open(sqlite.New(sqlite.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}

	return &Database{db: db, sqlDB: sqlDB}, nil
}

// Open opens the sqlite database at dbPath and brings its schema up to date
func Open(dbPath string) (*Database, error) {
	d, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	if err := d.RunMigrations(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) Gorm() *gorm.DB {
	return d.db
}

func (d *Database) Close() error {
	return d.sqlDB.Close()
}

// FormulaFilter narrows ListFormulas; zero fields match everything
type FormulaFilter struct {
	FormulaType  models.FormulaType
	PropertyType string
	AreaType     models.AreaType
	ActiveOnly   bool
}

// ListFormulas returns formulas ordered by key and effective date, newest first
func (d *Database) ListFormulas(ctx context.Context, filter FormulaFilter) ([]models.Formula, error) {
	q := d.db.WithContext(ctx).Model(&models.Formula{})
	if filter.FormulaType != "" {
		q = q.Where("formula_type = ?", filter.FormulaType)
	}
	if filter.PropertyType != "" {
		q = q.Where("LOWER(property_type) = LOWER(?)", strings.TrimSpace(filter.PropertyType))
	}
	if filter.AreaType != "" {
		q = q.Where("area_type = ?", filter.AreaType)
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}

	var formulas []models.Formula
	err := q.Order("formula_type, property_type, area_type, effective_from DESC, id DESC").Find(&formulas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list formulas: %w", err)
	}
	return formulas, nil
}

// ActiveFormulas returns every active formula regardless of effective window
func (d *Database) ActiveFormulas(ctx context.Context) ([]models.Formula, error) {
	return d.ListFormulas(ctx, FormulaFilter{ActiveOnly: true})
}

// GetFormula returns one formula by id
func (d *Database) GetFormula(ctx context.Context, id uint) (models.Formula, error) {
	var f models.Formula
	err := d.db.WithContext(ctx).First(&f, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Formula{}, fmt.Errorf("formula %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Formula{}, fmt.Errorf("failed to get formula: %w", err)
	}
	return f, nil
}

// CreateFormula validates and inserts f, filling its id
func (d *Database) CreateFormula(ctx context.Context, f *models.Formula) error {
	if err := f.Validate(); err != nil {
		return err
	}
	f.ID = 0
	f.PropertyType = strings.TrimSpace(f.PropertyType)
	if err := d.db.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("failed to create formula: %w", err)
	}
	return nil
}

// UpdateFormula replaces the stored values of formula f.ID
func (d *Database) UpdateFormula(ctx context.Context, f *models.Formula) error {
	if err := f.Validate(); err != nil {
		return err
	}
	existing, err := d.GetFormula(ctx, f.ID)
	if err != nil {
		return err
	}
	f.CreatedAt = existing.CreatedAt
	f.PropertyType = strings.TrimSpace(f.PropertyType)
	if err := d.db.WithContext(ctx).Save(f).Error; err != nil {
		return fmt.Errorf("failed to update formula: %w", err)
	}
	return nil
}

// DeactivateFormula soft deletes a formula by clearing is_active
func (d *Database) DeactivateFormula(ctx context.Context, id uint) error {
	result := d.db.WithContext(ctx).Model(&models.Formula{}).Where("id = ?", id).Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate formula: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("formula %d: %w", id, ErrNotFound)
	}
	return nil
}

// FindFormula resolves the formula governing asOf directly from the table
func (d *Database) FindFormula(ctx context.Context, formulaType models.FormulaType, propertyType string, areaType models.AreaType, asOf time.Time) (models.Formula, error) {
	candidates, err := d.ListFormulas(ctx, FormulaFilter{
		FormulaType:  formulaType,
		PropertyType: propertyType,
		AreaType:     areaType,
		ActiveOnly:   true,
	})
	if err != nil {
		return models.Formula{}, err
	}

	// windows are compared in Go; sqlite stores timestamps as text
	f, ok := models.SelectEffective(candidates, asOf)
	if !ok {
		return models.Formula{}, fmt.Errorf("%s/%s/%s: %w", formulaType, propertyType, areaType, valuation.ErrFormulaNotFound)
	}
	return f, nil
}

// Districts returns all districts ordered by name
func (d *Database) Districts(ctx context.Context) ([]models.District, error) {
	var districts []models.District
	if err := d.db.WithContext(ctx).Order("name").Find(&districts).Error; err != nil {
		return nil, fmt.Errorf("failed to list districts: %w", err)
	}
	return districts, nil
}

// FindDistrict returns the district with the given key, case-insensitively
func (d *Database) FindDistrict(ctx context.Context, key string) (models.District, error) {
	var district models.District
	err := d.db.WithContext(ctx).Where("LOWER(name) = LOWER(?)", models.NormalizeKey(key)).First(&district).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.District{}, fmt.Errorf("%s: %w", key, valuation.ErrDistrictNotFound)
	}
	if err != nil {
		return models.District{}, fmt.Errorf("failed to find district: %w", err)
	}
	return district, nil
}

// UpsertDistrict creates the district or updates the one with the same key
func (d *Database) UpsertDistrict(ctx context.Context, district *models.District) error {
	if err := district.Validate(); err != nil {
		return err
	}
	district.Name = strings.Join(strings.Fields(district.Name), " ")

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertDistrict(tx, district)
	})
}

func upsertDistrict(tx *gorm.DB, district *models.District) error {
	var existing models.District
	err := tx.Where("LOWER(name) = LOWER(?)", district.Name).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		district.ID = 0
		if err := tx.Create(district).Error; err != nil {
			return fmt.Errorf("failed to create district: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to find district: %w", err)
	}

	district.ID = existing.ID
	district.CreatedAt = existing.CreatedAt
	if err := tx.Save(district).Error; err != nil {
		return fmt.Errorf("failed to update district: %w", err)
	}
	return nil
}

// ImportSeed inserts formulas and upserts districts in one transaction.
// Formulas already present with the same key and effective_from are skipped.
func (d *Database) ImportSeed(ctx context.Context, formulas []models.Formula, districts []models.District) (int, int, error) {
	var addedFormulas, savedDistricts int
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range formulas {
			f := formulas[i]
			if err := f.Validate(); err != nil {
				return fmt.Errorf("formula %d: %w", i+1, err)
			}
			var count int64
			err := tx.Model(&models.Formula{}).
				Where("formula_type = ? AND LOWER(property_type) = LOWER(?) AND area_type = ? AND effective_from = ?",
					f.FormulaType, strings.TrimSpace(f.PropertyType), f.AreaType, f.EffectiveFrom).
				Count(&count).Error
			if err != nil {
				return fmt.Errorf("failed to check formula: %w", err)
			}
			if count > 0 {
				continue
			}
			f.ID = 0
			f.PropertyType = strings.TrimSpace(f.PropertyType)
			if err := tx.Create(&f).Error; err != nil {
				return fmt.Errorf("failed to create formula: %w", err)
			}
			addedFormulas++
		}

		for i := range districts {
			district := districts[i]
			if err := district.Validate(); err != nil {
				return fmt.Errorf("district %q: %w", district.Name, err)
			}
			district.Name = strings.Join(strings.Fields(district.Name), " ")
			if err := upsertDistrict(tx, &district); err != nil {
				return err
			}
			savedDistricts++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return addedFormulas, savedDistricts, nil
}

// InsertValuationRuns stores a batch of audit records inside tx
func InsertValuationRuns(tx *gorm.DB, runs []*models.ValuationRun) error {
	if len(runs) == 0 {
		return nil
	}
	if err := tx.CreateInBatches(runs, 100).Error; err != nil {
		return fmt.Errorf("failed to insert valuation runs: %w", err)
	}
	return nil
}

// RecentRuns returns the latest audit records, newest first
func (d *Database) RecentRuns(ctx context.Context, limit int) ([]models.ValuationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []models.ValuationRun
	err := d.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list valuation runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one audit record
func (d *Database) GetRun(ctx context.Context, id string) (models.ValuationRun, error) {
	var run models.ValuationRun
	err := d.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ValuationRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ValuationRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}
