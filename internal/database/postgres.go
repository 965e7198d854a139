package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"appraisal/server/internal/coefficients"
	"appraisal/server/internal/models"
	"appraisal/server/internal/valuation"
)

// PostgresStore reads coefficient tables maintained in a shared Postgres
// database. It is read-only; formulas are managed by the owning system.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the database described by dsn
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var (
	_ coefficients.Loader  = (*PostgresStore)(nil)
	_ valuation.Repository = (*PostgresStore)(nil)
)

const formulaColumns = `
	id,
	formula_type,
	property_type,
	area_type,
	base_rate,
	age_factor,
	condition_multipliers,
	location_adjustments,
	effective_from,
	effective_until,
	is_active
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFormula(row rowScanner) (models.Formula, error) {
	var f models.Formula
	var conditions sql.NullString
	var locations sql.NullString
	var until sql.NullTime

	err := row.Scan(
		&f.ID,
		&f.FormulaType,
		&f.PropertyType,
		&f.AreaType,
		&f.BaseRate,
		&f.AgeFactor,
		&conditions,
		&locations,
		&f.EffectiveFrom,
		&until,
		&f.IsActive,
	)
	if err != nil {
		return models.Formula{}, err
	}

	if conditions.Valid && conditions.String != "" {
		if err := json.Unmarshal([]byte(conditions.String), &f.ConditionMultipliers); err != nil {
			return models.Formula{}, fmt.Errorf("formula %d condition_multipliers: %w", f.ID, err)
		}
	}
	if locations.Valid && locations.String != "" {
		if err := json.Unmarshal([]byte(locations.String), &f.LocationAdjustments); err != nil {
			return models.Formula{}, fmt.Errorf("formula %d location_adjustments: %w", f.ID, err)
		}
	}
	if until.Valid {
		t := until.Time
		f.EffectiveUntil = &t
	}
	return f, nil
}

// ActiveFormulas returns every active formula
func (s *PostgresStore) ActiveFormulas(ctx context.Context) ([]models.Formula, error) {
	query := `SELECT ` + formulaColumns + `
		FROM formulas
		WHERE is_active = TRUE
		ORDER BY formula_type, property_type, area_type, effective_from DESC, id DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query formulas: %w", err)
	}
	defer rows.Close()

	var formulas []models.Formula
	for rows.Next() {
		f, err := scanFormula(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan formula: %w", err)
		}
		formulas = append(formulas, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate formulas: %w", err)
	}
	return formulas, nil
}

// FindFormula returns the formula governing asOf for the given key
func (s *PostgresStore) FindFormula(ctx context.Context, formulaType models.FormulaType, propertyType string, areaType models.AreaType, asOf time.Time) (models.Formula, error) {
	query := `SELECT ` + formulaColumns + `
		FROM formulas
		WHERE formula_type = $1
			AND LOWER(property_type) = LOWER($2)
			AND area_type = $3
			AND is_active = TRUE
			AND effective_from <= $4
			AND (effective_until IS NULL OR effective_until > $4)
		ORDER BY effective_from DESC, id DESC
		LIMIT 1
	`

	f, err := scanFormula(s.db.QueryRowContext(ctx, query, string(formulaType), strings.TrimSpace(propertyType), string(areaType), asOf))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Formula{}, fmt.Errorf("%s/%s/%s: %w", formulaType, propertyType, areaType, valuation.ErrFormulaNotFound)
		}
		return models.Formula{}, fmt.Errorf("failed to get formula: %w", err)
	}
	return f, nil
}

const districtColumns = `
	id,
	name,
	average_price_per_sqm,
	market_trend,
	area_type,
	boundary
`

func scanDistrict(row rowScanner) (models.District, error) {
	var d models.District
	var areaType sql.NullString
	var boundary sql.NullString

	if err := row.Scan(&d.ID, &d.Name, &d.AveragePricePerSqm, &d.MarketTrend, &areaType, &boundary); err != nil {
		return models.District{}, err
	}
	if areaType.Valid {
		d.AreaType = models.AreaType(areaType.String)
	}
	if boundary.Valid {
		d.Boundary = boundary.String
	}
	return d, nil
}

// Districts returns all districts ordered by name
func (s *PostgresStore) Districts(ctx context.Context) ([]models.District, error) {
	query := `SELECT ` + districtColumns + ` FROM districts ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query districts: %w", err)
	}
	defer rows.Close()

	var districts []models.District
	for rows.Next() {
		d, err := scanDistrict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan district: %w", err)
		}
		districts = append(districts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate districts: %w", err)
	}
	return districts, nil
}

// FindDistrict returns the district with the given key, case-insensitively
func (s *PostgresStore) FindDistrict(ctx context.Context, key string) (models.District, error) {
	query := `SELECT ` + districtColumns + ` FROM districts WHERE LOWER(name) = $1`

	d, err := scanDistrict(s.db.QueryRowContext(ctx, query, models.NormalizeKey(key)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.District{}, fmt.Errorf("%s: %w", key, valuation.ErrDistrictNotFound)
		}
		return models.District{}, fmt.Errorf("failed to get district: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
