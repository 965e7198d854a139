package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrInvalidFormula is returned for formulas that cannot be stored
var ErrInvalidFormula = errors.New("invalid formula")

// FormulaType identifies which calculation a formula parameterises
type FormulaType string

const (
	FormulaDepreciation     FormulaType = "depreciation"
	FormulaMarketAdjustment FormulaType = "market_adjustment"
	FormulaLocationFactor   FormulaType = "location_factor"
)

// Valid reports whether t is one of the known formula types
func (t FormulaType) Valid() bool {
	switch t {
	case FormulaDepreciation, FormulaMarketAdjustment, FormulaLocationFactor:
		return true
	}
	return false
}

// AreaType is the urbanisation class a formula or district belongs to
type AreaType string

const (
	AreaUrban    AreaType = "urban"
	AreaSuburban AreaType = "suburban"
	AreaRural    AreaType = "rural"
)

// Valid reports whether a is one of the known area types
func (a AreaType) Valid() bool {
	switch a {
	case AreaUrban, AreaSuburban, AreaRural:
		return true
	}
	return false
}

// Formula is one versioned set of valuation coefficients. Rows are never
// edited in place by the engine; management code deactivates them instead.
type Formula struct {
	ID                   uint               `gorm:"primaryKey" json:"id"`
	FormulaType          FormulaType        `gorm:"type:varchar(32);not null;index:idx_formula_lookup" json:"formula_type"`
	PropertyType         string             `gorm:"type:varchar(64);not null;index:idx_formula_lookup" json:"property_type"`
	AreaType             AreaType           `gorm:"type:varchar(16);not null;index:idx_formula_lookup" json:"area_type"`
	BaseRate             float64            `gorm:"not null" json:"base_rate"`
	AgeFactor            float64            `gorm:"not null" json:"age_factor"`
	ConditionMultipliers map[string]float64 `gorm:"serializer:json" json:"condition_multipliers"`
	LocationAdjustments  map[string]float64 `gorm:"serializer:json" json:"location_adjustments"`
	EffectiveFrom        time.Time          `gorm:"not null;index" json:"effective_from"`
	EffectiveUntil       *time.Time         `gorm:"index" json:"effective_until"`
	IsActive             bool               `gorm:"not null;index" json:"is_active"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func (Formula) TableName() string {
	return "formulas"
}

// Validate checks a formula before it is stored
func (f Formula) Validate() error {
	var problems []string
	if !f.FormulaType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown formula_type %q", f.FormulaType))
	}
	if strings.TrimSpace(f.PropertyType) == "" {
		problems = append(problems, "property_type is required")
	}
	if !f.AreaType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown area_type %q", f.AreaType))
	}
	if math.IsNaN(f.BaseRate) || math.IsInf(f.BaseRate, 0) {
		problems = append(problems, "base_rate must be a number")
	}
	if f.FormulaType == FormulaDepreciation && f.BaseRate <= 0 {
		problems = append(problems, "depreciation base_rate must be positive")
	}
	if math.IsNaN(f.AgeFactor) || math.IsInf(f.AgeFactor, 0) {
		problems = append(problems, "age_factor must be a number")
	}
	if f.EffectiveFrom.IsZero() {
		problems = append(problems, "effective_from is required")
	}
	if f.EffectiveUntil != nil && !f.EffectiveUntil.After(f.EffectiveFrom) {
		problems = append(problems, "effective_until must be after effective_from")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidFormula, strings.Join(problems, "; "))
	}
	return nil
}

// Matches reports whether the formula is keyed by the given lookup triple
func (f Formula) Matches(formulaType FormulaType, propertyType string, areaType AreaType) bool {
	return f.FormulaType == formulaType &&
		strings.EqualFold(f.PropertyType, propertyType) &&
		f.AreaType == areaType
}

// AppliesAt reports whether the formula is active and its effective window
// contains asOf. EffectiveUntil is exclusive.
func (f Formula) AppliesAt(asOf time.Time) bool {
	if !f.IsActive {
		return false
	}
	if f.EffectiveFrom.After(asOf) {
		return false
	}
	if f.EffectiveUntil != nil && !asOf.Before(*f.EffectiveUntil) {
		return false
	}
	return true
}

// Clone returns a copy that shares no maps with f
func (f Formula) Clone() Formula {
	out := f
	out.ConditionMultipliers = cloneRates(f.ConditionMultipliers)
	out.LocationAdjustments = cloneRates(f.LocationAdjustments)
	if f.EffectiveUntil != nil {
		until := *f.EffectiveUntil
		out.EffectiveUntil = &until
	}
	return out
}

// SelectEffective picks the formula that governs asOf among candidates
// already filtered by key: latest EffectiveFrom wins, ties go to the higher ID.
func SelectEffective(candidates []Formula, asOf time.Time) (Formula, bool) {
	applicable := make([]Formula, 0, len(candidates))
	for _, f := range candidates {
		if f.AppliesAt(asOf) {
			applicable = append(applicable, f)
		}
	}
	if len(applicable) == 0 {
		return Formula{}, false
	}
	SortByEffective(applicable)
	return applicable[0], true
}

// SortByEffective orders formulas by EffectiveFrom descending, then ID descending
func SortByEffective(formulas []Formula) {
	sort.SliceStable(formulas, func(i, j int) bool {
		if !formulas[i].EffectiveFrom.Equal(formulas[j].EffectiveFrom) {
			return formulas[i].EffectiveFrom.After(formulas[j].EffectiveFrom)
		}
		return formulas[i].ID > formulas[j].ID
	})
}

func cloneRates(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
