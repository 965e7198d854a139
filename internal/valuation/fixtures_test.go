package valuation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"appraisal/server/internal/models"
)

// memoryRepo is an in-memory Repository that counts lookups
type memoryRepo struct {
	mu        sync.Mutex
	formulas  []models.Formula
	districts map[string]models.District
	err       error

	formulaCalls  int
	districtCalls int
}

func newMemoryRepo(formulas []models.Formula, districts ...models.District) *memoryRepo {
	repo := &memoryRepo{formulas: formulas, districts: map[string]models.District{}}
	for _, d := range districts {
		repo.districts[d.Key()] = d
	}
	return repo
}

func (m *memoryRepo) FindFormula(_ context.Context, formulaType models.FormulaType, propertyType string, areaType models.AreaType, asOf time.Time) (models.Formula, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formulaCalls++
	if m.err != nil {
		return models.Formula{}, m.err
	}

	var candidates []models.Formula
	for _, f := range m.formulas {
		if f.Matches(formulaType, propertyType, areaType) {
			candidates = append(candidates, f)
		}
	}
	f, ok := models.SelectEffective(candidates, asOf)
	if !ok {
		return models.Formula{}, fmt.Errorf("%s: %w", formulaType, ErrFormulaNotFound)
	}
	return f.Clone(), nil
}

func (m *memoryRepo) FindDistrict(_ context.Context, key string) (models.District, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.districtCalls++
	if m.err != nil {
		return models.District{}, m.err
	}
	d, ok := m.districts[models.NormalizeKey(key)]
	if !ok {
		return models.District{}, ErrDistrictNotFound
	}
	return d, nil
}

var (
	jan2020 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2023 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2024 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	asOf    = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func depreciationFormula(id uint, baseRate float64) models.Formula {
	return models.Formula{
		ID:            id,
		FormulaType:   models.FormulaDepreciation,
		PropertyType:  "apartment",
		AreaType:      models.AreaUrban,
		BaseRate:      baseRate,
		AgeFactor:     0.8,
		EffectiveFrom: jan2020,
		IsActive:      true,
	}
}

func marketFormula(id uint) models.Formula {
	return models.Formula{
		ID:           id,
		FormulaType:  models.FormulaMarketAdjustment,
		PropertyType: "apartment",
		AreaType:     models.AreaUrban,
		BaseRate:     5,
		AgeFactor:    1,
		LocationAdjustments: map[string]float64{
			"trend:rising":      6,
			"trend:stable":      0,
			"trend:declining":   -4,
			"floor:1":           -2,
			"floor:5":           2,
			"floor:10":          4,
			"orientation:north": 1,
			"view:sea":          8,
			"rent_per_sqm":      100,
			"cap_rate:downtown": 10,
		},
		EffectiveFrom: jan2020,
		IsActive:      true,
	}
}

func locationFormula(id uint) models.Formula {
	return models.Formula{
		ID:           id,
		FormulaType:  models.FormulaLocationFactor,
		PropertyType: "apartment",
		AreaType:     models.AreaUrban,
		BaseRate:     2,
		AgeFactor:    0,
		LocationAdjustments: map[string]float64{
			"marina": 25000,
		},
		EffectiveFrom: jan2020,
		IsActive:      true,
	}
}

func downtown(trend models.MarketTrend) models.District {
	return models.District{ID: 1, Name: "Downtown", AveragePricePerSqm: 15000, MarketTrend: trend, AreaType: models.AreaUrban}
}

func baseInput() models.ValuationInput {
	return models.ValuationInput{
		Area:             150,
		Age:              10,
		Condition:        7,
		Location:         "Downtown",
		PropertyType:     "apartment",
		ConstructionType: "concrete",
		AsOf:             asOf,
	}
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func sale(price, area, age float64, finishing models.FinishingLevel, months float64) models.ComparableSale {
	return models.ComparableSale{
		Address:         fmt.Sprintf("%.0f/%.0f", price, area),
		SalePrice:       price,
		Area:            area,
		Age:             age,
		FinishingLevel:  finishing,
		MonthsSinceSale: floatPtr(months),
	}
}
