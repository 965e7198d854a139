package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appraisal/server/internal/models"
)

func TestValuate_CostOnly(t *testing.T) {
	repo := newMemoryRepo([]models.Formula{depreciationFormula(1, 4000)}, downtown(models.TrendStable))
	engine := NewEngine(DefaultSettings())

	result, err := engine.Valuate(context.Background(), repo, baseInput())
	require.NoError(t, err)

	// 10 of 60 years is 16.67% before condition 7 trims it to 15.5%
	assert.Equal(t, 15.5, result.DepreciationPercentage)
	assert.Equal(t, 600000.0, result.CalculationBreakdown.BaseBuildingCost)
	assert.Equal(t, -100000.0, result.CalculationBreakdown.AgeDepreciation)
	assert.Equal(t, 7000.0, result.CalculationBreakdown.ConditionAdjustment)
	assert.Equal(t, 507000.0, result.BuildingValue)
	assert.InDelta(t, 0.85, result.BuildingValue/result.CalculationBreakdown.BaseBuildingCost, 0.01)

	// derived land share: 150 * 0.25 sqm at the district average
	assert.Equal(t, 562500.0, result.LandValue)
	assert.Equal(t, 1069500.0, result.MarketValueEstimate)
	assert.Equal(t, 7130.0, result.PricePerSqm)

	require.Len(t, result.Methods, 3)
	cost := result.Methods[0]
	assert.Equal(t, "cost", cost.Method)
	assert.True(t, cost.Available)
	assert.Equal(t, 1.0, cost.Weight)
	assert.InDelta(t, 69.8, cost.Confidence, 0.01)

	require.NotNil(t, cost.Cost)
	assert.Equal(t, models.CostDetail{
		LandPricePerSqm:           15000,
		LandSource:                "district",
		LandArea:                  37.5,
		EconomicLifeYears:         60,
		AnnualDepreciationRatePct: 1.6667,
		AgeDepreciationPct:        16.6667,
		ConditionFactor:           0.93,
	}, *cost.Cost)
	assert.Nil(t, result.Methods[1].Comparables)
	assert.Nil(t, result.Methods[2].Income)
}

func TestValuate_OnlyCostAvailable(t *testing.T) {
	repo := newMemoryRepo([]models.Formula{depreciationFormula(1, 4000)}, downtown(models.TrendStable))
	engine := NewEngine(DefaultSettings())

	result, err := engine.Valuate(context.Background(), repo, baseInput())
	require.NoError(t, err)

	sales, income := result.Methods[1], result.Methods[2]
	assert.False(t, sales.Available)
	assert.Equal(t, 0.0, sales.Weight)
	assert.Contains(t, sales.Reason, "comparable")
	assert.False(t, income.Available)
	assert.Equal(t, 0.0, income.Weight)
	assert.Equal(t, ErrNoRentalData.Error(), income.Reason)

	assert.Equal(t, 1.0, result.Methods[0].Weight)
	assert.Equal(t, result.Methods[0].Confidence, result.ConfidenceLevel)
	assert.Equal(t, result.Methods[0].Value, result.MarketValueEstimate)
}

func TestValuate_AllMethods(t *testing.T) {
	repo := newMemoryRepo(
		[]models.Formula{depreciationFormula(1, 4000), marketFormula(2), locationFormula(3)},
		downtown(models.TrendStable),
	)
	engine := NewEngine(DefaultSettings())

	in := baseInput()
	in.NeighborhoodRating = intPtr(7)
	in.FinishingLevel = models.FinishingFullyFinished
	in.ComparableSales = []models.ComparableSale{
		sale(3000000, 150, 10, models.FinishingFullyFinished, 2),
		sale(2925000, 150, 12, models.FinishingFullyFinished, 3),
	}

	result, err := engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)

	var sum float64
	for _, m := range result.Methods {
		assert.True(t, m.Available, m.Method)
		sum += m.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, 0.35, result.Methods[0].Weight)
	assert.Equal(t, 0.5, result.Methods[1].Weight)
	assert.Equal(t, 0.15, result.Methods[2].Weight)

	// neighbourhood rating 7 adds 2 points at 2% each on the depreciated building
	assert.Equal(t, 20280.0, result.CalculationBreakdown.LocationAdjustment)
	assert.Equal(t, 527280.0, result.BuildingValue)
	assert.InDelta(t, result.BuildingValue, result.CalculationBreakdown.Total(), 0.01)

	// 100 per sqm monthly rent, 10% district cap rate
	assert.Equal(t, 1800000.0, result.Methods[2].Value)
	assert.Equal(t, &models.IncomeDetail{
		MonthlyRent:   15000,
		RentSource:    "rent_table",
		CapRatePct:    10,
		CapRateSource: "formula",
	}, result.Methods[2].Income)
	assert.Len(t, result.Methods[1].Comparables, 2)

	expected := 0.35*result.Methods[0].Value + 0.5*result.Methods[1].Value + 0.15*result.Methods[2].Value
	assert.InDelta(t, expected, result.MarketValueEstimate, 0.05)
	assert.GreaterOrEqual(t, result.ConfidenceLevel, 0.0)
	assert.LessOrEqual(t, result.ConfidenceLevel, 100.0)
}

func TestValuate_NoMethodAvailable(t *testing.T) {
	repo := newMemoryRepo(nil)
	engine := NewEngine(DefaultSettings())

	result, err := engine.Valuate(context.Background(), repo, baseInput())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMethodAvailable))
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindNoMethodAvailable, kind)
	assert.Equal(t, models.ValuationResult{}, result)
}

func TestValuate_ExpiredFormulaFallsBackToOlder(t *testing.T) {
	older := depreciationFormula(1, 3000)
	expired := depreciationFormula(2, 5000)
	expired.EffectiveFrom = jan2023
	expired.EffectiveUntil = &jan2024
	inactive := depreciationFormula(3, 9000)
	inactive.EffectiveFrom = jan2024
	inactive.IsActive = false

	repo := newMemoryRepo([]models.Formula{older, expired, inactive}, downtown(models.TrendStable))
	engine := NewEngine(DefaultSettings())

	result, err := engine.Valuate(context.Background(), repo, baseInput())
	require.NoError(t, err)
	assert.Equal(t, 450000.0, result.CalculationBreakdown.BaseBuildingCost)

	// inside the expired formula's window it still governs
	in := baseInput()
	in.AsOf = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	result, err = engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)
	assert.Equal(t, 750000.0, result.CalculationBreakdown.BaseBuildingCost)
}

func TestValuate_LookupsResolvedOnce(t *testing.T) {
	repo := newMemoryRepo(
		[]models.Formula{depreciationFormula(1, 4000), marketFormula(2), locationFormula(3)},
		downtown(models.TrendRising),
	)
	engine := NewEngine(DefaultSettings())

	in := baseInput()
	in.ComparableSales = []models.ComparableSale{sale(3000000, 150, 10, "", 2)}
	_, err := engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)

	assert.Equal(t, 1, repo.districtCalls)
	assert.Equal(t, 3, repo.formulaCalls)
}

func TestValuate_Idempotent(t *testing.T) {
	repo := newMemoryRepo(
		[]models.Formula{depreciationFormula(1, 4000), marketFormula(2), locationFormula(3)},
		downtown(models.TrendRising),
	)
	engine := NewEngine(DefaultSettings())

	in := baseInput()
	in.Floor = intPtr(4)
	in.ViewCategory = "sea"
	in.ComparableSales = []models.ComparableSale{
		sale(3000000, 150, 10, models.FinishingLuxury, 2),
		sale(2800000, 140, 15, models.FinishingSemiFinished, 7),
	}

	first, err := engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)
	second, err := engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValuate_RepositoryFailureIsInternal(t *testing.T) {
	repo := newMemoryRepo(nil)
	repo.err = errors.New("connection refused")
	engine := NewEngine(DefaultSettings())

	_, err := engine.Valuate(context.Background(), repo, baseInput())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestValuate_InvalidInputRejectedBeforeLookups(t *testing.T) {
	repo := newMemoryRepo([]models.Formula{depreciationFormula(1, 4000)}, downtown(models.TrendStable))
	engine := NewEngine(DefaultSettings())

	in := baseInput()
	in.Area = 0
	_, err := engine.Valuate(context.Background(), repo, in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Equal(t, 0, repo.districtCalls)
	assert.Equal(t, 0, repo.formulaCalls)
}

func TestValuate_MissingDistrictUsesFallbackLandPrice(t *testing.T) {
	repo := newMemoryRepo([]models.Formula{depreciationFormula(1, 4000), marketFormula(2)})
	settings := DefaultSettings()
	settings.FallbackLandPrices = map[string]float64{"urban": 10000}
	engine := NewEngine(settings)

	in := baseInput()
	in.ComparableSales = []models.ComparableSale{sale(3000000, 150, 10, "", 2)}
	result, err := engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)

	assert.Equal(t, 375000.0, result.LandValue)
	assert.NotEmpty(t, result.Warnings)

	sales := result.Methods[1]
	assert.False(t, sales.Available)
	assert.Equal(t, string(KindDistrictNotFound), sales.Kind)
}

func TestValuate_MissingDistrictWithoutFallback(t *testing.T) {
	repo := newMemoryRepo([]models.Formula{depreciationFormula(1, 4000), marketFormula(2)})
	engine := NewEngine(DefaultSettings())

	in := baseInput()
	in.RentalEstimate = floatPtr(10000)
	result, err := engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)

	cost := result.Methods[0]
	assert.False(t, cost.Available)
	assert.Equal(t, string(KindDistrictNotFound), cost.Kind)

	// cost did not participate so its components stay zero
	assert.Equal(t, 0.0, result.LandValue)
	assert.Equal(t, 0.0, result.BuildingValue)
	assert.Equal(t, 0.0, result.DepreciationPercentage)
	assert.Equal(t, models.Breakdown{}, result.CalculationBreakdown)
	assert.Equal(t, 1.0, result.Methods[2].Weight)
}

func TestValuate_SubLocationLandPrice(t *testing.T) {
	repo := newMemoryRepo(
		[]models.Formula{depreciationFormula(1, 4000), locationFormula(3)},
		downtown(models.TrendStable),
	)
	engine := NewEngine(DefaultSettings())

	in := baseInput()
	in.SubLocation = "Marina"
	result, err := engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)
	assert.Equal(t, 937500.0, result.LandValue)
}

func TestValuate_LandShareAndEconomicLifeDefaults(t *testing.T) {
	repo := newMemoryRepo([]models.Formula{depreciationFormula(1, 4000)}, downtown(models.TrendStable))
	settings := DefaultSettings()
	settings.EconomicLifeByConstruction = map[string]float64{"Timber": 40}
	engine := NewEngine(settings)

	in := baseInput()
	in.LandArea = floatPtr(400)
	in.UnitsInBuilding = intPtr(8)
	in.ConstructionType = "timber"
	result, err := engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)

	assert.Equal(t, 750000.0, result.LandValue)
	assert.Equal(t, 23.25, result.DepreciationPercentage)
	assert.Equal(t, 40.0, result.Methods[0].Cost.EconomicLifeYears)

	in.EconomicLifeYears = floatPtr(100)
	result, err = engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)
	assert.Equal(t, 9.3, result.DepreciationPercentage)
}

func TestValuate_PricePerSqmMatchesMarketValue(t *testing.T) {
	repo := newMemoryRepo(
		[]models.Formula{depreciationFormula(1, 4000), marketFormula(2), locationFormula(3)},
		downtown(models.TrendDeclining),
	)
	engine := NewEngine(DefaultSettings())

	for _, area := range []float64{33.3, 97, 150, 1234.56} {
		for _, condition := range []int{1, 5, 10} {
			in := baseInput()
			in.Area = area
			in.Condition = condition
			in.ComparableSales = []models.ComparableSale{sale(2000000, 100, 20, "", 9)}

			result, err := engine.Valuate(context.Background(), repo, in)
			require.NoError(t, err)
			assert.InDelta(t, result.MarketValueEstimate, result.PricePerSqm*area, area*0.005+0.01)
			assert.GreaterOrEqual(t, result.ConfidenceLevel, 0.0)
			assert.LessOrEqual(t, result.ConfidenceLevel, 100.0)
			assert.GreaterOrEqual(t, result.DepreciationPercentage, 0.0)
			assert.LessOrEqual(t, result.DepreciationPercentage, MaxDepreciationPct)
		}
	}
}

func TestNewEngine_FillsDefaults(t *testing.T) {
	engine := NewEngine(Settings{MaxComparables: 5})
	s := engine.Settings()

	assert.Equal(t, 5, s.MaxComparables)
	assert.Equal(t, DefaultSettings().Weights, s.Weights)
	assert.Equal(t, 60.0, s.DefaultEconomicLife)
	assert.Equal(t, 0.25, s.LandShareRatio)
	assert.Equal(t, 8.0, s.DefaultCapRatePct)

	// a negative cap rate is replaced, so supplied rent always capitalises
	engine = NewEngine(Settings{DefaultCapRatePct: -3})
	assert.Equal(t, 8.0, engine.Settings().DefaultCapRatePct)

	repo := newMemoryRepo([]models.Formula{depreciationFormula(1, 4000)}, downtown(models.TrendStable))
	in := baseInput()
	in.RentalEstimate = floatPtr(10000)
	result, err := engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)
	assert.True(t, result.Methods[2].Available)
	assert.Equal(t, 1500000.0, result.Methods[2].Value)
	assert.Equal(t, "default", result.Methods[2].Income.CapRateSource)
}

func TestValuate_OutlierReportedWithDetails(t *testing.T) {
	repo := newMemoryRepo(
		[]models.Formula{depreciationFormula(1, 4000), marketFormula(2)},
		downtown(models.TrendStable),
	)
	engine := NewEngine(DefaultSettings())

	in := baseInput()
	in.FinishingLevel = models.FinishingFullyFinished
	in.ComparableSales = []models.ComparableSale{
		sale(3000000, 150, 10, models.FinishingFullyFinished, 2),
		sale(2925000, 150, 12, models.FinishingFullyFinished, 3),
		sale(3000000, 150, 40, models.FinishingCoreShell, 6),
	}
	result, err := engine.Valuate(context.Background(), repo, in)
	require.NoError(t, err)

	comparables := result.Methods[1].Comparables
	require.Len(t, comparables, 3)

	var total float64
	var outliers []models.ComparableDetail
	for _, c := range comparables {
		total += c.Weight
		if c.Outlier {
			outliers = append(outliers, c)
		}
	}
	assert.InDelta(t, 1.0, total, 1e-3)
	require.Len(t, outliers, 1)

	outlier := outliers[0]
	assert.Equal(t, "3000000/150", outlier.Address)
	assert.Equal(t, 40.0, outlier.GrossAdjustmentPct)
	assert.Equal(t, 28000.0, outlier.AdjustedPricePerSqm)
	assert.Equal(t, 10.0, outlier.FinishingPct)
	assert.Equal(t, 30.0, outlier.AgePct)
	// down-weighted, not excluded
	assert.Greater(t, outlier.Weight, 0.0)
	for _, c := range comparables {
		if !c.Outlier {
			assert.Greater(t, c.Weight, outlier.Weight)
		}
	}
}

func TestValuate_OutOfRangeValuesAreNeverReported(t *testing.T) {
	costOnly := func() *memoryRepo {
		return newMemoryRepo([]models.Formula{depreciationFormula(1, 4000)}, downtown(models.TrendStable))
	}
	engine := NewEngine(DefaultSettings())

	t.Run("only approach overflows", func(t *testing.T) {
		in := baseInput()
		in.Area = 1e306
		result, err := engine.Valuate(context.Background(), costOnly(), in)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoMethodAvailable)
		assert.Contains(t, err.Error(), "out of range")
		assert.Equal(t, models.ValuationResult{}, result)
	})

	t.Run("overflowing approach is skipped", func(t *testing.T) {
		in := baseInput()
		in.Area = 1e306
		in.RentalEstimate = floatPtr(1e300)
		result, err := engine.Valuate(context.Background(), costOnly(), in)
		require.NoError(t, err)

		cost := result.Methods[0]
		assert.False(t, cost.Available)
		assert.Equal(t, string(KindInvalidInput), cost.Kind)
		assert.Nil(t, cost.Cost)
		assert.Equal(t, 0.0, result.BuildingValue)

		assert.Equal(t, 1.0, result.Methods[2].Weight)
		assert.InEpsilon(t, 1.5e302, result.MarketValueEstimate, 1e-9)
	})

	t.Run("income overflows", func(t *testing.T) {
		in := baseInput()
		in.RentalEstimate = floatPtr(1e307)
		result, err := engine.Valuate(context.Background(), costOnly(), in)
		require.NoError(t, err)

		income := result.Methods[2]
		assert.False(t, income.Available)
		assert.Equal(t, string(KindInvalidInput), income.Kind)
		assert.Equal(t, 1069500.0, result.MarketValueEstimate)
	})

	t.Run("price per sqm overflows", func(t *testing.T) {
		in := baseInput()
		in.Area = 1e-300
		in.RentalEstimate = floatPtr(1e10)
		result, err := engine.Valuate(context.Background(), costOnly(), in)
		require.Error(t, err)
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindInvalidInput, kind)
		assert.Equal(t, models.ValuationResult{}, result)
	})
}
