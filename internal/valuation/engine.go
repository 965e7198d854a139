package valuation

import (
	"context"

	"github.com/shopspring/decimal"

	"appraisal/server/internal/models"
)

// Settings are the policy knobs of the engine. Zero values fall back to
// DefaultSettings.
type Settings struct {
	Weights                    Weights
	DefaultEconomicLife        float64
	EconomicLifeByConstruction map[string]float64
	LandShareRatio             float64
	FallbackLandPrices         map[string]float64
	DefaultCapRatePct          float64
	MaxComparables             int
	AdjustmentThreshold        float64
	OutlierPenalty             float64
	ConsistencyTolerance       float64
	UnknownSaleMonths          float64
}

// DefaultSettings returns the policy used when nothing is configured
func DefaultSettings() Settings {
	return Settings{
		Weights:              Weights{SalesComparison: 0.5, Cost: 0.35, Income: 0.15},
		DefaultEconomicLife:  60,
		LandShareRatio:       0.25,
		DefaultCapRatePct:    8,
		MaxComparables:       3,
		AdjustmentThreshold:  25,
		OutlierPenalty:       0.25,
		ConsistencyTolerance: 0.01,
		UnknownSaleMonths:    12,
	}
}

// Engine values properties. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	settings Settings
}

// NewEngine builds an engine, filling unset settings from DefaultSettings
func NewEngine(s Settings) *Engine {
	d := DefaultSettings()
	if s.Weights == (Weights{}) {
		s.Weights = d.Weights
	}
	if s.DefaultEconomicLife <= 0 {
		s.DefaultEconomicLife = d.DefaultEconomicLife
	}
	if s.LandShareRatio <= 0 {
		s.LandShareRatio = d.LandShareRatio
	}
	if s.DefaultCapRatePct <= 0 {
		s.DefaultCapRatePct = d.DefaultCapRatePct
	}
	if s.MaxComparables <= 0 {
		s.MaxComparables = d.MaxComparables
	}
	if s.AdjustmentThreshold <= 0 {
		s.AdjustmentThreshold = d.AdjustmentThreshold
	}
	if s.OutlierPenalty <= 0 || s.OutlierPenalty > 1 {
		s.OutlierPenalty = d.OutlierPenalty
	}
	if s.ConsistencyTolerance <= 0 {
		s.ConsistencyTolerance = d.ConsistencyTolerance
	}
	if s.UnknownSaleMonths <= 0 {
		s.UnknownSaleMonths = d.UnknownSaleMonths
	}
	s.EconomicLifeByConstruction = normalizeKeys(s.EconomicLifeByConstruction)
	s.FallbackLandPrices = normalizeKeys(s.FallbackLandPrices)
	return &Engine{settings: s}
}

// Settings returns a copy of the engine's effective settings
func (e *Engine) Settings() Settings {
	s := e.settings
	s.EconomicLifeByConstruction = normalizeKeys(s.EconomicLifeByConstruction)
	s.FallbackLandPrices = normalizeKeys(s.FallbackLandPrices)
	return s
}

// Valuate runs the three approaches against one consistent view of repo and
// reconciles them. The repository is consulted once per lookup before any
// calculation starts.
func (e *Engine) Valuate(ctx context.Context, repo Repository, in models.ValuationInput) (models.ValuationResult, error) {
	r, err := prepare(in, e.settings)
	if err != nil {
		return models.ValuationResult{}, err
	}

	l, err := resolveLookups(ctx, repo, r)
	if err != nil {
		return models.ValuationResult{}, err
	}

	var warn notes
	cost, costOutcome := costApproach(r, l, e.settings, &warn)
	sales, salesOutcome := salesComparison(r, l, e.settings, &warn)
	income, incomeOutcome := incomeApproach(r, l, e.settings)

	outcomes := []Outcome{costOutcome, salesOutcome, incomeOutcome}
	rec, err := Reconcile(outcomes, e.settings.Weights)
	if err != nil {
		return models.ValuationResult{}, err
	}
	if !finite(rec.Value) || !finite(rec.Value/r.Area) {
		return models.ValuationResult{}, newError(KindInvalidInput, "reconciled value is out of range for the given inputs")
	}

	market := round2(rec.Value)
	result := models.ValuationResult{
		MarketValueEstimate: market,
		PricePerSqm:         round2(market / r.Area),
		ConfidenceLevel:     round2(rec.Confidence),
		Methods:             make([]models.MethodOutcome, len(outcomes)),
		Warnings:            []string(warn),
	}
	for i, o := range outcomes {
		result.Methods[i] = o.report(rec.Weights[i])
	}
	if costOutcome.IsAvailable() {
		result.Methods[0].Cost = cost.detail()
	}
	if salesOutcome.IsAvailable() {
		result.Methods[1].Comparables = sales.details()
	}
	if incomeOutcome.IsAvailable() {
		result.Methods[2].Income = income.detail()
	}

	if costOutcome.IsAvailable() && rec.Weights[0] > 0 {
		result.LandValue = round2(cost.LandValue)
		result.BuildingValue = round2(cost.BuildingValue)
		result.DepreciationPercentage = round2(cost.Depreciation.Percentage)
		result.CalculationBreakdown = roundBreakdown(cost.Breakdown, result.BuildingValue)
	}
	return result, nil
}

// roundBreakdown rounds each component and lets the condition adjustment
// absorb the rounding residue so the components still sum to building.
func roundBreakdown(b models.Breakdown, building float64) models.Breakdown {
	out := models.Breakdown{
		BaseBuildingCost:   round2(b.BaseBuildingCost),
		AgeDepreciation:    round2(b.AgeDepreciation),
		LocationAdjustment: round2(b.LocationAdjustment),
		MarketAdjustment:   round2(b.MarketAdjustment),
	}
	out.ConditionAdjustment = round2(building - out.BaseBuildingCost - out.AgeDepreciation - out.LocationAdjustment - out.MarketAdjustment)
	return out
}

func round2(v float64) float64 {
	return roundTo(v, 2)
}

func round4(v float64) float64 {
	return roundTo(v, 4)
}

// roundTo expects a finite v; approaches and Valuate reject anything else
// before a figure is reported.
func roundTo(v float64, places int32) float64 {
	if !finite(v) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

func normalizeKeys(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[models.NormalizeKey(k)] = v
	}
	return out
}
