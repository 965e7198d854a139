package models

import "time"

// FinishingLevel is the ordinal fit-out grade of a unit
type FinishingLevel string

const (
	FinishingCoreShell     FinishingLevel = "core_shell"
	FinishingSemiFinished  FinishingLevel = "semi_finished"
	FinishingFullyFinished FinishingLevel = "fully_finished"
	FinishingLuxury        FinishingLevel = "luxury"
)

// Rank returns the position of the level on the ordinal scale
func (f FinishingLevel) Rank() (int, bool) {
	switch FinishingLevel(NormalizeKey(string(f))) {
	case FinishingCoreShell:
		return 0, true
	case FinishingSemiFinished:
		return 1, true
	case FinishingFullyFinished:
		return 2, true
	case FinishingLuxury:
		return 3, true
	}
	return 0, false
}

// ComparableSale is a recent transaction used by the sales comparison approach
type ComparableSale struct {
	Address         string         `json:"address"`
	SalePrice       float64        `json:"salePrice"`
	Area            float64        `json:"area"`
	PricePerSqm     *float64       `json:"pricePerSqm,omitempty"`
	Age             float64        `json:"age"`
	FinishingLevel  FinishingLevel `json:"finishingLevel,omitempty"`
	Floor           *int           `json:"floor,omitempty"`
	Orientation     string         `json:"orientation,omitempty"`
	ViewCategory    string         `json:"viewCategory,omitempty"`
	MonthsSinceSale *float64       `json:"monthsSinceSale,omitempty"`
	SoldAt          *time.Time     `json:"soldAt,omitempty"`
}

// ValuationInput is the request accepted by the valuation engine.
// Pointer fields are optional; defaults are applied by the engine.
type ValuationInput struct {
	Area               float64          `json:"area"`
	Age                float64          `json:"age"`
	Condition          int              `json:"condition"`
	Location           string           `json:"location"`
	PropertyType       string           `json:"propertyType"`
	AsOf               time.Time        `json:"asOf"`
	AreaType           AreaType         `json:"areaType,omitempty"`
	SubLocation        string           `json:"subLocation,omitempty"`
	LandArea           *float64         `json:"landArea,omitempty"`
	UnitsInBuilding    *int             `json:"unitsInBuilding,omitempty"`
	FinishingLevel     FinishingLevel   `json:"finishingLevel,omitempty"`
	ConstructionType   string           `json:"constructionType,omitempty"`
	NeighborhoodRating *int             `json:"neighborhoodRating,omitempty"`
	EconomicLifeYears  *float64         `json:"economicLifeYears,omitempty"`
	RentalEstimate     *float64         `json:"rentalEstimate,omitempty"`
	Floor              *int             `json:"floor,omitempty"`
	Orientation        string           `json:"orientation,omitempty"`
	ViewCategory       string           `json:"viewCategory,omitempty"`
	ComparableSales    []ComparableSale `json:"comparableSales,omitempty"`
}

// Breakdown splits the building component into signed deltas from the
// replacement cost. BaseBuildingCost plus every delta equals BuildingValue.
type Breakdown struct {
	BaseBuildingCost    float64 `json:"base_building_cost"`
	AgeDepreciation     float64 `json:"age_depreciation"`
	ConditionAdjustment float64 `json:"condition_adjustment"`
	LocationAdjustment  float64 `json:"location_adjustment"`
	MarketAdjustment    float64 `json:"market_adjustment"`
}

// Total returns the building value implied by the breakdown
func (b Breakdown) Total() float64 {
	return b.BaseBuildingCost + b.AgeDepreciation + b.ConditionAdjustment + b.LocationAdjustment + b.MarketAdjustment
}

// CostDetail is what the cost approach priced the land and building from
type CostDetail struct {
	LandPricePerSqm           float64 `json:"land_price_per_sqm"`
	LandSource                string  `json:"land_source"`
	LandArea                  float64 `json:"land_area"`
	EconomicLifeYears         float64 `json:"economic_life_years"`
	AnnualDepreciationRatePct float64 `json:"annual_depreciation_rate_pct"`
	AgeDepreciationPct        float64 `json:"age_depreciation_pct"`
	ConditionFactor           float64 `json:"condition_factor"`
}

// ComparableDetail shows how one comparable sale was adjusted and weighted.
// Adjustments are percentages of the comparable's price per sqm.
type ComparableDetail struct {
	Address             string  `json:"address"`
	PricePerSqm         float64 `json:"price_per_sqm"`
	MonthsSinceSale     float64 `json:"months_since_sale"`
	AgePct              float64 `json:"age_pct"`
	FinishingPct        float64 `json:"finishing_pct"`
	FloorPct            float64 `json:"floor_pct"`
	OrientationPct      float64 `json:"orientation_pct"`
	ViewPct             float64 `json:"view_pct"`
	TimePct             float64 `json:"time_pct"`
	NetAdjustmentPct    float64 `json:"net_adjustment_pct"`
	GrossAdjustmentPct  float64 `json:"gross_adjustment_pct"`
	AdjustedPricePerSqm float64 `json:"adjusted_price_per_sqm"`
	// Weight is normalised over the comparables that were used
	Weight  float64 `json:"weight"`
	Outlier bool    `json:"outlier"`
}

// IncomeDetail is the rent and capitalization rate the income approach used
type IncomeDetail struct {
	MonthlyRent   float64 `json:"monthly_rent"`
	RentSource    string  `json:"rent_source"`
	CapRatePct    float64 `json:"cap_rate_pct"`
	CapRateSource string  `json:"cap_rate_source"`
}

// MethodOutcome records how one approach fared in a valuation. Only the
// detail of an available approach is filled in.
type MethodOutcome struct {
	Method      string             `json:"method"`
	Available   bool               `json:"available"`
	Value       float64            `json:"value"`
	Confidence  float64            `json:"confidence"`
	Weight      float64            `json:"weight"`
	Kind        string             `json:"kind,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Cost        *CostDetail        `json:"cost,omitempty"`
	Comparables []ComparableDetail `json:"comparables,omitempty"`
	Income      *IncomeDetail      `json:"income,omitempty"`
}

// ValuationResult is the reconciled estimate returned for one request
type ValuationResult struct {
	MarketValueEstimate    float64         `json:"market_value_estimate"`
	LandValue              float64         `json:"land_value"`
	BuildingValue          float64         `json:"building_value"`
	DepreciationPercentage float64         `json:"depreciation_percentage"`
	PricePerSqm            float64         `json:"price_per_sqm"`
	ConfidenceLevel        float64         `json:"confidence_level"`
	CalculationBreakdown   Breakdown       `json:"calculation_breakdown"`
	Methods                []MethodOutcome `json:"methods"`
	Warnings               []string        `json:"warnings,omitempty"`
}
