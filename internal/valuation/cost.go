package valuation

import (
	"appraisal/server/internal/models"
)

type landSource string

const (
	landFromSubLocation landSource = "sub_location"
	landFromDistrict    landSource = "district"
	landFromFallback    landSource = "fallback"
)

// costResult is the cost approach valuation with the pieces reconciliation
// reports when the approach participates
type costResult struct {
	Value           float64
	LandValue       float64
	BuildingValue   float64
	LandPricePerSqm float64
	LandArea        float64
	EconomicLife    float64
	LandSource      landSource
	Depreciation    Depreciation
	Breakdown       models.Breakdown
}

func costApproach(r request, l *lookups, s Settings, warn *notes) (costResult, Outcome) {
	if l.depreciation == nil {
		return costResult{}, Unavailable(MethodCost, l.depreciationErr)
	}

	base := l.depreciation.BaseRate * r.Area
	dep := Depreciate(r.Age, r.economicLife, r.Condition, l.depreciation.ConditionMultipliers)
	depreciated := base * (1 - dep.Percentage/100)

	b := models.Breakdown{
		BaseBuildingCost:    base,
		AgeDepreciation:     -base * dep.AgePct / 100,
		ConditionAdjustment: -base * (dep.Percentage - dep.AgePct) / 100,
	}

	if r.NeighborhoodRating != nil {
		if l.location != nil {
			b.LocationAdjustment = depreciated * l.location.BaseRate * float64(*r.NeighborhoodRating-5) / 100
		} else {
			warn.addf("location adjustment skipped: %v", l.locationErr)
		}
	}

	if l.district != nil && l.market != nil {
		if trend, ok := lookupRate(l.market.LocationAdjustments, "trend:"+string(l.district.MarketTrend)); ok {
			b.MarketAdjustment = depreciated * trend / 100
		}
	}

	building := b.Total()
	if building < 0 {
		b.MarketAdjustment -= building
		building = 0
	}

	price, source, ok := landPrice(r, l, s)
	if !ok {
		reason := l.districtErr
		if reason == nil {
			reason = newError(KindDistrictNotFound, "no land price for location %s", r.Location)
		}
		return costResult{}, Unavailable(MethodCost, reason)
	}
	if source == landFromFallback {
		warn.addf("land priced from fallback table at %.2f per sqm", price)
	}

	land := price * r.landArea
	res := costResult{
		Value:           land + building,
		LandValue:       land,
		BuildingValue:   building,
		LandPricePerSqm: price,
		LandArea:        r.landArea,
		EconomicLife:    r.economicLife,
		LandSource:      source,
		Depreciation:    dep,
		Breakdown:       b,
	}
	// a finite total implies finite land, building and breakdown components
	if !finite(res.Value) || !finite(dep.AnnualRatePct) {
		return costResult{}, Unavailable(MethodCost, errOutOfRange(MethodCost))
	}
	return res, Available(MethodCost, res.Value, costConfidence(r, res))
}

func (c costResult) detail() *models.CostDetail {
	return &models.CostDetail{
		LandPricePerSqm:           round2(c.LandPricePerSqm),
		LandSource:                string(c.LandSource),
		LandArea:                  round4(c.LandArea),
		EconomicLifeYears:         round4(c.EconomicLife),
		AnnualDepreciationRatePct: round4(c.Depreciation.AnnualRatePct),
		AgeDepreciationPct:        round4(c.Depreciation.AgePct),
		ConditionFactor:           round4(c.Depreciation.ConditionFactor),
	}
}

// landPrice resolves the land price per sqm: sub-location override, then the
// district average, then the configured fallback by location and area type.
func landPrice(r request, l *lookups, s Settings) (float64, landSource, bool) {
	if r.SubLocation != "" && l.location != nil {
		if v, ok := lookupRate(l.location.LocationAdjustments, r.SubLocation); ok && v > 0 {
			return v, landFromSubLocation, true
		}
	}
	if l.district != nil && l.district.AveragePricePerSqm > 0 {
		return l.district.AveragePricePerSqm, landFromDistrict, true
	}
	if v := s.FallbackLandPrices[r.Location]; v > 0 {
		return v, landFromFallback, true
	}
	if v := s.FallbackLandPrices[string(l.areaType)]; v > 0 {
		return v, landFromFallback, true
	}
	return 0, "", false
}

// lookupRate finds key in a formula's rate map, ignoring case and spacing
func lookupRate(rates map[string]float64, key string) (float64, bool) {
	if v, ok := rates[key]; ok && finite(v) {
		return v, true
	}
	want := models.NormalizeKey(key)
	var match string
	found := false
	for k, v := range rates {
		if models.NormalizeKey(k) != want || !finite(v) {
			continue
		}
		// several spellings of one key resolve to the smallest for a stable result
		if !found || k < match {
			match, found = k, true
		}
	}
	if !found {
		return 0, false
	}
	return rates[match], true
}
