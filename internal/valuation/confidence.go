package valuation

import "math"

func costConfidence(r request, c costResult) float64 {
	checks := []bool{
		true, // depreciation formula resolved
		c.LandSource != landFromFallback,
		!r.landDerived,
		r.ConstructionType != "",
		r.NeighborhoodRating != nil,
	}
	met := 0
	for _, ok := range checks {
		if ok {
			met++
		}
	}
	completeness := float64(met) / float64(len(checks)) * 100
	return clamp(0.6*completeness+0.4*(100-c.Depreciation.Percentage), 0, 100)
}

func salesConfidence(used []adjustedComparable, maxComparables int) float64 {
	if len(used) == 0 {
		return 0
	}
	var gross, recency float64
	for _, c := range used {
		gross += c.GrossAdjustmentPct
		recency += 100 / (1 + c.MonthsSinceSale/12)
	}
	n := float64(len(used))
	count := math.Min(n/float64(maxComparables), 1) * 100
	adjustment := 100 - math.Min(gross/n/50, 1)*100
	return clamp(0.4*count+0.35*adjustment+0.25*(recency/n), 0, 100)
}

func incomeConfidence(rentSupplied, capFromFormula bool) float64 {
	rent, capRate := 60.0, 60.0
	if rentSupplied {
		rent = 100
	}
	if capFromFormula {
		capRate = 100
	}
	return clamp(0.6*rent+0.4*capRate, 0, 100)
}
