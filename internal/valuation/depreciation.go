package valuation

import (
	"math"
	"strconv"
)

// MaxDepreciationPct caps building depreciation; land is valued separately
const MaxDepreciationPct = 95.0

// Depreciation is the outcome of the depreciation model for one building
type Depreciation struct {
	AnnualRatePct   float64
	AgePct          float64
	ConditionFactor float64
	Percentage      float64
}

type conditionAnchor struct {
	rating int
	factor float64
}

// Ratings of 3 or less raise depreciation by 25%, ratings of 8 or more lower
// it by 15%. Ratings in between follow the straight line joining the two, so
// 6 is close to neutral and 7 already earns a small reduction.
var conditionCurve = []conditionAnchor{
	{3, 1.25},
	{8, 0.85},
}

// ConditionFactor returns the relative depreciation multiplier for a 1-10
// rating. An entry in overrides keyed by the rating takes precedence.
func ConditionFactor(condition int, overrides map[string]float64) float64 {
	if v, ok := overrides[strconv.Itoa(condition)]; ok && finite(v) && v > 0 {
		return v
	}
	if condition <= conditionCurve[0].rating {
		return conditionCurve[0].factor
	}
	for i := 1; i < len(conditionCurve); i++ {
		lo, hi := conditionCurve[i-1], conditionCurve[i]
		if condition <= hi.rating {
			t := float64(condition-lo.rating) / float64(hi.rating-lo.rating)
			return lo.factor + t*(hi.factor-lo.factor)
		}
	}
	return conditionCurve[len(conditionCurve)-1].factor
}

// Depreciate applies straight-line age depreciation over the economic life,
// scales it by condition and clamps the result to [0, MaxDepreciationPct].
func Depreciate(age, economicLife float64, condition int, overrides map[string]float64) Depreciation {
	ratio := math.Min(age/economicLife, 1) * 100
	agePct := math.Min(ratio, 100)
	factor := ConditionFactor(condition, overrides)

	return Depreciation{
		AnnualRatePct:   100 / economicLife,
		AgePct:          agePct,
		ConditionFactor: factor,
		Percentage:      clamp(agePct*factor, 0, MaxDepreciationPct),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
