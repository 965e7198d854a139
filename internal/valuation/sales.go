package valuation

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"appraisal/server/internal/models"
)

// adjustedComparable is one comparable sale after every adjustment
type adjustedComparable struct {
	Address            string
	PricePerSqm        float64
	MonthsSinceSale    float64
	AgePct             float64
	FinishingPct       float64
	FloorPct           float64
	OrientationPct     float64
	ViewPct            float64
	TimePct            float64
	NetAdjustmentPct   float64
	GrossAdjustmentPct float64
	AdjustedPerSqm     float64
	Weight             float64
	Outlier            bool
}

type salesResult struct {
	Value       float64
	Comparables []adjustedComparable
}

type candidate struct {
	sale   models.ComparableSale
	ppsqm  float64
	months float64
	index  int
}

func salesComparison(r request, l *lookups, s Settings, warn *notes) (salesResult, Outcome) {
	if len(r.ComparableSales) == 0 {
		return salesResult{}, Unavailable(MethodSalesComparison, ErrNoComparables)
	}
	if l.district == nil {
		return salesResult{}, Unavailable(MethodSalesComparison, l.districtErr)
	}
	if l.market == nil {
		return salesResult{}, Unavailable(MethodSalesComparison, l.marketErr)
	}

	candidates := make([]candidate, 0, len(r.ComparableSales))
	for i, sale := range r.ComparableSales {
		c, err := checkComparable(i, sale, r, s, warn)
		if err != nil {
			warn.addf("comparable %d excluded: %v", i+1, err)
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return salesResult{}, Unavailable(MethodSalesComparison,
			newError(KindInconsistentComparable, "none of the %d comparable sales is usable", len(r.ComparableSales)))
	}

	// most recent first; the original order breaks ties
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].months < candidates[j].months
	})
	if len(candidates) > s.MaxComparables {
		for _, dropped := range candidates[s.MaxComparables:] {
			warn.addf("comparable %d dropped: only the %d most recent sales are used", dropped.index+1, s.MaxComparables)
		}
		candidates = candidates[:s.MaxComparables]
	}

	ageFactor := l.market.AgeFactor
	if ageFactor == 0 && l.depreciation != nil {
		ageFactor = l.depreciation.AgeFactor
	}
	trend, _ := lookupRate(l.market.LocationAdjustments, "trend:"+string(l.district.MarketTrend))

	res := salesResult{Comparables: make([]adjustedComparable, 0, len(candidates))}
	var weighted, weights float64
	for _, c := range candidates {
		adj := adjustComparable(c, r, l.market, ageFactor, trend, s)
		if !finite(adj.AdjustedPerSqm) || !finite(adj.Weight) {
			warn.addf("comparable %d excluded: adjusted price is out of range", c.index+1)
			continue
		}
		if adj.AdjustedPerSqm <= 0 {
			warn.addf("comparable %d excluded: adjustments of %.2f%% leave no positive price", c.index+1, adj.NetAdjustmentPct)
			continue
		}
		if adj.Outlier {
			warn.addf("comparable %d down-weighted: gross adjustment %.2f%% exceeds %.2f%%",
				c.index+1, adj.GrossAdjustmentPct, s.AdjustmentThreshold)
		}
		res.Comparables = append(res.Comparables, adj)
		weighted += adj.Weight * adj.AdjustedPerSqm
		weights += adj.Weight
	}
	if len(res.Comparables) == 0 || weights <= 0 {
		return salesResult{}, Unavailable(MethodSalesComparison,
			newError(KindInconsistentComparable, "no comparable sale survived adjustment"))
	}

	res.Value = weighted / weights * r.Area
	if !finite(res.Value) {
		return salesResult{}, Unavailable(MethodSalesComparison, errOutOfRange(MethodSalesComparison))
	}
	return res, Available(MethodSalesComparison, res.Value, salesConfidence(res.Comparables, s.MaxComparables))
}

// checkComparable confirms price per sqm and works out how old the sale is
func checkComparable(index int, sale models.ComparableSale, r request, s Settings, warn *notes) (candidate, error) {
	if !finite(sale.SalePrice) || sale.SalePrice <= 0 {
		return candidate{}, newError(KindInconsistentComparable, "sale price must be positive")
	}
	if !finite(sale.Area) || sale.Area <= 0 {
		return candidate{}, newError(KindInconsistentComparable, "area must be positive")
	}
	if !finite(sale.Age) || sale.Age < 0 {
		return candidate{}, newError(KindInconsistentComparable, "age must be zero or more")
	}

	ppsqm := sale.SalePrice / sale.Area
	if !finite(ppsqm) || ppsqm <= 0 {
		return candidate{}, newError(KindInconsistentComparable, "sale price / area is out of range")
	}
	if sale.PricePerSqm != nil {
		supplied := *sale.PricePerSqm
		if !finite(supplied) || supplied <= 0 || math.Abs(supplied-ppsqm)/ppsqm > s.ConsistencyTolerance {
			return candidate{}, newError(KindInconsistentComparable,
				"price per sqm %.2f does not match sale price / area = %.2f", supplied, ppsqm)
		}
	}

	var months float64
	switch {
	case sale.MonthsSinceSale != nil:
		months = *sale.MonthsSinceSale
		if !finite(months) || months < 0 {
			return candidate{}, newError(KindInconsistentComparable, "months since sale must be zero or more")
		}
	case sale.SoldAt != nil:
		if sale.SoldAt.After(r.AsOf) {
			return candidate{}, newError(KindInconsistentComparable, "sold after the valuation date")
		}
		months = r.AsOf.Sub(*sale.SoldAt).Hours() / 24 / daysPerMonth
	default:
		months = s.UnknownSaleMonths
		warn.addf("comparable %d has no sale date, assumed %.0f months old", index+1, months)
	}

	return candidate{sale: sale, ppsqm: ppsqm, months: months, index: index}, nil
}

const daysPerMonth = 365.25 / 12

// details reports the comparables that were used, weights normalised to sum to one
func (s salesResult) details() []models.ComparableDetail {
	var total float64
	for _, c := range s.Comparables {
		total += c.Weight
	}
	out := make([]models.ComparableDetail, len(s.Comparables))
	for i, c := range s.Comparables {
		out[i] = models.ComparableDetail{
			Address:             c.Address,
			PricePerSqm:         round2(c.PricePerSqm),
			MonthsSinceSale:     round2(c.MonthsSinceSale),
			AgePct:              round4(c.AgePct),
			FinishingPct:        round4(c.FinishingPct),
			FloorPct:            round4(c.FloorPct),
			OrientationPct:      round4(c.OrientationPct),
			ViewPct:             round4(c.ViewPct),
			TimePct:             round4(c.TimePct),
			NetAdjustmentPct:    round4(c.NetAdjustmentPct),
			GrossAdjustmentPct:  round4(c.GrossAdjustmentPct),
			AdjustedPricePerSqm: round2(c.AdjustedPerSqm),
			Weight:              round4(c.Weight / total),
			Outlier:             c.Outlier,
		}
	}
	return out
}

func adjustComparable(c candidate, r request, market *models.Formula, ageFactor, trend float64, s Settings) adjustedComparable {
	rates := market.LocationAdjustments
	adj := adjustedComparable{
		Address:         c.sale.Address,
		PricePerSqm:     c.ppsqm,
		MonthsSinceSale: c.months,
		AgePct:          (c.sale.Age - r.Age) * ageFactor,
		OrientationPct:  labelPremium(rates, "orientation", r.Orientation) - labelPremium(rates, "orientation", c.sale.Orientation),
		ViewPct:         labelPremium(rates, "view", r.ViewCategory) - labelPremium(rates, "view", c.sale.ViewCategory),
		TimePct:         c.months / 12 * trend,
	}

	subjectRank, subjectOK := r.FinishingLevel.Rank()
	compRank, compOK := c.sale.FinishingLevel.Rank()
	if r.FinishingLevel != "" && c.sale.FinishingLevel != "" && subjectOK && compOK {
		adj.FinishingPct = float64(subjectRank-compRank) * market.BaseRate
	}

	if r.Floor != nil && c.sale.Floor != nil {
		adj.FloorPct = floorPremium(rates, *r.Floor) - floorPremium(rates, *c.sale.Floor)
	}

	parts := []float64{adj.AgePct, adj.FinishingPct, adj.FloorPct, adj.OrientationPct, adj.ViewPct, adj.TimePct}
	for _, p := range parts {
		adj.NetAdjustmentPct += p
		adj.GrossAdjustmentPct += math.Abs(p)
	}
	adj.AdjustedPerSqm = c.ppsqm * (1 + adj.NetAdjustmentPct/100)

	adj.Weight = 1 / (1 + adj.GrossAdjustmentPct/100) * 1 / (1 + c.months/12)
	if adj.GrossAdjustmentPct > s.AdjustmentThreshold {
		adj.Outlier = true
		adj.Weight *= s.OutlierPenalty
	}
	return adj
}

// labelPremium returns the premium for "<prefix>:<label>", zero when unmatched
func labelPremium(rates map[string]float64, prefix, label string) float64 {
	if strings.TrimSpace(label) == "" {
		return 0
	}
	v, _ := lookupRate(rates, prefix+":"+label)
	return v
}

// floorPremium uses the exact floor key, else the nearest numeric floor key.
// Equally near keys resolve to the lower floor.
func floorPremium(rates map[string]float64, floor int) float64 {
	var bestKey string
	bestFloor, found := 0, false
	for k, v := range rates {
		key := models.NormalizeKey(k)
		if !strings.HasPrefix(key, "floor:") || !finite(v) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(key, "floor:"))
		if err != nil {
			continue
		}
		if !found || closer(n, bestFloor, floor) || (n == bestFloor && k < bestKey) {
			bestKey, bestFloor, found = k, n, true
		}
	}
	if !found {
		return 0
	}
	return rates[bestKey]
}

func closer(candidate, current, target int) bool {
	dc, dcur := absInt(candidate-target), absInt(current-target)
	if dc != dcur {
		return dc < dcur
	}
	return candidate < current
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
