package valuation

import "appraisal/server/internal/models"

type incomeResult struct {
	Value          float64
	MonthlyRent    float64
	CapRatePct     float64
	RentSupplied   bool
	CapFromFormula bool
}

// incomeApproach capitalises annual rent: value = rent * 12 / (cap / 100).
// The default cap rate is positive once NewEngine has filled the settings.
func incomeApproach(r request, l *lookups, s Settings) (incomeResult, Outcome) {
	res := incomeResult{CapRatePct: s.DefaultCapRatePct}

	switch {
	case r.RentalEstimate != nil:
		res.MonthlyRent = *r.RentalEstimate
		res.RentSupplied = true
	case l.market != nil:
		perSqm, ok := districtRate(l.market.LocationAdjustments, "rent_per_sqm", r.Location)
		if !ok || perSqm <= 0 {
			return incomeResult{}, Unavailable(MethodIncome, ErrNoRentalData)
		}
		res.MonthlyRent = perSqm * r.Area
	default:
		return incomeResult{}, Unavailable(MethodIncome, ErrNoRentalData)
	}

	if l.market != nil {
		if rate, ok := districtRate(l.market.LocationAdjustments, "cap_rate", r.Location); ok && rate > 0 {
			res.CapRatePct = rate
			res.CapFromFormula = true
		}
	}

	res.Value = res.MonthlyRent * 12 / (res.CapRatePct / 100)
	if !finite(res.Value) {
		return incomeResult{}, Unavailable(MethodIncome, errOutOfRange(MethodIncome))
	}
	return res, Available(MethodIncome, res.Value, incomeConfidence(res.RentSupplied, res.CapFromFormula))
}

func (i incomeResult) detail() *models.IncomeDetail {
	d := &models.IncomeDetail{
		MonthlyRent:   round2(i.MonthlyRent),
		RentSource:    "rent_table",
		CapRatePct:    round4(i.CapRatePct),
		CapRateSource: "default",
	}
	if i.RentSupplied {
		d.RentSource = "supplied"
	}
	if i.CapFromFormula {
		d.CapRateSource = "formula"
	}
	return d
}

// districtRate prefers "<name>:<district>" over the plain "<name>" entry
func districtRate(rates map[string]float64, name, district string) (float64, bool) {
	if v, ok := lookupRate(rates, name+":"+district); ok {
		return v, true
	}
	return lookupRate(rates, name)
}
