package valuation

import (
	"fmt"
	"math"
	"strings"

	"appraisal/server/internal/models"
)

// request is a validated ValuationInput with every default applied
type request struct {
	models.ValuationInput

	economicLife float64
	landArea     float64
	// land area was derived from the built area instead of supplied
	landDerived bool
}

// Validate checks the required fields of in and the ranges of the optional ones
func Validate(in models.ValuationInput) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !finite(in.Area) || in.Area <= 0 {
		add("area must be a positive number")
	}
	if !finite(in.Age) || in.Age < 0 {
		add("age must be zero or more")
	}
	if in.Condition < 1 || in.Condition > 10 {
		add("condition must be between 1 and 10")
	}
	if strings.TrimSpace(in.Location) == "" {
		add("location is required")
	}
	if strings.TrimSpace(in.PropertyType) == "" {
		add("propertyType is required")
	}
	if in.AsOf.IsZero() {
		add("asOf is required")
	}
	if in.AreaType != "" && !in.AreaType.Valid() {
		add("areaType %q is not one of urban, suburban, rural", in.AreaType)
	}
	if in.FinishingLevel != "" {
		if _, ok := in.FinishingLevel.Rank(); !ok {
			add("finishingLevel %q is not recognised", in.FinishingLevel)
		}
	}
	if in.NeighborhoodRating != nil && (*in.NeighborhoodRating < 1 || *in.NeighborhoodRating > 10) {
		add("neighborhoodRating must be between 1 and 10")
	}
	if in.EconomicLifeYears != nil && (!finite(*in.EconomicLifeYears) || *in.EconomicLifeYears <= 0) {
		add("economicLifeYears must be a positive number")
	}
	if in.LandArea != nil && (!finite(*in.LandArea) || *in.LandArea < 0) {
		add("landArea must be zero or more")
	}
	if in.UnitsInBuilding != nil && *in.UnitsInBuilding < 1 {
		add("unitsInBuilding must be at least 1")
	}
	if in.RentalEstimate != nil && (!finite(*in.RentalEstimate) || *in.RentalEstimate <= 0) {
		add("rentalEstimate must be a positive number")
	}

	if len(problems) > 0 {
		return newError(KindInvalidInput, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// prepare validates in and applies the documented defaults
func prepare(in models.ValuationInput, s Settings) (request, error) {
	if err := Validate(in); err != nil {
		return request{}, err
	}

	r := request{ValuationInput: in}
	r.Location = models.NormalizeKey(in.Location)
	r.PropertyType = strings.TrimSpace(in.PropertyType)
	r.AsOf = in.AsOf.UTC()

	switch {
	case in.EconomicLifeYears != nil:
		r.economicLife = *in.EconomicLifeYears
	case s.EconomicLifeByConstruction[models.NormalizeKey(in.ConstructionType)] > 0:
		r.economicLife = s.EconomicLifeByConstruction[models.NormalizeKey(in.ConstructionType)]
	default:
		r.economicLife = s.DefaultEconomicLife
	}

	if in.LandArea != nil {
		r.landArea = *in.LandArea
	} else {
		r.landArea = in.Area * s.LandShareRatio
		r.landDerived = true
	}
	if in.UnitsInBuilding != nil && *in.UnitsInBuilding > 1 {
		r.landArea /= float64(*in.UnitsInBuilding)
	}
	return r, nil
}

// resolveAreaType prefers the explicit input, then the district, then urban
func (r request) resolveAreaType(district *models.District) models.AreaType {
	if r.AreaType != "" {
		return r.AreaType
	}
	if district != nil && district.AreaType.Valid() {
		return district.AreaType
	}
	return models.AreaUrban
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
