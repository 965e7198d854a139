package valuation

import (
	"context"
	"errors"
	"time"

	"appraisal/server/internal/models"
)

// Repository is the read-only view of formulas and districts the engine
// consumes. Implementations return ErrFormulaNotFound / ErrDistrictNotFound
// (possibly wrapped) when nothing matches; any other error is treated as an
// infrastructure failure and aborts the valuation.
type Repository interface {
	FindFormula(ctx context.Context, formulaType models.FormulaType, propertyType string, areaType models.AreaType, asOf time.Time) (models.Formula, error)
	FindDistrict(ctx context.Context, key string) (models.District, error)
}

// lookups is everything fetched from the repository for one request. It is
// filled once before any calculation starts and never re-fetched.
type lookups struct {
	areaType models.AreaType

	district    *models.District
	districtErr error

	depreciation    *models.Formula
	depreciationErr error

	market    *models.Formula
	marketErr error

	location    *models.Formula
	locationErr error
}

func resolveLookups(ctx context.Context, repo Repository, r request) (*lookups, error) {
	l := &lookups{}

	district, err := repo.FindDistrict(ctx, r.Location)
	switch {
	case err == nil:
		l.district = &district
	case errors.Is(err, ErrDistrictNotFound):
		l.districtErr = &Error{Kind: KindDistrictNotFound, Message: "no district for location " + r.Location, Err: err}
	default:
		return nil, &Error{Kind: KindInternal, Message: "district lookup failed", Err: err}
	}

	l.areaType = r.resolveAreaType(l.district)

	if l.depreciation, l.depreciationErr, err = findFormula(ctx, repo, models.FormulaDepreciation, r, l.areaType); err != nil {
		return nil, err
	}
	if l.market, l.marketErr, err = findFormula(ctx, repo, models.FormulaMarketAdjustment, r, l.areaType); err != nil {
		return nil, err
	}
	if l.location, l.locationErr, err = findFormula(ctx, repo, models.FormulaLocationFactor, r, l.areaType); err != nil {
		return nil, err
	}
	return l, nil
}

// findFormula separates a miss (second return) from an infrastructure
// failure (third return).
func findFormula(ctx context.Context, repo Repository, formulaType models.FormulaType, r request, areaType models.AreaType) (*models.Formula, error, error) {
	f, err := repo.FindFormula(ctx, formulaType, r.PropertyType, areaType, r.AsOf)
	switch {
	case err == nil:
		return &f, nil, nil
	case errors.Is(err, ErrFormulaNotFound):
		miss := newError(KindFormulaNotFound, "no active %s formula for %s/%s as of %s",
			formulaType, r.PropertyType, areaType, r.AsOf.Format("2006-01-02"))
		miss.Err = err
		return nil, miss, nil
	default:
		return nil, nil, &Error{Kind: KindInternal, Message: string(formulaType) + " formula lookup failed", Err: err}
	}
}
