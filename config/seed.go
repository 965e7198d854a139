package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"appraisal/server/internal/geometry"
	"appraisal/server/internal/models"
	"appraisal/server/internal/valuation"
)

// DateLayout is the date format used in seed files
const DateLayout = "2006-01-02"

var ErrInvalidSeed = errors.New("invalid seed file")

// Seed is the content of a coefficient seed file
type Seed struct {
	Formulas           []SeedFormula      `mapstructure:"formulas"`
	Districts          []SeedDistrict     `mapstructure:"districts"`
	FallbackLandPrices map[string]float64 `mapstructure:"fallback_land_prices"`
	EconomicLife       map[string]float64 `mapstructure:"economic_life"`
}

// SeedFormula is one formula entry. Dates are quoted strings.
type SeedFormula struct {
	FormulaType          string             `mapstructure:"formula_type"`
	PropertyType         string             `mapstructure:"property_type"`
	AreaType             string             `mapstructure:"area_type"`
	BaseRate             float64            `mapstructure:"base_rate"`
	AgeFactor            *float64           `mapstructure:"age_factor"`
	ConditionMultipliers map[string]float64 `mapstructure:"condition_multipliers"`
	LocationAdjustments  map[string]float64 `mapstructure:"location_adjustments"`
	EffectiveFrom        string             `mapstructure:"effective_from"`
	EffectiveUntil       string             `mapstructure:"effective_until"`
	Inactive             bool               `mapstructure:"inactive"`
}

// SeedDistrict is one district entry. The boundary is either a GeoJSON
// geometry or a list of [lng, lat] points wrapped in their convex hull.
type SeedDistrict struct {
	Name               string      `mapstructure:"name"`
	AveragePricePerSqm float64     `mapstructure:"average_price_per_sqm"`
	MarketTrend        string      `mapstructure:"market_trend"`
	AreaType           string      `mapstructure:"area_type"`
	Boundary           string      `mapstructure:"boundary"`
	Points             [][]float64 `mapstructure:"points"`
}

// LoadSeed reads a YAML seed file
func LoadSeed(path string) (*Seed, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading seed file, %s", err)
	}

	var seed Seed
	if err := v.Unmarshal(&seed); err != nil {
		return nil, fmt.Errorf("unable to decode seed file, %s", err)
	}
	return &seed, nil
}

// Records converts the seed into validated formulas and districts
func (s *Seed) Records() ([]models.Formula, []models.District, error) {
	formulas := make([]models.Formula, 0, len(s.Formulas))
	for i, sf := range s.Formulas {
		f, err := sf.formula()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: formula %d: %v", ErrInvalidSeed, i+1, err)
		}
		formulas = append(formulas, f)
	}

	districts := make([]models.District, 0, len(s.Districts))
	for _, sd := range s.Districts {
		d, err := sd.district()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: district %q: %v", ErrInvalidSeed, sd.Name, err)
		}
		districts = append(districts, d)
	}
	return formulas, districts, nil
}

func (sf SeedFormula) formula() (models.Formula, error) {
	if sf.AgeFactor == nil {
		return models.Formula{}, errors.New("age_factor is required")
	}
	from, err := ParseDate(sf.EffectiveFrom)
	if err != nil {
		return models.Formula{}, fmt.Errorf("effective_from: %w", err)
	}

	f := models.Formula{
		FormulaType:          models.FormulaType(strings.TrimSpace(sf.FormulaType)),
		PropertyType:         strings.TrimSpace(sf.PropertyType),
		AreaType:             models.AreaType(strings.TrimSpace(sf.AreaType)),
		BaseRate:             sf.BaseRate,
		AgeFactor:            *sf.AgeFactor,
		ConditionMultipliers: sf.ConditionMultipliers,
		LocationAdjustments:  sf.LocationAdjustments,
		EffectiveFrom:        from,
		IsActive:             !sf.Inactive,
	}
	if sf.EffectiveUntil != "" {
		until, err := ParseDate(sf.EffectiveUntil)
		if err != nil {
			return models.Formula{}, fmt.Errorf("effective_until: %w", err)
		}
		f.EffectiveUntil = &until
	}
	if err := f.Validate(); err != nil {
		return models.Formula{}, err
	}
	return f, nil
}

func (sd SeedDistrict) district() (models.District, error) {
	d := models.District{
		Name:               strings.TrimSpace(sd.Name),
		AveragePricePerSqm: sd.AveragePricePerSqm,
		MarketTrend:        models.MarketTrend(strings.TrimSpace(sd.MarketTrend)),
		AreaType:           models.AreaType(strings.TrimSpace(sd.AreaType)),
		Boundary:           strings.TrimSpace(sd.Boundary),
	}

	if d.Boundary == "" && len(sd.Points) > 0 {
		points := make([][2]float64, 0, len(sd.Points))
		for _, p := range sd.Points {
			if len(p) != 2 {
				return models.District{}, fmt.Errorf("point %v must be [lng, lat]", p)
			}
			points = append(points, [2]float64{p[0], p[1]})
		}
		boundary, err := geometry.BoundaryFromPoints(points)
		if err != nil {
			return models.District{}, err
		}
		d.Boundary = boundary
	}
	if err := geometry.ValidateBoundary(d.Boundary); err != nil {
		return models.District{}, err
	}
	if err := d.Validate(); err != nil {
		return models.District{}, err
	}
	return d, nil
}

// ApplyTo adds the seed's fallback land prices and economic lives to settings.
// Entries already configured win.
func (s *Seed) ApplyTo(settings *valuation.Settings) {
	settings.FallbackLandPrices = mergeMissing(settings.FallbackLandPrices, s.FallbackLandPrices)
	settings.EconomicLifeByConstruction = mergeMissing(settings.EconomicLifeByConstruction, s.EconomicLife)
}

func mergeMissing(dst, src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]float64, len(src))
	}
	for k, v := range src {
		if v <= 0 {
			continue
		}
		key := models.NormalizeKey(k)
		if _, ok := dst[key]; !ok {
			dst[key] = v
		}
	}
	return dst
}

// ParseDate reads a seed or request date: YYYY-MM-DD or RFC 3339
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected %s", s, DateLayout)
	}
	return t.UTC(), nil
}
