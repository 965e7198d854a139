package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDistrict is returned for districts that cannot be stored
var ErrInvalidDistrict = errors.New("invalid district")

// MarketTrend is the direction of prices in a district
type MarketTrend string

const (
	TrendRising    MarketTrend = "rising"
	TrendStable    MarketTrend = "stable"
	TrendDeclining MarketTrend = "declining"
)

// Valid reports whether t is one of the known trends
func (t MarketTrend) Valid() bool {
	switch t {
	case TrendRising, TrendStable, TrendDeclining:
		return true
	}
	return false
}

// District holds the market anchor data for one location key
type District struct {
	ID                 uint        `gorm:"primaryKey" json:"id"`
	Name               string      `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	AveragePricePerSqm float64     `gorm:"not null" json:"average_price_per_sqm"`
	MarketTrend        MarketTrend `gorm:"type:varchar(16);not null" json:"market_trend"`
	AreaType           AreaType    `gorm:"type:varchar(16)" json:"area_type,omitempty"`
	Boundary           string      `gorm:"type:text" json:"boundary,omitempty"` // GeoJSON geometry
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

func (District) TableName() string {
	return "districts"
}

// Validate checks a district before it is stored. Boundaries are checked by
// the geometry package.
func (d District) Validate() error {
	var problems []string
	if NormalizeKey(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !(d.AveragePricePerSqm > 0) {
		problems = append(problems, "average_price_per_sqm must be positive")
	}
	if !d.MarketTrend.Valid() {
		problems = append(problems, fmt.Sprintf("unknown market_trend %q", d.MarketTrend))
	}
	if d.AreaType != "" && !d.AreaType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown area_type %q", d.AreaType))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDistrict, strings.Join(problems, "; "))
	}
	return nil
}

// Key returns the lookup key for the district
func (d District) Key() string {
	return NormalizeKey(d.Name)
}

// NormalizeKey folds a location or label to its lookup form
func NormalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}
