package geometry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/sirupsen/logrus"

	"appraisal/server/internal/models"
)

var (
	ErrInvalidBoundary = errors.New("invalid district boundary")
	ErrNotEnoughPoints = errors.New("at least 3 distinct points are required")
)

// area is a district boundary prepared for point lookups
type area struct {
	name   string
	shape  orb.Geometry
	bound  orb.Bound
	extent float64
}

// Locator resolves coordinates to the district whose boundary contains them
type Locator struct {
	areas  []area
	logger *logrus.Logger
}

// NewLocator prepares the boundaries of districts. Districts without a
// boundary are skipped, malformed boundaries are logged and skipped.
func NewLocator(districts []models.District, logger *logrus.Logger) *Locator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	l := &Locator{logger: logger}
	for _, d := range districts {
		if strings.TrimSpace(d.Boundary) == "" {
			continue
		}
		shape, err := ParseBoundary(d.Boundary)
		if err != nil {
			logger.WithError(err).WithField("district", d.Name).Warn("Skipping district boundary")
			continue
		}
		l.areas = append(l.areas, area{
			name:   d.Name,
			shape:  shape,
			bound:  shape.Bound(),
			extent: planar.Area(shape),
		})
	}

	// smaller areas first so nested districts win over their parents
	sort.Slice(l.areas, func(i, j int) bool {
		if l.areas[i].extent != l.areas[j].extent {
			return l.areas[i].extent < l.areas[j].extent
		}
		return l.areas[i].name < l.areas[j].name
	})
	return l
}

// Len returns the number of districts with a usable boundary
func (l *Locator) Len() int {
	return len(l.areas)
}

// Locate returns the name of the smallest district containing the point
func (l *Locator) Locate(lat, lng float64) (string, bool) {
	point := orb.Point{lng, lat}
	for _, a := range l.areas {
		if !a.bound.Contains(point) {
			continue
		}
		if contains(a.shape, point) {
			return a.name, true
		}
	}
	return "", false
}

func contains(shape orb.Geometry, point orb.Point) bool {
	switch g := shape.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, point)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, point)
	}
	return false
}

// ParseBoundary decodes a GeoJSON Polygon or MultiPolygon geometry
func ParseBoundary(boundary string) (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry([]byte(boundary))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBoundary, err)
	}

	switch shape := g.Geometry().(type) {
	case orb.Polygon:
		if len(shape) == 0 || len(shape[0]) < 4 {
			return nil, fmt.Errorf("%w: polygon needs a closed ring of at least 4 positions", ErrInvalidBoundary)
		}
		return shape, nil
	case orb.MultiPolygon:
		if len(shape) == 0 {
			return nil, fmt.Errorf("%w: empty multipolygon", ErrInvalidBoundary)
		}
		for _, p := range shape {
			if len(p) == 0 || len(p[0]) < 4 {
				return nil, fmt.Errorf("%w: polygon needs a closed ring of at least 4 positions", ErrInvalidBoundary)
			}
		}
		return shape, nil
	case nil:
		return nil, fmt.Errorf("%w: missing geometry", ErrInvalidBoundary)
	default:
		return nil, fmt.Errorf("%w: unsupported geometry type %s", ErrInvalidBoundary, shape.GeoJSONType())
	}
}

// ValidateBoundary reports whether boundary is empty or a usable geometry
func ValidateBoundary(boundary string) error {
	if strings.TrimSpace(boundary) == "" {
		return nil
	}
	_, err := ParseBoundary(boundary)
	return err
}

// BoundaryFromPoints builds a GeoJSON polygon from the convex hull of
// [lng, lat] sample points
func BoundaryFromPoints(points [][2]float64) (string, error) {
	pts := make([]orb.Point, len(points))
	for i, p := range points {
		pts[i] = orb.Point{p[0], p[1]}
	}

	hull, err := ConvexHull(pts)
	if err != nil {
		return "", err
	}

	data, err := geojson.NewGeometry(orb.Polygon{hull}).MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to encode boundary: %w", err)
	}
	return string(data), nil
}

// ConvexHull returns the closed, counter-clockwise hull ring of points
func ConvexHull(points []orb.Point) (orb.Ring, error) {
	pts := make([]orb.Point, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})

	// drop duplicates
	unique := pts[:0]
	for i, p := range pts {
		if i == 0 || !p.Equal(pts[i-1]) {
			unique = append(unique, p)
		}
	}
	if len(unique) < 3 {
		return nil, ErrNotEnoughPoints
	}

	// monotone chain
	hull := make([]orb.Point, 0, 2*len(unique))
	for _, p := range unique {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(unique) - 2; i >= 0; i-- {
		p := unique[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// collinear input collapses to a line
	if len(hull) < 4 {
		return nil, ErrNotEnoughPoints
	}
	return orb.Ring(hull), nil
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// FeatureCollection exports districts with a boundary as GeoJSON features
func FeatureCollection(districts []models.District) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, d := range districts {
		if strings.TrimSpace(d.Boundary) == "" {
			continue
		}
		shape, err := ParseBoundary(d.Boundary)
		if err != nil {
			continue
		}
		feature := geojson.NewFeature(shape)
		feature.Properties = geojson.Properties{
			"name":                  d.Name,
			"average_price_per_sqm": d.AveragePricePerSqm,
			"market_trend":          string(d.MarketTrend),
			"area_type":             string(d.AreaType),
		}
		fc.Append(feature)
	}
	return fc
}
