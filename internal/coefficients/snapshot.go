package coefficients

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"appraisal/server/internal/geometry"
	"appraisal/server/internal/models"
	"appraisal/server/internal/valuation"
)

// Loader reads the current coefficient tables from a backing store
type Loader interface {
	ActiveFormulas(ctx context.Context) ([]models.Formula, error)
	Districts(ctx context.Context) ([]models.District, error)
}

type formulaKey struct {
	formulaType  models.FormulaType
	propertyType string
	areaType     models.AreaType
}

func keyOf(formulaType models.FormulaType, propertyType string, areaType models.AreaType) formulaKey {
	return formulaKey{formulaType, models.NormalizeKey(propertyType), areaType}
}

// Snapshot is an immutable view of formulas and districts. It implements
// valuation.Repository without any I/O.
type Snapshot struct {
	Version     int64
	LoadedAt    time.Time
	Fingerprint string // digest of the content, stable across restarts

	formulas  map[formulaKey][]models.Formula
	districts map[string]models.District
	locator   *geometry.Locator
}

// NewSnapshot indexes formulas and districts. The inputs are copied.
func NewSnapshot(version int64, loadedAt time.Time, formulas []models.Formula, districts []models.District, logger *logrus.Logger) *Snapshot {
	s := &Snapshot{
		Version:   version,
		LoadedAt:  loadedAt,
		formulas:  make(map[formulaKey][]models.Formula),
		districts: make(map[string]models.District, len(districts)),
	}
	for _, f := range formulas {
		k := keyOf(f.FormulaType, f.PropertyType, f.AreaType)
		s.formulas[k] = append(s.formulas[k], f.Clone())
	}
	for k := range s.formulas {
		models.SortByEffective(s.formulas[k])
	}
	for _, d := range districts {
		s.districts[d.Key()] = d
	}
	s.locator = geometry.NewLocator(districts, logger)
	s.Fingerprint = fingerprint(s.Formulas(), s.Districts())
	return s
}

func fingerprint(formulas []models.Formula, districts []models.District) string {
	h := sha256.New()
	// encoding/json writes map keys sorted, so equal content hashes equally
	enc := json.NewEncoder(h)
	_ = enc.Encode(formulas)
	_ = enc.Encode(districts)
	return hex.EncodeToString(h.Sum(nil))
}

// FindFormula returns the formula governing asOf for the given key
func (s *Snapshot) FindFormula(_ context.Context, formulaType models.FormulaType, propertyType string, areaType models.AreaType, asOf time.Time) (models.Formula, error) {
	candidates := s.formulas[keyOf(formulaType, propertyType, areaType)]
	f, ok := models.SelectEffective(candidates, asOf)
	if !ok {
		return models.Formula{}, fmt.Errorf("%s/%s/%s: %w", formulaType, propertyType, areaType, valuation.ErrFormulaNotFound)
	}
	return f.Clone(), nil
}

// FindDistrict returns the district with the given key, case-insensitively
func (s *Snapshot) FindDistrict(_ context.Context, key string) (models.District, error) {
	d, ok := s.districts[models.NormalizeKey(key)]
	if !ok {
		return models.District{}, fmt.Errorf("%s: %w", key, valuation.ErrDistrictNotFound)
	}
	return d, nil
}

// Formulas returns every formula in the snapshot, ordered by key then recency
func (s *Snapshot) Formulas() []models.Formula {
	keys := make([]formulaKey, 0, len(s.formulas))
	for k := range s.formulas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].formulaType != keys[j].formulaType {
			return keys[i].formulaType < keys[j].formulaType
		}
		if keys[i].propertyType != keys[j].propertyType {
			return keys[i].propertyType < keys[j].propertyType
		}
		return keys[i].areaType < keys[j].areaType
	})

	var out []models.Formula
	for _, k := range keys {
		for _, f := range s.formulas[k] {
			out = append(out, f.Clone())
		}
	}
	return out
}

// Districts returns every district in the snapshot ordered by name
func (s *Snapshot) Districts() []models.District {
	out := make([]models.District, 0, len(s.districts))
	for _, d := range s.districts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Locate returns the district whose boundary contains the coordinates
func (s *Snapshot) Locate(lat, lng float64) (models.District, bool) {
	name, ok := s.locator.Locate(lat, lng)
	if !ok {
		return models.District{}, false
	}
	d, ok := s.districts[models.NormalizeKey(name)]
	return d, ok
}

// Store holds the current snapshot. Readers never block; Refresh swaps in a
// freshly loaded snapshot with the next version number.
type Store struct {
	loader  Loader
	logger  *logrus.Logger
	current atomic.Pointer[Snapshot]
	version atomic.Int64
	mu      sync.Mutex // serialises refreshes
	now     func() time.Time
}

// NewStore creates a store holding an empty version 0 snapshot
func NewStore(loader Loader, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	s := &Store{loader: loader, logger: logger, now: time.Now}
	s.current.Store(NewSnapshot(0, time.Time{}, nil, nil, logger))
	return s
}

// Current returns the snapshot to use for one whole computation
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Refresh loads the coefficient tables and publishes them as a new snapshot.
// On failure the previous snapshot stays current.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	formulas, err := s.loader.ActiveFormulas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load formulas: %w", err)
	}
	districts, err := s.loader.Districts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load districts: %w", err)
	}

	snap := NewSnapshot(s.version.Add(1), s.now().UTC(), formulas, districts, s.logger)
	s.current.Store(snap)

	s.logger.WithFields(logrus.Fields{
		"version":   snap.Version,
		"formulas":  len(formulas),
		"districts": len(districts),
	}).Info("Coefficient snapshot refreshed")
	return snap, nil
}
