package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appraisal/server/config"
	"appraisal/server/internal/cache"
	"appraisal/server/internal/coefficients"
	"appraisal/server/internal/database"
	"appraisal/server/internal/geocoding"
	"appraisal/server/internal/models"
	"appraisal/server/internal/valuation"
)

type captureRecorder struct {
	mu   sync.Mutex
	runs []*models.ValuationRun
}

func (r *captureRecorder) Record(run *models.ValuationRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
}

func (r *captureRecorder) recorded() []*models.ValuationRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.ValuationRun(nil), r.runs...)
}

type testServer struct {
	router  *gin.Engine
	handler *Handler
	db      *database.Database
	store   *coefficients.Store
	logger  *logrus.Logger
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	seed, err := config.LoadSeed("../../config/seed.yaml")
	require.NoError(t, err)
	formulas, districts, err := seed.Records()
	require.NoError(t, err)
	_, _, err = db.ImportSeed(context.Background(), formulas, districts)
	require.NoError(t, err)

	store := coefficients.NewStore(db, logger)
	_, err = store.Refresh(context.Background())
	require.NoError(t, err)

	settings := valuation.DefaultSettings()
	seed.ApplyTo(&settings)
	handler := NewHandler(db, store, valuation.NewEngine(settings), logger)

	router := gin.New()
	SetupRoutes(router, handler, []string{"http://localhost:5173"})

	return &testServer{router: router, handler: handler, db: db, store: store, logger: logger}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func apartmentRequest() map[string]interface{} {
	return map[string]interface{}{
		"area":         120,
		"age":          10,
		"condition":    7,
		"location":     "Downtown",
		"propertyType": "apartment",
		"asOf":         "2024-06-01",
	}
}

func TestCreateValuation(t *testing.T) {
	s := setupTestServer(t)
	recorder := &captureRecorder{}
	s.handler.SetRecorder(recorder)

	w := s.do(t, http.MethodPost, "/api/valuations", apartmentRequest())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp valuationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Greater(t, resp.MarketValueEstimate, 0.0)
	assert.Greater(t, resp.ConfidenceLevel, 0.0)
	assert.Len(t, resp.Methods, 3)
	assert.Equal(t, int64(1), resp.SnapshotVersion)
	assert.NotEmpty(t, resp.RequestID)
	assert.False(t, resp.Cached)
	assert.InDelta(t, resp.BuildingValue, resp.CalculationBreakdown.Total(), 0.01)

	runs := recorder.recorded()
	require.Len(t, runs, 1)
	assert.Equal(t, resp.RequestID, runs[0].ID)
	assert.Equal(t, "Downtown", runs[0].Location)
	assert.Equal(t, resp.MarketValueEstimate, runs[0].MarketValue)
	assert.Empty(t, runs[0].ErrorKind)
	assert.NotEmpty(t, runs[0].Result)
}

func TestCreateValuation_LocatesFromCoordinates(t *testing.T) {
	s := setupTestServer(t)

	body := apartmentRequest()
	delete(body, "location")
	body["latitude"] = 30.04
	body["longitude"] = 31.23

	w := s.do(t, http.MethodPost, "/api/valuations", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	byName := s.do(t, http.MethodPost, "/api/valuations", apartmentRequest())
	require.Equal(t, http.StatusOK, byName.Code)

	var located, named valuationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &located))
	require.NoError(t, json.Unmarshal(byName.Body.Bytes(), &named))
	assert.Equal(t, named.MarketValueEstimate, located.MarketValueEstimate)
}

func TestCreateValuation_Errors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(map[string]interface{})
		status   int
		kind     string
		recorded bool
	}{
		{
			name:     "condition out of range",
			mutate:   func(b map[string]interface{}) { b["condition"] = 11 },
			status:   http.StatusBadRequest,
			kind:     string(valuation.KindInvalidInput),
			recorded: true,
		},
		{
			name:     "negative area",
			mutate:   func(b map[string]interface{}) { b["area"] = -5 },
			status:   http.StatusBadRequest,
			kind:     string(valuation.KindInvalidInput),
			recorded: true,
		},
		{
			name:   "unparseable asOf",
			mutate: func(b map[string]interface{}) { b["asOf"] = "yesterday" },
			status: http.StatusBadRequest,
			kind:   string(valuation.KindInvalidInput),
		},
		{
			name: "no approach has data",
			mutate: func(b map[string]interface{}) {
				b["location"] = "Atlantis"
				b["propertyType"] = "warehouse"
			},
			status:   http.StatusUnprocessableEntity,
			kind:     string(valuation.KindNoMethodAvailable),
			recorded: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t)
			recorder := &captureRecorder{}
			s.handler.SetRecorder(recorder)

			body := apartmentRequest()
			tt.mutate(body)
			w := s.do(t, http.MethodPost, "/api/valuations", body)

			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, decodeError(t, w).Kind)

			runs := recorder.recorded()
			if tt.recorded {
				require.Len(t, runs, 1)
				assert.Equal(t, tt.kind, runs[0].ErrorKind)
				assert.Empty(t, runs[0].Result)
			} else {
				assert.Empty(t, runs)
			}
		})
	}
}

func TestCreateValuation_MalformedBody(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/valuations", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(valuation.KindInvalidInput), decodeError(t, w).Kind)
}

func TestCreateValuation_Cache(t *testing.T) {
	s := setupTestServer(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s.handler.SetCache(cache.NewResultCache(cache.NewRedisKVStore(client), time.Minute, s.logger))
	recorder := &captureRecorder{}
	s.handler.SetRecorder(recorder)

	first := s.do(t, http.MethodPost, "/api/valuations", apartmentRequest())
	require.Equal(t, http.StatusOK, first.Code)
	second := s.do(t, http.MethodPost, "/api/valuations", apartmentRequest())
	require.Equal(t, http.StatusOK, second.Code)

	var a, b valuationResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.False(t, a.Cached)
	assert.True(t, b.Cached)
	assert.Equal(t, a.MarketValueEstimate, b.MarketValueEstimate)
	assert.NotEqual(t, a.RequestID, b.RequestID)
	assert.Len(t, mr.Keys(), 1)

	// the cache hit is audited too
	runs := recorder.recorded()
	require.Len(t, runs, 2)
	assert.False(t, runs[0].Cached)
	assert.True(t, runs[1].Cached)
	assert.Equal(t, b.RequestID, runs[1].ID)
	assert.Equal(t, b.MarketValueEstimate, runs[1].MarketValue)
	assert.Equal(t, runs[0].Result, runs[1].Result)
	assert.Empty(t, runs[1].ErrorKind)

	// a new snapshot with different coefficients misses the old entry
	ctx := context.Background()
	district, err := s.db.FindDistrict(ctx, "Downtown")
	require.NoError(t, err)
	district.AveragePricePerSqm = 16000
	require.NoError(t, s.db.UpsertDistrict(ctx, &district))
	_, err = s.store.Refresh(ctx)
	require.NoError(t, err)

	third := s.do(t, http.MethodPost, "/api/valuations", apartmentRequest())
	require.Equal(t, http.StatusOK, third.Code)
	var c valuationResponse
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &c))
	assert.False(t, c.Cached)
	assert.Equal(t, int64(2), c.SnapshotVersion)
	assert.Len(t, mr.Keys(), 2)
}

func TestValuationRuns(t *testing.T) {
	s := setupTestServer(t)

	run := &models.ValuationRun{
		ID:        "2b7c1f4e-8a0d-4c7e-9d59-3f0a9c1e6b21",
		Location:  "Downtown",
		Input:     `{"area":120}`,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, database.InsertValuationRuns(s.db.Gorm(), []*models.ValuationRun{run}))

	w := s.do(t, http.MethodGet, "/api/valuations/runs?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var runs []models.ValuationRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	w = s.do(t, http.MethodGet, "/api/valuations/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/valuations/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, kindNotFound, decodeError(t, w).Kind)
}

func TestFormulaEndpoints(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodGet, "/api/formulas?property_type=apartment", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []models.Formula
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed, 3)

	create := map[string]interface{}{
		"formula_type":   "depreciation",
		"property_type":  "townhouse",
		"area_type":      "suburban",
		"base_rate":      4500,
		"age_factor":     0.7,
		"effective_from": "2023-01-01",
	}
	w = s.do(t, http.MethodPost, "/api/formulas", create)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.Formula
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotZero(t, created.ID)
	assert.True(t, created.IsActive)
	assert.Equal(t, 0.7, created.AgeFactor)

	path := "/api/formulas/" + jsonNumber(created.ID)
	w = s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	create["base_rate"] = 4800
	create["effective_until"] = "2025-01-01"
	w = s.do(t, http.MethodPut, path, create)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored, err := s.db.GetFormula(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 4800.0, stored.BaseRate)
	require.NotNil(t, stored.EffectiveUntil)

	w = s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/api/formulas?active=true&property_type=townhouse", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Empty(t, listed)

	w = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.False(t, created.IsActive)
}

func TestFormulaEndpoints_Errors(t *testing.T) {
	s := setupTestServer(t)

	valid := func() map[string]interface{} {
		return map[string]interface{}{
			"formula_type":   "depreciation",
			"property_type":  "studio",
			"area_type":      "urban",
			"base_rate":      3000,
			"age_factor":     1,
			"effective_from": "2023-01-01",
		}
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   func() map[string]interface{}
		status int
		kind   string
	}{
		{
			name:   "missing age factor",
			method: http.MethodPost,
			path:   "/api/formulas",
			body: func() map[string]interface{} {
				b := valid()
				delete(b, "age_factor")
				return b
			},
			status: http.StatusBadRequest,
			kind:   string(valuation.KindInvalidInput),
		},
		{
			name:   "unknown formula type",
			method: http.MethodPost,
			path:   "/api/formulas",
			body: func() map[string]interface{} {
				b := valid()
				b["formula_type"] = "magic"
				return b
			},
			status: http.StatusBadRequest,
			kind:   string(valuation.KindInvalidInput),
		},
		{
			name:   "bad effective date",
			method: http.MethodPost,
			path:   "/api/formulas",
			body: func() map[string]interface{} {
				b := valid()
				b["effective_from"] = "soon"
				return b
			},
			status: http.StatusBadRequest,
			kind:   string(valuation.KindInvalidInput),
		},
		{
			name:   "non numeric id",
			method: http.MethodGet,
			path:   "/api/formulas/abc",
			status: http.StatusBadRequest,
			kind:   string(valuation.KindInvalidInput),
		},
		{
			name:   "unknown id",
			method: http.MethodGet,
			path:   "/api/formulas/9999",
			status: http.StatusNotFound,
			kind:   kindNotFound,
		},
		{
			name:   "update unknown id",
			method: http.MethodPut,
			path:   "/api/formulas/9999",
			body:   valid,
			status: http.StatusNotFound,
			kind:   kindNotFound,
		},
		{
			name:   "delete unknown id",
			method: http.MethodDelete,
			path:   "/api/formulas/9999",
			status: http.StatusNotFound,
			kind:   kindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body interface{}
			if tt.body != nil {
				body = tt.body()
			}
			w := s.do(t, tt.method, tt.path, body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, decodeError(t, w).Kind)
		})
	}
}

func TestDistrictEndpoints(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodGet, "/api/districts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var districts []models.District
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &districts))
	assert.Len(t, districts, 3)

	w = s.do(t, http.MethodPut, "/api/districts/Maadi", map[string]interface{}{
		"average_price_per_sqm": 14000,
		"market_trend":          "rising",
		"area_type":             "urban",
		"points":                [][2]float64{{31.24, 29.95}, {31.28, 29.95}, {31.28, 29.98}, {31.24, 29.98}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var saved models.District
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &saved))
	assert.Equal(t, "Maadi", saved.Name)
	assert.NotEmpty(t, saved.Boundary)

	w = s.do(t, http.MethodGet, "/api/districts/geojson", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var collection struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &collection))
	assert.Equal(t, "FeatureCollection", collection.Type)
	// Sheikh Zayed has no boundary
	assert.Len(t, collection.Features, 3)

	w = s.do(t, http.MethodPut, "/api/districts/Maadi", map[string]interface{}{
		"average_price_per_sqm": 14000,
		"market_trend":          "sideways",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(valuation.KindInvalidInput), decodeError(t, w).Kind)

	w = s.do(t, http.MethodPut, "/api/districts/Maadi", map[string]interface{}{
		"average_price_per_sqm": 14000,
		"market_trend":          "stable",
		"boundary":              `{"type":"Point","coordinates":[31.2,30.0]}`,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshotAndLocate(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodGet, "/api/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info snapshotInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, 4, info.Formulas)
	assert.Equal(t, 3, info.Districts)
	assert.NotEmpty(t, info.Fingerprint)

	w = s.do(t, http.MethodPost, "/api/snapshot/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var refreshed snapshotInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refreshed))
	assert.Equal(t, int64(2), refreshed.Version)
	assert.Equal(t, info.Fingerprint, refreshed.Fingerprint)

	w = s.do(t, http.MethodPost, "/api/locate", map[string]float64{"latitude": 30.0, "longitude": 31.45})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var district models.District
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &district))
	assert.Equal(t, "New Cairo", district.Name)

	w = s.do(t, http.MethodPost, "/api/locate", map[string]float64{"latitude": 10, "longitude": 10})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(valuation.KindDistrictNotFound), decodeError(t, w).Kind)

	w = s.do(t, http.MethodPost, "/api/locate", map[string]float64{"latitude": 30.0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORS(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/snapshot", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func jsonNumber(id uint) string {
	data, _ := json.Marshal(id)
	return string(data)
}

type stubGeocoder map[string][2]float64

func (s stubGeocoder) Geocode(_ context.Context, address string) (float64, float64, error) {
	coords, ok := s[address]
	if !ok {
		return 0, 0, geocoding.ErrNoResult
	}
	return coords[0], coords[1], nil
}

func TestAddressLookups(t *testing.T) {
	s := setupTestServer(t)

	body := apartmentRequest()
	delete(body, "location")
	body["address"] = "Tahrir Square"

	w := s.do(t, http.MethodPost, "/api/valuations", body)
	assert.Equal(t, http.StatusBadRequest, w.Code, "address lookups are disabled without a geocoder")

	s.handler.SetGeocoder(stubGeocoder{"Tahrir Square": {30.04, 31.23}})

	w = s.do(t, http.MethodPost, "/api/valuations", body)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/locate", map[string]string{"address": "Tahrir Square"})
	require.Equal(t, http.StatusOK, w.Code)
	var district models.District
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &district))
	assert.Equal(t, "Downtown", district.Name)

	w = s.do(t, http.MethodPost, "/api/locate", map[string]string{"address": "Atlantis"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, kindNotFound, decodeError(t, w).Kind)
}
