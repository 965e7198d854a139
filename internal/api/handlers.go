package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"appraisal/server/internal/cache"
	"appraisal/server/internal/coefficients"
	"appraisal/server/internal/database"
	"appraisal/server/internal/geocoding"
	"appraisal/server/internal/geometry"
	"appraisal/server/internal/models"
	"appraisal/server/internal/valuation"
)

// RunRecorder receives the audit record of every valuation
type RunRecorder interface {
	Record(run *models.ValuationRun)
}

// Geocoder resolves a free-form address to latitude and longitude
type Geocoder interface {
	Geocode(ctx context.Context, address string) (float64, float64, error)
}

type Handler struct {
	db       *database.Database
	store    *coefficients.Store
	engine   *valuation.Engine
	cache    *cache.ResultCache
	recorder RunRecorder
	geocoder Geocoder
	logger   *logrus.Logger
	now      func() time.Time
}

func NewHandler(db *database.Database, store *coefficients.Store, engine *valuation.Engine, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	return &Handler{
		db:     db,
		store:  store,
		engine: engine,
		logger: logger,
		now:    time.Now,
	}
}

// SetCache enables result caching
func (h *Handler) SetCache(c *cache.ResultCache) {
	h.cache = c
}

// SetRecorder enables audit records
func (h *Handler) SetRecorder(r RunRecorder) {
	h.recorder = r
}

// SetGeocoder enables address lookups
func (h *Handler) SetGeocoder(g Geocoder) {
	h.geocoder = g
}

const kindNotFound = "NotFound"

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func abortWithError(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Kind: kind, Message: message}})
}

// respondError maps err to a status code and a typed error body
func (h *Handler) respondError(c *gin.Context, err error, action string) {
	if kind, ok := valuation.KindOf(err); ok {
		switch kind {
		case valuation.KindInvalidInput:
			abortWithError(c, http.StatusBadRequest, string(kind), err.Error())
			return
		case valuation.KindFormulaNotFound, valuation.KindDistrictNotFound:
			abortWithError(c, http.StatusNotFound, string(kind), err.Error())
			return
		case valuation.KindNoMethodAvailable, valuation.KindInconsistentComparable:
			abortWithError(c, http.StatusUnprocessableEntity, string(kind), err.Error())
			return
		}
	}

	switch {
	case errors.Is(err, models.ErrInvalidFormula),
		errors.Is(err, models.ErrInvalidDistrict),
		errors.Is(err, geometry.ErrInvalidBoundary),
		errors.Is(err, geometry.ErrNotEnoughPoints):
		abortWithError(c, http.StatusBadRequest, string(valuation.KindInvalidInput), err.Error())
		return
	case errors.Is(err, database.ErrNotFound), errors.Is(err, geocoding.ErrNoResult):
		abortWithError(c, http.StatusNotFound, kindNotFound, err.Error())
		return
	}

	h.logger.WithError(err).WithField("action", action).Error("Request failed")
	abortWithError(c, http.StatusInternalServerError, string(valuation.KindInternal), "Failed to "+action)
}

// position returns the coordinates given directly or geocoded from address
func (h *Handler) position(ctx context.Context, lat, lng *float64, address string) (float64, float64, bool, error) {
	if lat != nil && lng != nil {
		return *lat, *lng, true, nil
	}
	if strings.TrimSpace(address) == "" {
		return 0, 0, false, nil
	}
	if h.geocoder == nil {
		return 0, 0, false, &valuation.Error{Kind: valuation.KindInvalidInput, Message: "address lookups are disabled"}
	}
	la, ln, err := h.geocoder.Geocode(ctx, address)
	if err != nil {
		return 0, 0, false, err
	}
	return la, ln, true, nil
}

func badRequest(c *gin.Context, err error) {
	abortWithError(c, http.StatusBadRequest, string(valuation.KindInvalidInput), err.Error())
}
