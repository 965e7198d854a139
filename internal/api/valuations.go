package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"appraisal/server/config"
	"appraisal/server/internal/cache"
	"appraisal/server/internal/coefficients"
	"appraisal/server/internal/models"
	"appraisal/server/internal/valuation"
)

// valuationRequest is the wire form of a valuation input. asOf is a date or
// an RFC 3339 timestamp; it defaults to today. Coordinates, or failing that
// an address, locate the district when no location is given.
type valuationRequest struct {
	models.ValuationInput
	AsOf      string   `json:"asOf"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   string   `json:"address"`
}

type valuationResponse struct {
	models.ValuationResult
	SnapshotVersion int64  `json:"snapshot_version"`
	RequestID       string `json:"request_id"`
	Cached          bool   `json:"cached,omitempty"`
}

func (h *Handler) input(ctx context.Context, req valuationRequest, snap *coefficients.Snapshot) (models.ValuationInput, error) {
	in := req.ValuationInput

	if strings.TrimSpace(req.AsOf) == "" {
		now := h.now().UTC()
		in.AsOf = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		asOf, err := config.ParseDate(req.AsOf)
		if err != nil {
			return models.ValuationInput{}, &valuation.Error{Kind: valuation.KindInvalidInput, Message: "asOf", Err: err}
		}
		in.AsOf = asOf
	}

	if strings.TrimSpace(in.Location) != "" {
		return in, nil
	}
	lat, lng, ok, err := h.position(ctx, req.Latitude, req.Longitude, req.Address)
	if err != nil {
		return models.ValuationInput{}, err
	}
	if ok {
		if d, found := snap.Locate(lat, lng); found {
			in.Location = d.Name
		}
	}
	return in, nil
}

// CreateValuation values one property against the current snapshot
func (h *Handler) CreateValuation(c *gin.Context) {
	var req valuationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	requestID := uuid.NewString()
	snap := h.store.Current()

	in, err := h.input(c.Request.Context(), req, snap)
	if err != nil {
		h.respondError(c, err, "value property")
		return
	}

	var cacheKey string
	if h.cache != nil {
		if cacheKey, err = cache.Key(snap.Fingerprint, in); err != nil {
			h.logger.WithError(err).Warn("Failed to derive cache key")
		} else if cached, err := h.cache.Get(c.Request.Context(), cacheKey); err == nil {
			h.record(requestID, snap.Version, in, cached, nil, true)
			c.JSON(http.StatusOK, valuationResponse{
				ValuationResult: cached,
				SnapshotVersion: snap.Version,
				RequestID:       requestID,
				Cached:          true,
			})
			return
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			h.logger.WithError(err).Warn("Failed to read valuation cache")
		}
	}

	result, err := h.engine.Valuate(c.Request.Context(), snap, in)
	h.record(requestID, snap.Version, in, result, err, false)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"location":   in.Location,
		}).Info("Valuation failed")
		h.respondError(c, err, "value property")
		return
	}

	if h.cache != nil && cacheKey != "" {
		h.cache.Put(c.Request.Context(), cacheKey, result)
	}

	h.logger.WithFields(logrus.Fields{
		"request_id":   requestID,
		"location":     in.Location,
		"market_value": result.MarketValueEstimate,
		"confidence":   result.ConfidenceLevel,
		"snapshot":     snap.Version,
	}).Info("Valuation completed")

	c.JSON(http.StatusOK, valuationResponse{
		ValuationResult: result,
		SnapshotVersion: snap.Version,
		RequestID:       requestID,
	})
}

func (h *Handler) record(id string, version int64, in models.ValuationInput, result models.ValuationResult, err error, cached bool) {
	if h.recorder == nil {
		return
	}

	run := &models.ValuationRun{
		ID:              id,
		SnapshotVersion: version,
		Location:        in.Location,
		PropertyType:    in.PropertyType,
		Cached:          cached,
		CreatedAt:       h.now().UTC(),
	}
	if data, mErr := json.Marshal(in); mErr == nil {
		run.Input = string(data)
	}
	if err != nil {
		kind, ok := valuation.KindOf(err)
		if !ok {
			kind = valuation.KindInternal
		}
		run.ErrorKind = string(kind)
		run.ErrorMessage = err.Error()
	} else {
		if data, mErr := json.Marshal(result); mErr == nil {
			run.Result = string(data)
		}
		run.MarketValue = result.MarketValueEstimate
		run.ConfidenceLevel = result.ConfidenceLevel
	}
	h.recorder.Record(run)
}

// GetRecentRuns lists the latest valuation audit records
func (h *Handler) GetRecentRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	runs, err := h.db.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err, "list valuation runs")
		return
	}
	c.JSON(http.StatusOK, runs)
}

// GetRun returns one valuation audit record
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.db.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, fmt.Sprintf("get valuation run %s", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, run)
}
