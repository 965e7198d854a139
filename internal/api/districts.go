package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"appraisal/server/internal/geometry"
	"appraisal/server/internal/models"
	"appraisal/server/internal/valuation"
)

// districtRequest updates one district. Points, given as [lng, lat] pairs,
// are turned into a boundary when no boundary is supplied.
type districtRequest struct {
	AveragePricePerSqm float64      `json:"average_price_per_sqm" binding:"required"`
	MarketTrend        string       `json:"market_trend" binding:"required"`
	AreaType           string       `json:"area_type"`
	Boundary           string       `json:"boundary"`
	Points             [][2]float64 `json:"points"`
}

// locateRequest carries either both coordinates or an address
type locateRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   string   `json:"address"`
}

func (h *Handler) GetDistricts(c *gin.Context) {
	districts, err := h.db.Districts(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "list districts")
		return
	}
	c.JSON(http.StatusOK, districts)
}

// GetDistrictsGeoJSON returns the district boundaries as a FeatureCollection
func (h *Handler) GetDistrictsGeoJSON(c *gin.Context) {
	districts, err := h.db.Districts(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "list districts")
		return
	}
	c.JSON(http.StatusOK, geometry.FeatureCollection(districts))
}

func (h *Handler) UpsertDistrict(c *gin.Context) {
	var req districtRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	district := models.District{
		Name:               c.Param("name"),
		AveragePricePerSqm: req.AveragePricePerSqm,
		MarketTrend:        models.MarketTrend(strings.TrimSpace(req.MarketTrend)),
		AreaType:           models.AreaType(strings.TrimSpace(req.AreaType)),
		Boundary:           strings.TrimSpace(req.Boundary),
	}
	if district.Boundary == "" && len(req.Points) > 0 {
		boundary, err := geometry.BoundaryFromPoints(req.Points)
		if err != nil {
			h.respondError(c, err, "build district boundary")
			return
		}
		district.Boundary = boundary
	}
	if err := geometry.ValidateBoundary(district.Boundary); err != nil {
		h.respondError(c, err, "save district")
		return
	}

	if err := h.db.UpsertDistrict(c.Request.Context(), &district); err != nil {
		h.respondError(c, err, "save district")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"district":     district.Name,
		"price":        district.AveragePricePerSqm,
		"trend":        district.MarketTrend,
		"has_boundary": district.Boundary != "",
	}).Info("District saved")
	c.JSON(http.StatusOK, district)
}

// Locate finds the district of the current snapshot containing a coordinate
func (h *Handler) Locate(c *gin.Context) {
	var req locateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	lat, lng, ok, err := h.position(c.Request.Context(), req.Latitude, req.Longitude, req.Address)
	if err != nil {
		h.respondError(c, err, "geocode address")
		return
	}
	if !ok {
		badRequest(c, errors.New("latitude and longitude or an address are required"))
		return
	}

	district, ok := h.store.Current().Locate(lat, lng)
	if !ok {
		abortWithError(c, http.StatusNotFound, string(valuation.KindDistrictNotFound), "no district contains the coordinates")
		return
	}
	c.JSON(http.StatusOK, district)
}
