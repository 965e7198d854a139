package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"appraisal/server/config"
	"appraisal/server/internal/database"
	"appraisal/server/internal/models"
)

// formulaRequest is the body of formula create and update calls. age_factor
// is required and independent of base_rate.
type formulaRequest struct {
	FormulaType          string             `json:"formula_type" binding:"required"`
	PropertyType         string             `json:"property_type" binding:"required"`
	AreaType             string             `json:"area_type" binding:"required"`
	BaseRate             *float64           `json:"base_rate" binding:"required"`
	AgeFactor            *float64           `json:"age_factor" binding:"required"`
	ConditionMultipliers map[string]float64 `json:"condition_multipliers"`
	LocationAdjustments  map[string]float64 `json:"location_adjustments"`
	EffectiveFrom        string             `json:"effective_from" binding:"required"`
	EffectiveUntil       *string            `json:"effective_until"`
	IsActive             *bool              `json:"is_active"`
}

func (r formulaRequest) formula() (models.Formula, error) {
	from, err := config.ParseDate(r.EffectiveFrom)
	if err != nil {
		return models.Formula{}, fmt.Errorf("%w: effective_from: %v", models.ErrInvalidFormula, err)
	}

	f := models.Formula{
		FormulaType:          models.FormulaType(strings.TrimSpace(r.FormulaType)),
		PropertyType:         strings.TrimSpace(r.PropertyType),
		AreaType:             models.AreaType(strings.TrimSpace(r.AreaType)),
		BaseRate:             *r.BaseRate,
		AgeFactor:            *r.AgeFactor,
		ConditionMultipliers: r.ConditionMultipliers,
		LocationAdjustments:  r.LocationAdjustments,
		EffectiveFrom:        from,
		IsActive:             true,
	}
	if r.EffectiveUntil != nil && strings.TrimSpace(*r.EffectiveUntil) != "" {
		until, err := config.ParseDate(*r.EffectiveUntil)
		if err != nil {
			return models.Formula{}, fmt.Errorf("%w: effective_until: %v", models.ErrInvalidFormula, err)
		}
		f.EffectiveUntil = &until
	}
	if r.IsActive != nil {
		f.IsActive = *r.IsActive
	}
	return f, nil
}

func formulaID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, fmt.Errorf("invalid formula id %q", c.Param("id")))
		return 0, false
	}
	return uint(id), true
}

// GetFormulas lists formulas, optionally filtered by query parameters
func (h *Handler) GetFormulas(c *gin.Context) {
	filter := database.FormulaFilter{
		FormulaType:  models.FormulaType(c.Query("formula_type")),
		PropertyType: c.Query("property_type"),
		AreaType:     models.AreaType(c.Query("area_type")),
		ActiveOnly:   c.Query("active") == "true",
	}

	formulas, err := h.db.ListFormulas(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err, "list formulas")
		return
	}
	c.JSON(http.StatusOK, formulas)
}

func (h *Handler) GetFormula(c *gin.Context) {
	id, ok := formulaID(c)
	if !ok {
		return
	}
	f, err := h.db.GetFormula(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "get formula")
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *Handler) CreateFormula(c *gin.Context) {
	var req formulaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	f, err := req.formula()
	if err != nil {
		h.respondError(c, err, "create formula")
		return
	}

	if err := h.db.CreateFormula(c.Request.Context(), &f); err != nil {
		h.respondError(c, err, "create formula")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"formula_id":    f.ID,
		"formula_type":  f.FormulaType,
		"property_type": f.PropertyType,
		"area_type":     f.AreaType,
	}).Info("Formula created")
	c.JSON(http.StatusCreated, f)
}

func (h *Handler) UpdateFormula(c *gin.Context) {
	id, ok := formulaID(c)
	if !ok {
		return
	}
	var req formulaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	f, err := req.formula()
	if err != nil {
		h.respondError(c, err, "update formula")
		return
	}
	f.ID = id

	if err := h.db.UpdateFormula(c.Request.Context(), &f); err != nil {
		h.respondError(c, err, "update formula")
		return
	}

	h.logger.WithField("formula_id", id).Info("Formula updated")
	c.JSON(http.StatusOK, f)
}

// DeleteFormula deactivates a formula; rows are never removed
func (h *Handler) DeleteFormula(c *gin.Context) {
	id, ok := formulaID(c)
	if !ok {
		return
	}
	if err := h.db.DeactivateFormula(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "deactivate formula")
		return
	}

	h.logger.WithField("formula_id", id).Info("Formula deactivated")
	c.Status(http.StatusNoContent)
}
