package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"appraisal/server/internal/coefficients"
)

type snapshotInfo struct {
	Version     int64     `json:"version"`
	LoadedAt    time.Time `json:"loaded_at"`
	Fingerprint string    `json:"fingerprint"`
	Formulas    int       `json:"formulas"`
	Districts   int       `json:"districts"`
}

func describe(s *coefficients.Snapshot) snapshotInfo {
	return snapshotInfo{
		Version:     s.Version,
		LoadedAt:    s.LoadedAt,
		Fingerprint: s.Fingerprint,
		Formulas:    len(s.Formulas()),
		Districts:   len(s.Districts()),
	}
}

func (h *Handler) GetSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, describe(h.store.Current()))
}

// RefreshSnapshot reloads formulas and districts into a new snapshot
func (h *Handler) RefreshSnapshot(c *gin.Context) {
	snap, err := h.store.Refresh(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "refresh snapshot")
		return
	}
	c.JSON(http.StatusOK, describe(snap))
}
