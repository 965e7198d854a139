package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupRoutes registers the CORS middleware and every endpoint on router
func SetupRoutes(router *gin.Engine, handler *Handler, allowedOrigins []string) {
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
	}
	router.Use(cors.New(corsConfig))

	api := router.Group("/api")
	{
		api.POST("/valuations", handler.CreateValuation)
		api.GET("/valuations/runs", handler.GetRecentRuns)
		api.GET("/valuations/runs/:id", handler.GetRun)

		api.GET("/formulas", handler.GetFormulas)
		api.GET("/formulas/:id", handler.GetFormula)
		api.POST("/formulas", handler.CreateFormula)
		api.PUT("/formulas/:id", handler.UpdateFormula)
		api.DELETE("/formulas/:id", handler.DeleteFormula)

		api.GET("/districts", handler.GetDistricts)
		api.GET("/districts/geojson", handler.GetDistrictsGeoJSON)
		api.PUT("/districts/:name", handler.UpsertDistrict)

		api.GET("/snapshot", handler.GetSnapshot)
		api.POST("/snapshot/refresh", handler.RefreshSnapshot)
		api.POST("/locate", handler.Locate)
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
