// internal/handlers/statistics.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/pharma-custody-backend/internal/services"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
)

type StatisticsHandler struct {
	statisticsService *services.StatisticsService
	entities          *services.EntityService
}

func NewStatisticsHandler(statisticsService *services.StatisticsService, entities *services.EntityService) *StatisticsHandler {
	return &StatisticsHandler{
		statisticsService: statisticsService,
		entities:          entities,
	}
}

// GET /{manufacturer,distributor,pharmacy,admin}/statistics
func (h *StatisticsHandler) GetStatistics(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	stats, err := h.statisticsService.ForActor(c.Request.Context(), actor)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"stats": stats,
	})
}
