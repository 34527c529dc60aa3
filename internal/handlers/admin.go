// internal/handlers/admin.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/pharma-custody-backend/internal/i18n"
	"github.com/javajoker/pharma-custody-backend/internal/services"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
)

type AdminHandler struct {
	adminService   *services.AdminService
	custodyService *services.CustodyService
	reconciler     *services.ReconciliationService
	entities       *services.EntityService
}

type RecallDrugRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

func NewAdminHandler(adminService *services.AdminService, custodyService *services.CustodyService, reconciler *services.ReconciliationService, entities *services.EntityService) *AdminHandler {
	return &AdminHandler{
		adminService:   adminService,
		custodyService: custodyService,
		reconciler:     reconciler,
		entities:       entities,
	}
}

// POST /admin/drugs/:id/recall
func (h *AdminHandler) RecallDrug(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	drugID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var req RecallDrugRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.custodyService.RecallDrug(c.Request.Context(), actor, drugID, req.Reason)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.MessageResponse(c, http.StatusOK, i18n.T(lang, i18n.KeyDrugRecalled, result.TokensRecalled), result)
}

// POST /admin/reconcile
// Runs one reconciliation pass on demand, outside the job schedule.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	if _, ok := currentActor(c, h.entities); !ok {
		return
	}

	report, err := h.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.MessageResponse(c, http.StatusOK, i18n.T(lang, i18n.KeyReconciliationComplete), report)
}

// GET /admin/notifications
func (h *AdminHandler) ListNotifications(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	result, err := h.adminService.ListNotifications(c.Request.Context(), actor, utils.GetPaginationParams(c))
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.PaginatedResponse(c, *result)
}

// PUT /admin/notifications/:id/read
func (h *AdminHandler) MarkNotificationRead(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	notification, err := h.adminService.MarkNotificationRead(c.Request.Context(), actor, id)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, notification)
}

// PUT /admin/entities/:id/status
func (h *AdminHandler) UpdateEntityStatus(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var req services.UpdateEntityStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	entity, err := h.adminService.UpdateEntityStatus(c.Request.Context(), actor, id, &req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, entity)
}

// GET /admin/audit-logs
func (h *AdminHandler) ListAuditLogs(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	result, err := h.adminService.ListAuditLogs(c.Request.Context(), actor, utils.GetPaginationParams(c))
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.PaginatedResponse(c, *result)
}
