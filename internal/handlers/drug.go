// internal/handlers/drug.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/pharma-custody-backend/internal/i18n"
	"github.com/javajoker/pharma-custody-backend/internal/services"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
)

type DrugHandler struct {
	drugService *services.DrugService
	entities    *services.EntityService
}

func NewDrugHandler(drugService *services.DrugService, entities *services.EntityService) *DrugHandler {
	return &DrugHandler{
		drugService: drugService,
		entities:    entities,
	}
}

// POST /manufacturer/drugs
func (h *DrugHandler) CreateDrug(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	var req services.CreateDrugRequest
	if !bindJSON(c, &req) {
		return
	}

	drug, err := h.drugService.Create(c.Request.Context(), actor, &req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.MessageResponse(c, http.StatusCreated, i18n.T(lang, i18n.KeyDrugCreated), drug)
}

// GET /manufacturer/drugs
func (h *DrugHandler) ListDrugs(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	result, err := h.drugService.List(c.Request.Context(), actor, utils.GetPaginationParams(c))
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.PaginatedResponse(c, *result)
}

// GET /manufacturer/drugs/:id
func (h *DrugHandler) GetDrug(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	drug, err := h.drugService.Get(c.Request.Context(), id)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, drug)
}

// GET /manufacturer/drugs/atc/:code
func (h *DrugHandler) GetDrugByATCCode(c *gin.Context) {
	drug, err := h.drugService.GetByATCCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, drug)
}

// PUT /manufacturer/drugs/:id
func (h *DrugHandler) UpdateDrug(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var req services.UpdateDrugRequest
	if !bindJSON(c, &req) {
		return
	}

	drug, err := h.drugService.Update(c.Request.Context(), actor, id, &req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.MessageResponse(c, http.StatusOK, i18n.T(lang, i18n.KeyDrugUpdated), drug)
}

// DELETE /manufacturer/drugs/:id
func (h *DrugHandler) DeleteDrug(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	if err := h.drugService.Delete(c.Request.Context(), actor, id); err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.MessageResponse(c, http.StatusOK, i18n.T(lang, i18n.KeyDrugDeleted), nil)
}
