// internal/handlers/custody.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/pharma-custody-backend/internal/i18n"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/services"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
)

// CustodyHandler serves the manufacturer, distributor and pharmacy custody
// routes. The role split is enforced by the router and again by the service.
type CustodyHandler struct {
	custodyService *services.CustodyService
	entities       *services.EntityService
}

func NewCustodyHandler(custodyService *services.CustodyService, entities *services.EntityService) *CustodyHandler {
	return &CustodyHandler{
		custodyService: custodyService,
		entities:       entities,
	}
}

// POST /manufacturer/productions
func (h *CustodyHandler) Package(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	var req services.PackageRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.custodyService.Package(c.Request.Context(), actor, &req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.MessageResponse(c, http.StatusCreated, i18n.T(lang, i18n.KeyProductionPackaged, len(result.TokenIDs)), result)
}

// GET /manufacturer/productions
func (h *CustodyHandler) ListProductions(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	result, err := h.custodyService.ListProductionRecords(c.Request.Context(), actor, utils.GetPaginationParams(c))
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.PaginatedResponse(c, *result)
}

// POST /manufacturer/transfers
// Signs and submits with the caller's key, then waits for the receipt.
func (h *CustodyHandler) TransferToDistributor(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	var req services.DistributorTransferRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.custodyService.TransferToDistributor(c.Request.Context(), actor, &req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	transferResponse(c, lang, result, i18n.KeyTransferCompleted)
}

// POST /manufacturer/transfers/initiate
func (h *CustodyHandler) InitiateDistributorTransfer(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	var req services.DistributorTransferRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.custodyService.InitiateDistributorTransfer(c.Request.Context(), actor, &req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.MessageResponse(c, http.StatusCreated, i18n.T(lang, i18n.KeyTransferInitiated), result)
}

// POST /manufacturer/transfers/:id/confirm
func (h *CustodyHandler) ConfirmDistributorTransfer(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	invoiceID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var req services.ConfirmTransferRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.custodyService.ConfirmDistributorTransfer(c.Request.Context(), actor, invoiceID, req.TxHash)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	transferResponse(c, lang, result, i18n.KeyTransferConfirmed)
}

// POST /manufacturer/transfers/:id/cancel
func (h *CustodyHandler) CancelTransfer(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	invoiceID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var req services.CancelTransferRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	invoice, err := h.custodyService.CancelTransfer(c.Request.Context(), actor, invoiceID, req.Reason)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.MessageResponse(c, http.StatusOK, i18n.T(lang, i18n.KeyTransferCancelled), invoice)
}

// GET /manufacturer/transfers
// GET /distributor/invoices
func (h *CustodyHandler) ListManufacturerInvoices(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	result, err := h.custodyService.ListManufacturerInvoices(c.Request.Context(), actor, utils.GetPaginationParams(c))
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.PaginatedResponse(c, *result)
}

// GET /manufacturer/transfers/:id
// GET /distributor/invoices/:id
func (h *CustodyHandler) GetManufacturerInvoice(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	invoiceID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	detail, err := h.custodyService.GetManufacturerInvoice(c.Request.Context(), actor, invoiceID)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, detail)
}

// GET /manufacturer/distributors
func (h *CustodyHandler) ListDistributors(c *gin.Context) {
	h.listCounterparties(c, models.RoleDistributor)
}

// GET /distributor/pharmacies
func (h *CustodyHandler) ListPharmacies(c *gin.Context) {
	h.listCounterparties(c, models.RolePharmacy)
}

func (h *CustodyHandler) listCounterparties(c *gin.Context, role models.Role) {
	if _, ok := currentActor(c, h.entities); !ok {
		return
	}

	result, err := h.entities.ListCounterparties(c.Request.Context(), role, utils.GetPaginationParams(c))
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.PaginatedResponse(c, *result)
}

// GET /tokens/:tokenId/track
func (h *CustodyHandler) TrackToken(c *gin.Context) {
	if _, ok := currentActor(c, h.entities); !ok {
		return
	}

	trace, err := h.custodyService.TrackToken(c.Request.Context(), c.Param("tokenId"))
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, trace)
}

// transferResponse answers 202 while the ledger has not mined the
// transaction and 200 once custody moved.
func transferResponse(c *gin.Context, lang string, result *services.TransferResult, doneKey string) {
	if result.Pending() {
		utils.MessageResponse(c, http.StatusAccepted, i18n.T(lang, i18n.KeyTransferPending), result)
		return
	}
	utils.MessageResponse(c, http.StatusOK, i18n.T(lang, doneKey), result)
}
