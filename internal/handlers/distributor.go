// internal/handlers/distributor.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/pharma-custody-backend/internal/i18n"
	"github.com/javajoker/pharma-custody-backend/internal/services"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
)

// POST /distributor/invoices/:id/confirm-receipt
func (h *CustodyHandler) ConfirmReceipt(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	invoiceID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var req services.ConfirmReceiptRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	proof, err := h.custodyService.ConfirmReceipt(c.Request.Context(), actor, invoiceID, &req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.MessageResponse(c, http.StatusOK, i18n.T(lang, i18n.KeyReceiptConfirmed), proof)
}

// POST /distributor/shipments
func (h *CustodyHandler) InitiatePharmacyTransfer(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	var req services.PharmacyTransferRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.custodyService.InitiatePharmacyTransfer(c.Request.Context(), actor, &req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.MessageResponse(c, http.StatusCreated, i18n.T(lang, i18n.KeyShipmentCreated), result)
}

// POST /distributor/shipments/direct
func (h *CustodyHandler) TransferToPharmacy(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	var req services.PharmacyTransferRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.custodyService.TransferToPharmacy(c.Request.Context(), actor, &req)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	transferResponse(c, lang, result, i18n.KeyShipmentConfirmed)
}

// POST /distributor/shipments/:id/confirm
func (h *CustodyHandler) ConfirmPharmacyTransfer(c *gin.Context) {
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

	result, err := h.custodyService.ConfirmPharmacyTransfer(c.Request.Context(), actor, invoiceID, req.TxHash)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	transferResponse(c, lang, result, i18n.KeyShipmentConfirmed)
}

// GET /distributor/shipments
// GET /pharmacy/shipments
func (h *CustodyHandler) ListCommercialInvoices(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}

	result, err := h.custodyService.ListCommercialInvoices(c.Request.Context(), actor, utils.GetPaginationParams(c))
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.PaginatedResponse(c, *result)
}

// GET /distributor/shipments/:id
// GET /pharmacy/shipments/:id
func (h *CustodyHandler) GetCommercialInvoice(c *gin.Context) {
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	invoiceID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	detail, err := h.custodyService.GetCommercialInvoice(c.Request.Context(), actor, invoiceID)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, detail)
}
