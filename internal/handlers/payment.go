// internal/handlers/payment.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/pharma-custody-backend/internal/i18n"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/services"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
)

type PaymentHandler struct {
	paymentService *services.PaymentService
	entities       *services.EntityService
}

func NewPaymentHandler(paymentService *services.PaymentService, entities *services.EntityService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		entities:       entities,
	}
}

// invoiceType reads ?type=, defaulting to the distributor-side invoice.
func invoiceType(c *gin.Context) models.InvoiceType {
	return models.InvoiceType(c.DefaultQuery("type", string(models.InvoiceTypeManufacturer)))
}

// POST /payments/invoices/:id/intent?type=manufacturer|commercial
func (h *PaymentHandler) CreatePaymentIntent(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	invoiceID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	response, err := h.paymentService.CreateInvoicePaymentIntent(c.Request.Context(), actor, invoiceType(c), invoiceID)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyPaymentIntentCreated),
		"payment": response,
	})
}

// POST /payments/invoices/:id/confirm?type=manufacturer|commercial
func (h *PaymentHandler) ConfirmPayment(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := currentActor(c, h.entities)
	if !ok {
		return
	}
	invoiceID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	status, err := h.paymentService.ConfirmInvoicePayment(c.Request.Context(), actor, invoiceType(c), invoiceID)
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyPaymentSuccess),
		"payment": status,
	})
}
