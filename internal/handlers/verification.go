// internal/handlers/verification.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/pharma-custody-backend/internal/services"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
)

// VerificationHandler answers unauthenticated authenticity checks, e.g. from
// a QR code printed on the pack.
type VerificationHandler struct {
	custodyService *services.CustodyService
}

func NewVerificationHandler(custodyService *services.CustodyService) *VerificationHandler {
	return &VerificationHandler{
		custodyService: custodyService,
	}
}

// GET /verify/:tokenId
func (h *VerificationHandler) VerifyToken(c *gin.Context) {
	verification, err := h.custodyService.VerifyToken(c.Request.Context(), c.Param("tokenId"))
	if err != nil {
		utils.HandleError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"verified":     verification.Genuine,
		"verification": verification,
	})
}
