// internal/services/common.go
package services

import (
	"math"

	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

func validateRequest(req interface{}) error {
	if err := utils.ValidateStruct(req); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, err, "validation failed").
			WithDetails(utils.GetValidationErrors(err))
	}
	return nil
}

func requireRole(actor *Actor, roles ...models.Role) error {
	if actor == nil {
		return apperrors.New(apperrors.CodeUnauthorized, "authentication required")
	}
	for _, role := range roles {
		if actor.Role == role {
			if role.IsBusiness() && actor.Entity == nil {
				return apperrors.Forbidden("business entity required")
			}
			return nil
		}
	}
	return apperrors.Forbidden("operation not allowed for role " + string(actor.Role))
}

func roundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

// invoiceAmounts returns total, VAT and final amounts for quantity units.
func invoiceAmounts(quantity int, unitPrice, vatRate float64) (total, vat, final float64) {
	total = roundMoney(float64(quantity) * unitPrice)
	vat = roundMoney(total * vatRate / 100)
	final = roundMoney(total + vat)
	return total, vat, final
}
