// internal/handlers/common.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/pharma-custody-backend/internal/i18n"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/services"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
)

// currentActor loads the caller set by middleware.AuthRequired. On failure
// the response has already been written.
func currentActor(c *gin.Context, entities *services.EntityService) (*services.Actor, bool) {
	userIDStr, exists := utils.GetUserIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return nil, false
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		utils.UnauthorizedResponse(c, "")
		return nil, false
	}

	role, _ := utils.GetRoleFromContext(c)
	actor, err := entities.ResolveActor(c.Request.Context(), userID, models.Role(role))
	if err != nil {
		utils.HandleError(c, err)
		return nil, false
	}
	return actor, true
}

// bindJSON decodes and validates the request body into req.
func bindJSON(c *gin.Context, req interface{}) bool {
	lang := utils.GetLangFromContext(c)
	if err := c.ShouldBindJSON(req); err != nil {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "input"), err.Error())
		return false
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return false
	}
	return true
}

// bindOptionalJSON is bindJSON for endpoints whose body may be empty.
func bindOptionalJSON(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, req)
}

func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		lang := utils.GetLangFromContext(c)
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, name), nil)
		return uuid.Nil, false
	}
	return id, true
}
