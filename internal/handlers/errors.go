// internal/handlers/errors.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/asset-market/internal/i18n"
	"github.com/javajoker/asset-market/internal/models"
	"github.com/javajoker/asset-market/internal/services"
	"github.com/javajoker/asset-market/internal/utils"
)

// respondError maps a service error onto the response envelope. resource names
// the i18n prefix used for not-found messages.
func respondError(c *gin.Context, err error, resource string) {
	lang := utils.GetLangFromContext(c)
	_ = c.Error(err)

	switch {
	case errors.Is(err, services.ErrInvalidRating):
		utils.ErrorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", i18n.T(lang, i18n.KeyEvaluationRating), err.Error())
	case errors.Is(err, services.ErrOutOfRange):
		utils.ErrorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", i18n.T(lang, i18n.KeyPurchaseOutOfRange), err.Error())
	case errors.Is(err, services.ErrValidation):
		utils.BadRequestResponse(c, err.Error(), nil)
	case errors.Is(err, services.ErrNotFound):
		utils.NotFoundResponse(c, resource)
	case errors.Is(err, services.ErrInvalidToken):
		utils.ErrorResponse(c, http.StatusNotFound, "TOKEN_INVALID", i18n.T(lang, i18n.KeyDownloadTokenInvalid), nil)
	case errors.Is(err, services.ErrAuthorization):
		utils.ForbiddenResponse(c, "")
	case errors.Is(err, services.ErrAlreadyEvaluated):
		utils.ConflictResponse(c, i18n.T(lang, i18n.KeyEvaluationDuplicate))
	case errors.Is(err, services.ErrCredentialExists):
		utils.ConflictResponse(c, i18n.T(lang, i18n.KeyPurchaseAlreadyOwned))
	case errors.Is(err, services.ErrPurchaseInProgress):
		utils.ConflictResponse(c, i18n.T(lang, i18n.KeyPurchaseInProgress))
	case errors.Is(err, services.ErrBatchNotRetryable):
		utils.ConflictResponse(c, i18n.T(lang, i18n.KeySettlementNotRetryable))
	case errors.Is(err, services.ErrConflict):
		utils.ConflictResponse(c, "")
	case errors.Is(err, services.ErrTokenExpired):
		utils.GoneResponse(c, "TOKEN_EXPIRED", i18n.T(lang, i18n.KeyDownloadTokenExpired))
	case errors.Is(err, services.ErrAttemptsExhausted):
		utils.GoneResponse(c, "ATTEMPTS_EXHAUSTED", i18n.T(lang, i18n.KeyDownloadExhausted))
	case errors.Is(err, services.ErrFeeMismatch):
		utils.ErrorResponse(c, http.StatusUnprocessableEntity, "DEPOSIT_MISMATCH", i18n.T(lang, i18n.KeyDepositMismatch), err.Error())
	case errors.Is(err, services.ErrLedgerFatal):
		utils.ErrorResponse(c, http.StatusUnprocessableEntity, "LEDGER_REJECTED", i18n.T(lang, i18n.KeyLedgerRejected), err.Error())
	case errors.Is(err, services.ErrDepositNotConfirmed):
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "DEPOSIT_NOT_CONFIRMED", i18n.T(lang, i18n.KeyDepositNotConfirmed), nil)
	case errors.Is(err, services.ErrLedgerTransient):
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", i18n.T(lang, i18n.KeyLedgerUnavailable), nil)
	default:
		utils.InternalErrorResponse(c, "")
	}
}

// bindJSON decodes and validates the body, writing the error response itself.
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

func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyValidationInvalid, name), nil)
		return uuid.Nil, false
	}
	return id, true
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := utils.GetUserIDFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
	}
	return userID, ok
}

func isAdmin(c *gin.Context) bool {
	userType, _ := utils.GetUserTypeFromContext(c)
	return userType == string(models.UserTypeAdmin)
}
