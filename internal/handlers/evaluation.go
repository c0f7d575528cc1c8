// internal/handlers/evaluation.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/asset-market/internal/i18n"
	"github.com/javajoker/asset-market/internal/services"
	"github.com/javajoker/asset-market/internal/utils"
)

type EvaluationHandler struct {
	reputation *services.ReputationService
}

func NewEvaluationHandler(reputation *services.ReputationService) *EvaluationHandler {
	return &EvaluationHandler{
		reputation: reputation,
	}
}

// POST /evaluations
func (h *EvaluationHandler) SubmitEvaluation(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	evaluatorID, ok := currentUser(c)
	if !ok {
		return
	}

	var req services.SubmitEvaluationRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.reputation.SubmitEvaluation(c.Request.Context(), evaluatorID, req)
	if err != nil {
		respondError(c, err, "purchase")
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message":      i18n.T(lang, i18n.KeyEvaluationSubmitted),
		"reward":       result.Reward,
		"reward_batch": result.RewardBatch,
	})
}

// GET /users/:id/reputation
func (h *EvaluationHandler) GetReputation(c *gin.Context) {
	userID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	balance, err := h.reputation.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, "user")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"user_id": userID,
		"balance": balance,
	})
}
