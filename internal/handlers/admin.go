// internal/handlers/admin.go
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/asset-market/internal/i18n"
	"github.com/javajoker/asset-market/internal/services"
	"github.com/javajoker/asset-market/internal/utils"
)

type AdminHandler struct {
	settlement *services.SettlementService
	downloads  *services.DownloadTokenService
	purchases  *PurchaseHandler
}

func NewAdminHandler(settlement *services.SettlementService, downloads *services.DownloadTokenService) *AdminHandler {
	return &AdminHandler{
		settlement: settlement,
		downloads:  downloads,
		purchases:  NewPurchaseHandler(settlement),
	}
}

type RevokeCredentialRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// GET /admin/batches/open
func (h *AdminHandler) GetOpenBatches(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 1000 {
		limit = 100
	}

	batches, err := h.settlement.OpenBatches(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err, "purchase")
		return
	}

	views := make([]BatchView, len(batches))
	for i := range batches {
		views[i] = h.purchases.view(&batches[i])
	}
	utils.SuccessResponseWithMeta(c, views, gin.H{"count": len(views)})
}

// POST /admin/batches/:id/retry
func (h *AdminHandler) RetryBatch(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	batchID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	batch, err := h.settlement.RetryFailedLeg(c.Request.Context(), batchID)
	if err != nil {
		respondError(c, err, "purchase")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeySettlementRetried),
		"batch":   h.purchases.view(batch),
	})
}

// POST /admin/reconcile
func (h *AdminHandler) Reconcile(c *gin.Context) {
	lang := utils.GetLangFromContext(c)

	report, err := h.settlement.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, err, "purchase")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyReconcileDone),
		"report":  report,
	})
}

// POST /admin/downloads/cleanup
func (h *AdminHandler) CleanupDownloadTokens(c *gin.Context) {
	lang := utils.GetLangFromContext(c)

	deactivated, err := h.downloads.CleanupExpired(c.Request.Context())
	if err != nil {
		respondError(c, err, "download")
		return
	}
	purged, err := h.downloads.PurgeExpired(c.Request.Context())
	if err != nil {
		respondError(c, err, "download")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message":     i18n.T(lang, i18n.KeyDownloadCleanupStarted),
		"deactivated": deactivated,
		"purged":      purged,
	})
}

// PUT /admin/credentials/:id/revoke
func (h *AdminHandler) RevokeCredential(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	credentialID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var req RevokeCredentialRequest
	if !bindJSON(c, &req) {
		return
	}

	credential, err := h.downloads.RevokeCredential(c.Request.Context(), credentialID, req.Reason)
	if err != nil {
		respondError(c, err, "credential")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message":    i18n.T(lang, i18n.KeyCredentialRevoked),
		"credential": credential,
	})
}
