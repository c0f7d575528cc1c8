// internal/handlers/purchase.go
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/asset-market/internal/i18n"
	"github.com/javajoker/asset-market/internal/models"
	"github.com/javajoker/asset-market/internal/services"
	"github.com/javajoker/asset-market/internal/utils"
)

type PurchaseHandler struct {
	settlement *services.SettlementService
}

func NewPurchaseHandler(settlement *services.SettlementService) *PurchaseHandler {
	return &PurchaseHandler{
		settlement: settlement,
	}
}

type InitiatePurchaseRequest struct {
	AssetID uuid.UUID `json:"asset_id" validate:"notnil_uuid"`
}

type DepositConfirmedRequest struct {
	LedgerHash string `json:"ledger_hash" validate:"omitempty,hexadecimal,len=64"`
}

type displayAmounts struct {
	Total         string `json:"total"`
	PlatformFee   string `json:"platform_fee"`
	SellerRevenue string `json:"seller_revenue"`
}

// BatchView is a batch with human readable amounts.
type BatchView struct {
	*models.PurchaseBatch
	Display displayAmounts `json:"display"`
}

func (h *PurchaseHandler) view(batch *models.PurchaseBatch) BatchView {
	fees := h.settlement.Fees()
	return BatchView{
		PurchaseBatch: batch,
		Display: displayAmounts{
			Total:         fees.Display(batch.TotalPrice),
			PlatformFee:   fees.Display(batch.PlatformFee),
			SellerRevenue: fees.Display(batch.SellerRevenue),
		},
	}
}

// POST /purchases
func (h *PurchaseHandler) InitiatePurchase(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	buyerID, ok := currentUser(c)
	if !ok {
		return
	}

	var req InitiatePurchaseRequest
	if !bindJSON(c, &req) {
		return
	}

	quote, err := h.settlement.InitiatePurchase(c.Request.Context(), buyerID, req.AssetID)
	if err != nil {
		respondError(c, err, "purchase")
		return
	}

	fees := h.settlement.Fees()
	utils.CreatedResponse(c, gin.H{
		"message":  i18n.T(lang, i18n.KeyPurchaseInitiated),
		"purchase": quote,
		"display": displayAmounts{
			Total:         fees.Display(quote.Fees.Total),
			PlatformFee:   fees.Display(quote.Fees.PlatformFee),
			SellerRevenue: fees.Display(quote.Fees.SellerRevenue),
		},
	})
}

// POST /purchases/:id/deposit-confirmed
func (h *PurchaseHandler) ConfirmDeposit(c *gin.Context) {
	batchID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var req DepositConfirmedRequest
	if !bindJSON(c, &req) {
		return
	}

	batch, err := h.settlement.OnDepositConfirmed(c.Request.Context(), batchID, req.LedgerHash)
	if errors.Is(err, services.ErrDepositNotConfirmed) && batch != nil {
		// The ledger has not validated the deposit yet; the sweep picks it up later.
		utils.AcceptedResponse(c, h.view(batch))
		return
	}
	if err != nil {
		respondError(c, err, "purchase")
		return
	}

	utils.SuccessResponse(c, h.view(batch))
}

// GET /purchases/:id
func (h *PurchaseHandler) GetPurchase(c *gin.Context) {
	callerID, ok := currentUser(c)
	if !ok {
		return
	}
	batchID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	batch, err := h.settlement.GetBatchStatus(c.Request.Context(), batchID)
	if err != nil {
		respondError(c, err, "purchase")
		return
	}
	if batch.BuyerID != callerID && batch.SellerID != callerID && !isAdmin(c) {
		utils.ForbiddenResponse(c, "")
		return
	}

	utils.SuccessResponse(c, h.view(batch))
}
