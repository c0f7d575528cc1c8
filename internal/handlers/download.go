// internal/handlers/download.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/asset-market/internal/i18n"
	"github.com/javajoker/asset-market/internal/services"
	"github.com/javajoker/asset-market/internal/utils"
)

type DownloadHandler struct {
	downloads *services.DownloadTokenService
}

func NewDownloadHandler(downloads *services.DownloadTokenService) *DownloadHandler {
	return &DownloadHandler{
		downloads: downloads,
	}
}

// GET /downloads/:token
func (h *DownloadHandler) GetTokenInfo(c *gin.Context) {
	info, err := h.downloads.Info(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err, "download")
		return
	}

	utils.SuccessResponse(c, info)
}

// POST /downloads/:token/consume
func (h *DownloadHandler) Consume(c *gin.Context) {
	result, err := h.downloads.ValidateAndConsume(c.Request.Context(), c.Param("token"), c.ClientIP())
	if err != nil {
		respondError(c, err, "download")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"credential_id":      result.CredentialID,
		"remaining_attempts": result.RemainingAttempts,
		"resource_url":       result.ResourceURL,
	})
}

// DELETE /downloads/:token
func (h *DownloadHandler) Revoke(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	callerID, ok := currentUser(c)
	if !ok {
		return
	}

	info, err := h.downloads.Revoke(c.Request.Context(), c.Param("token"), callerID, isAdmin(c))
	if err != nil {
		respondError(c, err, "download")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyDownloadTokenRevoked),
		"token":   info,
	})
}
