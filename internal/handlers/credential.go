// internal/handlers/credential.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/asset-market/internal/i18n"
	"github.com/javajoker/asset-market/internal/services"
	"github.com/javajoker/asset-market/internal/utils"
)

type CredentialHandler struct {
	credentials *services.CredentialService
	downloads   *services.DownloadTokenService
}

func NewCredentialHandler(credentials *services.CredentialService, downloads *services.DownloadTokenService) *CredentialHandler {
	return &CredentialHandler{
		credentials: credentials,
		downloads:   downloads,
	}
}

type IssueDownloadTokenRequest struct {
	BindClient bool `json:"bind_client"`
}

// GET /credentials
func (h *CredentialHandler) ListCredentials(c *gin.Context) {
	holderID, ok := currentUser(c)
	if !ok {
		return
	}

	credentials, err := h.credentials.ListForHolder(c.Request.Context(), holderID)
	if err != nil {
		respondError(c, err, "credential")
		return
	}

	utils.PaginatedResponse(c, utils.Paginate(credentials, utils.GetPaginationParams(c)))
}

// GET /credentials/:id
func (h *CredentialHandler) GetCredential(c *gin.Context) {
	callerID, ok := currentUser(c)
	if !ok {
		return
	}
	credentialID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	credential, err := h.credentials.Get(c.Request.Context(), credentialID, callerID, isAdmin(c))
	if err != nil {
		respondError(c, err, "credential")
		return
	}

	utils.SuccessResponse(c, credential)
}

// GET /credentials/:id/verify
func (h *CredentialHandler) VerifyCredential(c *gin.Context) {
	credentialID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	verification, err := h.credentials.Verify(c.Request.Context(), credentialID)
	if err != nil {
		respondError(c, err, "credential")
		return
	}

	utils.SuccessResponse(c, verification)
}

// POST /credentials/:id/download-tokens
func (h *CredentialHandler) IssueDownloadToken(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	buyerID, ok := currentUser(c)
	if !ok {
		return
	}
	credentialID, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var body IssueDownloadTokenRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &body) {
		return
	}

	req := services.IssueTokenRequest{CredentialID: credentialID}
	if body.BindClient {
		req.ClientAddress = c.ClientIP()
	}

	info, err := h.downloads.Issue(c.Request.Context(), buyerID, req)
	if err != nil {
		respondError(c, err, "credential")
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyDownloadTokenIssued),
		"token":   info,
	})
}
