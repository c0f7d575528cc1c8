// internal/i18n/keys.go
package i18n

// Translation keys
const (
	// Auth keys
	KeyAuthRequired      = "auth.required"
	KeyAuthInvalidToken  = "auth.invalid_token"
	KeyAuthTokenExpired  = "auth.token_expired"
	KeyAdminAccessDenied = "admin.access_denied"

	// Purchase keys
	KeyPurchaseInitiated      = "purchase.initiated"
	KeyPurchaseNotFound       = "purchase.not_found"
	KeyPurchaseOutOfRange     = "purchase.out_of_range"
	KeyPurchaseAlreadyOwned   = "purchase.already_owned"
	KeyPurchaseInProgress     = "purchase.in_progress"
	KeyPurchaseAssetInactive  = "purchase.asset_inactive"
	KeyDepositNotConfirmed    = "purchase.deposit_not_confirmed"
	KeyDepositMismatch        = "purchase.deposit_mismatch"
	KeySettlementRetried      = "purchase.retried"
	KeySettlementNotRetryable = "purchase.not_retryable"
	KeyLedgerUnavailable      = "ledger.unavailable"
	KeyLedgerRejected         = "ledger.rejected"

	// Credential keys
	KeyCredentialNotFound = "credential.not_found"
	KeyCredentialRevoked  = "credential.revoked"
	KeyCredentialActive   = "credential.active"

	// Download keys
	KeyDownloadTokenIssued    = "download.token_issued"
	KeyDownloadTokenInvalid   = "download.token_invalid"
	KeyDownloadTokenExpired   = "download.token_expired"
	KeyDownloadExhausted      = "download.exhausted"
	KeyDownloadTokenRevoked   = "download.token_revoked"
	KeyDownloadRateLimited    = "download.rate_limited"
	KeyDownloadCleanupStarted = "download.cleanup_done"

	// Evaluation keys
	KeyEvaluationSubmitted = "evaluation.submitted"
	KeyEvaluationDuplicate = "evaluation.duplicate"
	KeyEvaluationRating    = "evaluation.invalid_rating"

	// User keys
	KeyUserNotFound = "user.not_found"

	// General keys
	KeyForbidden         = "general.forbidden"
	KeyConflict          = "general.conflict"
	KeyRateLimited       = "general.rate_limited"
	KeyInternalError     = "general.internal_error"
	KeyValidationInvalid = "validation.invalid"
	KeyReconcileDone     = "admin.reconcile_done"
)
