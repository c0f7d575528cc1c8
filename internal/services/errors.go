// internal/services/errors.go
package services

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the settlement core. Handlers map them to HTTP
// statuses with errors.Is, so wrap instead of replacing them.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrAuthorization     = errors.New("not authorized")
	ErrLedgerTransient   = errors.New("ledger transient failure")
	ErrLedgerFatal       = errors.New("ledger rejected transaction")
	ErrInvalidToken      = errors.New("invalid download token")
	ErrTokenExpired      = errors.New("download token expired")
	ErrAttemptsExhausted = errors.New("download attempts exhausted")
)

var (
	ErrOutOfRange          = fmt.Errorf("%w: price out of range", ErrValidation)
	ErrFeeMismatch         = fmt.Errorf("%w: deposit does not match expected amount", ErrLedgerFatal)
	ErrInvalidRating       = fmt.Errorf("%w: rating out of range", ErrValidation)
	ErrInvalidAddress      = fmt.Errorf("%w: invalid ledger address", ErrValidation)
	ErrDepositNotConfirmed = fmt.Errorf("%w: deposit not validated", ErrLedgerTransient)
	ErrAlreadyEvaluated    = fmt.Errorf("%w: purchase already evaluated", ErrConflict)
	ErrCredentialExists    = fmt.Errorf("%w: buyer already holds a credential for this asset", ErrConflict)
	ErrPurchaseInProgress  = fmt.Errorf("%w: a purchase of this asset is already in progress", ErrConflict)
	ErrBatchNotRetryable   = fmt.Errorf("%w: batch has no retryable failed leg", ErrConflict)
)
