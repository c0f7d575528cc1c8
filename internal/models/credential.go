// internal/models/credential.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Credential is a buyer's right to use an asset. Immutable once issued, except for revocation.
type Credential struct {
	ID               uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	BatchID          uuid.UUID      `json:"batch_id" gorm:"type:uuid;not null;uniqueIndex"`
	HolderID         uuid.UUID      `json:"holder_id" gorm:"type:uuid;not null;index"`
	AssetID          uuid.UUID      `json:"asset_id" gorm:"type:uuid;not null;index"`
	Rights           pq.StringArray `json:"rights" gorm:"type:text[]"`
	LedgerRef        string         `json:"ledger_ref,omitempty" gorm:"size:128"`
	IssuedAt         time.Time      `json:"issued_at"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	RevokedAt        *time.Time     `json:"revoked_at,omitempty"`
	RevocationReason string         `json:"revocation_reason,omitempty" gorm:"type:text"`
}

func (Credential) TableName() string {
	return "credentials"
}

// IsActive reports whether the credential is neither revoked nor expired at now.
func (c *Credential) IsActive(now time.Time) bool {
	if c.RevokedAt != nil {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// DefaultRights granted by a purchase.
var DefaultRights = []string{"download", "use"}

// CredentialID derives the credential id for a batch, so retried issuance
// always refers to the same credential.
func CredentialID(batchID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(batchID, []byte("credential"))
}
