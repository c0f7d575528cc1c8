// internal/models/download_token.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// DownloadToken is a capability bound to one credential. RemainingAttempts never
// increases; expired or exhausted tokens stay unusable.
type DownloadToken struct {
	Token             string     `json:"token" gorm:"size:96;primary_key"`
	CredentialID      uuid.UUID  `json:"credential_id" gorm:"type:uuid;not null;index:idx_download_tokens_owner"`
	BuyerID           uuid.UUID  `json:"buyer_id" gorm:"type:uuid;not null;index:idx_download_tokens_owner"`
	ClientAddress     string     `json:"client_address,omitempty" gorm:"size:64"`
	MaxAttempts       int        `json:"max_attempts" gorm:"not null"`
	RemainingAttempts int        `json:"remaining_attempts" gorm:"not null;check:remaining_attempts >= 0"`
	Active            bool       `json:"active" gorm:"not null;default:true"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at" gorm:"not null;index"`
	FirstUsedAt       *time.Time `json:"first_used_at,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
}

func (DownloadToken) TableName() string {
	return "download_tokens"
}

// Usable reports whether the token could still be consumed at now.
func (t *DownloadToken) Usable(now time.Time) bool {
	return t.Active && t.RevokedAt == nil && t.RemainingAttempts > 0 && now.Before(t.ExpiresAt)
}

// Expired reports whether the token is past its expiry or was revoked.
func (t *DownloadToken) Expired(now time.Time) bool {
	return t.RevokedAt != nil || !now.Before(t.ExpiresAt)
}
