// internal/services/credential_service.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/asset-market/internal/models"
	"github.com/javajoker/asset-market/internal/repository"
)

// CredentialService answers read-side questions about issued credentials.
type CredentialService struct {
	store repository.CredentialRepository
	now   func() time.Time
}

// CredentialVerification is the public view of a credential.
type CredentialVerification struct {
	CredentialID uuid.UUID  `json:"credential_id"`
	AssetID      uuid.UUID  `json:"asset_id"`
	Rights       []string   `json:"rights"`
	Active       bool       `json:"active"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

func NewCredentialService(store repository.CredentialRepository) *CredentialService {
	return &CredentialService{store: store, now: time.Now}
}

func (s *CredentialService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *CredentialService) ListForHolder(ctx context.Context, holderID uuid.UUID) ([]models.Credential, error) {
	return s.store.ListCredentialsByHolder(ctx, holderID)
}

// Get returns a credential to its holder or to an admin.
func (s *CredentialService) Get(ctx context.Context, id, callerID uuid.UUID, isAdmin bool) (*models.Credential, error) {
	credential, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, notFound(err, "credential")
	}
	if !isAdmin && credential.HolderID != callerID {
		return nil, fmt.Errorf("%w: credential belongs to another buyer", ErrAuthorization)
	}
	return credential, nil
}

func (s *CredentialService) Verify(ctx context.Context, id uuid.UUID) (*CredentialVerification, error) {
	credential, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, notFound(err, "credential")
	}
	return &CredentialVerification{
		CredentialID: credential.ID,
		AssetID:      credential.AssetID,
		Rights:       credential.Rights,
		Active:       credential.IsActive(s.now()),
		IssuedAt:     credential.IssuedAt,
		ExpiresAt:    credential.ExpiresAt,
		RevokedAt:    credential.RevokedAt,
	}, nil
}
