// internal/services/download_token_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/asset-market/internal/config"
	"github.com/javajoker/asset-market/internal/events"
	"github.com/javajoker/asset-market/internal/models"
	"github.com/javajoker/asset-market/internal/repository"
	"github.com/javajoker/asset-market/internal/utils"
)

type DownloadTokenService struct {
	store     repository.Store
	locator   ResourceLocator
	publisher events.Publisher
	cfg       config.DownloadConfig
	log       *logrus.Logger
	now       func() time.Time
	generate  func() (string, error)
}

type IssueTokenRequest struct {
	CredentialID  uuid.UUID `json:"credential_id" validate:"required"`
	ClientAddress string    `json:"client_address,omitempty" validate:"omitempty,max=64"`
}

type TokenInfo struct {
	Token             string     `json:"token"`
	CredentialID      uuid.UUID  `json:"credential_id"`
	ExpiresAt         time.Time  `json:"expires_at"`
	MaxAttempts       int        `json:"max_attempts"`
	RemainingAttempts int        `json:"remaining_attempts"`
	DownloadURL       string     `json:"download_url,omitempty"`
	Usable            bool       `json:"usable"`
	Reused            bool       `json:"reused,omitempty"`
	FirstUsedAt       *time.Time `json:"first_used_at,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

// ConsumeResult is returned by a successful consume.
type ConsumeResult struct {
	CredentialID      uuid.UUID `json:"credential_id"`
	BuyerID           uuid.UUID `json:"buyer_id"`
	RemainingAttempts int       `json:"remaining_attempts"`
	ResourceURL       string    `json:"resource_url"`
}

func NewDownloadTokenService(store repository.Store, locator ResourceLocator, publisher events.Publisher, cfg config.DownloadConfig, log *logrus.Logger) *DownloadTokenService {
	return &DownloadTokenService{
		store:     store,
		locator:   locator,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		generate:  utils.GenerateDownloadToken,
	}
}

// SetClock replaces the time source.
func (s *DownloadTokenService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *DownloadTokenService) downloadURL(token string) string {
	return fmt.Sprintf("/v1/downloads/%s/consume", token)
}

// Issue returns the live token for (credential, buyer), or mints a new one.
func (s *DownloadTokenService) Issue(ctx context.Context, buyerID uuid.UUID, req IssueTokenRequest) (*TokenInfo, error) {
	now := s.now()

	credential, err := s.store.GetCredential(ctx, req.CredentialID)
	if err != nil {
		return nil, notFound(err, "credential")
	}
	if credential.HolderID != buyerID {
		return nil, fmt.Errorf("%w: credential belongs to another buyer", ErrAuthorization)
	}
	if !credential.IsActive(now) {
		return nil, fmt.Errorf("%w: credential is revoked or expired", ErrAuthorization)
	}

	value, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate download token: %w", err)
	}
	candidate := &models.DownloadToken{
		Token:             value,
		CredentialID:      credential.ID,
		BuyerID:           buyerID,
		ClientAddress:     req.ClientAddress,
		MaxAttempts:       s.cfg.MaxAttempts,
		RemainingAttempts: s.cfg.MaxAttempts,
		Active:            true,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.TokenTTL),
	}

	token, reused, err := s.store.IssueOrReuse(ctx, candidate, now)
	if err != nil {
		return nil, notFound(err, "credential")
	}

	logger := s.log.WithFields(logrus.Fields{
		"credential_id": token.CredentialID,
		"buyer_id":      buyerID,
		"token":         utils.Fingerprint(token.Token),
		"reused":        reused,
	})
	if reused {
		logger.Debug("Reusing live download token")
	} else {
		logger.Info("Download token issued")
		if err := s.publisher.Publish(ctx, events.TokenIssued, events.TokenEvent{
			CredentialID: token.CredentialID,
			BuyerID:      buyerID,
			ExpiresAt:    token.ExpiresAt,
			Timestamp:    now,
		}); err != nil {
			logger.WithError(err).Warn("Failed to publish token event")
		}
	}

	info := s.toInfo(token, now)
	info.Reused = reused
	return info, nil
}

// ValidateAndConsume spends one attempt. Every lookup runs first, so a failing
// credential, asset or storage read leaves the attempts untouched. The
// decrement is a single conditional write in the store and the last step.
func (s *DownloadTokenService) ValidateAndConsume(ctx context.Context, token, clientAddress string) (*ConsumeResult, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	now := s.now()

	tok, err := s.store.GetToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if err := explainRejection(tok, clientAddress, now); err != nil {
		return nil, err
	}

	credential, err := s.store.GetCredential(ctx, tok.CredentialID)
	if err != nil {
		return nil, notFound(err, "credential")
	}
	if !credential.IsActive(now) {
		return nil, fmt.Errorf("%w: credential revoked", ErrTokenExpired)
	}
	asset, err := s.store.GetAsset(ctx, credential.AssetID)
	if err != nil {
		return nil, notFound(err, "asset")
	}
	resourceURL, err := s.locator.Locate(ctx, asset.ContentKey)
	if err != nil {
		return nil, err
	}

	consumed, err := s.store.ConsumeToken(ctx, token, clientAddress, now)
	if errors.Is(err, repository.ErrTokenNotConsumable) {
		return nil, s.rejection(ctx, token, clientAddress, now)
	}
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"credential_id": consumed.CredentialID,
		"token":         utils.Fingerprint(token),
		"remaining":     consumed.RemainingAttempts,
	}).Info("Download token consumed")

	return &ConsumeResult{
		CredentialID:      consumed.CredentialID,
		BuyerID:           consumed.BuyerID,
		RemainingAttempts: consumed.RemainingAttempts,
		ResourceURL:       resourceURL,
	}, nil
}

// rejection re-reads the token to tell why a consume did not match.
func (s *DownloadTokenService) rejection(ctx context.Context, token, clientAddress string, now time.Time) error {
	tok, err := s.store.GetToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}
	if err := explainRejection(tok, clientAddress, now); err != nil {
		return err
	}
	// Usable again by now: another request changed it between the two reads.
	return ErrAttemptsExhausted
}

// explainRejection returns why tok cannot be consumed by clientAddress, or nil.
func explainRejection(tok *models.DownloadToken, clientAddress string, now time.Time) error {
	switch {
	case tok.Expired(now) || !tok.Active:
		return ErrTokenExpired
	case tok.RemainingAttempts <= 0:
		return ErrAttemptsExhausted
	case tok.ClientAddress != "" && tok.ClientAddress != clientAddress:
		return fmt.Errorf("%w: token is bound to another client", ErrAuthorization)
	}
	return nil
}

// Info returns token metadata without consuming it.
func (s *DownloadTokenService) Info(ctx context.Context, token string) (*TokenInfo, error) {
	tok, err := s.store.GetToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	info := s.toInfo(tok, s.now())
	info.DownloadURL = ""
	return info, nil
}

// Revoke ends the token now. Only the holder or an admin may revoke.
func (s *DownloadTokenService) Revoke(ctx context.Context, token string, callerID uuid.UUID, isAdmin bool) (*TokenInfo, error) {
	tok, err := s.store.GetToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !isAdmin && tok.BuyerID != callerID {
		return nil, fmt.Errorf("%w: token belongs to another buyer", ErrAuthorization)
	}

	now := s.now()
	revoked, err := s.store.RevokeToken(ctx, token, now)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"credential_id": revoked.CredentialID,
		"token":         utils.Fingerprint(token),
	}).Info("Download token revoked")
	return s.toInfo(revoked, now), nil
}

// RevokeCredential revokes the credential and every token minted from it.
func (s *DownloadTokenService) RevokeCredential(ctx context.Context, credentialID uuid.UUID, reason string) (*models.Credential, error) {
	now := s.now()
	credential, err := s.store.RevokeCredential(ctx, credentialID, reason, now)
	if err != nil {
		return nil, notFound(err, "credential")
	}
	n, err := s.store.RevokeTokensForCredential(ctx, credentialID, now)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"credential_id": credentialID,
		"tokens":        n,
		"reason":        reason,
	}).Warn("Credential revoked")
	return credential, nil
}

// CleanupExpired deactivates every token past its expiry.
func (s *DownloadTokenService) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.WithField("count", n).Info("Expired download tokens deactivated")
	}
	return n, nil
}

// PurgeExpired deletes deactivated tokens whose expiry is older than the purge window.
func (s *DownloadTokenService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpired(ctx, s.now().Add(-s.cfg.PurgeAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.WithField("count", n).Info("Expired download tokens purged")
	}
	return n, nil
}

func (s *DownloadTokenService) toInfo(tok *models.DownloadToken, now time.Time) *TokenInfo {
	return &TokenInfo{
		Token:             tok.Token,
		CredentialID:      tok.CredentialID,
		ExpiresAt:         tok.ExpiresAt,
		MaxAttempts:       tok.MaxAttempts,
		RemainingAttempts: tok.RemainingAttempts,
		DownloadURL:       s.downloadURL(tok.Token),
		Usable:            tok.Usable(now),
		FirstUsedAt:       tok.FirstUsedAt,
		LastUsedAt:        tok.LastUsedAt,
	}
}
