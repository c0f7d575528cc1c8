// internal/repository/gorm_tokens.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/asset-market/internal/models"
)

func (s *GormStore) IssueOrReuse(ctx context.Context, candidate *models.DownloadToken, now time.Time) (*models.DownloadToken, bool, error) {
	var (
		result *models.DownloadToken
		reused bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serialize issuance per credential.
		var credential models.Credential
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&credential, "id = ?", candidate.CredentialID).Error; err != nil {
			return translateError(err)
		}

		var existing models.DownloadToken
		err := tx.Where("credential_id = ? AND buyer_id = ?", candidate.CredentialID, candidate.BuyerID).
			Where("active AND revoked_at IS NULL AND remaining_attempts > 0 AND expires_at > ?", now).
			Order("created_at DESC").
			First(&existing).Error
		if err == nil {
			result = &existing
			reused = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to look up live token: %w", err)
		}

		if err := tx.Create(candidate).Error; err != nil {
			return fmt.Errorf("failed to create download token: %w", translateError(err))
		}
		result = candidate
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, reused, nil
}

func (s *GormStore) GetToken(ctx context.Context, token string) (*models.DownloadToken, error) {
	var tok models.DownloadToken
	if err := s.db.WithContext(ctx).First(&tok, "token = ?", token).Error; err != nil {
		return nil, translateError(err)
	}
	return &tok, nil
}

func (s *GormStore) ConsumeToken(ctx context.Context, token, clientAddress string, now time.Time) (*models.DownloadToken, error) {
	var tok models.DownloadToken
	res := s.db.WithContext(ctx).Model(&tok).
		Clauses(clause.Returning{}).
		Where("token = ? AND active AND revoked_at IS NULL AND remaining_attempts > 0 AND expires_at > ?", token, now).
		Where("client_address = '' OR client_address = ?", clientAddress).
		Updates(map[string]interface{}{
			"remaining_attempts": gorm.Expr("remaining_attempts - 1"),
			"first_used_at":      gorm.Expr("COALESCE(first_used_at, ?)", now),
			"last_used_at":       now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to consume download token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrTokenNotConsumable
	}
	return &tok, nil
}

func (s *GormStore) RevokeToken(ctx context.Context, token string, now time.Time) (*models.DownloadToken, error) {
	var tok models.DownloadToken
	res := s.db.WithContext(ctx).Model(&tok).
		Clauses(clause.Returning{}).
		Where("token = ?", token).
		Updates(map[string]interface{}{
			"revoked_at": gorm.Expr("COALESCE(revoked_at, ?)", now),
			"expires_at": gorm.Expr("LEAST(expires_at, ?)", now),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to revoke download token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &tok, nil
}

func (s *GormStore) RevokeTokensForCredential(ctx context.Context, credentialID uuid.UUID, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.DownloadToken{}).
		Where("credential_id = ? AND revoked_at IS NULL", credentialID).
		Updates(map[string]interface{}{
			"revoked_at": now,
			"expires_at": gorm.Expr("LEAST(expires_at, ?)", now),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to revoke credential tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.DownloadToken{}).
		Where("active AND expires_at <= ?", now).
		Update("active", false)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to deactivate expired tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("NOT active AND expires_at <= ?", before).
		Delete(&models.DownloadToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge expired tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
