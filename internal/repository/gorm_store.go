// internal/repository/gorm_store.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/asset-market/internal/models"
)

const uniqueViolation = "23505"

// GormStore implements Store on PostgreSQL through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func (s *GormStore) CreateBatch(ctx context.Context, batch *models.PurchaseBatch) error {
	legs := batch.Legs
	batch.Legs = nil
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(batch).Error; err != nil {
			return err
		}
		if len(legs) == 0 {
			return nil
		}
		return tx.Create(&legs).Error
	})
	batch.Legs = legs
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", translateError(err))
	}
	return nil
}

func (s *GormStore) UpsertLeg(ctx context.Context, leg *models.TransactionLeg) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(leg).Error
	if err != nil {
		return fmt.Errorf("failed to record leg: %w", translateError(err))
	}
	return nil
}

func (s *GormStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.PurchaseBatch, error) {
	var batch models.PurchaseBatch
	err := s.db.WithContext(ctx).
		Preload("Legs", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		First(&batch, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err)
	}
	batch.Refresh()
	return &batch, nil
}

func (s *GormStore) ListOpenBatches(ctx context.Context, limit int) ([]models.PurchaseBatch, error) {
	var batches []models.PurchaseBatch
	err := s.db.WithContext(ctx).
		Preload("Legs", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Where("EXISTS (SELECT 1 FROM transaction_legs l WHERE l.batch_id = purchase_batches.id AND l.status IN ?)", openLegStatuses()).
		Where("NOT EXISTS (SELECT 1 FROM transaction_legs l WHERE l.batch_id = purchase_batches.id AND l.status = ?)", models.LegStatusFailed).
		Order("created_at ASC").
		Limit(limit).
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open batches: %w", err)
	}
	for i := range batches {
		batches[i].Refresh()
	}
	return batches, nil
}

func (s *GormStore) ListPurchases(ctx context.Context, buyerID, assetID uuid.UUID) ([]models.PurchaseBatch, error) {
	var batches []models.PurchaseBatch
	err := s.db.WithContext(ctx).
		Preload("Legs", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Where("kind = ? AND buyer_id = ? AND asset_id = ?", models.BatchKindPurchase, buyerID, assetID).
		Order("created_at ASC, id ASC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	for i := range batches {
		batches[i].Refresh()
	}
	return batches, nil
}

func (s *GormStore) ListLegs(ctx context.Context, batchID uuid.UUID) ([]models.TransactionLeg, error) {
	var legs []models.TransactionLeg
	if err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).Order("sequence ASC").Find(&legs).Error; err != nil {
		return nil, fmt.Errorf("failed to list legs: %w", err)
	}
	return legs, nil
}

func (s *GormStore) GetLeg(ctx context.Context, id uuid.UUID) (*models.TransactionLeg, error) {
	var leg models.TransactionLeg
	if err := s.db.WithContext(ctx).First(&leg, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &leg, nil
}

func (s *GormStore) TransitionLeg(ctx context.Context, id uuid.UUID, update models.LegUpdate) (*models.TransactionLeg, error) {
	values := map[string]interface{}{
		"status":     update.Status,
		"updated_at": update.At,
	}
	if update.LedgerRef != "" {
		values["ledger_ref"] = update.LedgerRef
	}
	if update.SignedBlob != "" {
		values["signed_blob"] = update.SignedBlob
	}
	if update.Status == models.LegStatusFailed || update.FailureReason != "" {
		values["failure_reason"] = update.FailureReason
	}
	if update.CountAttempt {
		values["attempts"] = gorm.Expr("attempts + 1")
	}
	switch update.Status {
	case models.LegStatusSubmitted:
		values["submitted_at"] = gorm.Expr("COALESCE(submitted_at, ?)", update.At)
	case models.LegStatusConfirmed:
		values["confirmed_at"] = update.At
		values["failure_reason"] = ""
	}

	var leg models.TransactionLeg
	res := s.db.WithContext(ctx).Model(&leg).
		Clauses(clause.Returning{}).
		Where("id = ? AND status IN ?", id, update.Sources()).
		Updates(values)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update leg: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetLeg(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	return &leg, nil
}

func (s *GormStore) ResetLeg(ctx context.Context, id uuid.UUID, at time.Time) (*models.TransactionLeg, error) {
	var leg models.TransactionLeg
	res := s.db.WithContext(ctx).Model(&leg).
		Clauses(clause.Returning{}).
		Where("id = ? AND status = ?", id, models.LegStatusFailed).
		Updates(map[string]interface{}{
			"status":      models.LegStatusPending,
			"ledger_ref":  "",
			"signed_blob": "",
			"updated_at":  at,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to reset leg: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetLeg(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	return &leg, nil
}

func (s *GormStore) CreateCredential(ctx context.Context, credential *models.Credential) error {
	if err := s.db.WithContext(ctx).Create(credential).Error; err != nil {
		return fmt.Errorf("failed to create credential: %w", translateError(err))
	}
	return nil
}

func (s *GormStore) GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	var credential models.Credential
	if err := s.db.WithContext(ctx).First(&credential, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &credential, nil
}

func (s *GormStore) FindCredentialByBatch(ctx context.Context, batchID uuid.UUID) (*models.Credential, error) {
	var credential models.Credential
	if err := s.db.WithContext(ctx).First(&credential, "batch_id = ?", batchID).Error; err != nil {
		return nil, translateError(err)
	}
	return &credential, nil
}

func (s *GormStore) FindActiveCredential(ctx context.Context, holderID, assetID uuid.UUID, now time.Time) (*models.Credential, error) {
	var credential models.Credential
	err := s.db.WithContext(ctx).
		Where("holder_id = ? AND asset_id = ? AND revoked_at IS NULL", holderID, assetID).
		Where("expires_at IS NULL OR expires_at > ?", now).
		First(&credential).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &credential, nil
}

func (s *GormStore) ListCredentialsByHolder(ctx context.Context, holderID uuid.UUID) ([]models.Credential, error) {
	var credentials []models.Credential
	if err := s.db.WithContext(ctx).Where("holder_id = ?", holderID).Order("issued_at DESC").Find(&credentials).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return credentials, nil
}

func (s *GormStore) RevokeCredential(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*models.Credential, error) {
	var credential models.Credential
	res := s.db.WithContext(ctx).Model(&credential).
		Clauses(clause.Returning{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]interface{}{"revoked_at": at, "revocation_reason": reason})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to revoke credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.GetCredential(ctx, id)
	}
	return &credential, nil
}

func (s *GormStore) GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	if err := s.db.WithContext(ctx).First(&asset, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &asset, nil
}

func (s *GormStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

func (s *GormStore) RecordSale(ctx context.Context, assetID, buyerID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Asset{}).Where("id = ?", assetID).
			UpdateColumn("sales_count", gorm.Expr("sales_count + ?", 1)).Error; err != nil {
			return fmt.Errorf("failed to update sales count: %w", err)
		}
		if err := tx.Model(&models.User{}).Where("id = ?", buyerID).
			UpdateColumn("purchase_count", gorm.Expr("purchase_count + ?", 1)).Error; err != nil {
			return fmt.Errorf("failed to update purchase count: %w", err)
		}
		return nil
	})
}

func (s *GormStore) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}
