// internal/repository/gorm_rewards.go
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/asset-market/internal/models"
)

func (s *GormStore) RecordReward(ctx context.Context, record *models.RewardRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := models.ReputationBalance{ActorID: record.TargetID, UpdatedAt: record.CreatedAt}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return fmt.Errorf("failed to seed reputation balance: %w", err)
		}

		var balance models.ReputationBalance
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&balance, "actor_id = ?", record.TargetID).Error; err != nil {
			return fmt.Errorf("failed to lock reputation balance: %w", err)
		}

		record.BalanceBefore = balance.Balance
		record.BalanceAfter = balance.Balance + record.Amount

		if err := tx.Create(record).Error; err != nil {
			return translateError(err)
		}

		if err := tx.Model(&balance).Updates(map[string]interface{}{
			"balance":    record.BalanceAfter,
			"updated_at": record.CreatedAt,
		}).Error; err != nil {
			return fmt.Errorf("failed to update reputation balance: %w", err)
		}
		return nil
	})
}

func (s *GormStore) FindReward(ctx context.Context, evaluatorID, purchaseID uuid.UUID) (*models.RewardRecord, error) {
	var record models.RewardRecord
	err := s.db.WithContext(ctx).First(&record, "evaluator_id = ? AND purchase_id = ?", evaluatorID, purchaseID).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &record, nil
}

func (s *GormStore) ListUnbatchedRewards(ctx context.Context, limit int) ([]models.RewardRecord, error) {
	var records []models.RewardRecord
	err := s.db.WithContext(ctx).
		Where("amount > 0").
		Where("NOT EXISTS (SELECT 1 FROM purchase_batches b WHERE b.reward_id = reward_records.id)").
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unbatched rewards: %w", err)
	}
	return records, nil
}

func (s *GormStore) Balance(ctx context.Context, actorID uuid.UUID) (int64, error) {
	var balance models.ReputationBalance
	err := s.db.WithContext(ctx).First(&balance, "actor_id = ?", actorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read reputation balance: %w", err)
	}
	return balance.Balance, nil
}

func (s *GormStore) CountReceived(ctx context.Context, targetID uuid.UUID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.RewardRecord{}).Where("target_id = ?", targetID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count rewards: %w", err)
	}
	return count, nil
}
