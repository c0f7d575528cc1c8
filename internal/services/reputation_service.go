// internal/services/reputation_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/asset-market/internal/config"
	"github.com/javajoker/asset-market/internal/models"
	"github.com/javajoker/asset-market/internal/repository"
)

type ReputationService struct {
	store      repository.Store
	settlement *SettlementService
	cfg        config.ReputationConfig
	log        *logrus.Logger
	now        func() time.Time
}

type SubmitEvaluationRequest struct {
	PurchaseID uuid.UUID `json:"purchase_id" validate:"required"`
	Rating     int       `json:"rating" validate:"min=0"`
	Comment    string    `json:"comment,omitempty" validate:"max=2000"`
}

type EvaluationResult struct {
	Reward      *models.RewardRecord  `json:"reward"`
	RewardBatch *models.PurchaseBatch `json:"reward_batch,omitempty"`
}

func NewReputationService(store repository.Store, settlement *SettlementService, cfg config.ReputationConfig, log *logrus.Logger) *ReputationService {
	return &ReputationService{
		store:      store,
		settlement: settlement,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

func (s *ReputationService) SetClock(now func() time.Time) {
	s.now = now
}

// ComputeReward scales the base reward by rating/maxRating, rounding down, and
// adds the first-submission bonus for a non-zero rating. Rating 0 earns nothing.
func (s *ReputationService) ComputeReward(rating int, isFirstSubmission bool) (int64, error) {
	if rating < 0 || rating > s.cfg.MaxRating {
		return 0, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidRating, rating, s.cfg.MaxRating)
	}
	if rating == 0 {
		return 0, nil
	}
	amount := s.cfg.BaseReward * int64(rating) / int64(s.cfg.MaxRating)
	if isFirstSubmission {
		amount += s.cfg.FirstBonus
	}
	return amount, nil
}

// RecordDistribution stores one reward record and moves the target's balance.
// A second record for the same (evaluator, purchase) fails with ErrAlreadyEvaluated.
func (s *ReputationService) RecordDistribution(ctx context.Context, evaluatorID, targetID uuid.UUID, amount int64, rating int, reason string, purchaseID uuid.UUID) (*models.RewardRecord, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: reward amount must not be negative", ErrValidation)
	}
	record := &models.RewardRecord{
		ID:          uuid.New(),
		EvaluatorID: evaluatorID,
		PurchaseID:  purchaseID,
		TargetID:    targetID,
		Rating:      rating,
		Amount:      amount,
		Reason:      reason,
		CreatedAt:   s.now(),
	}
	if err := s.store.RecordReward(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrAlreadyEvaluated
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"reward_id":    record.ID,
		"evaluator_id": evaluatorID,
		"target_id":    targetID,
		"purchase_id":  purchaseID,
		"amount":       amount,
		"balance":      record.BalanceAfter,
	}).Info("Reputation reward recorded")
	return record, nil
}

// SubmitEvaluation lets the buyer of a completed purchase rate its seller once.
// A positive reward is paid out through a reward batch.
func (s *ReputationService) SubmitEvaluation(ctx context.Context, evaluatorID uuid.UUID, req SubmitEvaluationRequest) (*EvaluationResult, error) {
	batch, err := s.settlement.GetBatchStatus(ctx, req.PurchaseID)
	if err != nil {
		return nil, err
	}
	if batch.Kind != models.BatchKindPurchase {
		return nil, fmt.Errorf("%w: only purchases can be evaluated", ErrValidation)
	}
	if batch.BuyerID != evaluatorID {
		return nil, fmt.Errorf("%w: only the buyer may evaluate this purchase", ErrAuthorization)
	}
	if batch.Status != models.BatchStatusCompleted {
		return nil, fmt.Errorf("%w: purchase is not completed", ErrValidation)
	}

	received, err := s.store.CountReceived(ctx, batch.SellerID)
	if err != nil {
		return nil, err
	}
	amount, err := s.ComputeReward(req.Rating, received == 0)
	if err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("rating %d/%d", req.Rating, s.cfg.MaxRating)
	if req.Comment != "" {
		reason = reason + ": " + req.Comment
	}
	record, err := s.RecordDistribution(ctx, evaluatorID, batch.SellerID, amount, req.Rating, reason, batch.ID)
	if err != nil {
		return nil, err
	}

	result := &EvaluationResult{Reward: record}
	if amount == 0 {
		return result, nil
	}

	seller, err := s.store.GetUser(ctx, batch.SellerID)
	if err != nil {
		return result, notFound(err, "seller")
	}
	rewardBatch, err := s.settlement.IssueReward(ctx, record, seller)
	if err != nil {
		// The record stands. Reconcile writes a missing reward batch and re-drives an open one.
		s.log.WithError(err).WithField("reward_id", record.ID).Error("Failed to drive reward batch")
	}
	result.RewardBatch = rewardBatch
	return result, nil
}

// Balance returns the actor's current reputation balance.
func (s *ReputationService) Balance(ctx context.Context, actorID uuid.UUID) (int64, error) {
	return s.store.Balance(ctx, actorID)
}
