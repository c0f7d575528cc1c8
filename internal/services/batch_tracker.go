// internal/services/batch_tracker.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/asset-market/internal/models"
	"github.com/javajoker/asset-market/internal/repository"
)

// BatchTracker is the durable record of every batch and leg. It never talks to
// the ledger; callers report what they observed.
type BatchTracker struct {
	repo repository.BatchRepository
	now  func() time.Time
	log  *logrus.Logger
}

func NewBatchTracker(repo repository.BatchRepository, log *logrus.Logger) *BatchTracker {
	return &BatchTracker{repo: repo, now: time.Now, log: log}
}

// LegSpec describes a leg to record.
type LegSpec struct {
	Kind   models.LegKind
	From   string
	To     string
	Amount int64
}

// CreateBatch stores the batch row and its pending legs, in the given order,
// as one write. The id is generated when zero.
func (t *BatchTracker) CreateBatch(ctx context.Context, batch *models.PurchaseBatch, legs ...LegSpec) (uuid.UUID, error) {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Kind == "" {
		batch.Kind = models.BatchKindPurchase
	}
	if batch.PlatformFee+batch.SellerRevenue != batch.TotalPrice {
		return uuid.Nil, fmt.Errorf("%w: platform fee and seller revenue must add up to the total", ErrValidation)
	}
	now := t.now()
	batch.CreatedAt = now
	batch.UpdatedAt = now

	batch.Legs = make([]models.TransactionLeg, 0, len(legs))
	for i, spec := range legs {
		batch.Legs = append(batch.Legs, models.TransactionLeg{
			ID:          uuid.New(),
			BatchID:     batch.ID,
			Sequence:    i + 1,
			Kind:        spec.Kind,
			FromAddress: spec.From,
			ToAddress:   spec.To,
			Amount:      spec.Amount,
			Status:      models.LegStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := t.repo.CreateBatch(ctx, batch); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return uuid.Nil, fmt.Errorf("%w: batch %s already exists", ErrConflict, batch.ID)
		}
		return uuid.Nil, err
	}
	return batch.ID, nil
}

// RecordLeg appends a pending leg after the batch's existing legs. Sequence
// follows recording order.
func (t *BatchTracker) RecordLeg(ctx context.Context, batchID uuid.UUID, spec LegSpec) (uuid.UUID, error) {
	legs, err := t.repo.ListLegs(ctx, batchID)
	if err != nil {
		return uuid.Nil, err
	}
	now := t.now()
	leg := &models.TransactionLeg{
		ID:          uuid.New(),
		BatchID:     batchID,
		Sequence:    len(legs) + 1,
		Kind:        spec.Kind,
		FromAddress: spec.From,
		ToAddress:   spec.To,
		Amount:      spec.Amount,
		Status:      models.LegStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.repo.UpsertLeg(ctx, leg); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
		}
		return uuid.Nil, err
	}
	return leg.ID, nil
}

// UpdateLegStatus applies one status change. A move to submitted is refused
// until every lower-sequence leg of the batch is confirmed.
func (t *BatchTracker) UpdateLegStatus(ctx context.Context, legID uuid.UUID, update models.LegUpdate) (*models.TransactionLeg, error) {
	if update.At.IsZero() {
		update.At = t.now()
	}

	if update.Status == models.LegStatusSubmitted {
		if err := t.checkPredecessors(ctx, legID); err != nil {
			return nil, err
		}
	}

	leg, err := t.repo.TransitionLeg(ctx, legID, update)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("%w: leg %s", ErrNotFound, legID)
	case errors.Is(err, repository.ErrInvalidTransition):
		return nil, fmt.Errorf("%w: leg %s cannot move to %s", ErrConflict, legID, update.Status)
	case err != nil:
		return nil, err
	}

	t.log.WithFields(logrus.Fields{
		"batch_id":   leg.BatchID,
		"leg_id":     leg.ID,
		"leg_kind":   leg.Kind,
		"status":     leg.Status,
		"ledger_ref": leg.LedgerRef,
		"attempt":    leg.Attempts,
	}).Debug("Leg status updated")

	return leg, nil
}

func (t *BatchTracker) checkPredecessors(ctx context.Context, legID uuid.UUID) error {
	leg, err := t.repo.GetLeg(ctx, legID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: leg %s", ErrNotFound, legID)
		}
		return err
	}
	legs, err := t.repo.ListLegs(ctx, leg.BatchID)
	if err != nil {
		return err
	}
	for _, other := range legs {
		if other.Sequence < leg.Sequence && other.Status != models.LegStatusConfirmed {
			return fmt.Errorf("%w: leg %s waits for %s", ErrConflict, leg.Kind, other.Kind)
		}
	}
	return nil
}

// GetBatchStatus returns the batch with its legs and derived status.
func (t *BatchTracker) GetBatchStatus(ctx context.Context, batchID uuid.UUID) (*models.PurchaseBatch, error) {
	batch, err := t.repo.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
		}
		return nil, err
	}
	return batch, nil
}

// OpenBatches lists batches that are neither completed nor failed, oldest first.
func (t *BatchTracker) OpenBatches(ctx context.Context, limit int) ([]models.PurchaseBatch, error) {
	return t.repo.ListOpenBatches(ctx, limit)
}

// ResetFailedLeg moves a failed leg back to pending for another attempt.
func (t *BatchTracker) ResetFailedLeg(ctx context.Context, legID uuid.UUID) (*models.TransactionLeg, error) {
	leg, err := t.repo.ResetLeg(ctx, legID, t.now())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("%w: leg %s", ErrNotFound, legID)
	case errors.Is(err, repository.ErrInvalidTransition):
		return nil, ErrBatchNotRetryable
	}
	return leg, err
}
