// internal/repository/repository.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/asset-market/internal/models"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrDuplicate          = errors.New("duplicate record")
	ErrInvalidTransition  = errors.New("invalid leg status transition")
	ErrTokenNotConsumable = errors.New("download token not consumable")
)

// BatchRepository persists purchase batches and their legs. Every leg write is a
// single-row operation keyed by leg id.
type BatchRepository interface {
	// CreateBatch stores the batch together with any legs it carries, or nothing.
	CreateBatch(ctx context.Context, batch *models.PurchaseBatch) error
	UpsertLeg(ctx context.Context, leg *models.TransactionLeg) error
	GetBatch(ctx context.Context, id uuid.UUID) (*models.PurchaseBatch, error)
	ListOpenBatches(ctx context.Context, limit int) ([]models.PurchaseBatch, error)
	// ListPurchases returns every purchase batch of buyerID for assetID, oldest first.
	ListPurchases(ctx context.Context, buyerID, assetID uuid.UUID) ([]models.PurchaseBatch, error)
	ListLegs(ctx context.Context, batchID uuid.UUID) ([]models.TransactionLeg, error)
	GetLeg(ctx context.Context, id uuid.UUID) (*models.TransactionLeg, error)
	TransitionLeg(ctx context.Context, id uuid.UUID, update models.LegUpdate) (*models.TransactionLeg, error)
	ResetLeg(ctx context.Context, id uuid.UUID, at time.Time) (*models.TransactionLeg, error)
}

type CredentialRepository interface {
	CreateCredential(ctx context.Context, credential *models.Credential) error
	GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error)
	FindCredentialByBatch(ctx context.Context, batchID uuid.UUID) (*models.Credential, error)
	FindActiveCredential(ctx context.Context, holderID, assetID uuid.UUID, now time.Time) (*models.Credential, error)
	ListCredentialsByHolder(ctx context.Context, holderID uuid.UUID) ([]models.Credential, error)
	RevokeCredential(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*models.Credential, error)
}

type TokenRepository interface {
	// IssueOrReuse returns the live token for the candidate's (credential, buyer)
	// pair if one exists, otherwise stores the candidate. The boolean reports reuse.
	IssueOrReuse(ctx context.Context, candidate *models.DownloadToken, now time.Time) (*models.DownloadToken, bool, error)
	GetToken(ctx context.Context, token string) (*models.DownloadToken, error)
	// ConsumeToken decrements the remaining attempts in one conditional write.
	// It returns ErrTokenNotConsumable when no usable row matched.
	ConsumeToken(ctx context.Context, token, clientAddress string, now time.Time) (*models.DownloadToken, error)
	RevokeToken(ctx context.Context, token string, now time.Time) (*models.DownloadToken, error)
	RevokeTokensForCredential(ctx context.Context, credentialID uuid.UUID, now time.Time) (int64, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type RewardRepository interface {
	// RecordReward stores the record and moves the target's running balance in
	// one unit. A second record for the same (evaluator, purchase) returns ErrDuplicate.
	RecordReward(ctx context.Context, record *models.RewardRecord) error
	FindReward(ctx context.Context, evaluatorID, purchaseID uuid.UUID) (*models.RewardRecord, error)
	// ListUnbatchedRewards returns positive rewards that have no reward batch yet.
	ListUnbatchedRewards(ctx context.Context, limit int) ([]models.RewardRecord, error)
	Balance(ctx context.Context, actorID uuid.UUID) (int64, error)
	CountReceived(ctx context.Context, targetID uuid.UUID) (int64, error)
}

type CatalogRepository interface {
	GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	RecordSale(ctx context.Context, assetID, buyerID uuid.UUID) error
}

type AuditRepository interface {
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
}

// Store bundles every repository behind one handle.
type Store interface {
	BatchRepository
	CredentialRepository
	TokenRepository
	RewardRepository
	CatalogRepository
	AuditRepository
}

func openLegStatuses() []models.LegStatus {
	return []models.LegStatus{models.LegStatusPending, models.LegStatusSubmitted}
}
