// internal/models/reward.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// RewardRecord is one reputation distribution. Unique per (evaluator, purchase).
type RewardRecord struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	EvaluatorID   uuid.UUID `json:"evaluator_id" gorm:"type:uuid;not null;uniqueIndex:idx_reward_evaluator_purchase"`
	PurchaseID    uuid.UUID `json:"purchase_id" gorm:"type:uuid;not null;uniqueIndex:idx_reward_evaluator_purchase"`
	TargetID      uuid.UUID `json:"target_id" gorm:"type:uuid;not null;index"`
	Rating        int       `json:"rating" gorm:"not null"`
	Amount        int64     `json:"amount" gorm:"not null;default:0"`
	Reason        string    `json:"reason" gorm:"type:text"`
	BalanceBefore int64     `json:"balance_before" gorm:"not null"`
	BalanceAfter  int64     `json:"balance_after" gorm:"not null"`
	CreatedAt     time.Time `json:"created_at"`
}

func (RewardRecord) TableName() string {
	return "reward_records"
}

// RewardBatchID derives the id of the batch that pays out a reward record, so
// a record is never paid through two batches.
func RewardBatchID(rewardID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(rewardID, []byte("reward-batch"))
}

// ReputationBalance is the running reward balance of an actor.
type ReputationBalance struct {
	ActorID   uuid.UUID `json:"actor_id" gorm:"type:uuid;primary_key"`
	Balance   int64     `json:"balance" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ReputationBalance) TableName() string {
	return "reputation_balances"
}
