// internal/models/batch.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// PurchaseBatch is one purchase (or reward) attempt. Rows are append-only; the
// status and stage are derived from the legs on every read.
type PurchaseBatch struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	Kind          BatchKind  `json:"kind" gorm:"type:varchar(20);not null;default:'purchase';index"`
	BuyerID       uuid.UUID  `json:"buyer_id" gorm:"type:uuid;not null;index"`
	SellerID      uuid.UUID  `json:"seller_id" gorm:"type:uuid;not null;index"`
	AssetID       *uuid.UUID `json:"asset_id,omitempty" gorm:"type:uuid;index"`
	BuyerAddress  string     `json:"buyer_address" gorm:"size:64"`
	SellerAddress string     `json:"seller_address" gorm:"size:64"`
	TotalPrice    int64      `json:"total_price" gorm:"not null"`
	PlatformFee   int64      `json:"platform_fee" gorm:"not null"`
	SellerRevenue int64      `json:"seller_revenue" gorm:"not null"`
	Memo          string     `json:"memo,omitempty" gorm:"type:text"`
	FinishAfter   *time.Time `json:"finish_after,omitempty"`
	CancelAfter   *time.Time `json:"cancel_after,omitempty"`
	RewardID      *uuid.UUID `json:"reward_id,omitempty" gorm:"type:uuid;index"`
	CreatedAt     time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Status BatchStatus      `json:"status" gorm:"-"`
	Stage  SettlementStage  `json:"stage" gorm:"-"`
	Legs   []TransactionLeg `json:"legs,omitempty" gorm:"foreignKey:BatchID"`
}

func (PurchaseBatch) TableName() string {
	return "purchase_batches"
}

// TransactionLeg is one ledger operation of a batch. Sequence orders the legs; a
// leg may only be submitted once every lower sequence is confirmed.
type TransactionLeg struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	BatchID       uuid.UUID  `json:"batch_id" gorm:"type:uuid;not null;uniqueIndex:idx_legs_batch_sequence"`
	Sequence      int        `json:"sequence" gorm:"not null;uniqueIndex:idx_legs_batch_sequence"`
	Kind          LegKind    `json:"kind" gorm:"type:varchar(32);not null"`
	FromAddress   string     `json:"from_address" gorm:"size:64"`
	ToAddress     string     `json:"to_address" gorm:"size:64"`
	Amount        int64      `json:"amount" gorm:"not null;default:0"`
	Status        LegStatus  `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	LedgerRef     string     `json:"ledger_ref,omitempty" gorm:"size:128;index"`
	SignedBlob    string     `json:"-" gorm:"type:text"`
	FailureReason string     `json:"failure_reason,omitempty" gorm:"type:text"`
	Attempts      int        `json:"attempts" gorm:"not null;default:0"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (TransactionLeg) TableName() string {
	return "transaction_legs"
}

// LegUpdate carries the optional fields of a leg status change. From narrows the
// statuses the leg may currently be in; it never widens Status.AllowedFrom().
type LegUpdate struct {
	Status        LegStatus
	From          []LegStatus
	LedgerRef     string
	SignedBlob    string
	FailureReason string
	CountAttempt  bool
	At            time.Time
}

// Sources returns the statuses the leg must currently be in.
func (u LegUpdate) Sources() []LegStatus {
	if len(u.From) == 0 {
		return u.Status.AllowedFrom()
	}
	sources := make([]LegStatus, 0, len(u.From))
	for _, from := range u.From {
		if u.Status.CanTransitionFrom(from) {
			sources = append(sources, from)
		}
	}
	return sources
}

// Apply copies the update onto a leg the way the stores persist it.
func (u LegUpdate) Apply(leg *TransactionLeg) {
	leg.Status = u.Status
	if u.LedgerRef != "" {
		leg.LedgerRef = u.LedgerRef
	}
	if u.SignedBlob != "" {
		leg.SignedBlob = u.SignedBlob
	}
	if u.Status == LegStatusFailed || u.FailureReason != "" {
		leg.FailureReason = u.FailureReason
	}
	if u.CountAttempt {
		leg.Attempts++
	}
	at := u.At
	switch u.Status {
	case LegStatusSubmitted:
		if leg.SubmittedAt == nil {
			leg.SubmittedAt = &at
		}
	case LegStatusConfirmed:
		leg.ConfirmedAt = &at
		leg.FailureReason = ""
	}
	leg.UpdatedAt = at
}

// DeriveState computes the batch status and orchestrator stage from its legs.
func DeriveState(kind BatchKind, legs []TransactionLeg) (BatchStatus, SettlementStage) {
	if len(legs) == 0 {
		return BatchStatusPending, StageAwaitingDeposit
	}

	var firstOpen *TransactionLeg
	confirmed := 0
	for i := range legs {
		switch legs[i].Status {
		case LegStatusFailed:
			return BatchStatusFailed, StageFailed
		case LegStatusConfirmed:
			confirmed++
		default:
			if firstOpen == nil || legs[i].Sequence < firstOpen.Sequence {
				firstOpen = &legs[i]
			}
		}
	}

	if firstOpen == nil {
		return BatchStatusCompleted, StageCompleted
	}

	stage := stageForLeg(firstOpen.Kind)
	if confirmed == 0 && kind == BatchKindPurchase {
		return BatchStatusPending, stage
	}
	return BatchStatusSettling, stage
}

func stageForLeg(kind LegKind) SettlementStage {
	switch kind {
	case LegKindEscrowDeposit:
		return StageAwaitingDeposit
	case LegKindEscrowRelease:
		return StageReleasing
	case LegKindSellerPayout:
		return StagePayingSeller
	case LegKindCredentialIssuance:
		return StageIssuingCredential
	case LegKindRewardIssuance:
		return StageIssuingReward
	default:
		return StageFailed
	}
}

// FailedLeg returns the first failed leg, if any.
func (b *PurchaseBatch) FailedLeg() *TransactionLeg {
	for i := range b.Legs {
		if b.Legs[i].Status == LegStatusFailed {
			return &b.Legs[i]
		}
	}
	return nil
}

// Leg returns the leg of the given kind, if any.
func (b *PurchaseBatch) Leg(kind LegKind) *TransactionLeg {
	for i := range b.Legs {
		if b.Legs[i].Kind == kind {
			return &b.Legs[i]
		}
	}
	return nil
}

// Refresh recomputes the derived fields after Legs changed.
func (b *PurchaseBatch) Refresh() {
	b.Status, b.Stage = DeriveState(b.Kind, b.Legs)
}
