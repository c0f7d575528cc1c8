// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Enums
type UserType string

const (
	UserTypeSeller UserType = "seller"
	UserTypeBuyer  UserType = "buyer"
	UserTypeAdmin  UserType = "admin"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

type AssetStatus string

const (
	AssetStatusDraft     AssetStatus = "draft"
	AssetStatusActive    AssetStatus = "active"
	AssetStatusSuspended AssetStatus = "suspended"
)

type BatchKind string

const (
	BatchKindPurchase BatchKind = "purchase"
	BatchKindReward   BatchKind = "reward"
)

// BatchStatus is derived from the legs of a batch and never stored.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusSettling  BatchStatus = "settling"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// SettlementStage is the orchestrator state of a purchase batch.
type SettlementStage string

const (
	StageAwaitingDeposit   SettlementStage = "awaiting_deposit"
	StageReleasing         SettlementStage = "releasing"
	StagePayingSeller      SettlementStage = "paying_seller"
	StageIssuingCredential SettlementStage = "issuing_credential"
	StageIssuingReward     SettlementStage = "issuing_reward"
	StageCompleted         SettlementStage = "completed"
	StageFailed            SettlementStage = "failed"
)

type LegKind string

const (
	LegKindEscrowDeposit      LegKind = "escrow_deposit"
	LegKindEscrowRelease      LegKind = "escrow_release"
	LegKindSellerPayout       LegKind = "seller_payout"
	LegKindCredentialIssuance LegKind = "credential_issuance"
	LegKindRewardIssuance     LegKind = "reward_issuance"
)

type LegStatus string

const (
	LegStatusPending   LegStatus = "pending"
	LegStatusSubmitted LegStatus = "submitted"
	LegStatusConfirmed LegStatus = "confirmed"
	LegStatusFailed    LegStatus = "failed"
)

// legTransitions lists, per target status, the statuses a leg may move from.
var legTransitions = map[LegStatus][]LegStatus{
	LegStatusSubmitted: {LegStatusPending, LegStatusSubmitted},
	LegStatusConfirmed: {LegStatusPending, LegStatusSubmitted},
	LegStatusFailed:    {LegStatusPending, LegStatusSubmitted},
	LegStatusPending:   {LegStatusSubmitted},
}

// AllowedFrom returns the statuses a leg may be in for a move to s.
func (s LegStatus) AllowedFrom() []LegStatus {
	return legTransitions[s]
}

func (s LegStatus) CanTransitionFrom(from LegStatus) bool {
	for _, allowed := range legTransitions[s] {
		if allowed == from {
			return true
		}
	}
	return false
}
