// internal/events/payloads.go
package events

import (
	"time"

	"github.com/google/uuid"
)

type BatchEvent struct {
	BatchID       uuid.UUID  `json:"batch_id"`
	Kind          string     `json:"kind"`
	BuyerID       uuid.UUID  `json:"buyer_id"`
	SellerID      uuid.UUID  `json:"seller_id"`
	AssetID       *uuid.UUID `json:"asset_id,omitempty"`
	TotalPrice    int64      `json:"total_price"`
	PlatformFee   int64      `json:"platform_fee"`
	SellerRevenue int64      `json:"seller_revenue"`
	Status        string     `json:"status"`
	FailedLeg     string     `json:"failed_leg,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

type CredentialEvent struct {
	CredentialID uuid.UUID `json:"credential_id"`
	BatchID      uuid.UUID `json:"batch_id"`
	HolderID     uuid.UUID `json:"holder_id"`
	AssetID      uuid.UUID `json:"asset_id"`
	LedgerRef    string    `json:"ledger_ref"`
	Timestamp    time.Time `json:"timestamp"`
}

type RewardEvent struct {
	RewardID  uuid.UUID `json:"reward_id"`
	BatchID   uuid.UUID `json:"batch_id"`
	TargetID  uuid.UUID `json:"target_id"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type TokenEvent struct {
	CredentialID uuid.UUID `json:"credential_id"`
	BuyerID      uuid.UUID `json:"buyer_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	Timestamp    time.Time `json:"timestamp"`
}
