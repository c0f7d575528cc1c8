// internal/services/escrow_builder.go
package services

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/javajoker/asset-market/internal/config"
	"github.com/javajoker/asset-market/internal/ledger"
)

const (
	memoType    = "asset-market/settlement"
	memoFormat  = "application/json"
	memoVersion = 1
)

// SettlementMemo is the settlement intent attached to every escrow deposit. It is
// enough to resume settlement from the ledger alone. Field order is fixed so the
// encoding is stable across releases; new fields require a new version.
type SettlementMemo struct {
	Version        int       `json:"v"`
	BatchID        uuid.UUID `json:"batch_id"`
	SellerAddress  string    `json:"seller_address"`
	SellerAmount   int64     `json:"seller_amount"`
	PlatformAmount int64     `json:"platform_amount"`
	BuyerAddress   string    `json:"buyer_address"`
	AssetID        uuid.UUID `json:"asset_id"`
	MAC            string    `json:"mac,omitempty"`
}

// PurchaseContext is what the builder needs to know about the purchase besides fees.
type PurchaseContext struct {
	BatchID       uuid.UUID
	AssetID       uuid.UUID
	SellerAddress string
	Now           time.Time
}

type EscrowBuilder struct {
	platformAddress string
	finishAfter     time.Duration
	cancelAfter     time.Duration
	secret          []byte
	validAddress    func(string) bool
}

func NewEscrowBuilder(cfg *config.Config, client ledger.Client) *EscrowBuilder {
	return &EscrowBuilder{
		platformAddress: cfg.Ledger.PlatformAddress,
		finishAfter:     cfg.Settlement.EscrowFinishAfter,
		cancelAfter:     cfg.Settlement.EscrowCancelAfter,
		secret:          secretKey(cfg.Settlement.MemoSecret),
		validAddress:    client.IsValidAddress,
	}
}

func secretKey(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func (b *EscrowBuilder) PlatformAddress() string {
	return b.platformAddress
}

// BuildDeposit returns the unsigned escrow deposit the buyer signs and submits.
// The escrow pays the full total to the platform and is finishable after the
// configured window; after CancelAfter the buyer can reclaim it.
func (b *EscrowBuilder) BuildDeposit(buyerAddress string, fees Fees, pc PurchaseContext) (ledger.Transaction, SettlementMemo, error) {
	if !b.validAddress(buyerAddress) {
		return ledger.Transaction{}, SettlementMemo{}, fmt.Errorf("%w: buyer %q", ErrInvalidAddress, buyerAddress)
	}
	if !b.validAddress(pc.SellerAddress) {
		return ledger.Transaction{}, SettlementMemo{}, fmt.Errorf("%w: seller %q", ErrInvalidAddress, pc.SellerAddress)
	}
	if fees.PlatformFee+fees.SellerRevenue != fees.Total {
		return ledger.Transaction{}, SettlementMemo{}, fmt.Errorf("%w: fee split does not add up", ErrValidation)
	}

	memo := SettlementMemo{
		Version:        memoVersion,
		BatchID:        pc.BatchID,
		SellerAddress:  pc.SellerAddress,
		SellerAmount:   fees.SellerRevenue,
		PlatformAmount: fees.PlatformFee,
		BuyerAddress:   buyerAddress,
		AssetID:        pc.AssetID,
	}
	encoded, err := b.EncodeMemo(memo)
	if err != nil {
		return ledger.Transaction{}, SettlementMemo{}, err
	}

	finish := pc.Now.Add(b.finishAfter).UTC().Truncate(time.Second)
	cancel := pc.Now.Add(b.cancelAfter).UTC().Truncate(time.Second)

	tx := ledger.Transaction{
		Kind:        ledger.TxEscrowCreate,
		Account:     buyerAddress,
		Destination: b.platformAddress,
		Amount:      fees.Total,
		FinishAfter: &finish,
		CancelAfter: &cancel,
		InvoiceID:   pc.BatchID.String(),
		Memos:       []ledger.Memo{encoded},
	}
	return tx, memo, nil
}

func (b *EscrowBuilder) mac(payload []byte) (string, error) {
	// An empty secret yields an unkeyed digest, which still detects corruption.
	h, err := blake2b.New256(b.secret)
	if err != nil {
		return "", fmt.Errorf("failed to init memo mac: %w", err)
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EncodeMemo serializes the memo and seals it with a MAC over the unsealed bytes.
func (b *EscrowBuilder) EncodeMemo(memo SettlementMemo) (ledger.Memo, error) {
	memo.MAC = ""
	payload, err := json.Marshal(memo)
	if err != nil {
		return ledger.Memo{}, fmt.Errorf("failed to encode memo: %w", err)
	}
	if memo.MAC, err = b.mac(payload); err != nil {
		return ledger.Memo{}, err
	}
	sealed, err := json.Marshal(memo)
	if err != nil {
		return ledger.Memo{}, fmt.Errorf("failed to encode memo: %w", err)
	}
	return ledger.NewMemo(memoType, memoFormat, sealed), nil
}

// DecodeMemo parses and authenticates a settlement memo. Memos of other types
// or versions are rejected.
func (b *EscrowBuilder) DecodeMemo(m ledger.Memo) (SettlementMemo, error) {
	typ, data, err := m.Decoded()
	if err != nil {
		return SettlementMemo{}, fmt.Errorf("%w: memo is not hex: %v", ErrValidation, err)
	}
	if typ != memoType {
		return SettlementMemo{}, fmt.Errorf("%w: unexpected memo type %q", ErrValidation, typ)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var memo SettlementMemo
	if err := dec.Decode(&memo); err != nil {
		return SettlementMemo{}, fmt.Errorf("%w: malformed memo: %v", ErrValidation, err)
	}
	if memo.Version != memoVersion {
		return SettlementMemo{}, fmt.Errorf("%w: unsupported memo version %d", ErrValidation, memo.Version)
	}

	got := memo.MAC
	memo.MAC = ""
	payload, err := json.Marshal(memo)
	if err != nil {
		return SettlementMemo{}, err
	}
	want, err := b.mac(payload)
	if err != nil {
		return SettlementMemo{}, err
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return SettlementMemo{}, fmt.Errorf("%w: memo authentication failed", ErrValidation)
	}
	return memo, nil
}

// FindSettlementMemo returns the first settlement memo in memos that decodes.
func (b *EscrowBuilder) FindSettlementMemo(memos []ledger.Memo) (SettlementMemo, bool) {
	for _, m := range memos {
		if memo, err := b.DecodeMemo(m); err == nil {
			return memo, true
		}
	}
	return SettlementMemo{}, false
}
