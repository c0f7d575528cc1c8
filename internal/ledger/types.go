// internal/ledger/types.go
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"time"
)

type TxKind string

const (
	TxEscrowCreate    TxKind = "EscrowCreate"
	TxEscrowFinish    TxKind = "EscrowFinish"
	TxEscrowCancel    TxKind = "EscrowCancel"
	TxPayment         TxKind = "Payment"
	TxCredentialIssue TxKind = "CredentialIssue"
	TxRewardIssue     TxKind = "RewardIssue"
)

// Engine result codes used by the settlement core.
const (
	ResultSuccess       = "tesSUCCESS"
	ResultQueued        = "terQUEUED"
	ResultPreSeq        = "terPRE_SEQ"
	ResultInsufFee      = "telINSUF_FEE_P"
	ResultCanNotQueue   = "telCAN_NOT_QUEUE"
	ResultAlready       = "tefALREADY"
	ResultBadSignature  = "tefBAD_SIGNATURE"
	ResultMalformed     = "temMALFORMED"
	ResultUnfunded      = "tecUNFUNDED_PAYMENT"
	ResultNoTarget      = "tecNO_TARGET"
	ResultNoPermission  = "tecNO_PERMISSION"
	ResultNoDestination = "tecNO_DST"
)

var (
	ErrTransport = errors.New("ledger transport error")
	ErrRPC       = errors.New("ledger rpc error")
)

// Memo is attached to a transaction. Fields are hex encoded on the wire.
type Memo struct {
	Type   string `json:"memo_type"`
	Format string `json:"memo_format,omitempty"`
	Data   string `json:"memo_data"`
}

// NewMemo hex encodes the plain memo fields.
func NewMemo(memoType, format string, data []byte) Memo {
	return Memo{
		Type:   strings.ToUpper(hex.EncodeToString([]byte(memoType))),
		Format: strings.ToUpper(hex.EncodeToString([]byte(format))),
		Data:   strings.ToUpper(hex.EncodeToString(data)),
	}
}

// Decoded returns the plain memo type and data.
func (m Memo) Decoded() (memoType string, data []byte, err error) {
	t, err := hex.DecodeString(m.Type)
	if err != nil {
		return "", nil, err
	}
	d, err := hex.DecodeString(m.Data)
	if err != nil {
		return "", nil, err
	}
	return string(t), d, nil
}

// Transaction is the ledger-native description of one operation.
type Transaction struct {
	Kind        TxKind     `json:"kind"`
	Account     string     `json:"account"`
	Destination string     `json:"destination,omitempty"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency,omitempty"`
	FinishAfter *time.Time `json:"finish_after,omitempty"`
	CancelAfter *time.Time `json:"cancel_after,omitempty"`
	EscrowOwner string     `json:"escrow_owner,omitempty"`
	EscrowRef   string     `json:"escrow_ref,omitempty"`
	InvoiceID   string     `json:"invoice_id,omitempty"`
	Memos       []Memo     `json:"memos,omitempty"`
}

type SignedTransaction struct {
	Hash string      `json:"hash"`
	Blob string      `json:"tx_blob"`
	Tx   Transaction `json:"tx"`
}

type SubmitResult struct {
	Hash         string `json:"hash"`
	EngineResult string `json:"engine_result"`
	Message      string `json:"engine_result_message,omitempty"`
}

type QueryResult struct {
	Hash        string       `json:"hash"`
	Found       bool         `json:"found"`
	Validated   bool         `json:"validated"`
	Result      string       `json:"result,omitempty"`
	LedgerIndex uint64       `json:"ledger_index,omitempty"`
	Tx          *Transaction `json:"tx,omitempty"`
}

type ObjectFilter struct {
	Type string `json:"type,omitempty"`
}

type AccountObject struct {
	Type          string     `json:"type"`
	Index         string     `json:"index"`
	Account       string     `json:"account"`
	Destination   string     `json:"destination"`
	Amount        int64      `json:"amount"`
	FinishAfter   *time.Time `json:"finish_after,omitempty"`
	CancelAfter   *time.Time `json:"cancel_after,omitempty"`
	PreviousTxnID string     `json:"previous_txn_id"`
	Memos         []Memo     `json:"memos,omitempty"`
}

// Client is the black-box ledger collaborator.
type Client interface {
	Submit(ctx context.Context, signed SignedTransaction) (*SubmitResult, error)
	QueryTransaction(ctx context.Context, hash string) (*QueryResult, error)
	AccountObjects(ctx context.Context, address string, filter ObjectFilter) ([]AccountObject, error)
	IsValidAddress(address string) bool
}

// Signer signs transactions with the platform wallet.
type Signer interface {
	Sign(ctx context.Context, tx Transaction) (SignedTransaction, error)
}

type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeQueued
	OutcomeTransient
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeQueued:
		return "queued"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an engine result code to an outcome.
func Classify(code string) Outcome {
	switch {
	case code == ResultQueued, code == ResultAlready:
		return OutcomeQueued
	case strings.HasPrefix(code, "tes"):
		return OutcomeSuccess
	case strings.HasPrefix(code, "ter"), strings.HasPrefix(code, "tel"):
		return OutcomeTransient
	case strings.HasPrefix(code, "tec"), strings.HasPrefix(code, "tef"), strings.HasPrefix(code, "tem"):
		return OutcomeFatal
	default:
		return OutcomeUnknown
	}
}

var classicAddress = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`)

// IsClassicAddress reports whether s looks like a base58 classic account address.
func IsClassicAddress(s string) bool {
	return classicAddress.MatchString(s)
}
