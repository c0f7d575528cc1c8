// internal/ledger/simulator.go
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Simulator is an in-process ledger. It validates transactions immediately unless
// a validation delay is scripted, and supports scripted failures per kind.
type Simulator struct {
	mu          sync.Mutex
	now         func() time.Time
	balances    map[string]int64
	issued      map[string]map[string]int64
	escrows     map[string]*simEscrow
	txs         map[string]*simTx
	faults      map[TxKind][]string
	delays      map[TxKind]int
	unreachable map[TxKind]int
	ledgerIndex uint64
	submissions map[TxKind]int
}

type simEscrow struct {
	owner       string
	destination string
	amount      int64
	finishAfter *time.Time
	cancelAfter *time.Time
	createHash  string
	memos       []Memo
}

type simTx struct {
	tx          Transaction
	result      string
	pending     int
	ledgerIndex uint64
}

func NewSimulator() *Simulator {
	return &Simulator{
		now:         time.Now,
		balances:    make(map[string]int64),
		issued:      make(map[string]map[string]int64),
		escrows:     make(map[string]*simEscrow),
		txs:         make(map[string]*simTx),
		faults:      make(map[TxKind][]string),
		delays:      make(map[TxKind]int),
		unreachable: make(map[TxKind]int),
		submissions: make(map[TxKind]int),
	}
}

// SetClock replaces the simulator's notion of now.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Fund credits native units to an address.
func (s *Simulator) Fund(address string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[address] += amount
}

func (s *Simulator) Balance(address string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address]
}

// IssuedBalance returns the amount of an issued currency held by address.
func (s *Simulator) IssuedBalance(currency, address string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued[currency][address]
}

// FailNext makes the next n submissions of kind return code without being applied.
func (s *Simulator) FailNext(kind TxKind, code string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults[kind] = append(s.faults[kind], code)
	}
}

// DelayValidation keeps transactions of kind unvalidated for n queries.
func (s *Simulator) DelayValidation(kind TxKind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[kind] = n
}

// DropNext makes the next n submissions of kind fail with a transport error
// after being applied, as if the response was lost.
func (s *Simulator) DropNext(kind TxKind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable[kind] += n
}

// Submissions returns how many submissions of kind reached the simulator.
func (s *Simulator) Submissions(kind TxKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions[kind]
}

func (s *Simulator) IsValidAddress(address string) bool {
	return IsClassicAddress(address)
}

func (s *Simulator) Sign(ctx context.Context, tx Transaction) (SignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return SignedTransaction{}, err
	}
	raw, err := json.Marshal(tx)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("failed to encode transaction: %w", err)
	}
	blob := strings.ToUpper(hex.EncodeToString(raw))
	return SignedTransaction{Hash: blobHash(blob), Blob: blob, Tx: tx}, nil
}

func decodeBlob(blob string) (Transaction, error) {
	raw, err := hex.DecodeString(blob)
	if err != nil {
		return Transaction{}, err
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func blobHash(blob string) string {
	sum := sha256.Sum256([]byte(blob))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (s *Simulator) Submit(ctx context.Context, signed SignedTransaction) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if signed.Hash == "" || blobHash(signed.Blob) != signed.Hash {
		s.submissions[signed.Tx.Kind]++
		return &SubmitResult{Hash: signed.Hash, EngineResult: ResultBadSignature}, nil
	}

	// Only the blob travels to a real node, so the transaction is read back from it.
	tx, err := decodeBlob(signed.Blob)
	if err != nil {
		return &SubmitResult{Hash: signed.Hash, EngineResult: ResultMalformed}, nil
	}
	signed.Tx = tx
	kind := tx.Kind
	s.submissions[kind]++

	if _, exists := s.txs[signed.Hash]; exists {
		return &SubmitResult{Hash: signed.Hash, EngineResult: ResultAlready}, nil
	}

	if queue := s.faults[kind]; len(queue) > 0 {
		code := queue[0]
		s.faults[kind] = queue[1:]
		return &SubmitResult{Hash: signed.Hash, EngineResult: code}, nil
	}

	result := s.apply(signed)
	s.ledgerIndex++
	s.txs[signed.Hash] = &simTx{
		tx:          signed.Tx,
		result:      result,
		pending:     s.delays[kind],
		ledgerIndex: s.ledgerIndex,
	}

	if s.unreachable[kind] > 0 {
		s.unreachable[kind]--
		return nil, fmt.Errorf("%w: connection reset while awaiting submit response", ErrTransport)
	}

	return &SubmitResult{Hash: signed.Hash, EngineResult: result}, nil
}

func (s *Simulator) apply(signed SignedTransaction) string {
	tx := signed.Tx
	now := s.now()

	if tx.Amount < 0 {
		return ResultMalformed
	}

	switch tx.Kind {
	case TxEscrowCreate:
		if !IsClassicAddress(tx.Account) || !IsClassicAddress(tx.Destination) {
			return ResultMalformed
		}
		if tx.CancelAfter != nil && tx.FinishAfter != nil && !tx.CancelAfter.After(*tx.FinishAfter) {
			return ResultMalformed
		}
		if s.balances[tx.Account] < tx.Amount {
			return ResultUnfunded
		}
		s.balances[tx.Account] -= tx.Amount
		s.escrows[signed.Hash] = &simEscrow{
			owner:       tx.Account,
			destination: tx.Destination,
			amount:      tx.Amount,
			finishAfter: tx.FinishAfter,
			cancelAfter: tx.CancelAfter,
			createHash:  signed.Hash,
			memos:       tx.Memos,
		}
		return ResultSuccess

	case TxEscrowFinish:
		escrow, ok := s.escrows[tx.EscrowRef]
		if !ok || escrow.owner != tx.EscrowOwner {
			return ResultNoTarget
		}
		if escrow.finishAfter != nil && now.Before(*escrow.finishAfter) {
			return ResultNoPermission
		}
		if escrow.cancelAfter != nil && !now.Before(*escrow.cancelAfter) {
			return ResultNoPermission
		}
		s.balances[escrow.destination] += escrow.amount
		delete(s.escrows, tx.EscrowRef)
		return ResultSuccess

	case TxEscrowCancel:
		escrow, ok := s.escrows[tx.EscrowRef]
		if !ok || escrow.owner != tx.EscrowOwner {
			return ResultNoTarget
		}
		if escrow.cancelAfter == nil || now.Before(*escrow.cancelAfter) {
			return ResultNoPermission
		}
		s.balances[escrow.owner] += escrow.amount
		delete(s.escrows, tx.EscrowRef)
		return ResultSuccess

	case TxPayment:
		if !IsClassicAddress(tx.Destination) {
			return ResultNoDestination
		}
		if s.balances[tx.Account] < tx.Amount {
			return ResultUnfunded
		}
		s.balances[tx.Account] -= tx.Amount
		s.balances[tx.Destination] += tx.Amount
		return ResultSuccess

	case TxCredentialIssue, TxRewardIssue:
		if !IsClassicAddress(tx.Destination) {
			return ResultNoDestination
		}
		currency := tx.Currency
		if tx.Kind == TxCredentialIssue {
			currency = "CREDENTIAL"
		}
		if s.issued[currency] == nil {
			s.issued[currency] = make(map[string]int64)
		}
		amount := tx.Amount
		if tx.Kind == TxCredentialIssue {
			amount = 1
		}
		s.issued[currency][tx.Destination] += amount
		return ResultSuccess
	}

	return ResultMalformed
}

func (s *Simulator) QueryTransaction(ctx context.Context, hash string) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.txs[hash]
	if !ok {
		return &QueryResult{Hash: hash, Found: false}, nil
	}

	tx := rec.tx
	if rec.pending > 0 {
		rec.pending--
		return &QueryResult{Hash: hash, Found: true, Validated: false, Tx: &tx}, nil
	}

	return &QueryResult{
		Hash:        hash,
		Found:       true,
		Validated:   true,
		Result:      rec.result,
		LedgerIndex: rec.ledgerIndex,
		Tx:          &tx,
	}, nil
}

func (s *Simulator) AccountObjects(ctx context.Context, address string, filter ObjectFilter) ([]AccountObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if filter.Type != "" && filter.Type != "escrow" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	objects := make([]AccountObject, 0)
	for hash, escrow := range s.escrows {
		if escrow.owner != address && escrow.destination != address {
			continue
		}
		objects = append(objects, AccountObject{
			Type:          "escrow",
			Index:         hash,
			Account:       escrow.owner,
			Destination:   escrow.destination,
			Amount:        escrow.amount,
			FinishAfter:   escrow.finishAfter,
			CancelAfter:   escrow.cancelAfter,
			PreviousTxnID: escrow.createHash,
			Memos:         escrow.memos,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Index < objects[j].Index })

	return objects, nil
}
