// internal/repository/memory_store.go
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/asset-market/internal/models"
)

// MemoryStore implements Store in process memory. It backs the memory store
// driver and the unit tests; every method copies values in and out so callers
// never share state with the store.
type MemoryStore struct {
	mu sync.Mutex

	batches     map[uuid.UUID]models.PurchaseBatch
	legs        map[uuid.UUID]models.TransactionLeg
	credentials map[uuid.UUID]models.Credential
	tokens      map[string]models.DownloadToken
	rewards     map[uuid.UUID]models.RewardRecord
	balances    map[uuid.UUID]int64
	users       map[uuid.UUID]models.User
	assets      map[uuid.UUID]models.Asset
	audit       []models.AuditLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:     make(map[uuid.UUID]models.PurchaseBatch),
		legs:        make(map[uuid.UUID]models.TransactionLeg),
		credentials: make(map[uuid.UUID]models.Credential),
		tokens:      make(map[string]models.DownloadToken),
		rewards:     make(map[uuid.UUID]models.RewardRecord),
		balances:    make(map[uuid.UUID]int64),
		users:       make(map[uuid.UUID]models.User),
		assets:      make(map[uuid.UUID]models.Asset),
	}
}

// PutUser seeds a catalog user.
func (s *MemoryStore) PutUser(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

// PutAsset seeds a catalog asset.
func (s *MemoryStore) PutAsset(asset models.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset.ID] = asset
}

// AuditLogs returns a copy of the recorded audit entries.
func (s *MemoryStore) AuditLogs() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLog(nil), s.audit...)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyLeg(leg models.TransactionLeg) models.TransactionLeg {
	leg.SubmittedAt = copyTime(leg.SubmittedAt)
	leg.ConfirmedAt = copyTime(leg.ConfirmedAt)
	return leg
}

func copyCredential(c models.Credential) *models.Credential {
	c.Rights = append([]string(nil), c.Rights...)
	c.ExpiresAt = copyTime(c.ExpiresAt)
	c.RevokedAt = copyTime(c.RevokedAt)
	return &c
}

func copyToken(t models.DownloadToken) *models.DownloadToken {
	t.FirstUsedAt = copyTime(t.FirstUsedAt)
	t.LastUsedAt = copyTime(t.LastUsedAt)
	t.RevokedAt = copyTime(t.RevokedAt)
	return &t
}

// legsOf returns the legs of a batch ordered by sequence. Caller holds mu.
func (s *MemoryStore) legsOf(batchID uuid.UUID) []models.TransactionLeg {
	var legs []models.TransactionLeg
	for _, leg := range s.legs {
		if leg.BatchID == batchID {
			legs = append(legs, copyLeg(leg))
		}
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].Sequence < legs[j].Sequence })
	return legs
}

func (s *MemoryStore) loadBatch(id uuid.UUID) (*models.PurchaseBatch, bool) {
	batch, ok := s.batches[id]
	if !ok {
		return nil, false
	}
	batch.FinishAfter = copyTime(batch.FinishAfter)
	batch.CancelAfter = copyTime(batch.CancelAfter)
	batch.Legs = s.legsOf(id)
	batch.Refresh()
	return &batch, true
}

func (s *MemoryStore) CreateBatch(ctx context.Context, batch *models.PurchaseBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.ID]; exists {
		return ErrDuplicate
	}
	for _, leg := range batch.Legs {
		if _, exists := s.legs[leg.ID]; exists || leg.BatchID != batch.ID {
			return ErrDuplicate
		}
	}
	stored := *batch
	stored.Legs = nil
	s.batches[batch.ID] = stored
	for _, leg := range batch.Legs {
		s.legs[leg.ID] = copyLeg(leg)
	}
	return nil
}

func (s *MemoryStore) UpsertLeg(ctx context.Context, leg *models.TransactionLeg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.legs[leg.ID]; exists {
		return nil
	}
	if _, ok := s.batches[leg.BatchID]; !ok {
		return ErrNotFound
	}
	for _, other := range s.legs {
		if other.BatchID == leg.BatchID && other.Sequence == leg.Sequence {
			return ErrDuplicate
		}
	}
	s.legs[leg.ID] = copyLeg(*leg)
	return nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.PurchaseBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.loadBatch(id)
	if !ok {
		return nil, ErrNotFound
	}
	return batch, nil
}

func (s *MemoryStore) ListOpenBatches(ctx context.Context, limit int) ([]models.PurchaseBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []models.PurchaseBatch
	for id := range s.batches {
		batch, _ := s.loadBatch(id)
		if batch.Status == models.BatchStatusPending || batch.Status == models.BatchStatusSettling {
			open = append(open, *batch)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (s *MemoryStore) ListPurchases(ctx context.Context, buyerID, assetID uuid.UUID) ([]models.PurchaseBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []models.PurchaseBatch
	for id, stored := range s.batches {
		if stored.Kind != models.BatchKindPurchase || stored.BuyerID != buyerID ||
			stored.AssetID == nil || *stored.AssetID != assetID {
			continue
		}
		batch, _ := s.loadBatch(id)
		found = append(found, *batch)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].ID.String() < found[j].ID.String()
		}
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	return found, nil
}

func (s *MemoryStore) ListLegs(ctx context.Context, batchID uuid.UUID) ([]models.TransactionLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legsOf(batchID), nil
}

func (s *MemoryStore) GetLeg(ctx context.Context, id uuid.UUID) (*models.TransactionLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg, ok := s.legs[id]
	if !ok {
		return nil, ErrNotFound
	}
	leg = copyLeg(leg)
	return &leg, nil
}

func (s *MemoryStore) TransitionLeg(ctx context.Context, id uuid.UUID, update models.LegUpdate) (*models.TransactionLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg, ok := s.legs[id]
	if !ok {
		return nil, ErrNotFound
	}
	allowed := false
	for _, from := range update.Sources() {
		if leg.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrInvalidTransition
	}
	update.Apply(&leg)
	s.legs[id] = copyLeg(leg)
	return &leg, nil
}

func (s *MemoryStore) ResetLeg(ctx context.Context, id uuid.UUID, at time.Time) (*models.TransactionLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg, ok := s.legs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if leg.Status != models.LegStatusFailed {
		return nil, ErrInvalidTransition
	}
	leg.Status = models.LegStatusPending
	leg.LedgerRef = ""
	leg.SignedBlob = ""
	leg.UpdatedAt = at
	s.legs[id] = copyLeg(leg)
	return &leg, nil
}

func (s *MemoryStore) CreateCredential(ctx context.Context, credential *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.credentials[credential.ID]; exists {
		return ErrDuplicate
	}
	for _, other := range s.credentials {
		if other.BatchID == credential.BatchID {
			return ErrDuplicate
		}
		if other.RevokedAt == nil && other.HolderID == credential.HolderID && other.AssetID == credential.AssetID {
			return ErrDuplicate
		}
	}
	s.credentials[credential.ID] = *copyCredential(*credential)
	return nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(credential), nil
}

func (s *MemoryStore) FindCredentialByBatch(ctx context.Context, batchID uuid.UUID) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, credential := range s.credentials {
		if credential.BatchID == batchID {
			return copyCredential(credential), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindActiveCredential(ctx context.Context, holderID, assetID uuid.UUID, now time.Time) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, credential := range s.credentials {
		if credential.HolderID == holderID && credential.AssetID == assetID && credential.IsActive(now) {
			return copyCredential(credential), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListCredentialsByHolder(ctx context.Context, holderID uuid.UUID) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Credential
	for _, credential := range s.credentials {
		if credential.HolderID == holderID {
			out = append(out, *copyCredential(credential))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeCredential(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	if credential.RevokedAt == nil {
		credential.RevokedAt = &at
		credential.RevocationReason = reason
		s.credentials[id] = credential
	}
	return copyCredential(credential), nil
}

func (s *MemoryStore) IssueOrReuse(ctx context.Context, candidate *models.DownloadToken, now time.Time) (*models.DownloadToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[candidate.CredentialID]; !ok {
		return nil, false, ErrNotFound
	}

	var live *models.DownloadToken
	for _, tok := range s.tokens {
		if tok.CredentialID != candidate.CredentialID || tok.BuyerID != candidate.BuyerID || !tok.Usable(now) {
			continue
		}
		if live == nil || tok.CreatedAt.After(live.CreatedAt) {
			live = copyToken(tok)
		}
	}
	if live != nil {
		return live, true, nil
	}

	if _, exists := s.tokens[candidate.Token]; exists {
		return nil, false, ErrDuplicate
	}
	s.tokens[candidate.Token] = *copyToken(*candidate)
	return copyToken(*candidate), false, nil
}

func (s *MemoryStore) GetToken(ctx context.Context, token string) (*models.DownloadToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	return copyToken(tok), nil
}

func (s *MemoryStore) ConsumeToken(ctx context.Context, token, clientAddress string, now time.Time) (*models.DownloadToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[token]
	if !ok || !tok.Usable(now) {
		return nil, ErrTokenNotConsumable
	}
	if tok.ClientAddress != "" && tok.ClientAddress != clientAddress {
		return nil, ErrTokenNotConsumable
	}
	tok.RemainingAttempts--
	if tok.FirstUsedAt == nil {
		first := now
		tok.FirstUsedAt = &first
	}
	last := now
	tok.LastUsedAt = &last
	s.tokens[token] = tok
	return copyToken(tok), nil
}

func (s *MemoryStore) RevokeToken(ctx context.Context, token string, now time.Time) (*models.DownloadToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	revoke(&tok, now)
	s.tokens[token] = tok
	return copyToken(tok), nil
}

func revoke(tok *models.DownloadToken, now time.Time) {
	if tok.RevokedAt == nil {
		at := now
		tok.RevokedAt = &at
	}
	if now.Before(tok.ExpiresAt) {
		tok.ExpiresAt = now
	}
}

func (s *MemoryStore) RevokeTokensForCredential(ctx context.Context, credentialID uuid.UUID, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, tok := range s.tokens {
		if tok.CredentialID == credentialID && tok.RevokedAt == nil {
			revoke(&tok, now)
			s.tokens[key] = tok
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, tok := range s.tokens {
		if tok.Active && !now.Before(tok.ExpiresAt) {
			tok.Active = false
			s.tokens[key] = tok
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, tok := range s.tokens {
		if !tok.Active && !before.Before(tok.ExpiresAt) {
			delete(s.tokens, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecordReward(ctx context.Context, record *models.RewardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.rewards {
		if other.EvaluatorID == record.EvaluatorID && other.PurchaseID == record.PurchaseID {
			return ErrDuplicate
		}
	}
	record.BalanceBefore = s.balances[record.TargetID]
	record.BalanceAfter = record.BalanceBefore + record.Amount
	s.balances[record.TargetID] = record.BalanceAfter
	s.rewards[record.ID] = *record
	return nil
}

func (s *MemoryStore) FindReward(ctx context.Context, evaluatorID, purchaseID uuid.UUID) (*models.RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.rewards {
		if record.EvaluatorID == evaluatorID && record.PurchaseID == purchaseID {
			r := record
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListUnbatchedRewards(ctx context.Context, limit int) ([]models.RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batched := make(map[uuid.UUID]bool)
	for _, batch := range s.batches {
		if batch.RewardID != nil {
			batched[*batch.RewardID] = true
		}
	}
	var records []models.RewardRecord
	for _, record := range s.rewards {
		if record.Amount > 0 && !batched[record.ID] {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) Balance(ctx context.Context, actorID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[actorID], nil
}

func (s *MemoryStore) CountReceived(ctx context.Context, targetID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, record := range s.rewards {
		if record.TargetID == targetID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	asset.Tags = append([]string(nil), asset.Tags...)
	return &asset, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (s *MemoryStore) RecordSale(ctx context.Context, assetID, buyerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if asset, ok := s.assets[assetID]; ok {
		asset.SalesCount++
		s.assets[assetID] = asset
	}
	if user, ok := s.users[buyerID]; ok {
		user.PurchaseCount++
		s.users[buyerID] = user
	}
	return nil
}

func (s *MemoryStore) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	s.audit = append(s.audit, *entry)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)
