// internal/repository/store_test.go
package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/asset-market/internal/models"
)

// StoreTestSuite runs the same behaviour checks against every Store backend.
type StoreTestSuite struct {
	suite.Suite
	ctx      context.Context
	store    Store
	now      time.Time
	newStore func(t *testing.T) Store
}

func (suite *StoreTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.store = suite.newStore(suite.T())
	suite.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (suite *StoreTestSuite) seedBatch() (*models.PurchaseBatch, []models.TransactionLeg) {
	batch := &models.PurchaseBatch{
		ID:         uuid.New(),
		Kind:       models.BatchKindPurchase,
		BuyerID:    uuid.New(),
		SellerID:   uuid.New(),
		TotalPrice: 100,
		CreatedAt:  suite.now,
	}
	require.NoError(suite.T(), suite.store.CreateBatch(suite.ctx, batch))

	kinds := []models.LegKind{models.LegKindEscrowDeposit, models.LegKindEscrowRelease, models.LegKindSellerPayout}
	var legs []models.TransactionLeg
	for i, kind := range kinds {
		leg := models.TransactionLeg{
			ID:       uuid.New(),
			BatchID:  batch.ID,
			Sequence: i + 1,
			Kind:     kind,
			Status:   models.LegStatusPending,
		}
		require.NoError(suite.T(), suite.store.UpsertLeg(suite.ctx, &leg))
		legs = append(legs, leg)
	}
	return batch, legs
}

func (suite *StoreTestSuite) seedCredential() *models.Credential {
	credential := &models.Credential{
		ID:       uuid.New(),
		BatchID:  uuid.New(),
		HolderID: uuid.New(),
		AssetID:  uuid.New(),
		Rights:   models.DefaultRights,
		IssuedAt: suite.now,
	}
	require.NoError(suite.T(), suite.store.CreateCredential(suite.ctx, credential))
	return credential
}

func (suite *StoreTestSuite) TestBatchStatusDerivedFromLegs() {
	batch, legs := suite.seedBatch()

	got, err := suite.store.GetBatch(suite.ctx, batch.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusPending, got.Status)
	assert.Equal(suite.T(), models.StageAwaitingDeposit, got.Stage)
	assert.Len(suite.T(), got.Legs, 3)

	_, err = suite.store.TransitionLeg(suite.ctx, legs[0].ID, models.LegUpdate{
		Status: models.LegStatusConfirmed, LedgerRef: "HASH1", At: suite.now,
	})
	require.NoError(suite.T(), err)

	got, err = suite.store.GetBatch(suite.ctx, batch.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusSettling, got.Status)
	assert.Equal(suite.T(), models.StageReleasing, got.Stage)

	_, err = suite.store.TransitionLeg(suite.ctx, legs[1].ID, models.LegUpdate{
		Status: models.LegStatusFailed, FailureReason: "boom", At: suite.now,
	})
	require.NoError(suite.T(), err)

	got, err = suite.store.GetBatch(suite.ctx, batch.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusFailed, got.Status)
	assert.Equal(suite.T(), "boom", got.FailedLeg().FailureReason)
}

func (suite *StoreTestSuite) TestUpsertLegIsIdempotent() {
	_, legs := suite.seedBatch()

	again := legs[0]
	again.Amount = 999
	require.NoError(suite.T(), suite.store.UpsertLeg(suite.ctx, &again))

	stored, err := suite.store.GetLeg(suite.ctx, legs[0].ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(0), stored.Amount)
}

func (suite *StoreTestSuite) TestTransitionLegRejectsTerminal() {
	_, legs := suite.seedBatch()

	_, err := suite.store.TransitionLeg(suite.ctx, legs[0].ID, models.LegUpdate{Status: models.LegStatusConfirmed, At: suite.now})
	require.NoError(suite.T(), err)

	_, err = suite.store.TransitionLeg(suite.ctx, legs[0].ID, models.LegUpdate{Status: models.LegStatusFailed, At: suite.now})
	assert.ErrorIs(suite.T(), err, ErrInvalidTransition)

	_, err = suite.store.TransitionLeg(suite.ctx, uuid.New(), models.LegUpdate{Status: models.LegStatusFailed, At: suite.now})
	assert.ErrorIs(suite.T(), err, ErrNotFound)
}

func (suite *StoreTestSuite) TestClaimIsExclusive() {
	_, legs := suite.seedBatch()
	claim := models.LegUpdate{
		Status: models.LegStatusSubmitted,
		From:   []models.LegStatus{models.LegStatusPending},
		At:     suite.now,
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := suite.store.TransitionLeg(suite.ctx, legs[1].ID, claim); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(suite.T(), int32(1), wins)
}

func (suite *StoreTestSuite) TestResetLegOnlyFromFailed() {
	_, legs := suite.seedBatch()

	_, err := suite.store.ResetLeg(suite.ctx, legs[2].ID, suite.now)
	assert.ErrorIs(suite.T(), err, ErrInvalidTransition)

	_, err = suite.store.TransitionLeg(suite.ctx, legs[2].ID, models.LegUpdate{
		Status: models.LegStatusFailed, LedgerRef: "HASH", FailureReason: "tecUNFUNDED_PAYMENT", At: suite.now,
	})
	require.NoError(suite.T(), err)

	leg, err := suite.store.ResetLeg(suite.ctx, legs[2].ID, suite.now)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.LegStatusPending, leg.Status)
	assert.Empty(suite.T(), leg.LedgerRef)
}

func (suite *StoreTestSuite) TestListOpenBatchesSkipsTerminal() {
	open, _ := suite.seedBatch()
	failed, failedLegs := suite.seedBatch()
	_, err := suite.store.TransitionLeg(suite.ctx, failedLegs[0].ID, models.LegUpdate{Status: models.LegStatusFailed, At: suite.now})
	require.NoError(suite.T(), err)

	batches, err := suite.store.ListOpenBatches(suite.ctx, 10)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), batches, 1)
	assert.Equal(suite.T(), open.ID, batches[0].ID)
	assert.NotEqual(suite.T(), failed.ID, batches[0].ID)
}

func (suite *StoreTestSuite) TestCreateBatchWritesLegs() {
	batch := &models.PurchaseBatch{ID: uuid.New(), Kind: models.BatchKindReward, TotalPrice: 15, SellerRevenue: 15, CreatedAt: suite.now}
	batch.Legs = []models.TransactionLeg{{
		ID: uuid.New(), BatchID: batch.ID, Sequence: 1, Kind: models.LegKindRewardIssuance, Amount: 15, Status: models.LegStatusPending,
	}}
	require.NoError(suite.T(), suite.store.CreateBatch(suite.ctx, batch))

	got, err := suite.store.GetBatch(suite.ctx, batch.ID)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), got.Legs, 1)
	assert.Equal(suite.T(), models.LegKindRewardIssuance, got.Legs[0].Kind)

	// A duplicate batch id writes none of its legs.
	dup := &models.PurchaseBatch{ID: batch.ID, Kind: models.BatchKindReward, CreatedAt: suite.now}
	dup.Legs = []models.TransactionLeg{{ID: uuid.New(), BatchID: batch.ID, Sequence: 2, Kind: models.LegKindRewardIssuance}}
	assert.ErrorIs(suite.T(), suite.store.CreateBatch(suite.ctx, dup), ErrDuplicate)
	_, err = suite.store.GetLeg(suite.ctx, dup.Legs[0].ID)
	assert.ErrorIs(suite.T(), err, ErrNotFound)
}

func (suite *StoreTestSuite) TestListPurchases() {
	buyer, asset := uuid.New(), uuid.New()
	create := func(buyerID, assetID uuid.UUID, kind models.BatchKind, age time.Duration) uuid.UUID {
		batch := &models.PurchaseBatch{
			ID: uuid.New(), Kind: kind, BuyerID: buyerID, SellerID: uuid.New(), AssetID: &assetID,
			TotalPrice: 100, SellerRevenue: 100, CreatedAt: suite.now.Add(-age),
		}
		require.NoError(suite.T(), suite.store.CreateBatch(suite.ctx, batch))
		return batch.ID
	}
	newer := create(buyer, asset, models.BatchKindPurchase, time.Minute)
	older := create(buyer, asset, models.BatchKindPurchase, time.Hour)
	create(uuid.New(), asset, models.BatchKindPurchase, time.Hour)
	create(buyer, uuid.New(), models.BatchKindPurchase, time.Hour)
	create(buyer, asset, models.BatchKindReward, time.Hour)

	purchases, err := suite.store.ListPurchases(suite.ctx, buyer, asset)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), purchases, 2)
	assert.Equal(suite.T(), older, purchases[0].ID)
	assert.Equal(suite.T(), newer, purchases[1].ID)
}

func (suite *StoreTestSuite) TestListUnbatchedRewards() {
	record := func(amount int64) *models.RewardRecord {
		r := &models.RewardRecord{
			ID: uuid.New(), EvaluatorID: uuid.New(), PurchaseID: uuid.New(), TargetID: uuid.New(),
			Rating: 5, Amount: amount, CreatedAt: suite.now,
		}
		require.NoError(suite.T(), suite.store.RecordReward(suite.ctx, r))
		return r
	}
	orphan := record(15)
	paid := record(10)
	record(0)

	require.NoError(suite.T(), suite.store.CreateBatch(suite.ctx, &models.PurchaseBatch{
		ID: uuid.New(), Kind: models.BatchKindReward, TotalPrice: 10, SellerRevenue: 10, RewardID: &paid.ID, CreatedAt: suite.now,
	}))

	records, err := suite.store.ListUnbatchedRewards(suite.ctx, 10)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), records, 1)
	assert.Equal(suite.T(), orphan.ID, records[0].ID)
}

func (suite *StoreTestSuite) TestCredentialUniqueness() {
	credential := suite.seedCredential()

	dup := *credential
	dup.ID = uuid.New()
	dup.BatchID = uuid.New()
	assert.ErrorIs(suite.T(), suite.store.CreateCredential(suite.ctx, &dup), ErrDuplicate)

	_, err := suite.store.RevokeCredential(suite.ctx, credential.ID, "refund", suite.now)
	require.NoError(suite.T(), err)
	assert.NoError(suite.T(), suite.store.CreateCredential(suite.ctx, &dup))

	_, err = suite.store.FindActiveCredential(suite.ctx, credential.HolderID, credential.AssetID, suite.now)
	require.NoError(suite.T(), err)
}

func (suite *StoreTestSuite) newToken(credential *models.Credential, value string) *models.DownloadToken {
	return &models.DownloadToken{
		Token:             value,
		CredentialID:      credential.ID,
		BuyerID:           credential.HolderID,
		MaxAttempts:       3,
		RemainingAttempts: 3,
		Active:            true,
		CreatedAt:         suite.now,
		ExpiresAt:         suite.now.Add(time.Hour),
	}
}

func (suite *StoreTestSuite) TestIssueOrReuseReturnsLiveToken() {
	credential := suite.seedCredential()

	first, reused, err := suite.store.IssueOrReuse(suite.ctx, suite.newToken(credential, "tok-a"), suite.now)
	require.NoError(suite.T(), err)
	assert.False(suite.T(), reused)

	second, reused, err := suite.store.IssueOrReuse(suite.ctx, suite.newToken(credential, "tok-b"), suite.now)
	require.NoError(suite.T(), err)
	assert.True(suite.T(), reused)
	assert.Equal(suite.T(), first.Token, second.Token)

	later := suite.now.Add(2 * time.Hour)
	third, reused, err := suite.store.IssueOrReuse(suite.ctx, suite.newToken(credential, "tok-c"), later)
	require.NoError(suite.T(), err)
	assert.False(suite.T(), reused)
	assert.Equal(suite.T(), "tok-c", third.Token)
}

func (suite *StoreTestSuite) TestConcurrentConsumeNeverOverdraws() {
	credential := suite.seedCredential()
	_, _, err := suite.store.IssueOrReuse(suite.ctx, suite.newToken(credential, "tok"), suite.now)
	require.NoError(suite.T(), err)

	var ok, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := suite.store.ConsumeToken(suite.ctx, "tok", "", suite.now)
			if err == nil {
				atomic.AddInt32(&ok, 1)
			} else if assert.ErrorIs(suite.T(), err, ErrTokenNotConsumable) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(suite.T(), int32(3), ok)
	assert.Equal(suite.T(), int32(47), rejected)

	tok, err := suite.store.GetToken(suite.ctx, "tok")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 0, tok.RemainingAttempts)
	assert.NotNil(suite.T(), tok.FirstUsedAt)
}

func (suite *StoreTestSuite) TestConsumeRespectsClientBinding() {
	credential := suite.seedCredential()
	tok := suite.newToken(credential, "bound")
	tok.ClientAddress = "10.0.0.1"
	_, _, err := suite.store.IssueOrReuse(suite.ctx, tok, suite.now)
	require.NoError(suite.T(), err)

	_, err = suite.store.ConsumeToken(suite.ctx, "bound", "10.0.0.2", suite.now)
	assert.ErrorIs(suite.T(), err, ErrTokenNotConsumable)

	got, err := suite.store.ConsumeToken(suite.ctx, "bound", "10.0.0.1", suite.now)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 2, got.RemainingAttempts)
}

func (suite *StoreTestSuite) TestRevokeAndCleanup() {
	credential := suite.seedCredential()
	_, _, err := suite.store.IssueOrReuse(suite.ctx, suite.newToken(credential, "tok"), suite.now)
	require.NoError(suite.T(), err)

	revoked, err := suite.store.RevokeToken(suite.ctx, "tok", suite.now)
	require.NoError(suite.T(), err)
	assert.True(suite.T(), revoked.Expired(suite.now))

	_, err = suite.store.ConsumeToken(suite.ctx, "tok", "", suite.now)
	assert.ErrorIs(suite.T(), err, ErrTokenNotConsumable)

	n, err := suite.store.DeactivateExpired(suite.ctx, suite.now)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), n)

	n, err = suite.store.PurgeExpired(suite.ctx, suite.now.Add(time.Minute))
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), n)

	_, err = suite.store.GetToken(suite.ctx, "tok")
	assert.ErrorIs(suite.T(), err, ErrNotFound)
}

func (suite *StoreTestSuite) TestRecordRewardMovesBalanceOnce() {
	evaluator, purchase, target := uuid.New(), uuid.New(), uuid.New()
	record := &models.RewardRecord{
		ID: uuid.New(), EvaluatorID: evaluator, PurchaseID: purchase, TargetID: target,
		Rating: 5, Amount: 15, CreatedAt: suite.now,
	}
	require.NoError(suite.T(), suite.store.RecordReward(suite.ctx, record))
	assert.Equal(suite.T(), int64(0), record.BalanceBefore)
	assert.Equal(suite.T(), int64(15), record.BalanceAfter)

	dup := *record
	dup.ID = uuid.New()
	assert.ErrorIs(suite.T(), suite.store.RecordReward(suite.ctx, &dup), ErrDuplicate)

	balance, err := suite.store.Balance(suite.ctx, target)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(15), balance)

	count, err := suite.store.CountReceived(suite.ctx, target)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), count)
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(*testing.T) Store {
		return NewMemoryStore()
	}})
}
