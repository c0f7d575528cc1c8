package services

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/asset-market/internal/events"
	"github.com/javajoker/asset-market/internal/ledger"
	"github.com/javajoker/asset-market/internal/models"
)

func TestComputeReward(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		rating int
		first  bool
		want   int64
	}{
		{rating: 5, first: false, want: 10},
		{rating: 5, first: true, want: 15},
		{rating: 3, first: false, want: 6},
		{rating: 3, first: true, want: 11},
		{rating: 1, first: false, want: 2},
		{rating: 0, first: true, want: 0},
		{rating: 0, first: false, want: 0},
	}
	for _, tt := range tests {
		got, err := h.reputation.ComputeReward(tt.rating, tt.first)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "rating %d first %v", tt.rating, tt.first)
	}

	for _, rating := range []int{-1, 6, 100} {
		_, err := h.reputation.ComputeReward(rating, false)
		assert.True(t, errors.Is(err, ErrInvalidRating), "rating %d", rating)
	}
}

type ReputationServiceTestSuite struct {
	suite.Suite
	h     *harness
	batch *models.PurchaseBatch
}

func (suite *ReputationServiceTestSuite) SetupTest() {
	suite.h = newHarness(suite.T())
	suite.batch = suite.h.settle()
	require.Equal(suite.T(), models.BatchStatusCompleted, suite.batch.Status)
}

func (suite *ReputationServiceTestSuite) TestSubmitEvaluationPaysSeller() {
	h := suite.h

	result, err := h.reputation.SubmitEvaluation(h.ctx, h.buyer.ID, SubmitEvaluationRequest{
		PurchaseID: suite.batch.ID,
		Rating:     5,
		Comment:    "great brushes",
	})
	require.NoError(suite.T(), err)

	// First reward received by the seller carries the bonus.
	assert.Equal(suite.T(), int64(15), result.Reward.Amount)
	assert.Equal(suite.T(), int64(0), result.Reward.BalanceBefore)
	assert.Equal(suite.T(), int64(15), result.Reward.BalanceAfter)
	assert.Equal(suite.T(), h.seller.ID, result.Reward.TargetID)
	assert.Contains(suite.T(), result.Reward.Reason, "great brushes")

	require.NotNil(suite.T(), result.RewardBatch)
	assert.Equal(suite.T(), models.BatchKindReward, result.RewardBatch.Kind)
	assert.Equal(suite.T(), models.BatchStatusCompleted, result.RewardBatch.Status)
	require.Len(suite.T(), result.RewardBatch.Legs, 1)
	assert.Equal(suite.T(), models.LegKindRewardIssuance, result.RewardBatch.Legs[0].Kind)

	assert.Equal(suite.T(), int64(15), h.sim.IssuedBalance("REP", testSellerAddr))
	balance, err := h.reputation.Balance(h.ctx, h.seller.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(15), balance)
	assert.Equal(suite.T(), 1, countKey(h.recorder.Keys(), events.RewardIssued))
}

func (suite *ReputationServiceTestSuite) TestDuplicateEvaluationIsRejected() {
	h := suite.h
	req := SubmitEvaluationRequest{PurchaseID: suite.batch.ID, Rating: 4}

	_, err := h.reputation.SubmitEvaluation(h.ctx, h.buyer.ID, req)
	require.NoError(suite.T(), err)
	before, err := h.reputation.Balance(h.ctx, h.seller.ID)
	require.NoError(suite.T(), err)

	_, err = h.reputation.SubmitEvaluation(h.ctx, h.buyer.ID, req)
	assert.True(suite.T(), errors.Is(err, ErrAlreadyEvaluated))
	assert.True(suite.T(), errors.Is(err, ErrConflict))

	after, err := h.reputation.Balance(h.ctx, h.seller.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), before, after)
	assert.Equal(suite.T(), int64(13), after)
}

func (suite *ReputationServiceTestSuite) TestZeroRatingRecordsWithoutPayout() {
	h := suite.h

	result, err := h.reputation.SubmitEvaluation(h.ctx, h.buyer.ID, SubmitEvaluationRequest{
		PurchaseID: suite.batch.ID,
		Rating:     0,
	})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(0), result.Reward.Amount)
	assert.Nil(suite.T(), result.RewardBatch)
	assert.Equal(suite.T(), int64(0), h.sim.IssuedBalance("REP", testSellerAddr))
}

func (suite *ReputationServiceTestSuite) TestOnlyBuyerOfCompletedPurchaseMayEvaluate() {
	h := suite.h

	_, err := h.reputation.SubmitEvaluation(h.ctx, h.seller.ID, SubmitEvaluationRequest{PurchaseID: suite.batch.ID, Rating: 5})
	assert.True(suite.T(), errors.Is(err, ErrAuthorization))

	_, err = h.reputation.SubmitEvaluation(h.ctx, h.buyer.ID, SubmitEvaluationRequest{PurchaseID: uuid.New(), Rating: 5})
	assert.True(suite.T(), errors.Is(err, ErrNotFound))

	_, err = h.reputation.SubmitEvaluation(h.ctx, h.buyer.ID, SubmitEvaluationRequest{PurchaseID: suite.batch.ID, Rating: 9})
	assert.True(suite.T(), errors.Is(err, ErrInvalidRating))

	other := h.asset
	other.ID = uuid.New()
	h.store.PutAsset(other)
	pending, err := h.settlement.InitiatePurchase(h.ctx, h.buyer.ID, other.ID)
	require.NoError(suite.T(), err)
	_, err = h.reputation.SubmitEvaluation(h.ctx, h.buyer.ID, SubmitEvaluationRequest{PurchaseID: pending.BatchID, Rating: 5})
	assert.True(suite.T(), errors.Is(err, ErrValidation))
}

func (suite *ReputationServiceTestSuite) TestLostRewardBatchIsRecovered() {
	h := suite.h
	_, reputation := h.rewire(brokenBatchStore{h.store})

	// The record is written, then the reward batch write fails.
	result, err := reputation.SubmitEvaluation(h.ctx, h.buyer.ID, SubmitEvaluationRequest{PurchaseID: suite.batch.ID, Rating: 5})
	require.NoError(suite.T(), err)
	assert.Nil(suite.T(), result.RewardBatch)
	assert.Equal(suite.T(), int64(15), result.Reward.Amount)
	assert.Equal(suite.T(), int64(0), h.sim.IssuedBalance("REP", testSellerAddr))

	report, err := h.settlement.Reconcile(h.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, report.Rewards)
	assert.Equal(suite.T(), int64(15), h.sim.IssuedBalance("REP", testSellerAddr))

	batch, err := h.settlement.GetBatchStatus(h.ctx, models.RewardBatchID(result.Reward.ID))
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	require.NotNil(suite.T(), batch.RewardID)
	assert.Equal(suite.T(), result.Reward.ID, *batch.RewardID)
	require.Len(suite.T(), batch.Legs, 1)

	// Later sweeps and repeated issuance leave the paid reward alone.
	report, err = h.settlement.Reconcile(h.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 0, report.Rewards)

	again, err := h.settlement.IssueReward(h.ctx, result.Reward, &h.seller)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), batch.ID, again.ID)
	assert.Equal(suite.T(), int64(15), h.sim.IssuedBalance("REP", testSellerAddr))
	assert.Equal(suite.T(), 1, h.sim.Submissions(ledger.TxRewardIssue))
}

func (suite *ReputationServiceTestSuite) TestRewardBatchWithoutLegIsRepaired() {
	h := suite.h
	_, reputation := h.rewire(brokenBatchStore{h.store})

	result, err := reputation.SubmitEvaluation(h.ctx, h.buyer.ID, SubmitEvaluationRequest{PurchaseID: suite.batch.ID, Rating: 5})
	require.NoError(suite.T(), err)
	record := result.Reward

	// A batch row written on its own, without the issuance leg.
	require.NoError(suite.T(), h.store.CreateBatch(h.ctx, &models.PurchaseBatch{
		ID:            models.RewardBatchID(record.ID),
		Kind:          models.BatchKindReward,
		BuyerID:       record.EvaluatorID,
		SellerID:      record.TargetID,
		SellerAddress: testSellerAddr,
		TotalPrice:    record.Amount,
		SellerRevenue: record.Amount,
		RewardID:      &record.ID,
	}))

	batch, err := h.settlement.IssueReward(h.ctx, record, &h.seller)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), batch.Legs, 1)
	assert.Equal(suite.T(), models.LegKindRewardIssuance, batch.Legs[0].Kind)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Equal(suite.T(), int64(15), h.sim.IssuedBalance("REP", testSellerAddr))
}

func (suite *ReputationServiceTestSuite) TestRecordDistributionTracksBalance() {
	h := suite.h

	_, err := h.reputation.SubmitEvaluation(h.ctx, h.buyer.ID, SubmitEvaluationRequest{PurchaseID: suite.batch.ID, Rating: 5})
	require.NoError(suite.T(), err)

	record, err := h.reputation.RecordDistribution(h.ctx, uuid.New(), h.seller.ID, 10, 5, "manual", uuid.New())
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(15), record.BalanceBefore)
	assert.Equal(suite.T(), int64(25), record.BalanceAfter)

	_, err = h.reputation.RecordDistribution(h.ctx, uuid.New(), h.seller.ID, -1, 5, "negative", uuid.New())
	assert.True(suite.T(), errors.Is(err, ErrValidation))
}

func TestReputationServiceSuite(t *testing.T) {
	suite.Run(t, new(ReputationServiceTestSuite))
}
