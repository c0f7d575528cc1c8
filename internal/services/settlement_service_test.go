package services

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/asset-market/internal/events"
	"github.com/javajoker/asset-market/internal/ledger"
	"github.com/javajoker/asset-market/internal/models"
)

type SettlementServiceTestSuite struct {
	suite.Suite
	h *harness
}

func (suite *SettlementServiceTestSuite) SetupTest() {
	suite.h = newHarness(suite.T())
}

func (suite *SettlementServiceTestSuite) TestInitiatePurchase() {
	h := suite.h
	quote := h.initiate()

	assert.Equal(suite.T(), int64(100), quote.Fees.Total)
	assert.Equal(suite.T(), int64(30), quote.Fees.PlatformFee)
	assert.Equal(suite.T(), int64(70), quote.Fees.SellerRevenue)
	assert.Equal(suite.T(), models.BatchStatusPending, quote.Status)
	assert.Equal(suite.T(), testPlatformAddr, quote.Deposit.Destination)
	assert.Equal(suite.T(), testBuyerAddr, quote.Deposit.Account)

	batch, err := h.settlement.GetBatchStatus(h.ctx, quote.BatchID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusPending, batch.Status)
	assert.Equal(suite.T(), models.StageAwaitingDeposit, batch.Stage)
	require.Len(suite.T(), batch.Legs, 4)

	kinds := []models.LegKind{
		models.LegKindEscrowDeposit,
		models.LegKindEscrowRelease,
		models.LegKindSellerPayout,
		models.LegKindCredentialIssuance,
	}
	for i, leg := range batch.Legs {
		assert.Equal(suite.T(), kinds[i], leg.Kind)
		assert.Equal(suite.T(), i+1, leg.Sequence)
		assert.Equal(suite.T(), models.LegStatusPending, leg.Status)
	}
	assert.Equal(suite.T(), int64(70), batch.Leg(models.LegKindSellerPayout).Amount)
	assert.Equal(suite.T(), testSellerAddr, batch.Leg(models.LegKindSellerPayout).ToAddress)
}

func (suite *SettlementServiceTestSuite) TestInitiatePurchaseValidation() {
	h := suite.h

	_, err := h.settlement.InitiatePurchase(h.ctx, h.seller.ID, h.asset.ID)
	assert.True(suite.T(), errors.Is(err, ErrValidation), "seller buying own asset")

	_, err = h.settlement.InitiatePurchase(h.ctx, h.buyer.ID, uuid.New())
	assert.True(suite.T(), errors.Is(err, ErrNotFound))

	draft := h.asset
	draft.ID = uuid.New()
	draft.Status = models.AssetStatusDraft
	h.store.PutAsset(draft)
	_, err = h.settlement.InitiatePurchase(h.ctx, h.buyer.ID, draft.ID)
	assert.True(suite.T(), errors.Is(err, ErrValidation))

	pricey := h.asset
	pricey.ID = uuid.New()
	pricey.PriceUnits = 0
	h.store.PutAsset(pricey)
	_, err = h.settlement.InitiatePurchase(h.ctx, h.buyer.ID, pricey.ID)
	assert.True(suite.T(), errors.Is(err, ErrOutOfRange))
}

func (suite *SettlementServiceTestSuite) TestEndToEndSettlement() {
	h := suite.h
	batch := h.settle()

	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Equal(suite.T(), models.StageCompleted, batch.Stage)
	for _, leg := range batch.Legs {
		assert.Equal(suite.T(), models.LegStatusConfirmed, leg.Status, "leg %s", leg.Kind)
		assert.NotEmpty(suite.T(), leg.LedgerRef, "leg %s", leg.Kind)
		assert.NotNil(suite.T(), leg.ConfirmedAt)
	}

	assert.Equal(suite.T(), int64(70), h.sim.Balance(testSellerAddr))
	assert.Equal(suite.T(), int64(30), h.sim.Balance(testPlatformAddr))
	assert.Equal(suite.T(), int64(1_000_000-100), h.sim.Balance(testBuyerAddr))
	assert.Equal(suite.T(), int64(1), h.sim.IssuedBalance("CREDENTIAL", testBuyerAddr))

	credential := h.credentialFor(batch.ID)
	assert.Equal(suite.T(), models.CredentialID(batch.ID), credential.ID)
	assert.Equal(suite.T(), h.buyer.ID, credential.HolderID)
	assert.Equal(suite.T(), h.asset.ID, credential.AssetID)
	assert.Equal(suite.T(), batch.Leg(models.LegKindCredentialIssuance).LedgerRef, credential.LedgerRef)

	asset, err := h.store.GetAsset(h.ctx, h.asset.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), asset.SalesCount)

	keys := h.recorder.Keys()
	assert.Equal(suite.T(), 1, countKey(keys, events.CredentialIssued))
	assert.Equal(suite.T(), 1, countKey(keys, events.BatchCompleted))
	assert.Equal(suite.T(), 0, countKey(keys, events.BatchFailed))

	// A second purchase of the same asset is refused while the credential is active.
	_, err = h.settlement.InitiatePurchase(h.ctx, h.buyer.ID, h.asset.ID)
	assert.True(suite.T(), errors.Is(err, ErrCredentialExists))
}

func (suite *SettlementServiceTestSuite) TestSecondOpenPurchaseIsRefused() {
	h := suite.h
	first := h.initiate()

	_, err := h.settlement.InitiatePurchase(h.ctx, h.buyer.ID, h.asset.ID)
	assert.True(suite.T(), errors.Is(err, ErrPurchaseInProgress))
	assert.True(suite.T(), errors.Is(err, ErrConflict))

	// Once the first purchase expires the asset can be bought again.
	h.clock.Advance(h.cfg.Settlement.EscrowCancelAfter + time.Second)
	report, err := h.settlement.Reconcile(h.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, report.Expired)

	second := h.initiate()
	assert.NotEqual(suite.T(), first.BatchID, second.BatchID)
}

func (suite *SettlementServiceTestSuite) TestRacedPurchasesReleaseOnce() {
	h := suite.h
	racer, _ := h.rewire(staleStore{h.store})

	first := h.initiate()
	second, err := racer.InitiatePurchase(h.ctx, h.buyer.ID, h.asset.ID)
	require.NoError(suite.T(), err)
	firstSigned := h.deposit(first.Deposit)
	secondSigned := h.deposit(second.Deposit)
	h.openReleaseWindow()

	batch, err := h.settlement.OnDepositConfirmed(h.ctx, first.BatchID, firstSigned.Hash)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)

	batch, err = h.settlement.OnDepositConfirmed(h.ctx, second.BatchID, secondSigned.Hash)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusFailed, batch.Status)
	assert.Equal(suite.T(), models.LegStatusConfirmed, batch.Leg(models.LegKindEscrowDeposit).Status)
	release := batch.Leg(models.LegKindEscrowRelease)
	assert.Equal(suite.T(), models.LegStatusFailed, release.Status)
	assert.Contains(suite.T(), release.FailureReason, "credential")
	assert.Equal(suite.T(), models.LegStatusPending, batch.Leg(models.LegKindSellerPayout).Status)
	assert.Equal(suite.T(), models.LegStatusPending, batch.Leg(models.LegKindCredentialIssuance).Status)

	// Only the first purchase paid out; the second escrow stays cancellable by the buyer.
	assert.Equal(suite.T(), 1, h.sim.Submissions(ledger.TxEscrowFinish))
	assert.Equal(suite.T(), 1, h.sim.Submissions(ledger.TxPayment))
	assert.Equal(suite.T(), int64(70), h.sim.Balance(testSellerAddr))
	assert.Equal(suite.T(), int64(30), h.sim.Balance(testPlatformAddr))

	_, err = h.settlement.RetryFailedLeg(h.ctx, second.BatchID)
	assert.True(suite.T(), errors.Is(err, ErrBatchNotRetryable))
}

func (suite *SettlementServiceTestSuite) TestOlderPurchaseSettlesFirst() {
	h := suite.h
	racer, _ := h.rewire(staleStore{h.store})

	first := h.initiate()
	h.clock.Advance(time.Second)
	second, err := racer.InitiatePurchase(h.ctx, h.buyer.ID, h.asset.ID)
	require.NoError(suite.T(), err)
	firstSigned := h.deposit(first.Deposit)
	secondSigned := h.deposit(second.Deposit)

	// Both deposits are confirmed, newest first, before the release window opens.
	batch, err := h.settlement.OnDepositConfirmed(h.ctx, second.BatchID, secondSigned.Hash)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.StageReleasing, batch.Stage)
	batch, err = h.settlement.OnDepositConfirmed(h.ctx, first.BatchID, firstSigned.Hash)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.StageReleasing, batch.Stage)

	h.openReleaseWindow()
	batch, err = h.settlement.Advance(h.ctx, second.BatchID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusFailed, batch.Status)
	assert.Contains(suite.T(), batch.Leg(models.LegKindEscrowRelease).FailureReason, first.BatchID.String())

	batch, err = h.settlement.Advance(h.ctx, first.BatchID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Equal(suite.T(), 1, h.sim.Submissions(ledger.TxEscrowFinish))
	assert.Equal(suite.T(), int64(70), h.sim.Balance(testSellerAddr))
}

func (suite *SettlementServiceTestSuite) TestDepositNotYetValidated() {
	h := suite.h
	quote := h.initiate()
	h.sim.DelayValidation(ledger.TxEscrowCreate, 1)
	signed := h.deposit(quote.Deposit)
	h.openReleaseWindow()

	batch, err := h.settlement.OnDepositConfirmed(h.ctx, quote.BatchID, signed.Hash)
	assert.True(suite.T(), errors.Is(err, ErrDepositNotConfirmed))
	assert.True(suite.T(), errors.Is(err, ErrLedgerTransient))
	deposit := batch.Leg(models.LegKindEscrowDeposit)
	assert.Equal(suite.T(), models.LegStatusSubmitted, deposit.Status)
	assert.Equal(suite.T(), signed.Hash, deposit.LedgerRef)

	// Re-checking with the stored hash completes once validated.
	batch, err = h.settlement.OnDepositConfirmed(h.ctx, quote.BatchID, "")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
}

func (suite *SettlementServiceTestSuite) TestDepositMismatchFailsBatch() {
	h := suite.h
	quote := h.initiate()
	short := quote.Deposit
	short.Amount = 90
	signed := h.deposit(short)
	h.openReleaseWindow()

	batch, err := h.settlement.OnDepositConfirmed(h.ctx, quote.BatchID, signed.Hash)
	assert.True(suite.T(), errors.Is(err, ErrFeeMismatch))
	assert.True(suite.T(), errors.Is(err, ErrLedgerFatal))
	require.NotNil(suite.T(), batch)
	assert.Equal(suite.T(), models.BatchStatusFailed, batch.Status)

	deposit := batch.Leg(models.LegKindEscrowDeposit)
	assert.Equal(suite.T(), models.LegStatusFailed, deposit.Status)
	assert.Contains(suite.T(), deposit.FailureReason, "amount")
	assert.Equal(suite.T(), models.LegStatusPending, batch.Leg(models.LegKindEscrowRelease).Status)
	assert.Equal(suite.T(), 0, h.sim.Submissions(ledger.TxEscrowFinish))
	assert.Equal(suite.T(), 1, countKey(h.recorder.Keys(), events.BatchFailed))
}

func (suite *SettlementServiceTestSuite) TestDepositForAnotherBatchIsRejected() {
	h := suite.h
	first := h.initiate()

	other := h.asset
	other.ID = uuid.New()
	h.store.PutAsset(other)
	second, err := h.settlement.InitiatePurchase(h.ctx, h.buyer.ID, other.ID)
	require.NoError(suite.T(), err)

	// The buyer submits the second batch's deposit but reports it for the first.
	signed := h.deposit(second.Deposit)
	h.openReleaseWindow()

	batch, err := h.settlement.OnDepositConfirmed(h.ctx, first.BatchID, signed.Hash)
	assert.True(suite.T(), errors.Is(err, ErrFeeMismatch))
	assert.Equal(suite.T(), models.BatchStatusFailed, batch.Status)
}

func (suite *SettlementServiceTestSuite) TestReleaseWaitsForFinishAfter() {
	h := suite.h
	quote := h.initiate()
	signed := h.deposit(quote.Deposit)

	batch, err := h.settlement.OnDepositConfirmed(h.ctx, quote.BatchID, signed.Hash)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusSettling, batch.Status)
	assert.Equal(suite.T(), models.StageReleasing, batch.Stage)
	assert.Equal(suite.T(), models.LegStatusConfirmed, batch.Leg(models.LegKindEscrowDeposit).Status)
	assert.Equal(suite.T(), models.LegStatusPending, batch.Leg(models.LegKindEscrowRelease).Status)
	assert.Equal(suite.T(), 0, h.sim.Submissions(ledger.TxEscrowFinish))

	h.openReleaseWindow()
	batch, err = h.settlement.Advance(h.ctx, quote.BatchID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Equal(suite.T(), 1, h.sim.Submissions(ledger.TxEscrowFinish))
}

func (suite *SettlementServiceTestSuite) TestReleaseTransientFailuresExhaustRetries() {
	h := suite.h
	h.sim.FailNext(ledger.TxEscrowFinish, ledger.ResultInsufFee, 5)

	batch := h.settle()

	assert.Equal(suite.T(), models.BatchStatusFailed, batch.Status)
	release := batch.Leg(models.LegKindEscrowRelease)
	assert.Equal(suite.T(), models.LegStatusFailed, release.Status)
	assert.Equal(suite.T(), ledger.ResultInsufFee, release.FailureReason)
	assert.Equal(suite.T(), 5, release.Attempts)
	assert.Equal(suite.T(), 5, h.sim.Submissions(ledger.TxEscrowFinish))

	assert.Equal(suite.T(), models.LegStatusPending, batch.Leg(models.LegKindSellerPayout).Status)
	assert.Equal(suite.T(), models.LegStatusPending, batch.Leg(models.LegKindCredentialIssuance).Status)
	assert.Equal(suite.T(), 0, h.sim.Submissions(ledger.TxPayment))
	assert.Equal(suite.T(), int64(0), h.sim.Balance(testSellerAddr))

	// A release failure is not retried from the admin surface.
	_, err := h.settlement.RetryFailedLeg(h.ctx, batch.ID)
	assert.True(suite.T(), errors.Is(err, ErrBatchNotRetryable))
}

func (suite *SettlementServiceTestSuite) TestReleaseSucceedsWithinRetryCeiling() {
	h := suite.h
	h.sim.FailNext(ledger.TxEscrowFinish, ledger.ResultPreSeq, 2)

	batch := h.settle()

	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Equal(suite.T(), 3, batch.Leg(models.LegKindEscrowRelease).Attempts)
	assert.Equal(suite.T(), 3, h.sim.Submissions(ledger.TxEscrowFinish))
}

func (suite *SettlementServiceTestSuite) TestPayoutFatalFailureAndRetry() {
	h := suite.h
	h.sim.FailNext(ledger.TxPayment, ledger.ResultUnfunded, 1)

	batch := h.settle()
	assert.Equal(suite.T(), models.BatchStatusFailed, batch.Status)
	payout := batch.Leg(models.LegKindSellerPayout)
	assert.Equal(suite.T(), models.LegStatusFailed, payout.Status)
	assert.Equal(suite.T(), ledger.ResultUnfunded, payout.FailureReason)
	assert.Equal(suite.T(), 1, h.sim.Submissions(ledger.TxPayment))
	assert.Equal(suite.T(), models.LegStatusConfirmed, batch.Leg(models.LegKindEscrowRelease).Status)

	batch, err := h.settlement.RetryFailedLeg(h.ctx, batch.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Empty(suite.T(), batch.Leg(models.LegKindSellerPayout).FailureReason)
	assert.Equal(suite.T(), int64(70), h.sim.Balance(testSellerAddr))
	assert.Equal(suite.T(), 2, h.sim.Submissions(ledger.TxPayment))

	_, err = h.settlement.RetryFailedLeg(h.ctx, batch.ID)
	assert.True(suite.T(), errors.Is(err, ErrBatchNotRetryable))
}

func (suite *SettlementServiceTestSuite) TestLostSubmitResponseIsConfirmedByHash() {
	h := suite.h
	// The payout is applied but every response is lost.
	h.sim.DropNext(ledger.TxPayment, 1)

	batch := h.settle()

	// The first submission landed; the retry sees tefALREADY and confirms by hash.
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Equal(suite.T(), int64(70), h.sim.Balance(testSellerAddr))
	assert.Equal(suite.T(), 2, h.sim.Submissions(ledger.TxPayment))
}

func (suite *SettlementServiceTestSuite) TestUnknownOutcomeIsResubmittedWhenStale() {
	h := suite.h
	h.sim.FailNext(ledger.TxPayment, "xyzUNKNOWN", 5)

	batch := h.settle()
	assert.Equal(suite.T(), models.BatchStatusSettling, batch.Status)
	assert.Equal(suite.T(), models.StagePayingSeller, batch.Stage)
	payout := batch.Leg(models.LegKindSellerPayout)
	assert.Equal(suite.T(), models.LegStatusSubmitted, payout.Status)
	assert.NotEmpty(suite.T(), payout.LedgerRef)
	ref := payout.LedgerRef

	// Not stale yet: reconcile leaves it alone.
	report, err := h.settlement.Reconcile(h.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, report.Scanned)
	assert.Equal(suite.T(), 0, report.Completed)

	h.clock.Advance(h.cfg.Settlement.StaleSubmissionAfter + time.Second)
	report, err = h.settlement.Reconcile(h.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, report.Completed)

	batch, err = h.settlement.GetBatchStatus(h.ctx, batch.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Equal(suite.T(), ref, batch.Leg(models.LegKindSellerPayout).LedgerRef)
	assert.Equal(suite.T(), int64(70), h.sim.Balance(testSellerAddr))
}

func (suite *SettlementServiceTestSuite) TestReconcileRecoversUnreportedDeposit() {
	h := suite.h
	quote := h.initiate()
	h.deposit(quote.Deposit)
	h.openReleaseWindow()

	report, err := h.settlement.Reconcile(h.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, report.Recovered)

	batch, err := h.settlement.GetBatchStatus(h.ctx, quote.BatchID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Equal(suite.T(), int64(70), h.sim.Balance(testSellerAddr))
}

func (suite *SettlementServiceTestSuite) TestReconcileExpiresAbandonedDeposit() {
	h := suite.h
	quote := h.initiate()

	report, err := h.settlement.Reconcile(h.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, report.Scanned)
	assert.Equal(suite.T(), 0, report.Expired)

	h.clock.Advance(h.cfg.Settlement.EscrowCancelAfter + time.Second)
	report, err = h.settlement.Reconcile(h.ctx)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, report.Expired)

	batch, err := h.settlement.GetBatchStatus(h.ctx, quote.BatchID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusFailed, batch.Status)
	assert.Equal(suite.T(), reasonDepositWindow, batch.Leg(models.LegKindEscrowDeposit).FailureReason)

	open, err := h.settlement.OpenBatches(h.ctx, 10)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), open)
}

func (suite *SettlementServiceTestSuite) TestCredentialIssuanceIsIdempotent() {
	h := suite.h
	quote := h.initiate()
	signed := h.deposit(quote.Deposit)
	h.openReleaseWindow()

	// The credential row exists from an interrupted earlier run.
	require.NoError(suite.T(), h.store.CreateCredential(h.ctx, &models.Credential{
		ID:        models.CredentialID(quote.BatchID),
		BatchID:   quote.BatchID,
		HolderID:  h.buyer.ID,
		AssetID:   h.asset.ID,
		Rights:    models.DefaultRights,
		LedgerRef: "EARLIER",
		IssuedAt:  h.clock.Now(),
	}))

	batch, err := h.settlement.OnDepositConfirmed(h.ctx, quote.BatchID, signed.Hash)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Equal(suite.T(), 0, h.sim.Submissions(ledger.TxCredentialIssue))
	assert.Equal(suite.T(), "EARLIER", batch.Leg(models.LegKindCredentialIssuance).LedgerRef)
	assert.Equal(suite.T(), 0, countKey(h.recorder.Keys(), events.CredentialIssued))
}

func (suite *SettlementServiceTestSuite) TestConcurrentAdvanceSubmitsOnce() {
	h := suite.h
	quote := h.initiate()
	signed := h.deposit(quote.Deposit)
	_, err := h.settlement.OnDepositConfirmed(h.ctx, quote.BatchID, signed.Hash)
	require.NoError(suite.T(), err)
	h.openReleaseWindow()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = h.settlement.Advance(h.ctx, quote.BatchID)
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	batch, err := h.settlement.Advance(h.ctx, quote.BatchID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.BatchStatusCompleted, batch.Status)
	assert.Equal(suite.T(), int64(70), h.sim.Balance(testSellerAddr))
	assert.Equal(suite.T(), 1, h.sim.Submissions(ledger.TxEscrowFinish))
	assert.Equal(suite.T(), 1, h.sim.Submissions(ledger.TxPayment))
	assert.Equal(suite.T(), 1, countKey(h.recorder.Keys(), events.BatchCompleted))
}

func TestSettlementServiceSuite(t *testing.T) {
	suite.Run(t, new(SettlementServiceTestSuite))
}
