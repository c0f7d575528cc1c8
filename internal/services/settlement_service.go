// internal/services/settlement_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/asset-market/internal/config"
	"github.com/javajoker/asset-market/internal/events"
	"github.com/javajoker/asset-market/internal/ledger"
	"github.com/javajoker/asset-market/internal/models"
	"github.com/javajoker/asset-market/internal/repository"
)

// errOutcomeUnknown marks a submission whose result never came back. It is
// retried like a transient failure, but never turns into a failed leg.
var errOutcomeUnknown = fmt.Errorf("%w: submission outcome unknown", ErrLedgerTransient)

const reasonDepositWindow = "deposit window elapsed"

// SettlementService drives purchase and reward batches through their legs:
// deposit, release, payout, credential (purchase) or reward issuance (reward).
type SettlementService struct {
	store     repository.Store
	tracker   *BatchTracker
	fees      *FeeCalculator
	builder   *EscrowBuilder
	client    ledger.Client
	signer    ledger.Signer
	publisher events.Publisher
	log       *logrus.Logger

	cfg             config.SettlementConfig
	platformAddress string
	rewardCurrency  string
	policies        map[models.LegKind]RetryPolicy
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time
}

// PurchaseQuote is returned by InitiatePurchase. Deposit must be signed and
// submitted by the buyer.
type PurchaseQuote struct {
	BatchID  uuid.UUID          `json:"batch_id"`
	Fees     Fees               `json:"fees"`
	Deposit  ledger.Transaction `json:"deposit"`
	Memo     SettlementMemo     `json:"memo"`
	Status   models.BatchStatus `json:"status"`
	Platform string             `json:"platform_address"`
}

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Scanned   int `json:"scanned"`
	Recovered int `json:"recovered"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Rewards   int `json:"rewards"`
	Errors    int `json:"errors"`
}

func NewSettlementService(
	store repository.Store,
	tracker *BatchTracker,
	fees *FeeCalculator,
	builder *EscrowBuilder,
	client ledger.Client,
	signer ledger.Signer,
	publisher events.Publisher,
	cfg *config.Config,
	log *logrus.Logger,
) *SettlementService {
	s := &SettlementService{
		store:           store,
		tracker:         tracker,
		fees:            fees,
		builder:         builder,
		client:          client,
		signer:          signer,
		publisher:       publisher,
		log:             log,
		cfg:             cfg.Settlement,
		platformAddress: cfg.Ledger.PlatformAddress,
		rewardCurrency:  cfg.Ledger.RewardCurrency,
		now:             time.Now,
	}

	policy := func(attempts int) RetryPolicy {
		return RetryPolicy{
			MaxAttempts:    attempts,
			InitialBackoff: cfg.Settlement.InitialBackoff,
			MaxBackoff:     cfg.Settlement.MaxBackoff,
			Multiplier:     cfg.Settlement.BackoffMultiplier,
		}
	}
	s.policies = map[models.LegKind]RetryPolicy{
		models.LegKindEscrowRelease:      policy(cfg.Settlement.ReleaseMaxAttempts),
		models.LegKindSellerPayout:       policy(cfg.Settlement.PayoutMaxAttempts),
		models.LegKindCredentialIssuance: policy(cfg.Settlement.CredentialMaxAttempt),
		models.LegKindRewardIssuance:     policy(cfg.Settlement.CredentialMaxAttempt),
	}
	return s
}

// SetClock replaces the time source of the service and its tracker.
func (s *SettlementService) SetClock(now func() time.Time) {
	s.now = now
	s.tracker.now = now
}

// SetSleep replaces how the service waits between retries and confirmation polls.
func (s *SettlementService) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	s.sleep = sleep
	for kind, p := range s.policies {
		p.Sleep = sleep
		s.policies[kind] = p
	}
}

func (s *SettlementService) wait(ctx context.Context, d time.Duration) error {
	if s.sleep != nil {
		return s.sleep(ctx, d)
	}
	return RetryPolicy{}.sleep(ctx, d)
}

func (s *SettlementService) Fees() *FeeCalculator {
	return s.fees
}

func (s *SettlementService) legLogger(leg *models.TransactionLeg) *logrus.Entry {
	return s.log.WithFields(logrus.Fields{
		"batch_id":   leg.BatchID,
		"leg_id":     leg.ID,
		"leg_kind":   leg.Kind,
		"ledger_ref": leg.LedgerRef,
		"attempt":    leg.Attempts,
	})
}

// InitiatePurchase prices the asset, records the batch with its four legs and
// returns the unsigned escrow deposit for the buyer.
func (s *SettlementService) InitiatePurchase(ctx context.Context, buyerID, assetID uuid.UUID) (*PurchaseQuote, error) {
	asset, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, notFound(err, "asset")
	}
	if asset.Status != models.AssetStatusActive {
		return nil, fmt.Errorf("%w: asset is not available for purchase", ErrValidation)
	}
	if asset.SellerID == buyerID {
		return nil, fmt.Errorf("%w: sellers cannot buy their own asset", ErrValidation)
	}

	buyer, err := s.store.GetUser(ctx, buyerID)
	if err != nil {
		return nil, notFound(err, "buyer")
	}
	seller, err := s.store.GetUser(ctx, asset.SellerID)
	if err != nil {
		return nil, notFound(err, "seller")
	}

	now := s.now()
	if _, err := s.store.FindActiveCredential(ctx, buyerID, assetID, now); err == nil {
		return nil, ErrCredentialExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	purchases, err := s.store.ListPurchases(ctx, buyerID, assetID)
	if err != nil {
		return nil, err
	}
	for _, other := range purchases {
		if !other.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: batch %s", ErrPurchaseInProgress, other.ID)
		}
	}

	fees, err := s.fees.Compute(asset.PriceUnits)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New()
	deposit, memo, err := s.builder.BuildDeposit(buyer.LedgerAddress, fees, PurchaseContext{
		BatchID:       batchID,
		AssetID:       asset.ID,
		SellerAddress: seller.LedgerAddress,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	batch := &models.PurchaseBatch{
		ID:            batchID,
		Kind:          models.BatchKindPurchase,
		BuyerID:       buyer.ID,
		SellerID:      seller.ID,
		AssetID:       &asset.ID,
		BuyerAddress:  buyer.LedgerAddress,
		SellerAddress: seller.LedgerAddress,
		TotalPrice:    fees.Total,
		PlatformFee:   fees.PlatformFee,
		SellerRevenue: fees.SellerRevenue,
		Memo:          deposit.Memos[0].Data,
		FinishAfter:   deposit.FinishAfter,
		CancelAfter:   deposit.CancelAfter,
	}
	if _, err := s.tracker.CreateBatch(ctx, batch,
		LegSpec{Kind: models.LegKindEscrowDeposit, From: buyer.LedgerAddress, To: s.platformAddress, Amount: fees.Total},
		LegSpec{Kind: models.LegKindEscrowRelease, From: buyer.LedgerAddress, To: s.platformAddress, Amount: fees.Total},
		LegSpec{Kind: models.LegKindSellerPayout, From: s.platformAddress, To: seller.LedgerAddress, Amount: fees.SellerRevenue},
		LegSpec{Kind: models.LegKindCredentialIssuance, From: s.platformAddress, To: buyer.LedgerAddress},
	); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"batch_id":     batchID,
		"asset_id":     asset.ID,
		"buyer_id":     buyer.ID,
		"total":        fees.Total,
		"platform_fee": fees.PlatformFee,
	}).Info("Purchase initiated")

	return &PurchaseQuote{
		BatchID:  batchID,
		Fees:     fees,
		Deposit:  deposit,
		Memo:     memo,
		Status:   models.BatchStatusPending,
		Platform: s.platformAddress,
	}, nil
}

// GetBatchStatus returns the batch, its legs and the derived status.
func (s *SettlementService) GetBatchStatus(ctx context.Context, batchID uuid.UUID) (*models.PurchaseBatch, error) {
	return s.tracker.GetBatchStatus(ctx, batchID)
}

func (s *SettlementService) OpenBatches(ctx context.Context, limit int) ([]models.PurchaseBatch, error) {
	return s.tracker.OpenBatches(ctx, limit)
}

// OnDepositConfirmed verifies the buyer's escrow deposit on the ledger and, when
// it matches the batch exactly, drives the rest of the settlement. An empty
// hash re-checks a previously reported one.
func (s *SettlementService) OnDepositConfirmed(ctx context.Context, batchID uuid.UUID, hash string) (*models.PurchaseBatch, error) {
	batch, err := s.tracker.GetBatchStatus(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Kind != models.BatchKindPurchase {
		return nil, fmt.Errorf("%w: batch %s has no deposit", ErrValidation, batchID)
	}
	deposit := batch.Leg(models.LegKindEscrowDeposit)
	if deposit == nil {
		return nil, fmt.Errorf("%w: batch %s has no deposit leg", ErrNotFound, batchID)
	}

	switch deposit.Status {
	case models.LegStatusConfirmed:
		if hash != "" && hash != deposit.LedgerRef {
			return batch, fmt.Errorf("%w: deposit already confirmed with %s", ErrConflict, deposit.LedgerRef)
		}
		return s.Advance(ctx, batchID)
	case models.LegStatusFailed:
		return batch, fmt.Errorf("%w: deposit leg already failed: %s", ErrConflict, deposit.FailureReason)
	}

	if hash == "" {
		hash = deposit.LedgerRef
	}
	if hash == "" {
		return batch, fmt.Errorf("%w: ledger hash is required", ErrValidation)
	}
	if deposit.LedgerRef != "" && deposit.LedgerRef != hash {
		return batch, fmt.Errorf("%w: deposit reported with %s", ErrConflict, deposit.LedgerRef)
	}

	qctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerCallTimeout)
	res, err := s.client.QueryTransaction(qctx, hash)
	cancel()
	if err != nil {
		return batch, fmt.Errorf("%w: query deposit: %v", ErrLedgerTransient, err)
	}

	if !res.Found || !res.Validated {
		if deposit.Status == models.LegStatusPending {
			if _, err := s.tracker.UpdateLegStatus(ctx, deposit.ID, models.LegUpdate{
				Status:    models.LegStatusSubmitted,
				From:      []models.LegStatus{models.LegStatusPending},
				LedgerRef: hash,
			}); err != nil && !errors.Is(err, ErrConflict) {
				return batch, err
			}
		}
		return s.reload(ctx, batchID, ErrDepositNotConfirmed)
	}

	if outcome := ledger.Classify(res.Result); outcome != ledger.OutcomeSuccess {
		s.failLeg(ctx, batch, deposit, hash, "deposit rejected by ledger: "+res.Result)
		return s.reload(ctx, batchID, fmt.Errorf("%w: %s", ErrLedgerFatal, res.Result))
	}

	if reason := s.checkDeposit(batch, res.Tx); reason != "" {
		s.failLeg(ctx, batch, deposit, hash, reason)
		return s.reload(ctx, batchID, fmt.Errorf("%w: %s", ErrFeeMismatch, reason))
	}

	if _, err := s.tracker.UpdateLegStatus(ctx, deposit.ID, models.LegUpdate{
		Status:    models.LegStatusConfirmed,
		LedgerRef: hash,
	}); err != nil && !errors.Is(err, ErrConflict) {
		return batch, err
	}

	s.legLogger(deposit).WithField("ledger_ref", hash).Info("Escrow deposit confirmed")
	return s.Advance(ctx, batchID)
}

// checkDeposit returns a mismatch reason, or "" when the ledger transaction is
// exactly the deposit the batch expects.
func (s *SettlementService) checkDeposit(batch *models.PurchaseBatch, tx *ledger.Transaction) string {
	switch {
	case tx == nil:
		return "deposit transaction body missing"
	case tx.Kind != ledger.TxEscrowCreate:
		return fmt.Sprintf("deposit is %s, not an escrow", tx.Kind)
	case tx.Destination != s.platformAddress:
		return fmt.Sprintf("deposit destination %s is not the platform address", tx.Destination)
	case tx.Amount != batch.TotalPrice:
		return fmt.Sprintf("deposit amount %d does not equal total %d", tx.Amount, batch.TotalPrice)
	case batch.BuyerAddress != "" && tx.Account != batch.BuyerAddress:
		return fmt.Sprintf("deposit sent from %s, expected %s", tx.Account, batch.BuyerAddress)
	}
	if memo, ok := s.builder.FindSettlementMemo(tx.Memos); ok && memo.BatchID != batch.ID {
		return fmt.Sprintf("deposit memo references batch %s", memo.BatchID)
	}
	return ""
}

// Advance drives the batch forward until it completes, fails, or has to wait
// for the ledger or the release window. Ledger failures end up in the batch
// state; the returned error is reserved for infrastructure problems.
func (s *SettlementService) Advance(ctx context.Context, batchID uuid.UUID) (*models.PurchaseBatch, error) {
	for {
		batch, err := s.tracker.GetBatchStatus(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if batch.Status.IsTerminal() {
			return batch, nil
		}

		leg := nextOpenLeg(batch)
		if leg == nil || leg.Kind == models.LegKindEscrowDeposit {
			return batch, nil
		}

		progressed, err := s.driveLeg(ctx, batch, leg)
		if err != nil {
			return s.reload(ctx, batchID, err)
		}
		if !progressed {
			return s.reload(ctx, batchID, nil)
		}
	}
}

func (s *SettlementService) reload(ctx context.Context, batchID uuid.UUID, cause error) (*models.PurchaseBatch, error) {
	batch, err := s.tracker.GetBatchStatus(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return batch, cause
}

func nextOpenLeg(batch *models.PurchaseBatch) *models.TransactionLeg {
	for i := range batch.Legs {
		if batch.Legs[i].Status != models.LegStatusConfirmed {
			return &batch.Legs[i]
		}
	}
	return nil
}

// driveLeg makes one step of progress on leg. It reports whether the leg got
// confirmed.
func (s *SettlementService) driveLeg(ctx context.Context, batch *models.PurchaseBatch, leg *models.TransactionLeg) (bool, error) {
	switch leg.Status {
	case models.LegStatusSubmitted:
		return s.resolveSubmitted(ctx, batch, leg)
	case models.LegStatusPending:
	default:
		return false, nil
	}

	if leg.Kind == models.LegKindEscrowRelease {
		reason, err := s.releaseConflict(ctx, batch)
		if err != nil {
			return false, err
		}
		if reason != "" {
			// The escrow stays unreleased; the buyer cancels it after CancelAfter.
			s.failLeg(ctx, batch, leg, "", reason)
			return false, nil
		}
		if batch.FinishAfter != nil && s.now().Before(*batch.FinishAfter) {
			s.legLogger(leg).WithField("finish_after", batch.FinishAfter).Debug("Release window not open yet")
			return false, nil
		}
	}

	if leg.Kind == models.LegKindCredentialIssuance {
		existing, err := s.store.FindCredentialByBatch(ctx, batch.ID)
		if err == nil {
			s.legLogger(leg).WithField("credential_id", existing.ID).Info("Credential already issued, reusing it")
			return s.markConfirmed(ctx, batch, leg, existing.LedgerRef)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return false, err
		}
	}

	tx, err := s.legTransaction(batch, leg)
	if err != nil {
		return false, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerCallTimeout)
	signed, err := s.signer.Sign(sctx, tx)
	cancel()
	if err != nil {
		s.legLogger(leg).WithError(err).Warn("Failed to sign leg transaction")
		return false, nil
	}

	claimed, err := s.tracker.UpdateLegStatus(ctx, leg.ID, models.LegUpdate{
		Status:       models.LegStatusSubmitted,
		From:         []models.LegStatus{models.LegStatusPending},
		LedgerRef:    signed.Hash,
		SignedBlob:   signed.Blob,
		CountAttempt: true,
	})
	if errors.Is(err, ErrConflict) {
		// Another worker claimed the leg.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return s.submitAndConfirm(ctx, batch, claimed, signed)
}

// releaseConflict returns a reason when releasing the escrow of batch would pay
// for an asset the buyer already holds or is buying through another open
// purchase. Among open purchases with confirmed deposits the oldest wins.
func (s *SettlementService) releaseConflict(ctx context.Context, batch *models.PurchaseBatch) (string, error) {
	if batch.Kind != models.BatchKindPurchase || batch.AssetID == nil {
		return "", nil
	}
	if _, err := s.store.FindActiveCredential(ctx, batch.BuyerID, *batch.AssetID, s.now()); err == nil {
		return ErrCredentialExists.Error(), nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	purchases, err := s.store.ListPurchases(ctx, batch.BuyerID, *batch.AssetID)
	if err != nil {
		return "", err
	}
	older := true
	for i := range purchases {
		other := &purchases[i]
		if other.ID == batch.ID {
			older = false
			continue
		}
		if other.Status.IsTerminal() {
			continue
		}
		if release := other.Leg(models.LegKindEscrowRelease); release != nil && release.Status != models.LegStatusPending {
			return fmt.Sprintf("%s: batch %s is already releasing", ErrPurchaseInProgress.Error(), other.ID), nil
		}
		if deposit := other.Leg(models.LegKindEscrowDeposit); older && deposit != nil && deposit.Status == models.LegStatusConfirmed {
			return fmt.Sprintf("%s: batch %s settles first", ErrPurchaseInProgress.Error(), other.ID), nil
		}
	}
	return "", nil
}

// legTransaction builds the platform transaction for a leg. The invoice id
// includes the attempt count so a reset leg signs to a new hash.
func (s *SettlementService) legTransaction(batch *models.PurchaseBatch, leg *models.TransactionLeg) (ledger.Transaction, error) {
	invoice := fmt.Sprintf("%s:%d", leg.ID, leg.Attempts+1)

	switch leg.Kind {
	case models.LegKindEscrowRelease:
		deposit := batch.Leg(models.LegKindEscrowDeposit)
		if deposit == nil || deposit.LedgerRef == "" {
			return ledger.Transaction{}, fmt.Errorf("batch %s has no confirmed deposit to release", batch.ID)
		}
		return ledger.Transaction{
			Kind:        ledger.TxEscrowFinish,
			Account:     s.platformAddress,
			EscrowOwner: batch.BuyerAddress,
			EscrowRef:   deposit.LedgerRef,
			InvoiceID:   invoice,
		}, nil

	case models.LegKindSellerPayout:
		return ledger.Transaction{
			Kind:        ledger.TxPayment,
			Account:     s.platformAddress,
			Destination: leg.ToAddress,
			Amount:      leg.Amount,
			InvoiceID:   invoice,
		}, nil

	case models.LegKindCredentialIssuance:
		credentialID := models.CredentialID(batch.ID)
		return ledger.Transaction{
			Kind:        ledger.TxCredentialIssue,
			Account:     s.platformAddress,
			Destination: leg.ToAddress,
			InvoiceID:   invoice,
			Memos: []ledger.Memo{ledger.NewMemo("asset-market/credential", "text/plain",
				[]byte(credentialID.String()+":"+assetIDString(batch)))},
		}, nil

	case models.LegKindRewardIssuance:
		return ledger.Transaction{
			Kind:        ledger.TxRewardIssue,
			Account:     s.platformAddress,
			Destination: leg.ToAddress,
			Amount:      leg.Amount,
			Currency:    s.rewardCurrency,
			InvoiceID:   invoice,
		}, nil
	}
	return ledger.Transaction{}, fmt.Errorf("leg kind %s is not submitted by the platform", leg.Kind)
}

func assetIDString(batch *models.PurchaseBatch) string {
	if batch.AssetID == nil {
		return ""
	}
	return batch.AssetID.String()
}

// submitAndConfirm submits the claimed leg under its retry policy and then waits
// for validation.
func (s *SettlementService) submitAndConfirm(ctx context.Context, batch *models.PurchaseBatch, leg *models.TransactionLeg, signed ledger.SignedTransaction) (bool, error) {
	policy := s.policies[leg.Kind]
	var lastReason string

	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if updated, err := s.tracker.UpdateLegStatus(ctx, leg.ID, models.LegUpdate{
				Status:        models.LegStatusSubmitted,
				From:          []models.LegStatus{models.LegStatusSubmitted},
				FailureReason: lastReason,
				CountAttempt:  true,
			}); err == nil {
				leg = updated
			}
		}

		sctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerCallTimeout)
		res, err := s.client.Submit(sctx, signed)
		cancel()
		if err != nil {
			lastReason = err.Error()
			s.legLogger(leg).WithError(err).Warn("Ledger submit failed")
			return fmt.Errorf("%w: %v", errOutcomeUnknown, err)
		}

		outcome := ledger.Classify(res.EngineResult)
		s.legLogger(leg).WithFields(logrus.Fields{
			"engine_result": res.EngineResult,
			"outcome":       outcome.String(),
		}).Info("Leg submitted")

		switch outcome {
		case ledger.OutcomeSuccess, ledger.OutcomeQueued:
			return nil
		case ledger.OutcomeTransient:
			lastReason = res.EngineResult
			return fmt.Errorf("%w: %s", ErrLedgerTransient, res.EngineResult)
		case ledger.OutcomeFatal:
			lastReason = res.EngineResult
			return fmt.Errorf("%w: %s", ErrLedgerFatal, res.EngineResult)
		default:
			lastReason = res.EngineResult
			return fmt.Errorf("%w: %s", errOutcomeUnknown, res.EngineResult)
		}
	})

	switch {
	case err == nil:
		return s.awaitValidation(ctx, batch, leg, signed.Hash)
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, errOutcomeUnknown):
		// The transaction may still land; the reconcile sweep resolves it by hash.
		s.legLogger(leg).WithError(err).Warn("Leg outcome unknown, leaving it submitted")
		return false, nil
	default:
		s.failLeg(ctx, batch, leg, "", lastReason)
		return false, nil
	}
}

// awaitValidation polls the ledger for the leg's transaction. When it is not
// validated within the confirmation timeout the leg stays submitted.
func (s *SettlementService) awaitValidation(ctx context.Context, batch *models.PurchaseBatch, leg *models.TransactionLeg, hash string) (bool, error) {
	polls := int(s.cfg.ConfirmTimeout / s.cfg.ConfirmPollInterval)
	if polls < 1 {
		polls = 1
	}

	for i := 0; i < polls; i++ {
		if i > 0 {
			if err := s.wait(ctx, s.cfg.ConfirmPollInterval); err != nil {
				return false, err
			}
		}
		qctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerCallTimeout)
		res, err := s.client.QueryTransaction(qctx, hash)
		cancel()
		if err != nil {
			s.legLogger(leg).WithError(err).Debug("Ledger query failed")
			continue
		}
		if !res.Found || !res.Validated {
			continue
		}
		if ledger.Classify(res.Result) != ledger.OutcomeSuccess {
			s.failLeg(ctx, batch, leg, hash, res.Result)
			return false, nil
		}
		return s.markConfirmed(ctx, batch, leg, hash)
	}

	s.legLogger(leg).Warn("Leg not validated before confirmation timeout")
	return false, nil
}

// resolveSubmitted re-checks a submitted leg against the ledger. A transaction
// the ledger never saw is resubmitted once it is older than the stale threshold.
func (s *SettlementService) resolveSubmitted(ctx context.Context, batch *models.PurchaseBatch, leg *models.TransactionLeg) (bool, error) {
	if leg.LedgerRef == "" {
		return false, nil
	}

	qctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerCallTimeout)
	res, err := s.client.QueryTransaction(qctx, leg.LedgerRef)
	cancel()
	if err != nil {
		s.legLogger(leg).WithError(err).Warn("Failed to query submitted leg")
		return false, nil
	}

	switch {
	case res.Found && res.Validated:
		if ledger.Classify(res.Result) != ledger.OutcomeSuccess {
			s.failLeg(ctx, batch, leg, "", res.Result)
			return false, nil
		}
		return s.markConfirmed(ctx, batch, leg, leg.LedgerRef)
	case res.Found:
		return false, nil
	}

	if leg.SignedBlob == "" || s.now().Sub(leg.UpdatedAt) < s.cfg.StaleSubmissionAfter {
		return false, nil
	}

	s.legLogger(leg).Info("Resubmitting stale leg")
	return s.submitAndConfirm(ctx, batch, leg, ledger.SignedTransaction{Hash: leg.LedgerRef, Blob: leg.SignedBlob})
}

// markConfirmed records the leg as confirmed. For the credential leg the
// credential row is written first, so a confirmed leg always has one.
func (s *SettlementService) markConfirmed(ctx context.Context, batch *models.PurchaseBatch, leg *models.TransactionLeg, ref string) (bool, error) {
	if leg.Kind == models.LegKindCredentialIssuance {
		if err := s.ensureCredential(ctx, batch, ref); err != nil {
			if errors.Is(err, ErrCredentialExists) {
				s.failLeg(ctx, batch, leg, ref, err.Error())
				return false, nil
			}
			return false, err
		}
	}

	confirmed, err := s.tracker.UpdateLegStatus(ctx, leg.ID, models.LegUpdate{
		Status:    models.LegStatusConfirmed,
		LedgerRef: ref,
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.legLogger(confirmed).Info("Leg confirmed")

	if isLastLeg(batch, confirmed) {
		s.complete(ctx, batch.ID)
	}
	return true, nil
}

func isLastLeg(batch *models.PurchaseBatch, leg *models.TransactionLeg) bool {
	for _, other := range batch.Legs {
		if other.Sequence > leg.Sequence {
			return false
		}
	}
	return true
}

func (s *SettlementService) ensureCredential(ctx context.Context, batch *models.PurchaseBatch, ref string) error {
	if _, err := s.store.FindCredentialByBatch(ctx, batch.ID); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if batch.AssetID == nil {
		return fmt.Errorf("batch %s has no asset", batch.ID)
	}

	credential := &models.Credential{
		ID:        models.CredentialID(batch.ID),
		BatchID:   batch.ID,
		HolderID:  batch.BuyerID,
		AssetID:   *batch.AssetID,
		Rights:    models.DefaultRights,
		LedgerRef: ref,
		IssuedAt:  s.now(),
	}
	if err := s.store.CreateCredential(ctx, credential); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			if _, findErr := s.store.FindCredentialByBatch(ctx, batch.ID); findErr == nil {
				return nil
			}
			return ErrCredentialExists
		}
		return err
	}

	s.log.WithFields(logrus.Fields{
		"batch_id":      batch.ID,
		"credential_id": credential.ID,
		"holder_id":     credential.HolderID,
	}).Info("Credential issued")
	s.publish(ctx, events.CredentialIssued, events.CredentialEvent{
		CredentialID: credential.ID,
		BatchID:      batch.ID,
		HolderID:     credential.HolderID,
		AssetID:      credential.AssetID,
		LedgerRef:    ref,
		Timestamp:    credential.IssuedAt,
	})
	return nil
}

// failLeg marks the leg failed. The first caller to fail a leg publishes the
// batch failure.
func (s *SettlementService) failLeg(ctx context.Context, batch *models.PurchaseBatch, leg *models.TransactionLeg, ref, reason string) {
	failed, err := s.tracker.UpdateLegStatus(ctx, leg.ID, models.LegUpdate{
		Status:        models.LegStatusFailed,
		LedgerRef:     ref,
		FailureReason: reason,
	})
	if err != nil {
		s.legLogger(leg).WithError(err).Warn("Could not mark leg failed")
		return
	}

	s.legLogger(failed).WithField("reason", reason).Error("Leg failed, batch failed")
	s.publish(ctx, events.BatchFailed, events.BatchEvent{
		BatchID:       batch.ID,
		Kind:          string(batch.Kind),
		BuyerID:       batch.BuyerID,
		SellerID:      batch.SellerID,
		AssetID:       batch.AssetID,
		TotalPrice:    batch.TotalPrice,
		PlatformFee:   batch.PlatformFee,
		SellerRevenue: batch.SellerRevenue,
		Status:        string(models.BatchStatusFailed),
		FailedLeg:     string(failed.Kind),
		Reason:        reason,
		Timestamp:     s.now(),
	})
}

// complete runs the side effects of a completed batch. It is only reached by
// the caller whose update confirmed the last leg.
func (s *SettlementService) complete(ctx context.Context, batchID uuid.UUID) {
	batch, err := s.tracker.GetBatchStatus(ctx, batchID)
	if err != nil || batch.Status != models.BatchStatusCompleted {
		return
	}
	logger := s.log.WithField("batch_id", batch.ID)

	switch batch.Kind {
	case models.BatchKindPurchase:
		if batch.AssetID != nil {
			if err := s.store.RecordSale(ctx, *batch.AssetID, batch.BuyerID); err != nil {
				logger.WithError(err).Error("Failed to update sales counters")
			}
		}
	case models.BatchKindReward:
		if batch.RewardID != nil {
			s.publish(ctx, events.RewardIssued, events.RewardEvent{
				RewardID:  *batch.RewardID,
				BatchID:   batch.ID,
				TargetID:  batch.SellerID,
				Amount:    batch.TotalPrice,
				Timestamp: s.now(),
			})
		}
	}

	logger.WithField("kind", batch.Kind).Info("Batch completed")
	s.publish(ctx, events.BatchCompleted, events.BatchEvent{
		BatchID:       batch.ID,
		Kind:          string(batch.Kind),
		BuyerID:       batch.BuyerID,
		SellerID:      batch.SellerID,
		AssetID:       batch.AssetID,
		TotalPrice:    batch.TotalPrice,
		PlatformFee:   batch.PlatformFee,
		SellerRevenue: batch.SellerRevenue,
		Status:        string(models.BatchStatusCompleted),
		Timestamp:     s.now(),
	})
}

func (s *SettlementService) publish(ctx context.Context, key string, payload interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, key, payload); err != nil {
		s.log.WithError(err).WithField("routing_key", key).Warn("Failed to publish settlement event")
	}
}

// RetryFailedLeg re-drives a batch that failed after the escrow was released.
// A failed leg whose transaction did land after all is confirmed instead of
// being resubmitted.
func (s *SettlementService) RetryFailedLeg(ctx context.Context, batchID uuid.UUID) (*models.PurchaseBatch, error) {
	batch, err := s.tracker.GetBatchStatus(ctx, batchID)
	if err != nil {
		return nil, err
	}
	failed := batch.FailedLeg()
	if failed == nil {
		return batch, ErrBatchNotRetryable
	}
	switch failed.Kind {
	case models.LegKindSellerPayout, models.LegKindCredentialIssuance, models.LegKindRewardIssuance:
	default:
		return batch, fmt.Errorf("%w: %s failures are not retryable", ErrBatchNotRetryable, failed.Kind)
	}

	if failed.LedgerRef != "" {
		qctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerCallTimeout)
		res, err := s.client.QueryTransaction(qctx, failed.LedgerRef)
		cancel()
		if err != nil {
			return batch, fmt.Errorf("%w: query failed leg: %v", ErrLedgerTransient, err)
		}
		if res.Found && !res.Validated {
			return batch, fmt.Errorf("%w: previous transaction still pending", ErrConflict)
		}
		if res.Found && ledger.Classify(res.Result) == ledger.OutcomeSuccess {
			s.legLogger(failed).Warn("Failed leg landed on the ledger, confirming it")
			return s.confirmLanded(ctx, batch, failed)
		}
	}

	if _, err := s.tracker.ResetFailedLeg(ctx, failed.ID); err != nil {
		return batch, err
	}
	s.legLogger(failed).Info("Failed leg reset for retry")
	return s.Advance(ctx, batchID)
}

// confirmLanded moves a failed leg whose transaction turned out to be validated
// to confirmed, through pending so the transition rules hold.
func (s *SettlementService) confirmLanded(ctx context.Context, batch *models.PurchaseBatch, leg *models.TransactionLeg) (*models.PurchaseBatch, error) {
	ref := leg.LedgerRef
	reset, err := s.tracker.ResetFailedLeg(ctx, leg.ID)
	if err != nil {
		return batch, err
	}
	batch, err = s.tracker.GetBatchStatus(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.markConfirmed(ctx, batch, reset, ref); err != nil {
		return s.reload(ctx, batch.ID, err)
	}
	return s.Advance(ctx, batch.ID)
}

// IssueReward drives the reward batch paying the record's amount in reward
// units to the target. The batch and its leg are written together; calling it
// again for the same record drives the existing batch.
func (s *SettlementService) IssueReward(ctx context.Context, record *models.RewardRecord, target *models.User) (*models.PurchaseBatch, error) {
	batch := &models.PurchaseBatch{
		ID:            models.RewardBatchID(record.ID),
		Kind:          models.BatchKindReward,
		BuyerID:       record.EvaluatorID,
		SellerID:      record.TargetID,
		SellerAddress: target.LedgerAddress,
		TotalPrice:    record.Amount,
		SellerRevenue: record.Amount,
		RewardID:      &record.ID,
	}
	spec := LegSpec{
		Kind:   models.LegKindRewardIssuance,
		From:   s.platformAddress,
		To:     target.LedgerAddress,
		Amount: record.Amount,
	}
	_, err := s.tracker.CreateBatch(ctx, batch, spec)
	if err != nil && !errors.Is(err, ErrConflict) {
		return nil, err
	}
	if err != nil {
		// Batches stored before legs were written with them can lack the leg.
		legs, err := s.store.ListLegs(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
		if len(legs) == 0 {
			if _, err := s.tracker.RecordLeg(ctx, batch.ID, spec); err != nil {
				return nil, err
			}
		}
	}
	return s.Advance(ctx, batch.ID)
}

// recoverRewards creates the missing batch of every positive reward record
// whose payout was never recorded.
func (s *SettlementService) recoverRewards(ctx context.Context, report *ReconcileReport) error {
	records, err := s.store.ListUnbatchedRewards(ctx, s.cfg.ReconcileBatchSize)
	if err != nil {
		return err
	}

	for i := range records {
		record := &records[i]
		logger := s.log.WithFields(logrus.Fields{
			"reward_id": record.ID,
			"target_id": record.TargetID,
		})
		target, err := s.store.GetUser(ctx, record.TargetID)
		if err != nil {
			logger.WithError(err).Warn("Reward target not found")
			report.Errors++
			continue
		}
		if _, err := s.IssueReward(ctx, record, target); err != nil {
			logger.WithError(err).Warn("Reward batch not settled")
			report.Errors++
			continue
		}
		report.Rewards++
		logger.Info("Reward batch recovered")
	}
	return nil
}

// Reconcile is the recovery sweep. It recovers deposits from escrow memos and
// reward batches that were never written, expires deposits whose window
// elapsed and re-drives every open batch.
func (s *SettlementService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	if err := s.recoverDeposits(ctx, report); err != nil {
		s.log.WithError(err).Warn("Escrow memo recovery skipped")
	}
	if err := s.recoverRewards(ctx, report); err != nil {
		s.log.WithError(err).Warn("Reward recovery skipped")
	}

	batches, err := s.tracker.OpenBatches(ctx, s.cfg.ReconcileBatchSize)
	if err != nil {
		return report, err
	}

	for i := range batches {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Scanned++
		batch := &batches[i]

		result, err := s.reconcileBatch(ctx, batch, report)
		if err != nil && !errors.Is(err, ErrDepositNotConfirmed) {
			report.Errors++
			s.log.WithError(err).WithField("batch_id", batch.ID).Warn("Reconcile failed for batch")
			continue
		}
		if result == nil {
			continue
		}
		switch result.Status {
		case models.BatchStatusCompleted:
			report.Completed++
		case models.BatchStatusFailed:
			report.Failed++
		}
	}

	s.log.WithFields(logrus.Fields{
		"scanned":   report.Scanned,
		"recovered": report.Recovered,
		"completed": report.Completed,
		"failed":    report.Failed,
		"expired":   report.Expired,
		"rewards":   report.Rewards,
		"errors":    report.Errors,
	}).Info("Settlement reconcile finished")
	return report, nil
}

func (s *SettlementService) reconcileBatch(ctx context.Context, batch *models.PurchaseBatch, report *ReconcileReport) (*models.PurchaseBatch, error) {
	deposit := batch.Leg(models.LegKindEscrowDeposit)
	if deposit == nil || deposit.Status == models.LegStatusConfirmed {
		return s.Advance(ctx, batch.ID)
	}

	if deposit.LedgerRef != "" {
		result, err := s.OnDepositConfirmed(ctx, batch.ID, "")
		if err == nil || !errors.Is(err, ErrDepositNotConfirmed) {
			return result, err
		}
	}

	if batch.CancelAfter != nil && !s.now().Before(*batch.CancelAfter) {
		s.failLeg(ctx, batch, deposit, "", reasonDepositWindow)
		report.Expired++
		return s.reload(ctx, batch.ID, nil)
	}
	return nil, nil
}

// recoverDeposits scans the platform's escrow objects and confirms deposits the
// buyer never reported, using the settlement memo to find the batch.
func (s *SettlementService) recoverDeposits(ctx context.Context, report *ReconcileReport) error {
	qctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerCallTimeout)
	objects, err := s.client.AccountObjects(qctx, s.platformAddress, ledger.ObjectFilter{Type: "escrow"})
	cancel()
	if err != nil {
		return err
	}

	for _, obj := range objects {
		if obj.Destination != s.platformAddress {
			continue
		}
		memo, ok := s.builder.FindSettlementMemo(obj.Memos)
		if !ok {
			continue
		}
		batch, err := s.tracker.GetBatchStatus(ctx, memo.BatchID)
		if err != nil {
			continue
		}
		deposit := batch.Leg(models.LegKindEscrowDeposit)
		if deposit == nil || deposit.Status == models.LegStatusConfirmed || deposit.Status == models.LegStatusFailed {
			continue
		}
		if deposit.LedgerRef != "" && deposit.LedgerRef != obj.PreviousTxnID {
			continue
		}

		if _, err := s.OnDepositConfirmed(ctx, batch.ID, obj.PreviousTxnID); err != nil {
			s.log.WithError(err).WithField("batch_id", batch.ID).Warn("Recovered deposit not settled")
			continue
		}
		report.Recovered++
		s.log.WithFields(logrus.Fields{
			"batch_id":   batch.ID,
			"ledger_ref": obj.PreviousTxnID,
		}).Info("Deposit recovered from escrow memo")
	}
	return nil
}

// notFound maps a repository miss to ErrNotFound naming the resource.
func notFound(err error, resource string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, resource)
	}
	return err
}
