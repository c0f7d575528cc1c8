package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/asset-market/internal/config"
	"github.com/javajoker/asset-market/internal/events"
	"github.com/javajoker/asset-market/internal/ledger"
	"github.com/javajoker/asset-market/internal/models"
	"github.com/javajoker/asset-market/internal/repository"
)

const (
	testBuyerAddr    = "rBuyerAccount1111111111111111"
	testSellerAddr   = "rSe11erAccount22222222222222"
	testPlatformAddr = "rPLatFeeSett1eMentAccountXXXX"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{PublicURL: "http://localhost:8080"},
		Ledger: config.LedgerConfig{
			Mode:            "simulated",
			PlatformAddress: testPlatformAddr,
			RewardCurrency:  "REP",
		},
		Fees: config.FeeConfig{
			PlatformShare:  "0.30",
			SellerShare:    "0.70",
			MinPriceUnits:  1,
			MaxPriceUnits:  100_000_000_000,
			CurrencyScale:  6,
			CurrencySymbol: "XRP",
		},
		Settlement: config.SettlementConfig{
			ReleaseMaxAttempts:   5,
			PayoutMaxAttempts:    5,
			CredentialMaxAttempt: 3,
			InitialBackoff:       10 * time.Millisecond,
			MaxBackoff:           100 * time.Millisecond,
			BackoffMultiplier:    2,
			LedgerCallTimeout:    time.Second,
			ConfirmTimeout:       5 * time.Second,
			ConfirmPollInterval:  time.Second,
			EscrowFinishAfter:    2 * time.Minute,
			EscrowCancelAfter:    72 * time.Hour,
			StaleSubmissionAfter: 10 * time.Minute,
			MemoSecret:           "test-memo-secret",
			ReconcileBatchSize:   100,
		},
		Downloads: config.DownloadConfig{
			TokenTTL:        24 * time.Hour,
			MaxAttempts:     3,
			URLTTL:          5 * time.Minute,
			PurgeAfter:      720 * time.Hour,
			RateLimitPerMin: 30,
		},
		Reputation: config.ReputationConfig{
			BaseReward: 10,
			FirstBonus: 5,
			MaxRating:  5,
		},
	}
}

// harness wires the settlement core on the memory store and the ledger simulator.
type harness struct {
	t           *testing.T
	ctx         context.Context
	cfg         *config.Config
	clock       *testClock
	store       *repository.MemoryStore
	sim         *ledger.Simulator
	recorder    *events.Recorder
	builder     *EscrowBuilder
	settlement  *SettlementService
	downloads   *DownloadTokenService
	reputation  *ReputationService
	credentials *CredentialService

	buyer  models.User
	seller models.User
	asset  models.Asset
}

func newHarness(t *testing.T, tweak ...func(*config.Config)) *harness {
	cfg := testConfig()
	for _, fn := range tweak {
		fn(cfg)
	}

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		cfg:      cfg,
		clock:    &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:    repository.NewMemoryStore(),
		sim:      ledger.NewSimulator(),
		recorder: &events.Recorder{},
	}
	log := testLogger()
	h.sim.SetClock(h.clock.Now)

	fees, err := NewFeeCalculator(cfg.Fees)
	require.NoError(t, err)
	h.builder = NewEscrowBuilder(cfg, h.sim)
	tracker := NewBatchTracker(h.store, log)

	h.settlement = NewSettlementService(h.store, tracker, fees, h.builder, h.sim, h.sim, h.recorder, cfg, log)
	h.settlement.SetClock(h.clock.Now)
	h.settlement.SetSleep(NoSleep)

	storage, err := NewStorageService(cfg)
	require.NoError(t, err)
	h.downloads = NewDownloadTokenService(h.store, storage, h.recorder, cfg.Downloads, log)
	h.downloads.SetClock(h.clock.Now)

	h.reputation = NewReputationService(h.store, h.settlement, cfg.Reputation, log)
	h.reputation.SetClock(h.clock.Now)

	h.credentials = NewCredentialService(h.store)
	h.credentials.SetClock(h.clock.Now)

	h.buyer = models.User{
		BaseModel:     models.BaseModel{ID: uuid.New()},
		Username:      "buyer",
		UserType:      models.UserTypeBuyer,
		Status:        models.UserStatusActive,
		LedgerAddress: testBuyerAddr,
	}
	h.seller = models.User{
		BaseModel:     models.BaseModel{ID: uuid.New()},
		Username:      "seller",
		UserType:      models.UserTypeSeller,
		Status:        models.UserStatusActive,
		LedgerAddress: testSellerAddr,
	}
	h.asset = models.Asset{
		BaseModel:  models.BaseModel{ID: uuid.New()},
		SellerID:   h.seller.ID,
		Title:      "Vector brush pack",
		PriceUnits: 100,
		ContentKey: "assets/brushes.zip",
		Status:     models.AssetStatusActive,
	}
	h.store.PutUser(h.buyer)
	h.store.PutUser(h.seller)
	h.store.PutAsset(h.asset)
	h.sim.Fund(testBuyerAddr, 1_000_000)

	return h
}

// rewire builds settlement and reputation services over store, sharing the
// harness ledger, clock and recorder.
func (h *harness) rewire(store repository.Store) (*SettlementService, *ReputationService) {
	log := testLogger()
	settlement := NewSettlementService(store, NewBatchTracker(store, log), h.settlement.Fees(), h.builder, h.sim, h.sim, h.recorder, h.cfg, log)
	settlement.SetClock(h.clock.Now)
	settlement.SetSleep(NoSleep)

	reputation := NewReputationService(store, settlement, h.cfg.Reputation, log)
	reputation.SetClock(h.clock.Now)
	return settlement, reputation
}

// staleStore sees no purchase batches, like a request that read them just
// before a concurrent one wrote its batch.
type staleStore struct {
	*repository.MemoryStore
}

func (staleStore) ListPurchases(ctx context.Context, buyerID, assetID uuid.UUID) ([]models.PurchaseBatch, error) {
	return nil, nil
}

// brokenBatchStore fails every batch write.
type brokenBatchStore struct {
	*repository.MemoryStore
}

func (brokenBatchStore) CreateBatch(ctx context.Context, batch *models.PurchaseBatch) error {
	return errors.New("connection reset by peer")
}

func (h *harness) initiate() *PurchaseQuote {
	quote, err := h.settlement.InitiatePurchase(h.ctx, h.buyer.ID, h.asset.ID)
	require.NoError(h.t, err)
	return quote
}

// deposit signs and submits the escrow deposit the way the buyer's wallet would.
func (h *harness) deposit(tx ledger.Transaction) ledger.SignedTransaction {
	signed, err := h.sim.Sign(h.ctx, tx)
	require.NoError(h.t, err)
	res, err := h.sim.Submit(h.ctx, signed)
	require.NoError(h.t, err)
	require.Equal(h.t, ledger.ResultSuccess, res.EngineResult)
	return signed
}

// openReleaseWindow moves the clock past the escrow's FinishAfter.
func (h *harness) openReleaseWindow() {
	h.clock.Advance(h.cfg.Settlement.EscrowFinishAfter + time.Minute)
}

// settle runs a purchase end to end and returns the final batch.
func (h *harness) settle() *models.PurchaseBatch {
	quote := h.initiate()
	signed := h.deposit(quote.Deposit)
	h.openReleaseWindow()
	batch, err := h.settlement.OnDepositConfirmed(h.ctx, quote.BatchID, signed.Hash)
	require.NoError(h.t, err)
	return batch
}

func (h *harness) credentialFor(batchID uuid.UUID) *models.Credential {
	credential, err := h.store.FindCredentialByBatch(h.ctx, batchID)
	require.NoError(h.t, err)
	return credential
}

func countKey(keys []string, key string) int {
	n := 0
	for _, k := range keys {
		if k == key {
			n++
		}
	}
	return n
}
