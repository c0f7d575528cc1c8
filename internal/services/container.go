// internal/services/container.go
package services

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/asset-market/internal/config"
	"github.com/javajoker/asset-market/internal/events"
	"github.com/javajoker/asset-market/internal/ledger"
	"github.com/javajoker/asset-market/internal/repository"
)

// Container holds the wired settlement services shared by the API and the scheduler.
type Container struct {
	Fees        *FeeCalculator
	Builder     *EscrowBuilder
	Tracker     *BatchTracker
	Settlement  *SettlementService
	Storage     *StorageService
	Downloads   *DownloadTokenService
	Reputation  *ReputationService
	Credentials *CredentialService
}

func NewContainer(
	cfg *config.Config,
	store repository.Store,
	client ledger.Client,
	signer ledger.Signer,
	publisher events.Publisher,
	log *logrus.Logger,
) (*Container, error) {
	fees, err := NewFeeCalculator(cfg.Fees)
	if err != nil {
		return nil, fmt.Errorf("fee calculator: %w", err)
	}
	storage, err := NewStorageService(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	c := &Container{
		Fees:        fees,
		Builder:     NewEscrowBuilder(cfg, client),
		Tracker:     NewBatchTracker(store, log),
		Storage:     storage,
		Credentials: NewCredentialService(store),
	}
	c.Settlement = NewSettlementService(store, c.Tracker, fees, c.Builder, client, signer, publisher, cfg, log)
	c.Downloads = NewDownloadTokenService(store, storage, publisher, cfg.Downloads, log)
	c.Reputation = NewReputationService(store, c.Settlement, cfg.Reputation, log)
	return c, nil
}
