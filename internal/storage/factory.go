package storage

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/storage/badger"
)

// NewAuditStorage opens the badger audit store, or a no-op store when auditing is disabled
func NewAuditStorage(logger arbor.ILogger, config *common.Config) (interfaces.AuditStorage, error) {
	if !config.Storage.Badger.Enabled {
		logger.Debug().Msg("Audit storage disabled")
		return NopAuditStorage{}, nil
	}
	db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}
	return badger.NewAuditStorage(db, logger), nil
}

// NopAuditStorage discards everything
type NopAuditStorage struct{}

func (NopAuditStorage) SaveAttempt(context.Context, *models.AttemptRecord) error { return nil }

func (NopAuditStorage) ListAttempts(context.Context, string) ([]*models.AttemptRecord, error) {
	return nil, nil
}

func (NopAuditStorage) SaveCostEntry(context.Context, *models.CostLedgerEntry) error { return nil }

func (NopAuditStorage) TotalSpend(context.Context) (float64, error) { return 0, nil }

func (NopAuditStorage) SaveBatchSnapshot(context.Context, *models.BatchJob) error { return nil }

func (NopAuditStorage) Close() error { return nil }
