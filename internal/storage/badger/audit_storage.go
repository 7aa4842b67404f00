package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
)

// AuditStorage keeps the attempt history, committed spend and batch snapshots so that
// status reporting can answer questions the record directory cannot
type AuditStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAuditStorage creates an AuditStorage over an open database
func NewAuditStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AuditStorage {
	return &AuditStorage{db: db, logger: logger}
}

func (s *AuditStorage) SaveAttempt(ctx context.Context, attempt *models.AttemptRecord) error {
	if attempt.ID == "" {
		return fmt.Errorf("attempt id is required")
	}
	if err := s.db.Store().Upsert(attempt.ID, attempt); err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	return nil
}

func (s *AuditStorage) ListAttempts(ctx context.Context, itemID string) ([]*models.AttemptRecord, error) {
	var attempts []models.AttemptRecord
	query := badgerhold.Where("ItemID").Eq(itemID).SortBy("StartedAt")
	if err := s.db.Store().Find(&attempts, query); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	result := make([]*models.AttemptRecord, len(attempts))
	for i := range attempts {
		result[i] = &attempts[i]
	}
	return result, nil
}

func (s *AuditStorage) SaveCostEntry(ctx context.Context, entry *models.CostLedgerEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("cost entry id is required")
	}
	if err := s.db.Store().Upsert(entry.ID, entry); err != nil {
		return fmt.Errorf("failed to save cost entry: %w", err)
	}
	return nil
}

// TotalSpend sums every committed charge across all runs
func (s *AuditStorage) TotalSpend(ctx context.Context) (float64, error) {
	total := 0.0
	err := s.db.Store().ForEach(nil, func(entry *models.CostLedgerEntry) error {
		total += entry.Cost
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return total, nil
}

func (s *AuditStorage) SaveBatchSnapshot(ctx context.Context, job *models.BatchJob) error {
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save batch snapshot: %w", err)
	}
	return nil
}

func (s *AuditStorage) Close() error {
	return s.db.Close()
}
