package interfaces

import (
	"context"

	"github.com/ternarybob/vellum/internal/models"
)

// PendingOptions narrows the set of items a run picks up
type PendingOptions struct {
	RetryFailed bool            // re-admit items whose latest outcome is a permanent failure
	Exclude     map[string]bool // item ids owned elsewhere, e.g. by an outstanding batch job
}

// WorkStore - durable per-item output and outcome ledgers
type WorkStore interface {
	// Record operations
	HasRecord(id string) bool
	ReadRecord(id string) (*models.Record, error)
	WriteRecord(ctx context.Context, record *models.Record) error
	PendingItems(ctx context.Context, sources []models.SourceDocument, opts PendingOptions) ([]*models.WorkItem, error)

	// Ledger operations
	RecordFailure(ctx context.Context, entry models.LedgerEntry) error
	RecordIncomplete(ctx context.Context, entry models.LedgerEntry) error
	Failures() ([]models.LedgerEntry, error)
	Incompletes() ([]models.LedgerEntry, error)

	// Batch metadata
	SaveBatchJob(ctx context.Context, job *models.BatchJob) error
	LoadBatchJob(id string) (*models.BatchJob, error)
	ListBatchJobs() ([]*models.BatchJob, error)
	OutstandingItemIDs() (map[string]bool, error)
	WriteManifest(ref string, lines []any) (string, error)
}

// AuditStorage - queryable history of attempts, spend and batch snapshots
type AuditStorage interface {
	SaveAttempt(ctx context.Context, attempt *models.AttemptRecord) error
	ListAttempts(ctx context.Context, itemID string) ([]*models.AttemptRecord, error)
	SaveCostEntry(ctx context.Context, entry *models.CostLedgerEntry) error
	TotalSpend(ctx context.Context) (float64, error)
	SaveBatchSnapshot(ctx context.Context, job *models.BatchJob) error
	Close() error
}
