// -----------------------------------------------------------------------
// Application wiring - builds every component of a transcription run in
// dependency order and owns their lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/batch"
	"github.com/ternarybob/vellum/internal/jobs/orchestrator"
	"github.com/ternarybob/vellum/internal/jobs/processor"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/budget"
	"github.com/ternarybob/vellum/internal/services/chunking"
	"github.com/ternarybob/vellum/internal/services/governor"
	"github.com/ternarybob/vellum/internal/services/llm"
	"github.com/ternarybob/vellum/internal/services/sources"
	"github.com/ternarybob/vellum/internal/services/validation"
	"github.com/ternarybob/vellum/internal/storage"
	"github.com/ternarybob/vellum/internal/storage/filesystem"
)

// Options select how the application is assembled
type Options struct {
	// DryRun swaps in the offline provider, a throw-away output directory and no audit trail
	DryRun bool
	// Offline uses the offline provider against the real output, for commands that
	// only read local state
	Offline bool
}

// App holds all application components and dependencies
type App struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Options Options

	// Storage
	WorkStore *filesystem.WorkStore
	Audit     interfaces.AuditStorage

	// Services
	Sources     *sources.Service
	Provider    llm.Provider
	Governor    *governor.RateGovernor
	Ledger      *budget.CostLedger
	Pricing     budget.PricingTable
	Estimator   budget.Estimator
	Validator   *validation.Validator
	Coordinator *chunking.Coordinator

	// Jobs
	Processor    *processor.Processor
	Orchestrator *orchestrator.Orchestrator
	Batches      *batch.Manager // nil when the provider cannot batch

	tempDir string
}

// New initializes the application with all dependencies
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger, opts Options) (*App, error) {
	if opts.DryRun {
		dir, err := os.MkdirTemp("", "vellum-dry-run-")
		if err != nil {
			return nil, fmt.Errorf("failed to create dry run output directory: %w", err)
		}
		copied := *cfg
		copied.Output.Dir = dir
		copied.Storage.Badger.Enabled = false
		cfg = &copied
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Options: opts,
	}
	if opts.DryRun {
		app.tempDir = cfg.Output.Dir
	}

	if err := app.initStorage(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initJobs()

	logger.Info().
		Str("provider", string(app.Provider.GetProviderType())).
		Str("model", app.Provider.Model()).
		Str("output_dir", cfg.Output.Dir).
		Float64("budget", cfg.Budget.Limit).
		Int("workers", cfg.Workers.Count).
		Bool("dry_run", opts.DryRun).
		Bool("batch_capable", app.Batches != nil).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the record store and the audit trail
func (a *App) initStorage() error {
	store, err := filesystem.NewWorkStore(a.Config.Output, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open work store: %w", err)
	}
	a.WorkStore = store

	audit, err := storage.NewAuditStorage(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to open audit storage: %w", err)
	}
	a.Audit = audit

	a.Logger.Debug().
		Str("output_dir", store.Dir()).
		Bool("audit", a.Config.Storage.Badger.Enabled).
		Str("audit_path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices builds the shared services in dependency order:
// sources -> provider -> governor and ledger -> validation and chunking
func (a *App) initServices(ctx context.Context) error {
	var err error

	a.Sources, err = sources.NewService(a.Config.Source, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize source service: %w", err)
	}

	a.Provider, err = llm.NewProvider(ctx, a.Config, a.Options.DryRun || a.Options.Offline, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}

	a.Governor = governor.New(governor.Limits{
		RequestsPerSecond: a.Config.Rate.RequestsPerSecond,
		TokensPerMinute:   a.Config.Rate.TokensPerMinute,
		MaxConcurrency:    a.Config.Rate.MaxConcurrency,
	}, nil)

	a.Ledger = budget.NewCostLedger(a.Config.Budget.Limit, a.Audit, a.Logger)
	a.Pricing = budget.NewPricingTable(a.Config.Pricing)
	a.Estimator = budget.NewEstimator(a.Config)
	if _, ok := a.Pricing.Lookup(a.Provider.Model()); !ok {
		return fmt.Errorf("no pricing configured for model '%s'", a.Provider.Model())
	}

	a.Validator = validation.New(validation.Config{
		MinCharsPerPage:   a.Config.Validation.MinCharsPerPage,
		MinFaithfulChars:  a.Config.Validation.MinFaithfulChars,
		MinCleanedRatio:   a.Config.Validation.MinCleanedRatio,
		DefaultConfidence: a.Config.Validation.DefaultConfidence,
	})
	a.Coordinator = chunking.NewCoordinator(chunking.Config{
		PageThreshold:    a.Config.Chunking.PageThreshold,
		PagesPerChunk:    a.Config.Chunking.PagesPerChunk,
		MinPagesPerChunk: a.Config.Chunking.MinPagesPerChunk,
		MaxChunkRetries:  a.Config.Chunking.MaxChunkRetries,
	}, a.Logger)

	a.Logger.Debug().
		Int("rps", a.Config.Rate.RequestsPerSecond).
		Int("tpm", a.Config.Rate.TokensPerMinute).
		Int("max_concurrency", a.Config.Rate.MaxConcurrency).
		Int("page_threshold", a.Config.Chunking.PageThreshold).
		Msg("Services initialized")
	return nil
}

// initJobs builds the run orchestrator and, when the provider supports it, the batch manager
func (a *App) initJobs() {
	a.Processor = processor.NewProcessor(a.WorkStore, a.Validator, a.Coordinator, a.Logger)

	a.Orchestrator = orchestrator.NewOrchestrator(orchestrator.Deps{
		Provider:    a.Provider,
		Sources:     a.Sources,
		Governor:    a.Governor,
		Ledger:      a.Ledger,
		Pricing:     a.Pricing,
		Estimator:   a.Estimator,
		Retry:       llm.NewRetryConfig(a.Config.Retry),
		Processor:   a.Processor,
		Coordinator: a.Coordinator,
		Audit:       a.Audit,
	}, orchestrator.Config{
		Workers:     a.Config.Workers.Count,
		CallTimeout: common.ParseDurationOr(a.Config.LLM.Timeout, 5*time.Minute),
	}, a.Logger)

	if _, ok := llm.AsBatchProvider(a.Provider); !ok {
		return
	}
	manager, err := batch.NewManager(batch.Deps{
		Provider:    a.Provider,
		Sources:     a.Sources,
		Store:       a.WorkStore,
		Processor:   a.Processor,
		Coordinator: a.Coordinator,
		Ledger:      a.Ledger,
		Pricing:     a.Pricing,
		Estimator:   a.Estimator,
		Audit:       a.Audit,
	}, batch.Config{
		PollInterval: common.ParseDurationOr(a.Config.Batch.PollInterval, time.Minute),
		MaxWait:      common.ParseDurationOr(a.Config.Batch.MaxWait, 24*time.Hour),
	}, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Batch workflow unavailable")
		return
	}
	a.Batches = manager
}

// Ping checks that the external service is reachable before anything is spent
func (a *App) Ping(ctx context.Context) error {
	return a.Provider.Ping(ctx)
}

// PendingItems lists source documents without a record, minus items owned by an
// outstanding batch job. A positive limit truncates the list.
func (a *App) PendingItems(ctx context.Context, retryFailed bool, limit int) ([]*models.WorkItem, error) {
	docs, err := a.Sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	outstanding, err := a.WorkStore.OutstandingItemIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to read batch jobs: %w", err)
	}

	items, err := a.WorkStore.PendingItems(ctx, docs, interfaces.PendingOptions{
		RetryFailed: retryFailed,
		Exclude:     outstanding,
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Close releases all application resources
func (a *App) Close() error {
	a.Logger.Debug().Int64("goroutines_spawned", common.GetGoroutineCount()).Msg("Closing application")

	if a.Provider != nil {
		if err := a.Provider.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close provider")
		}
	}

	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close audit storage")
		} else {
			a.Logger.Debug().Msg("Audit storage closed")
		}
	}

	if a.tempDir != "" {
		if err := os.RemoveAll(a.tempDir); err != nil {
			return fmt.Errorf("failed to remove dry run output: %w", err)
		}
		a.Logger.Debug().Str("dir", a.tempDir).Msg("Dry run output removed")
	}
	return nil
}
