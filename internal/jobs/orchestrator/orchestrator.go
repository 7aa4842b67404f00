// -----------------------------------------------------------------------
// Job orchestrator - drives the pending set through a bounded worker pool
// under the rate governor and the cost ledger
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/processor"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/budget"
	"github.com/ternarybob/vellum/internal/services/chunking"
	"github.com/ternarybob/vellum/internal/services/governor"
	"github.com/ternarybob/vellum/internal/services/llm"
	"github.com/ternarybob/vellum/internal/worker"
)

// Config controls a run
type Config struct {
	Workers          int
	CallTimeout      time.Duration // bound on one service call; 0 disables
	ProgressInterval time.Duration // minimum gap between progress log lines (default: 10s)
}

// Deps are the collaborators shared by every worker
type Deps struct {
	Provider    llm.Provider
	Sources     interfaces.SourceService
	Governor    *governor.RateGovernor
	Ledger      *budget.CostLedger
	Pricing     budget.PricingTable
	Estimator   budget.Estimator
	Retry       *llm.RetryConfig
	Processor   *processor.Processor
	Coordinator *chunking.Coordinator
	Audit       interfaces.AuditStorage // optional
}

// itemOutcome is how a single item left the worker
type itemOutcome int

const (
	itemDone itemOutcome = iota
	itemFailed
	itemIncomplete
	itemBudget    // not attempted, or abandoned, for lack of budget
	itemCancelled // stopped by cancellation, still pending
	itemUnsaved   // outcome could not be persisted, still pending
)

// Orchestrator processes work items to completion or graceful cancellation
type Orchestrator struct {
	exec        *Executor
	coordinator *chunking.Coordinator
	processor   *processor.Processor
	ledger      *budget.CostLedger
	config      Config
	logger      arbor.ILogger
	progress    *rate.Sometimes

	mu       sync.Mutex
	summary  models.RunSummary
	started  time.Time
	running  bool
	cancel   context.CancelFunc
	fatalErr error
}

// NewOrchestrator creates an orchestrator. Deps are injected so concurrent runs in tests
// never share a governor or ledger.
func NewOrchestrator(deps Deps, config Config, logger arbor.ILogger) *Orchestrator {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 10 * time.Second
	}
	retry := deps.Retry
	if retry == nil {
		retry = llm.NewRetryConfig(common.RetryConfig{})
	}

	o := &Orchestrator{
		coordinator: deps.Coordinator,
		processor:   deps.Processor,
		ledger:      deps.Ledger,
		config:      config,
		logger:      logger,
		progress:    &rate.Sometimes{First: 1, Interval: config.ProgressInterval},
	}
	o.exec = &Executor{
		provider:    deps.Provider,
		sources:     deps.Sources,
		governor:    deps.Governor,
		ledger:      deps.Ledger,
		pricing:     deps.Pricing,
		estimator:   deps.Estimator,
		retry:       retry,
		processor:   deps.Processor,
		audit:       deps.Audit,
		callTimeout: config.CallTimeout,
		logger:      logger,
		fatal:       o.abort,
	}
	return o
}

// Run processes items with the configured number of workers. It returns once every
// admitted item has finished; items never admitted stay pending. The error is non-nil
// only for a bookkeeping failure.
func (o *Orchestrator) Run(ctx context.Context, items []*models.WorkItem) (*models.RunSummary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator is already running")
	}
	o.running = true
	o.cancel = cancel
	o.started = time.Now()
	o.fatalErr = nil
	o.summary = models.RunSummary{
		Total:  len(items),
		Budget: o.ledger.Snapshot().Budget,
	}
	o.mu.Unlock()

	o.logger.Info().
		Int("items", len(items)).
		Int("workers", o.config.Workers).
		Str("model", o.exec.provider.Model()).
		Msg("Run started")

	pool := worker.NewWorkerPool(o.handle, o.logger, o.config.Workers)
	pool.Start(runCtx)

	admitted := 0
	budgetStop := false
	for _, item := range items {
		if o.ledger.Exhausted() {
			budgetStop = true
			break
		}
		if !pool.Submit(runCtx, item) {
			break
		}
		admitted++
	}
	pool.Stop()

	o.mu.Lock()
	o.running = false
	if budgetStop || (o.ledger.Exhausted() && runCtx.Err() == nil) {
		o.summary.NotAttemptedBudget += len(items) - admitted
	}
	o.summary.Interrupted = runCtx.Err() != nil && o.fatalErr == nil
	fatalErr := o.fatalErr
	o.mu.Unlock()

	summary := o.Summary()
	o.logSummary(summary)
	return &summary, fatalErr
}

// Stop requests cooperative cancellation. In-flight calls finish and are persisted.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Summary returns a live snapshot of the current or last run
func (o *Orchestrator) Summary() models.RunSummary {
	o.mu.Lock()
	s := o.summary
	started := o.started
	o.mu.Unlock()

	balance := o.ledger.Snapshot()
	s.Cost = balance.Committed
	s.BudgetExhausted = balance.Exhausted
	s.Attempts = o.exec.Attempts()
	s.Remaining = s.Total - s.Completed()
	if !started.IsZero() {
		s.Elapsed = time.Since(started)
	}
	if done := s.Completed(); done > 0 && s.Remaining > 0 {
		s.EstimatedRemaining = s.Elapsed / time.Duration(done) * time.Duration(s.Remaining)
	}
	return s
}

func (o *Orchestrator) abort(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fatalErr == nil {
		o.fatalErr = err
	}
	if o.cancel != nil {
		o.cancel()
	}
}

// handle is the worker boundary: every item outcome is recorded here and nothing an
// item does can end the run except a bookkeeping failure
func (o *Orchestrator) handle(ctx context.Context, workerID int, item *models.WorkItem) {
	o.update(func(s *models.RunSummary) { s.InFlight++ })

	item.Status = models.WorkStatusInProgress
	outcome := o.processItem(ctx, item)

	o.update(func(s *models.RunSummary) {
		s.InFlight--
		switch outcome {
		case itemDone:
			s.Succeeded++
		case itemFailed:
			s.Failed++
		case itemIncomplete:
			s.Incomplete++
		case itemBudget:
			s.NotAttemptedBudget++
		}
	})

	o.progress.Do(func() {
		s := o.Summary()
		o.logger.Info().
			Int("done", s.Succeeded).
			Int("failed", s.Failed).
			Int("incomplete", s.Incomplete).
			Int("remaining", s.Remaining).
			Float64("cost", s.Cost).
			Str("elapsed", s.Elapsed.Round(time.Second).String()).
			Str("eta", s.EstimatedRemaining.Round(time.Second).String()).
			Msg("Progress")
	})
}

func (o *Orchestrator) update(fn func(s *models.RunSummary)) {
	o.mu.Lock()
	fn(&o.summary)
	o.mu.Unlock()
}

func (o *Orchestrator) processItem(ctx context.Context, item *models.WorkItem) itemOutcome {
	// outcomes of admitted work are persisted even after cancellation
	persistCtx := context.WithoutCancel(ctx)
	logger := o.logger.WithCorrelationId(item.ID)

	if item.Problem != "" {
		return o.fail(persistCtx, item, models.OutcomePermanentError, item.Problem, 0)
	}

	ranges := o.coordinator.Plan(item.PageCount, item.ChunkLevel)
	attempts := 0

	if len(ranges) == 1 {
		out := o.exec.ExecuteChunk(ctx, item, chunking.ChunkRequest{Index: 0, Total: 1, Pages: ranges[0]})
		attempts += out.Attempts

		switch out.Outcome {
		case models.OutcomeSuccess:
			rec := o.coordinator.Merge(item, []models.ChunkResult{*out.Result}, nil)
			return o.complete(persistCtx, item, rec)
		case models.OutcomeBudgetExhausted:
			item.Status = models.WorkStatusPending
			return itemBudget
		case models.OutcomeCancelled:
			item.Status = models.WorkStatusPending
			return itemCancelled
		case models.OutcomeIncomplete:
			if !o.coordinator.CanEscalate(item.PageCount, item.ChunkLevel) {
				return o.failAtFloor(persistCtx, item, out.Reason, attempts)
			}
			item.ChunkLevel++
			ranges = o.coordinator.Plan(item.PageCount, item.ChunkLevel)
			logger.Info().
				Int("chunk_level", item.ChunkLevel).
				Int("chunks", len(ranges)).
				Str("reason", out.Reason).
				Msg("Incomplete response, escalating chunking")
		default:
			return o.fail(persistCtx, item, out.Outcome, out.Reason, attempts)
		}
	}

	rec, report := o.coordinator.Execute(ctx, item, ranges, o.exec)
	attempts += report.Attempts

	switch {
	case report.Aborted == models.OutcomeBudgetExhausted:
		item.Status = models.WorkStatusPending
		return itemBudget
	case report.Aborted == models.OutcomeCancelled:
		item.Status = models.WorkStatusPending
		return itemCancelled
	case rec != nil:
		if missing := report.Missing(); len(missing) > 0 {
			logger.Warn().
				Int("missing_chunks", len(missing)).
				Float64("confidence", rec.Confidence.Score).
				Msg("Record written with partial coverage")
		}
		return o.complete(persistCtx, item, rec)
	case len(report.Incomplete) > 0 && !o.coordinator.CanEscalate(item.PageCount, item.ChunkLevel):
		return o.failAtFloor(persistCtx, item, strings.Join(report.Reasons, "; "), attempts)
	case len(report.Incomplete) > 0:
		return o.incomplete(persistCtx, item, strings.Join(report.Reasons, "; "), attempts)
	default:
		return o.fail(persistCtx, item, models.OutcomePermanentError, strings.Join(report.Reasons, "; "), attempts)
	}
}

func (o *Orchestrator) complete(ctx context.Context, item *models.WorkItem, rec *models.Record) itemOutcome {
	if err := o.processor.Complete(ctx, item, rec); err != nil {
		o.logger.Error().Err(err).Str("item_id", item.ID).Msg("Failed to persist record, item stays pending")
		item.Status = models.WorkStatusPending
		return itemUnsaved
	}
	item.Status = models.WorkStatusDone
	return itemDone
}

func (o *Orchestrator) fail(ctx context.Context, item *models.WorkItem, outcome models.AttemptOutcome, reason string, attempts int) itemOutcome {
	if outcome != models.OutcomePermanentError && outcome != models.OutcomeTransientError {
		outcome = models.OutcomePermanentError
	}
	if err := o.processor.Fail(ctx, item, outcome, reason, attempts, ""); err != nil {
		o.logger.Error().Err(err).Str("item_id", item.ID).Msg("Failed to persist failure, item stays pending")
		item.Status = models.WorkStatusPending
		return itemUnsaved
	}
	item.Status = models.WorkStatusFailed
	return itemFailed
}

// failAtFloor records an item that is still truncated at the finest chunking as a
// permanent failure; re-running it would only repeat the same call
func (o *Orchestrator) failAtFloor(ctx context.Context, item *models.WorkItem, reason string, attempts int) itemOutcome {
	o.logger.WithCorrelationId(item.ID).Warn().
		Int("chunk_level", item.ChunkLevel).
		Int("pages", item.PageCount).
		Msg("Response still truncated at the finest chunking, needs manual review")
	return o.fail(ctx, item, models.OutcomePermanentError, "incomplete at finest chunking: "+reason, attempts)
}

func (o *Orchestrator) incomplete(ctx context.Context, item *models.WorkItem, reason string, attempts int) itemOutcome {
	if err := o.processor.MarkIncomplete(ctx, item, reason, attempts, ""); err != nil {
		o.logger.Error().Err(err).Str("item_id", item.ID).Msg("Failed to persist incomplete item, item stays pending")
		item.Status = models.WorkStatusPending
		return itemUnsaved
	}
	item.Status = models.WorkStatusIncomplete
	return itemIncomplete
}

func (o *Orchestrator) logSummary(s models.RunSummary) {
	event := o.logger.Info()
	if s.Interrupted {
		event = o.logger.Warn()
	}
	event.
		Int("total", s.Total).
		Int("succeeded", s.Succeeded).
		Int("failed", s.Failed).
		Int("incomplete", s.Incomplete).
		Int("not_attempted_budget", s.NotAttemptedBudget).
		Int("remaining", s.Remaining).
		Int("attempts", s.Attempts).
		Float64("cost", s.Cost).
		Str("elapsed", s.Elapsed.Round(time.Millisecond).String()).
		Bool("interrupted", s.Interrupted).
		Msg("Run finished")
}

// IsBookkeeping reports whether err ended a run because of a bookkeeping failure
func IsBookkeeping(err error) bool {
	return errors.Is(err, ErrBookkeeping)
}
