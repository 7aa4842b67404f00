// -----------------------------------------------------------------------
// Batch submission manager - the asynchronous bulk workflow
// Prepare -> Submit -> Poll/Wait -> Retrieve -> Reconcile
// -----------------------------------------------------------------------

package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/orchestrator"
	"github.com/ternarybob/vellum/internal/jobs/processor"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/budget"
	"github.com/ternarybob/vellum/internal/services/chunking"
	"github.com/ternarybob/vellum/internal/services/llm"
)

var (
	// ErrNotEnded is returned when results are requested before the job ended
	ErrNotEnded = errors.New("batch job has not ended")
	// ErrConsumed is returned when a job's results were already reconciled
	ErrConsumed = errors.New("batch job results already reconciled")
	// ErrEmptyManifest is returned when no item could be prepared
	ErrEmptyManifest = errors.New("no items to submit")
)

// Config controls polling
type Config struct {
	PollInterval time.Duration
	MaxWait      time.Duration // jobs still running this long after submission are timed out
}

// Deps are the collaborators of the batch manager
type Deps struct {
	Provider    llm.Provider // must also implement llm.BatchProvider
	Sources     interfaces.SourceService
	Store       interfaces.WorkStore
	Processor   *processor.Processor
	Coordinator *chunking.Coordinator
	Ledger      *budget.CostLedger
	Pricing     budget.PricingTable
	Estimator   budget.Estimator
	Audit       interfaces.AuditStorage // optional
}

// SkippedItem is an item left out of a manifest
type SkippedItem struct {
	ID     string `yaml:"id"`
	Reason string `yaml:"reason"`
}

// Manifest is a prepared submission: one request per whole document, each holding a
// budget reservation until Submit commits or abandons it
type Manifest struct {
	Ref            string
	Path           string
	Requests       []llm.BatchRequest
	Items          []models.WorkItem
	CorrelationIDs map[string]string // custom id -> item id
	EstimatedCost  float64
	Skipped        []SkippedItem

	reservations map[string]*budget.Reservation // custom id -> reservation
}

// manifestLine is one request as recorded on disk. Document bytes stay in the source store.
type manifestLine struct {
	CustomID   string  `json:"custom_id"`
	ItemID     string  `json:"item_id"`
	SourcePath string  `json:"source_path"`
	MediaType  string  `json:"media_type"`
	Pages      string  `json:"pages"`
	MaxTokens  int64   `json:"max_tokens"`
	Estimate   float64 `json:"estimated_cost"`
}

// ReconcileSummary reports what reconciliation did with a job's results
type ReconcileSummary struct {
	JobID       string  `yaml:"job_id"`
	Results     int     `yaml:"results"`
	Records     int     `yaml:"records"`
	Failed      int     `yaml:"failed"`
	Incomplete  int     `yaml:"incomplete"`
	Missing     int     `yaml:"missing"`      // submitted items with no result
	Unknown     int     `yaml:"unknown"`      // results whose custom id maps to no item
	AlreadyDone int     `yaml:"already_done"` // items routed by an earlier, unfinished reconciliation
	Cost        float64 `yaml:"cost"`
}

// Manager drives batch jobs through their lifecycle
type Manager struct {
	provider    llm.Provider
	batches     llm.BatchProvider
	sources     interfaces.SourceService
	store       interfaces.WorkStore
	processor   *processor.Processor
	coordinator *chunking.Coordinator
	ledger      *budget.CostLedger
	pricing     budget.PricingTable
	estimator   budget.Estimator
	audit       interfaces.AuditStorage
	config      Config
	logger      arbor.ILogger
	now         func() time.Time

	// jobs submitted by this process; their estimates are already in the ledger
	submitted map[string]bool
}

// NewManager creates a batch manager. The provider must support batch submission.
func NewManager(deps Deps, config Config, logger arbor.ILogger) (*Manager, error) {
	batches, ok := llm.AsBatchProvider(deps.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %s does not support batch submission", deps.Provider.GetProviderType())
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Minute
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 24 * time.Hour
	}
	return &Manager{
		provider:    deps.Provider,
		batches:     batches,
		sources:     deps.Sources,
		store:       deps.Store,
		processor:   deps.Processor,
		coordinator: deps.Coordinator,
		ledger:      deps.Ledger,
		pricing:     deps.Pricing,
		estimator:   deps.Estimator,
		audit:       deps.Audit,
		config:      config,
		logger:      logger,
		now:         time.Now,
		submitted:   make(map[string]bool),
	}, nil
}

// Prepare builds a manifest from items. Documents that need chunking are skipped, since
// a batch request must cover a whole document. Once the budget refuses a reservation
// the remaining items are left out.
func (m *Manager) Prepare(ctx context.Context, items []*models.WorkItem) (*Manifest, error) {
	manifest := &Manifest{
		Ref:            "manifest-" + m.now().UTC().Format("20060102T150405") + "-" + uuid.New().String()[:8],
		CorrelationIDs: make(map[string]string),
		reservations:   make(map[string]*budget.Reservation),
	}
	lines := make([]any, 0, len(items))
	budgetStop := false

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, errors.Join(err, m.abandon(manifest))
		}
		if budgetStop {
			manifest.Skipped = append(manifest.Skipped, SkippedItem{ID: item.ID, Reason: "budget exhausted"})
			continue
		}
		if item.Problem != "" {
			manifest.Skipped = append(manifest.Skipped, SkippedItem{ID: item.ID, Reason: item.Problem})
			continue
		}
		if m.coordinator.NeedsChunking(item.PageCount) || item.ChunkLevel > 0 {
			manifest.Skipped = append(manifest.Skipped, SkippedItem{
				ID:     item.ID,
				Reason: fmt.Sprintf("needs chunking (%d pages, level %d); process with run", item.PageCount, item.ChunkLevel),
			})
			continue
		}

		pages := models.FullRange(item.PageCount)
		estimate, err := m.estimator.EstimateCost(m.pricing, m.provider.Model(), pages.Len(), true)
		if err != nil {
			return nil, errors.Join(err, m.abandon(manifest))
		}
		reservation, ok := m.ledger.Reserve(estimate)
		if !ok {
			budgetStop = true
			manifest.Skipped = append(manifest.Skipped, SkippedItem{ID: item.ID, Reason: "budget exhausted"})
			continue
		}

		document, err := m.sources.ReadPages(ctx, item, pages)
		if err != nil {
			if rerr := m.release(reservation); rerr != nil {
				return nil, errors.Join(rerr, m.abandon(manifest))
			}
			manifest.Skipped = append(manifest.Skipped, SkippedItem{ID: item.ID, Reason: fmt.Sprintf("failed to read document: %v", err)})
			continue
		}

		customID := llm.CustomID(item.ID, len(manifest.Requests))
		request := &llm.Request{
			ItemID:     item.ID,
			Pages:      pages,
			PageCount:  item.PageCount,
			ChunkTotal: 1,
			Document:   document,
			MediaType:  item.MediaType,
			MaxTokens:  int64(m.estimator.RequestMaxTokens(pages.Len())),
		}
		manifest.Requests = append(manifest.Requests, llm.BatchRequest{CustomID: customID, Request: request})
		manifest.Items = append(manifest.Items, *item)
		manifest.CorrelationIDs[customID] = item.ID
		manifest.reservations[customID] = reservation
		manifest.EstimatedCost += estimate

		lines = append(lines, manifestLine{
			CustomID:   customID,
			ItemID:     item.ID,
			SourcePath: item.SourcePath,
			MediaType:  item.MediaType,
			Pages:      pages.String(),
			MaxTokens:  request.MaxTokens,
			Estimate:   estimate,
		})
	}

	if len(manifest.Requests) == 0 {
		return manifest, ErrEmptyManifest
	}

	path, err := m.store.WriteManifest(manifest.Ref, lines)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to write manifest: %w", err), m.abandon(manifest))
	}
	manifest.Path = path

	m.logger.Info().
		Str("manifest", manifest.Ref).
		Int("requests", len(manifest.Requests)).
		Int("skipped", len(manifest.Skipped)).
		Float64("estimated_cost", manifest.EstimatedCost).
		Msg("Batch manifest prepared")
	return manifest, nil
}

// Abandon releases the reservations of a manifest that will not be submitted. A
// reservation that cannot be released is a bookkeeping failure.
func (m *Manager) Abandon(manifest *Manifest) error {
	return m.abandon(manifest)
}

func (m *Manager) abandon(manifest *Manifest) error {
	var errs []error
	for id, r := range manifest.reservations {
		if err := m.release(r); err != nil {
			m.logger.Error().Err(err).Str("custom_id", id).Msg("Failed to release batch reservation")
			errs = append(errs, err)
		}
	}
	manifest.reservations = map[string]*budget.Reservation{}
	return errors.Join(errs...)
}

func (m *Manager) release(r *budget.Reservation) error {
	if err := m.ledger.Release(r); err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrBookkeeping, err)
	}
	return nil
}

// Submit sends the manifest and persists the job. The estimated cost of every request is
// committed at submission, since the spend is then out of this process's hands.
func (m *Manager) Submit(ctx context.Context, manifest *Manifest) (*models.BatchJob, error) {
	if manifest == nil || len(manifest.Requests) == 0 {
		return nil, ErrEmptyManifest
	}

	info, err := m.batches.SubmitBatch(ctx, manifest.Requests)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("batch submission failed: %w", err), m.abandon(manifest))
	}

	job := &models.BatchJob{
		ID:             info.ID,
		Provider:       string(m.provider.GetProviderType()),
		Model:          m.provider.Model(),
		ManifestRef:    manifest.Ref,
		Status:         info.Status,
		CorrelationIDs: manifest.CorrelationIDs,
		Items:          manifest.Items,
		Counts:         info.Counts,
		EstimatedCost:  manifest.EstimatedCost,
		SubmittedAt:    m.now().UTC(),
	}
	if job.Status == "" {
		job.Status = models.BatchStatusValidating
	}

	// persist first: a submitted job must never be lost, or its items would be paid twice
	if err := m.store.SaveBatchJob(context.WithoutCancel(ctx), job); err != nil {
		m.logger.Error().Err(err).Str("batch_id", job.ID).Msg("Batch submitted but metadata could not be saved")
		return job, fmt.Errorf("failed to save batch job %s: %w", job.ID, err)
	}

	for customID, r := range manifest.reservations {
		entry := models.CostLedgerEntry{
			ID:     costEntryID(job.ID, customID),
			ItemID: manifest.CorrelationIDs[customID],
			Model:  job.Model,
			Cost:   r.Amount,
			Batch:  true,
		}
		if err := m.ledger.Commit(ctx, r, entry); err != nil {
			return job, fmt.Errorf("failed to commit batch reservation: %w", err)
		}
	}
	manifest.reservations = map[string]*budget.Reservation{}
	m.submitted[job.ID] = true
	m.snapshot(ctx, job)

	m.logger.Info().
		Str("batch_id", job.ID).
		Int("requests", len(manifest.Requests)).
		Float64("estimated_cost", job.EstimatedCost).
		Msg("Batch job submitted")
	return job, nil
}

// Poll refreshes a job's status from the provider and persists it. A job still running
// past MaxWait is marked timed out; it stays queryable and retrievable.
func (m *Manager) Poll(ctx context.Context, id string) (*models.BatchJob, error) {
	job, err := m.store.LoadBatchJob(id)
	if err != nil {
		return nil, err
	}
	if job.Consumed {
		return job, nil
	}

	info, err := m.batches.GetBatch(ctx, id)
	if err != nil {
		return job, fmt.Errorf("failed to poll batch %s: %w", id, err)
	}

	now := m.now().UTC()
	job.Status = info.Status
	job.Counts = info.Counts
	job.LastPolledAt = now
	if !info.EndedAt.IsZero() {
		job.EndedAt = info.EndedAt
	}
	if !job.Status.IsTerminal() && now.Sub(job.SubmittedAt) > m.config.MaxWait {
		if !job.TimedOut {
			m.logger.Warn().
				Str("batch_id", id).
				Str("waited", now.Sub(job.SubmittedAt).Round(time.Minute).String()).
				Msg("Batch job exceeded maximum wait")
		}
		job.TimedOut = true
	}

	if err := m.store.SaveBatchJob(ctx, job); err != nil {
		return job, err
	}
	m.snapshot(ctx, job)

	m.logger.Debug().
		Str("batch_id", id).
		Str("status", string(job.Status)).
		Int("succeeded", job.Counts.Succeeded).
		Int("failed", job.Counts.Failed).
		Int("processing", job.Counts.Processing).
		Msg("Batch job polled")
	return job, nil
}

// Wait polls until the job ends, times out or ctx is cancelled
func (m *Manager) Wait(ctx context.Context, id string, interval time.Duration) (*models.BatchJob, error) {
	if interval <= 0 {
		interval = m.config.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := m.Poll(ctx, id)
		if err != nil {
			var pe *llm.ProviderError
			if !errors.As(err, &pe) || !pe.IsTransient() {
				return job, err
			}
			m.logger.Warn().Err(err).Str("batch_id", id).Msg("Transient polling error")
		} else if job.Consumed || job.Status.IsTerminal() || job.TimedOut {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Retrieve downloads the results of an ended job
func (m *Manager) Retrieve(ctx context.Context, job *models.BatchJob) ([]llm.BatchResult, error) {
	if job.Consumed {
		return nil, ErrConsumed
	}
	if !job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotEnded, job.ID, job.Status)
	}
	results, err := m.batches.BatchResults(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve batch %s: %w", job.ID, err)
	}
	return results, nil
}

// Reconcile routes every result through the result processor, records errors exactly
// like a synchronous run would, and marks the job consumed so its items are released.
// Progress is kept on the job, so reconciling again after a failure only routes the
// items that were not handled yet.
func (m *Manager) Reconcile(ctx context.Context, job *models.BatchJob, results []llm.BatchResult) (summary *ReconcileSummary, err error) {
	if job.Consumed {
		return nil, ErrConsumed
	}
	// a started reconciliation is finished even if the caller is interrupted
	ctx = context.WithoutCancel(ctx)
	logger := m.logger.WithCorrelationId(job.ID)

	handled, err := m.handledItems(job)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			m.saveProgress(ctx, job)
		}
	}()

	items := make(map[string]*models.WorkItem, len(job.Items))
	for i := range job.Items {
		item := job.Items[i]
		items[item.ID] = &item
	}

	summary = &ReconcileSummary{JobID: job.ID, Results: len(results)}
	seen := make(map[string]bool, len(results))

	for _, result := range results {
		itemID, ok := job.CorrelationIDs[result.CustomID]
		item := items[itemID]
		if !ok || item == nil {
			logger.Warn().Str("custom_id", result.CustomID).Msg("Batch result does not match any submitted item")
			summary.Unknown++
			continue
		}
		seen[itemID] = true
		if handled[itemID] {
			summary.AlreadyDone++
			continue
		}

		// runs skip items owned by an unconsumed job, so an existing record came from
		// an earlier pass over these results and its cost was already posted
		if m.store.HasRecord(itemID) {
			summary.AlreadyDone++
			markReconciled(job, itemID)
			continue
		}
		if result.Response != nil {
			summary.Cost += m.postCost(ctx, job, result)
		}

		if err := m.route(ctx, job, item, result, summary); err != nil {
			return summary, err
		}
		markReconciled(job, itemID)
	}

	for _, item := range items {
		if seen[item.ID] || handled[item.ID] || m.store.HasRecord(item.ID) {
			continue
		}
		if err := m.processor.Fail(ctx, item, models.OutcomeTransientError, "no result returned by batch job", 0, job.ID); err != nil {
			return summary, err
		}
		summary.Missing++
		markReconciled(job, item.ID)
	}

	job.Consumed = true
	job.ConsumedAt = m.now().UTC()
	job.Reconciled = nil
	if err := m.store.SaveBatchJob(ctx, job); err != nil {
		return summary, fmt.Errorf("failed to mark batch %s consumed: %w", job.ID, err)
	}
	m.snapshot(ctx, job)

	logger.Info().
		Str("batch_id", job.ID).
		Int("results", summary.Results).
		Int("records", summary.Records).
		Int("failed", summary.Failed).
		Int("incomplete", summary.Incomplete).
		Int("missing", summary.Missing).
		Int("already_done", summary.AlreadyDone).
		Float64("cost", summary.Cost).
		Msg("Batch job reconciled")
	return summary, nil
}

// route turns one result into a record or a ledger entry
func (m *Manager) route(ctx context.Context, job *models.BatchJob, item *models.WorkItem, result llm.BatchResult, summary *ReconcileSummary) error {
	if result.Err != nil {
		pe := llm.Classify(result.Err)
		outcome := models.OutcomePermanentError
		if pe.IsTransient() {
			outcome = models.OutcomeTransientError
		}
		if err := m.processor.Fail(ctx, item, outcome, pe.Error(), 1, job.ID); err != nil {
			return err
		}
		summary.Failed++
		return nil
	}

	verdict, err := m.processor.Accept(ctx, item, result.Response)
	if err != nil {
		return err
	}
	switch verdict.Outcome {
	case models.OutcomeSuccess:
		summary.Records++
	case models.OutcomeIncomplete:
		if err := m.processor.MarkIncomplete(ctx, item, verdict.Reason, 1, job.ID); err != nil {
			return err
		}
		summary.Incomplete++
	default:
		if err := m.processor.Fail(ctx, item, verdict.Outcome, verdict.Reason, 1, job.ID); err != nil {
			return err
		}
		summary.Failed++
	}
	return nil
}

// handledItems returns the items an earlier, unfinished reconciliation of job already
// routed: those in its saved progress, plus those whose latest ledger entry carries the
// job id in case that progress was never saved
func (m *Manager) handledItems(job *models.BatchJob) (map[string]bool, error) {
	handled := make(map[string]bool, len(job.Reconciled))
	for id := range job.Reconciled {
		handled[id] = true
	}

	failures, err := m.store.Failures()
	if err != nil {
		return nil, fmt.Errorf("failed to read failure ledger: %w", err)
	}
	incompletes, err := m.store.Incompletes()
	if err != nil {
		return nil, fmt.Errorf("failed to read incomplete ledger: %w", err)
	}

	latest := make(map[string]models.LedgerEntry, len(failures)+len(incompletes))
	for _, entries := range [][]models.LedgerEntry{failures, incompletes} {
		for _, e := range entries {
			if cur, ok := latest[e.ID]; ok && cur.Timestamp.After(e.Timestamp) {
				continue
			}
			latest[e.ID] = e
		}
	}
	for _, item := range job.Items {
		if e, ok := latest[item.ID]; ok && e.BatchID == job.ID {
			handled[item.ID] = true
		}
	}
	return handled, nil
}

func markReconciled(job *models.BatchJob, itemID string) {
	if job.Reconciled == nil {
		job.Reconciled = make(map[string]bool)
	}
	job.Reconciled[itemID] = true
}

// saveProgress persists the items routed so far by a reconciliation that failed part-way
func (m *Manager) saveProgress(ctx context.Context, job *models.BatchJob) {
	if err := m.store.SaveBatchJob(ctx, job); err != nil {
		m.logger.Warn().Err(err).Str("batch_id", job.ID).Int("routed", len(job.Reconciled)).Msg("Failed to save reconciliation progress")
	}
}

// postCost charges the actual batch price of one result. Entries share their id with the
// estimate committed at submission, so the audit store keeps the actual figure.
func (m *Manager) postCost(ctx context.Context, job *models.BatchJob, result llm.BatchResult) float64 {
	usage := result.Response.Usage
	cost, err := m.pricing.Cost(job.Model, usage.InputTokens, usage.OutputTokens, true)
	if err != nil {
		m.logger.Warn().Err(err).Str("batch_id", job.ID).Msg("Cannot price batch result")
		return 0
	}
	entry := models.CostLedgerEntry{
		ID:           costEntryID(job.ID, result.CustomID),
		ItemID:       job.CorrelationIDs[result.CustomID],
		Model:        job.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         cost,
		Batch:        true,
		PostedAt:     m.now().UTC(),
	}

	if m.submitted[job.ID] {
		// the estimate is already committed in this ledger; only the audit trail changes
		if m.audit != nil {
			if err := m.audit.SaveCostEntry(ctx, &entry); err != nil {
				m.logger.Warn().Err(err).Str("batch_id", job.ID).Msg("Failed to save batch cost entry")
			}
		}
		return cost
	}
	m.ledger.Post(ctx, entry)
	return cost
}

func (m *Manager) snapshot(ctx context.Context, job *models.BatchJob) {
	if m.audit == nil {
		return
	}
	if err := m.audit.SaveBatchSnapshot(context.WithoutCancel(ctx), job); err != nil {
		m.logger.Warn().Err(err).Str("batch_id", job.ID).Msg("Failed to save batch snapshot")
	}
}

// List returns every known batch job, oldest first
func (m *Manager) List() ([]*models.BatchJob, error) {
	return m.store.ListBatchJobs()
}

func costEntryID(jobID, customID string) string {
	return "cost_" + jobID + "_" + customID
}
