package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/orchestrator"
	"github.com/ternarybob/vellum/internal/jobs/processor"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/budget"
	"github.com/ternarybob/vellum/internal/services/chunking"
	"github.com/ternarybob/vellum/internal/services/llm"
	"github.com/ternarybob/vellum/internal/services/validation"
	"github.com/ternarybob/vellum/internal/storage/filesystem"
)

const testModel = "test-model"

type fakeBatchProvider struct {
	mu        sync.Mutex
	requests  []llm.BatchRequest
	status    models.BatchStatus
	submitErr error
	results   func(reqs []llm.BatchRequest) []llm.BatchResult
}

func (p *fakeBatchProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return nil, errors.New("synchronous calls are not expected")
}
func (p *fakeBatchProvider) Ping(ctx context.Context) error      { return nil }
func (p *fakeBatchProvider) GetProviderType() llm.ProviderType { return llm.ProviderClaude }
func (p *fakeBatchProvider) Model() string                      { return testModel }
func (p *fakeBatchProvider) Close() error                       { return nil }

func (p *fakeBatchProvider) SubmitBatch(ctx context.Context, requests []llm.BatchRequest) (*llm.BatchInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return nil, p.submitErr
	}
	p.requests = append(p.requests, requests...)
	p.status = models.BatchStatusInProgress
	return &llm.BatchInfo{ID: "msgbatch_test", Status: p.status, Counts: models.BatchCounts{Total: len(requests), Processing: len(requests)}}, nil
}

func (p *fakeBatchProvider) GetBatch(ctx context.Context, id string) (*llm.BatchInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := &llm.BatchInfo{ID: id, Status: p.status}
	if p.status.IsTerminal() {
		info.EndedAt = time.Now().UTC()
		info.Counts = models.BatchCounts{Total: len(p.requests), Succeeded: len(p.requests)}
	}
	return info, nil
}

func (p *fakeBatchProvider) BatchResults(ctx context.Context, id string) ([]llm.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results(p.requests), nil
}

func (p *fakeBatchProvider) end() {
	p.mu.Lock()
	p.status = models.BatchStatusCompleted
	p.mu.Unlock()
}

type fakeSource struct{}

func (fakeSource) List(ctx context.Context) ([]models.SourceDocument, error) { return nil, nil }

func (fakeSource) ReadPages(ctx context.Context, item *models.WorkItem, pages models.PageRange) ([]byte, error) {
	return []byte("%PDF-1.4 " + item.ID), nil
}

func answerFor(req *llm.Request) *llm.Response {
	var text strings.Builder
	for p := req.Pages.Start; p <= req.Pages.End; p++ {
		fmt.Fprintf(&text, "[page %d] Received of the overseers the sum of four shillings for coals.\n", p)
	}
	body, _ := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"title":         "Overseers' receipt",
			"document_type": "ledger",
			"people":        []string{},
			"places":        []string{},
			"keywords":      []string{"poor relief"},
		},
		"transcription": map[string]any{"faithful": text.String(), "cleaned": text.String()},
		"confidence":    map[string]any{"score": 0.8, "concerns": []string{}},
	})
	return &llm.Response{
		Text:         string(body),
		FinishReason: llm.FinishStop,
		Usage:        llm.Usage{InputTokens: 1000},
		Provider:     llm.ProviderClaude,
		Model:        testModel,
	}
}

// allSucceed answers every request except those whose item id is in failing
func allSucceed(failing ...string) func([]llm.BatchRequest) []llm.BatchResult {
	fail := map[string]bool{}
	for _, id := range failing {
		fail[id] = true
	}
	return func(reqs []llm.BatchRequest) []llm.BatchResult {
		out := make([]llm.BatchResult, 0, len(reqs))
		for _, r := range reqs {
			if fail[r.Request.ItemID] {
				out = append(out, llm.BatchResult{CustomID: r.CustomID, Err: llm.Permanent(errors.New("batch request errored: invalid document"))})
				continue
			}
			out = append(out, llm.BatchResult{CustomID: r.CustomID, Response: answerFor(r.Request)})
		}
		return out
	}
}

type harness struct {
	store    *filesystem.WorkStore
	ledger   *budget.CostLedger
	provider *fakeBatchProvider
	manager  *Manager
}

func newHarness(t *testing.T, dir string, provider *fakeBatchProvider, limit float64) *harness {
	t.Helper()
	return newHarnessWithStore(t, dir, provider, limit, nil)
}

// newHarnessWithStore lets wrap stand between the manager and the work store
func newHarnessWithStore(t *testing.T, dir string, provider *fakeBatchProvider, limit float64, wrap func(interfaces.WorkStore) interfaces.WorkStore) *harness {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := filesystem.NewWorkStore(common.OutputConfig{Dir: dir}, logger)
	require.NoError(t, err)
	var managed interfaces.WorkStore = store
	if wrap != nil {
		managed = wrap(store)
	}
	coordinator := chunking.NewCoordinator(chunking.Config{PageThreshold: 20, PagesPerChunk: 10, MinPagesPerChunk: 1}, logger)
	validator := validation.New(validation.Config{MinCharsPerPage: 20, MinFaithfulChars: 200, MinCleanedRatio: 0.3, DefaultConfidence: 0.5})
	ledger := budget.NewCostLedger(limit, nil, logger)

	manager, err := NewManager(Deps{
		Provider:    provider,
		Sources:     fakeSource{},
		Store:       managed,
		Processor:   processor.NewProcessor(managed, validator, coordinator, logger),
		Coordinator: coordinator,
		Ledger:      ledger,
		Pricing:     budget.PricingTable{testModel: {InputPerMillion: 1000, BatchDiscount: 0.5}},
		Estimator:   budget.Estimator{InputTokensPerPage: 1000, MaxOutputTokens: 4096},
	}, Config{PollInterval: time.Millisecond, MaxWait: time.Hour}, logger)
	require.NoError(t, err)

	return &harness{store: store, ledger: ledger, provider: provider, manager: manager}
}

func workItems(n, pages int) []*models.WorkItem {
	items := make([]*models.WorkItem, n)
	for i := range items {
		id := fmt.Sprintf("overseers-%03d", i)
		items[i] = &models.WorkItem{ID: id, SourcePath: "/sources/" + id + ".pdf", MediaType: "application/pdf", PageCount: pages}
	}
	return items
}

func TestBatch_Reconciliation(t *testing.T) {
	provider := &fakeBatchProvider{results: allSucceed("overseers-007", "overseers-042", "overseers-099")}
	h := newHarness(t, t.TempDir(), provider, 0)
	ctx := context.Background()
	items := workItems(100, 1)

	manifest, err := h.manager.Prepare(ctx, items)
	require.NoError(t, err)
	require.Len(t, manifest.Requests, 100)
	assert.FileExists(t, manifest.Path)
	assert.InDelta(t, 50.0, manifest.EstimatedCost, 1e-9)

	job, err := h.manager.Submit(ctx, manifest)
	require.NoError(t, err)
	assert.Equal(t, "msgbatch_test", job.ID)
	assert.InDelta(t, 50.0, h.ledger.Committed(), 1e-9)

	outstanding, err := h.store.OutstandingItemIDs()
	require.NoError(t, err)
	assert.Len(t, outstanding, 100)

	polled, err := h.manager.Poll(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusInProgress, polled.Status)
	_, err = h.manager.Retrieve(ctx, polled)
	assert.ErrorIs(t, err, ErrNotEnded)

	h.provider.end()
	ended, err := h.manager.Wait(ctx, job.ID, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, ended.Status)

	results, err := h.manager.Retrieve(ctx, ended)
	require.NoError(t, err)
	summary, err := h.manager.Reconcile(ctx, ended, results)
	require.NoError(t, err)

	assert.Equal(t, 100, summary.Results)
	assert.Equal(t, 97, summary.Records)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 0, summary.Missing)

	failures, err := h.store.Failures()
	require.NoError(t, err)
	require.Len(t, failures, 3)
	for _, f := range failures {
		assert.Equal(t, job.ID, f.BatchID)
		assert.False(t, h.store.HasRecord(f.ID))
	}
	for _, item := range items {
		if item.ID == "overseers-007" || item.ID == "overseers-042" || item.ID == "overseers-099" {
			continue
		}
		assert.True(t, h.store.HasRecord(item.ID), item.ID)
	}

	reloaded, err := h.store.LoadBatchJob(job.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Consumed)
	outstanding, err = h.store.OutstandingItemIDs()
	require.NoError(t, err)
	assert.Empty(t, outstanding)

	_, err = h.manager.Reconcile(ctx, reloaded, results)
	assert.ErrorIs(t, err, ErrConsumed)
}

func TestPrepare_SkipsChunkedProblemAndBudget(t *testing.T) {
	h := newHarness(t, t.TempDir(), &fakeBatchProvider{}, 2)
	items := workItems(6, 1)
	items[0].PageCount = 25
	items[1].ChunkLevel = 1
	items[2].Problem = "document has no pages"

	manifest, err := h.manager.Prepare(context.Background(), items)
	require.NoError(t, err)

	require.Len(t, manifest.Requests, 3)
	require.Len(t, manifest.Skipped, 3)
	assert.Contains(t, manifest.Skipped[0].Reason, "needs chunking")
	assert.Contains(t, manifest.Skipped[1].Reason, "needs chunking")
	assert.Equal(t, "document has no pages", manifest.Skipped[2].Reason)
	assert.InDelta(t, 1.5, h.ledger.Snapshot().Reserved, 1e-9)
}

func TestPrepare_StopsAtBudget(t *testing.T) {
	h := newHarness(t, t.TempDir(), &fakeBatchProvider{}, 1)

	manifest, err := h.manager.Prepare(context.Background(), workItems(5, 1))
	require.NoError(t, err)
	assert.Len(t, manifest.Requests, 2)
	assert.Len(t, manifest.Skipped, 3)
	for _, s := range manifest.Skipped {
		assert.Equal(t, "budget exhausted", s.Reason)
	}
}

func TestPrepare_EmptyManifest(t *testing.T) {
	h := newHarness(t, t.TempDir(), &fakeBatchProvider{}, 0)
	items := workItems(1, 30)

	manifest, err := h.manager.Prepare(context.Background(), items)
	assert.ErrorIs(t, err, ErrEmptyManifest)
	require.NotNil(t, manifest)
	assert.Len(t, manifest.Skipped, 1)
}

func TestSubmit_FailureReleasesReservations(t *testing.T) {
	provider := &fakeBatchProvider{submitErr: llm.Transient(errors.New("529 overloaded"))}
	h := newHarness(t, t.TempDir(), provider, 10)
	ctx := context.Background()

	manifest, err := h.manager.Prepare(ctx, workItems(4, 1))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, h.ledger.Snapshot().Reserved, 1e-9)

	_, err = h.manager.Submit(ctx, manifest)
	require.Error(t, err)

	balance := h.ledger.Snapshot()
	assert.Zero(t, balance.Reserved)
	assert.Zero(t, balance.Committed)
	jobs, err := h.store.ListBatchJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPoll_TimesOutPastMaxWait(t *testing.T) {
	h := newHarness(t, t.TempDir(), &fakeBatchProvider{results: allSucceed()}, 0)
	ctx := context.Background()

	manifest, err := h.manager.Prepare(ctx, workItems(2, 1))
	require.NoError(t, err)
	job, err := h.manager.Submit(ctx, manifest)
	require.NoError(t, err)

	h.manager.now = func() time.Time { return job.SubmittedAt.Add(2 * time.Hour) }
	polled, err := h.manager.Wait(ctx, job.ID, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, polled.TimedOut)
	assert.False(t, polled.Status.IsTerminal())

	// a timed out job still owns its items until it is reconciled
	outstanding, err := h.store.OutstandingItemIDs()
	require.NoError(t, err)
	assert.Len(t, outstanding, 2)
}

func TestReconcile_MissingAndExpiredResultsAreRetried(t *testing.T) {
	expiring := &fakeBatchProvider{results: func(reqs []llm.BatchRequest) []llm.BatchResult {
		return []llm.BatchResult{
			{CustomID: reqs[0].CustomID, Err: llm.Transient(errors.New("batch request expired before processing"))},
			{CustomID: "unknown-9", Response: answerFor(reqs[0].Request)},
		}
	}}
	h := newHarness(t, t.TempDir(), expiring, 0)
	ctx := context.Background()
	items := workItems(3, 1)

	manifest, err := h.manager.Prepare(ctx, items)
	require.NoError(t, err)
	job, err := h.manager.Submit(ctx, manifest)
	require.NoError(t, err)
	h.provider.end()
	job, err = h.manager.Poll(ctx, job.ID)
	require.NoError(t, err)

	results, err := h.manager.Retrieve(ctx, job)
	require.NoError(t, err)
	summary, err := h.manager.Reconcile(ctx, job, results)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Missing)
	assert.Equal(t, 1, summary.Unknown)

	docs := make([]models.SourceDocument, len(items))
	for i, item := range items {
		docs[i] = models.SourceDocument{ID: item.ID, Path: item.SourcePath, MediaType: item.MediaType, PageCount: item.PageCount}
	}
	pending, err := h.store.PendingItems(ctx, docs, interfaces.PendingOptions{})
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestReconcile_InLaterProcessPostsActualCost(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeBatchProvider{results: allSucceed()}
	ctx := context.Background()

	submitter := newHarness(t, dir, provider, 0)
	manifest, err := submitter.manager.Prepare(ctx, workItems(4, 1))
	require.NoError(t, err)
	job, err := submitter.manager.Submit(ctx, manifest)
	require.NoError(t, err)
	provider.end()

	retriever := newHarness(t, dir, provider, 0)
	job, err = retriever.manager.Poll(ctx, job.ID)
	require.NoError(t, err)
	results, err := retriever.manager.Retrieve(ctx, job)
	require.NoError(t, err)
	summary, err := retriever.manager.Reconcile(ctx, job, results)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Records)
	assert.InDelta(t, 2.0, summary.Cost, 1e-9)
	assert.InDelta(t, 2.0, retriever.ledger.Committed(), 1e-9)
	for _, e := range retriever.ledger.Entries() {
		assert.True(t, e.Batch)
		assert.True(t, strings.HasPrefix(e.ID, "cost_msgbatch_test_"))
	}
}

// failingStore fails failure-ledger writes numbered in failOn, and batch job saves while
// failSaves is set
type failingStore struct {
	interfaces.WorkStore
	mu        sync.Mutex
	writes    int
	failOn    map[int]bool
	failSaves bool
}

func (s *failingStore) RecordFailure(ctx context.Context, entry models.LedgerEntry) error {
	s.mu.Lock()
	s.writes++
	fail := s.failOn[s.writes]
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.WorkStore.RecordFailure(ctx, entry)
}

func (s *failingStore) SaveBatchJob(ctx context.Context, job *models.BatchJob) error {
	if s.failSaves {
		return errors.New("disk full")
	}
	return s.WorkStore.SaveBatchJob(ctx, job)
}

// submitEnded prepares, submits and ends a batch over items, returning the ended job
func submitEnded(t *testing.T, h *harness, items []*models.WorkItem) *models.BatchJob {
	t.Helper()
	ctx := context.Background()
	manifest, err := h.manager.Prepare(ctx, items)
	require.NoError(t, err)
	job, err := h.manager.Submit(ctx, manifest)
	require.NoError(t, err)
	h.provider.end()
	return job
}

func TestReconcile_ResumesAfterPartialFailure(t *testing.T) {
	tests := []struct {
		name      string
		failSaves bool // progress cannot be saved either; the ledgers alone guard the retry
	}{
		{"progress saved", false},
		{"progress lost", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			provider := &fakeBatchProvider{results: allSucceed("overseers-001", "overseers-002", "overseers-003")}
			job := submitEnded(t, newHarness(t, dir, provider, 0), workItems(5, 1))

			// a later process whose second failure-ledger write fails
			flaky := &failingStore{failOn: map[int]bool{2: true}}
			first := newHarnessWithStore(t, dir, provider, 0, func(s interfaces.WorkStore) interfaces.WorkStore {
				flaky.WorkStore = s
				return flaky
			})
			polled, err := first.manager.Poll(ctx, job.ID)
			require.NoError(t, err)
			results, err := first.manager.Retrieve(ctx, polled)
			require.NoError(t, err)
			flaky.failSaves = tt.failSaves
			_, err = first.manager.Reconcile(ctx, polled, results)
			require.Error(t, err)
			assert.InDelta(t, 0.5, first.ledger.Committed(), 1e-9)

			failures, err := first.store.Failures()
			require.NoError(t, err)
			require.Len(t, failures, 1)

			// reconciling again from the stored job routes only what is left
			retry := newHarness(t, dir, provider, 0)
			stored, err := retry.store.LoadBatchJob(job.ID)
			require.NoError(t, err)
			require.False(t, stored.Consumed)
			summary, err := retry.manager.Reconcile(ctx, stored, results)
			require.NoError(t, err)

			assert.Equal(t, 2, summary.AlreadyDone)
			assert.Equal(t, 2, summary.Failed)
			assert.Equal(t, 1, summary.Records)
			assert.InDelta(t, 0.5, retry.ledger.Committed(), 1e-9, "earlier results are not charged twice")

			failures, err = retry.store.Failures()
			require.NoError(t, err)
			assert.Len(t, failures, 3)
			ids := map[string]int{}
			for _, f := range failures {
				ids[f.ID]++
			}
			for id, n := range ids {
				assert.Equal(t, 1, n, id)
			}

			reloaded, err := retry.store.LoadBatchJob(job.ID)
			require.NoError(t, err)
			assert.True(t, reloaded.Consumed)
			assert.Empty(t, reloaded.Reconciled)
		})
	}
}

func TestAbandon_ReleaseFailureIsBookkeeping(t *testing.T) {
	h := newHarness(t, t.TempDir(), &fakeBatchProvider{}, 10)
	manifest, err := h.manager.Prepare(context.Background(), workItems(2, 1))
	require.NoError(t, err)

	// a reservation closed behind the manager's back cannot be released again
	for _, r := range manifest.reservations {
		require.NoError(t, h.ledger.Release(r))
		break
	}

	err = h.manager.Abandon(manifest)
	require.Error(t, err)
	assert.True(t, orchestrator.IsBookkeeping(err))
	assert.Zero(t, h.ledger.Snapshot().Reserved)
	assert.NoError(t, h.manager.Abandon(manifest), "released reservations are forgotten")
}

func TestNewManager_RequiresBatchProvider(t *testing.T) {
	_, err := NewManager(Deps{Provider: llm.NewOfflineService(testModel, 0, arbor.NewLogger())}, Config{}, arbor.NewLogger())
	require.Error(t, err)
}
