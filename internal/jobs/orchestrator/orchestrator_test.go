package orchestrator

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
	"github.com/ternarybob/vellum/internal/jobs/processor"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/budget"
	"github.com/ternarybob/vellum/internal/services/chunking"
	"github.com/ternarybob/vellum/internal/services/governor"
	"github.com/ternarybob/vellum/internal/services/llm"
	"github.com/ternarybob/vellum/internal/services/validation"
	"github.com/ternarybob/vellum/internal/storage/filesystem"
)

const testModel = "test-model"

// fakeProvider answers through respond and counts calls per item
type fakeProvider struct {
	mu      sync.Mutex
	calls   map[string]int
	total   int
	respond func(req *llm.Request, call int) (*llm.Response, error)
}

func newFakeProvider(respond func(req *llm.Request, call int) (*llm.Response, error)) *fakeProvider {
	if respond == nil {
		respond = func(req *llm.Request, call int) (*llm.Response, error) {
			return answer(req, 0.9), nil
		}
	}
	return &fakeProvider{calls: map[string]int{}, respond: respond}
}

func (p *fakeProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls[req.ItemID]++
	p.total++
	n := p.calls[req.ItemID]
	p.mu.Unlock()
	return p.respond(req, n)
}

func (p *fakeProvider) Ping(ctx context.Context) error      { return nil }
func (p *fakeProvider) GetProviderType() llm.ProviderType { return llm.ProviderType("fake") }
func (p *fakeProvider) Model() string                      { return testModel }
func (p *fakeProvider) Close() error                       { return nil }

func (p *fakeProvider) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *fakeProvider) Calls(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type fakeSource struct{}

func (fakeSource) List(ctx context.Context) ([]models.SourceDocument, error) { return nil, nil }

func (fakeSource) ReadPages(ctx context.Context, item *models.WorkItem, pages models.PageRange) ([]byte, error) {
	return []byte("%PDF-1.4 " + pages.String()), nil
}

// answer builds a well-formed response covering req's pages. Usage is fixed so that one
// call costs exactly 1.0 under the test pricing.
func answer(req *llm.Request, score float64) *llm.Response {
	var text strings.Builder
	for p := req.Pages.Start; p <= req.Pages.End; p++ {
		fmt.Fprintf(&text, "[page %d] The vestry met on the first Monday and resolved to mend the roof.\n", p)
	}
	body, _ := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"title":         "Vestry minutes",
			"document_type": "report",
			"people":        []string{"Thomas Ward"},
			"places":        []string{"St Mary's"},
			"keywords":      []string{"roof"},
		},
		"transcription": map[string]any{"faithful": text.String(), "cleaned": text.String()},
		"confidence":    map[string]any{"score": score, "concerns": []string{}},
	})
	return &llm.Response{
		Text:         string(body),
		FinishReason: llm.FinishStop,
		RawReason:    "end_turn",
		Usage:        llm.Usage{InputTokens: 1000},
		Provider:     llm.ProviderType("fake"),
		Model:        testModel,
	}
}

type harness struct {
	store    *filesystem.WorkStore
	ledger   *budget.CostLedger
	provider *fakeProvider
	orch     *Orchestrator
}

func newHarness(t *testing.T, dir string, provider *fakeProvider, limit float64, workers int) *harness {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := filesystem.NewWorkStore(common.OutputConfig{Dir: dir}, logger)
	require.NoError(t, err)

	coordinator := chunking.NewCoordinator(chunking.Config{
		PageThreshold:    20,
		PagesPerChunk:    10,
		MinPagesPerChunk: 1,
		MaxChunkRetries:  1,
	}, logger)
	validator := validation.New(validation.Config{
		MinCharsPerPage:   20,
		MinFaithfulChars:  200,
		MinCleanedRatio:   0.3,
		DefaultConfidence: 0.5,
	})
	ledger := budget.NewCostLedger(limit, nil, logger)

	orch := NewOrchestrator(Deps{
		Provider:    provider,
		Sources:     fakeSource{},
		Governor:    governor.New(governor.Limits{}, nil),
		Ledger:      ledger,
		Pricing:     budget.PricingTable{testModel: {InputPerMillion: 1000}},
		Estimator:   budget.Estimator{InputTokensPerPage: 1000, MaxOutputTokens: 4096},
		Retry:       &llm.RetryConfig{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2},
		Processor:   processor.NewProcessor(store, validator, coordinator, logger),
		Coordinator: coordinator,
	}, Config{Workers: workers}, logger)

	return &harness{store: store, ledger: ledger, provider: provider, orch: orch}
}

func sourceDocs(n, pages int) []models.SourceDocument {
	docs := make([]models.SourceDocument, n)
	for i := range docs {
		id := fmt.Sprintf("parish-%02d", i)
		docs[i] = models.SourceDocument{ID: id, Path: "/sources/" + id + ".pdf", MediaType: "application/pdf", PageCount: pages}
	}
	return docs
}

func pending(t *testing.T, store *filesystem.WorkStore, docs []models.SourceDocument) []*models.WorkItem {
	t.Helper()
	items, err := store.PendingItems(context.Background(), docs, interfaces.PendingOptions{})
	require.NoError(t, err)
	return items
}

func TestRun_CleanRun(t *testing.T) {
	h := newHarness(t, t.TempDir(), newFakeProvider(nil), 0, 4)
	docs := sourceDocs(10, 2)

	summary, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 10, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Remaining)
	assert.Equal(t, 10, summary.Attempts)
	assert.InDelta(t, 10.0, summary.Cost, 1e-9)
	assert.False(t, summary.Interrupted)

	for _, d := range docs {
		assert.True(t, h.store.HasRecord(d.ID), d.ID)
	}
	failures, _ := h.store.Failures()
	incompletes, _ := h.store.Incompletes()
	assert.Empty(t, failures)
	assert.Empty(t, incompletes)
	assert.Empty(t, pending(t, h.store, docs))
}

func TestRun_BudgetExhaustion(t *testing.T) {
	h := newHarness(t, t.TempDir(), newFakeProvider(nil), 5, 2)
	docs := sourceDocs(10, 1)

	summary, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Succeeded)
	assert.Equal(t, 5, summary.NotAttemptedBudget)
	assert.Equal(t, 5, summary.Remaining)
	assert.True(t, summary.BudgetExhausted)
	assert.LessOrEqual(t, summary.Cost, 5.0+1e-9)
	assert.Equal(t, 5, h.provider.Total())

	assert.Len(t, pending(t, h.store, docs), 5)
	failures, _ := h.store.Failures()
	assert.Empty(t, failures)
}

func TestRun_TransientThenSuccess(t *testing.T) {
	provider := newFakeProvider(func(req *llm.Request, call int) (*llm.Response, error) {
		if call < 3 {
			return nil, llm.Transient(errors.New("529 overloaded"))
		}
		return answer(req, 0.9), nil
	})
	h := newHarness(t, t.TempDir(), provider, 0, 1)
	docs := sourceDocs(1, 1)

	summary, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
	require.NoError(t, err)

	assert.Equal(t, 3, provider.Calls(docs[0].ID))
	assert.Equal(t, 3, summary.Attempts)
	assert.Equal(t, 1, summary.Succeeded)
	assert.True(t, h.store.HasRecord(docs[0].ID))
	// failed calls reported no usage and were not charged
	assert.InDelta(t, 1.0, summary.Cost, 1e-9)
	assert.Len(t, h.ledger.Entries(), 1)
}

func TestRun_RetriesExhausted(t *testing.T) {
	provider := newFakeProvider(func(req *llm.Request, call int) (*llm.Response, error) {
		return nil, llm.Transient(errors.New("connection reset"))
	})
	h := newHarness(t, t.TempDir(), provider, 0, 1)
	docs := sourceDocs(1, 1)

	summary, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
	require.NoError(t, err)

	assert.Equal(t, 4, provider.Calls(docs[0].ID))
	assert.Equal(t, 1, summary.Failed)
	failures, err := h.store.Failures()
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, models.OutcomePermanentError, failures[0].Outcome)
	assert.Equal(t, 4, failures[0].Attempts)
	assert.Contains(t, failures[0].Reason, "retries exhausted")
}

func TestRun_PermanentErrorsGoToFailureLedger(t *testing.T) {
	provider := newFakeProvider(func(req *llm.Request, call int) (*llm.Response, error) {
		switch req.ItemID {
		case "parish-00":
			resp := answer(req, 0.9)
			resp.FinishReason = llm.FinishRefusal
			resp.RawReason = "refusal"
			return resp, nil
		case "parish-01":
			return nil, llm.Permanent(errors.New("400 invalid request"))
		case "parish-02":
			return &llm.Response{Text: "I cannot read this scan.", FinishReason: llm.FinishStop, Model: testModel}, nil
		}
		return answer(req, 0.9), nil
	})
	h := newHarness(t, t.TempDir(), provider, 0, 2)
	docs := sourceDocs(4, 1)

	summary, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 1, summary.Succeeded)
	for _, id := range []string{"parish-00", "parish-01", "parish-02"} {
		assert.Equal(t, 1, provider.Calls(id), "permanent errors are not retried")
		assert.False(t, h.store.HasRecord(id))
	}
	failures, _ := h.store.Failures()
	assert.Len(t, failures, 3)
}

func TestRun_ProblemItemsFailWithoutCalls(t *testing.T) {
	h := newHarness(t, t.TempDir(), newFakeProvider(nil), 0, 1)
	docs := sourceDocs(2, 1)
	docs[1].Problem = "unsupported media type text/plain"

	summary, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, h.provider.Calls(docs[1].ID))
}

func TestRun_IncompleteEscalation(t *testing.T) {
	provider := newFakeProvider(func(req *llm.Request, call int) (*llm.Response, error) {
		if req.Pages.Len() == 8 {
			return &llm.Response{Text: `{"metadata": {"title": "Vestry`, FinishReason: llm.FinishMaxTokens, Usage: llm.Usage{InputTokens: 1000, OutputTokens: 4096}, Model: testModel}, nil
		}
		return answer(req, 0.9), nil
	})
	h := newHarness(t, t.TempDir(), provider, 0, 1)
	docs := sourceDocs(1, 8)

	summary, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 3, provider.Calls(docs[0].ID))

	rec, err := h.store.ReadRecord(docs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.ChunkCount)
	assert.Equal(t, 8, rec.PageCount)
	assert.InDelta(t, 0.9, rec.Confidence.Score, 1e-9)
	first := strings.Index(rec.Transcription.Faithful, "[page 1]")
	last := strings.Index(rec.Transcription.Faithful, "[page 8]")
	assert.True(t, first >= 0 && last > first, "pages merged in order")
	assert.Contains(t, rec.Transcription.Faithful, chunking.Separator)
}

func TestRun_IncompleteEscalationWithFailedChunk(t *testing.T) {
	provider := newFakeProvider(func(req *llm.Request, call int) (*llm.Response, error) {
		switch {
		case req.Pages.Len() == 8:
			return &llm.Response{FinishReason: llm.FinishMaxTokens, Model: testModel}, nil
		case req.Pages.Start == 5:
			return nil, llm.Permanent(errors.New("400 could not process document"))
		}
		return answer(req, 0.9), nil
	})
	h := newHarness(t, t.TempDir(), provider, 0, 1)
	docs := sourceDocs(1, 8)

	_, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
	require.NoError(t, err)

	rec, err := h.store.ReadRecord(docs[0].ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.45, rec.Confidence.Score, 1e-9)
	assert.Contains(t, strings.Join(rec.Confidence.Concerns, "|"), "5-8")
	assert.NotContains(t, rec.Transcription.Faithful, "[page 5]")
}

func TestRun_IncompleteAtFloorFailsPermanently(t *testing.T) {
	provider := newFakeProvider(func(req *llm.Request, call int) (*llm.Response, error) {
		return &llm.Response{FinishReason: llm.FinishMaxTokens, Model: testModel}, nil
	})
	h := newHarness(t, t.TempDir(), provider, 0, 1)
	docs := sourceDocs(1, 1)

	summary, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Incomplete)
	assert.Equal(t, 1, provider.Calls(docs[0].ID))

	incompletes, _ := h.store.Incompletes()
	assert.Empty(t, incompletes)
	failures, _ := h.store.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, models.OutcomePermanentError, failures[0].Outcome)
	assert.Contains(t, failures[0].Reason, "finest chunking")

	// a later run does not pay for the same truncated call again
	assert.Empty(t, pending(t, h.store, docs))
}

func TestRun_ChunkedIncompleteEscalatesAcrossRunsThenFails(t *testing.T) {
	provider := newFakeProvider(func(req *llm.Request, call int) (*llm.Response, error) {
		return &llm.Response{FinishReason: llm.FinishMaxTokens, Model: testModel}, nil
	})
	h := newHarness(t, t.TempDir(), provider, 0, 1)
	docs := sourceDocs(1, 8)

	// 8 pages halve to 4, 2 and finally 1 page per chunk
	for level := 1; level <= 2; level++ {
		summary, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Incomplete, "level %d", level)

		next := pending(t, h.store, docs)
		require.Len(t, next, 1)
		assert.Equal(t, level+1, next[0].ChunkLevel)
	}

	summary, err := h.orch.Run(context.Background(), pending(t, h.store, docs))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	failures, _ := h.store.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, 3, failures[0].ChunkLevel)
	assert.Empty(t, pending(t, h.store, docs))
}

func TestRun_CancellationFinishesInFlight(t *testing.T) {
	started := make(chan string, 10)
	release := make(chan struct{})
	provider := newFakeProvider(func(req *llm.Request, call int) (*llm.Response, error) {
		started <- req.ItemID
		<-release
		return answer(req, 0.9), nil
	})
	h := newHarness(t, t.TempDir(), provider, 0, 2)
	docs := sourceDocs(10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		summary *models.RunSummary
		err     error
	}
	items := pending(t, h.store, docs)
	done := make(chan result, 1)
	go func() {
		s, err := h.orch.Run(ctx, items)
		done <- result{s, err}
	}()

	<-started
	<-started
	cancel()
	// give the feeder time to observe cancellation while both workers are busy
	time.Sleep(20 * time.Millisecond)
	close(release)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	require.NoError(t, res.err)

	assert.True(t, res.summary.Interrupted)
	assert.Equal(t, 2, res.summary.Succeeded)
	assert.Equal(t, 8, res.summary.Remaining)
	assert.Equal(t, 2, provider.Total())
	assert.Len(t, pending(t, h.store, docs), 8)
}

func TestRun_IdempotentResume(t *testing.T) {
	dir := t.TempDir()
	docs := sourceDocs(10, 1)

	first := newHarness(t, dir, newFakeProvider(nil), 4, 3)
	s1, err := first.orch.Run(context.Background(), pending(t, first.store, docs))
	require.NoError(t, err)
	assert.Equal(t, 4, s1.Succeeded)

	second := newHarness(t, dir, newFakeProvider(nil), 0, 3)
	s2, err := second.orch.Run(context.Background(), pending(t, second.store, docs))
	require.NoError(t, err)
	assert.Equal(t, 6, s2.Total)
	assert.Equal(t, 6, s2.Succeeded)

	for _, d := range docs {
		assert.Equal(t, 1, first.provider.Calls(d.ID)+second.provider.Calls(d.ID), d.ID)
	}

	// nothing left: a third run makes no calls and changes no ledger
	third := newHarness(t, dir, newFakeProvider(nil), 0, 3)
	s3, err := third.orch.Run(context.Background(), pending(t, third.store, docs))
	require.NoError(t, err)
	assert.Equal(t, 0, s3.Total)
	assert.Equal(t, 0, third.provider.Total())
	failures, _ := third.store.Failures()
	assert.Empty(t, failures)
}

func TestSummary_Live(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	provider := newFakeProvider(func(req *llm.Request, call int) (*llm.Response, error) {
		started <- struct{}{}
		<-release
		return answer(req, 0.9), nil
	})
	h := newHarness(t, t.TempDir(), provider, 0, 1)
	docs := sourceDocs(1, 1)

	items := pending(t, h.store, docs)
	done := make(chan struct{})
	go func() {
		_, _ = h.orch.Run(context.Background(), items)
		close(done)
	}()

	<-started
	live := h.orch.Summary()
	assert.Equal(t, 1, live.Total)
	assert.Equal(t, 1, live.InFlight)
	assert.Equal(t, 1, live.Remaining)

	close(release)
	<-done
	final := h.orch.Summary()
	assert.Equal(t, 0, final.InFlight)
	assert.Equal(t, 1, final.Succeeded)
}
