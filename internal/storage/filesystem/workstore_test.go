package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
)

func newTestStore(t *testing.T, dir string) *WorkStore {
	t.Helper()
	store, err := NewWorkStore(common.OutputConfig{Dir: dir}, arbor.NewLogger())
	require.NoError(t, err)
	return store
}

func testRecord(id string) *models.Record {
	return &models.Record{
		ID:        id,
		Source:    id + ".pdf",
		PageCount: 2,
		Metadata: models.RecordMetadata{
			Title:        "Letter to the parish council",
			DocumentType: "letter",
			People:       []string{},
			Places:       []string{},
			Keywords:     []string{},
		},
		Transcription: models.Transcription{Faithful: "Dear Sirs,", Cleaned: "Dear Sirs,"},
		Confidence:    models.Confidence{Score: 0.9, Concerns: []string{}},
		CreatedAt:     time.Now().UTC(),
	}
}

func testSources(n int) []models.SourceDocument {
	docs := make([]models.SourceDocument, n)
	for i := range docs {
		id := fmt.Sprintf("doc-%02d", i)
		docs[i] = models.SourceDocument{ID: id, Path: id + ".pdf", MediaType: "application/pdf", PageCount: 3}
	}
	return docs
}

func TestWriteRecord_OnceOnly(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.WriteRecord(ctx, testRecord("doc-01")))
	assert.True(t, store.HasRecord("doc-01"))

	err := store.WriteRecord(ctx, testRecord("doc-01"))
	assert.ErrorIs(t, err, ErrRecordExists)

	rec, err := store.ReadRecord("doc-01")
	require.NoError(t, err)
	assert.Equal(t, "Letter to the parish council", rec.Metadata.Title)
}

func TestWriteRecord_ConcurrentSameItem(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WriteRecord(ctx, testRecord("doc-07"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrRecordExists) {
				losses++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, losses)
}

func TestWriteRecord_CrashBeforeRenameLeavesNoRecord(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	crash := errors.New("simulated crash")

	var tmpSeen string
	store.beforeRename = func(tmpPath, dest string) error {
		tmpSeen = tmpPath
		_, err := os.Stat(tmpPath)
		require.NoError(t, err)
		_, err = os.Stat(dest)
		assert.True(t, os.IsNotExist(err), "record must not be visible before commit")
		return crash
	}

	err := store.WriteRecord(context.Background(), testRecord("doc-03"))
	require.ErrorIs(t, err, crash)
	assert.False(t, store.HasRecord("doc-03"))
	assert.NoFileExists(t, filepath.Join(dir, "doc-03.json"))
	assert.NoFileExists(t, tmpSeen)

	pending, err := store.PendingItems(context.Background(), testSources(4), interfaces.PendingOptions{})
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestNewWorkStore_SweepsTempFiles(t *testing.T) {
	dir := t.TempDir()
	stray := filepath.Join(dir, ".tmp-doc-02.json-123456")
	require.NoError(t, os.WriteFile(stray, []byte(`{"id":"doc-`), 0o644))
	batchStray := filepath.Join(dir, "_batches", ".tmp-msgbatch_1.json-9")
	require.NoError(t, os.MkdirAll(filepath.Dir(batchStray), 0o755))
	require.NoError(t, os.WriteFile(batchStray, []byte(`{`), 0o644))

	store := newTestStore(t, dir)

	assert.NoFileExists(t, stray)
	assert.NoFileExists(t, batchStray)
	assert.False(t, store.HasRecord("doc-02"))
}

func TestMalformedRecordIsNotDone(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc-00.json"), []byte(`{"id": "doc-00", "metad`), 0o644))

	assert.False(t, store.HasRecord("doc-00"))

	pending, err := store.PendingItems(context.Background(), testSources(1), interfaces.PendingOptions{})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.WriteRecord(context.Background(), testRecord("doc-00")))
	assert.True(t, store.HasRecord("doc-00"))

	matches, err := filepath.Glob(filepath.Join(dir, "doc-00.json.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestPendingItems_ResumeSkipsDoneAndFailed(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()
	sources := testSources(5)

	require.NoError(t, store.WriteRecord(ctx, testRecord("doc-00")))
	require.NoError(t, store.WriteRecord(ctx, testRecord("doc-01")))
	require.NoError(t, store.RecordFailure(ctx, models.LedgerEntry{
		ID: "doc-02", Reason: "unsupported media", Outcome: models.OutcomePermanentError, Attempts: 1,
	}))

	pending, err := store.PendingItems(ctx, sources, interfaces.PendingOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-03", "doc-04"}, itemIDs(pending))

	retry, err := store.PendingItems(ctx, sources, interfaces.PendingOptions{RetryFailed: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-02", "doc-03", "doc-04"}, itemIDs(retry))

	excluded, err := store.PendingItems(ctx, sources, interfaces.PendingOptions{Exclude: map[string]bool{"doc-04": true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-03"}, itemIDs(excluded))
}

func TestPendingItems_TransientFailureIsRetried(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.RecordFailure(ctx, models.LedgerEntry{
		ID: "doc-00", Reason: "batch request expired", Outcome: models.OutcomeTransientError, BatchID: "msgbatch_01",
	}))

	pending, err := store.PendingItems(ctx, testSources(1), interfaces.PendingOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-00"}, itemIDs(pending))
}

func TestPendingItems_IncompleteEscalatesChunkLevel(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.RecordIncomplete(ctx, models.LedgerEntry{
		ID: "doc-01", Reason: "output truncated", Outcome: models.OutcomeIncomplete, ChunkLevel: 1,
	}))

	pending, err := store.PendingItems(ctx, testSources(2), interfaces.PendingOptions{})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 0, pending[0].ChunkLevel)
	assert.Equal(t, 2, pending[1].ChunkLevel)
}

func TestPendingItems_LatestOutcomeWins(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()
	earlier := time.Now().Add(-time.Hour).UTC()

	require.NoError(t, store.RecordFailure(ctx, models.LedgerEntry{
		ID: "doc-00", Reason: "refused", Outcome: models.OutcomePermanentError, Timestamp: earlier,
	}))
	require.NoError(t, store.RecordIncomplete(ctx, models.LedgerEntry{
		ID: "doc-00", Reason: "cleaned text empty", Outcome: models.OutcomeIncomplete, Timestamp: earlier.Add(time.Minute),
	}))

	pending, err := store.PendingItems(ctx, testSources(1), interfaces.PendingOptions{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].ChunkLevel)
}

func TestLedger_ConcurrentAppends(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.RecordFailure(ctx, models.LedgerEntry{
				ID:      fmt.Sprintf("doc-%02d", i),
				Reason:  strings.Repeat("x", 512),
				Outcome: models.OutcomePermanentError,
			}))
		}(i)
	}
	wg.Wait()

	entries, err := store.Failures()
	require.NoError(t, err)
	assert.Len(t, entries, 50)
}

func TestLedger_TornLineSkipped(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	ctx := context.Background()

	require.NoError(t, store.RecordIncomplete(ctx, models.LedgerEntry{ID: "doc-00", Reason: "short", Outcome: models.OutcomeIncomplete}))
	f, err := os.OpenFile(filepath.Join(dir, "_incomplete.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"doc-01","rea`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := store.Incompletes()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc-00", entries[0].ID)
}

func TestBatchJobs_SaveLoadListOutstanding(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()
	now := time.Now().UTC()

	first := &models.BatchJob{
		ID: "msgbatch_a", Provider: "claude", Status: models.BatchStatusInProgress,
		CorrelationIDs: map[string]string{"c0": "doc-00", "c1": "doc-01"},
		SubmittedAt:    now.Add(-time.Minute),
	}
	second := &models.BatchJob{
		ID: "msgbatch_b", Provider: "claude", Status: models.BatchStatusCompleted,
		CorrelationIDs: map[string]string{"c0": "doc-02"},
		SubmittedAt:    now, Consumed: true,
	}
	require.NoError(t, store.SaveBatchJob(ctx, second))
	require.NoError(t, store.SaveBatchJob(ctx, first))

	first.Status = models.BatchStatusCompleted
	require.NoError(t, store.SaveBatchJob(ctx, first))

	loaded, err := store.LoadBatchJob("msgbatch_a")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, loaded.Status)

	jobs, err := store.ListBatchJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "msgbatch_a", jobs[0].ID)

	owned, err := store.OutstandingItemIDs()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"doc-00": true, "doc-01": true}, owned)

	path, err := store.WriteManifest("msgbatch_a", []any{map[string]string{"custom_id": "c0"}, map[string]string{"custom_id": "c1"}})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestInvalidIDsRejected(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	for _, id := range []string{"", "..", "a/b", `a\b`, ".tmp-x"} {
		err := store.WriteRecord(context.Background(), testRecord(id))
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func itemIDs(items []*models.WorkItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
