// -----------------------------------------------------------------------
// WorkStore - durable record output, outcome ledgers and batch metadata
// on the local filesystem
// -----------------------------------------------------------------------

package filesystem

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
)

const (
	tempPrefix     = ".tmp-"
	recordExt      = ".json"
	manifestExt    = ".manifest.jsonl"
	corruptSuffix  = ".corrupt"
	maxLedgerLine  = 4 * 1024 * 1024
	filePermission = 0o644
	dirPermission  = 0o755
)

var (
	// ErrRecordExists is returned when a record for the item has already been committed
	ErrRecordExists = errors.New("record already exists")
	// ErrInvalidID is returned for ids that cannot be mapped to a file inside the output directory
	ErrInvalidID = errors.New("invalid id")
)

// WorkStore persists one JSON record per item and append-only outcome ledgers.
// A well-formed record file is the only signal that an item is done.
type WorkStore struct {
	dir            string
	batchDir       string
	failuresPath   string
	incompletePath string
	logger         arbor.ILogger

	ledgerMu sync.Mutex
	recordMu sync.Mutex

	// beforeRename runs between the temp file being synced and it becoming visible.
	// Tests use it to simulate a crash mid-write.
	beforeRename func(tmpPath, dest string) error
}

var _ interfaces.WorkStore = (*WorkStore)(nil)

// NewWorkStore opens the output directory, creating it if needed, and removes temp
// files left behind by an interrupted write.
func NewWorkStore(cfg common.OutputConfig, logger arbor.ILogger) (*WorkStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	s := &WorkStore{
		dir:            cfg.Dir,
		batchDir:       filepath.Join(cfg.Dir, orDefault(cfg.BatchDir, "_batches")),
		failuresPath:   filepath.Join(cfg.Dir, orDefault(cfg.FailuresFile, "_failures.jsonl")),
		incompletePath: filepath.Join(cfg.Dir, orDefault(cfg.IncompleteFile, "_incomplete.jsonl")),
		logger:         logger,
	}
	for _, dir := range []string{s.dir, s.batchDir} {
		if err := os.MkdirAll(dir, dirPermission); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	swept := 0
	for _, dir := range []string{s.dir, s.batchDir} {
		n, err := sweepTemp(dir)
		if err != nil {
			return nil, err
		}
		swept += n
	}
	if swept > 0 {
		logger.Warn().Int("files", swept).Str("dir", s.dir).Msg("Removed temp files from an interrupted write")
	}
	return s, nil
}

// Dir returns the record output directory
func (s *WorkStore) Dir() string {
	return s.dir
}

func (s *WorkStore) recordPath(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, id+recordExt), nil
}

// HasRecord reports whether a well-formed record exists for the item
func (s *WorkStore) HasRecord(id string) bool {
	_, err := s.ReadRecord(id)
	return err == nil
}

// ReadRecord loads a committed record. A file that does not decode, or decodes to a
// different id, is reported as an error and does not count as done.
func (s *WorkStore) ReadRecord(id string) (*models.Record, error) {
	path, err := s.recordPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec models.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed record %s: %w", id, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("malformed record %s: id mismatch %q", id, rec.ID)
	}
	return &rec, nil
}

// WriteRecord commits the record for its item. The file becomes visible in one step and
// never overwrites a well-formed record, so a concurrent or repeated commit of the same
// item returns ErrRecordExists.
func (s *WorkStore) WriteRecord(ctx context.Context, rec *models.Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	dest, err := s.recordPath(rec.ID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}
	data = append(data, '\n')

	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	if _, statErr := os.Stat(dest); statErr == nil {
		if s.HasRecord(rec.ID) {
			return ErrRecordExists
		}
		aside := fmt.Sprintf("%s%s-%d", dest, corruptSuffix, time.Now().UnixNano())
		if err := os.Rename(dest, aside); err != nil {
			return fmt.Errorf("failed to move malformed record aside: %w", err)
		}
		s.logger.Warn().Str("item_id", rec.ID).Str("moved_to", aside).Msg("Malformed record moved aside")
	}

	if err := s.writeAtomic(dest, data, false); err != nil {
		return err
	}
	s.logger.Debug().Str("item_id", rec.ID).Str("path", dest).Msg("Record committed")
	return nil
}

// writeAtomic writes data to a temp file in the destination directory, syncs it, then
// makes it visible under dest. Without overwrite the final step is a hard link, which
// fails if dest already exists.
func (s *WorkStore) writeAtomic(dest string, data []byte, overwrite bool) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, tempPrefix+filepath.Base(dest)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	_ = os.Chmod(tmpPath, filePermission)
	bw := bufio.NewWriter(tmp)
	if _, err := bw.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath, dest); err != nil {
			cleanup()
			return err
		}
	}

	if overwrite {
		if err := os.Rename(tmpPath, dest); err != nil {
			cleanup()
			return err
		}
	} else {
		err := os.Link(tmpPath, dest)
		cleanup()
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return ErrRecordExists
			}
			return fmt.Errorf("failed to commit %s: %w", filepath.Base(dest), err)
		}
	}
	_ = syncDir(dir)
	return nil
}

// RecordFailure appends an entry to the failure ledger
func (s *WorkStore) RecordFailure(ctx context.Context, entry models.LedgerEntry) error {
	return s.appendLedger(ctx, s.failuresPath, entry)
}

// RecordIncomplete appends an entry to the incomplete ledger
func (s *WorkStore) RecordIncomplete(ctx context.Context, entry models.LedgerEntry) error {
	return s.appendLedger(ctx, s.incompletePath, entry)
}

// Failures returns every failure ledger entry in append order
func (s *WorkStore) Failures() ([]models.LedgerEntry, error) {
	return s.readLedger(s.failuresPath)
}

// Incompletes returns every incomplete ledger entry in append order
func (s *WorkStore) Incompletes() ([]models.LedgerEntry, error) {
	return s.readLedger(s.incompletePath)
}

func (s *WorkStore) appendLedger(ctx context.Context, path string, entry models.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePermission)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return f.Sync()
}

func (s *WorkStore) readLedger(path string) ([]models.LedgerEntry, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []models.LedgerEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLedgerLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry models.LedgerEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A torn final line from a crash mid-append is skipped
			s.logger.Warn().Str("ledger", filepath.Base(path)).Int("line", lineNo).Msg("Skipping unreadable ledger line")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// PendingItems returns the sources that still need work: no well-formed record, not
// owned by an outstanding batch and not failed (unless retrying failures). Items whose
// latest outcome was incomplete come back one chunking level finer.
func (s *WorkStore) PendingItems(ctx context.Context, sources []models.SourceDocument, opts interfaces.PendingOptions) ([]*models.WorkItem, error) {
	latest, err := s.latestOutcomes()
	if err != nil {
		return nil, err
	}

	items := make([]*models.WorkItem, 0, len(sources))
	for _, doc := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.Exclude[doc.ID] {
			continue
		}
		if s.HasRecord(doc.ID) {
			continue
		}
		item := models.NewWorkItem(doc)
		if last, ok := latest[doc.ID]; ok {
			switch last.status {
			case models.WorkStatusFailed:
				// transient failures, such as expired batch requests, are retried freely
				if !opts.RetryFailed && last.entry.Outcome != models.OutcomeTransientError {
					continue
				}
			case models.WorkStatusIncomplete:
				item.ChunkLevel = last.entry.ChunkLevel + 1
			}
		}
		items = append(items, item)
	}
	return items, nil
}

type ledgerOutcome struct {
	status models.WorkStatus
	entry  models.LedgerEntry
}

func (s *WorkStore) latestOutcomes() (map[string]ledgerOutcome, error) {
	failures, err := s.Failures()
	if err != nil {
		return nil, fmt.Errorf("failed to read failure ledger: %w", err)
	}
	incompletes, err := s.Incompletes()
	if err != nil {
		return nil, fmt.Errorf("failed to read incomplete ledger: %w", err)
	}

	latest := make(map[string]ledgerOutcome, len(failures)+len(incompletes))
	merge := func(entries []models.LedgerEntry, status models.WorkStatus) {
		for _, e := range entries {
			if cur, ok := latest[e.ID]; ok && cur.entry.Timestamp.After(e.Timestamp) {
				continue
			}
			latest[e.ID] = ledgerOutcome{status: status, entry: e}
		}
	}
	merge(failures, models.WorkStatusFailed)
	merge(incompletes, models.WorkStatusIncomplete)
	return latest, nil
}

// SaveBatchJob writes or replaces the metadata for a batch job
func (s *WorkStore) SaveBatchJob(ctx context.Context, job *models.BatchJob) error {
	if job == nil {
		return fmt.Errorf("nil batch job")
	}
	if err := checkID(job.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	return s.writeAtomic(filepath.Join(s.batchDir, job.ID+recordExt), append(data, '\n'), true)
}

// LoadBatchJob reads the metadata for a batch job
func (s *WorkStore) LoadBatchJob(id string) (*models.BatchJob, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.batchDir, id+recordExt))
	if err != nil {
		return nil, err
	}
	var job models.BatchJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("malformed batch job %s: %w", id, err)
	}
	return &job, nil
}

// ListBatchJobs returns every known batch job, oldest submission first
func (s *WorkStore) ListBatchJobs() ([]*models.BatchJob, error) {
	entries, err := os.ReadDir(s.batchDir)
	if err != nil {
		return nil, err
	}
	jobs := make([]*models.BatchJob, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, recordExt) {
			continue
		}
		job, err := s.LoadBatchJob(strings.TrimSuffix(name, recordExt))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable batch job")
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return jobs, nil
}

// OutstandingItemIDs returns the items owned by batch jobs whose results have not been
// reconciled yet
func (s *WorkStore) OutstandingItemIDs() (map[string]bool, error) {
	jobs, err := s.ListBatchJobs()
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool)
	for _, job := range jobs {
		if !job.IsOutstanding() {
			continue
		}
		for _, id := range job.ItemIDs() {
			owned[id] = true
		}
	}
	return owned, nil
}

// WriteManifest records the request lines of a batch submission and returns its path
func (s *WorkStore) WriteManifest(ref string, lines []any) (string, error) {
	if err := checkID(ref); err != nil {
		return "", err
	}
	var buf strings.Builder
	for _, line := range lines {
		b, err := json.Marshal(line)
		if err != nil {
			return "", err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	path := filepath.Join(s.batchDir, ref+manifestExt)
	if err := s.writeAtomic(path, []byte(buf.String()), true); err != nil {
		return "", err
	}
	return path, nil
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, tempPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func sweepTemp(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
