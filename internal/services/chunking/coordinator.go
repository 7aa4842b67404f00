package chunking

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/models"
)

// Separator joins chunk transcriptions in the merged record. Chunk texts keep their
// page order, so the merge is the ordered concatenation with a paragraph break between parts.
const Separator = "\n\n"

// Config controls how documents are split
type Config struct {
	PageThreshold    int
	PagesPerChunk    int
	MinPagesPerChunk int
	MaxChunkRetries  int
}

// ChunkRequest is one page range of an item to transcribe
type ChunkRequest struct {
	Index int
	Total int
	Pages models.PageRange
	Retry int // 0 for the first dispatch of this range
}

// ChunkOutcome is the executor's verdict for one chunk after its own transient retries
type ChunkOutcome struct {
	Result   *models.ChunkResult
	Outcome  models.AttemptOutcome
	Reason   string
	Attempts int
}

// ChunkExecutor performs a single chunk request end to end
type ChunkExecutor interface {
	ExecuteChunk(ctx context.Context, item *models.WorkItem, req ChunkRequest) ChunkOutcome
}

// Report describes how the chunks of one item fared
type Report struct {
	Chunks     int
	Succeeded  int
	Failed     []models.PageRange
	Incomplete []models.PageRange
	Attempts   int
	Reasons    []string
	// Aborted is set to OutcomeBudgetExhausted or OutcomeCancelled when dispatch stopped early
	Aborted models.AttemptOutcome
}

// Missing returns every range that produced no usable result
func (r Report) Missing() []models.PageRange {
	out := make([]models.PageRange, 0, len(r.Failed)+len(r.Incomplete))
	out = append(out, r.Failed...)
	out = append(out, r.Incomplete...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Coordinator decides when to split, dispatches chunk requests and merges the results
type Coordinator struct {
	config Config
	logger arbor.ILogger
}

// NewCoordinator creates a chunk coordinator
func NewCoordinator(config Config, logger arbor.ILogger) *Coordinator {
	if config.PagesPerChunk < 1 {
		config.PagesPerChunk = 1
	}
	if config.MinPagesPerChunk < 1 {
		config.MinPagesPerChunk = 1
	}
	return &Coordinator{config: config, logger: logger}
}

// NeedsChunking reports whether a document exceeds the page threshold
func (c *Coordinator) NeedsChunking(pageCount int) bool {
	return pageCount > c.config.PageThreshold
}

// chunkSize is the pages per request at an escalation level. Each level halves the size
// down to the configured floor.
func (c *Coordinator) chunkSize(pageCount, level int) int {
	if pageCount < 1 {
		pageCount = 1
	}
	size := pageCount
	if c.NeedsChunking(pageCount) && c.config.PagesPerChunk < size {
		size = c.config.PagesPerChunk
	}
	for i := 0; i < level; i++ {
		size = (size + 1) / 2
	}
	if size < c.config.MinPagesPerChunk {
		size = c.config.MinPagesPerChunk
	}
	if size > pageCount {
		size = pageCount
	}
	return size
}

// Plan returns contiguous page ranges covering the document at an escalation level
func (c *Coordinator) Plan(pageCount, level int) []models.PageRange {
	if pageCount < 1 {
		pageCount = 1
	}
	size := c.chunkSize(pageCount, level)

	ranges := make([]models.PageRange, 0, (pageCount+size-1)/size)
	for start := 1; start <= pageCount; start += size {
		end := start + size - 1
		if end > pageCount {
			end = pageCount
		}
		ranges = append(ranges, models.PageRange{Start: start, End: end})
	}
	return ranges
}

// CanEscalate reports whether the next level would produce smaller chunks
func (c *Coordinator) CanEscalate(pageCount, level int) bool {
	return c.chunkSize(pageCount, level+1) < c.chunkSize(pageCount, level)
}

// Execute dispatches every range in order, retrying an incomplete chunk up to
// MaxChunkRetries times, and merges what succeeded. The record is nil when no chunk
// succeeded or dispatch was aborted.
func (c *Coordinator) Execute(ctx context.Context, item *models.WorkItem, ranges []models.PageRange, exec ChunkExecutor) (*models.Record, Report) {
	report := Report{Chunks: len(ranges)}
	results := make([]models.ChunkResult, 0, len(ranges))

	for i, pr := range ranges {
		req := ChunkRequest{Index: i, Total: len(ranges), Pages: pr}

		for {
			out := exec.ExecuteChunk(ctx, item, req)
			report.Attempts += out.Attempts

			switch out.Outcome {
			case models.OutcomeSuccess:
				results = append(results, *out.Result)
				report.Succeeded++
			case models.OutcomeIncomplete:
				if req.Retry < c.config.MaxChunkRetries {
					req.Retry++
					c.logger.Debug().
						Str("item_id", item.ID).
						Str("pages", pr.String()).
						Int("retry", req.Retry).
						Msg("Retrying incomplete chunk")
					continue
				}
				report.Incomplete = append(report.Incomplete, pr)
				report.Reasons = append(report.Reasons, fmt.Sprintf("pages %s: %s", pr, out.Reason))
			case models.OutcomeBudgetExhausted, models.OutcomeCancelled:
				report.Aborted = out.Outcome
				return nil, report
			default:
				report.Failed = append(report.Failed, pr)
				report.Reasons = append(report.Reasons, fmt.Sprintf("pages %s: %s", pr, out.Reason))
			}
			break
		}
	}

	if len(results) == 0 {
		return nil, report
	}
	return c.Merge(item, results, report.Missing()), report
}

// Merge reassembles chunk results into one record in page order. Missing ranges lower
// the confidence by the fraction of pages they cover.
func (c *Coordinator) Merge(item *models.WorkItem, chunks []models.ChunkResult, missing []models.PageRange) *models.Record {
	ordered := make([]models.ChunkResult, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Pages.Start < ordered[j].Pages.Start })

	rec := &models.Record{
		ID:         item.ID,
		Source:     filepath.Base(item.SourcePath),
		PageCount:  item.PageCount,
		ChunkCount: len(ordered) + len(missing),
		CreatedAt:  time.Now().UTC(),
	}

	faithful := make([]string, 0, len(ordered))
	cleaned := make([]string, 0, len(ordered))
	people, places, keywords := newOrderedSet(), newOrderedSet(), newOrderedSet()
	concerns := newOrderedSet()
	score := 1.0

	for i, ch := range ordered {
		faithful = append(faithful, ch.Transcription.Faithful)
		cleaned = append(cleaned, ch.Transcription.Cleaned)

		m := ch.Metadata
		if rec.Metadata.Title == "" {
			rec.Metadata.Title = m.Title
		}
		if rec.Metadata.DocumentType == "" || rec.Metadata.DocumentType == "other" {
			if m.DocumentType != "" {
				rec.Metadata.DocumentType = m.DocumentType
			}
		}
		if rec.Metadata.Date == "" {
			rec.Metadata.Date = m.Date
		}
		if rec.Metadata.Language == "" {
			rec.Metadata.Language = m.Language
		}
		if rec.Metadata.Summary == "" {
			rec.Metadata.Summary = m.Summary
		}
		people.add(m.People...)
		places.add(m.Places...)
		keywords.add(m.Keywords...)
		concerns.add(ch.Confidence.Concerns...)

		if i == 0 || ch.Confidence.Score < score {
			score = ch.Confidence.Score
		}
		if ch.Repaired {
			rec.Repaired = true
		}
		if rec.Provider == "" {
			rec.Provider = ch.Provider
			rec.Model = ch.Model
		}
	}

	if len(missing) > 0 && item.PageCount > 0 {
		uncovered := 0
		labels := make([]string, 0, len(missing))
		for _, pr := range missing {
			uncovered += pr.Len()
			labels = append(labels, pr.String())
		}
		coverage := float64(item.PageCount-uncovered) / float64(item.PageCount)
		if coverage < 0 {
			coverage = 0
		}
		score *= coverage
		concerns.add(fmt.Sprintf("partial coverage: pages %s not transcribed", strings.Join(labels, ", ")))
	}

	rec.Transcription.Faithful = strings.Join(faithful, Separator)
	rec.Transcription.Cleaned = strings.Join(cleaned, Separator)
	rec.Metadata.People = people.values()
	rec.Metadata.Places = places.values()
	rec.Metadata.Keywords = keywords.values()
	rec.Confidence = models.Confidence{Score: score, Concerns: concerns.values()}

	return rec
}

// orderedSet deduplicates case-insensitively while keeping first-seen spelling and order
type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]struct{}{}, items: []string{}}
}

func (s *orderedSet) add(values ...string) {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		s.items = append(s.items, v)
	}
}

func (s *orderedSet) values() []string {
	return s.items
}
