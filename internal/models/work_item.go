package models

import "fmt"

// WorkStatus is the lifecycle state of a WorkItem within a run
type WorkStatus string

const (
	WorkStatusPending    WorkStatus = "pending"
	WorkStatusInProgress WorkStatus = "in_progress"
	WorkStatusDone       WorkStatus = "done"
	WorkStatusFailed     WorkStatus = "failed"
	WorkStatusIncomplete WorkStatus = "incomplete"
)

// IsTerminal reports whether the status ends processing of an item for the current run.
// Incomplete items are terminal for this run but eligible again on the next one.
func (s WorkStatus) IsTerminal() bool {
	return s == WorkStatusDone || s == WorkStatusFailed || s == WorkStatusIncomplete
}

// SourceDocument is one addressable input document discovered by the source store
type SourceDocument struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	MediaType string `json:"media_type"`
	PageCount int    `json:"page_count"`
	SizeBytes int64  `json:"size_bytes"`
	Problem   string `json:"problem,omitempty"` // set when the file was found but cannot be transcribed
}

// WorkItem is a single source document awaiting transcription
type WorkItem struct {
	ID         string     `json:"id"`
	SourcePath string     `json:"source_path"`
	MediaType  string     `json:"media_type"`
	PageCount  int        `json:"page_count"`
	Status     WorkStatus `json:"status"`
	ChunkLevel int        `json:"chunk_level"` // escalation level carried over from a previous incomplete run
	Problem    string     `json:"problem,omitempty"`
}

// NewWorkItem builds a pending item from a source document
func NewWorkItem(doc SourceDocument) *WorkItem {
	return &WorkItem{
		ID:         doc.ID,
		SourcePath: doc.Path,
		MediaType:  doc.MediaType,
		PageCount:  doc.PageCount,
		Status:     WorkStatusPending,
		Problem:    doc.Problem,
	}
}

// PageRange is an inclusive, 1-based range of pages
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of pages in the range
func (r PageRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// String renders the range in the form pdfcpu page selections use ("3-5" or "7")
func (r PageRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// FullRange returns the range covering every page of a document
func FullRange(pageCount int) PageRange {
	if pageCount < 1 {
		pageCount = 1
	}
	return PageRange{Start: 1, End: pageCount}
}
