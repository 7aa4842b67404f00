package models

import "time"

// DocumentTypes lists the values accepted for RecordMetadata.DocumentType
var DocumentTypes = []string{
	"letter", "diary", "report", "certificate", "newspaper",
	"form", "ledger", "photograph", "map", "manuscript", "other",
}

// RecordMetadata holds the descriptive fields extracted from a document
type RecordMetadata struct {
	Title        string   `json:"title" validate:"required"`
	DocumentType string   `json:"document_type" validate:"required,oneof=letter diary report certificate newspaper form ledger photograph map manuscript other"`
	Date         string   `json:"date,omitempty" validate:"omitempty,calendar_date"`
	Language     string   `json:"language,omitempty" validate:"omitempty,min=2,max=8"`
	People       []string `json:"people" validate:"dive,required"`
	Places       []string `json:"places" validate:"dive,required"`
	Keywords     []string `json:"keywords" validate:"dive,required"`
	Summary      string   `json:"summary,omitempty"`
}

// Transcription holds the faithful and cleaned renditions of the document text
type Transcription struct {
	Faithful string `json:"faithful" validate:"required"`
	Cleaned  string `json:"cleaned"`
}

// Confidence is the self-reported or derived quality score for a transcription
type Confidence struct {
	Score    float64  `json:"score" validate:"gte=0,lte=1"`
	Concerns []string `json:"concerns"`
}

// Record is the validated structured output for one WorkItem.
// A well-formed record on disk is the sole signal that an item is done.
type Record struct {
	ID            string         `json:"id" validate:"required"`
	Source        string         `json:"source"`
	PageCount     int            `json:"page_count" validate:"gte=1"`
	Metadata      RecordMetadata `json:"metadata"`
	Transcription Transcription  `json:"transcription"`
	Confidence    Confidence     `json:"confidence"`
	Provider      string         `json:"provider"`
	Model         string         `json:"model"`
	ChunkCount    int            `json:"chunk_count"`
	Repaired      bool           `json:"repaired,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ChunkStatus is the state of a single chunk within a chunked item
type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusDone       ChunkStatus = "done"
	ChunkStatusIncomplete ChunkStatus = "incomplete"
	ChunkStatusFailed     ChunkStatus = "failed"
)

// ChunkResult is the validated output for one page range of a chunked item
type ChunkResult struct {
	Index         int            `json:"index"`
	Pages         PageRange      `json:"pages"`
	Metadata      RecordMetadata `json:"metadata"`
	Transcription Transcription  `json:"transcription"`
	Confidence    Confidence     `json:"confidence"`
	Status        ChunkStatus    `json:"status"`
	Repaired      bool           `json:"repaired,omitempty"`
	Provider      string         `json:"provider"`
	Model         string         `json:"model"`
}
