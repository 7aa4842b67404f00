package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ternarybob/vellum/internal/models"
)

// Shape identifies which known layout a response object uses
type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapeCanonical: {"metadata": {...}, "transcription": {"faithful", "cleaned"}, "confidence": {...}}
	ShapeCanonical
	// ShapeSplitText: metadata object with top-level faithful_transcription / cleaned_transcription
	ShapeSplitText
	// ShapeFlat: every field at the top level (title, document_type, faithful_text, ...)
	ShapeFlat
)

func (s Shape) String() string {
	switch s {
	case ShapeCanonical:
		return "canonical"
	case ShapeSplitText:
		return "split_text"
	case ShapeFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// ErrUnrepairable is returned by Repair for shapes it does not recognise
var ErrUnrepairable = errors.New("validation: unrecognised response shape")

// Payload is the canonical content of a response before it becomes a Record
type Payload struct {
	Metadata      models.RecordMetadata `json:"metadata"`
	Transcription models.Transcription  `json:"transcription"`
	Confidence    *models.Confidence    `json:"-" validate:"-"`
	Notes         []string              `json:"-" validate:"-"` // repair notes surfaced as concerns
}

var (
	faithfulKeys = []string{"faithful_transcription", "faithful_text", "faithful", "text", "transcription"}
	cleanedKeys  = []string{"cleaned_transcription", "cleaned_text", "cleaned", "clean_text"}
)

// DetectShape classifies a JSON object
func DetectShape(body []byte) Shape {
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return ShapeUnknown
	}

	hasMetadata := root.Get("metadata").IsObject()
	if hasMetadata && root.Get("transcription").IsObject() {
		return ShapeCanonical
	}
	if hasMetadata && firstString(root, faithfulKeys).Exists() {
		return ShapeSplitText
	}
	if (root.Get("title").Exists() || root.Get("document_type").Exists()) && firstString(root, faithfulKeys).Exists() {
		return ShapeFlat
	}
	return ShapeUnknown
}

// decodeStrict decodes a canonical object without any coercion
func decodeStrict(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	p.Confidence = extractConfidence(gjson.ParseBytes(body))
	return &p, nil
}

// Repair maps any recognised shape onto the canonical payload with deterministic
// coercions: null lists become empty, comma-separated strings become lists, and the
// case and layout of document types and dates are normalised. Values are never
// invented; one still outside the contract is left for Check to reject. Unknown shapes
// are never guessed at.
func Repair(shape Shape, body []byte) (*Payload, error) {
	root := gjson.ParseBytes(body)

	var meta, text gjson.Result
	switch shape {
	case ShapeCanonical:
		meta, text = root.Get("metadata"), root.Get("transcription")
	case ShapeSplitText:
		meta, text = root.Get("metadata"), root
	case ShapeFlat:
		meta, text = root, root
	default:
		return nil, ErrUnrepairable
	}

	p := &Payload{
		Metadata: models.RecordMetadata{
			Title:    strings.TrimSpace(meta.Get("title").String()),
			Language: strings.ToLower(strings.TrimSpace(meta.Get("language").String())),
			People:   stringList(meta.Get("people")),
			Places:   stringList(meta.Get("places")),
			Keywords: stringList(meta.Get("keywords")),
			Summary:  strings.TrimSpace(meta.Get("summary").String()),
		},
		Transcription: models.Transcription{
			Faithful: firstString(text, faithfulKeys).String(),
			Cleaned:  firstString(text, cleanedKeys).String(),
		},
		Confidence: extractConfidence(root),
	}

	docType := meta.Get("document_type")
	if !docType.Exists() {
		docType = meta.Get("type")
	}
	p.Metadata.DocumentType = normaliseDocumentType(docType.String())
	if raw := docType.String(); strings.TrimSpace(raw) != p.Metadata.DocumentType {
		p.Notes = append(p.Notes, fmt.Sprintf("document_type %q normalised to %q", raw, p.Metadata.DocumentType))
	}
	rawDate := strings.TrimSpace(meta.Get("date").String())
	p.Metadata.Date = normaliseDate(rawDate)
	if p.Metadata.Date != "" && p.Metadata.Date != rawDate {
		p.Notes = append(p.Notes, fmt.Sprintf("date %q normalised to %s", rawDate, p.Metadata.Date))
	}

	return p, nil
}

func extractConfidence(root gjson.Result) *models.Confidence {
	c := root.Get("confidence")
	switch {
	case c.IsObject():
		if !c.Get("score").Exists() {
			return nil
		}
		return &models.Confidence{
			Score:    c.Get("score").Float(),
			Concerns: stringList(c.Get("concerns")),
		}
	case c.Type == gjson.Number:
		return &models.Confidence{Score: c.Float(), Concerns: stringList(root.Get("concerns"))}
	}
	if score := root.Get("confidence_score"); score.Type == gjson.Number {
		return &models.Confidence{Score: score.Float(), Concerns: stringList(root.Get("concerns"))}
	}
	return nil
}

// firstString returns the first key holding a string value
func firstString(root gjson.Result, keys []string) gjson.Result {
	for _, k := range keys {
		if r := root.Get(k); r.Type == gjson.String {
			return r
		}
	}
	return gjson.Result{}
}

func stringList(r gjson.Result) []string {
	out := []string{}
	switch {
	case r.IsArray():
		for _, v := range r.Array() {
			if s := strings.TrimSpace(v.String()); s != "" {
				out = append(out, s)
			}
		}
	case r.Type == gjson.String:
		for _, part := range strings.FieldsFunc(r.String(), func(c rune) bool { return c == ',' || c == ';' }) {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// normaliseDocumentType folds case and spacing onto an allowed value. Anything else is
// returned trimmed but otherwise unchanged.
func normaliseDocumentType(value string) string {
	trimmed := strings.TrimSpace(value)
	v := strings.ReplaceAll(strings.ToLower(trimmed), " ", "_")
	for _, allowed := range models.DocumentTypes {
		if v == allowed {
			return v
		}
	}
	return trimmed
}

var dateLayouts = []struct {
	layout string
	format string
}{
	{"2006-01-02", "2006-01-02"},
	{"2006-1-2", "2006-01-02"},
	{"2006/01/02", "2006-01-02"},
	{"2 January 2006", "2006-01-02"},
	{"January 2, 2006", "2006-01-02"},
	{"2 Jan 2006", "2006-01-02"},
	{"2006-01", "2006-01"},
	{"January 2006", "2006-01"},
	{"2006", "2006"},
}

// normaliseDate rewrites recognised date layouts as YYYY, YYYY-MM or YYYY-MM-DD.
// An unrecognised value is returned unchanged.
func normaliseDate(value string) string {
	v := strings.TrimSpace(value)
	if v == "" || strings.EqualFold(v, "unknown") || strings.EqualFold(v, "undated") {
		return ""
	}
	if isCalendarDate(v) {
		return v
	}
	for _, l := range dateLayouts {
		if t, err := time.Parse(l.layout, v); err == nil {
			return t.Format(l.format)
		}
	}
	return v
}
