package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/vellum/internal/models"
)

// SystemPrompt instructs the service to answer with a single JSON object
const SystemPrompt = `You are an archivist transcribing scanned historical documents.
Read every page of the attached document and answer with exactly one JSON object and nothing else.

Rules:
- "transcription.faithful" reproduces the text exactly as written: original spelling, punctuation and line breaks. Mark illegible words as [illegible].
- "transcription.cleaned" is the same text with modern spelling and normalised whitespace, for search.
- Use ISO dates (YYYY-MM-DD). Leave "date" empty if the document gives none.
- "confidence.score" is your confidence in the faithful transcription between 0 and 1; list specific problems in "confidence.concerns".
- Do not summarise instead of transcribing. Transcribe every page.`

// OutputSchema returns the JSON schema of the expected answer
func OutputSchema() map[string]interface{} {
	str := map[string]interface{}{"type": "string"}
	strList := map[string]interface{}{"type": "array", "items": str}
	types := make([]interface{}, len(models.DocumentTypes))
	for i, t := range models.DocumentTypes {
		types[i] = t
	}

	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"metadata", "transcription", "confidence"},
		"properties": map[string]interface{}{
			"metadata": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"title", "document_type"},
				"properties": map[string]interface{}{
					"title":         str,
					"document_type": map[string]interface{}{"type": "string", "enum": types},
					"date":          map[string]interface{}{"type": "string", "description": "YYYY-MM-DD"},
					"language":      map[string]interface{}{"type": "string", "description": "ISO 639 code"},
					"people":        strList,
					"places":        strList,
					"keywords":      strList,
					"summary":       str,
				},
			},
			"transcription": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"faithful", "cleaned"},
				"properties": map[string]interface{}{
					"faithful": str,
					"cleaned":  str,
				},
			},
			"confidence": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"score"},
				"properties": map[string]interface{}{
					"score":    map[string]interface{}{"type": "number", "minimum": 0.0, "maximum": 1.0},
					"concerns": strList,
				},
			},
		},
	}
}

// BuildUserPrompt describes the attached pages. When withSchema is set the schema is
// spelled out in the prompt for providers without native structured output.
func BuildUserPrompt(req *Request, withSchema bool) string {
	var b strings.Builder
	if req.IsChunk() {
		fmt.Fprintf(&b, "The attachment holds pages %s of a %d-page document (part %d of %d). ",
			req.Pages, req.PageCount, req.ChunkIndex+1, req.ChunkTotal)
		b.WriteString("Transcribe only these pages; describe the metadata as far as these pages show it.\n")
	} else {
		fmt.Fprintf(&b, "The attachment is a %d-page document. Transcribe all of it.\n", max(req.Pages.Len(), 1))
	}
	if withSchema {
		schema, _ := json.MarshalIndent(OutputSchema(), "", "  ")
		b.WriteString("\nAnswer with JSON matching this schema:\n")
		b.Write(schema)
		b.WriteString("\n")
	}
	return b.String()
}
