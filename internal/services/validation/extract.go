package validation

import (
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoJSON is returned when a response carries no parseable JSON object
var ErrNoJSON = errors.New("validation: response contains no JSON object")

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// ExtractJSON pulls the JSON object out of a raw response. Models sometimes wrap the
// object in a markdown fence or a sentence of prose.
func ExtractJSON(raw string) ([]byte, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrNoJSON
	}

	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		if candidate := strings.TrimSpace(m[1]); gjson.Valid(candidate) && gjson.Parse(candidate).IsObject() {
			return []byte(candidate), nil
		}
	}

	if gjson.Valid(text) && gjson.Parse(text).IsObject() {
		return []byte(text), nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		candidate := text[start : end+1]
		if gjson.Valid(candidate) {
			return []byte(candidate), nil
		}
	}

	return nil, ErrNoJSON
}
