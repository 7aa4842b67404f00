package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/vellum/internal/models"
)

// Outcome is the verdict on one raw response
type Outcome string

const (
	OutcomeValid      Outcome = "valid"
	OutcomeRepaired   Outcome = "repaired"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeInvalid    Outcome = "invalid"
)

// Config holds the incompleteness heuristics
type Config struct {
	MinCharsPerPage   int
	MinFaithfulChars  int
	MinCleanedRatio   float64
	DefaultConfidence float64
}

// FieldError is one broken rule of the structural contract
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Value string `json:"value,omitempty"`
}

// ValidationErrors lists every broken rule
type ValidationErrors []FieldError

func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fmt.Sprintf("%s failed '%s'", fe.Field, fe.Rule))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Result is the outcome of validating one raw response
type Result struct {
	Outcome  Outcome
	Shape    Shape
	Payload  *Payload // canonical content; nil when invalid
	Errors   ValidationErrors
	Reasons  []string // incompleteness reasons
	Repaired bool
	Err      error // extraction or repair failure
}

// Reason renders the verdict for ledgers and logs
func (r Result) Reason() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case len(r.Errors) > 0:
		return r.Errors.Error()
	case len(r.Reasons) > 0:
		return strings.Join(r.Reasons, "; ")
	}
	return string(r.Outcome)
}

// Validator checks responses against the record contract and repairs known near-misses
type Validator struct {
	validate *validator.Validate
	config   Config
}

// New creates a validator
func New(config Config) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("calendar_date", func(fl validator.FieldLevel) bool {
		return isCalendarDate(fl.Field().String())
	})
	return &Validator{validate: v, config: config}
}

// Validate checks raw against the contract covering pageCount pages. Repair is attempted
// at most once; an unrecognised shape is invalid.
func (v *Validator) Validate(raw string, pageCount int) Result {
	body, err := ExtractJSON(raw)
	if err != nil {
		return Result{Outcome: OutcomeInvalid, Err: err}
	}

	shape := DetectShape(body)
	if shape == ShapeUnknown {
		return Result{Outcome: OutcomeInvalid, Shape: shape, Err: ErrUnrepairable}
	}

	if shape == ShapeCanonical {
		if p, err := decodeStrict(body); err == nil {
			if errs := v.Check(p); len(errs) == 0 {
				return v.finish(Result{Outcome: OutcomeValid, Shape: shape, Payload: p}, pageCount)
			}
		}
	}

	p, err := Repair(shape, body)
	if err != nil {
		return Result{Outcome: OutcomeInvalid, Shape: shape, Err: err}
	}
	if errs := v.Check(p); len(errs) > 0 {
		return Result{Outcome: OutcomeInvalid, Shape: shape, Errors: errs}
	}
	return v.finish(Result{Outcome: OutcomeRepaired, Shape: shape, Payload: p, Repaired: true}, pageCount)
}

// Check applies the struct-tag contract to a payload
func (v *Validator) Check(p *Payload) ValidationErrors {
	err := v.validate.Struct(p)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Field: "payload", Rule: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field: strings.TrimPrefix(fe.Namespace(), "Payload."),
			Rule:  fe.Tag(),
			Value: fmt.Sprintf("%v", fe.Value()),
		})
	}
	return out
}

// finish resolves confidence and applies the incompleteness heuristics
func (v *Validator) finish(r Result, pageCount int) Result {
	p := r.Payload

	if p.Confidence == nil {
		p.Confidence = &models.Confidence{
			Score:    v.config.DefaultConfidence,
			Concerns: []string{"confidence not reported"},
		}
	}
	if p.Confidence.Concerns == nil {
		p.Confidence.Concerns = []string{}
	}
	if p.Confidence.Score < 0 {
		p.Confidence.Score = 0
	}
	if p.Confidence.Score > 1 {
		p.Confidence.Score = 1
	}
	p.Confidence.Concerns = append(p.Confidence.Concerns, p.Notes...)

	if p.Metadata.People == nil {
		p.Metadata.People = []string{}
	}
	if p.Metadata.Places == nil {
		p.Metadata.Places = []string{}
	}
	if p.Metadata.Keywords == nil {
		p.Metadata.Keywords = []string{}
	}

	if reasons := v.incompleteness(p, pageCount); len(reasons) > 0 {
		r.Outcome = OutcomeIncomplete
		r.Reasons = reasons
	}
	return r
}

func (v *Validator) incompleteness(p *Payload, pageCount int) []string {
	if pageCount < 1 {
		pageCount = 1
	}
	var reasons []string

	faithful := utf8.RuneCountInString(strings.TrimSpace(p.Transcription.Faithful))
	cleaned := utf8.RuneCountInString(strings.TrimSpace(p.Transcription.Cleaned))

	if minimum := v.config.MinCharsPerPage * pageCount; faithful < minimum {
		reasons = append(reasons, fmt.Sprintf("faithful transcription has %d characters for %d pages (minimum %d)", faithful, pageCount, minimum))
	}

	if cleaned == 0 {
		reasons = append(reasons, "cleaned transcription is empty")
	} else if faithful >= v.config.MinFaithfulChars && float64(cleaned) < v.config.MinCleanedRatio*float64(faithful) {
		reasons = append(reasons, fmt.Sprintf("cleaned transcription is %d characters against %d faithful", cleaned, faithful))
	}

	return reasons
}

var calendarDatePattern = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)

// isCalendarDate accepts YYYY, YYYY-MM and YYYY-MM-DD when they name a real date
func isCalendarDate(s string) bool {
	if !calendarDatePattern.MatchString(s) {
		return false
	}
	var layout string
	switch len(s) {
	case 4:
		layout = "2006"
	case 7:
		layout = "2006-01"
	default:
		layout = "2006-01-02"
	}
	_, err := time.Parse(layout, s)
	return err == nil
}
