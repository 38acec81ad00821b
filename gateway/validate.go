package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/c360studio/examgate/audit"
	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
)

// Limits applied when a scenario's input schema leaves them unset.
const (
	DefaultMaxTextLength = 8000
	DefaultMaxImages     = 5
)

// Request option bounds.
const (
	MinLatencyBudgetMS = 100
	MaxLatencyBudgetMS = 120000
	MaxFeedbackScore   = 5
	MaxCommentLength   = 5000
)

var inferSchema = fmt.Sprintf(`{
  "type": "object",
  "required": ["scenario_id", "input"],
  "properties": {
    "scenario_id": {"type": "string", "minLength": 1},
    "input": {"type": "object"},
    "context": {
      "type": "object",
      "properties": {
        "user_id": {"type": "string"},
        "tenant_id": {"type": "string"},
        "locale": {"type": "string"}
      }
    },
    "options": {
      "type": "object",
      "properties": {
        "stream": {"type": "boolean"},
        "latency_budget_ms": {"type": "integer", "minimum": %d, "maximum": %d},
        "quality_tier": {"type": "string", "enum": [%q, %q, %q]},
        "response_format": {"type": "string"},
        "force_sub_type": {"type": "string"}
      }
    }
  }
}`, MinLatencyBudgetMS, MaxLatencyBudgetMS, scenario.TierFast, scenario.TierBalanced, scenario.TierStrict)

var feedbackSchema = fmt.Sprintf(`{
  "type": "object",
  "required": ["trace_id", "feedback"],
  "properties": {
    "trace_id": {"type": "string", "minLength": 1},
    "scenario_id": {"type": "string"},
    "feedback": {
      "type": "object",
      "required": ["label"],
      "properties": {
        "label": {"type": "string", "enum": %s},
        "score": {"type": "number", "minimum": 0, "maximum": %d},
        "comment": {"type": "string", "maxLength": %d}
      }
    },
    "operator": {
      "type": "object",
      "properties": {
        "user_id": {"type": "string"},
        "tenant_id": {"type": "string"}
      }
    }
  }
}`, mustJSON(audit.FeedbackLabels), MaxFeedbackScore, MaxCommentLength)

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// FieldError is one rejected field of a request body.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type fieldErrors []FieldError

func (fe *fieldErrors) add(field, format string, args ...any) {
	*fe = append(*fe, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// err returns nil when nothing was rejected. Otherwise the message names the
// first problem and details carry all of them.
func (fe fieldErrors) err() error {
	if len(fe) == 0 {
		return nil
	}
	sort.SliceStable(fe, func(i, j int) bool { return fe[i].Field < fe[j].Field })
	e := pipeline.NewError(pipeline.CodeInvalidInput, "%s %s", fe[0].Field, fe[0].Message)
	e.Details = map[string]any{"errors": []FieldError(fe)}
	return e
}

// compileSchema compiles one JSON schema document registered under name.
func compileSchema(name string, schema []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return sch, nil
}

func mustCompile(name, schema string) *jsonschema.Schema {
	sch, err := compileSchema(name, []byte(schema))
	if err != nil {
		panic(err)
	}
	return sch
}

// validators holds the compiled request schemas. Scenario input schemas are
// compiled on first use and cached by scenario id and version.
type validators struct {
	infer    *jsonschema.Schema
	feedback *jsonschema.Schema

	mu     sync.Mutex
	inputs map[string]*jsonschema.Schema
}

func newValidators() *validators {
	return &validators{
		infer:    mustCompile("infer.json", inferSchema),
		feedback: mustCompile("feedback.json", feedbackSchema),
		inputs:   make(map[string]*jsonschema.Schema),
	}
}

// inputSchema builds the schema of a scenario's input object. Fields the
// scenario does not allow get a false schema.
func inputSchema(s scenario.InputSchema) map[string]any {
	maxText := s.MaxTextLength
	if maxText <= 0 {
		maxText = DefaultMaxTextLength
	}
	maxImages := s.MaxImages
	if maxImages <= 0 {
		maxImages = DefaultMaxImages
	}

	props := map[string]any{"text": false, "images": false, "attachments": false}
	if s.AllowText {
		props["text"] = map[string]any{"type": "string", "maxLength": maxText}
	}
	if s.AllowImages {
		// Images are URL strings or descriptor objects.
		props["images"] = map[string]any{
			"type":     "array",
			"maxItems": maxImages,
			"items":    map[string]any{"type": []string{"string", "object"}, "minLength": 1},
		}
	}
	if s.AllowAttachments {
		props["attachments"] = map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string", "minLength": 1},
		}
	}

	schema := map[string]any{"type": "object", "properties": props}
	if len(s.RequiredFields) > 0 {
		schema["required"] = s.RequiredFields
	}
	return schema
}

func (v *validators) input(spec *scenario.Spec) (*jsonschema.Schema, error) {
	key := spec.ScenarioID + ":" + orDefault(spec.Version, "0")

	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.inputs[key]; ok {
		return sch, nil
	}
	doc, err := json.Marshal(inputSchema(spec.InputSchema))
	if err != nil {
		return nil, err
	}
	sch, err := compileSchema("input/"+url.PathEscape(key)+".json", doc)
	if err != nil {
		return nil, err
	}
	v.inputs[key] = sch
	return sch, nil
}

// validateInfer checks an inference body against the request schema and,
// when input is an object, the scenario's input schema.
func (v *validators) validateInfer(body map[string]any, spec *scenario.Spec) error {
	var errs fieldErrors
	collectErrors(v.infer.Validate(body), nil, &errs)

	if input, ok := body["input"].(map[string]any); ok {
		sch, err := v.input(spec)
		if err != nil {
			return pipeline.WrapError(pipeline.CodeInternal, "invalid scenario input schema", err)
		}
		collectErrors(sch.Validate(input), []string{"input"}, &errs)
	}
	return errs.err()
}

// validateFeedback checks a feedback body before it is decoded.
func (v *validators) validateFeedback(body map[string]any) error {
	var errs fieldErrors
	collectErrors(v.feedback.Validate(body), nil, &errs)
	return errs.err()
}

var printer = message.NewPrinter(language.English)

// collectErrors flattens a validation error into one entry per failing
// leaf, located under prefix.
func collectErrors(err error, prefix []string, errs *fieldErrors) {
	if err == nil {
		return
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		errs.add(fieldPath(prefix), "%v", err)
		return
	}
	collectLeaves(ve, prefix, errs)
}

func collectLeaves(ve *jsonschema.ValidationError, prefix []string, errs *fieldErrors) {
	if len(ve.Causes) > 0 {
		for _, cause := range ve.Causes {
			collectLeaves(cause, prefix, errs)
		}
		return
	}

	loc := make([]string, 0, len(prefix)+len(ve.InstanceLocation)+1)
	loc = append(loc, prefix...)
	loc = append(loc, ve.InstanceLocation...)

	switch k := ve.ErrorKind.(type) {
	case *kind.Required:
		for _, missing := range k.Missing {
			errs.add(fieldPath(append(loc[:len(loc):len(loc)], missing)), "is required")
		}
	case *kind.FalseSchema:
		errs.add(fieldPath(loc), "is not allowed for this scenario")
	default:
		errs.add(fieldPath(loc), "%s", ve.ErrorKind.LocalizedString(printer))
	}
}

// fieldPath renders a JSON pointer token list as input.images[0].
func fieldPath(tokens []string) string {
	if len(tokens) == 0 {
		return "body"
	}
	var b strings.Builder
	for _, tok := range tokens {
		if _, err := strconv.Atoi(tok); err == nil && b.Len() > 0 {
			b.WriteString("[" + tok + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	return b.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// feedbackRequest is the body of POST /v1/feedback.
type feedbackRequest struct {
	TraceID    string `json:"trace_id"`
	ScenarioID string `json:"scenario_id"`
	Feedback   struct {
		Label   string   `json:"label"`
		Score   *float64 `json:"score"`
		Comment string   `json:"comment"`
	} `json:"feedback"`
	Operator map[string]any `json:"operator"`
}
