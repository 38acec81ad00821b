package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
)

// Rejection reasons without parameters.
const (
	ReasonEmptyResult          = "empty_result"
	ReasonInvalidJSON          = "invalid_json_answer"
	ReasonInsufficientEvidence = "insufficient_evidence"
	ReasonInvalidConfidence    = "invalid_confidence"
)

var (
	singleOption = regexp.MustCompile(`^[A-Z]$`)
	multiOption  = regexp.MustCompile(`^[A-Z]{2,}$`)
	numeric      = regexp.MustCompile(`^-?\d+(\.\d+)?%?$`)
)

// Outcome is the result of validating one workflow result. When OK is
// false only Reason is set; rejections are retry signals, not errors.
type Outcome struct {
	OK      bool
	Reason  string
	Answer  pipeline.Answer
	SubType string
	Info    *pipeline.ValidationInfo
}

// Validate checks raw against the rule resolved for subType and returns the
// repaired answer on success.
func Validate(spec *scenario.Spec, subType string, raw *pipeline.RawResult) Outcome {
	if subType == "" {
		subType = pipeline.SubTypeUnknown
	}
	if raw == nil {
		return reject(ReasonEmptyResult)
	}
	rule := ResolveRule(spec, subType)

	answer := strings.TrimSpace(raw.Answer)
	if rule.Mode == ModeJSON {
		canonical, reason := checkJSON(answer, rule)
		if reason != "" {
			return reject(reason)
		}
		answer = canonical
	} else if !checkMode(answer, rule.Mode) {
		return reject("invalid_answer_mode:" + rule.Mode)
	}

	evidence := pipeline.EvidenceList(raw.Evidence)
	if rule.RequireEvidence && len(evidence) < max(1, rule.MinEvidence) {
		return reject(ReasonInsufficientEvidence)
	}

	conf, ok := pipeline.ParseConfidence(raw.Confidence)
	if !ok {
		return reject(ReasonInvalidConfidence)
	}
	conf = pipeline.Round2(pipeline.Clamp01(conf))

	outSubType := strings.TrimSpace(raw.SubType)
	if rule.EnforceSubTypeMatch && outSubType != "" && outSubType != subType {
		return reject(fmt.Sprintf("sub_type_mismatch:%s!=%s", outSubType, subType))
	}
	if outSubType == "" {
		outSubType = subType
	}

	return Outcome{
		OK:      true,
		Answer:  pipeline.Answer{Answer: answer, Evidence: evidence, Confidence: conf},
		SubType: outSubType,
		Info: &pipeline.ValidationInfo{
			OK:                 true,
			Mode:               rule.Mode,
			MinEvidence:        rule.MinEvidence,
			RequireEvidence:    rule.RequireEvidence,
			JSONRequiredFields: append([]string{}, rule.JSONRequiredFields...),
		},
	}
}

func reject(reason string) Outcome {
	return Outcome{Reason: reason}
}

func checkMode(answer, mode string) bool {
	if answer == "" {
		return false
	}
	switch mode {
	case ModeSingleOption:
		return singleOption.MatchString(answer)
	case ModeMultiOption:
		return multiOption.MatchString(answer)
	case ModeNumberOrOption:
		return singleOption.MatchString(answer) || multiOption.MatchString(answer) || numeric.MatchString(answer)
	}
	return true
}

// checkJSON validates a JSON answer structurally and returns its canonical
// form, or a rejection reason.
func checkJSON(answer string, rule Rule) (string, string) {
	parsed, err := parseJSON(stripFence(answer))
	if err != nil {
		return "", ReasonInvalidJSON
	}

	switch rule.JSONRootType {
	case RootObject:
		if _, ok := parsed.(map[string]any); !ok {
			return "", "json_root_type_mismatch:object"
		}
	case RootArray:
		if _, ok := parsed.([]any); !ok {
			return "", "json_root_type_mismatch:array"
		}
	}

	for _, field := range rule.JSONRequiredFields {
		if _, ok := lookup(parsed, field); !ok {
			return "", "missing_json_field:" + field
		}
	}

	for _, path := range sortedKeys(rule.JSONArrayMinItems) {
		minItems := rule.JSONArrayMinItems[path]
		if minItems < 0 {
			continue
		}
		v, _ := lookup(parsed, path)
		arr, ok := v.([]any)
		if !ok || len(arr) < minItems {
			return "", "json_array_too_short:" + path
		}
	}

	for _, path := range sortedKeys(rule.JSONFieldTypes) {
		typ := strings.TrimSpace(rule.JSONFieldTypes[path])
		if typ == "" {
			continue
		}
		v, ok := lookup(parsed, path)
		if !ok {
			continue
		}
		if !matchType(v, typ) {
			return "", fmt.Sprintf("json_field_type_mismatch:%s:%s", path, typ)
		}
	}

	canonical, err := canonicalJSON(parsed)
	if err != nil {
		return "", ReasonInvalidJSON
	}
	return canonical, ""
}
