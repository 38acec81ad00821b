package pipeline

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseConfidence coerces an untyped confidence value into a float.
// It reports false when the value is missing or not numeric.
func ParseConfidence(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case nil:
		return 0, false
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Clamp01 bounds f to [0, 1].
func Clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// Round2 rounds to two decimals.
func Round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// EvidenceList coerces untyped evidence into trimmed, non-empty strings.
func EvidenceList(raw any) []string {
	out := []string{}
	switch v := raw.(type) {
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// AcceptRaw converts a RawResult into a Result without applying any output
// contract. Confidence is still bounded to [0, 1] and defaults to 0 when it
// cannot be parsed.
func AcceptRaw(raw *RawResult) Answer {
	conf, ok := ParseConfidence(raw.Confidence)
	if !ok {
		conf = 0
	}
	return Answer{
		Answer:     strings.TrimSpace(raw.Answer),
		Evidence:   EvidenceList(raw.Evidence),
		Confidence: Clamp01(conf),
	}
}
