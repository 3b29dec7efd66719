// Package decoder implements the Structured-Output Decoder (spec.md §4.8):
// every agent that calls the model routes the raw text reply through
// Decode before touching it. Grounded on tools.JSONSchemaTool's
// validateInput/validateType (basic required-field and type checks without
// a full JSON-Schema library) and providers.BaseProvider.WithRetry's
// exponential-backoff shape, reused here for the one-shot continuation
// request.
package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

// Result is what Decode hands back to the caller.
type Result struct {
	OK               bool
	Data             map[string]interface{}
	Errors           []string
	NeedsContinuation bool
}

// Schema is a minimal JSON-Schema-shaped description: required fields and
// their expected JSON type name, mirroring tools.JSONSchemaTool's "basic
// validation — in production, use a proper JSON schema validator" scope.
type Schema struct {
	Required   []string
	Properties map[string]string // field -> "string"|"number"|"integer"|"boolean"|"array"|"object"
}

// Continuer requests one retry of the original prompt with the schema
// appended, used only when the first parse fails (spec.md §4.8 step 3).
// Implemented by the agent's model-calling wrapper, not by this package.
type Continuer func(ctx context.Context) (string, error)

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// Decode runs the full spec.md §4.8 pipeline over raw model output.
func Decode(ctx context.Context, raw string, schema Schema, dayDate string, continuer Continuer) (*Result, error) {
	text := stripFence(raw)
	text = extractOutermostObject(text)
	text = stripNonASCIIIntrusions(text)

	data, err := parseJSON(text)
	if err != nil {
		if continuer == nil {
			return &Result{OK: false, Errors: []string{fmt.Sprintf("unparseable response: %v", err)}}, nil
		}
		continued, cerr := continuer(ctx)
		if cerr != nil {
			return &Result{OK: false, Errors: []string{fmt.Sprintf("continuation failed: %v", cerr)}}, nil
		}
		text2 := stripNonASCIIIntrusions(extractOutermostObject(stripFence(continued)))
		data, err = parseJSON(text2)
		if err != nil {
			return &Result{OK: false, NeedsContinuation: true, Errors: []string{fmt.Sprintf("unparseable after continuation: %v", err)}}, nil
		}
	}

	if errs := validate(data, schema); len(errs) > 0 {
		return &Result{OK: false, Data: data, Errors: errs}, nil
	}

	coerce(data, dayDate)

	return &Result{OK: true, Data: data}, nil
}

func stripFence(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// extractOutermostObject trims any preamble/postamble outside the
// outermost {...} or [...] — model chatter like "Here is your JSON:".
func extractOutermostObject(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	open, close := byte('{'), byte('}')
	if s[start] == '[' {
		open, close = '[', ']'
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// stripNonASCIIIntrusions removes non-ASCII runes that corrupt JSON between
// keys — an observed model failure mode (spec.md §4.8 step 2). It removes
// every non-ASCII rune, including ones inside string values.
func stripNonASCIIIntrusions(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r > 127 {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseJSON(s string) (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		return nil, err
	}
	return data, nil
}

// validate performs the same basic required-field + type scope as
// tools.JSONSchemaTool.validateInput/validateType.
func validate(data map[string]interface{}, schema Schema) []string {
	var errs []string
	for _, field := range schema.Required {
		if _, ok := data[field]; !ok {
			errs = append(errs, fmt.Sprintf("missing required field %q", field))
		}
	}
	for field, expected := range schema.Properties {
		value, ok := data[field]
		if !ok {
			continue
		}
		if !validateType(value, expected) {
			errs = append(errs, fmt.Sprintf("field %q has invalid type, expected %s", field, expected))
		}
	}
	return errs
}

func validateType(value interface{}, expectedType string) bool {
	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

// coerce applies spec.md §4.8 step 5's domain-specific coercions in place:
// "HH:mm" -> epoch-ms (using dayDate as the calendar day), single URL
// strings for booking -> {status:"NOT_REQUIRED", details:url}, and
// numeric-string durations -> int.
func coerce(data map[string]interface{}, dayDate string) {
	for k, v := range data {
		switch val := v.(type) {
		case string:
			if t, ok := coerceHHMM(val, dayDate); ok {
				data[k] = t
				continue
			}
			if strings.HasPrefix(k, "duration") {
				if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
					data[k] = n
					continue
				}
			}
			if k == "booking" && strings.HasPrefix(val, "http") {
				data[k] = map[string]interface{}{"status": "NOT_REQUIRED", "details": val}
			}
		case map[string]interface{}:
			coerce(val, dayDate)
		case []interface{}:
			for _, item := range val {
				if m, ok := item.(map[string]interface{}); ok {
					coerce(m, dayDate)
				}
			}
		}
	}
}

var hhmmPattern = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// coerceHHMM converts an "HH:mm" string combined with dayDate ("2026-07-31")
// into epoch-ms, per spec.md's "HH:mm" -> epoch-ms coercion.
func coerceHHMM(s, dayDate string) (int64, bool) {
	m := hhmmPattern.FindStringSubmatch(s)
	if m == nil || dayDate == "" {
		return 0, false
	}
	day, err := time.Parse("2006-01-02", dayDate)
	if err != nil {
		return 0, false
	}
	hour, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	t := time.Date(day.Year(), day.Month(), day.Day(), hour, min, 0, 0, time.UTC)
	return t.UnixMilli(), true
}

// BadTimeFormat wraps a time-parse failure into the engine's typed error.
func BadTimeFormat(raw string, err error) error {
	return itinerary.WrapError(itinerary.ErrBadTimeFormat, fmt.Sprintf("could not parse time %q", raw), err)
}
