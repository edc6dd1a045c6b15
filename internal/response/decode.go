package response

import (
	"bytes"
	"errors"
	"math"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/austindbirch/harbor_beacon/internal/failure"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errNotObject = errors.New("not a JSON object")

// maxMillis is the largest millisecond count a time.Duration can hold
const maxMillis = math.MaxInt64 / float64(time.Millisecond)

// timestampLayouts are tried in order for the envelope timestamp
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
}

// fields is one decoded JSON object. Every accessor is tolerant: a missing
// or null field yields the zero value silently, a field of the wrong shape
// yields the zero value and a warning.
type fields struct {
	path     string
	raw      map[string]jsoniter.RawMessage
	warnings *failure.Warnings
}

func parseObject(body []byte, warnings *failure.Warnings) (fields, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fields{}, errNotObject
	}
	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fields{}, err
	}
	return fields{raw: raw, warnings: warnings}, nil
}

func (f fields) name(key string) string {
	if f.path == "" {
		return key
	}
	return f.path + "." + key
}

func (f fields) lookup(key string) (jsoniter.RawMessage, bool) {
	raw, ok := f.raw[key]
	if !ok || isNull(raw) {
		return nil, false
	}
	return raw, true
}

func isNull(raw jsoniter.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (f fields) str(key string) string {
	raw, ok := f.lookup(key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		f.warnings.Addf(f.name(key), "expected a string, got %s", shape(raw))
		return ""
	}
	return s
}

// number accepts a JSON number or a numeric string
func (f fields) number(key string) (float64, bool) {
	raw, ok := f.lookup(key)
	if !ok {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
			return n, true
		}
	}
	f.warnings.Addf(f.name(key), "expected a number, got %s", shape(raw))
	return 0, false
}

// millis reads a non-negative millisecond count as a duration
func (f fields) millis(key string) time.Duration {
	n, ok := f.number(key)
	if !ok {
		return 0
	}
	if n < 0 {
		f.warnings.Addf(f.name(key), "negative duration %v", n)
		return 0
	}
	if n >= maxMillis {
		f.warnings.Addf(f.name(key), "duration out of range %v", n)
		return 0
	}
	return time.Duration(n * float64(time.Millisecond))
}

func (f fields) timestamp(key string) time.Time {
	s := f.str(key)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	f.warnings.Addf(f.name(key), "unparseable timestamp %q", s)
	return time.Time{}
}

func (f fields) object(key string) (fields, bool) {
	raw, ok := f.lookup(key)
	if !ok {
		return fields{}, false
	}
	var m map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		f.warnings.Addf(f.name(key), "expected an object, got %s", shape(raw))
		return fields{}, false
	}
	return fields{path: f.name(key), raw: m, warnings: f.warnings}, true
}

// stringMap reads an object of scalars. Numbers and booleans keep their
// JSON text; nested values are skipped with a warning.
func (f fields) stringMap(key string) map[string]string {
	obj, ok := f.object(key)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(obj.raw))
	for k, raw := range obj.raw {
		if isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out[k] = s
			continue
		}
		switch shape(raw) {
		case "number", "boolean":
			out[k] = string(bytes.TrimSpace(raw))
		default:
			f.warnings.Addf(obj.name(k), "expected a scalar, got %s", shape(raw))
		}
	}
	return out
}

// diagnostics reads the backend's own list of field problems. Entries are
// either plain strings or {"field", "problem"|"message"} objects.
func (f fields) diagnostics(key string) {
	raw, ok := f.lookup(key)
	if !ok {
		return
	}
	var entries []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		f.warnings.Addf(f.name(key), "expected an array, got %s", shape(raw))
		return
	}
	for i, entry := range entries {
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			f.warnings.Add(failure.Warning{Field: f.name(key), Problem: s, Source: failure.SourceServer})
			continue
		}
		var d struct {
			Field   string `json:"field"`
			Problem string `json:"problem"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(entry, &d); err != nil {
			f.warnings.Addf(f.name(key)+"["+strconv.Itoa(i)+"]", "unreadable entry")
			continue
		}
		problem := d.Problem
		if problem == "" {
			problem = d.Message
		}
		f.warnings.Add(failure.Warning{Field: d.Field, Problem: problem, Source: failure.SourceServer})
	}
}

func shape(raw jsoniter.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "nothing"
	}
	switch trimmed[0] {
	case '"':
		return "string"
	case '{':
		return "object"
	case '[':
		return "array"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}
