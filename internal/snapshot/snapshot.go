// Package snapshot encodes small state records into versioned, type-tagged
// snapshots and stores them.
//
// A Snapshot is a flat string map plus a stable type tag. Decoders ignore
// fields they do not know and fall back to defaults for optional fields
// they miss, so data written by an older or newer build stays readable.
package snapshot

import (
	"errors"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type is the stable tag of a persisted entity. Never rename a value.
type Type string

const (
	TypeActive      Type = "SdkActiveState"
	TypePushToken   Type = "PushTokenState"
	TypeLifecycle   Type = "MeasurementLifecycleState"
	TypeAttribution Type = "AttributionState"
)

// ErrTypeMismatch is returned when a snapshot is decoded as the wrong entity
var ErrTypeMismatch = errors.New("snapshot type mismatch")

// FieldError is a snapshot field that is missing or unreadable
type FieldError struct {
	Type    Type
	Field   string
	Problem string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("snapshot %s field %q: %s", e.Type, e.Field, e.Problem)
}

// Snapshot is the persisted form of one entity
type Snapshot struct {
	Type    Type              `json:"type"`
	Version int               `json:"version"`
	Fields  map[string]string `json:"fields"`
}

// Marshal encodes s as JSON
func Marshal(s Snapshot) ([]byte, error) {
	if s.Type == "" {
		return nil, errors.New("snapshot without type")
	}
	return json.Marshal(s)
}

// Unmarshal decodes JSON produced by Marshal
func Unmarshal(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Type == "" {
		return Snapshot{}, errors.New("decode snapshot: missing type")
	}
	if s.Fields == nil {
		s.Fields = map[string]string{}
	}
	return s, nil
}

// Encoder is implemented by every state entity
type Encoder interface {
	Encode() Snapshot
}

// reader wraps a snapshot being decoded as entity t
type reader struct {
	s Snapshot
	t Type
}

func newReader(s Snapshot, t Type) (reader, error) {
	if s.Type != t {
		return reader{}, fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, t, s.Type)
	}
	return reader{s: s, t: t}, nil
}

func (r reader) fieldErr(field, format string, args ...any) error {
	return &FieldError{Type: r.t, Field: field, Problem: fmt.Sprintf(format, args...)}
}

func (r reader) boolean(field string, required bool, def bool) (bool, error) {
	v, ok := r.s.Fields[field]
	if !ok {
		if required {
			return false, r.fieldErr(field, "missing")
		}
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, r.fieldErr(field, "not a boolean: %q", v)
	}
	return b, nil
}

func (r reader) str(field string) string {
	return r.s.Fields[field]
}

func formatBool(b bool) string {
	return strconv.FormatBool(b)
}
