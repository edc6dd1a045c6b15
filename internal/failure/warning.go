package failure

import (
	"fmt"
	"strings"
)

// WarningSource tells whether a warning was raised while decoding locally
// or reported by the backend in its diagnostics array.
type WarningSource string

const (
	SourceDecode WarningSource = "decode"
	SourceServer WarningSource = "server"
)

// Warning is a non-fatal, field level decode problem.
type Warning struct {
	Field   string        `json:"field"`
	Problem string        `json:"problem"`
	Source  WarningSource `json:"source"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s (%s)", w.Field, w.Problem, w.Source)
}

// Warnings accumulates partial failures next to a usable value.
type Warnings []Warning

// Addf appends a decode warning for field
func (ws *Warnings) Addf(field, format string, args ...any) {
	*ws = append(*ws, Warning{Field: field, Problem: fmt.Sprintf(format, args...), Source: SourceDecode})
}

// Add appends w
func (ws *Warnings) Add(w Warning) {
	*ws = append(*ws, w)
}

// Empty reports whether no warning was recorded
func (ws Warnings) Empty() bool {
	return len(ws) == 0
}

// Fields returns the field names that carried warnings, in order
func (ws Warnings) Fields() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Field)
	}
	return out
}

func (ws Warnings) String() string {
	parts := make([]string, 0, len(ws))
	for _, w := range ws {
		parts = append(parts, w.String())
	}
	return strings.Join(parts, "; ")
}
