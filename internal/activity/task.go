package activity

import (
	"time"

	"github.com/austindbirch/harbor_beacon/internal/failure"
)

// Task is the wire form of a package when it travels through a broker
// before reaching a delivery queue.
type Task struct {
	PackageID    string            `json:"package_id"`
	Kind         string            `json:"kind"`
	Consent      string            `json:"consent,omitempty"`
	Params       map[string]string `json:"params"`
	Attempt      int               `json:"attempt"`
	CreatedAt    string            `json:"created_at"`              // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// ToTask snapshots p for transport
func (p *Package) ToTask(traceHeaders map[string]string) Task {
	return Task{
		PackageID:    p.id,
		Kind:         string(p.kind),
		Consent:      p.consent.String(),
		Params:       p.Params(),
		Attempt:      p.attempt,
		CreatedAt:    p.createdAt.Format(time.RFC3339Nano),
		TraceHeaders: traceHeaders,
	}
}

// FromTask rebuilds a package from its wire form. The package id and
// attempt count survive the round trip.
func FromTask(t Task) (*Package, error) {
	kind, err := ParseKind(t.Kind)
	if err != nil {
		return nil, err
	}
	consent, err := ParseConsent(t.Consent)
	if err != nil {
		return nil, err
	}
	if t.Attempt < 0 {
		return nil, failure.Configf("attempt", "negative attempt %d", t.Attempt)
	}
	p, err := New(kind, consent, t.Params)
	if err != nil {
		return nil, err
	}
	if t.PackageID != "" {
		p.id = t.PackageID
	}
	if t.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, t.CreatedAt); err == nil {
			p.createdAt = ts
		}
	}
	p.attempt = t.Attempt
	return p, nil
}
