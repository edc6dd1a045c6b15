package activity

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_beacon/internal/failure"
)

// Package is one outbound tracking request. Everything except the attempt
// counter is fixed at construction; the counter belongs to the delivery queue.
type Package struct {
	id        string
	kind      Kind
	consent   Consent
	params    map[string]string
	createdAt time.Time
	attempt   int
}

// New builds a package. The parameter map is copied.
func New(kind Kind, consent Consent, params map[string]string) (*Package, error) {
	if !kind.Valid() {
		return nil, failure.Configf("package kind", "unknown kind %q", string(kind))
	}
	if consent != ConsentAnalytics && consent != ConsentMode {
		return nil, failure.Configf("consent classification", "unknown value %d", int(consent))
	}
	for k := range params {
		if k == "" {
			return nil, failure.Configf("package parameters", "empty parameter key")
		}
	}
	return &Package{
		id:        uuid.NewString(),
		kind:      kind,
		consent:   consent,
		params:    maps.Clone(params),
		createdAt: time.Now().UTC(),
	}, nil
}

// MustNew is New for fixed inputs known to be valid; it panics otherwise.
func MustNew(kind Kind, consent Consent, params map[string]string) *Package {
	p, err := New(kind, consent, params)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Package) ID() string           { return p.id }
func (p *Package) Kind() Kind           { return p.kind }
func (p *Package) Consent() Consent     { return p.consent }
func (p *Package) CreatedAt() time.Time { return p.createdAt }

// Attempt is the number of failed sends so far
func (p *Package) Attempt() int { return p.attempt }

// IncrementAttempt bumps the attempt counter and returns the new value.
// Only the delivery queue calls this.
func (p *Package) IncrementAttempt() int {
	p.attempt++
	return p.attempt
}

// Params returns a copy of the parameter map
func (p *Package) Params() map[string]string {
	if p.params == nil {
		return map[string]string{}
	}
	return maps.Clone(p.params)
}

// Param returns a single parameter
func (p *Package) Param(key string) (string, bool) {
	v, ok := p.params[key]
	return v, ok
}
