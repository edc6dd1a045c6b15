package endpoint

import (
	"maps"
	"strings"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/failure"
)

// ResidencyParam is the sending parameter that carries the data residency
// region of the resolved domain.
const ResidencyParam = "residency"

// ExhaustionPolicy decides what happens once every candidate domain failed
type ExhaustionPolicy string

const (
	// StopOnExhaustion gives up on the package after the last domain failed.
	StopOnExhaustion ExhaustionPolicy = "stop"
	// WrapOnExhaustion starts over at the primary domain and keeps retrying.
	WrapOnExhaustion ExhaustionPolicy = "wrap"
)

// ParseExhaustionPolicy accepts "stop", "wrap" or "" (stop)
func ParseExhaustionPolicy(s string) (ExhaustionPolicy, error) {
	switch ExhaustionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StopOnExhaustion:
		return StopOnExhaustion, nil
	case WrapOnExhaustion:
		return WrapOnExhaustion, nil
	default:
		return "", failure.Configf("exhaustion policy", "unknown policy %q", s)
	}
}

// Domain is one backend candidate
type Domain struct {
	// Host is a bare domain ("adjust.com") that gets a consent or analytics
	// subdomain, or a full base URL ("http://127.0.0.1:8081") used verbatim.
	Host string
	// Residency is set for data residency domains.
	Residency string
}

func (d Domain) isBaseURL() bool {
	return strings.Contains(d.Host, "://")
}

// Config configures a Strategy
type Config struct {
	// Info is a named strategy (see Presets) or a comma separated list of
	// domains / base URLs in priority order.
	Info string
	// ExtraPath is appended after the host and before the kind path.
	ExtraPath string
	// Exhaustion defaults to StopOnExhaustion.
	Exhaustion ExhaustionPolicy
	// NonRetryable kinds are never retried whatever the failure.
	NonRetryable []activity.Kind
}

// Presets are the named strategies
var Presets = map[string][]Domain{
	"default":           {{Host: "adjust.com"}, {Host: "adjust.world"}},
	"india":             {{Host: "adjust.net.in"}, {Host: "adjust.com"}},
	"china":             {{Host: "adjust.world"}, {Host: "adjust.com"}},
	"cn":                {{Host: "adjust.cn"}},
	"data_residency_eu": {{Host: "eu.adjust.com", Residency: "EU"}},
	"data_residency_tr": {{Host: "tr.adjust.com", Residency: "TR"}},
	"data_residency_us": {{Host: "us.adjust.com", Residency: "US"}},
}

// Strategy selects the backend domain for each send and fails over between
// candidates. It is not safe for concurrent use: the delivery queue is its
// only caller.
type Strategy struct {
	domains      []Domain
	extraPath    string
	policy       ExhaustionPolicy
	nonRetryable map[activity.Kind]struct{}
	cursor       int
}

// New parses cfg into a Strategy
func New(cfg Config) (*Strategy, error) {
	domains, err := parseInfo(cfg.Info)
	if err != nil {
		return nil, err
	}
	extraPath, err := normalizeExtraPath(cfg.ExtraPath)
	if err != nil {
		return nil, err
	}
	policy := cfg.Exhaustion
	if policy == "" {
		policy = StopOnExhaustion
	}
	if policy != StopOnExhaustion && policy != WrapOnExhaustion {
		return nil, failure.Configf("exhaustion policy", "unknown policy %q", string(policy))
	}
	nonRetryable := make(map[activity.Kind]struct{}, len(cfg.NonRetryable))
	for _, k := range cfg.NonRetryable {
		if !k.Valid() {
			return nil, failure.Configf("non-retryable kinds", "unknown kind %q", string(k))
		}
		nonRetryable[k] = struct{}{}
	}
	return &Strategy{
		domains:      domains,
		extraPath:    extraPath,
		policy:       policy,
		nonRetryable: nonRetryable,
	}, nil
}

func parseInfo(info string) ([]Domain, error) {
	info = strings.TrimSpace(info)
	if info == "" {
		info = "default"
	}
	if preset, ok := Presets[strings.ToLower(info)]; ok {
		out := make([]Domain, len(preset))
		copy(out, preset)
		return out, nil
	}

	var domains []Domain
	for _, part := range strings.Split(info, ",") {
		part = strings.TrimRight(strings.TrimSpace(part), "/")
		if part == "" {
			continue
		}
		if strings.ContainsAny(part, " \t") {
			return nil, failure.Configf("url strategy", "domain %q contains whitespace", part)
		}
		domains = append(domains, Domain{Host: part})
	}
	if len(domains) == 0 {
		return nil, failure.Configf("url strategy", "no candidate domains in %q", info)
	}
	return domains, nil
}

func normalizeExtraPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	if strings.ContainsAny(p, "?# ") {
		return "", failure.Configf("extra path", "%q must be a plain path", p)
	}
	return "/" + strings.Trim(p, "/"), nil
}

// SendContext is the parameter set of one send. Resolve returns an enriched
// copy; the input is left as is.
type SendContext struct {
	Params map[string]string
}

// NewSendContext starts a send context from the package parameters
func NewSendContext(p *activity.Package) SendContext {
	return SendContext{Params: p.Params()}
}

// With returns a copy of sc with key set to value
func (sc SendContext) With(key, value string) SendContext {
	params := maps.Clone(sc.Params)
	if params == nil {
		params = make(map[string]string, 1)
	}
	params[key] = value
	return SendContext{Params: params}
}

// Resolve builds the URL for a package of kind and consent against the
// domain under the cursor.
func (s *Strategy) Resolve(kind activity.Kind, consent activity.Consent, sc SendContext) (string, SendContext) {
	d := s.domains[s.cursor]

	var base string
	if d.isBaseURL() {
		base = d.Host
	} else {
		sub := "analytics."
		if consent == activity.ConsentMode {
			sub = "consent."
		}
		base = "https://" + sub + d.Host
	}

	if d.Residency != "" {
		sc = sc.With(ResidencyParam, d.Residency)
	}
	return base + s.extraPath + kind.Path(), sc
}

// ShouldRetryAfterFailure moves the cursor to the next candidate and
// reports whether the package should be sent again at all.
func (s *Strategy) ShouldRetryAfterFailure(kind activity.Kind) bool {
	if _, ok := s.nonRetryable[kind]; ok {
		return false
	}
	next := s.cursor + 1
	if next < len(s.domains) {
		s.cursor = next
		return true
	}
	// every candidate failed for this package
	s.cursor = 0
	return s.policy == WrapOnExhaustion
}

// ResetAfterSuccess goes back to the primary domain
func (s *Strategy) ResetAfterSuccess() {
	s.cursor = 0
}

// Cursor is the index of the domain the next Resolve uses
func (s *Strategy) Cursor() int {
	return s.cursor
}

// Domains returns the candidate list
func (s *Strategy) Domains() []Domain {
	out := make([]Domain, len(s.domains))
	copy(out, s.domains)
	return out
}

// Policy returns the exhaustion policy
func (s *Strategy) Policy() ExhaustionPolicy {
	return s.policy
}

// Retryable reports whether kind may be retried at all
func (s *Strategy) Retryable(kind activity.Kind) bool {
	_, ok := s.nonRetryable[kind]
	return !ok
}
