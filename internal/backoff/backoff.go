// Package backoff computes retry delays from an attempt count.
//
// A Strategy draws its jitter factor once, when it is built, and applies it
// to every delay it returns. Two SDK instances with the same configuration
// therefore retry at different moments, while a single instance still
// produces delays that never shrink as the attempt count grows and never
// exceed the configured ceiling.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/austindbirch/harbor_beacon/internal/failure"
)

// Backoff maps an attempt count to a delay no longer than Ceiling
type Backoff interface {
	Delay(attempt int) time.Duration
	Ceiling() time.Duration
}

// Config is the explicit backoff configuration
type Config struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Multiplier grows the delay per attempt. Must be >= 1.
	Multiplier float64
	// Ceiling caps every returned delay.
	Ceiling time.Duration
	// Jitter is the fraction (0.0-1.0) by which delays may be shortened.
	Jitter float64
	// Schedule, when set, replaces the exponential curve: attempt n uses
	// Schedule[n-1], and the last entry repeats.
	Schedule []time.Duration
}

// Long is for package sending: slow growth from one minute up to a day
func Long() Config {
	return Config{Base: time.Minute, Multiplier: 2, Ceiling: 24 * time.Hour, Jitter: 0.5}
}

// Short is for attribution asks and other interactive retries
func Short() Config {
	return Config{Base: 200 * time.Millisecond, Multiplier: 2, Ceiling: time.Hour, Jitter: 0.5}
}

// NoWait retries immediately. Used in tests and offline tooling.
func NoWait() Config {
	return Config{Multiplier: 1}
}

// Option configures a Strategy
type Option func(*Strategy)

// WithRand sets the random source used to draw the jitter factor
func WithRand(r *rand.Rand) Option {
	return func(s *Strategy) {
		if r != nil {
			s.rnd = r
		}
	}
}

// Strategy is an immutable Backoff. Safe for concurrent use.
type Strategy struct {
	cfg    Config
	factor float64
	rnd    *rand.Rand
}

// New validates cfg and builds a Strategy
func New(cfg Config, opts ...Option) (*Strategy, error) {
	if cfg.Base < 0 {
		return nil, failure.Configf("backoff base", "must not be negative, got %s", cfg.Base)
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 1
	}
	if cfg.Multiplier < 1 || math.IsNaN(cfg.Multiplier) || math.IsInf(cfg.Multiplier, 0) {
		return nil, failure.Configf("backoff multiplier", "must be a finite number >= 1, got %v", cfg.Multiplier)
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 || math.IsNaN(cfg.Jitter) {
		return nil, failure.Configf("backoff jitter", "must be within [0, 1], got %v", cfg.Jitter)
	}
	for i, d := range cfg.Schedule {
		if d < 0 {
			return nil, failure.Configf("backoff schedule", "entry %d is negative (%s)", i, d)
		}
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = max(cfg.Base, maxOf(cfg.Schedule))
	}
	if cfg.Ceiling < cfg.Base {
		return nil, failure.Configf("backoff ceiling", "%s is below base %s", cfg.Ceiling, cfg.Base)
	}

	s := &Strategy{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	// factor in (1-jitter, 1]
	s.factor = 1 - s.cfg.Jitter*s.rnd.Float64()
	return s, nil
}

// MustNew is New for presets; it panics on an invalid config.
func MustNew(cfg Config, opts ...Option) *Strategy {
	s, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Config returns the effective configuration
func (s *Strategy) Config() Config {
	return s.cfg
}

// Ceiling is the longest delay this Strategy returns
func (s *Strategy) Ceiling() time.Duration {
	return s.cfg.Ceiling
}

// Factor is the jitter factor drawn for this instance
func (s *Strategy) Factor() float64 {
	return s.factor
}

// Delay returns the wait before retry number attempt. Attempts <= 0 do not wait.
func (s *Strategy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	nominal := s.nominal(attempt)
	d := nominal * s.factor
	if ceiling := float64(s.cfg.Ceiling); d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}

// nominal is the pre-jitter delay as a float to stay clear of Duration overflow
func (s *Strategy) nominal(attempt int) float64 {
	if len(s.cfg.Schedule) > 0 {
		// running max keeps an unsorted schedule monotone
		idx := min(attempt, len(s.cfg.Schedule))
		return float64(maxOf(s.cfg.Schedule[:idx]))
	}
	return float64(s.cfg.Base) * math.Pow(s.cfg.Multiplier, float64(attempt-1))
}

// Wait blocks for Delay(attempt) on clk or until ctx is done
func Wait(ctx context.Context, clk clock.Clock, b Backoff, attempt int) error {
	if clk == nil {
		clk = clock.New()
	}
	timer := clk.Timer(b.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func maxOf(ds []time.Duration) time.Duration {
	var m time.Duration
	for _, d := range ds {
		if d > m {
			m = d
		}
	}
	return m
}
