package backoff

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_beacon/internal/failure"
)

func TestDelayWithoutJitter(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		attempts []int
		want     []time.Duration
	}{
		{
			name:     "exponential",
			cfg:      Config{Base: time.Second, Multiplier: 2, Ceiling: time.Minute},
			attempts: []int{1, 2, 3, 4, 5},
			want:     []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		},
		{
			name:     "capped at ceiling",
			cfg:      Config{Base: 500 * time.Millisecond, Multiplier: 3, Ceiling: 5 * time.Second},
			attempts: []int{1, 2, 3, 4, 60},
			want:     []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 4500 * time.Millisecond, 5 * time.Second, 5 * time.Second},
		},
		{
			name:     "zero and negative attempts do not wait",
			cfg:      Config{Base: time.Second, Multiplier: 2, Ceiling: time.Minute},
			attempts: []int{0, -3},
			want:     []time.Duration{0, 0},
		},
		{
			name:     "schedule repeats last entry",
			cfg:      Config{Schedule: []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}},
			attempts: []int{1, 2, 3, 4, 10},
			want:     []time.Duration{time.Second, 4 * time.Second, 16 * time.Second, 16 * time.Second, 16 * time.Second},
		},
		{
			name:     "unsorted schedule stays monotone",
			cfg:      Config{Schedule: []time.Duration{4 * time.Second, time.Second, 10 * time.Second}},
			attempts: []int{1, 2, 3},
			want:     []time.Duration{4 * time.Second, 4 * time.Second, 10 * time.Second},
		},
		{
			name:     "no wait",
			cfg:      NoWait(),
			attempts: []int{1, 2, 50},
			want:     []time.Duration{0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg)
			require.NoError(t, err)
			for i, a := range tt.attempts {
				assert.Equal(t, tt.want[i], s.Delay(a), "attempt %d", a)
			}
		})
	}
}

func TestDelayMonotoneAndBounded(t *testing.T) {
	configs := []Config{Long(), Short(), {Base: time.Millisecond, Multiplier: 1.1, Ceiling: time.Second, Jitter: 1}}
	for seed := uint64(0); seed < 50; seed++ {
		for _, cfg := range configs {
			s, err := New(cfg, WithRand(rand.New(rand.NewPCG(seed, seed*7+1))))
			require.NoError(t, err)

			prev := time.Duration(0)
			for a := 0; a <= 200; a++ {
				d := s.Delay(a)
				require.GreaterOrEqual(t, d, prev, "seed %d attempt %d", seed, a)
				require.LessOrEqual(t, d, cfg.Ceiling, "seed %d attempt %d", seed, a)
				prev = d
			}
		}
	}
}

func TestJitterSpreadsInstances(t *testing.T) {
	cfg := Config{Base: time.Second, Multiplier: 2, Ceiling: time.Hour, Jitter: 0.5}

	seen := map[time.Duration]struct{}{}
	for seed := uint64(1); seed <= 20; seed++ {
		s := MustNew(cfg, WithRand(rand.New(rand.NewPCG(seed, seed))))
		assert.Greater(t, s.Factor(), 0.5)
		assert.LessOrEqual(t, s.Factor(), 1.0)

		d := s.Delay(3)
		assert.Greater(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
		seen[d] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "jitter produced identical delays for every instance")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "negative base", cfg: Config{Base: -time.Second}},
		{name: "shrinking multiplier", cfg: Config{Base: time.Second, Multiplier: 0.5}},
		{name: "jitter above one", cfg: Config{Base: time.Second, Multiplier: 2, Jitter: 1.5}},
		{name: "negative jitter", cfg: Config{Base: time.Second, Multiplier: 2, Jitter: -0.1}},
		{name: "ceiling below base", cfg: Config{Base: time.Minute, Multiplier: 2, Ceiling: time.Second}},
		{name: "negative schedule entry", cfg: Config{Schedule: []time.Duration{time.Second, -time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg)
			assert.Nil(t, s)
			assert.True(t, failure.IsConfiguration(err), "err = %v", err)
		})
	}
}

func TestCeilingDefaultsFromBaseOrSchedule(t *testing.T) {
	s := MustNew(Config{Base: 3 * time.Second, Multiplier: 2})
	assert.Equal(t, 3*time.Second, s.Config().Ceiling)
	assert.Equal(t, 3*time.Second, s.Delay(10))

	s = MustNew(Config{Schedule: []time.Duration{time.Second, time.Minute}})
	assert.Equal(t, time.Minute, s.Config().Ceiling)
	assert.Equal(t, time.Minute, s.Ceiling())
}

func TestWait(t *testing.T) {
	mock := clock.NewMock()
	s := MustNew(Config{Base: time.Second, Multiplier: 2, Ceiling: time.Minute})

	done := make(chan error, 1)
	go func() { done <- Wait(context.Background(), mock, s, 2) }()

	// let the goroutine arm its timer before moving the clock
	require.Eventually(t, func() bool {
		mock.Add(500 * time.Millisecond)
		select {
		case err := <-done:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestWaitCancelled(t *testing.T) {
	mock := clock.NewMock()
	s := MustNew(Config{Base: time.Hour, Multiplier: 2, Ceiling: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Wait(ctx, mock, s, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
