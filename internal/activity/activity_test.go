package activity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_beacon/internal/failure"
)

func TestNewPackage(t *testing.T) {
	params := map[string]string{"event_token": "abc123", "app_token": "qwerty"}
	p, err := New(KindEvent, ConsentAnalytics, params)
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID())
	assert.Equal(t, KindEvent, p.Kind())
	assert.Equal(t, ConsentAnalytics, p.Consent())
	assert.Equal(t, 0, p.Attempt())
	assert.False(t, p.CreatedAt().IsZero())

	// the package owns its own copy
	params["event_token"] = "changed"
	v, ok := p.Param("event_token")
	assert.True(t, ok)
	assert.Equal(t, "abc123", v)

	out := p.Params()
	out["app_token"] = "mutated"
	v, _ = p.Param("app_token")
	assert.Equal(t, "qwerty", v)
}

func TestNewPackageRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		consent Consent
		params  map[string]string
	}{
		{name: "unknown kind", kind: Kind("telemetry"), consent: ConsentAnalytics},
		{name: "empty kind", kind: Kind(""), consent: ConsentAnalytics},
		{name: "bad consent", kind: KindEvent, consent: Consent(7)},
		{name: "empty key", kind: KindEvent, consent: ConsentAnalytics, params: map[string]string{"": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.kind, tt.consent, tt.params)
			assert.Nil(t, p)
			require.Error(t, err)
			assert.True(t, failure.IsConfiguration(err))
		})
	}
}

func TestIncrementAttemptNeverDecreases(t *testing.T) {
	p := MustNew(KindSession, ConsentAnalytics, nil)
	prev := p.Attempt()
	for i := 0; i < 5; i++ {
		got := p.IncrementAttempt()
		assert.Greater(t, got, prev)
		prev = got
	}
	assert.Equal(t, 5, p.Attempt())
}

func TestKindPaths(t *testing.T) {
	for _, k := range Kinds() {
		assert.True(t, k.Valid(), "kind %s", k)
		assert.NotEmpty(t, k.Path(), "kind %s", k)
		assert.Equal(t, byte('/'), k.Path()[0], "kind %s", k)
	}
	assert.Equal(t, "/sdk_click", KindClick.Path())
	assert.Empty(t, Kind("nope").Path())
}

func TestParseConsent(t *testing.T) {
	c, err := ParseConsent("")
	require.NoError(t, err)
	assert.Equal(t, ConsentAnalytics, c)

	c, err = ParseConsent("consent")
	require.NoError(t, err)
	assert.Equal(t, ConsentMode, c)
	assert.Equal(t, "consent", c.String())

	_, err = ParseConsent("marketing")
	assert.Error(t, err)
}

func TestTaskRoundTrip(t *testing.T) {
	p := MustNew(KindClick, ConsentMode, map[string]string{"source": "deeplink"})
	p.IncrementAttempt()

	b, err := json.Marshal(p.ToTask(map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}))
	require.NoError(t, err)

	var task Task
	require.NoError(t, json.Unmarshal(b, &task))
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", task.TraceHeaders["traceparent"])

	back, err := FromTask(task)
	require.NoError(t, err)
	assert.Equal(t, p.ID(), back.ID())
	assert.Equal(t, p.Kind(), back.Kind())
	assert.Equal(t, p.Consent(), back.Consent())
	assert.Equal(t, 1, back.Attempt())
	assert.Equal(t, p.Params(), back.Params())
	assert.True(t, p.CreatedAt().Equal(back.CreatedAt()))
}

func TestFromTaskRejectsBadInput(t *testing.T) {
	_, err := FromTask(Task{Kind: "unknown"})
	assert.True(t, failure.IsConfiguration(err))

	_, err = FromTask(Task{Kind: "event", Attempt: -1})
	assert.True(t, failure.IsConfiguration(err))

	_, err = FromTask(Task{Kind: "event", Consent: "maybe"})
	assert.True(t, failure.IsConfiguration(err))
}
