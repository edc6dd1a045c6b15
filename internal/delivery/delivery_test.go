package delivery

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/failure"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
	"github.com/austindbirch/harbor_beacon/internal/response"
	"github.com/austindbirch/harbor_beacon/internal/sender"
)

func TestNewDeadLetter(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	traceHeaders := map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}

	tests := []struct {
		name       string
		raw        *sender.RawResponse
		sendErr    error
		attempts   int
		reason     string
		wantStatus int
		wantErr    string
	}{
		{
			name:       "server rejection",
			raw:        &sender.RawResponse{StatusCode: 400, Body: []byte(`{"error":"invalid app token"}`)},
			reason:     response.ReasonServerRejected,
			wantStatus: 400,
			wantErr:    "invalid app token",
		},
		{
			name:     "endpoints exhausted after transport errors",
			sendErr:  failure.NewTransportError("http://b.test/session", 2, errors.New("connection refused")),
			attempts: 2,
			reason:   ReasonEndpointsExhausted,
			wantErr:  "connection refused",
		},
		{
			name:       "max attempts on server errors",
			raw:        &sender.RawResponse{StatusCode: 503, Body: []byte(`{"message":"busy"}`)},
			attempts:   5,
			reason:     ReasonMaxAttempts,
			wantStatus: 503,
			wantErr:    "503",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := activity.MustNew(activity.KindSession, activity.ConsentAnalytics, map[string]string{"app_token": "abc"})
			for i := 0; i < tt.attempts; i++ {
				p.IncrementAttempt()
			}
			d := fanout.Delivery{Response: response.Interpret(p, tt.raw, tt.sendErr), Reason: tt.reason, At: at}

			dl, ok := NewDeadLetter(d, 1, traceHeaders)
			require.True(t, ok)
			assert.Equal(t, DLQType, dl.Type)
			assert.Equal(t, "v1", dl.Version)
			assert.Equal(t, "2026-03-01T10:00:00Z", dl.At)
			assert.Equal(t, tt.reason, dl.Reason)
			assert.Equal(t, tt.attempts, dl.Attempt)
			assert.Equal(t, tt.wantStatus, dl.HTTPStatus)
			assert.Contains(t, dl.LastError, tt.wantErr)
			assert.Equal(t, 1, dl.Endpoint)
			assert.Equal(t, p.ID(), dl.Task.PackageID)
			assert.Equal(t, "session", dl.Task.Kind)
			assert.Equal(t, traceHeaders, dl.Task.TraceHeaders)
		})
	}
}

func TestNewDeadLetterSkipsSuccess(t *testing.T) {
	p := activity.MustNew(activity.KindEvent, activity.ConsentAnalytics, map[string]string{"event_token": "e1"})
	d := fanout.Delivery{
		Response: response.Interpret(p, &sender.RawResponse{StatusCode: 200, Body: []byte(`{"message":"ok"}`)}, nil),
		Reason:   response.ReasonSuccess,
	}
	_, ok := NewDeadLetter(d, 0, nil)
	assert.False(t, ok)

	_, ok = NewDeadLetter(fanout.Delivery{Reason: ReasonMaxAttempts}, 0, nil)
	assert.False(t, ok)
}

func TestDeadLetterJSON(t *testing.T) {
	p := activity.MustNew(activity.KindClick, activity.ConsentAnalytics, map[string]string{"source": "deeplink"})
	d := fanout.Delivery{
		Response: response.Interpret(p, &sender.RawResponse{StatusCode: 404, Body: []byte(`{"message":"unknown"}`)}, nil),
		Reason:   response.ReasonServerRejected,
		At:       time.Now(),
	}
	dl, ok := NewDeadLetter(d, 0, nil)
	require.True(t, ok)

	b, err := json.Marshal(dl)
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, DLQType, back["type"])
	assert.Equal(t, float64(404), back["http_status"])
	task := back["task"].(map[string]any)
	assert.Equal(t, "click", task["kind"])
	assert.NotContains(t, task, "trace_headers")

	var decoded DeadLetter
	require.NoError(t, json.Unmarshal(b, &decoded))
	restored, err := activity.FromTask(decoded.Task)
	require.NoError(t, err)
	assert.Equal(t, p.ID(), restored.ID())
	v, _ := restored.Param("source")
	assert.Equal(t, "deeplink", v)
}
