package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/delivery"
	"github.com/austindbirch/harbor_beacon/internal/failure"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/response"
	"github.com/austindbirch/harbor_beacon/internal/sender"
	"github.com/austindbirch/harbor_beacon/internal/snapshot"
)

type fakeQueue struct {
	mu    sync.Mutex
	pkgs  []*activity.Package
	err   error
	stats delivery.Stats
}

func (f *fakeQueue) Enqueue(p *activity.Package) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pkgs = append(f.pkgs, p)
	return nil
}

func (f *fakeQueue) Stats() delivery.Stats {
	return f.stats
}

func (f *fakeQueue) enqueued() []*activity.Package {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*activity.Package(nil), f.pkgs...)
}

type fakeExecer struct {
	mu    sync.Mutex
	calls int
	args  [][]any
	err   error
}

func (f *fakeExecer) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.args = append(f.args, args)
	return pgconn.CommandTag{}, f.err
}

type published struct {
	topic string
	body  []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(topic string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic: topic, body: body})
	return nil
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter("relay-test", &strings.Builder{}, logging.LevelError)
}

func message(body string) *nsq.Message {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	return nsq.NewMessage(id, []byte(body))
}

func taskBody(t *testing.T, p *activity.Package, headers map[string]string) string {
	t.Helper()
	b, err := json.Marshal(p.ToTask(headers))
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return string(b)
}

func newTestRelay(t *testing.T, q Queue, store *fakeExecer, dlq *fakePublisher) *relay {
	t.Helper()
	r, err := newRelay(context.Background(), q, nil, nil, quietLogger(), relayOptions{DLQTopic: "packages_dlq", CacheSize: 16})
	if err != nil {
		t.Fatalf("newRelay() unexpected error: %v", err)
	}
	// set only non-nil sinks; a typed nil would count as configured
	if store != nil {
		r.store = store
	}
	if dlq != nil {
		r.dlq = dlq
	}
	return r
}

func TestNewRelay(t *testing.T) {
	tests := []struct {
		name      string
		cacheSize int
		wantErr   bool
	}{
		{name: "valid cache size", cacheSize: 10},
		{name: "zero cache size", cacheSize: 0, wantErr: true},
		{name: "negative cache size", cacheSize: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newRelay(context.Background(), &fakeQueue{}, nil, nil, nil, relayOptions{CacheSize: tt.cacheSize})
			if (err != nil) != tt.wantErr {
				t.Errorf("newRelay() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !failure.IsConfiguration(err) {
				t.Errorf("newRelay() error = %T, want a configuration error", err)
			}
		})
	}
}

func TestHandleMessage(t *testing.T) {
	valid := activity.MustNew(activity.KindSession, activity.ConsentAnalytics, map[string]string{"app_token": "abc"})

	tests := []struct {
		name         string
		body         string
		queueErr     error
		wantErr      bool
		wantEnqueued int
	}{
		{
			name:         "valid task is enqueued",
			body:         taskBody(t, valid, nil),
			wantEnqueued: 1,
		},
		{
			name: "bad json is finished",
			body: `{"package_id":`,
		},
		{
			name: "unknown kind is finished",
			body: `{"package_id":"p1","kind":"teleport","params":{}}`,
		},
		{
			name:     "closed queue requeues",
			body:     taskBody(t, valid, nil),
			queueErr: failure.ErrQueueClosed,
			wantErr:  true,
		},
		{
			name:     "other enqueue errors are finished",
			body:     taskBody(t, valid, nil),
			queueErr: errors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{err: tt.queueErr}
			r := newTestRelay(t, q, nil, nil)

			err := r.HandleMessage(message(tt.body))
			if (err != nil) != tt.wantErr {
				t.Errorf("HandleMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := len(q.enqueued()); got != tt.wantEnqueued {
				t.Errorf("HandleMessage() enqueued %d packages, want %d", got, tt.wantEnqueued)
			}
		})
	}
}

func TestHandleMessage_SkipsDuplicates(t *testing.T) {
	q := &fakeQueue{}
	r := newTestRelay(t, q, nil, nil)
	p := activity.MustNew(activity.KindEvent, activity.ConsentAnalytics, map[string]string{"event_token": "e1"})
	body := taskBody(t, p, nil)

	for i := 0; i < 3; i++ {
		if err := r.HandleMessage(message(body)); err != nil {
			t.Fatalf("HandleMessage() unexpected error: %v", err)
		}
	}
	got := q.enqueued()
	if len(got) != 1 {
		t.Fatalf("HandleMessage() enqueued %d packages, want 1", len(got))
	}
	if got[0].ID() != p.ID() {
		t.Errorf("enqueued package id = %q, want %q", got[0].ID(), p.ID())
	}
}

func TestHandleMessage_RetriesAfterClosedQueue(t *testing.T) {
	q := &fakeQueue{err: failure.ErrQueueClosed}
	r := newTestRelay(t, q, nil, nil)
	p := activity.MustNew(activity.KindEvent, activity.ConsentAnalytics, map[string]string{"event_token": "e1"})
	body := taskBody(t, p, nil)

	if err := r.HandleMessage(message(body)); err == nil {
		t.Fatal("HandleMessage() expected error but got none")
	}
	// a failed enqueue must not mark the package as seen
	q.err = nil
	if err := r.HandleMessage(message(body)); err != nil {
		t.Fatalf("HandleMessage() unexpected error: %v", err)
	}
	if len(q.enqueued()) != 1 {
		t.Errorf("HandleMessage() enqueued %d packages, want 1", len(q.enqueued()))
	}
}

func TestOnDelivery(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	headers := map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}

	tests := []struct {
		name          string
		raw           *sender.RawResponse
		reason        string
		wantPublished int
	}{
		{
			name:   "success is logged but not dead lettered",
			raw:    &sender.RawResponse{StatusCode: 200, Body: []byte(`{}`)},
			reason: response.ReasonSuccess,
		},
		{
			name:          "rejection is dead lettered",
			raw:           &sender.RawResponse{StatusCode: 400, Body: []byte(`{"error":"bad app token"}`)},
			reason:        response.ReasonServerRejected,
			wantPublished: 1,
		},
		{
			name:          "max attempts is dead lettered",
			raw:           &sender.RawResponse{StatusCode: 503, Body: []byte(`{}`)},
			reason:        delivery.ReasonMaxAttempts,
			wantPublished: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{stats: delivery.Stats{Cursor: 2}}
			store := &fakeExecer{}
			dlq := &fakePublisher{}
			r := newTestRelay(t, q, store, dlq)

			p := activity.MustNew(activity.KindSession, activity.ConsentAnalytics, map[string]string{"app_token": "abc"})
			if err := r.HandleMessage(message(taskBody(t, p, headers))); err != nil {
				t.Fatalf("HandleMessage() unexpected error: %v", err)
			}
			sent := q.enqueued()[0]
			sent.IncrementAttempt()

			r.onDelivery(fanout.Delivery{Response: response.Interpret(sent, tt.raw, nil), Reason: tt.reason, At: at})

			if store.calls != 1 {
				t.Errorf("delivery log writes = %d, want 1", store.calls)
			}
			if len(dlq.msgs) != tt.wantPublished {
				t.Fatalf("dlq publishes = %d, want %d", len(dlq.msgs), tt.wantPublished)
			}
			if tt.wantPublished == 0 {
				return
			}

			msg := dlq.msgs[0]
			if msg.topic != "packages_dlq" {
				t.Errorf("dlq topic = %q, want %q", msg.topic, "packages_dlq")
			}
			var dl delivery.DeadLetter
			if err := json.Unmarshal(msg.body, &dl); err != nil {
				t.Fatalf("dead letter decode: %v", err)
			}
			if dl.Reason != tt.reason || dl.Endpoint != 2 || dl.Attempt != 1 {
				t.Errorf("dead letter = %+v", dl)
			}
			if dl.Task.PackageID != p.ID() {
				t.Errorf("dead letter package = %q, want %q", dl.Task.PackageID, p.ID())
			}
			if dl.Task.TraceHeaders["traceparent"] != headers["traceparent"] {
				t.Errorf("dead letter trace headers = %v, want %v", dl.Task.TraceHeaders, headers)
			}
		})
	}
}

func TestOnDelivery_SinkFailures(t *testing.T) {
	q := &fakeQueue{}
	store := &fakeExecer{err: errors.New("db down")}
	dlq := &fakePublisher{err: errors.New("nsqd down")}
	r := newTestRelay(t, q, store, dlq)

	p := activity.MustNew(activity.KindClick, activity.ConsentAnalytics, map[string]string{"source": "deeplink"})
	p.IncrementAttempt()
	d := fanout.Delivery{
		Response: response.Interpret(p, &sender.RawResponse{StatusCode: 400, Body: []byte(`{}`)}, nil),
		Reason:   response.ReasonServerRejected,
		At:       time.Now(),
	}

	// neither failure may stop the other sink
	r.onDelivery(d)
	if store.calls != 1 {
		t.Errorf("delivery log writes = %d, want 1", store.calls)
	}
	r.onDelivery(fanout.Delivery{})
	if store.calls != 1 {
		t.Errorf("empty delivery wrote to the log")
	}
}

func TestPollBacklog(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantDepth int64
		wantErr   bool
	}{
		{
			name:      "channel found",
			status:    http.StatusOK,
			body:      `{"topics":[{"topic_name":"packages","channels":[{"channel_name":"other","depth":3},{"channel_name":"relay","depth":42}]}]}`,
			wantDepth: 42,
		},
		{
			name:   "topic missing",
			status: http.StatusOK,
			body:   `{"topics":[]}`,
		},
		{
			name:    "bad status",
			status:  http.StatusInternalServerError,
			body:    `oops`,
			wantErr: true,
		},
		{
			name:    "bad json",
			status:  http.StatusOK,
			body:    `{"topics":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
					t.Errorf("unexpected stats request %s", r.URL)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			addr := strings.TrimPrefix(srv.URL, "http://")
			depth, err := pollBacklog(context.Background(), srv.Client(), addr, "packages", "relay")
			if (err != nil) != tt.wantErr {
				t.Errorf("pollBacklog() error = %v, wantErr %v", err, tt.wantErr)
			}
			if depth != tt.wantDepth {
				t.Errorf("pollBacklog() depth = %d, want %d", depth, tt.wantDepth)
			}
		})
	}
}

func TestLifecycleHandler(t *testing.T) {
	cfg, err := config.Parse(map[string]string{"APP_TOKEN": "abc"})
	if err != nil {
		t.Fatalf("config.Parse() unexpected error: %v", err)
	}
	logger := quietLogger()
	hub := fanout.NewHub(logger)
	defer hub.Close()

	ctrls, err := startControllers(context.Background(), cfg, &fakeQueue{}, snapshot.NewMemoryStore(), hub, logger)
	if err != nil {
		t.Fatalf("startControllers() unexpected error: %v", err)
	}
	defer ctrls.stop()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /lifecycle/{signal}", ctrls.lifecycleHandler)

	tests := []struct {
		signal          string
		wantCode        int
		wantMeasurement string
	}{
		{signal: "background", wantCode: http.StatusOK, wantMeasurement: "paused"},
		{signal: "foreground", wantCode: http.StatusOK, wantMeasurement: "resumed"},
		{signal: "inactive", wantCode: http.StatusOK, wantMeasurement: "paused"},
		{signal: "active", wantCode: http.StatusOK, wantMeasurement: "resumed"},
		{signal: "sideways", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.signal, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/lifecycle/"+tt.signal, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("lifecycle %s status = %d, want %d", tt.signal, w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var fields map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &fields); err != nil {
				t.Fatalf("lifecycle response decode: %v", err)
			}
			if fields["measurement"] != tt.wantMeasurement {
				t.Errorf("measurement = %q, want %q", fields["measurement"], tt.wantMeasurement)
			}
		})
	}
}

func TestNSQLogger(t *testing.T) {
	var buf strings.Builder
	l := nsqLogger{logger: logging.NewWithWriter("relay-test", &buf, logging.LevelDebug)}
	if err := l.Output(2, "INF    1 [packages/relay] connecting"); err != nil {
		t.Fatalf("Output() unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"component":"nsq"`) {
		t.Errorf("Output() log = %s, want component field", buf.String())
	}
}

func TestBuildQueue_DefaultsSendUncompressed(t *testing.T) {
	encodings := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case encodings <- r.Header.Get("Content-Encoding"):
		default:
		}
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	cfg, err := config.Parse(map[string]string{"URL_STRATEGY": srv.URL})
	if err != nil {
		t.Fatalf("config.Parse() unexpected error: %v", err)
	}
	if cfg.Delivery.GzipMinBytes != 0 {
		t.Fatalf("GzipMinBytes default = %d, want 0", cfg.Delivery.GzipMinBytes)
	}

	q, err := buildQueue(cfg, quietLogger())
	if err != nil {
		t.Fatalf("buildQueue() unexpected error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start() unexpected error: %v", err)
	}
	defer func() { _ = q.Shutdown(ctx) }()

	pkg := activity.MustNew(activity.KindEvent, activity.ConsentAnalytics, map[string]string{"event_token": "e1"})
	if err := q.Enqueue(pkg); err != nil {
		t.Fatalf("Enqueue() unexpected error: %v", err)
	}

	select {
	case enc := <-encodings:
		if enc != "" {
			t.Errorf("Content-Encoding = %q, want none with default config", enc)
		}
	case <-ctx.Done():
		t.Fatal("package was never sent")
	}
}
