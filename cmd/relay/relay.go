package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/db"
	"github.com/austindbirch/harbor_beacon/internal/delivery"
	"github.com/austindbirch/harbor_beacon/internal/failure"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/metrics"
	"github.com/austindbirch/harbor_beacon/internal/tracing"
)

const (
	writeTimeout = 5 * time.Second
	unknownKind  = "unknown"
	badPayload   = "bad_payload"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Queue is the part of *delivery.Queue the relay drives
type Queue interface {
	Enqueue(pkg *activity.Package) error
	Stats() delivery.Stats
}

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

type relayOptions struct {
	DLQTopic  string
	CacheSize int
}

// relay moves package tasks from NSQ into a delivery queue and reports
// terminal outcomes to Postgres and the dead letter topic.
type relay struct {
	ctx    context.Context
	queue  Queue
	store  db.Execer // nil disables the delivery log
	dlq    Publisher // nil disables DLQ publishing
	topic  string
	seen   *lru.Cache[string, map[string]string] // package id -> trace headers
	logger *logging.Logger
}

func newRelay(ctx context.Context, queue Queue, store db.Execer, dlq Publisher, logger *logging.Logger, opts relayOptions) (*relay, error) {
	if opts.CacheSize < 1 {
		return nil, failure.Configf("DEDUPE_CACHE_SIZE", "must be at least 1, got %d", opts.CacheSize)
	}
	seen, err := lru.New[string, map[string]string](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &relay{
		ctx:    ctx,
		queue:  queue,
		store:  store,
		dlq:    dlq,
		topic:  opts.DLQTopic,
		seen:   seen,
		logger: logger,
	}, nil
}

// HandleMessage implements nsq.Handler. Returning an error requeues the
// message on the broker.
func (r *relay) HandleMessage(m *nsq.Message) error {
	var t activity.Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		r.logger.Plain().WithError(err).Error("bad task payload")
		metrics.RecordDelivery(unknownKind, badPayload)
		return nil // terminal: don't retry bad payloads
	}

	if t.PackageID != "" && r.seen.Contains(t.PackageID) {
		metrics.RecordDuplicate()
		r.logger.Plain().WithPackage(t.PackageID).Debug("duplicate package skipped")
		return nil
	}

	pkg, err := activity.FromTask(t)
	if err != nil {
		r.logger.Plain().WithPackage(t.PackageID).WithError(err).Error("invalid package task")
		metrics.RecordDelivery(unknownKind, badPayload)
		return nil
	}

	ctx := tracing.ExtractFromMap(r.ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "relay.enqueue",
		attribute.String("package_id", pkg.ID()),
		attribute.String("kind", pkg.Kind().String()),
		attribute.Int("attempt", pkg.Attempt()),
	)
	defer span.End()

	if err := r.queue.Enqueue(pkg); err != nil {
		tracing.SetSpanError(ctx, err)
		r.logger.WithContext(ctx).WithPackage(pkg.ID()).WithError(err).Error("enqueue failed")
		if errors.Is(err, failure.ErrQueueClosed) {
			// another relay picks it up
			return err
		}
		return nil
	}
	r.seen.Add(pkg.ID(), t.TraceHeaders)
	r.logger.WithContext(ctx).WithPackage(pkg.ID()).WithKind(pkg.Kind()).Debug("package enqueued")
	return nil
}

func (r *relay) onDelivery(d fanout.Delivery) {
	if d.Response == nil || d.Response.Package == nil {
		return
	}
	pkg := d.Response.Package
	headers, _ := r.seen.Peek(pkg.ID())

	ctx := tracing.ExtractFromMap(r.ctx, headers)
	ctx, span := tracing.StartSpan(ctx, "relay.delivery",
		attribute.String("package_id", pkg.ID()),
		attribute.String("kind", pkg.Kind().String()),
		attribute.Int("attempt", pkg.Attempt()),
		attribute.String("reason", d.Reason),
	)
	defer span.End()

	entry := r.logger.WithContext(ctx).WithPackage(pkg.ID()).WithKind(pkg.Kind()).WithAttempt(pkg.Attempt()).WithField("reason", d.Reason)
	if d.Success() {
		entry.Debug("package delivered")
	} else {
		entry.Notice("package dropped")
	}

	if r.store != nil {
		if rec, ok := db.RecordFromDelivery(d); ok {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := db.InsertDelivery(wctx, r.store, rec)
			cancel()
			if err != nil {
				tracing.SetSpanError(ctx, err)
				entry.WithError(err).Error("delivery log insert failed")
			}
		}
	}

	if r.dlq == nil {
		return
	}
	dl, ok := delivery.NewDeadLetter(d, r.queue.Stats().Cursor, headers)
	if !ok {
		return
	}
	b, err := json.Marshal(dl)
	if err != nil {
		entry.WithError(err).Error("dlq encode failed")
		return
	}
	if err := r.dlq.Publish(r.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).Error("dlq publish failed")
		return
	}
	metrics.RecordDLQ(d.Reason)
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", r.topic))
	entry.WithField("topic", r.topic).Info("dlq published")
}

type nsqdStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// pollBacklog reads channel depth from nsqd and updates the backlog gauge
func pollBacklog(ctx context.Context, client *http.Client, nsqdHTTPAddr, topic, channel string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, topic), nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("nsqd stats: status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, err
	}
	for _, t := range stats.Topics {
		if t.Name != topic {
			continue
		}
		for _, c := range t.Channels {
			if c.Name == channel {
				metrics.SetRelayBacklog(topic, channel, c.Depth)
				return c.Depth, nil
			}
		}
	}
	metrics.SetRelayBacklog(topic, channel, 0)
	return 0, nil
}

// startBacklogMonitor samples the relay channel depth until ctx is done
func startBacklogMonitor(ctx context.Context, logger *logging.Logger, nsqdHTTPAddr, topic, channel string, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		httpClient := &http.Client{Timeout: 5 * time.Second}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := pollBacklog(ctx, httpClient, nsqdHTTPAddr, topic, channel); err != nil {
					logger.Plain().WithError(err).Error("Failed to get NSQ stats")
				}
			}
		}
	}()
}

// nsqLogger routes go-nsq logs through the service logger
type nsqLogger struct {
	logger *logging.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	l.logger.Plain().WithField("component", "nsq").Debug(s)
	return nil
}
