package main

import (
	"context"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/austindbirch/harbor_beacon/internal/backoff"
	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/db"
	"github.com/austindbirch/harbor_beacon/internal/delivery"
	"github.com/austindbirch/harbor_beacon/internal/endpoint"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
	"github.com/austindbirch/harbor_beacon/internal/health"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/metrics"
	"github.com/austindbirch/harbor_beacon/internal/sender"
	"github.com/austindbirch/harbor_beacon/internal/snapshot"
	"github.com/austindbirch/harbor_beacon/internal/tracing"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Plain().WithError(err).Fatal("config load failed")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	logger := logging.New(cfg.ServiceName() + "-relay")
	logging.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	level, _ := cfg.LogLevel()
	logger.SetLevel(level)

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.InitTracing(ctx, cfg.ServiceName()+"-relay")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	// DB connect
	var pool *pgxpool.Pool
	var pinger health.Pinger
	var store snapshot.Store = snapshot.NewMemoryStore()
	var deliveryLog db.Execer
	if !cfg.DB.Disabled {
		pool, err = db.ConnectWithMaxConns(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		if err := db.EnsureSchema(ctx, pool); err != nil {
			logger.Plain().WithError(err).Fatal("db schema setup failed")
		}
		pinger = pool
		store = snapshot.NewPGStore(pool)
		if cfg.Relay.RecordDeliveries {
			deliveryLog = pool
		}
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Delivery queue
	queue, err := buildQueue(cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("delivery queue setup failed")
	}
	hub := queue.Hub()

	// DLQ producer
	var dlq Publisher
	if cfg.Relay.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		producer.SetLogger(nsqLogger{logger: logger}, nsq.LogLevelWarning)
		defer producer.Stop()
		dlq = producer
	}

	r, err := newRelay(ctx, queue, deliveryLog, dlq, logger, relayOptions{
		DLQTopic:  cfg.NSQ.DLQTopic,
		CacheSize: cfg.Relay.DedupeCacheSize,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("relay setup failed")
	}
	deliveriesSub := fanout.Subscribe(hub.Deliveries, r, (*relay).onDelivery)
	defer deliveriesSub.Cancel()

	// the queue stops on Shutdown below, not on the signal
	if err := queue.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Plain().WithError(err).Fatal("delivery queue start failed")
	}

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pinger, queue))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var ctrls *controllers
	if cfg.Relay.Controllers {
		ctrls, err = startControllers(ctx, cfg, queue, store, hub, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("controller setup failed")
		}
		mux.HandleFunc("POST /lifecycle/{signal}", ctrls.lifecycleHandler)
	}

	httpSrv := &http.Server{Addr: cfg.Relay.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("relay HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("relay HTTP server failed")
		}
	}()

	// NSQ consumer; one handler keeps packages in broker order
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.NSQ.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.PackagesTopic, cfg.NSQ.RelayChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.SetLogger(nsqLogger{logger: logger}, nsq.LogLevelWarning)
	consumer.AddHandler(r)

	startBacklogMonitor(ctx, logger, cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.PackagesTopic, cfg.NSQ.RelayChannel, cfg.Relay.BacklogInterval)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("relay service started")
	<-ctx.Done()

	logger.Plain().Info("Shutting down relay service")
	consumer.Stop()
	<-consumer.StopChan

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	errs := multierr.Combine(
		queue.Shutdown(shutdownCtx),
		httpSrv.Shutdown(shutdownCtx),
	)
	if ctrls != nil {
		ctrls.stop()
	}
	hub.Close()
	if errs != nil {
		logger.Plain().WithError(errs).Error("relay shutdown incomplete")
	}
	// the hub only holds r weakly
	runtime.KeepAlive(r)
	logger.Plain().Info("relay service stopped")
	_ = logger.Sync()
}

func buildQueue(cfg config.Config, logger *logging.Logger) (*delivery.Queue, error) {
	ec, err := cfg.EndpointConfig()
	if err != nil {
		return nil, err
	}
	urls, err := endpoint.New(ec)
	if err != nil {
		return nil, err
	}
	bo, err := backoff.New(cfg.BackoffConfig())
	if err != nil {
		return nil, err
	}
	snd := sender.New(
		sender.WithTimeout(cfg.Delivery.HTTPTimeout),
		sender.WithGzip(cfg.Delivery.GzipMinBytes),
		sender.WithUserAgent(cfg.Delivery.UserAgent),
		sender.WithLogger(logger),
	)
	return delivery.New(delivery.Deps{
		Sender:  snd,
		URLs:    urls,
		Backoff: bo,
		Hub:     fanout.NewHub(logger),
		Logger:  logger,
	}, delivery.Options{MaxAttempts: cfg.Delivery.MaxAttempts})
}
