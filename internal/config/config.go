package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/backoff"
	"github.com/austindbirch/harbor_beacon/internal/endpoint"
	"github.com/austindbirch/harbor_beacon/internal/failure"
	"github.com/austindbirch/harbor_beacon/internal/logging"
)

type DB struct {
	User     string `env:"DB_USER" envDefault:"postgres"`
	Pass     string `env:"DB_PASS" envDefault:"postgres"`
	Host     string `env:"DB_HOST" envDefault:"postgres"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	Name     string `env:"DB_NAME" envDefault:"beacon"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	Disabled bool   `env:"DB_DISABLED" envDefault:"false"` // run without Postgres
}

type NSQ struct {
	NsqdTCPAddr    string `env:"NSQD_TCP_ADDR" envDefault:"nsqd:4150"`                     // e.g. nsqd:4150
	NsqdHTTPAddr   string `env:"NSQD_HTTP_ADDR" envDefault:"nsqd:4151"`                    // stats endpoint for the backlog gauge
	LookupHTTPAddr string `env:"NSQ_LOOKUP_HTTP_ADDR" envDefault:"http://nsqlookupd:4161"` // e.g. http://nsqlookupd:4161
	PackagesTopic  string `env:"NSQ_PACKAGES_TOPIC" envDefault:"packages"`                 // NSQ topic carrying package tasks
	DLQTopic       string `env:"NSQ_DLQ_TOPIC" envDefault:"packages_dlq"`                  // Dead letter topic for dropped packages
	RelayChannel   string `env:"NSQ_RELAY_CHANNEL" envDefault:"relay"`                     // NSQ channel name for relays
	MaxInFlight    int    `env:"NSQ_MAX_IN_FLIGHT" envDefault:"32"`                        // Messages buffered ahead of the queue
}

type Delivery struct {
	URLStrategy  string        `env:"URL_STRATEGY" envDefault:"default"` // preset name or comma separated domains
	ExtraPath    string        `env:"URL_EXTRA_PATH"`                    // path between host and kind path
	Exhaustion   string        `env:"URL_EXHAUSTION" envDefault:"stop"`  // stop or wrap
	NonRetryable []string      `env:"NON_RETRYABLE_KINDS" envSeparator:","`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"0"` // 0 means no limit
	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	GzipMinBytes int           `env:"GZIP_MIN_BYTES" envDefault:"0"` // 0 disables request compression
	UserAgent    string        `env:"USER_AGENT" envDefault:"harbor-beacon/1"`
}

// Backoff overrides a preset. Zero durations and multipliers and a negative
// jitter keep the preset value.
type Backoff struct {
	Base       time.Duration   `env:"BASE"`
	Multiplier float64         `env:"MULTIPLIER"`
	Ceiling    time.Duration   `env:"CEILING"`
	Jitter     float64         `env:"JITTER" envDefault:"-1"`
	Schedule   []time.Duration `env:"SCHEDULE" envSeparator:","` // e.g. 1s,4s,16s
}

type Relay struct {
	HTTPPort         string        `env:"RELAY_HTTP_PORT" envDefault:":8083"`          // Relay HTTP health/metrics port
	PublishDLQ       bool          `env:"PUBLISH_DLQ_TOPIC" envDefault:"true"`         // Publish dropped packages to the DLQ topic
	RecordDeliveries bool          `env:"RECORD_DELIVERIES" envDefault:"true"`         // Write terminal outcomes to Postgres
	DedupeCacheSize  int           `env:"DEDUPE_CACHE_SIZE" envDefault:"10000"`        // Recently seen package ids
	ShutdownTimeout  time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`     // Grace period for the in-flight exchange
	BacklogInterval  time.Duration `env:"RELAY_BACKLOG_INTERVAL" envDefault:"15s"`     // Queue depth sampling period
	AppToken         string        `env:"APP_TOKEN"`                                   // Copied into controller packages
	PushToken        string        `env:"PUSH_TOKEN"`                                  // Sent once at startup when set
	Controllers      bool          `env:"RELAY_CONTROLLERS" envDefault:"false"`        // Run attribution and push token controllers
	NoAttributionAsk bool          `env:"RELAY_NO_ATTRIBUTION_ASK" envDefault:"false"` // Leave the first attribution ask to the backend
}

type FakeBackend struct {
	FailFirstN      int           `env:"FAIL_FIRST_N" envDefault:"0"`          // Number of requests answered with 503 first
	RejectKinds     []string      `env:"REJECT_KINDS" envSeparator:","`        // Kinds answered with 400
	MalformedFields []string      `env:"MALFORMED_FIELDS" envSeparator:","`    // Envelope fields sent with a wrong type
	AskInMS         int           `env:"ASK_IN_MS" envDefault:"0"`             // ask_in added to session answers
	ResponseDelayMS int           `env:"RESPONSE_DELAY_MS" envDefault:"0"`     // Simulated response delay in milliseconds
	Port            string        `env:"FAKE_BACKEND_PORT" envDefault:":8081"` // Server listen port
	ReadTimeout     time.Duration `env:"FAKE_BACKEND_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"FAKE_BACKEND_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"FAKE_BACKEND_IDLE_TIMEOUT" envDefault:"60s"`
}

type Log struct {
	Level   string `env:"LOG_LEVEL" envDefault:"info"`
	Service string `env:"LOG_SERVICE"`
}

type Config struct {
	AppName            string `env:"APP_NAME" envDefault:"beacon"`
	DB                 DB
	NSQ                NSQ
	Delivery           Delivery
	Backoff            Backoff `envPrefix:"BACKOFF_"`
	AttributionBackoff Backoff `envPrefix:"ATTRIBUTION_BACKOFF_"`
	Relay              Relay
	FakeBackend        FakeBackend
	Log                Log
}

// FromEnv reads a .env file when one exists, then the environment
func FromEnv() (Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()
	return Parse(nil)
}

// Parse reads the config from vars, or from the process environment when vars is nil
func Parse(vars map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// ServiceName is the log service name, falling back to the app name
func (c Config) ServiceName() string {
	if c.Log.Service != "" {
		return c.Log.Service
	}
	return c.AppName
}

// EndpointConfig converts the delivery section for endpoint.New
func (c Config) EndpointConfig() (endpoint.Config, error) {
	policy, err := endpoint.ParseExhaustionPolicy(c.Delivery.Exhaustion)
	if err != nil {
		return endpoint.Config{}, err
	}
	out := endpoint.Config{
		Info:       c.Delivery.URLStrategy,
		ExtraPath:  c.Delivery.ExtraPath,
		Exhaustion: policy,
	}
	for _, k := range c.Delivery.NonRetryable {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		kind, err := activity.ParseKind(k)
		if err != nil {
			return endpoint.Config{}, err
		}
		out.NonRetryable = append(out.NonRetryable, kind)
	}
	return out, nil
}

// BackoffConfig is the package backoff: backoff.Long with overrides
func (c Config) BackoffConfig() backoff.Config {
	return c.Backoff.apply(backoff.Long())
}

// AttributionBackoffConfig is the attribution ask backoff: backoff.Short with overrides
func (c Config) AttributionBackoffConfig() backoff.Config {
	return c.AttributionBackoff.apply(backoff.Short())
}

func (b Backoff) apply(preset backoff.Config) backoff.Config {
	if b.Base != 0 {
		preset.Base = b.Base
	}
	if b.Multiplier != 0 {
		preset.Multiplier = b.Multiplier
	}
	if b.Ceiling != 0 {
		preset.Ceiling = b.Ceiling
	}
	if b.Jitter >= 0 {
		preset.Jitter = b.Jitter
	}
	if len(b.Schedule) > 0 {
		preset.Schedule = append([]time.Duration(nil), b.Schedule...)
	}
	return preset
}

// LogLevel parses Log.Level
func (c Config) LogLevel() (logging.Level, error) {
	return logging.ParseLevel(c.Log.Level)
}

// Validate checks every section and reports all problems at once
func (c Config) Validate() error {
	var errs error
	if ec, err := c.EndpointConfig(); err != nil {
		errs = multierr.Append(errs, err)
	} else if _, err := endpoint.New(ec); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Delivery.MaxAttempts < 0 {
		errs = multierr.Append(errs, failure.Configf("MAX_ATTEMPTS", "must not be negative, got %d", c.Delivery.MaxAttempts))
	}
	if c.Delivery.HTTPTimeout <= 0 {
		errs = multierr.Append(errs, failure.Configf("HTTP_TIMEOUT", "must be positive, got %s", c.Delivery.HTTPTimeout))
	}
	if c.Delivery.GzipMinBytes < 0 {
		errs = multierr.Append(errs, failure.Configf("GZIP_MIN_BYTES", "must not be negative, got %d", c.Delivery.GzipMinBytes))
	}
	if _, err := backoff.New(c.BackoffConfig()); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := backoff.New(c.AttributionBackoffConfig()); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.LogLevel(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.NSQ.MaxInFlight < 1 {
		errs = multierr.Append(errs, failure.Configf("NSQ_MAX_IN_FLIGHT", "must be at least 1, got %d", c.NSQ.MaxInFlight))
	}
	if c.Relay.DedupeCacheSize < 1 {
		errs = multierr.Append(errs, failure.Configf("DEDUPE_CACHE_SIZE", "must be at least 1, got %d", c.Relay.DedupeCacheSize))
	}
	for _, k := range c.FakeBackend.RejectKinds {
		if _, err := activity.ParseKind(strings.TrimSpace(k)); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
