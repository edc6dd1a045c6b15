// Package sender performs one network exchange for one package.
//
// A Sender never retries. It returns the raw answer of the backend for any
// HTTP status, or a *failure.TransportError when no answer was received.
package sender

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/endpoint"
	"github.com/austindbirch/harbor_beacon/internal/failure"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/tracing"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "harbor-beacon/1"
	// MaxBodyBytes bounds how much of a response body is read.
	MaxBodyBytes = 1 << 20

	// SentAtParam and AttemptParam are added to every outgoing parameter set.
	SentAtParam  = "sent_at"
	AttemptParam = "attempt"
)

// RawResponse is an HTTP answer as received, before interpretation
type RawResponse struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Latency    time.Duration
}

// Sender performs a single exchange
type Sender interface {
	Send(ctx context.Context, url string, pkg *activity.Package, sc endpoint.SendContext) (*RawResponse, error)
}

// Option configures an HTTPSender
type Option func(*HTTPSender)

// WithClient replaces the HTTP client
func WithClient(c *http.Client) Option {
	return func(s *HTTPSender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout sets the timeout of the default client
func WithTimeout(d time.Duration) Option {
	return func(s *HTTPSender) {
		if d > 0 {
			s.client.Timeout = d
		}
	}
}

// WithGzip compresses POST bodies of at least minSize bytes. A minSize <= 0
// leaves compression off.
func WithGzip(minSize int) Option {
	return func(s *HTTPSender) {
		s.gzip = minSize > 0
		s.gzipMin = minSize
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(s *HTTPSender) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *HTTPSender) {
		if l != nil {
			s.logger = l
		}
	}
}

// HTTPSender sends packages over HTTP. Safe for concurrent use.
type HTTPSender struct {
	client    *http.Client
	userAgent string
	gzip      bool
	gzipMin   int
	logger    *logging.Logger
	now       func() time.Time
}

// New builds an HTTPSender
func New(opts ...Option) *HTTPSender {
	s := &HTTPSender{
		client:    &http.Client{Timeout: DefaultTimeout},
		userAgent: DefaultUserAgent,
		logger:    logging.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send performs the exchange. Attribution packages are sent as GET with a
// query string; every other kind is a form encoded POST.
func (s *HTTPSender) Send(ctx context.Context, rawURL string, pkg *activity.Package, sc endpoint.SendContext) (*RawResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "sender.send",
		attribute.String("package.id", pkg.ID()),
		attribute.String("package.kind", pkg.Kind().String()),
		attribute.Int("package.attempt", pkg.Attempt()),
		attribute.String("http.url", rawURL),
	)
	defer span.End()

	form := url.Values{}
	for k, v := range sc.Params {
		form.Set(k, v)
	}
	form.Set(SentAtParam, s.now().UTC().Format(time.RFC3339))
	form.Set(AttemptParam, strconv.Itoa(pkg.Attempt()+1))

	req, err := s.buildRequest(ctx, rawURL, pkg.Kind(), form)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, failure.NewTransportError(rawURL, pkg.Attempt(), err)
	}
	tracing.InjectHTTP(ctx, req.Header)

	start := s.now()
	tracing.AddSpanEvent(ctx, "http.send_package")
	resp, err := s.client.Do(req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		terr := failure.NewTransportError(rawURL, pkg.Attempt(), err)
		span.SetAttributes(attribute.String("failure_reason", string(terr.Reason)))
		s.logger.WithContext(ctx).WithPackage(pkg.ID()).WithEndpoint(rawURL).WithError(err).
			Debug("exchange failed before a response")
		return nil, terr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	latency := s.now().Sub(start)
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, failure.NewTransportError(rawURL, pkg.Attempt(), err)
	}

	s.logger.WithContext(ctx).WithPackage(pkg.ID()).WithEndpoint(rawURL).
		WithFields(map[string]any{"status": resp.StatusCode, "latency": latency.String()}).
		Trace("response received")

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
		Header:     resp.Header.Clone(),
		Latency:    latency,
	}, nil
}

func (s *HTTPSender) buildRequest(ctx context.Context, rawURL string, kind activity.Kind, form url.Values) (*http.Request, error) {
	if kind == activity.KindAttribution {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		for k, vs := range form {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		s.setCommonHeaders(req)
		return req, nil
	}

	encoded := form.Encode()
	var body io.Reader = strings.NewReader(encoded)
	compressed := false
	if s.gzip && len(encoded) >= s.gzipMin {
		buf, err := gzipBytes([]byte(encoded))
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
		compressed = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	s.setCommonHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	return req, nil
}

func (s *HTTPSender) setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json")
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
