package failure

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Sentinel errors that can be checked with errors.Is.
var (
	// ErrQueueClosed is returned when work is handed to a queue after shutdown began.
	ErrQueueClosed = errors.New("delivery queue closed")
	// ErrEndpointsExhausted means every candidate domain failed for the package.
	ErrEndpointsExhausted = errors.New("endpoints exhausted")
	// ErrMaxAttempts means the package reached its attempt limit.
	ErrMaxAttempts = errors.New("max attempts reached")
	// ErrNotRetryable means the package kind is configured to never be retried.
	ErrNotRetryable = errors.New("package kind not retryable")
)

// TransportReason classifies a transport level failure
type TransportReason string

const (
	ReasonTimeout           TransportReason = "timeout"
	ReasonConnectionRefused TransportReason = "connection_refused"
	ReasonDNS               TransportReason = "dns_error"
	ReasonTLS               TransportReason = "tls_error"
	ReasonNetwork           TransportReason = "network"
)

// TransportError is a failed network exchange. Always retryable.
type TransportError struct {
	Reason  TransportReason
	URL     string
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err and classifies it
func NewTransportError(url string, attempt int, err error) *TransportError {
	return &TransportError{
		Reason:  ClassifyTransport(err),
		URL:     url,
		Attempt: attempt,
		Err:     err,
	}
}

// ClassifyTransport maps a network error to a TransportReason.
// Typed errors are checked first; the string checks catch wrapped errors
// that lost their type on the way up.
func ClassifyTransport(err error) TransportReason {
	if err == nil {
		return ReasonNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ReasonTimeout
		}
		return ReasonDNS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ReasonConnectionRefused
	}

	if isTLSError(err) {
		return ReasonTLS
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"), strings.Contains(errLower, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(errLower, "connection refused"):
		return ReasonConnectionRefused
	case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
		return ReasonDNS
	case strings.Contains(errLower, "tls"), strings.Contains(errLower, "x509"), strings.Contains(errLower, "certificate"):
		return ReasonTLS
	}
	return ReasonNetwork
}

func isTLSError(err error) bool {
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return true
	}
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &invalidErr)
}

// ServerRejectedError is a terminal HTTP answer: the backend read the
// package and refused it.
type ServerRejectedError struct {
	StatusCode int
	Message    string
}

func (e *ServerRejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server rejected package (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server rejected package (%d)", e.StatusCode)
}

// ConfigurationError is returned by constructors when their input would
// produce an invalid object. No value is returned alongside it.
type ConfigurationError struct {
	Field   string
	Problem string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Problem)
}

// Configf builds a ConfigurationError
func Configf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Problem: fmt.Sprintf(format, args...)}
}

// IsConfiguration reports whether err carries a ConfigurationError
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
