package response

import (
	"net/http"
	"strconv"
)

// Outcome is the classification of one exchange
type Outcome int

const (
	// Success means the backend accepted the package.
	Success Outcome = iota
	// Retryable means the package should be sent again later.
	Retryable
	// Terminal means the package is dropped without further retry.
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// transientClientStatuses are the 4xx answers that describe a passing
// condition rather than a bad package.
var transientClientStatuses = map[int]struct{}{
	http.StatusRequestTimeout:  {},
	http.StatusTooEarly:        {},
	http.StatusTooManyRequests: {},
}

// Classify maps an HTTP status to an Outcome: 2xx succeed; 5xx and the
// transient 4xx (408, 425, 429) are retried; every other status is terminal.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Success
	case status >= 500 && status < 600:
		return Retryable
	case status >= 400 && status < 500:
		if _, ok := transientClientStatuses[status]; ok {
			return Retryable
		}
		return Terminal
	default:
		return Terminal
	}
}

// statusReason names a non-success status for metrics and logs
func statusReason(status int) string {
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status == http.StatusRequestTimeout:
		return "http_408"
	case status == http.StatusTooEarly:
		return "http_425"
	case status >= 400:
		return "http_4xx"
	default:
		return "http_other"
	}
}
