package delivery

import (
	"time"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
)

const DLQType = "beacon.dlq"

type DeadLetter struct {
	Type       string        `json:"type"`    // "beacon.dlq"
	Version    string        `json:"version"` // schema version
	At         string        `json:"at"`      // RFC3339 time the package was dropped
	Reason     string        `json:"reason"`  // terminal reason
	Attempt    int           `json:"attempt"` // failed exchanges before the drop
	HTTPStatus int           `json:"http_status,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Endpoint   int           `json:"endpoint_cursor"`
	Task       activity.Task `json:"task"` // the dropped package
}

// NewDeadLetter records a dropped package from its terminal delivery.
// Successful deliveries have no dead letter and return false.
func NewDeadLetter(d fanout.Delivery, cursor int, traceHeaders map[string]string) (DeadLetter, bool) {
	if d.Success() || d.Response == nil || d.Response.Package == nil {
		return DeadLetter{}, false
	}
	resp := d.Response
	dl := DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         d.At.UTC().Format(time.RFC3339Nano),
		Reason:     d.Reason,
		Attempt:    resp.Package.Attempt(),
		HTTPStatus: resp.StatusCode,
		Endpoint:   cursor,
		Task:       resp.Package.ToTask(traceHeaders),
	}
	if err := resp.Err(); err != nil {
		dl.LastError = err.Error()
	}
	return dl, true
}
