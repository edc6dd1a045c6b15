package fanout

import (
	"time"

	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/response"
	"github.com/austindbirch/harbor_beacon/internal/snapshot"
)

// Delivery is the single terminal notification for a package
type Delivery struct {
	Response *response.Response
	// Reason is "success" or why the package was dropped.
	Reason string
	At     time.Time
}

// Success reports whether the package reached the backend
func (d Delivery) Success() bool {
	return d.Response != nil && d.Response.Success()
}

// RetryScheduled is published when a package goes back to wait for a resend
type RetryScheduled struct {
	Response *response.Response
	Attempt  int
	Delay    time.Duration
	// Cursor is the endpoint index the resend will use.
	Cursor int
}

// AttributionChanged is published when the known attribution changes
type AttributionChanged struct {
	Previous *response.Attribution
	Current  *response.Attribution
}

// PausingChanged asks delivery to stop or restart dequeuing
type PausingChanged struct {
	Paused bool
	Reason string
}

// LifecycleChanged carries the measurement lifecycle after a transition
type LifecycleChanged struct {
	AppStarted  bool
	SdkStarted  bool
	Measurement snapshot.Measurement
}

// Hub groups the buses of one SDK instance
type Hub struct {
	Deliveries  *Bus[Delivery]
	Retries     *Bus[RetryScheduled]
	Attribution *Bus[AttributionChanged]
	Pausing     *Bus[PausingChanged]
	Lifecycle   *Bus[LifecycleChanged]
}

// NewHub creates every bus
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		Deliveries:  NewBus[Delivery]("deliveries", logger),
		Retries:     NewBus[RetryScheduled]("retries", logger),
		Attribution: NewBus[AttributionChanged]("attribution", logger),
		Pausing:     NewBus[PausingChanged]("pausing", logger),
		Lifecycle:   NewBus[LifecycleChanged]("lifecycle", logger),
	}
}

// Close drains and closes every bus
func (h *Hub) Close() {
	h.Pausing.Close()
	h.Lifecycle.Close()
	h.Deliveries.Close()
	h.Retries.Close()
	h.Attribution.Close()
}
