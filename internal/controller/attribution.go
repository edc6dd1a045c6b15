package controller

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/backoff"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/response"
	"github.com/austindbirch/harbor_beacon/internal/snapshot"
)

// Who asked for an attribution package
const (
	InitiatedBySdk     = "sdk"
	InitiatedByBackend = "backend"

	InitiatedByParam = "initiated_by"
)

// AttributionOptions tune an Attribution controller
type AttributionOptions struct {
	// Backoff spaces out asks after failed attribution packages. Defaults to backoff.Short().
	Backoff backoff.Backoff
	Clock   clock.Clock
	// Params are copied into every attribution package.
	Params map[string]string
	// DoNotInitiate leaves the first ask to the backend (ask_in).
	DoNotInitiate bool
}

// Attribution asks the backend for the install attribution and keeps the
// last answer. It reacts to delivered packages: a successful session starts
// the first ask, ask_in schedules another one and a dropped ask is retried
// with its own backoff.
type Attribution struct {
	queue   Enqueuer
	store   snapshot.Store
	hub     *fanout.Hub
	logger  *logging.Logger
	backoff backoff.Backoff
	clock   clock.Clock
	params  map[string]string
	noInit  bool

	mu       sync.Mutex
	state    snapshot.AttributionState
	paused   bool
	deferred string // initiator of an ask held back while paused
	asking   bool   // an attribution package is queued or in flight
	failures int
	timer    *clock.Timer
	timerSeq uint64
	subs     []*fanout.Subscription
	started  bool
}

// NewAttribution loads the persisted attribution state
func NewAttribution(ctx context.Context, queue Enqueuer, store snapshot.Store, hub *fanout.Hub, logger *logging.Logger, opts AttributionOptions) (*Attribution, error) {
	state, err := snapshot.LoadInto(ctx, store, snapshot.TypeAttribution, snapshot.DecodeAttributionState, snapshot.InitialAttributionState())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.MustNew(backoff.Short())
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Attribution{
		queue:   queue,
		store:   store,
		hub:     hub,
		logger:  logger,
		backoff: opts.Backoff,
		clock:   opts.Clock,
		params:  maps.Clone(opts.Params),
		noInit:  opts.DoNotInitiate,
		state:   state,
	}, nil
}

// Start subscribes to the hub. An ask interrupted by a restart is sent again.
func (a *Attribution) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	a.subs = append(a.subs,
		fanout.Subscribe(a.hub.Deliveries, a, (*Attribution).onDelivery),
		fanout.Subscribe(a.hub.Pausing, a, (*Attribution).onPausing),
	)
	if a.state.Status == snapshot.AttributionAsking {
		a.askLocked(InitiatedBySdk)
	}
}

// Stop detaches from the hub and cancels a scheduled ask
func (a *Attribution) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.subs {
		s.Cancel()
	}
	a.subs = nil
	a.cancelTimerLocked()
}

// State returns the current status and attribution
func (a *Attribution) State() snapshot.AttributionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Attribution) onPausing(e fanout.PausingChanged) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = e.Paused
	if !a.paused && a.deferred != "" {
		initiator := a.deferred
		a.deferred = ""
		a.askLocked(initiator)
	}
}

func (a *Attribution) onDelivery(d fanout.Delivery) {
	resp := d.Response
	if resp == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	switch data := resp.Data.(type) {
	case response.AttributionData:
		a.asking = false
		if !d.Success() {
			a.failures++
			delay := a.backoff.Delay(a.failures)
			a.logger.Plain().WithPackage(resp.Package.ID()).WithField("reason", d.Reason).
				Noticef("attribution ask dropped, asking again in %s", delay)
			a.scheduleLocked(delay, InitiatedBySdk)
			return
		}
		a.failures = 0
		a.handleAnswerLocked(resp.Envelope, data.Attribution)
	case response.ClickData:
		if d.Success() && data.Attribution != nil {
			a.receivedLocked(data.Attribution)
		}
		if d.Success() && resp.Envelope.AskIn > 0 {
			a.backendAskLocked(resp.Envelope.AskIn)
		}
	case response.SessionData:
		if !d.Success() {
			return
		}
		if resp.Envelope.AskIn > 0 {
			a.backendAskLocked(resp.Envelope.AskIn)
			return
		}
		if a.state.Status == snapshot.AttributionWaitingForInstall && !a.noInit {
			a.askLocked(InitiatedBySdk)
		}
	default:
		if d.Success() && resp.Envelope.AskIn > 0 {
			a.backendAskLocked(resp.Envelope.AskIn)
		}
	}
}

func (a *Attribution) handleAnswerLocked(env response.Envelope, attr *response.Attribution) {
	switch {
	case env.OptedOut():
		a.cancelTimerLocked()
		a.setStatusLocked(snapshot.AttributionUnavailable)
	case env.AskIn > 0:
		if attr != nil {
			a.receivedLocked(attr)
		}
		a.backendAskLocked(env.AskIn)
	case attr != nil:
		a.receivedLocked(attr)
	default:
		a.setStatusLocked(snapshot.AttributionUnavailable)
	}
}

func (a *Attribution) backendAskLocked(in time.Duration) {
	a.setStatusLocked(snapshot.AttributionAsking)
	a.scheduleLocked(in, InitiatedByBackend)
}

func (a *Attribution) receivedLocked(attr *response.Attribution) {
	prev := a.state.Attribution
	a.state = snapshot.AttributionState{Status: snapshot.AttributionReceived, Attribution: attr}
	a.saveLocked()
	if !prev.Equal(attr) {
		a.logger.Plain().WithFields(map[string]any{"tracker_token": attr.TrackerToken, "network": attr.Network}).Info("attribution changed")
		a.hub.Attribution.Publish(fanout.AttributionChanged{Previous: prev, Current: attr})
	}
}

func (a *Attribution) setStatusLocked(status snapshot.AttributionStatus) {
	if a.state.Status == status {
		return
	}
	a.state.Status = status
	a.saveLocked()
}

// askLocked enqueues one attribution package unless one is already out
func (a *Attribution) askLocked(initiatedBy string) {
	if a.paused {
		a.deferred = initiatedBy
		return
	}
	if a.asking {
		return
	}
	params := maps.Clone(a.params)
	if params == nil {
		params = map[string]string{}
	}
	params[InitiatedByParam] = initiatedBy

	pkg, err := activity.New(activity.KindAttribution, activity.ConsentAnalytics, params)
	if err != nil {
		a.logger.Plain().WithError(err).Error("build attribution package")
		return
	}
	if err := a.queue.Enqueue(pkg); err != nil {
		a.logger.Plain().WithPackage(pkg.ID()).WithError(err).Notice("attribution ask not queued")
		return
	}
	a.asking = true
	a.logger.Plain().WithPackage(pkg.ID()).WithField(InitiatedByParam, initiatedBy).Debug("attribution ask queued")
	a.setStatusLocked(snapshot.AttributionAsking)
}

func (a *Attribution) scheduleLocked(delay time.Duration, initiatedBy string) {
	a.cancelTimerLocked()
	seq := a.timerSeq
	a.timer = a.clock.AfterFunc(delay, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if seq != a.timerSeq {
			return
		}
		a.timer = nil
		a.askLocked(initiatedBy)
	})
}

func (a *Attribution) cancelTimerLocked() {
	a.timerSeq++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Attribution) saveLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := a.store.Save(ctx, a.state.Encode()); err != nil {
		a.logger.Plain().WithError(err).Error("persist attribution state")
	}
}
