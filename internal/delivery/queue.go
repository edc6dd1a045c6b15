// Package delivery runs the sequential send loop.
//
// A Queue owns one goroutine, the loop, which is the only code that touches
// the endpoint cursor, the package attempt counters and the pending list.
// Every other entry point (Enqueue, Pause, Resume, backoff timers, exchange
// results) posts a closure into the loop's mailbox and returns at once.
// At most one exchange is in flight at any time.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/backoff"
	"github.com/austindbirch/harbor_beacon/internal/endpoint"
	"github.com/austindbirch/harbor_beacon/internal/failure"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/metrics"
	"github.com/austindbirch/harbor_beacon/internal/response"
	"github.com/austindbirch/harbor_beacon/internal/sender"
)

// Terminal reasons added by the queue on top of the response reasons
const (
	ReasonEndpointsExhausted = "endpoints_exhausted"
	ReasonMaxAttempts        = "max_attempts"
	ReasonNotRetryable       = "not_retryable"
)

// State of the send loop
type State int

const (
	StateIdle State = iota
	StateSending
	StateAwaitingBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingBackoff:
		return "awaiting_backoff"
	default:
		return "unknown"
	}
}

// URLStrategy is the endpoint policy driven by the queue
type URLStrategy interface {
	Resolve(kind activity.Kind, consent activity.Consent, sc endpoint.SendContext) (string, endpoint.SendContext)
	ShouldRetryAfterFailure(kind activity.Kind) bool
	ResetAfterSuccess()
	Cursor() int
	Retryable(kind activity.Kind) bool
}

// Deps are the collaborators of a Queue. Sender and URLs are required.
type Deps struct {
	Sender  sender.Sender
	URLs    URLStrategy
	Backoff backoff.Backoff
	Hub     *fanout.Hub
	Clock   clock.Clock
	Logger  *logging.Logger
}

// Options tune a Queue
type Options struct {
	// MaxAttempts drops a package after this many failed exchanges. 0 means no limit.
	MaxAttempts int
}

// Stats is a point in time view of the loop
type Stats struct {
	State        State  `json:"-"`
	StateName    string `json:"state"`
	Depth        int    `json:"depth"`
	Paused       bool   `json:"paused"`
	Cursor       int    `json:"cursor"`
	ShuttingDown bool   `json:"shutting_down"`
}

// Queue is the sequential delivery queue
type Queue struct {
	sender  sender.Sender
	urls    URLStrategy
	backoff backoff.Backoff
	hub     *fanout.Hub
	clock   clock.Clock
	logger  *logging.Logger
	opts    Options

	// mailbox, shared with callers
	mu      sync.Mutex
	inbox   []func()
	wake    chan struct{}
	started bool
	closed  bool
	done    chan struct{}

	sendCtx    context.Context
	sendCancel context.CancelFunc
	pausingSub *fanout.Subscription

	// loop owned
	pending      []*activity.Package
	state        State
	paused       bool
	inflight     bool
	shuttingDown bool
	timer        *clock.Timer
	timerSeq     uint64

	statsMu sync.RWMutex
	stats   Stats
}

// New validates deps and builds a stopped Queue. Call Start to run it.
func New(deps Deps, opts Options) (*Queue, error) {
	if deps.Sender == nil {
		return nil, failure.Configf("delivery sender", "required")
	}
	if deps.URLs == nil {
		return nil, failure.Configf("delivery url strategy", "required")
	}
	if opts.MaxAttempts < 0 {
		return nil, failure.Configf("max attempts", "must not be negative, got %d", opts.MaxAttempts)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Backoff == nil {
		deps.Backoff = backoff.MustNew(backoff.Long())
	}
	if deps.Hub == nil {
		deps.Hub = fanout.NewHub(deps.Logger)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	q := &Queue{
		sender:  deps.Sender,
		urls:    deps.URLs,
		backoff: deps.Backoff,
		hub:     deps.Hub,
		clock:   deps.Clock,
		logger:  deps.Logger,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	q.pausingSub = fanout.Subscribe(q.hub.Pausing, q, (*Queue).onPausing)
	q.updateStats()
	return q, nil
}

// Hub returns the buses the queue publishes to
func (q *Queue) Hub() *fanout.Hub {
	return q.hub
}

// Start runs the loop until Shutdown is called or ctx is done. Exchanges
// carry the values of ctx but not its cancellation.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return failure.ErrQueueClosed
	}
	if q.started {
		return errors.New("delivery queue already started")
	}
	q.started = true
	q.sendCtx, q.sendCancel = context.WithCancel(context.WithoutCancel(ctx))
	go q.run(ctx)
	return nil
}

// Enqueue hands pkg to the loop without waiting for it
func (q *Queue) Enqueue(pkg *activity.Package) error {
	if pkg == nil {
		return errors.New("enqueue nil package")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return failure.ErrQueueClosed
	}
	q.inbox = append(q.inbox, func() { q.onEnqueue(pkg) })
	q.mu.Unlock()
	q.signal()

	metrics.RecordEnqueued(pkg.Kind().String())
	return nil
}

// Pause stops new dequeues. An exchange already in flight completes.
func (q *Queue) Pause() {
	q.post(func() { q.setPaused(true) })
}

// Resume restarts dequeuing
func (q *Queue) Resume() {
	q.post(func() { q.setPaused(false) })
}

func (q *Queue) onPausing(e fanout.PausingChanged) {
	q.logger.Plain().WithField("reason", e.Reason).Debugf("pausing signal paused=%t", e.Paused)
	if e.Paused {
		q.Pause()
	} else {
		q.Resume()
	}
}

// Shutdown cancels pending backoff timers and stops the loop. An exchange
// in flight is allowed to finish and its outcome is discarded. If ctx ends
// first the exchange is cancelled and ctx.Err() is returned. Packages still
// pending are not sent and not published.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	started := q.started
	if q.closed {
		q.mu.Unlock()
		if started {
			<-q.done
		}
		return nil
	}
	q.closed = true
	q.inbox = append(q.inbox, q.beginShutdown)
	q.mu.Unlock()

	if !started {
		q.pausingSub.Cancel()
		return nil
	}
	q.signal()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.sendCancel()
		return ctx.Err()
	}
}

// Stats returns the latest loop state
func (q *Queue) Stats() Stats {
	q.statsMu.RLock()
	defer q.statsMu.RUnlock()
	return q.stats
}

// post queues fn for the loop. Internal callbacks keep posting after
// Shutdown so that an in-flight result still reaches the loop.
func (q *Queue) post(fn func()) {
	q.mu.Lock()
	q.inbox = append(q.inbox, fn)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) takeInbox() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	fns := q.inbox
	q.inbox = nil
	return fns
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	defer q.sendCancel()

	ctxDone := ctx.Done()
	for {
		select {
		case <-q.wake:
		case <-ctxDone:
			ctxDone = nil
			q.mu.Lock()
			q.closed = true
			q.mu.Unlock()
			q.beginShutdown()
		}
		for _, fn := range q.takeInbox() {
			fn()
		}
		q.updateStats()
		if q.shuttingDown && !q.inflight {
			q.logger.Plain().WithField("dropped_pending", len(q.pending)).Info("delivery queue stopped")
			return
		}
	}
}

func (q *Queue) onEnqueue(pkg *activity.Package) {
	if q.shuttingDown {
		return
	}
	q.pending = append(q.pending, pkg)
	metrics.SetQueueDepth(len(q.pending))
	q.logger.Plain().WithPackage(pkg.ID()).WithKind(pkg.Kind()).WithField("depth", len(q.pending)).Trace("package queued")
	q.dispatch()
}

func (q *Queue) setPaused(paused bool) {
	if q.shuttingDown || q.paused == paused {
		return
	}
	q.paused = paused
	q.logger.Plain().WithField("depth", len(q.pending)).Infof("delivery paused=%t", paused)
	if !paused {
		q.dispatch()
	}
}

// dispatch starts an exchange for the head package when allowed
func (q *Queue) dispatch() {
	if q.shuttingDown || q.paused || q.state != StateIdle || len(q.pending) == 0 {
		return
	}
	pkg := q.pending[0]
	url, sc := q.urls.Resolve(pkg.Kind(), pkg.Consent(), endpoint.NewSendContext(pkg))

	q.state = StateSending
	q.inflight = true
	q.logger.Plain().WithPackage(pkg.ID()).WithKind(pkg.Kind()).WithEndpoint(url).WithAttempt(pkg.Attempt()).Debug("sending package")

	ctx := q.sendCtx
	start := q.clock.Now()
	go func() {
		raw, err := q.sender.Send(ctx, url, pkg, sc)
		q.post(func() { q.onResult(pkg, url, start, raw, err) })
	}()
}

func (q *Queue) onResult(pkg *activity.Package, url string, start time.Time, raw *sender.RawResponse, sendErr error) {
	q.inflight = false
	if q.shuttingDown {
		q.logger.Plain().WithPackage(pkg.ID()).WithEndpoint(url).Debug("discarding exchange result after shutdown")
		return
	}
	metrics.RecordSendLatency(pkg.Kind().String(), q.clock.Since(start))

	resp := response.Interpret(pkg, raw, sendErr)
	if !resp.Warnings.Empty() {
		q.logger.Plain().WithPackage(pkg.ID()).WithField("warnings", resp.Warnings.String()).Notice("response decoded with warnings")
	}

	switch resp.Outcome {
	case response.Success:
		q.urls.ResetAfterSuccess()
		q.finish(resp, response.ReasonSuccess)
	case response.Terminal:
		q.finish(resp, resp.Reason)
	default:
		q.retry(resp, url)
	}
}

func (q *Queue) retry(resp *response.Response, url string) {
	pkg := resp.Package
	attempt := pkg.IncrementAttempt()
	cursorBefore := q.urls.Cursor()

	if !q.urls.ShouldRetryAfterFailure(pkg.Kind()) {
		reason := ReasonEndpointsExhausted
		if !q.urls.Retryable(pkg.Kind()) {
			reason = ReasonNotRetryable
		}
		q.finish(resp, reason)
		return
	}
	if q.urls.Cursor() != cursorBefore {
		metrics.RecordFailover()
	}
	if q.opts.MaxAttempts > 0 && attempt >= q.opts.MaxAttempts {
		q.finish(resp, ReasonMaxAttempts)
		return
	}

	delay := q.backoff.Delay(attempt)
	// retry_in may lengthen the wait up to the backoff ceiling
	if in := min(resp.Envelope.RetryIn, q.backoff.Ceiling()); in > delay {
		delay = in
	}
	q.state = StateAwaitingBackoff
	q.armTimer(delay)

	metrics.RecordRetry(resp.Reason)
	q.logger.Plain().WithPackage(pkg.ID()).WithKind(pkg.Kind()).WithEndpoint(url).WithAttempt(attempt).
		WithFields(map[string]any{"reason": resp.Reason, "delay": delay.String(), "cursor": q.urls.Cursor()}).
		Notice("retry scheduled")
	q.hub.Retries.Publish(fanout.RetryScheduled{
		Response: resp,
		Attempt:  attempt,
		Delay:    delay,
		Cursor:   q.urls.Cursor(),
	})
}

// finish removes the head package and publishes its single terminal notification
func (q *Queue) finish(resp *response.Response, reason string) {
	pkg := resp.Package
	if len(q.pending) > 0 && q.pending[0] == pkg {
		q.pending[0] = nil
		q.pending = q.pending[1:]
	}
	q.state = StateIdle
	metrics.SetQueueDepth(len(q.pending))
	metrics.RecordDelivery(pkg.Kind().String(), reason)

	entry := q.logger.Plain().WithPackage(pkg.ID()).WithKind(pkg.Kind()).WithAttempt(pkg.Attempt()).WithField("reason", reason)
	if reason == response.ReasonSuccess {
		entry.Debug("package delivered")
	} else {
		entry.WithError(resp.Err()).Notice("package dropped")
	}

	q.hub.Deliveries.Publish(fanout.Delivery{Response: resp, Reason: reason, At: q.clock.Now()})
	q.dispatch()
}

func (q *Queue) armTimer(delay time.Duration) {
	q.cancelTimer()
	seq := q.timerSeq
	q.timer = q.clock.AfterFunc(delay, func() {
		q.post(func() { q.onTimer(seq) })
	})
}

// cancelTimer is idempotent; a fire that was already posted is ignored by its sequence number
func (q *Queue) cancelTimer() {
	q.timerSeq++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) onTimer(seq uint64) {
	if seq != q.timerSeq || q.state != StateAwaitingBackoff || q.shuttingDown {
		return
	}
	q.timer = nil
	q.state = StateIdle
	q.dispatch()
}

func (q *Queue) beginShutdown() {
	if q.shuttingDown {
		return
	}
	q.shuttingDown = true
	q.cancelTimer()
	if q.state == StateAwaitingBackoff {
		q.state = StateIdle
	}
	q.pausingSub.Cancel()
	metrics.SetQueueDepth(0)
}

func (q *Queue) updateStats() {
	st := Stats{
		State:        q.state,
		StateName:    q.state.String(),
		Depth:        len(q.pending),
		Paused:       q.paused,
		Cursor:       q.urls.Cursor(),
		ShuttingDown: q.shuttingDown,
	}
	q.statsMu.Lock()
	q.stats = st
	q.statsMu.Unlock()
}
