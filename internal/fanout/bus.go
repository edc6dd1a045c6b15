// Package fanout delivers published values to independent subscribers.
//
// A Bus holds only weak references to subscribers. Each subscriber gets its
// own ordered mailbox drained by a dedicated goroutine, so Publish never
// blocks on a slow subscriber and one subscriber's panic never reaches the
// others. Once a subscriber's owner is garbage collected its registration
// is dropped.
package fanout

import (
	"fmt"
	"runtime"
	"sync"
	"weak"

	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/metrics"
)

// Bus is a typed publish/subscribe registry
type Bus[T any] struct {
	name   string
	logger *logging.Logger

	mu     sync.Mutex
	subs   []*subscriber[T] // registration order
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a bus; name labels its logs and metrics
func NewBus[T any](name string, logger *logging.Logger) *Bus[T] {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bus[T]{name: name, logger: logger}
}

// Name returns the bus name
func (b *Bus[T]) Name() string {
	return b.name
}

// Subscribe registers fn to be called with owner for every value published
// after this call. The bus keeps owner only weakly: fn must not capture
// owner, use a method expression such as (*Controller).onDelivery.
// Calls for one subscription happen in publish order on a goroutine owned
// by the bus.
func Subscribe[T, S any](b *Bus[T], owner *S, fn func(*S, T)) *Subscription {
	if owner == nil || fn == nil {
		panic("fanout: Subscribe needs an owner and a callback")
	}
	wp := weak.Make(owner)
	sub := newSubscriber[T](func(v T) bool {
		o := wp.Value()
		if o == nil {
			return false
		}
		fn(o, v)
		return true
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &Subscription{}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.run(sub)
	b.mu.Unlock()

	id := sub.id
	s := &Subscription{cancel: func() { b.remove(id) }}
	s.cleanup = runtime.AddCleanup(owner, func(id uint64) { b.remove(id) }, id)
	return s
}

// Publish hands v to every live subscriber and returns how many accepted it.
// It never blocks on subscriber work.
func (b *Bus[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	n := 0
	for _, sub := range b.subs {
		if sub.push(v) {
			n++
		}
	}
	return n
}

// Len is the number of registered subscribers
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting values, lets every subscriber drain what was
// already published and waits for their goroutines to exit.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, sub := range b.subs {
			sub.drainAndStop()
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			sub.stop()
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus[T]) run(sub *subscriber[T]) {
	defer b.wg.Done()
	for {
		v, ok := sub.next()
		if !ok {
			return
		}
		if !b.dispatch(sub, v) {
			b.logger.Plain().WithField("bus", b.name).Debug("subscriber owner collected, detaching")
			b.remove(sub.id)
			return
		}
	}
}

// dispatch reports false once the owner is gone
func (b *Bus[T]) dispatch(sub *subscriber[T], v T) (alive bool) {
	alive = true
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordSubscriberPanic(b.name)
			b.logger.Plain().WithField("bus", b.name).WithError(fmt.Errorf("%v", r)).Error("subscriber panicked")
		}
	}()
	return sub.deliver(v)
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	once    sync.Once
	cancel  func()
	cleanup runtime.Cleanup
}

// Cancel stops deliveries to this subscription. Values already queued for
// it are dropped. Calling Cancel more than once is a no-op.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cleanup.Stop()
		s.cancel()
	})
}

type subState int

const (
	subOpen subState = iota
	subDraining
	subStopped
)

// subscriber is an unbounded FIFO mailbox with one consumer
type subscriber[T any] struct {
	id      uint64
	deliver func(T) bool

	mu    sync.Mutex
	cond  *sync.Cond
	items []T
	state subState
}

func newSubscriber[T any](deliver func(T) bool) *subscriber[T] {
	s := &subscriber[T]{deliver: deliver}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber[T]) push(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != subOpen {
		return false
	}
	s.items = append(s.items, v)
	s.cond.Signal()
	return true
}

// next blocks for the following value; false once the mailbox is finished
func (s *subscriber[T]) next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.items) == 0 && s.state == subOpen {
		s.cond.Wait()
	}
	var zero T
	if s.state == subStopped || len(s.items) == 0 {
		return zero, false
	}
	v := s.items[0]
	s.items[0] = zero
	s.items = s.items[1:]
	return v, true
}

func (s *subscriber[T]) drainAndStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == subOpen {
		s.state = subDraining
	}
	s.cond.Broadcast()
}

func (s *subscriber[T]) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = subStopped
	s.items = nil
	s.cond.Broadcast()
}
