// Package controller holds the long lived subscribers that sit around the
// delivery queue: the measurement lifecycle, attribution and push tokens.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/snapshot"
)

const saveTimeout = 5 * time.Second

// Enqueuer accepts packages for delivery. *delivery.Queue implements it.
type Enqueuer interface {
	Enqueue(pkg *activity.Package) error
}

// LifecycleOutput is what changed in one transition. AppStarted and
// SdkStarted are true only on the transition that started them;
// Measurement is MeasurementUnknown when it did not change.
type LifecycleOutput struct {
	AppStarted  bool
	SdkStarted  bool
	Measurement snapshot.Measurement
}

// LifecycleMachine tracks whether measurement runs. It is a plain value
// with no locking.
type LifecycleMachine struct {
	state       snapshot.LifecycleState
	initialized bool
	foreground  bool
	active      bool
}

// NewLifecycleMachine starts before SDK init, in the background
func NewLifecycleMachine(active bool) *LifecycleMachine {
	return &LifecycleMachine{active: active}
}

func (m *LifecycleMachine) PostSdkInit() (LifecycleOutput, bool) {
	if m.initialized {
		return LifecycleOutput{}, false
	}
	return m.apply(func() { m.initialized = true })
}

func (m *LifecycleMachine) Foreground() (LifecycleOutput, bool) {
	return m.apply(func() { m.foreground = true })
}

func (m *LifecycleMachine) Background() (LifecycleOutput, bool) {
	return m.apply(func() { m.foreground = false })
}

func (m *LifecycleMachine) SdkActive() (LifecycleOutput, bool) {
	return m.apply(func() { m.active = true })
}

func (m *LifecycleMachine) SdkNotActive() (LifecycleOutput, bool) {
	return m.apply(func() { m.active = false })
}

// State is the cumulative lifecycle
func (m *LifecycleMachine) State() snapshot.LifecycleState {
	return m.state
}

func (m *LifecycleMachine) apply(change func()) (LifecycleOutput, bool) {
	change()
	if !m.initialized {
		return LifecycleOutput{}, false
	}

	prev := m.state
	next := prev
	next.AppStarted = prev.AppStarted || m.foreground
	next.SdkStarted = prev.SdkStarted || m.active
	if m.active && m.foreground {
		next.Measurement = snapshot.MeasurementResumed
	} else {
		next.Measurement = snapshot.MeasurementPaused
	}
	m.state = next

	out := LifecycleOutput{
		AppStarted: next.AppStarted && !prev.AppStarted,
		SdkStarted: next.SdkStarted && !prev.SdkStarted,
	}
	if next.Measurement != prev.Measurement {
		out.Measurement = next.Measurement
	}
	return out, out != LifecycleOutput{}
}

// Lifecycle drives a LifecycleMachine from app and SDK signals. Each change
// is persisted, published on the Lifecycle bus and, when measurement flips,
// turned into a Pausing signal for the delivery queue.
type Lifecycle struct {
	mu      sync.Mutex
	machine *LifecycleMachine
	store   snapshot.Store
	hub     *fanout.Hub
	logger  *logging.Logger
}

// NewLifecycle loads the persisted active flag and returns a controller
// waiting for PostSdkInit.
func NewLifecycle(ctx context.Context, store snapshot.Store, hub *fanout.Hub, logger *logging.Logger) (*Lifecycle, error) {
	if logger == nil {
		logger = logging.Default()
	}
	active, err := snapshot.LoadInto(ctx, store, snapshot.TypeActive, snapshot.DecodeActiveState, snapshot.InitialActiveState())
	if err != nil {
		return nil, err
	}
	return &Lifecycle{
		machine: NewLifecycleMachine(active.IsSdkActive),
		store:   store,
		hub:     hub,
		logger:  logger,
	}, nil
}

func (l *Lifecycle) PostSdkInit(ctx context.Context) error {
	return l.step(ctx, "sdk_init", l.machine.PostSdkInit)
}

func (l *Lifecycle) Foreground(ctx context.Context) error {
	return l.step(ctx, "foreground", l.machine.Foreground)
}

func (l *Lifecycle) Background(ctx context.Context) error {
	return l.step(ctx, "background", l.machine.Background)
}

// SetSdkActive persists the active flag and moves the lifecycle. Both
// happen under one lock so the stored flag follows the machine.
func (l *Lifecycle) SetSdkActive(ctx context.Context, active bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Save(ctx, snapshot.ActiveState{IsSdkActive: active}.Encode()); err != nil {
		return err
	}
	if active {
		return l.stepLocked(ctx, "sdk_active", l.machine.SdkActive)
	}
	return l.stepLocked(ctx, "sdk_not_active", l.machine.SdkNotActive)
}

// State returns the current lifecycle
func (l *Lifecycle) State() snapshot.LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.machine.State()
}

func (l *Lifecycle) step(ctx context.Context, cause string, transition func() (LifecycleOutput, bool)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stepLocked(ctx, cause, transition)
}

func (l *Lifecycle) stepLocked(ctx context.Context, cause string, transition func() (LifecycleOutput, bool)) error {
	out, changed := transition()
	if !changed {
		return nil
	}
	state := l.machine.State()
	l.logger.WithContext(ctx).WithFields(map[string]any{
		"cause":       cause,
		"app_started": state.AppStarted,
		"sdk_started": state.SdkStarted,
		"measurement": state.Measurement.String(),
	}).Info("measurement lifecycle changed")

	err := l.store.Save(ctx, state.Encode())

	l.hub.Lifecycle.Publish(fanout.LifecycleChanged{
		AppStarted:  state.AppStarted,
		SdkStarted:  state.SdkStarted,
		Measurement: state.Measurement,
	})
	if out.Measurement != snapshot.MeasurementUnknown {
		l.hub.Pausing.Publish(fanout.PausingChanged{
			Paused: out.Measurement == snapshot.MeasurementPaused,
			Reason: cause,
		})
	}
	return err
}
