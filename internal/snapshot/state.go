package snapshot

import (
	"strings"

	"github.com/austindbirch/harbor_beacon/internal/response"
)

// ActiveState records whether the SDK is enabled
type ActiveState struct {
	IsSdkActive bool
}

// InitialActiveState is the state of a fresh install
func InitialActiveState() ActiveState {
	return ActiveState{IsSdkActive: true}
}

func (a ActiveState) Encode() Snapshot {
	return Snapshot{
		Type:    TypeActive,
		Version: 1,
		Fields:  map[string]string{"isSdkActive": formatBool(a.IsSdkActive)},
	}
}

// DecodeActiveState reads an ActiveState; the flag is required
func DecodeActiveState(s Snapshot) (ActiveState, error) {
	r, err := newReader(s, TypeActive)
	if err != nil {
		return ActiveState{}, err
	}
	active, err := r.boolean("isSdkActive", true, false)
	if err != nil {
		return ActiveState{}, err
	}
	return ActiveState{IsSdkActive: active}, nil
}

// PushTokenState records the last push token sent to the backend. An empty
// token means none was sent yet.
type PushTokenState struct {
	LastPushToken string
}

func (p PushTokenState) Encode() Snapshot {
	fields := map[string]string{}
	if p.LastPushToken != "" {
		fields["lastPushToken"] = p.LastPushToken
	}
	return Snapshot{Type: TypePushToken, Version: 1, Fields: fields}
}

// DecodePushTokenState reads a PushTokenState. A blank token is read as none.
func DecodePushTokenState(s Snapshot) (PushTokenState, error) {
	r, err := newReader(s, TypePushToken)
	if err != nil {
		return PushTokenState{}, err
	}
	token := r.str("lastPushToken")
	if strings.TrimSpace(token) == "" {
		token = ""
	}
	return PushTokenState{LastPushToken: token}, nil
}

// Measurement is the tri-state of measurement: not yet decided, resumed or paused
type Measurement int8

const (
	MeasurementUnknown Measurement = iota
	MeasurementResumed
	MeasurementPaused
)

func (m Measurement) String() string {
	switch m {
	case MeasurementResumed:
		return "resumed"
	case MeasurementPaused:
		return "paused"
	default:
		return "unknown"
	}
}

func parseMeasurement(s string) (Measurement, bool) {
	switch s {
	case "", "unknown":
		return MeasurementUnknown, true
	case "resumed":
		return MeasurementResumed, true
	case "paused":
		return MeasurementPaused, true
	default:
		return MeasurementUnknown, false
	}
}

// LifecycleState holds the measurement lifecycle flags
type LifecycleState struct {
	AppStarted  bool
	SdkStarted  bool
	Measurement Measurement
}

func (l LifecycleState) Encode() Snapshot {
	return Snapshot{
		Type:    TypeLifecycle,
		Version: 1,
		Fields: map[string]string{
			"appStarted":  formatBool(l.AppStarted),
			"sdkStarted":  formatBool(l.SdkStarted),
			"measurement": l.Measurement.String(),
		},
	}
}

// DecodeLifecycleState reads a LifecycleState; missing flags default to false
func DecodeLifecycleState(s Snapshot) (LifecycleState, error) {
	r, err := newReader(s, TypeLifecycle)
	if err != nil {
		return LifecycleState{}, err
	}
	appStarted, err := r.boolean("appStarted", false, false)
	if err != nil {
		return LifecycleState{}, err
	}
	sdkStarted, err := r.boolean("sdkStarted", false, false)
	if err != nil {
		return LifecycleState{}, err
	}
	m, ok := parseMeasurement(r.str("measurement"))
	if !ok {
		return LifecycleState{}, r.fieldErr("measurement", "unknown value %q", r.str("measurement"))
	}
	return LifecycleState{AppStarted: appStarted, SdkStarted: sdkStarted, Measurement: m}, nil
}

// AttributionStatus is where the attribution controller stands
type AttributionStatus string

const (
	AttributionWaitingForInstall AttributionStatus = "waiting_for_install"
	AttributionAsking            AttributionStatus = "asking"
	AttributionReceived          AttributionStatus = "received"
	AttributionUnavailable       AttributionStatus = "unavailable"
)

// AttributionState is the last attribution and whether a new ask is due
type AttributionState struct {
	Status      AttributionStatus
	Attribution *response.Attribution
}

// InitialAttributionState is the state of a fresh install
func InitialAttributionState() AttributionState {
	return AttributionState{Status: AttributionWaitingForInstall}
}

func (a AttributionState) Encode() Snapshot {
	fields := map[string]string{"status": string(a.Status)}
	if a.Attribution != nil {
		// Attribution only holds strings and a float, Marshal cannot fail.
		b, _ := json.Marshal(a.Attribution)
		fields["attribution"] = string(b)
	}
	return Snapshot{Type: TypeAttribution, Version: 1, Fields: fields}
}

// DecodeAttributionState reads an AttributionState
func DecodeAttributionState(s Snapshot) (AttributionState, error) {
	r, err := newReader(s, TypeAttribution)
	if err != nil {
		return AttributionState{}, err
	}
	out := AttributionState{Status: AttributionStatus(r.str("status"))}
	switch out.Status {
	case "":
		out.Status = AttributionWaitingForInstall
	case AttributionWaitingForInstall, AttributionAsking, AttributionReceived, AttributionUnavailable:
	default:
		return AttributionState{}, r.fieldErr("status", "unknown value %q", out.Status)
	}
	if raw := r.str("attribution"); raw != "" {
		var a response.Attribution
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return AttributionState{}, r.fieldErr("attribution", "unreadable: %v", err)
		}
		out.Attribution = &a
	}
	return out, nil
}
