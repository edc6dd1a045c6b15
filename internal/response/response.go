// Package response turns the raw answer of one exchange into a typed,
// classified Response.
//
// Decoding is tolerant. Optional fields that are missing or malformed are
// dropped and recorded in Response.Warnings, so a caller can get a usable
// Response and a non-empty warning list at the same time.
package response

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/failure"
	"github.com/austindbirch/harbor_beacon/internal/sender"
)

// Reasons set by Interpret. Transport failures use the failure.TransportReason
// string and non-success statuses use http_5xx, http_429 and friends.
const (
	ReasonSuccess        = "success"
	ReasonServerRejected = "server_rejected"
	ReasonMalformed      = "malformed_response"
)

// TrackingOptedOut is the tracking_state sent for a device that opted out
const TrackingOptedOut = "opted_out"

// Envelope holds the fields every response may carry
type Envelope struct {
	Message       string
	Error         string
	Timestamp     time.Time
	Adid          string
	TrackingState string
	// AskIn asks the client to request attribution again after the delay.
	AskIn time.Duration
	// RetryIn asks the client to retry the same request after the delay.
	RetryIn time.Duration
	// ContinueIn asks the client to continue sending after the delay.
	ContinueIn time.Duration
}

// OptedOut reports whether the backend considers the device opted out
func (e Envelope) OptedOut() bool {
	return e.TrackingState == TrackingOptedOut
}

// Attribution is the attribution object returned for attribution and click requests
type Attribution struct {
	TrackerToken string `json:"tracker_token,omitempty"`
	TrackerName  string `json:"tracker_name,omitempty"`
	Network      string `json:"network,omitempty"`
	Campaign     string `json:"campaign,omitempty"`
	Adgroup      string `json:"adgroup,omitempty"`
	Creative     string `json:"creative,omitempty"`
	ClickLabel   string `json:"click_label,omitempty"`
	Adid         string `json:"adid,omitempty"`
	CostType     string `json:"cost_type,omitempty"`
	// CostAmount and CostCurrency are either both set or both empty.
	CostAmount   float64 `json:"cost_amount,omitempty"`
	CostCurrency string  `json:"cost_currency,omitempty"`
}

// Equal compares every field
func (a *Attribution) Equal(b *Attribution) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Data is the kind-specific part of a Response. The set of implementations
// is closed: SessionData, EventData, ClickData, AttributionData, GenericData.
type Data interface {
	Kind() activity.Kind
	isData()
}

// SessionData is returned for session packages
type SessionData struct{}

// EventData is returned for event packages
type EventData struct {
	EventToken string
	CallbackID string
}

// ClickData is returned for click packages. Source is the click that was sent.
type ClickData struct {
	Source      *activity.Package
	Echo        map[string]string
	Attribution *Attribution
}

// AttributionData is returned for attribution packages. Source is the ask that was sent.
type AttributionData struct {
	Source      *activity.Package
	Attribution *Attribution
}

// GenericData is returned for every other kind
type GenericData struct {
	PackageKind activity.Kind
}

func (SessionData) Kind() activity.Kind     { return activity.KindSession }
func (EventData) Kind() activity.Kind       { return activity.KindEvent }
func (ClickData) Kind() activity.Kind       { return activity.KindClick }
func (AttributionData) Kind() activity.Kind { return activity.KindAttribution }
func (d GenericData) Kind() activity.Kind   { return d.PackageKind }

func (SessionData) isData()     {}
func (EventData) isData()       {}
func (ClickData) isData()       {}
func (AttributionData) isData() {}
func (GenericData) isData()     {}

// Response is the classified result of one exchange for one package
type Response struct {
	Package    *activity.Package
	Outcome    Outcome
	Reason     string
	StatusCode int
	Latency    time.Duration
	// Transport is set when no HTTP answer was received.
	Transport *failure.TransportError
	Envelope  Envelope
	Data      Data
	Warnings  failure.Warnings
}

// Success reports whether the backend accepted the package
func (r *Response) Success() bool {
	return r.Outcome == Success
}

// Err describes a non-success outcome. Nil on success.
func (r *Response) Err() error {
	switch {
	case r.Outcome == Success:
		return nil
	case r.Transport != nil:
		return r.Transport
	case r.Outcome == Terminal:
		msg := r.Envelope.Error
		if msg == "" {
			msg = r.Envelope.Message
		}
		return &failure.ServerRejectedError{StatusCode: r.StatusCode, Message: msg}
	default:
		return fmt.Errorf("retryable response (%s, status %d)", r.Reason, r.StatusCode)
	}
}

// Interpret classifies the result of Sender.Send for pkg
func Interpret(pkg *activity.Package, raw *sender.RawResponse, sendErr error) *Response {
	r := &Response{Package: pkg}

	if sendErr != nil || raw == nil {
		if sendErr == nil {
			sendErr = errors.New("no response")
		}
		var terr *failure.TransportError
		if !errors.As(sendErr, &terr) {
			terr = failure.NewTransportError("", pkg.Attempt(), sendErr)
		}
		r.Outcome = Retryable
		r.Transport = terr
		r.Reason = string(terr.Reason)
		r.Data = decodeData(pkg, fields{warnings: &r.Warnings})
		return r
	}

	r.StatusCode = raw.StatusCode
	r.Latency = raw.Latency
	r.Outcome = Classify(raw.StatusCode)

	f, err := parseObject(raw.Body, &r.Warnings)
	if err != nil {
		r.Warnings.Addf("body", "unreadable response body: %v", err)
		if r.Outcome == Success {
			// an accepted package must come back with a readable envelope
			r.Outcome = Retryable
			r.Reason = ReasonMalformed
		}
		f = fields{warnings: &r.Warnings}
	} else {
		r.Envelope = decodeEnvelope(f)
		f.diagnostics("diagnostics")
	}
	r.Data = decodeData(pkg, f)

	if r.Reason == "" {
		switch r.Outcome {
		case Success:
			r.Reason = ReasonSuccess
		case Terminal:
			r.Reason = ReasonServerRejected
		default:
			r.Reason = statusReason(raw.StatusCode)
		}
	}
	return r
}

func decodeEnvelope(f fields) Envelope {
	return Envelope{
		Message:       f.str("message"),
		Error:         f.str("error"),
		Timestamp:     f.timestamp("timestamp"),
		Adid:          f.str("adid"),
		TrackingState: f.str("tracking_state"),
		AskIn:         f.millis("ask_in"),
		RetryIn:       f.millis("retry_in"),
		ContinueIn:    f.millis("continue_in"),
	}
}

func decodeData(pkg *activity.Package, f fields) Data {
	switch pkg.Kind() {
	case activity.KindSession:
		return SessionData{}
	case activity.KindEvent:
		token, _ := pkg.Param("event_token")
		callbackID, _ := pkg.Param("event_callback_id")
		return EventData{EventToken: token, CallbackID: callbackID}
	case activity.KindClick:
		d := ClickData{Source: pkg, Attribution: decodeAttribution(f)}
		d.Echo = f.stringMap("echo")
		checkEcho(pkg, d.Echo, f.warnings)
		return d
	case activity.KindAttribution:
		return AttributionData{Source: pkg, Attribution: decodeAttribution(f)}
	default:
		return GenericData{PackageKind: pkg.Kind()}
	}
}

// checkEcho flags echoed parameters that differ from what was sent
func checkEcho(pkg *activity.Package, echo map[string]string, warnings *failure.Warnings) {
	for k, v := range echo {
		if sent, ok := pkg.Param(k); ok && sent != v {
			warnings.Addf("echo."+k, "echoed %q but package sent %q", v, sent)
		}
	}
}

func decodeAttribution(f fields) *Attribution {
	obj, ok := f.object("attribution")
	if !ok {
		return nil
	}
	a := &Attribution{
		TrackerToken: obj.str("tracker_token"),
		TrackerName:  obj.str("tracker_name"),
		Network:      obj.str("network"),
		Campaign:     obj.str("campaign"),
		Adgroup:      obj.str("adgroup"),
		Creative:     obj.str("creative"),
		ClickLabel:   obj.str("click_label"),
		Adid:         f.str("adid"),
		CostType:     obj.str("cost_type"),
	}

	amount, hasAmount := obj.number("cost_amount")
	currency := obj.str("cost_currency")
	switch {
	case !hasAmount && currency == "":
	case !hasAmount || currency == "":
		obj.warnings.Addf(obj.name("cost_amount"), "cost amount and currency must come together")
	case amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0):
		obj.warnings.Addf(obj.name("cost_amount"), "invalid amount %v", amount)
	default:
		a.CostAmount = amount
		a.CostCurrency = currency
	}
	return a
}
