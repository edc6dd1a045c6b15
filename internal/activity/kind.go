package activity

import (
	"github.com/austindbirch/harbor_beacon/internal/failure"
)

// Kind identifies what a package tracks
type Kind string

const (
	KindSession             Kind = "session"
	KindEvent               Kind = "event"
	KindClick               Kind = "click"
	KindAttribution         Kind = "attribution"
	KindAdRevenue           Kind = "ad_revenue"
	KindInfo                Kind = "info"
	KindGdprForgetDevice    Kind = "gdpr_forget_device"
	KindThirdPartySharing   Kind = "third_party_sharing"
	KindMeasurementConsent  Kind = "measurement_consent"
	KindBillingSubscription Kind = "billing_subscription"
)

var kindPaths = map[Kind]string{
	KindSession:             "/session",
	KindEvent:               "/event",
	KindClick:               "/sdk_click",
	KindAttribution:         "/attribution",
	KindAdRevenue:           "/ad_revenue",
	KindInfo:                "/sdk_info",
	KindGdprForgetDevice:    "/gdpr_forget_device",
	KindThirdPartySharing:   "/third_party_sharing",
	KindMeasurementConsent:  "/measurement_consent",
	KindBillingSubscription: "/v2/purchase",
}

// Kinds returns every known kind
func Kinds() []Kind {
	return []Kind{
		KindSession, KindEvent, KindClick, KindAttribution, KindAdRevenue, KindInfo,
		KindGdprForgetDevice, KindThirdPartySharing, KindMeasurementConsent, KindBillingSubscription,
	}
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	_, ok := kindPaths[k]
	return ok
}

// Path returns the backend path segment for the kind, with a leading slash.
func (k Kind) Path() string {
	return kindPaths[k]
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind validates s as a Kind
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", failure.Configf("package kind", "unknown kind %q", s)
	}
	return k, nil
}

// Consent is the consent classification of a package. Consent packages go
// to the consent restricted host, everything else to the analytics host.
type Consent int

const (
	ConsentAnalytics Consent = iota
	ConsentMode
)

func (c Consent) String() string {
	if c == ConsentMode {
		return "consent"
	}
	return "analytics"
}

// ParseConsent accepts "consent" or "analytics" (empty defaults to analytics)
func ParseConsent(s string) (Consent, error) {
	switch s {
	case "", "analytics":
		return ConsentAnalytics, nil
	case "consent":
		return ConsentMode, nil
	default:
		return ConsentAnalytics, failure.Configf("consent classification", "unknown value %q", s)
	}
}
