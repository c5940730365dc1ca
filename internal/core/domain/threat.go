package domain

import "time"

// Principal is the identity behavior is tracked against: the display name
// bound to a token, or the remote address for pre-auth events.
type Principal string

type ActionKind string

const (
	ActionConnection  ActionKind = "connection"
	ActionMessage     ActionKind = "message"
	ActionFailedAuth  ActionKind = "failed-auth"
	ActionGeo         ActionKind = "geo"
	ActionFingerprint ActionKind = "device-fingerprint"
)

type GeoSample struct {
	Lat float64
	Lon float64
	At  time.Time
}

// Observation is one behavioral event fed into the detector.
type Observation struct {
	Principal   Principal
	Action      ActionKind
	Timestamp   time.Time
	RemoteAddr  string
	Geo         *GeoSample
	Fingerprint string
}

// Sliding-window caps for BehaviorProfile FIFOs.
const (
	MaxConnectionEvents  = 100
	MaxMessageEvents     = 500
	MaxFailedAuthEvents  = 50
	MaxGeoSamples        = 20
	MaxFingerprints      = 10
)

// BehaviorProfile holds bounded histories per principal. The risk score is
// always a deterministic function of the windows below.
type BehaviorProfile struct {
	Principal    Principal
	Connections  []time.Time
	Messages     []time.Time
	FailedAuths  []time.Time
	GeoSamples   []GeoSample
	Fingerprints []string
	LastActivity time.Time
	RiskScore    float64
}

type ThreatKind string

const (
	ThreatCredentialStuffing ThreatKind = "CredentialStuffing"
	ThreatDosAttempt         ThreatKind = "DosAttempt"
	ThreatImpossibleTravel   ThreatKind = "ImpossibleTravel"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type AlertStatus string

const (
	AlertOpen      AlertStatus = "open"
	AlertMitigated AlertStatus = "mitigated"
)

type SecurityAlert struct {
	ID        string
	Principal Principal
	Timestamp time.Time
	RiskScore float64
	Threats   []ThreatKind
	Severity  Severity
	Status    AlertStatus
}

type DirectiveKind string

const (
	DirectiveLockPrincipal DirectiveKind = "lock-principal"
	DirectiveBlockAddress  DirectiveKind = "block-address"
	DirectiveStepUpAuth    DirectiveKind = "require-step-up"
)

// Mitigation is an automated directive the fabric applies. A zero ExpiresAt
// means the directive holds until explicitly satisfied (step-up auth).
type Mitigation struct {
	Kind       DirectiveKind
	Principal  Principal
	RemoteAddr string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}
