package server

import "time"

// LaunchContext is the in-flight handshake state that must survive the
// redirect to the authorization server. State and CodeVerifier are
// generated together, persisted together, and consumed exactly once.
type LaunchContext struct {
	Issuer       string
	State        string
	CodeVerifier string
}

// IssuerConfiguration holds the OAuth endpoints announced by an EHR issuer.
type IssuerConfiguration struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
}

// TokenResult is the outcome of a successful code exchange.
type TokenResult struct {
	AccessToken string
	PatientID   string
	ExpiresAt   time.Time
}

// Session is the minimal triple every downstream view needs to build an
// authenticated FHIR client.
type Session struct {
	BaseURL     string
	AccessToken string
	PatientID   string
	ExpiresAt   time.Time
}

// Valid reports whether the session carries usable credentials.
func (s Session) Valid() bool {
	if s.BaseURL == "" || s.AccessToken == "" || s.PatientID == "" {
		return false
	}
	if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
		return false
	}
	return true
}

// Phase names a step of the launch state machine. Phases are derived from
// the store and the inbound request on each page load; they are logged and
// guard which transitions are legal, they are never the source of truth.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseInitiating       Phase = "initiating"
	PhaseAwaitingCallback Phase = "awaiting_callback"
	PhaseValidating       Phase = "validating"
	PhaseExchanging       Phase = "exchanging"
	PhaseAuthenticated    Phase = "authenticated"
	PhaseErrored          Phase = "errored"
)
