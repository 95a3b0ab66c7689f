package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

// Keys persisted per flow. The first three are in-flight handshake state
// and are cleared the moment the handshake succeeds or fails validation;
// the rest form the authenticated session.
const (
	KeyIssuer       = "smart_iss"
	KeyState        = "smart_state"
	KeyCodeVerifier = "smart_code_verifier"
	KeyPatient      = "smart_patient"
	KeyAccessToken  = "smart_access_token"
	KeyBaseURL      = "smart_base_url"
	KeyExpiresAt    = "smart_expires_at"
)

// LaunchStore is the only state that survives the full-page redirect. It
// holds named values per flow id; writes made during initiation must be
// readable during the callback request of the same flow.
type LaunchStore interface {
	Put(ctx context.Context, flowID, key, value string) error
	Get(ctx context.Context, flowID, key string) (string, bool, error)
	Remove(ctx context.Context, flowID string, keys ...string) error

	// ConsumeLaunch atomically returns and deletes the in-flight
	// state/verifier pair. At most one caller per flow ever receives the
	// verifier, which makes a duplicated callback unable to start a second
	// token exchange.
	ConsumeLaunch(ctx context.Context, flowID string) (state, verifier string, err error)
}

// inFlightKey reports whether a key belongs to the short-lived handshake
// state rather than the session.
func inFlightKey(key string) bool {
	switch key {
	case KeyIssuer, KeyState, KeyCodeVerifier:
		return true
	}
	return false
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore keeps launch state in process memory. In-flight entries carry
// a bounded validity window so a stale handshake reads back as absent.
type MemoryStore struct {
	mu        sync.Mutex
	flows     map[string]map[string]memoryEntry
	launchTTL time.Duration
	sessTTL   time.Duration
	now       func() time.Time
}

// NewMemoryStore constructs the store with the given TTLs for in-flight
// and session entries.
func NewMemoryStore(launchTTL, sessionTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		flows:     make(map[string]map[string]memoryEntry),
		launchTTL: launchTTL,
		sessTTL:   sessionTTL,
		now:       time.Now,
	}
}

// Put stores a value under the flow.
func (s *MemoryStore) Put(_ context.Context, flowID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := s.sessTTL
	if inFlightKey(key) {
		ttl = s.launchTTL
	}

	flow, ok := s.flows[flowID]
	if !ok {
		flow = make(map[string]memoryEntry)
		s.flows[flowID] = flow
	}
	flow[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// Get returns a stored value if present and unexpired.
func (s *MemoryStore) Get(_ context.Context, flowID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.get(flowID, key)
	return v, ok, nil
}

// Remove deletes the named keys from the flow.
func (s *MemoryStore) Remove(_ context.Context, flowID string, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(flowID, keys...)
	return nil
}

// ConsumeLaunch returns and deletes the state/verifier pair in one
// critical section.
func (s *MemoryStore) ConsumeLaunch(_ context.Context, flowID string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, _ := s.get(flowID, KeyState)
	verifier, _ := s.get(flowID, KeyCodeVerifier)
	s.remove(flowID, KeyState, KeyCodeVerifier)
	return state, verifier, nil
}

// get and remove assume s.mu is held.
func (s *MemoryStore) get(flowID, key string) (string, bool) {
	flow, ok := s.flows[flowID]
	if !ok {
		return "", false
	}
	entry, ok := flow[key]
	if !ok {
		return "", false
	}
	if s.now().After(entry.expiresAt) {
		delete(flow, key)
		return "", false
	}
	return entry.value, true
}

func (s *MemoryStore) remove(flowID string, keys ...string) {
	flow, ok := s.flows[flowID]
	if !ok {
		return
	}
	for _, key := range keys {
		delete(flow, key)
	}
	if len(flow) == 0 {
		delete(s.flows, flowID)
	}
}

const flowCookieName = "smart_sid"

// FlowManager binds a browser tab's requests to a flow id via an HttpOnly
// cookie, standing in for the tab-scoped storage the launch state lives in.
type FlowManager struct {
	secure bool
	ttl    time.Duration
}

// NewFlowManager constructs a flow manager honouring config.
func NewFlowManager(cfg Config) *FlowManager {
	return &FlowManager{
		secure: !cfg.Server.DevMode,
		ttl:    cfg.SessionTTL(),
	}
}

// FlowID returns the flow id from the request cookie, minting a new id and
// setting the cookie when absent.
func (fm *FlowManager) FlowID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(flowCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	id := newFlowID()
	// SameSite must stay Lax: the callback is a cross-site top-level
	// redirect from the authorization server, and Strict would withhold
	// the cookie on that navigation.
	http.SetCookie(w, &http.Cookie{
		Name:     flowCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   fm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(fm.ttl.Seconds()),
	})
	return id
}

// Clear removes the flow cookie.
func (fm *FlowManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     flowCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   fm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func newFlowID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackflowid"))
	}
	return hex.EncodeToString(buf)
}
