package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func appForTest(t *testing.T) (*App, *MemoryStore) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://dash.example.com"
	cfg.Launch.DefaultClientID = "dash-client"
	cfg.Issuers = []IssuerOverride{{
		Hostname:              "ehr.example.org",
		AuthorizationEndpoint: "https://auth.ehr.example.org/authorize",
		TokenEndpoint:         "https://auth.ehr.example.org/token",
	}}

	logger := testLogger()
	store := NewMemoryStore(10*time.Minute, time.Hour)
	flows := NewFlowManager(cfg)
	resolver := NewResolver(cfg, logger, nil)
	selector := NewClientSelector(cfg)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Flows:      flows,
		Resolver:   resolver,
		Selector:   selector,
		Sequencer:  NewSequencer(cfg, logger, store, flows, resolver, selector, nil),
		HTTPClient: http.DefaultClient,
	}, store
}

func TestEntryDispatchHome(t *testing.T) {
	app, _ := appForTest(t)

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "awaiting EHR launch") {
		t.Fatalf("home body = %q", w.Body.String())
	}
}

func TestEntryDispatchLaunch(t *testing.T) {
	app, _ := appForTest(t)

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, flowRequest("/?launch=abc123&iss=https://ehr.example.org"))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, "https://auth.ehr.example.org/authorize?") {
		t.Fatalf("redirected to %q", loc)
	}
}

func TestEntryDispatchExistingSession(t *testing.T) {
	app, store := appForTest(t)
	ctx := context.Background()

	store.Put(ctx, testFlowID, KeyAccessToken, "tok1")
	store.Put(ctx, testFlowID, KeyPatient, "pat1")
	store.Put(ctx, testFlowID, KeyBaseURL, "https://ehr.example.org")

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, flowRequest("/"))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/dashboard" {
		t.Fatalf("redirected to %q, want /dashboard", loc)
	}
}

func TestEntryDispatchCallbackError(t *testing.T) {
	app, _ := appForTest(t)

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, flowRequest("/?error=access_denied&error_description=nope"))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "oauth_provider_error" {
		t.Fatalf("error = %q", body["error"])
	}
	if !strings.Contains(body["error_description"], "access_denied") {
		t.Fatalf("description %q missing provider code", body["error_description"])
	}
}

func TestDashboardWithoutSession(t *testing.T) {
	app, _ := appForTest(t)

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, flowRequest("/dashboard"))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestDashboardFetchesResources(t *testing.T) {
	// The five dashboard reads arrive concurrently.
	var mu sync.Mutex
	var patientReads, searches int
	fhirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok1" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		if r.URL.Path == "/Patient/pat1" {
			mu.Lock()
			patientReads++
			mu.Unlock()
			w.Write([]byte(`{"resourceType":"Patient","id":"pat1"}`))
			return
		}
		if r.URL.Query().Get("patient") != "pat1" {
			t.Errorf("search %s missing patient param", r.URL.String())
		}
		mu.Lock()
		searches++
		mu.Unlock()
		w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","entry":[]}`))
	}))
	defer fhirSrv.Close()

	app, store := appForTest(t)
	ctx := context.Background()

	store.Put(ctx, testFlowID, KeyAccessToken, "tok1")
	store.Put(ctx, testFlowID, KeyPatient, "pat1")
	store.Put(ctx, testFlowID, KeyBaseURL, fhirSrv.URL)

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, flowRequest("/dashboard"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if patientReads != 1 || searches != len(dashboardResources) {
		t.Fatalf("patient reads = %d, searches = %d", patientReads, searches)
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode dashboard body: %v", err)
	}
	if _, ok := body["patient"]; !ok {
		t.Fatalf("dashboard missing patient record")
	}
	for _, resource := range dashboardResources {
		if _, ok := body[resource]; !ok {
			t.Fatalf("dashboard missing %s bundle", resource)
		}
	}
}

func TestSessionEndpointRedactsToken(t *testing.T) {
	app, store := appForTest(t)
	ctx := context.Background()

	store.Put(ctx, testFlowID, KeyAccessToken, "tok1-very-secret-value")
	store.Put(ctx, testFlowID, KeyPatient, "pat1")
	store.Put(ctx, testFlowID, KeyBaseURL, "https://ehr.example.org")

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, flowRequest("/session"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "tok1-very-secret-value") {
		t.Fatalf("session endpoint leaked the full access token")
	}
	if !strings.Contains(w.Body.String(), "pat1") {
		t.Fatalf("session body = %q", w.Body.String())
	}
}

func TestLogoutClearsSession(t *testing.T) {
	app, store := appForTest(t)
	ctx := context.Background()

	store.Put(ctx, testFlowID, KeyAccessToken, "tok1")
	store.Put(ctx, testFlowID, KeyPatient, "pat1")
	store.Put(ctx, testFlowID, KeyBaseURL, "https://ehr.example.org")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/logout", nil)
	r.AddCookie(&http.Cookie{Name: flowCookieName, Value: testFlowID})
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if _, ok, _ := store.Get(ctx, testFlowID, KeyAccessToken); ok {
		t.Fatalf("token survived logout")
	}

	w2 := httptest.NewRecorder()
	app.Routes().ServeHTTP(w2, flowRequest("/session"))
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("session after logout: status = %d, want 401", w2.Code)
	}
}

func TestHealthz(t *testing.T) {
	app, _ := appForTest(t)

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
