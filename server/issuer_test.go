package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingTransport struct {
	calls int
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.calls++
	return nil, errors.New("network disabled in test")
}

func TestResolveViaDiscovery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/smart-configuration" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"authorization_endpoint":"https://auth.example.org/authorize","token_endpoint":"https://auth.example.org/token"}`))
	}))
	defer ts.Close()

	resolver := NewResolver(DefaultConfig(), testLogger(), ts.Client())

	cfg, err := resolver.Resolve(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if cfg.AuthorizationEndpoint != "https://auth.example.org/authorize" {
		t.Fatalf("authorization endpoint = %q", cfg.AuthorizationEndpoint)
	}
	if cfg.TokenEndpoint != "https://auth.example.org/token" {
		t.Fatalf("token endpoint = %q", cfg.TokenEndpoint)
	}
}

func TestResolveDiscoveryUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	resolver := NewResolver(DefaultConfig(), testLogger(), ts.Client())

	_, err := resolver.Resolve(context.Background(), ts.URL)
	if !errors.Is(err, ErrConfigurationUnavailable) {
		t.Fatalf("error = %v, want ErrConfigurationUnavailable", err)
	}
}

func TestResolveDiscoveryMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `<html>hi</html>`,
		"missing fields": `{"authorization_endpoint":"https://auth.example.org/authorize"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer ts.Close()

			resolver := NewResolver(DefaultConfig(), testLogger(), ts.Client())
			_, err := resolver.Resolve(context.Background(), ts.URL)
			if !errors.Is(err, ErrConfigurationMalformed) {
				t.Fatalf("error = %v, want ErrConfigurationMalformed", err)
			}
		})
	}
}

func TestResolveKnownIssuerSkipsDiscovery(t *testing.T) {
	transport := &countingTransport{}
	resolver := NewResolver(DefaultConfig(), testLogger(), &http.Client{Transport: transport})

	cfg, err := resolver.Resolve(context.Background(), "https://api.medplum.com/fhir/R4")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if transport.calls != 0 {
		t.Fatalf("discovery issued %d network calls, want 0", transport.calls)
	}
	if cfg.AuthorizationEndpoint != "https://api.medplum.com/oauth2/authorize" {
		t.Fatalf("authorization endpoint = %q", cfg.AuthorizationEndpoint)
	}
	if cfg.TokenEndpoint != "https://api.medplum.com/oauth2/token" {
		t.Fatalf("token endpoint = %q", cfg.TokenEndpoint)
	}
}

func TestResolveConfiguredOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Issuers = []IssuerOverride{{
		Hostname:              "ehr.example.org",
		AuthorizationEndpoint: "https://ehr.example.org/authorize",
		TokenEndpoint:         "https://ehr.example.org/token",
	}}

	transport := &countingTransport{}
	resolver := NewResolver(cfg, testLogger(), &http.Client{Transport: transport})

	got, err := resolver.Resolve(context.Background(), "https://ehr.example.org")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if transport.calls != 0 {
		t.Fatalf("override still issued %d network calls", transport.calls)
	}
	if got.TokenEndpoint != "https://ehr.example.org/token" {
		t.Fatalf("token endpoint = %q", got.TokenEndpoint)
	}
}

func TestResolveBadIssuerURL(t *testing.T) {
	resolver := NewResolver(DefaultConfig(), testLogger(), nil)
	_, err := resolver.Resolve(context.Background(), "not a url")
	if !errors.Is(err, ErrConfigurationMalformed) {
		t.Fatalf("error = %v, want ErrConfigurationMalformed", err)
	}
}
