package server

import (
	"net/url"
	"testing"
)

func selectorForTest() *ClientSelector {
	cfg := DefaultConfig()
	cfg.Launch.DefaultClientID = "default-client"
	cfg.Clients = []ClientMapping{
		{Hostname: "ehr.example.org", ClientID: "ehr-client"},
	}
	return NewClientSelector(cfg)
}

func TestSelectExplicitParamWins(t *testing.T) {
	s := selectorForTest()
	params := url.Values{"client_id": {"explicit-client"}}

	if got := s.Select(params, "https://ehr.example.org"); got != "explicit-client" {
		t.Fatalf("Select = %q, want explicit-client", got)
	}
}

func TestSelectHostnameAllowList(t *testing.T) {
	s := selectorForTest()

	if got := s.Select(url.Values{}, "https://ehr.example.org/fhir"); got != "ehr-client" {
		t.Fatalf("Select = %q, want ehr-client", got)
	}
	// Hostname matching is case-insensitive.
	if got := s.Select(url.Values{}, "https://EHR.Example.Org"); got != "ehr-client" {
		t.Fatalf("Select = %q, want ehr-client", got)
	}
}

func TestSelectDefaultFallback(t *testing.T) {
	s := selectorForTest()

	if got := s.Select(url.Values{}, "https://other.example.net"); got != "default-client" {
		t.Fatalf("Select = %q, want default-client", got)
	}
}

func TestSelectStableAcrossPhases(t *testing.T) {
	s := selectorForTest()

	// Initiation sees launch+iss parameters, the callback sees code+state;
	// both must resolve the same client from the same issuer.
	initiation := url.Values{"launch": {"abc"}, "iss": {"https://ehr.example.org"}}
	callback := url.Values{"code": {"xyz"}, "state": {"s"}}

	a := s.Select(initiation, "https://ehr.example.org")
	b := s.Select(callback, "https://ehr.example.org")
	if a != b {
		t.Fatalf("client id differs across phases: %q vs %q", a, b)
	}
}
