package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Resolution failure kinds. Both abort the handshake; there is no retry at
// this layer.
var (
	ErrConfigurationUnavailable = errors.New("issuer configuration unavailable")
	ErrConfigurationMalformed   = errors.New("issuer configuration malformed")
)

const wellKnownPath = "/.well-known/smart-configuration"

// Resolver maps an issuer URL to its authorization and token endpoints. A
// static override table is consulted first so that issuers with unreliable
// or wrong discovery metadata can be pinned; everything else goes through
// well-known discovery. Resolutions are never cached across handshakes.
type Resolver struct {
	overrides map[string]IssuerConfiguration
	client    *http.Client
	logger    *slog.Logger
}

// NewResolver builds a resolver from the built-in override table plus any
// configured issuer overrides.
func NewResolver(cfg Config, logger *slog.Logger, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	overrides := builtinIssuerOverrides()
	for _, iss := range cfg.Issuers {
		overrides[strings.ToLower(iss.Hostname)] = IssuerConfiguration{
			AuthorizationEndpoint: iss.AuthorizationEndpoint,
			TokenEndpoint:         iss.TokenEndpoint,
		}
	}

	return &Resolver{
		overrides: overrides,
		client:    client,
		logger:    logger,
	}
}

// Resolve returns the issuer's endpoint configuration. Known hostnames
// bypass network discovery entirely.
func (r *Resolver) Resolve(ctx context.Context, issuer string) (IssuerConfiguration, error) {
	u, err := url.Parse(issuer)
	if err != nil || u.Hostname() == "" {
		return IssuerConfiguration{}, fmt.Errorf("%w: bad issuer url %q", ErrConfigurationMalformed, issuer)
	}

	if cfg, ok := r.overrides[strings.ToLower(u.Hostname())]; ok {
		r.logger.Debug("issuer resolved from override table", "issuer", issuer, "host", u.Hostname())
		return cfg, nil
	}

	wellKnown := strings.TrimSuffix(issuer, "/") + wellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return IssuerConfiguration{}, fmt.Errorf("%w: %v", ErrConfigurationUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return IssuerConfiguration{}, fmt.Errorf("%w: fetch %s: %v", ErrConfigurationUnavailable, wellKnown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return IssuerConfiguration{}, fmt.Errorf("%w: %s returned %s", ErrConfigurationUnavailable, wellKnown, resp.Status)
	}

	var doc struct {
		AuthorizationEndpoint string `json:"authorization_endpoint"`
		TokenEndpoint         string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return IssuerConfiguration{}, fmt.Errorf("%w: decode %s: %v", ErrConfigurationMalformed, wellKnown, err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return IssuerConfiguration{}, fmt.Errorf("%w: %s missing authorization_endpoint or token_endpoint", ErrConfigurationMalformed, wellKnown)
	}

	r.logger.Debug("issuer resolved via discovery", "issuer", issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint, "token_endpoint", doc.TokenEndpoint)

	return IssuerConfiguration{
		AuthorizationEndpoint: doc.AuthorizationEndpoint,
		TokenEndpoint:         doc.TokenEndpoint,
	}, nil
}

// builtinIssuerOverrides pins providers whose discovery endpoint is
// unreliable or whose metadata needs overriding.
func builtinIssuerOverrides() map[string]IssuerConfiguration {
	return map[string]IssuerConfiguration{
		"api.medplum.com": {
			AuthorizationEndpoint: "https://api.medplum.com/oauth2/authorize",
			TokenEndpoint:         "https://api.medplum.com/oauth2/token",
		},
	}
}
