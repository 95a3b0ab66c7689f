package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Validation failure kinds. Every one of them is terminal for the current
// handshake attempt; none are retried.
var (
	ErrMissingLaunchParameters = errors.New("missing launch or iss parameter")
	ErrMissingParameter        = errors.New("missing code or state parameter")
	ErrStateMismatch           = errors.New("state mismatch")
	ErrExpiredSession          = errors.New("launch session expired")
)

// OAuthProviderError carries an explicit error returned by the
// authorization server on the callback.
type OAuthProviderError struct {
	Code        string
	Description string
}

func (e *OAuthProviderError) Error() string {
	if e.Description == "" {
		return "authorization server error: " + e.Code
	}
	return fmt.Sprintf("authorization server error: %s: %s", e.Code, e.Description)
}

// TokenExchangeError reports a non-success response from the token
// endpoint, keeping the upstream status and body for diagnosis.
type TokenExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token exchange failed: status %d: %s", e.Status, e.Body)
	}
	return "token exchange failed: " + e.Err.Error()
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// Sequencer drives the SMART launch across its two page loads. It is
// invoked once when the EHR redirects in with a launch parameter and once
// when the authorization server redirects back with a code; the
// LaunchStore is the only bridge between the two.
type Sequencer struct {
	cfg      Config
	logger   *slog.Logger
	store    LaunchStore
	flows    *FlowManager
	resolver *Resolver
	selector *ClientSelector
	http     *http.Client
}

// NewSequencer wires the sequencer from its collaborators. httpClient is
// used for the token exchange; nil selects a default with a timeout.
func NewSequencer(cfg Config, logger *slog.Logger, store LaunchStore, flows *FlowManager, resolver *Resolver, selector *ClientSelector, httpClient *http.Client) *Sequencer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Sequencer{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		flows:    flows,
		resolver: resolver,
		selector: selector,
		http:     httpClient,
	}
}

// Initiate handles the EHR-initiated page load: it externalizes the
// issuer, anti-forgery state, and PKCE verifier into the store, then
// issues the full redirect to the authorization endpoint. Nothing held in
// memory survives past the redirect.
func (s *Sequencer) Initiate(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	launch := q.Get("launch")
	iss := q.Get("iss")
	if launch == "" || iss == "" {
		return ErrMissingLaunchParameters
	}

	ctx := r.Context()

	// Resolve before any store write so a failed resolution leaves no
	// partial state behind.
	issuerCfg, err := s.resolver.Resolve(ctx, iss)
	if err != nil {
		return err
	}

	state, err := GenerateState()
	if err != nil {
		return err
	}
	verifier, err := GenerateVerifier()
	if err != nil {
		return err
	}
	challenge := DeriveChallenge(verifier)

	flowID := s.flows.FlowID(w, r)
	if err := s.putLaunch(ctx, flowID, iss, state, verifier); err != nil {
		return err
	}

	clientID := s.selector.Select(q, iss)
	authURL := s.oauthConfig(clientID, issuerCfg).AuthCodeURL(state,
		oauth2.SetAuthURLParam("aud", iss),
		oauth2.SetAuthURLParam("launch", launch),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	s.logger.Info("launch.initiate", "phase", PhaseInitiating, "iss", iss, "client_id", clientID)
	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}

// putLaunch persists the in-flight triple together; on a partial failure
// it clears what was written so the store is never left inconsistent.
func (s *Sequencer) putLaunch(ctx context.Context, flowID, iss, state, verifier string) error {
	writes := []struct{ key, value string }{
		{KeyIssuer, iss},
		{KeyState, state},
		{KeyCodeVerifier, verifier},
	}
	for _, wr := range writes {
		if err := s.store.Put(ctx, flowID, wr.key, wr.value); err != nil {
			_ = s.store.Remove(ctx, flowID, KeyIssuer, KeyState, KeyCodeVerifier)
			return fmt.Errorf("persist launch state: %w", err)
		}
	}
	return nil
}

// Callback handles the return page load: validate, exchange the code, and
// persist the session. The in-flight state/verifier are consumed exactly
// once; a duplicated callback cannot reach the token endpoint a second
// time.
func (s *Sequencer) Callback(w http.ResponseWriter, r *http.Request) (Session, error) {
	q := r.URL.Query()
	ctx := r.Context()
	flowID := s.flows.FlowID(w, r)

	if errCode := q.Get("error"); errCode != "" {
		// Provider-reported failure: never attempt validation or exchange,
		// but the one-shot values must not survive for a replay.
		_ = s.store.Remove(ctx, flowID, KeyState, KeyCodeVerifier)
		return Session{}, &OAuthProviderError{Code: errCode, Description: q.Get("error_description")}
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		return Session{}, ErrMissingParameter
	}

	s.logger.Debug("launch.callback", "phase", PhaseValidating)

	storedState, verifier, err := s.store.ConsumeLaunch(ctx, flowID)
	if err != nil {
		return Session{}, fmt.Errorf("read launch state: %w", err)
	}
	if storedState == "" || storedState != state {
		return Session{}, ErrStateMismatch
	}
	if verifier == "" {
		return Session{}, ErrExpiredSession
	}

	iss, ok, err := s.store.Get(ctx, flowID, KeyIssuer)
	if err != nil {
		return Session{}, fmt.Errorf("read stored issuer: %w", err)
	}
	if !ok {
		return Session{}, ErrExpiredSession
	}

	// A fresh resolution every handshake; the client id is recomputed from
	// the callback parameters plus the stored issuer.
	issuerCfg, err := s.resolver.Resolve(ctx, iss)
	if err != nil {
		return Session{}, err
	}
	clientID := s.selector.Select(q, iss)

	s.logger.Debug("launch.callback", "phase", PhaseExchanging, "iss", iss, "client_id", clientID)

	result, err := s.exchange(ctx, issuerCfg, clientID, code, verifier)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		BaseURL:     iss,
		AccessToken: result.AccessToken,
		PatientID:   result.PatientID,
		ExpiresAt:   result.ExpiresAt,
	}
	if err := s.putSession(ctx, flowID, sess); err != nil {
		return Session{}, err
	}

	s.logger.Info("launch.authenticated", "phase", PhaseAuthenticated, "iss", iss, "patient", result.PatientID)
	return sess, nil
}

// exchange POSTs the authorization code and verifier to the token
// endpoint and normalizes the response.
func (s *Sequencer) exchange(ctx context.Context, issuerCfg IssuerConfiguration, clientID, code, verifier string) (TokenResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)

	tok, err := s.oauthConfig(clientID, issuerCfg).Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return TokenResult{}, &TokenExchangeError{
				Status: retrieveErr.Response.StatusCode,
				Body:   strings.TrimSpace(string(retrieveErr.Body)),
				Err:    err,
			}
		}
		return TokenResult{}, &TokenExchangeError{Err: err}
	}

	patient, _ := tok.Extra("patient").(string)
	return TokenResult{
		AccessToken: tok.AccessToken,
		PatientID:   patient,
		ExpiresAt:   tokenExpiry(tok),
	}, nil
}

func (s *Sequencer) putSession(ctx context.Context, flowID string, sess Session) error {
	writes := []struct{ key, value string }{
		{KeyAccessToken, sess.AccessToken},
		{KeyPatient, sess.PatientID},
		{KeyBaseURL, sess.BaseURL},
	}
	if !sess.ExpiresAt.IsZero() {
		writes = append(writes, struct{ key, value string }{KeyExpiresAt, sess.ExpiresAt.Format(time.RFC3339)})
	}
	for _, wr := range writes {
		if err := s.store.Put(ctx, flowID, wr.key, wr.value); err != nil {
			_ = s.store.Remove(ctx, flowID, KeyAccessToken, KeyPatient, KeyBaseURL, KeyExpiresAt)
			return fmt.Errorf("persist session: %w", err)
		}
	}
	return nil
}

// Session reads the authenticated session back from the store, if one
// exists for the flow.
func (s *Sequencer) Session(ctx context.Context, flowID string) (Session, bool, error) {
	token, ok, err := s.store.Get(ctx, flowID, KeyAccessToken)
	if err != nil || !ok {
		return Session{}, false, err
	}
	patient, _, err := s.store.Get(ctx, flowID, KeyPatient)
	if err != nil {
		return Session{}, false, err
	}
	baseURL, _, err := s.store.Get(ctx, flowID, KeyBaseURL)
	if err != nil {
		return Session{}, false, err
	}

	sess := Session{BaseURL: baseURL, AccessToken: token, PatientID: patient}
	if raw, ok, err := s.store.Get(ctx, flowID, KeyExpiresAt); err == nil && ok {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			sess.ExpiresAt = t
		}
	}
	return sess, sess.Valid(), nil
}

// Logout discards all stored state for the flow.
func (s *Sequencer) Logout(ctx context.Context, flowID string) error {
	return s.store.Remove(ctx, flowID,
		KeyIssuer, KeyState, KeyCodeVerifier,
		KeyAccessToken, KeyPatient, KeyBaseURL, KeyExpiresAt)
}

func (s *Sequencer) oauthConfig(clientID string, issuerCfg IssuerConfiguration) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: s.cfg.RedirectURL(),
		Scopes:      strings.Fields(s.cfg.Scope()),
		Endpoint: oauth2.Endpoint{
			AuthURL:  issuerCfg.AuthorizationEndpoint,
			TokenURL: issuerCfg.TokenEndpoint,
			// Public client: client_id travels in the form body, not in a
			// Basic auth header.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// tokenExpiry prefers the token response's expires_in; failing that it
// pulls exp from JWT-shaped access tokens. The token is otherwise opaque
// to us and is never verified here.
func tokenExpiry(tok *oauth2.Token) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
