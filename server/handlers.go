package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"smartdash/fhir"
)

// Resource types fetched for the dashboard, besides the patient record
// itself.
var dashboardResources = []string{
	"Observation",
	"Condition",
	"MedicationRequest",
	"AllergyIntolerance",
}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Store      LaunchStore
	Flows      *FlowManager
	Resolver   *Resolver
	Selector   *ClientSelector
	Sequencer  *Sequencer
	HTTPClient *http.Client
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	httpClient := &http.Client{Timeout: 15 * time.Second}

	var store LaunchStore
	if cfg.Redis.Addr != "" {
		store = NewRedisStore(cfg)
		logger.Info("launch store", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		store = NewMemoryStore(cfg.StateTTL(), cfg.SessionTTL())
		logger.Info("launch store", "backend", "memory")
	}

	flows := NewFlowManager(cfg)
	resolver := NewResolver(cfg, logger, httpClient)
	selector := NewClientSelector(cfg)
	sequencer := NewSequencer(cfg, logger, store, flows, resolver, selector, httpClient)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Flows:      flows,
		Resolver:   resolver,
		Selector:   selector,
		Sequencer:  sequencer,
		HTTPClient: httpClient,
	}, nil
}

// handleEntry dispatches a page load on the inbound query parameters: an
// EHR launch, an authorization callback, an existing session, or home.
func (a *App) handleEntry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("launch") != "" || q.Get("iss") != "":
		a.handleLaunch(w, r)
	case q.Get("code") != "" || q.Get("state") != "" || q.Get("error") != "":
		a.handleCallback(w, r)
	default:
		flowID := a.Flows.FlowID(w, r)
		if _, ok, _ := a.Sequencer.Session(r.Context(), flowID); ok {
			http.Redirect(w, r, "/dashboard", http.StatusFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"app":    "smartdash",
			"status": "awaiting EHR launch",
		})
	}
}

func (a *App) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if err := a.Sequencer.Initiate(w, r); err != nil {
		a.renderLaunchError(w, err)
	}
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sequencer.Callback(w, r)
	if err != nil {
		a.renderLaunchError(w, err)
		return
	}
	a.Logger.Info("session established", "patient", sess.PatientID, "base_url", sess.BaseURL)
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flowID := a.Flows.FlowID(w, r)
	sess, ok, err := a.Sequencer.Session(ctx, flowID)
	if err != nil {
		a.Logger.Error("session load", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("server_error", "could not load session"))
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("no_session", "launch this app from your EHR to begin"))
		return
	}

	client := fhir.New(sess.BaseURL, sess.AccessToken, a.HTTPClient)

	// Independent reads fired concurrently with a join before rendering;
	// no shared mutable state between them.
	var patient json.RawMessage
	bundles := make([]json.RawMessage, len(dashboardResources))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		patient, err = client.Read(gctx, "Patient", sess.PatientID)
		return err
	})
	for i, resource := range dashboardResources {
		i, resource := i, resource
		g.Go(func() error {
			var err error
			bundles[i], err = client.SearchByPatient(gctx, resource, sess.PatientID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		a.Logger.Error("dashboard fetch", "error", err, "patient", sess.PatientID)
		writeJSON(w, http.StatusBadGateway, errorBody("fhir_error", err.Error()))
		return
	}

	resp := map[string]json.RawMessage{"patient": patient}
	for i, resource := range dashboardResources {
		resp[resource] = bundles[i]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	flowID := a.Flows.FlowID(w, r)
	sess, ok, err := a.Sequencer.Session(r.Context(), flowID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("server_error", "could not load session"))
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("no_session", "no active session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"patient":  sess.PatientID,
		"base_url": sess.BaseURL,
		"token":    redactToken(sess.AccessToken),
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	flowID := a.Flows.FlowID(w, r)
	if err := a.Sequencer.Logout(r.Context(), flowID); err != nil {
		a.Logger.Error("logout", "error", err)
	}
	a.Flows.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// renderLaunchError maps a handshake failure to a user-readable response.
// Nothing is swallowed; every failure is terminal for the attempt.
func (a *App) renderLaunchError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "launch_failed"
	detail := err.Error()

	var provErr *OAuthProviderError
	var exchErr *TokenExchangeError

	switch {
	case errors.Is(err, ErrMissingLaunchParameters):
		status, code = http.StatusBadRequest, "missing_launch_parameters"
	case errors.Is(err, ErrMissingParameter):
		status, code = http.StatusBadRequest, "missing_parameter"
	case errors.Is(err, ErrStateMismatch):
		status, code = http.StatusBadRequest, "state_mismatch"
		detail = "state did not match; restart the launch from your EHR"
	case errors.Is(err, ErrExpiredSession):
		status, code = http.StatusBadRequest, "expired_session"
		detail = "launch session expired; restart the launch from your EHR"
	case errors.Is(err, ErrConfigurationUnavailable):
		status, code = http.StatusBadGateway, "configuration_unavailable"
	case errors.Is(err, ErrConfigurationMalformed):
		status, code = http.StatusBadGateway, "configuration_malformed"
	case errors.As(err, &provErr):
		status, code = http.StatusBadGateway, "oauth_provider_error"
	case errors.As(err, &exchErr):
		status, code = http.StatusBadGateway, "token_exchange_failed"
	}

	a.Logger.Warn("launch failed", "phase", PhaseErrored, "code", code, "error", err)
	writeJSON(w, status, errorBody(code, detail))
}

func errorBody(code, detail string) map[string]string {
	return map[string]string{"error": code, "error_description": detail}
}

func redactToken(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:8] + "..."
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
