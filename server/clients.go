package server

import (
	"net/url"
	"strings"
)

// ClientSelector picks the OAuth client id to present for a handshake.
// Precedence: explicit client_id request parameter, then the issuer
// hostname allow-list, then the configured default. Selection is a pure
// function of its inputs so that initiation and callback, which see
// different request parameters, recompute the same id from the same
// issuer.
type ClientSelector struct {
	defaultID string
	byHost    map[string]string
}

// NewClientSelector builds the selector from configuration.
func NewClientSelector(cfg Config) *ClientSelector {
	byHost := make(map[string]string, len(cfg.Clients))
	for _, cm := range cfg.Clients {
		byHost[strings.ToLower(cm.Hostname)] = cm.ClientID
	}
	return &ClientSelector{
		defaultID: cfg.Launch.DefaultClientID,
		byHost:    byHost,
	}
}

// Select returns the client id for the given request parameters and issuer.
func (s *ClientSelector) Select(params url.Values, issuer string) string {
	if id := params.Get("client_id"); id != "" {
		return id
	}
	if u, err := url.Parse(issuer); err == nil {
		if id, ok := s.byHost[strings.ToLower(u.Hostname())]; ok {
			return id
		}
	}
	return s.defaultID
}
