// Package fhir is a minimal authenticated FHIR REST client, built from the
// {base URL, access token} pair produced by a successful SMART launch.
// Resources pass through as raw JSON; this package does no FHIR modeling.
package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client issues reads and searches against one FHIR base URL.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// RequestError reports a non-success FHIR response.
type RequestError struct {
	Status int
	URL    string
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("fhir: %s returned status %d: %s", e.URL, e.Status, e.Body)
}

// New creates a client. httpClient nil selects a default with a timeout.
func New(baseURL, accessToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   accessToken,
		http:    httpClient,
	}
}

// Read fetches a single resource by type and id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	return c.get(ctx, c.baseURL+"/"+resourceType+"/"+url.PathEscape(id))
}

// SearchByPatient fetches the bundle of resources of the given type for a
// patient.
func (c *Client) SearchByPatient(ctx context.Context, resourceType, patientID string) (json.RawMessage, error) {
	q := url.Values{"patient": {patientID}}
	return c.get(ctx, c.baseURL+"/"+resourceType+"?"+q.Encode())
}

func (c *Client) get(ctx context.Context, rawURL string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fhir: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fhir: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("fhir: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			Status: resp.StatusCode,
			URL:    rawURL,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("fhir: %s returned invalid JSON", rawURL)
	}
	return json.RawMessage(body), nil
}
