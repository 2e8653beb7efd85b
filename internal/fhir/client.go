// Package fhir holds the thin clients for the upstream FHIR servers the
// focusing manager pulls documents from: the ePI server, the IPS server and
// the persona-vector profile service.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
)

// ErrNotFound marks an identifier the upstream could not resolve; the
// orchestrator maps it to 404.
var ErrNotFound = errors.New("resource not found upstream")

// UpstreamError carries a non-404 upstream failure; the orchestrator maps it
// to 502 in resolution flows.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// Client fetches ePI bundles, patient summaries and persona vectors.
type Client struct {
	epiURL     string
	ipsURL     string
	profileURL string
	httpClient *http.Client
	logger     logging.Logger
}

// Options configure a Client. Empty base URLs disable the matching fetches.
type Options struct {
	EpiURL     string
	IpsURL     string
	ProfileURL string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logging.Logger
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		epiURL:     opts.EpiURL,
		ipsURL:     opts.IpsURL,
		profileURL: opts.ProfileURL,
		httpClient: httpClient,
		logger:     logging.OrNop(opts.Logger),
	}
}

// Epi fetches an ePI bundle by id.
func (c *Client) Epi(ctx context.Context, id string) (epi.Document, error) {
	if c.epiURL == "" {
		return nil, fmt.Errorf("FHIR_EPI_URL is not configured")
	}
	return c.getJSON(ctx, c.epiURL+"/Bundle/"+url.PathEscape(id))
}

// Ips fetches a patient summary. The identifier is first tried as a logical
// id against $summary; a 404 falls back to the identifier-based Parameters
// form.
func (c *Client) Ips(ctx context.Context, patientIdentifier string) (epi.Document, error) {
	if c.ipsURL == "" {
		return nil, fmt.Errorf("FHIR_IPS_URL is not configured")
	}
	doc, err := c.getJSON(ctx, c.ipsURL+"/Patient/"+url.PathEscape(patientIdentifier)+"/$summary")
	if err == nil || !errors.Is(err, ErrNotFound) {
		return doc, err
	}

	params := map[string]interface{}{
		"resourceType": "Parameters",
		"parameter": []interface{}{
			map[string]interface{}{
				"name":            "identifier",
				"valueIdentifier": map[string]interface{}{"value": patientIdentifier},
			},
		},
	}
	return c.postJSON(ctx, c.ipsURL+"/Patient/$summary", params)
}

// PersonaVector fetches a persona vector record by id.
func (c *Client) PersonaVector(ctx context.Context, id string) (map[string]interface{}, error) {
	if c.profileURL == "" {
		return nil, fmt.Errorf("PROFILE_URL is not configured")
	}
	return c.getJSON(ctx, c.profileURL+"/"+url.PathEscape(id))
}

func (c *Client) getJSON(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) postJSON(ctx context.Context, rawURL string, body interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (map[string]interface{}, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s: %w", req.URL, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", req.URL, err)
	}
	return out, nil
}
