package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
)

const defaultCallTimeout = 10 * time.Second

// ErrUnknownService marks a name that stayed unresolvable after a refresh.
var ErrUnknownService = errors.New("unknown service")

// LensRef maps a public lens key to the selector that owns it and the name
// the selector knows it by.
type LensRef struct {
	Selector   string
	ActualName string
}

// Lens is a fetched lens record, body still base64-encoded.
type Lens struct {
	Key         string
	ActualName  string
	Selector    string
	EncodedBody string
	Metadata    map[string]interface{}
}

// Registry keeps the runtime maps of preprocessor services and lens
// selectors. Refresh rebuilds both from discovery and replaces the maps
// atomically; concurrent refreshes share one in-flight run.
type Registry struct {
	discoverer Discoverer
	httpClient *http.Client
	logger     logging.Logger

	preprocessingSelector string
	focusingSelector      string
	externalEndpoints     []string

	mu                sync.RWMutex
	preprocessors     map[string]string // serviceName -> baseURL
	preprocessorOrder []string
	selectors         map[string]string // selectorName -> baseURL
	selectorOrder     []string
	lenses            map[string]LensRef // lensKey -> ref
	lensOrder         []string

	flight singleflight.Group
}

// Options configure a Registry.
type Options struct {
	PreprocessingSelector string
	FocusingSelector      string
	ExternalEndpoints     []string
	HTTPClient            *http.Client
	Logger                logging.Logger
}

// New creates a registry on top of a discovery back-end.
func New(discoverer Discoverer, opts Options) *Registry {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultCallTimeout}
	}
	return &Registry{
		discoverer:            discoverer,
		httpClient:            httpClient,
		logger:                logging.OrNop(opts.Logger),
		preprocessingSelector: opts.PreprocessingSelector,
		focusingSelector:      opts.FocusingSelector,
		externalEndpoints:     opts.ExternalEndpoints,
		preprocessors:         map[string]string{},
		selectors:             map[string]string{},
		lenses:                map[string]LensRef{},
	}
}

// Refresh rediscovers preprocessors and lens selectors. Concurrent callers
// share a single in-flight refresh; a failed refresh keeps the previous maps.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.flight.Do("refresh", func() (interface{}, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

func (r *Registry) refresh(ctx context.Context) error {
	discovered, err := r.discoverer.ListByLabel(ctx, r.preprocessingSelector)
	if err != nil {
		return fmt.Errorf("preprocessor discovery: %w", err)
	}
	// Combined ordering is discovered endpoints first, then external ones.
	endpoints := append(append([]string{}, discovered...), r.externalEndpoints...)
	preprocessors, preprocessorOrder := nameServices(endpoints)

	selectorURLs, err := r.discoverer.ListByLabel(ctx, r.focusingSelector)
	if err != nil {
		return fmt.Errorf("lens selector discovery: %w", err)
	}
	selectors, selectorOrder := nameServices(selectorURLs)

	lenses := map[string]LensRef{}
	var lensOrder []string
	for _, selectorName := range selectorOrder {
		names, err := r.listLenses(ctx, selectors[selectorName])
		if err != nil {
			// A dead selector only loses its own lenses.
			r.logger.Warn("listing lenses of %s failed: %v", selectorName, err)
			continue
		}
		for _, actual := range names {
			key := uniqueName(strings.TrimSuffix(actual, ".js"), func(candidate string) bool {
				_, taken := lenses[candidate]
				return taken
			})
			lenses[key] = LensRef{Selector: selectorName, ActualName: actual}
			lensOrder = append(lensOrder, key)
		}
	}

	r.mu.Lock()
	r.preprocessors = preprocessors
	r.preprocessorOrder = preprocessorOrder
	r.selectors = selectors
	r.selectorOrder = selectorOrder
	r.lenses = lenses
	r.lensOrder = lensOrder
	r.mu.Unlock()

	r.logger.Info("registry refreshed: %d preprocessors, %d selectors, %d lenses",
		len(preprocessorOrder), len(selectorOrder), len(lensOrder))
	return nil
}

// nameServices derives unique service names from URL hosts, suffixing
// duplicates with -2, -3, ... in insertion order.
func nameServices(urls []string) (map[string]string, []string) {
	byName := make(map[string]string, len(urls))
	order := make([]string, 0, len(urls))
	for _, raw := range urls {
		name := uniqueName(hostName(raw), func(candidate string) bool {
			_, taken := byName[candidate]
			return taken
		})
		byName[name] = strings.TrimRight(raw, "/")
		order = append(order, name)
	}
	return byName, order
}

func hostName(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Hostname() == "" {
		return strings.TrimRight(raw, "/")
	}
	return parsed.Hostname()
}

func uniqueName(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !taken(candidate) {
			return candidate
		}
	}
}

// PreprocessorNames lists known preprocessor service names in registry order.
func (r *Registry) PreprocessorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.preprocessorOrder...)
}

// LensNames lists known lens keys in registry order.
func (r *Registry) LensNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.lensOrder...)
}

// ResolvePreprocessor maps a service name to its base URL.
func (r *Registry) ResolvePreprocessor(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	baseURL, ok := r.preprocessors[name]
	return baseURL, ok
}

func (r *Registry) resolveLens(key string) (LensRef, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.lenses[key]
	if !ok {
		return LensRef{}, "", false
	}
	baseURL, ok := r.selectors[ref.Selector]
	return ref, baseURL, ok
}

// CallService posts a document to the named preprocessor's /preprocess
// endpoint. An unknown name triggers exactly one refresh before failing.
func (r *Registry) CallService(ctx context.Context, name string, doc epi.Document) (epi.Document, error) {
	baseURL, ok := r.ResolvePreprocessor(name)
	if !ok {
		if err := r.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("refresh for unknown service %q: %w", name, err)
		}
		if baseURL, ok = r.ResolvePreprocessor(name); !ok {
			return nil, fmt.Errorf("preprocessor %q: %w", name, ErrUnknownService)
		}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/preprocess", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("preprocessor %s returned status %d", name, resp.StatusCode)
	}

	var out epi.Document
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response of %s: %w", name, err)
	}
	return out, nil
}

// FetchLens retrieves a lens record from its owning selector. An unknown key
// triggers exactly one refresh before failing.
func (r *Registry) FetchLens(ctx context.Context, key string) (*Lens, error) {
	ref, baseURL, ok := r.resolveLens(key)
	if !ok {
		if err := r.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("refresh for unknown lens %q: %w", key, err)
		}
		if ref, baseURL, ok = r.resolveLens(key); !ok {
			return nil, fmt.Errorf("lens %q: %w", key, ErrUnknownService)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/lenses/"+url.PathEscape(ref.ActualName), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch lens %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("selector %s returned status %d for lens %s", ref.Selector, resp.StatusCode, key)
	}

	var record struct {
		Name    string                   `json:"name"`
		Content []map[string]interface{} `json:"content"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read lens %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode lens %s: %w", key, err)
	}

	lens := &Lens{Key: key, ActualName: ref.ActualName, Selector: ref.Selector}
	if err := json.Unmarshal(raw, &lens.Metadata); err != nil {
		return nil, fmt.Errorf("decode lens %s: %w", key, err)
	}
	if len(record.Content) > 0 {
		lens.EncodedBody, _ = record.Content[0]["data"].(string)
	}
	return lens, nil
}

// listLenses queries a selector's /lenses listing.
func (r *Registry) listLenses(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/lenses", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var listing struct {
		Lenses []string `json:"lenses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	return listing.Lenses, nil
}
