package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
)

// fakeDiscoverer serves canned URL lists and counts invocations.
type fakeDiscoverer struct {
	mu      sync.Mutex
	calls   atomic.Int64
	byLabel map[string][]string
	err     error
	delay   time.Duration
}

func (f *fakeDiscoverer) ListByLabel(_ context.Context, selector string) ([]string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.byLabel[selector], nil
}

func newTestRegistry(disc Discoverer, external []string) *Registry {
	return New(disc, Options{
		PreprocessingSelector: "preprocessing=true",
		FocusingSelector:      "focusing=true",
		ExternalEndpoints:     external,
	})
}

func TestRefreshNamesServicesFromHosts(t *testing.T) {
	disc := &fakeDiscoverer{byLabel: map[string][]string{
		"preprocessing=true": {
			"http://highlighter.svc.cluster.local:8080",
			"http://collapser.svc.cluster.local:8080",
		},
	}}
	reg := newTestRegistry(disc, nil)
	require.NoError(t, reg.Refresh(context.Background()))

	assert.Equal(t,
		[]string{"highlighter.svc.cluster.local", "collapser.svc.cluster.local"},
		reg.PreprocessorNames())
}

func TestRefreshSuffixesDuplicateHosts(t *testing.T) {
	disc := &fakeDiscoverer{byLabel: map[string][]string{
		"preprocessing=true": {
			"http://localhost:9001",
			"http://localhost:9002",
			"http://localhost:9003",
		},
	}}
	reg := newTestRegistry(disc, nil)
	require.NoError(t, reg.Refresh(context.Background()))

	assert.Equal(t, []string{"localhost", "localhost-2", "localhost-3"}, reg.PreprocessorNames())

	baseURL, ok := reg.ResolvePreprocessor("localhost-2")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9002", baseURL)
}

func TestExternalEndpointsComeAfterDiscovered(t *testing.T) {
	disc := &fakeDiscoverer{byLabel: map[string][]string{
		"preprocessing=true": {"http://discovered:8080"},
	}}
	reg := newTestRegistry(disc, []string{"http://external.example.com"})
	require.NoError(t, reg.Refresh(context.Background()))

	assert.Equal(t, []string{"discovered", "external.example.com"}, reg.PreprocessorNames())
}

func TestRefreshSingleFlight(t *testing.T) {
	disc := &fakeDiscoverer{
		byLabel: map[string][]string{"preprocessing=true": {"http://svc:80"}},
		delay:   30 * time.Millisecond,
	}
	reg := newTestRegistry(disc, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Refresh(context.Background()))
		}()
	}
	wg.Wait()

	// One shared refresh: two ListByLabel calls (preprocessors + selectors).
	assert.Equal(t, int64(2), disc.calls.Load())
}

func TestFailedRefreshKeepsPreviousMaps(t *testing.T) {
	disc := &fakeDiscoverer{byLabel: map[string][]string{
		"preprocessing=true": {"http://svc:80"},
	}}
	reg := newTestRegistry(disc, nil)
	require.NoError(t, reg.Refresh(context.Background()))
	require.Equal(t, []string{"svc"}, reg.PreprocessorNames())

	disc.mu.Lock()
	disc.err = assert.AnError
	disc.mu.Unlock()

	assert.Error(t, reg.Refresh(context.Background()))
	assert.Equal(t, []string{"svc"}, reg.PreprocessorNames(), "failed refresh must not clear the registry")

	// The in-flight flag is released: a later refresh succeeds again.
	disc.mu.Lock()
	disc.err = nil
	disc.mu.Unlock()
	assert.NoError(t, reg.Refresh(context.Background()))
}

func TestCallServiceRefreshesOnceForUnknownName(t *testing.T) {
	preprocessor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/preprocess", r.URL.Path)
		var doc epi.Document
		require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		doc["preprocessed"] = true
		json.NewEncoder(w).Encode(doc)
	}))
	defer preprocessor.Close()

	disc := &fakeDiscoverer{byLabel: map[string][]string{
		"preprocessing=true": {preprocessor.URL},
	}}
	reg := newTestRegistry(disc, nil)

	// No refresh has happened yet; CallService must trigger one.
	name := hostName(preprocessor.URL)
	out, err := reg.CallService(context.Background(), name, epi.Document{"resourceType": "Bundle"})
	require.NoError(t, err)
	assert.Equal(t, true, out["preprocessed"])

	_, err = reg.CallService(context.Background(), "no-such-service", epi.Document{})
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestRefreshBuildsLensMap(t *testing.T) {
	selectorA := httptest.NewServer(lensSelectorHandler(t, map[string]string{
		"pregnancy-lens.js": "Ly8gYQ==",
		"conditions-lens":   "Ly8gYg==",
	}))
	defer selectorA.Close()
	selectorB := httptest.NewServer(lensSelectorHandler(t, map[string]string{
		"pregnancy-lens.js": "Ly8gYw==",
	}))
	defer selectorB.Close()

	disc := &fakeDiscoverer{byLabel: map[string][]string{
		"focusing=true": {selectorA.URL, selectorB.URL},
	}}
	reg := newTestRegistry(disc, nil)
	require.NoError(t, reg.Refresh(context.Background()))

	names := reg.LensNames()
	assert.Contains(t, names, "pregnancy-lens")
	assert.Contains(t, names, "conditions-lens")
	// Duplicate lens name across selectors gets a numeric suffix.
	assert.Contains(t, names, "pregnancy-lens-2")

	lens, err := reg.FetchLens(context.Background(), "pregnancy-lens")
	require.NoError(t, err)
	assert.Equal(t, "pregnancy-lens.js", lens.ActualName)
	assert.Equal(t, "Ly8gYQ==", lens.EncodedBody)
}

func TestDeadSelectorOnlyLosesItsOwnLenses(t *testing.T) {
	alive := httptest.NewServer(lensSelectorHandler(t, map[string]string{"stamp.js": "Ly8="}))
	defer alive.Close()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	disc := &fakeDiscoverer{byLabel: map[string][]string{
		"focusing=true": {dead.URL, alive.URL},
	}}
	reg := newTestRegistry(disc, nil)
	require.NoError(t, reg.Refresh(context.Background()))

	assert.Equal(t, []string{"stamp"}, reg.LensNames())
}

// lensSelectorHandler fakes a selector's /lenses listing and fetch routes.
func lensSelectorHandler(t *testing.T, lenses map[string]string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/lenses" {
			names := make([]string, 0, len(lenses))
			for name := range lenses {
				names = append(names, name)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"lenses": names})
			return
		}
		name := r.URL.Path[len("/lenses/"):]
		data, ok := lenses[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"name":    name,
			"content": []map[string]interface{}{{"data": data}},
		})
	}
}
