package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpiFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Bundle/epi-123", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"resourceType": "Bundle", "id": "epi-123"})
	}))
	defer server.Close()

	client := New(Options{EpiURL: server.URL})
	doc, err := client.Epi(context.Background(), "epi-123")
	require.NoError(t, err)
	assert.Equal(t, "epi-123", doc["id"])
}

func TestEpiNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client := New(Options{EpiURL: server.URL})
	_, err := client.Epi(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEpiUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(Options{EpiURL: server.URL})
	_, err := client.Epi(context.Background(), "epi-123")

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusBadGateway, upstream.Status)
}

func TestIpsFallsBackToIdentifierQuery(t *testing.T) {
	var sawParameters bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			// Not a logical id on this server.
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/Patient/$summary":
			var params map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
			assert.Equal(t, "Parameters", params["resourceType"])
			sawParameters = true
			json.NewEncoder(w).Encode(map[string]interface{}{"resourceType": "Bundle", "id": "ips-1"})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	client := New(Options{IpsURL: server.URL})
	doc, err := client.Ips(context.Background(), "pat-7")
	require.NoError(t, err)
	assert.True(t, sawParameters)
	assert.Equal(t, "ips-1", doc["id"])
}

func TestPersonaVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pv-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"focus": "accessibility"})
	}))
	defer server.Close()

	client := New(Options{ProfileURL: server.URL})
	pv, err := client.PersonaVector(context.Background(), "pv-1")
	require.NoError(t, err)
	assert.Equal(t, "accessibility", pv["focus"])
}

func TestUnconfiguredBaseURL(t *testing.T) {
	client := New(Options{})
	_, err := client.Epi(context.Background(), "epi-123")
	assert.ErrorContains(t, err, "FHIR_EPI_URL")
}
