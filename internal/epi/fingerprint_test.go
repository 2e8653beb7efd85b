package epi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStableAcrossClone(t *testing.T) {
	doc := leafletBundle()
	clone, err := Clone(doc)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(doc), Fingerprint(clone))
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := `{"resourceType": "Composition", "section": [{"title": "s", "text": {"div": "<div/>", "status": "additional"}}]}`
	b := `{"section": [{"text": {"status": "additional", "div": "<div/>"}, "title": "s"}], "resourceType": "Composition"}`

	var docA, docB Document
	require.NoError(t, json.Unmarshal([]byte(a), &docA))
	require.NoError(t, json.Unmarshal([]byte(b), &docB))

	assert.Equal(t, Fingerprint(docA), Fingerprint(docB))
}

func TestFingerprintSensitiveToSectionContent(t *testing.T) {
	doc := leafletBundle()
	before := Fingerprint(doc)

	sections, _, err := LeafletSections(doc)
	require.NoError(t, err)
	sections[0].(map[string]interface{})["title"] = "changed"

	assert.NotEqual(t, before, Fingerprint(doc))
}

func TestFingerprintFallsBackToWholeDocument(t *testing.T) {
	a := Document{"resourceType": "Bundle", "id": "a"}
	b := Document{"resourceType": "Bundle", "id": "b"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.NotEmpty(t, Fingerprint(a))
}

func TestStepSignatures(t *testing.T) {
	cases := []struct {
		signature string
		step      Step
	}{
		{"highlight", Step{Name: "highlight"}},
		{"highlight:1.2", Step{Name: "highlight", Version: "1.2"}},
		{"highlight:1.2:abc123", Step{Name: "highlight", Version: "1.2", ConfigHash: "abc123"}},
	}
	for _, tc := range cases {
		t.Run(tc.signature, func(t *testing.T) {
			assert.Equal(t, tc.step, ParseStep(tc.signature))
			assert.Equal(t, tc.signature, tc.step.Signature())
		})
	}
}

func TestCacheKeyLayout(t *testing.T) {
	steps := ParseSteps([]string{"a", "b:2"})
	assert.Equal(t, "v1:fp:a|b:2", CacheKey("v1", "fp", steps))
	assert.Equal(t, "v1:fp:", CacheKey("v1", "fp", nil))
	assert.Equal(t, "v1:fp:*", EpiPattern("v1", "fp"))
}
