package lens

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
)

func summaryBundle(t *testing.T) epi.Document {
	t.Helper()
	raw := `{
		"resourceType": "Bundle",
		"entry": [
			{"resource": {
				"resourceType": "Condition",
				"code": {"coding": [{"display": "Type 2 diabetes"}]}
			}},
			{"resource": {
				"resourceType": "Condition",
				"code": {"coding": [{"display": "Hypertension"}]}
			}},
			{"resource": {
				"resourceType": "AllergyIntolerance",
				"type": "allergy",
				"code": {"coding": [{"display": "Penicillin"}]}
			}}
		]
	}`
	var doc epi.Document
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestBuildStaticFamilies(t *testing.T) {
	e := NewExplainer()
	assert.Equal(t,
		"The highlighted information is especially relevant during pregnancy or breastfeeding.",
		e.Build("pregnancy-lens", "en", nil))
	assert.Equal(t,
		"La información resaltada es especialmente relevante durante el embarazo o la lactancia.",
		e.Build("pregnancy-lens", "es", nil))
	assert.Equal(t,
		"The highlighted information describes interactions with other medicines you are taking.",
		e.Build("interaction-highlighter", "en", nil))
}

func TestBuildConditionsListsSummaryItems(t *testing.T) {
	got := NewExplainer().Build("conditions-lens", "en", summaryBundle(t))
	assert.Equal(t, "The highlighted information relates to Type 2 diabetes, Hypertension.", got)
}

func TestBuildConditionsWithoutSummaryUsesDefaults(t *testing.T) {
	got := NewExplainer().Build("conditions-lens", "en", nil)
	assert.Equal(t, "The highlighted information relates to your recorded conditions in your patient summary.", got)
}

func TestBuildAllergiesIncludeType(t *testing.T) {
	got := NewExplainer().Build("allergy-lens", "en", summaryBundle(t))
	assert.Equal(t, "The highlighted information concerns Penicillin (allergy).", got)
}

func TestBuildUnknownLensAndLanguageFallBack(t *testing.T) {
	e := NewExplainer()
	assert.Equal(t,
		"The highlighted information is relevant to your health profile.",
		e.Build("some-custom-lens", "en", nil))
	// Unsupported language falls back to English.
	assert.Equal(t,
		"The highlighted information is relevant to your health profile.",
		e.Build("some-custom-lens", "fr", nil))
	// Danish is part of the table.
	assert.Equal(t,
		"De fremhævede oplysninger er relevante for din sundhedsprofil.",
		e.Build("some-custom-lens", "da", nil))
}
