package lens

import (
	"strings"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
)

// Explainer builds the fallback provenance text for lenses that do not
// provide their own explanation. The table is closed: a handful of lens
// families in four languages, everything else falls back to the default
// family and English.
type Explainer struct {
	families map[string]map[string]template
}

// template is either a fixed sentence or a four-part frame: prefix, glue
// between patient-summary items, and the noun plus filler used when the
// summary yields no items.
type template struct {
	static string
	parts  [4]string
}

const (
	familyPregnancy   = "pregnancy"
	familyConditions  = "conditions"
	familyAllergies   = "allergies"
	familyInteraction = "interaction"
	familyDefault     = "default"
)

// NewExplainer builds the explainer with its built-in template table.
func NewExplainer() *Explainer {
	return &Explainer{families: map[string]map[string]template{
		familyPregnancy: {
			"en": {static: "The highlighted information is especially relevant during pregnancy or breastfeeding."},
			"es": {static: "La información resaltada es especialmente relevante durante el embarazo o la lactancia."},
			"pt": {static: "A informação destacada é especialmente relevante durante a gravidez ou amamentação."},
			"da": {static: "De fremhævede oplysninger er særligt relevante under graviditet eller amning."},
		},
		familyInteraction: {
			"en": {static: "The highlighted information describes interactions with other medicines you are taking."},
			"es": {static: "La información resaltada describe interacciones con otros medicamentos que está tomando."},
			"pt": {static: "A informação destacada descreve interações com outros medicamentos que está a tomar."},
			"da": {static: "De fremhævede oplysninger beskriver interaktioner med anden medicin, du tager."},
		},
		familyConditions: {
			"en": {parts: [4]string{"The highlighted information relates to ", ", ", "your recorded conditions", "in your patient summary"}},
			"es": {parts: [4]string{"La información resaltada está relacionada con ", ", ", "sus condiciones registradas", "en su resumen de paciente"}},
			"pt": {parts: [4]string{"A informação destacada está relacionada com ", ", ", "as suas condições registadas", "no seu resumo de paciente"}},
			"da": {parts: [4]string{"De fremhævede oplysninger vedrører ", ", ", "dine registrerede helbredstilstande", "i dit patientresumé"}},
		},
		familyAllergies: {
			"en": {parts: [4]string{"The highlighted information concerns ", ", ", "your recorded allergies", "in your patient summary"}},
			"es": {parts: [4]string{"La información resaltada se refiere a ", ", ", "sus alergias registradas", "en su resumen de paciente"}},
			"pt": {parts: [4]string{"A informação destacada refere-se a ", ", ", "as suas alergias registadas", "no seu resumo de paciente"}},
			"da": {parts: [4]string{"De fremhævede oplysninger vedrører ", ", ", "dine registrerede allergier", "i dit patientresumé"}},
		},
		familyDefault: {
			"en": {static: "The highlighted information is relevant to your health profile."},
			"es": {static: "La información resaltada es relevante para su perfil de salud."},
			"pt": {static: "A informação destacada é relevante para o seu perfil de saúde."},
			"da": {static: "De fremhævede oplysninger er relevante for din sundhedsprofil."},
		},
	}}
}

// Build returns the localized explanation for a lens key. Condition and
// allergy families list the matching items from the patient summary when it
// is available.
func (e *Explainer) Build(lensKey, language string, ips epi.Document) string {
	family := classifyLens(lensKey)
	t := e.lookup(family, language)
	if t.static != "" {
		return t.static
	}

	var items []string
	switch family {
	case familyConditions:
		items = epi.Conditions(ips)
	case familyAllergies:
		for _, allergy := range epi.Allergies(ips) {
			items = append(items, allergyItem(allergy))
		}
	}
	if len(items) == 0 {
		return t.parts[0] + t.parts[2] + " " + t.parts[3] + "."
	}
	return t.parts[0] + strings.Join(items, t.parts[1]) + "."
}

func (e *Explainer) lookup(family, language string) template {
	byLanguage, ok := e.families[family]
	if !ok {
		byLanguage = e.families[familyDefault]
	}
	if t, ok := byLanguage[language]; ok {
		return t
	}
	return byLanguage["en"]
}

// classifyLens matches the lens key against the known families by substring,
// mirroring how lens names are published (pregnancy-lens, conditions-lens.js).
func classifyLens(lensKey string) string {
	key := strings.ToLower(lensKey)
	switch {
	case strings.Contains(key, "pregnan"):
		return familyPregnancy
	case strings.Contains(key, "condition"):
		return familyConditions
	case strings.Contains(key, "allerg"), strings.Contains(key, "intoler"):
		return familyAllergies
	case strings.Contains(key, "interact"):
		return familyInteraction
	default:
		return familyDefault
	}
}

func allergyItem(allergy epi.Allergy) string {
	if allergy.CausalAgent == "" {
		return allergy.Type
	}
	if allergy.Type == "" {
		return allergy.CausalAgent
	}
	return allergy.CausalAgent + " (" + allergy.Type + ")"
}
