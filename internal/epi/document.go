// Package epi provides a narrow view over electronic Product Information
// documents. An ePI travels through the service as raw decoded JSON
// (map[string]interface{}); the accessors here locate and mutate the parts
// the focusing flow cares about while leaving every unknown key untouched.
package epi

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Document is a decoded FHIR JSON document.
type Document = map[string]interface{}

// LensesAppliedExtensionURL marks lens provenance entries on the Composition.
const LensesAppliedExtensionURL = "http://hl7.eu/fhir/ig/gravitate-health/StructureDefinition/LensesApplied"

// SectionCodeSystem is used when a synthesised section needs a default code.
const SectionCodeSystem = "http://hl7.org/fhir/CodeSystem/section-code"

// Category codes advanced by the pipeline, in order.
const (
	CategoryRaw          = "R"
	CategoryPreprocessed = "P"
	CategoryEnhanced     = "E"
)

var (
	ErrMissingComposition = errors.New("no Composition resource in document")
	ErrMalformedSection   = errors.New("malformed leaflet section")
)

var categoryRank = map[string]int{
	CategoryRaw:          0,
	CategoryPreprocessed: 1,
	CategoryEnhanced:     2,
}

// FindResource returns the first resource of the given type, looking at the
// document itself and then at Bundle entries.
func FindResource(doc Document, resourceType string) (map[string]interface{}, bool) {
	if doc == nil {
		return nil, false
	}
	if rt, _ := doc["resourceType"].(string); rt == resourceType {
		return doc, true
	}
	entries, _ := doc["entry"].([]interface{})
	for _, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		resource, ok := entry["resource"].(map[string]interface{})
		if !ok {
			continue
		}
		if rt, _ := resource["resourceType"].(string); rt == resourceType {
			return resource, true
		}
	}
	return nil, false
}

// Composition returns the document's Composition resource.
func Composition(doc Document) (map[string]interface{}, error) {
	comp, ok := FindResource(doc, "Composition")
	if !ok {
		return nil, ErrMissingComposition
	}
	return comp, nil
}

// CategoryCode reads category[0].coding[0].code from the Composition.
// It returns the empty string when the path is absent.
func CategoryCode(doc Document) string {
	comp, err := Composition(doc)
	if err != nil {
		return ""
	}
	categories, _ := comp["category"].([]interface{})
	if len(categories) == 0 {
		return ""
	}
	category, _ := categories[0].(map[string]interface{})
	codings, _ := category["coding"].([]interface{})
	if len(codings) == 0 {
		return ""
	}
	coding, _ := codings[0].(map[string]interface{})
	code, _ := coding["code"].(string)
	return code
}

// SetCategoryCode advances the Composition category. The code only moves
// forward along R -> P -> E; a lower code never overwrites a higher one.
func SetCategoryCode(doc Document, code string) error {
	comp, err := Composition(doc)
	if err != nil {
		return err
	}
	if current := CategoryCode(doc); current != "" {
		if categoryRank[code] < categoryRank[current] {
			return nil
		}
	}

	categories, _ := comp["category"].([]interface{})
	if len(categories) == 0 {
		categories = []interface{}{map[string]interface{}{}}
		comp["category"] = categories
	}
	category, ok := categories[0].(map[string]interface{})
	if !ok {
		category = map[string]interface{}{}
		categories[0] = category
	}
	codings, _ := category["coding"].([]interface{})
	if len(codings) == 0 {
		codings = []interface{}{map[string]interface{}{}}
		category["coding"] = codings
	}
	coding, ok := codings[0].(map[string]interface{})
	if !ok {
		coding = map[string]interface{}{}
		codings[0] = coding
	}
	coding["code"] = code
	return nil
}

// leafletContainerIndex locates the Composition section holding the leaflet:
// the first section that itself has subsections, index 0 as fallback.
func leafletContainerIndex(sections []interface{}) (int, bool) {
	for i, raw := range sections {
		section, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if subs, ok := section["section"].([]interface{}); ok && len(subs) > 0 {
			return i, true
		}
	}
	return 0, false
}

// LeafletSections returns the leaflet's section list. When no section of the
// Composition has subsections it falls back to the first section's (possibly
// empty) subsections; located reports whether the proper container was found.
func LeafletSections(doc Document) (sections []interface{}, located bool, err error) {
	comp, err := Composition(doc)
	if err != nil {
		return nil, false, err
	}
	top, ok := comp["section"].([]interface{})
	if !ok || len(top) == 0 {
		return nil, false, fmt.Errorf("composition has no sections: %w", ErrMalformedSection)
	}
	idx, located := leafletContainerIndex(top)
	container, ok := top[idx].(map[string]interface{})
	if !ok {
		return nil, false, fmt.Errorf("section %d is not an object: %w", idx, ErrMalformedSection)
	}
	subs, _ := container["section"].([]interface{})
	return subs, located, nil
}

// WriteLeafletSections replaces the leaflet's section list in place, at the
// same index LeafletSections reads from.
func WriteLeafletSections(doc Document, sections []interface{}) error {
	comp, err := Composition(doc)
	if err != nil {
		return err
	}
	top, ok := comp["section"].([]interface{})
	if !ok || len(top) == 0 {
		return fmt.Errorf("composition has no sections: %w", ErrMalformedSection)
	}
	idx, _ := leafletContainerIndex(top)
	container, ok := top[idx].(map[string]interface{})
	if !ok {
		return fmt.Errorf("section %d is not an object: %w", idx, ErrMalformedSection)
	}
	container["section"] = sections
	return nil
}

// AppendLensProvenance records one lens application on the Composition.
// Entries are appended in application order and never deduplicated.
func AppendLensProvenance(doc Document, lensID, explanation string) error {
	comp, err := Composition(doc)
	if err != nil {
		return err
	}
	extensions, _ := comp["extension"].([]interface{})
	entry := map[string]interface{}{
		"url": LensesAppliedExtensionURL,
		"extension": []interface{}{
			map[string]interface{}{
				"url": "lens",
				"valueReference": map[string]interface{}{
					"reference": "Library/" + lensID,
				},
			},
			map[string]interface{}{
				"url":         "elementClass",
				"valueString": lensID,
			},
			map[string]interface{}{
				"url":         "explanation",
				"valueString": explanation,
			},
		},
	}
	comp["extension"] = append(extensions, entry)
	return nil
}

// LensProvenance lists the lens ids recorded on the Composition, in order.
func LensProvenance(doc Document) []string {
	comp, err := Composition(doc)
	if err != nil {
		return nil
	}
	extensions, _ := comp["extension"].([]interface{})
	var ids []string
	for _, raw := range extensions {
		ext, ok := raw.(map[string]interface{})
		if !ok || ext["url"] != LensesAppliedExtensionURL {
			continue
		}
		subs, _ := ext["extension"].([]interface{})
		for _, subRaw := range subs {
			sub, ok := subRaw.(map[string]interface{})
			if !ok || sub["url"] != "elementClass" {
				continue
			}
			if id, _ := sub["valueString"].(string); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Language returns the Composition language, falling back to the document
// language and then to "en".
func Language(doc Document) string {
	if comp, err := Composition(doc); err == nil {
		if lang, _ := comp["language"].(string); lang != "" {
			return lang
		}
	}
	if lang, _ := doc["language"].(string); lang != "" {
		return lang
	}
	return "en"
}

// PatientIdentifier extracts the patient identifier from an IPS bundle.
func PatientIdentifier(ips Document) string {
	patient, ok := FindResource(ips, "Patient")
	if !ok {
		return ""
	}
	identifiers, _ := patient["identifier"].([]interface{})
	for _, raw := range identifiers {
		identifier, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if value, _ := identifier["value"].(string); value != "" {
			return value
		}
	}
	if id, _ := patient["id"].(string); id != "" {
		return id
	}
	return ""
}

// Conditions lists the display strings of Condition resources in an IPS.
func Conditions(ips Document) []string {
	var displays []string
	forEachResource(ips, "Condition", func(resource map[string]interface{}) {
		if display := codeDisplay(resource); display != "" {
			displays = append(displays, display)
		}
	})
	return displays
}

// Allergy is one AllergyIntolerance extracted from an IPS.
type Allergy struct {
	Type        string
	CausalAgent string
}

// Allergies lists AllergyIntolerance resources in an IPS.
func Allergies(ips Document) []Allergy {
	var allergies []Allergy
	forEachResource(ips, "AllergyIntolerance", func(resource map[string]interface{}) {
		allergy := Allergy{CausalAgent: codeDisplay(resource)}
		allergy.Type, _ = resource["type"].(string)
		if allergy.CausalAgent != "" || allergy.Type != "" {
			allergies = append(allergies, allergy)
		}
	})
	return allergies
}

func forEachResource(doc Document, resourceType string, fn func(map[string]interface{})) {
	if doc == nil {
		return
	}
	if rt, _ := doc["resourceType"].(string); rt == resourceType {
		fn(doc)
		return
	}
	entries, _ := doc["entry"].([]interface{})
	for _, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		resource, ok := entry["resource"].(map[string]interface{})
		if !ok {
			continue
		}
		if rt, _ := resource["resourceType"].(string); rt == resourceType {
			fn(resource)
		}
	}
}

// codeDisplay reads code.coding[0].display with code.text as fallback.
func codeDisplay(resource map[string]interface{}) string {
	code, _ := resource["code"].(map[string]interface{})
	if code == nil {
		return ""
	}
	codings, _ := code["coding"].([]interface{})
	if len(codings) > 0 {
		if coding, ok := codings[0].(map[string]interface{}); ok {
			if display, _ := coding["display"].(string); display != "" {
				return display
			}
		}
	}
	text, _ := code["text"].(string)
	return text
}

// Clone deep-copies a document through a JSON round-trip.
func Clone(doc Document) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	return out, nil
}
