package lens

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
)

// collectHTML flattens the leaflet into the single html string handed to the
// lens. Section narratives are concatenated in document order, descending
// into subsections and contained resources.
func collectHTML(sections []interface{}) string {
	var builder strings.Builder
	for _, raw := range sections {
		section, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		appendNarrative(&builder, section)
	}
	return builder.String()
}

func appendNarrative(builder *strings.Builder, section map[string]interface{}) {
	if text, ok := section["text"].(map[string]interface{}); ok {
		if div, ok := text["div"].(string); ok && div != "" {
			builder.WriteString(div)
		}
	}
	if children, ok := section["section"].([]interface{}); ok {
		for _, raw := range children {
			if child, ok := raw.(map[string]interface{}); ok {
				appendNarrative(builder, child)
			}
		}
	}
}

// resegment splits the lens output back into leaflet sections. Each
// top-level xhtml div becomes one section, paired by index with the original
// so titles and codes survive the rewrite; extra divs get synthesized
// metadata.
func resegment(enhanced string, original []interface{}) ([]interface{}, error) {
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(enhanced))
	if err != nil {
		return nil, fmt.Errorf("parsing lens output: %w", err)
	}
	divs := parsed.Find(`div[xmlns="http://www.w3.org/1999/xhtml"]`)
	if divs.Length() == 0 {
		return nil, fmt.Errorf("lens output contains no xhtml sections")
	}

	sections := make([]interface{}, 0, divs.Length())
	var outerErr error
	divs.Each(func(i int, selection *goquery.Selection) {
		outer, err := goquery.OuterHtml(selection)
		if err != nil {
			outerErr = fmt.Errorf("serializing section %d: %w", i+1, err)
			return
		}
		sections = append(sections, rebuildSection(i, outer, original))
	})
	if outerErr != nil {
		return nil, outerErr
	}
	return sections, nil
}

// rebuildSection keeps every field of the paired original section and swaps
// in the rewritten narrative; sections past the original count get defaults.
func rebuildSection(index int, narrative string, original []interface{}) map[string]interface{} {
	section := map[string]interface{}{}
	if index < len(original) {
		if prior, ok := original[index].(map[string]interface{}); ok {
			for key, value := range prior {
				section[key] = value
			}
		}
	}

	status := "additional"
	if text, ok := section["text"].(map[string]interface{}); ok {
		if prior, ok := text["status"].(string); ok && prior != "" {
			status = prior
		}
	}
	section["text"] = map[string]interface{}{"status": status, "div": narrative}

	if _, ok := section["title"]; !ok {
		section["title"] = fmt.Sprintf("Section %d", index+1)
	}
	if _, ok := section["code"]; !ok {
		section["code"] = map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{
				"system": epi.SectionCodeSystem,
				"code":   fmt.Sprintf("section-%d", index+1),
			}},
		}
	}
	return section
}
