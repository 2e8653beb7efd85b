package epi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Fingerprint hashes the canonical JSON of the Composition's section array.
// encoding/json marshals map keys in sorted order without whitespace, which
// gives the canonical form directly. Documents without a Composition hash as
// a whole.
func Fingerprint(doc Document) string {
	var payload interface{} = doc
	if comp, err := Composition(doc); err == nil {
		if sections, ok := comp["section"].([]interface{}); ok {
			payload = sections
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// Documents arrive from json.Unmarshal, so this only triggers on
		// hand-built maps with unmarshalable values.
		raw = fmt.Appendf(nil, "%v", payload)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Step identifies one preprocessing step. Version and ConfigHash are
// optional refinements of the step name.
type Step struct {
	Name       string
	Version    string
	ConfigHash string
}

// ParseStep parses a canonical signature "name[:version][:configHash]".
func ParseStep(signature string) Step {
	parts := strings.SplitN(signature, ":", 3)
	step := Step{Name: parts[0]}
	if len(parts) > 1 {
		step.Version = parts[1]
	}
	if len(parts) > 2 {
		step.ConfigHash = parts[2]
	}
	return step
}

// ParseSteps parses a list of step signatures in order.
func ParseSteps(signatures []string) []Step {
	steps := make([]Step, 0, len(signatures))
	for _, signature := range signatures {
		steps = append(steps, ParseStep(signature))
	}
	return steps
}

// Signature renders the canonical "name[:version][:configHash]" form.
func (s Step) Signature() string {
	var b strings.Builder
	b.WriteString(s.Name)
	if s.Version != "" {
		b.WriteString(":")
		b.WriteString(s.Version)
	}
	if s.ConfigHash != "" {
		if s.Version == "" {
			b.WriteString(":")
		}
		b.WriteString(":")
		b.WriteString(s.ConfigHash)
	}
	return b.String()
}

// CacheKey builds "{version}:{fingerprint}:{s1}|{s2}|...|{sk}".
func CacheKey(schemaVersion, fingerprint string, steps []Step) string {
	signatures := make([]string, 0, len(steps))
	for _, step := range steps {
		signatures = append(signatures, step.Signature())
	}
	return schemaVersion + ":" + fingerprint + ":" + strings.Join(signatures, "|")
}

// EpiPattern is the glob matching every cache key of a fingerprint,
// regardless of prefix length.
func EpiPattern(schemaVersion, fingerprint string) string {
	return schemaVersion + ":" + fingerprint + ":*"
}
