// Package normalize implements the per-field text cleanup that runs before
// any key building or comparison. Every transform is a pure function; the
// chain for a field is part of the diffing contract, so rules are named and
// ordered rather than buried in ad hoc regex calls.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
)

// Normalizer applies an ordered rule chain per field. Unknown fields pass
// through the baseline chain unchanged otherwise. Normalization never fails:
// the worst case is a best-effort cleaned string.
type Normalizer struct {
	baseline []Rule
	perField map[string][]Rule
}

// New builds a Normalizer from per-field rule chains. The baseline chain
// (control-char stripping and whitespace trimming) always runs first for
// every field, known or not.
func New(perField map[string][]Rule) *Normalizer {
	rules := make(map[string][]Rule, len(perField))
	for field, chain := range perField {
		rules[field] = append([]Rule(nil), chain...)
	}
	return &Normalizer{
		baseline: []Rule{StripControlChars(), TrimSpace()},
		perField: rules,
	}
}

// FromSpecs builds a Normalizer from config rule specs, e.g.
// {"map": ["strip_path_prefix:/levels/", "strip_path_suffix:/info.json"]}.
func FromSpecs(specs map[string][]string) (*Normalizer, error) {
	perField := make(map[string][]Rule, len(specs))
	for field, chain := range specs {
		for _, spec := range chain {
			rule, err := RuleFromSpec(spec)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", field, err)
			}
			perField[field] = append(perField[field], rule)
		}
	}
	return New(perField), nil
}

// maxChainPasses bounds the fixpoint loop over a field's rule chain.
const maxChainPasses = 8

// Field returns the normalized value of raw for the named field. The
// per-field chain reruns until the value stops changing: stacked
// discriminators like "Pack v3 (2)" unwind across rules, and a single pass
// would leave a value that normalizes differently next run.
func (n *Normalizer) Field(field, raw string) string {
	s := raw
	for _, rule := range n.baseline {
		s = rule.Apply(s)
	}
	chain := n.perField[field]
	if len(chain) == 0 {
		return s
	}
	for pass := 0; pass < maxChainPasses; pass++ {
		prev := s
		for _, rule := range chain {
			s = rule.Apply(s)
		}
		if s == prev {
			break
		}
	}
	return s
}

// Rules reports the rule names configured for a field, baseline included.
// Useful for diagnostics and for asserting chain order in tests.
func (n *Normalizer) Rules(field string) []string {
	names := make([]string, 0, len(n.baseline)+len(n.perField[field]))
	for _, rule := range n.baseline {
		names = append(names, rule.Name)
	}
	for _, rule := range n.perField[field] {
		names = append(names, rule.Name)
	}
	return names
}

var ellipsis = "…"

var cellBreakRE = regexp.MustCompile(`[\r\n\t]`)

// SanitizeCell flattens a value to a single line and truncates it to maxLen
// runes, appending an ellipsis when it was cut. Truncation is reported so
// sinks can divert the full value to a sidecar. Used only on the output path;
// key and signature building never truncate.
func SanitizeCell(raw string, maxLen int) (cleaned string, truncated bool) {
	cleaned = cellBreakRE.ReplaceAllString(raw, " ")
	cleaned = strings.TrimSpace(whitespaceRE.ReplaceAllString(cleaned, " "))
	if maxLen <= 0 {
		return cleaned, false
	}
	runes := []rune(cleaned)
	if len(runes) > maxLen {
		return string(runes[:maxLen-1]) + ellipsis, true
	}
	return cleaned, false
}
