package normalize

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is a single named, pure text transform. Rules for a field run in a
// fixed order; each rule must be idempotent so the whole chain is too.
type Rule struct {
	Name  string
	Apply func(string) string
}

var (
	// Color/style markers embedded in server names, e.g. "^5My ^lServer^r".
	colorCodeRE = regexp.MustCompile(`\^[0-9a-pA-P]`)

	whitespaceRE = regexp.MustCompile(`\s+`)

	// Trailing " v1", " v2.3.1" version discriminators on mod names.
	versionSuffixRE = regexp.MustCompile(`(?i)\s+v\d+(?:\.\d+)*$`)

	// Trailing " (2)" generated-copy discriminators.
	copySuffixRE = regexp.MustCompile(`\s+\(\d+\)$`)

	// Trailing "-a1b2c3d4" (8+ hex chars) generated-hash discriminators.
	hashSuffixRE = regexp.MustCompile(`-[0-9a-fA-F]{8,}$`)

	archiveSuffixRE = regexp.MustCompile(`(?i)\.(zip|rar|7z)$`)
)

// StripControlChars removes ASCII control characters, including the unit and
// record separators used internally to join key and signature fields. It is
// part of every field's chain so the separators can never occur in values.
func StripControlChars() Rule {
	return Rule{Name: "strip_control_chars", Apply: func(s string) string {
		return strings.Map(func(r rune) rune {
			if r < 0x20 || r == 0x7f {
				return -1
			}
			return r
		}, s)
	}}
}

// StripColorCodes removes caret color/style markers from display names.
func StripColorCodes() Rule {
	return Rule{Name: "strip_color_codes", Apply: func(s string) string {
		return colorCodeRE.ReplaceAllString(s, "")
	}}
}

// StripPathPrefix removes a known leading path component, applied repeatedly
// so doubled prefixes cannot survive a single pass.
func StripPathPrefix(prefix string) Rule {
	return Rule{Name: "strip_path_prefix:" + prefix, Apply: func(s string) string {
		for strings.HasPrefix(s, prefix) {
			s = strings.TrimPrefix(s, prefix)
		}
		return s
	}}
}

// StripPathSuffix removes a known trailing path component.
func StripPathSuffix(suffix string) Rule {
	return Rule{Name: "strip_path_suffix:" + suffix, Apply: func(s string) string {
		for strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
		}
		return s
	}}
}

// StripArchiveSuffix removes trailing archive extensions from mod names.
func StripArchiveSuffix() Rule {
	return stripToFixpoint("strip_archive_suffix", archiveSuffixRE)
}

// StripVersionSuffix removes trailing version discriminators like " v1.2".
func StripVersionSuffix() Rule {
	return stripToFixpoint("strip_version_suffix", versionSuffixRE)
}

// StripCopySuffix removes trailing " (n)" copy discriminators.
func StripCopySuffix() Rule {
	return stripToFixpoint("strip_copy_suffix", copySuffixRE)
}

// StripHashSuffix removes trailing generated hash discriminators.
func StripHashSuffix() Rule {
	return stripToFixpoint("strip_hash_suffix", hashSuffixRE)
}

// CollapseWhitespace folds runs of whitespace into single spaces and trims.
func CollapseWhitespace() Rule {
	return Rule{Name: "collapse_whitespace", Apply: func(s string) string {
		return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
	}}
}

// TrimSpace trims leading and trailing whitespace only.
func TrimSpace() Rule {
	return Rule{Name: "trim_space", Apply: strings.TrimSpace}
}

// Lowercase lowers the value; used on identity fields so key equality is
// case-insensitive.
func Lowercase() Rule {
	return Rule{Name: "lowercase", Apply: strings.ToLower}
}

// stripToFixpoint reapplies a trailing-pattern removal until the value stops
// changing. A single pass would leave "Name v1 v2" at "Name v1", which breaks
// idempotency of the chain.
func stripToFixpoint(name string, re *regexp.Regexp) Rule {
	return Rule{Name: name, Apply: func(s string) string {
		for {
			next := re.ReplaceAllString(s, "")
			if next == s {
				return s
			}
			s = next
		}
	}}
}

// RuleFromSpec resolves a config rule spec like "strip_path_prefix:/levels/"
// into a Rule. Specs without arguments are plain rule names.
func RuleFromSpec(spec string) (Rule, error) {
	name, arg, _ := strings.Cut(spec, ":")
	switch name {
	case "strip_control_chars":
		return StripControlChars(), nil
	case "strip_color_codes":
		return StripColorCodes(), nil
	case "strip_path_prefix":
		return StripPathPrefix(arg), nil
	case "strip_path_suffix":
		return StripPathSuffix(arg), nil
	case "strip_archive_suffix":
		return StripArchiveSuffix(), nil
	case "strip_version_suffix":
		return StripVersionSuffix(), nil
	case "strip_copy_suffix":
		return StripCopySuffix(), nil
	case "strip_hash_suffix":
		return StripHashSuffix(), nil
	case "collapse_whitespace":
		return CollapseWhitespace(), nil
	case "trim_space":
		return TrimSpace(), nil
	case "lowercase":
		return Lowercase(), nil
	}
	return Rule{}, fmt.Errorf("unknown normalize rule %q", spec)
}
