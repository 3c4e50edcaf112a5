package reference

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMarker is the prefix used by GitHub issue references.
const DefaultMarker = "#"

// maxMarkerLen bounds configured markers so the compiled pattern stays small.
const maxMarkerLen = 32

// Extractor finds references in free text.
//
// A reference is the marker immediately followed by one or more digits. The
// match is case-insensitive, must not be glued to a preceding word character
// (so "abc#12" and "owner/repo#12" are ignored) and must end on a word boundary
// (so "#12abc" is ignored). "#0" is not a reference and leading zeros are
// dropped, so "#007" and "#7" are the same reference.
type Extractor struct {
	marker  string
	pattern *regexp.Regexp
}

// NewExtractor compiles an extractor for marker. An empty marker selects
// DefaultMarker.
func NewExtractor(marker string) (*Extractor, error) {
	if marker == "" {
		marker = DefaultMarker
	}
	if len(marker) > maxMarkerLen {
		return nil, fmt.Errorf("reference marker too long (max %d chars): %q", maxMarkerLen, marker)
	}
	if strings.ContainsAny(marker, "0123456789") {
		return nil, fmt.Errorf("reference marker must not contain digits: %q", marker)
	}
	if strings.TrimSpace(marker) != marker {
		return nil, fmt.Errorf("reference marker must not have surrounding whitespace: %q", marker)
	}

	pattern, err := regexp.Compile(`(?i)(?:^|[^\w/])` + regexp.QuoteMeta(marker) + `(\d+)\b`)
	if err != nil {
		return nil, fmt.Errorf("compiling reference pattern: %w", err)
	}
	return &Extractor{marker: marker, pattern: pattern}, nil
}

// MustExtractor is NewExtractor that panics on error. Intended for tests and
// package-level defaults.
func MustExtractor(marker string) *Extractor {
	e, err := NewExtractor(marker)
	if err != nil {
		panic(err)
	}
	return e
}

// Marker returns the configured marker.
func (e *Extractor) Marker() string {
	return e.marker
}

// Extract returns every reference found across texts. An empty set means no
// issue was declared.
func (e *Extractor) Extract(texts ...string) Set {
	refs := make(Set)
	for _, text := range texts {
		for _, m := range e.pattern.FindAllStringSubmatch(text, -1) {
			n, err := strconv.ParseInt(strings.TrimLeft(m[1], "0"), 10, 32)
			if err != nil || n <= 0 {
				// Empty after trimming ("#000") or out of range.
				continue
			}
			refs.Add(Ref(n))
		}
	}
	return refs
}

// Format renders a single reference with the configured marker.
func (e *Extractor) Format(r Ref) string {
	return e.marker + strconv.Itoa(int(r))
}

// FormatSet renders a set with the configured marker.
func (e *Extractor) FormatSet(s Set) string {
	return s.Format(e.marker)
}
