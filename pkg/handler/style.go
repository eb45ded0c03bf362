package handler

import (
	"github.com/mapquest/rendermq/pkg/tile"
)

// StyleRule describes the per-style policy the handler pipeline applies
// after parsing: aliasing an old style name to its canonical one,
// forcing a format for bug-compatible clients, bounding the zoom a
// style will render, and which other styles share its underlying data
// (so a /dirty request expires them too).
type StyleRule struct {
	// Canonical, if set, replaces the parsed style name before any
	// further lookup or queue routing.
	Canonical string
	// ForceFormat, if nonzero, overrides whatever format the URL's
	// extension requested.
	ForceFormat tile.Format
	// MaxZoom is the highest zoom this style will render; requests
	// above it are rejected as not found. Zero means unbounded.
	MaxZoom int
	// Dependents are expired alongside this style on a /dirty request.
	Dependents []string
}

// StyleRules is the read-only, loaded-once table of per-style policy.
type StyleRules struct {
	rules map[string]StyleRule
}

// NewStyleRules builds a rule table from a map keyed by style name (or
// alias — lookups resolve through Canonical transitively is not
// supported; alias entries should point straight at the canonical
// rule's name).
func NewStyleRules(rules map[string]StyleRule) *StyleRules {
	return &StyleRules{rules: rules}
}

// Apply resolves req.Style to its canonical name, applies a forced
// format if configured, and checks zoom/coordinate bounds. It returns
// ErrNotFound if zoom exceeds the style's maximum or the coordinates
// are out of range for the zoom. A style with no rule is not rejected:
// it passes through unchanged and only the bounds check applies.
func (s *StyleRules) Apply(req *ParsedRequest) error {
	if rule, ok := s.rules[req.Style]; ok {
		if rule.Canonical != "" {
			req.Style = rule.Canonical
		}
		if rule.ForceFormat != 0 {
			req.Format = rule.ForceFormat
		}
		if rule.MaxZoom > 0 && req.Z > rule.MaxZoom {
			return ErrNotFound
		}
	}
	if !InBounds(req.Z, req.X, req.Y) {
		return ErrNotFound
	}
	return nil
}

// Dependents returns the styles that should also be expired when style
// receives a /dirty request, not including style itself.
func (s *StyleRules) Dependents(style string) []string {
	rule, ok := s.rules[style]
	if !ok {
		return nil
	}
	return rule.Dependents
}
