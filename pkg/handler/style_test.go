package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mapquest/rendermq/pkg/tile"
)

func TestStyleRulesApply(t *testing.T) {
	rules := NewStyleRules(map[string]StyleRule{
		"old-osm": {Canonical: "osm"},
		"osm":     {MaxZoom: 18, Dependents: []string{"osm-labels"}},
		"bitmap":  {ForceFormat: tile.FormatPNG},
	})

	req := ParsedRequest{Style: "old-osm", Z: 5, X: 1, Y: 1, Format: tile.FormatPNG}
	assert.NoError(t, rules.Apply(&req))
	assert.Equal(t, "osm", req.Style)

	req = ParsedRequest{Style: "osm", Z: 19, X: 1, Y: 1, Format: tile.FormatPNG}
	assert.ErrorIs(t, rules.Apply(&req), ErrNotFound)

	req = ParsedRequest{Style: "bitmap", Z: 1, X: 0, Y: 0, Format: tile.FormatJPEG}
	assert.NoError(t, rules.Apply(&req))
	assert.Equal(t, tile.FormatPNG, req.Format)

	req = ParsedRequest{Style: "osm", Z: 4, X: 100, Y: 0, Format: tile.FormatPNG}
	assert.ErrorIs(t, rules.Apply(&req), ErrNotFound)

	assert.Equal(t, []string{"osm-labels"}, rules.Dependents("osm"))
	assert.Nil(t, rules.Dependents("unknown"))
}
