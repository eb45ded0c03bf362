package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapquest/rendermq/pkg/tile"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    ParsedRequest
		wantErr bool
	}{
		{
			name: "basic render",
			path: "osm/1/2/3.png",
			want: ParsedRequest{Style: "osm", Z: 1, X: 2, Y: 3, Format: tile.FormatPNG, Command: CommandRender},
		},
		{
			name: "style path with slash",
			path: "vy/map/13/2353/3085.png",
			want: ParsedRequest{Style: "vy/map", Z: 13, X: 2353, Y: 3085, Format: tile.FormatPNG, Command: CommandRender},
		},
		{
			name: "dirty command",
			path: "osm/0/0/0.png/dirty",
			want: ParsedRequest{Style: "osm", Z: 0, X: 0, Y: 0, Format: tile.FormatPNG, Command: CommandDirty},
		},
		{
			name: "status command",
			path: "osm/0/0/0.png/status",
			want: ParsedRequest{Style: "osm", Z: 0, X: 0, Y: 0, Format: tile.FormatPNG, Command: CommandStatus},
		},
		{
			name:    "style starting with digit is malformed",
			path:    "1osm/0/0/0.png",
			wantErr: true,
		},
		{
			name:    "unknown extension",
			path:    "osm/1/2/3.bmp",
			wantErr: true,
		},
		{
			name:    "too few segments",
			path:    "osm/1.png",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInBounds(t *testing.T) {
	assert.True(t, InBounds(4, 0, 0))
	assert.True(t, InBounds(4, 15, 15))
	assert.False(t, InBounds(4, 16, 0))
	assert.False(t, InBounds(4, 0, -1))
}
