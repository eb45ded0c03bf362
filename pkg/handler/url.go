// Package handler implements the HTTP-facing side of RenderMQ: parsing
// a tile URL, applying per-style rules, querying storage on a bounded
// worker pool, deciding whether to serve stale data or wait for a
// render, and writing the conditional HTTP reply.
package handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mapquest/rendermq/pkg/tile"
)

// Command is what a parsed request asks the pipeline to do.
type Command int

const (
	CommandRender Command = iota
	CommandDirty
	CommandStatus
)

// ErrNotFound means the URL does not name a tile this server can serve:
// the caller should reply 404.
var ErrNotFound = fmt.Errorf("handler: not found")

// ParsedRequest is the result of parsing a tile URL.
type ParsedRequest struct {
	Style   string
	Z, X, Y int
	Format  tile.Format
	Command Command
}

var extFormats = map[string]tile.Format{
	"png":  tile.FormatPNG,
	"jpg":  tile.FormatJPEG,
	"jpeg": tile.FormatJPEG,
	"gif":  tile.FormatGIF,
	"json": tile.FormatJSON,
}

// ParseURL parses a path of the form
// "<style-path>/<z>/<x>/<y>.<ext>[/dirty|/status]". The style path may
// itself contain slashes (e.g. "vy/map"), so parsing works from the end
// of the path backwards: optional trailing command segment, then the
// "<y>.<ext>" segment, then x, then z, with everything remaining
// joined back into the style.
func ParseURL(path string) (ParsedRequest, error) {
	path = strings.Trim(path, "/")
	segments := strings.Split(path, "/")

	cmd := CommandRender
	if n := len(segments); n > 0 {
		switch segments[n-1] {
		case "dirty":
			cmd = CommandDirty
			segments = segments[:n-1]
		case "status":
			cmd = CommandStatus
			segments = segments[:n-1]
		}
	}

	if len(segments) < 4 {
		return ParsedRequest{}, ErrNotFound
	}

	yExt := segments[len(segments)-1]
	xStr := segments[len(segments)-2]
	zStr := segments[len(segments)-3]
	style := strings.Join(segments[:len(segments)-3], "/")
	if style == "" || !isValidStyle(style) {
		return ParsedRequest{}, ErrNotFound
	}

	dot := strings.LastIndex(yExt, ".")
	if dot < 0 {
		return ParsedRequest{}, ErrNotFound
	}
	yStr, ext := yExt[:dot], yExt[dot+1:]

	format, ok := extFormats[strings.ToLower(ext)]
	if !ok {
		return ParsedRequest{}, ErrNotFound
	}

	z, err := strconv.Atoi(zStr)
	if err != nil || z < 0 {
		return ParsedRequest{}, ErrNotFound
	}
	x, err := strconv.Atoi(xStr)
	if err != nil || x < 0 {
		return ParsedRequest{}, ErrNotFound
	}
	y, err := strconv.Atoi(yStr)
	if err != nil || y < 0 {
		return ParsedRequest{}, ErrNotFound
	}

	return ParsedRequest{Style: style, Z: z, X: x, Y: y, Format: format, Command: cmd}, nil
}

// isValidStyle rejects a style path with an empty segment or with a
// segment that starts with a digit, catching malformed URLs like
// "1osm" that the parsing table in spec §8 calls out as 404s. Other
// characters in a segment are not checked.
func isValidStyle(style string) bool {
	for _, seg := range strings.Split(style, "/") {
		if seg == "" {
			return false
		}
		if seg[0] >= '0' && seg[0] <= '9' {
			return false
		}
	}
	return true
}

// InBounds reports whether x,y are valid tile coordinates at zoom z.
func InBounds(z, x, y int) bool {
	if z < 0 {
		return false
	}
	max := 1 << uint(z)
	return x >= 0 && x < max && y >= 0 && y < max
}
