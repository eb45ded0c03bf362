// Package storage defines the pluggable tile storage interface and its
// drivers: a plain filesystem layout reproducing the original metatile
// directory scheme, a BoltDB-backed driver, and an HTTP KV driver for a
// remote store.
package storage

import (
	"context"
	"errors"

	"github.com/mapquest/rendermq/pkg/tile"
)

// ErrNotFound is returned when a metatile has no entry in the store.
var ErrNotFound = errors.New("storage: metatile not found")

// ErrUnavailable wraps driver-level failures (disk I/O, network, locked DB)
// that callers should treat as transient.
var ErrUnavailable = errors.New("storage: unavailable")

// Metadata describes a stored metatile without its image payload, enough
// to answer conditional HTTP requests and status probes.
type Metadata struct {
	LastModified int64
	Size         int64
}

// Store is the interface all tile storage drivers implement. A metatile is
// addressed by style, zoom and its metatile-aligned (x, y) origin.
type Store interface {
	// Put writes a packed metatile buffer for the metatile containing
	// tile (x, y).
	Put(ctx context.Context, style string, z, x, y int, data []byte) error

	// Get reads the packed metatile buffer containing tile (x, y).
	// Returns ErrNotFound if no metatile is stored at that location.
	Get(ctx context.Context, style string, z, x, y int) ([]byte, error)

	// Stat returns metadata for the metatile containing tile (x, y)
	// without reading its payload, for conditional requests and probes.
	Stat(ctx context.Context, style string, z, x, y int) (Metadata, error)

	// Expire marks the metatile containing tile (x, y) as dirty, i.e.
	// removes or invalidates it so the next Get reports ErrNotFound (or
	// a driver may instead update its last-modified time forward and
	// keep serving stale data until re-rendered — drivers document
	// which behavior they implement).
	Expire(ctx context.Context, style string, z, x, y int) error

	Close() error
}

// metaCoords returns the metatile-aligned origin for tile (x, y), matching
// tile.MetaBase.
func metaCoords(x, y int) (int, int) {
	return tile.MetaBase(x), tile.MetaBase(y)
}
