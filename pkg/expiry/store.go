package expiry

import (
	"sync"

	"github.com/mapquest/rendermq/pkg/tile"
)

// styleFormat is the per-bucket key the expired-tile fingerprint sets
// are partitioned by: every style/format pair renders independently and
// expires independently.
type styleFormat struct {
	style  string
	format tile.Format
}

// Store tracks which tiles have been marked expired, keyed by a packed
// 32-bit fingerprint rather than the full (style, z, x, y) tuple so a
// busy style's expired set stays cheap to hold in memory. A plain map
// stands in for the original's sparse hash set — Go's map is already
// sparse and the corpus carries no comparable sparse-set library, so
// there is nothing to gain by reaching past the standard library here.
type Store struct {
	mu      sync.RWMutex
	buckets map[styleFormat]map[uint32]struct{}
}

// NewStore returns an empty expiry store.
func NewStore() *Store {
	return &Store{buckets: make(map[styleFormat]map[uint32]struct{})}
}

// SetExpired marks the tile at (style, format, z, x, y) as expired.
func (s *Store) SetExpired(style string, format tile.Format, z, x, y int) {
	key := styleFormat{style: style, format: format}
	frag := Fingerprint(z, x, y)

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[key]
	if !ok {
		bucket = make(map[uint32]struct{})
		s.buckets[key] = bucket
	}
	bucket[frag] = struct{}{}
}

// IsExpired reports whether the tile at (style, format, z, x, y) has
// been marked expired.
func (s *Store) IsExpired(style string, format tile.Format, z, x, y int) bool {
	key := styleFormat{style: style, format: format}
	frag := Fingerprint(z, x, y)

	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.buckets[key]
	if !ok {
		return false
	}
	_, expired := bucket[frag]
	return expired
}

// ClearExpired removes the expired mark for (style, format, z, x, y),
// used once a render has refreshed the tile.
func (s *Store) ClearExpired(style string, format tile.Format, z, x, y int) {
	key := styleFormat{style: style, format: format}
	frag := Fingerprint(z, x, y)

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[key]
	if !ok {
		return
	}
	delete(bucket, frag)
}

// Count returns the number of tiles currently marked expired for a
// style/format pair.
func (s *Store) Count(style string, format tile.Format) int {
	key := styleFormat{style: style, format: format}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets[key])
}
