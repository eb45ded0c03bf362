// Package hashring implements the consistent-hash ring RenderMQ uses to
// route a metatile's jobs to the same broker (and a broker's jobs to the
// same handler) as long as the set of live endpoints doesn't change,
// reproducing the original implementation's ring and shuffle algorithm.
package hashring

import "sort"

// Hasher produces a process-independent 64-bit hash for T. tile.Key and
// plain strings (broker/handler identities) both implement this via a
// small adapter, see StringHasher.
type Hasher[T any] func(T) uint64

// StringHasher hashes a string identity (a broker or handler's advertised
// endpoint) with FNV-1a, giving the same process-independent guarantee
// tile.Key.Hash provides for job keys.
func StringHasher(s string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

type entry[V any] struct {
	hash uint64
	val  V
}

// Ring maps key_type to value_type on a ring of hash values, exactly as
// the original consistent_hash<K, V> template does: each value is
// inserted at `repeats` pseudo-random points derived by seeding a PRNG
// with the value's hash, and a key looks up the first value at or after
// its (shuffled) hash position, wrapping around to the start of the ring.
type Ring[K any, V comparable] struct {
	repeats  int
	keyHash  Hasher[K]
	valHash  Hasher[V]
	entries  []entry[V] // kept sorted by hash
	byVal    map[V][]uint64
}

// New returns an empty ring with the given repeat count (the original
// defaults to 100 virtual nodes per value).
func New[K any, V comparable](repeats int, keyHash Hasher[K], valHash Hasher[V]) *Ring[K, V] {
	return &Ring[K, V]{
		repeats: repeats,
		keyHash: keyHash,
		valHash: valHash,
		byVal:   make(map[V][]uint64),
	}
}

// Insert adds val to the ring at `repeats` positions generated from a
// PRNG seeded with val's hash.
func (r *Ring[K, V]) Insert(val V) {
	seed := uint32(r.valHash(val))
	rng := newMT19937(seed)
	hashes := make([]uint64, r.repeats)
	for i := 0; i < r.repeats; i++ {
		hashes[i] = rng.Uint64()
		r.entries = append(r.entries, entry[V]{hash: hashes[i], val: val})
	}
	r.byVal[val] = hashes
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].hash < r.entries[j].hash })
}

// Erase removes all of val's positions from the ring.
func (r *Ring[K, V]) Erase(val V) {
	hashes, ok := r.byVal[val]
	if !ok {
		return
	}
	remove := make(map[uint64]int, len(hashes))
	for _, h := range hashes {
		remove[h]++
	}
	kept := r.entries[:0]
	for _, e := range r.entries {
		if remove[e.hash] > 0 && e.val == val {
			remove[e.hash]--
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	delete(r.byVal, val)
}

// Lookup returns the value owning the ring position at or after k's
// shuffled hash, wrapping to the start of the ring, and false if the ring
// is empty.
func (r *Ring[K, V]) Lookup(k K) (V, bool) {
	var zero V
	if len(r.entries) == 0 {
		return zero, false
	}
	h := shuffle(r.keyHash(k))
	idx := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].hash >= h })
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].val, true
}

// Size returns the number of distinct values currently in the ring.
func (r *Ring[K, V]) Size() int {
	return len(r.byVal)
}

// shuffle permutes the bits of key per Wang's 64-bit integer hash, so
// that keys which differ only in a few low-order bits (adjacent tile
// coordinates) don't cluster on the ring.
func shuffle(key uint64) uint64 {
	key = (^key) + (key << 21)
	key = key ^ ((key >> 24) | (key << 8))
	key = (key + (key << 3)) + (key << 8)
	key = key ^ ((key >> 14) | (key << 18))
	key = (key + (key << 2)) + (key << 4)
	key = key ^ ((key >> 28) | (key << 4))
	key = key + (key << 31)
	return key
}
