// Package tile defines the canonical job identity RenderMQ routes, queues
// and replies with, and its on-wire binary codec.
package tile

import "hash/fnv"

// Metatile is the width and height, in tiles, of one metatile. Routing,
// queue coalescing and the on-disk/on-wire metatile layout all assume this
// value; it is baked into the fingerprint packing in pkg/expiry too.
const Metatile = 8

// Status is the command/status carried by a Job.
type Status int

const (
	// Ignore is a no-op status.
	Ignore Status = iota
	// Render requests a tile be rendered, replying with the data.
	Render
	// Dirty expires a tile in storage.
	Dirty
	// Done means the reply carries data.
	Done
	// NotDone means the reply says try later.
	NotDone
	// RenderPrio is a high-priority render request.
	RenderPrio
	// RenderBulk is a best-effort render with no reply expected.
	RenderBulk
	// Probe is a metadata probe ("/status").
	Probe
)

func (s Status) String() string {
	switch s {
	case Ignore:
		return "ignore"
	case Render:
		return "render"
	case Dirty:
		return "dirty"
	case Done:
		return "done"
	case NotDone:
		return "not_done"
	case RenderPrio:
		return "render_prio"
	case RenderBulk:
		return "render_bulk"
	case Probe:
		return "status"
	default:
		return "unknown"
	}
}

// Format is a bitmask of tile image encodings. A Job or Task may request
// more than one format at once; they are OR-ed together.
type Format uint8

const (
	FormatPNG Format = 1 << iota
	FormatJPEG
	FormatGIF
	FormatJSON
)

// MimeType returns the single MIME type for one format bit. Format is
// assumed to name exactly one bit; callers iterating a mask should test
// each bit separately.
func (f Format) MimeType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatGIF:
		return "image/gif"
	case FormatJSON:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Job is the canonical tile identity and job protocol record. It is plain
// data, copied freely across goroutine and process boundaries.
type Job struct {
	X, Y, Z              int
	Style                string
	Format               Format
	Status               Status
	ClientID             uint64
	LastModified         int64
	RequestLastModified  int64
	Image                []byte
}

// MetaBase rounds x and y down to the nearest multiple of Metatile. All
// tiles inside one metatile share routing and queue-coalescing identity.
func MetaBase(x int) int {
	return x &^ (Metatile - 1)
}

// Key is the metatile-granularity identity of a Job: the (style, z,
// metatile-x, metatile-y) tuple that routing and task-queue coalescing
// operate on. Two Jobs with the same Key are for tiles in the same
// metatile, and must hash and route identically regardless of their
// individual x/y, client id, format mask or status.
type Key struct {
	Style string
	Z     int
	X     int
	Y     int
}

// Key returns the metatile-aligned identity of the Job, excluding client
// id, format mask and status — the fields that make otherwise-identical
// requests for the same metatile distinct at the wire level but which must
// not prevent them from coalescing into one broker task.
func (j Job) Key() Key {
	return Key{
		Style: j.Style,
		Z:     j.Z,
		X:     MetaBase(j.X),
		Y:     MetaBase(j.Y),
	}
}

// Hash returns a process-independent 64-bit hash of the key, suitable for
// both map sharding and consistent-hash ring lookups. It deliberately does
// not use Go's randomized map seed (maphash) so that the same Key hashes
// identically in every process — a requirement for the consistent-hash
// ring to route consistently across brokers, handlers and workers.
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.Style))
	_, _ = h.Write([]byte{0})
	writeVarint(h, uint64(k.Z))
	writeVarint(h, uint64(uint32(k.X)))
	writeVarint(h, uint64(uint32(k.Y)))
	return h.Sum64()
}

func writeVarint(h interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [10]byte
	n := 0
	for v >= 0x80 {
		buf[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	buf[n] = byte(v)
	_, _ = h.Write(buf[:n+1])
}
