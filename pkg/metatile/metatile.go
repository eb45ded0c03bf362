// Package metatile implements the metatile on-wire/on-disk container: a
// square block of Metatile x Metatile individual tile images packed behind
// one fixed-size header plus a per-tile offset/size index. The directory
// layout used to find metatiles on disk belongs to pkg/storage.
package metatile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mapquest/rendermq/pkg/tile"
)

// Dim is the width and height of a metatile, in tiles.
const Dim = tile.Metatile

// magic identifies a metatile header. Mirrors the original container's
// 4-byte magic word.
var magic = [4]byte{'M', 'E', 'T', 'A'}

var (
	// ErrCorrupt is returned when a header's magic word doesn't match.
	ErrCorrupt = errors.New("metatile: corrupt header (bad magic)")
	// ErrTruncated is returned when a buffer is shorter than its header claims.
	ErrTruncated = errors.New("metatile: truncated buffer")
	// ErrFormatMissing is returned when Slice is asked for a format the
	// metatile has no header for.
	ErrFormatMissing = errors.New("metatile: requested format not present")
)

// entry is one tile's offset and size within the metatile buffer, measured
// from the start of the buffer (not from the end of the headers).
type entry struct {
	Offset int32
	Size   int32
}

const entrySize = 8 // two int32s, fixed little-endian

// headerSize is magic(4) + count(4) + x(4) + y(4) + z(4) + fmt(4) + Dim*Dim entries.
const headerSize = 4 + 4 + 4 + 4 + 4 + 4 + Dim*Dim*entrySize

type header struct {
	Count int32
	X, Y, Z int32
	Format  int32
	Index   [Dim * Dim]entry
}

// Meta is an in-memory metatile: a set of same-zoom, same-style tile
// images for one or more formats, addressed by their offset within the
// Dim x Dim block.
type Meta struct {
	X, Y, Z int
	Tiles   map[tile.Format][Dim * Dim][]byte
}

// New returns an empty metatile for the given metatile-aligned coordinates.
func New(x, y, z int) *Meta {
	return &Meta{X: x, Y: y, Z: z, Tiles: make(map[tile.Format][Dim * Dim][]byte)}
}

// Offset returns the index of tile (x, y) within its enclosing metatile,
// row-major, matching the original's (y&mask)*Dim + (x&mask).
func Offset(x, y int) int {
	mask := Dim - 1
	return (y&mask)*Dim + (x & mask)
}

// Set stores the image bytes for a single tile and format inside the
// metatile. x, y are absolute tile coordinates; only their low bits
// (position within the metatile) matter.
func (m *Meta) Set(format tile.Format, x, y int, data []byte) {
	arr, ok := m.Tiles[format]
	if !ok {
		arr = [Dim * Dim][]byte{}
	}
	arr[Offset(x, y)] = data
	m.Tiles[format] = arr
}

// Get returns the image bytes for a single tile and format, and whether it
// was present.
func (m *Meta) Get(format tile.Format, x, y int) ([]byte, bool) {
	arr, ok := m.Tiles[format]
	if !ok {
		return nil, false
	}
	data := arr[Offset(x, y)]
	return data, data != nil
}

// Pack serializes the metatile into its wire/disk representation: one
// fixed-size header per format present, in a stable order, followed by
// the concatenated tile bytes for all formats in that same order. This
// mirrors write_headers/metaTile::save in the original implementation.
func (m *Meta) Pack(formats []tile.Format) ([]byte, error) {
	for _, f := range formats {
		if _, ok := m.Tiles[f]; !ok {
			return nil, fmt.Errorf("%w: format %v", ErrFormatMissing, f)
		}
	}

	var buf bytes.Buffer
	headers := make([]header, len(formats))
	offset := int32(len(formats) * headerSize)
	for i, f := range formats {
		h := header{Count: Dim * Dim, X: int32(m.X), Y: int32(m.Y), Z: int32(m.Z), Format: int32(f)}
		tiles := m.Tiles[f]
		for idx := 0; idx < Dim*Dim; idx++ {
			size := int32(len(tiles[idx]))
			h.Index[idx] = entry{Offset: offset, Size: size}
			offset += size
		}
		headers[i] = h
	}
	for _, h := range headers {
		writeHeader(&buf, h)
	}
	for _, f := range formats {
		tiles := m.Tiles[f]
		for idx := 0; idx < Dim*Dim; idx++ {
			buf.Write(tiles[idx])
		}
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, h header) {
	buf.Write(magic[:])
	var scratch [4]byte
	put := func(v int32) {
		binary.LittleEndian.PutUint32(scratch[:], uint32(v))
		buf.Write(scratch[:])
	}
	put(h.Count)
	put(h.X)
	put(h.Y)
	put(h.Z)
	put(h.Format)
	for _, e := range h.Index {
		put(e.Offset)
		put(e.Size)
	}
}

func readHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, ErrTruncated
	}
	if !bytes.Equal(b[:4], magic[:]) {
		return header{}, ErrCorrupt
	}
	get := func(off int) int32 {
		return int32(binary.LittleEndian.Uint32(b[off : off+4]))
	}
	h := header{
		Count:  get(4),
		X:      get(8),
		Y:      get(12),
		Z:      get(16),
		Format: get(20),
	}
	pos := 24
	for i := 0; i < Dim*Dim; i++ {
		h.Index[i] = entry{Offset: get(pos), Size: get(pos + 4)}
		pos += entrySize
	}
	return h, nil
}

// Slice extracts a single tile's image bytes for one format out of a
// packed metatile buffer, without fully decoding the metatile. x, y are
// absolute tile coordinates.
func Slice(buf []byte, format tile.Format, x, y int) ([]byte, error) {
	full := buf
	headersEnd := len(full)
	for pos := 0; pos+headerSize <= headersEnd; pos += headerSize {
		h, err := readHeader(full[pos:])
		if err != nil {
			return nil, err
		}
		// Tile data starts where the first header's first entry points;
		// no header lies beyond it.
		if end := int(h.Index[0].Offset); pos == 0 && end >= headerSize && end < headersEnd {
			headersEnd = end
		}
		if int(h.Format) == int(format) {
			e := h.Index[Offset(x, y)]
			if int(e.Offset)+int(e.Size) > len(full) {
				return nil, ErrTruncated
			}
			return full[e.Offset : e.Offset+e.Size], nil
		}
	}
	return nil, ErrFormatMissing
}

// Unpack fully decodes a packed metatile buffer into a Meta.
func Unpack(buf []byte) (*Meta, error) {
	full := buf
	m := &Meta{Tiles: make(map[tile.Format][Dim * Dim][]byte)}
	set := false
	headersEnd := len(full)
	for pos := 0; pos+headerSize <= headersEnd; pos += headerSize {
		h, err := readHeader(full[pos:])
		if err != nil {
			return nil, err
		}
		if !set {
			m.X, m.Y, m.Z = int(h.X), int(h.Y), int(h.Z)
			set = true
			if end := int(h.Index[0].Offset); end >= headerSize && end < headersEnd {
				headersEnd = end
			}
		}
		var arr [Dim * Dim][]byte
		for idx, e := range h.Index {
			if int(e.Offset)+int(e.Size) > len(full) {
				return nil, ErrTruncated
			}
			arr[idx] = full[e.Offset : e.Offset+e.Size]
		}
		m.Tiles[tile.Format(h.Format)] = arr
	}
	if !set {
		return nil, ErrTruncated
	}
	return m, nil
}
