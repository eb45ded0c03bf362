package metatile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapquest/rendermq/pkg/tile"
)

func TestOffsetIsRowMajorWithinMetatile(t *testing.T) {
	assert.Equal(t, 0, Offset(0, 0))
	assert.Equal(t, 1, Offset(1, 0))
	assert.Equal(t, Dim, Offset(0, 1))
	assert.Equal(t, Dim*Dim-1, Offset(Dim-1, Dim-1))
}

func TestOffsetWrapsOnAbsoluteCoordinates(t *testing.T) {
	// Only the low bits (position within the enclosing metatile) matter.
	assert.Equal(t, Offset(1, 1), Offset(1+Dim, 1+2*Dim))
}

func TestSetGetRoundTrip(t *testing.T) {
	m := New(0, 0, 5)
	m.Set(tile.FormatPNG, 3, 2, []byte("hello"))

	got, ok := m.Get(tile.FormatPNG, 3, 2)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)

	_, ok = m.Get(tile.FormatPNG, 0, 0)
	assert.False(t, ok, "unset tiles report absent")

	_, ok = m.Get(tile.FormatJPEG, 3, 2)
	assert.False(t, ok, "a different format is a distinct tile set")
}

func TestPackRequiresEveryRequestedFormatPresent(t *testing.T) {
	m := New(0, 0, 0)
	_, err := m.Pack([]tile.Format{tile.FormatPNG})
	assert.ErrorIs(t, err, ErrFormatMissing)
}

func fullMetatile(formats []tile.Format) *Meta {
	m := New(8, 16, 10)
	for _, f := range formats {
		for y := 0; y < Dim; y++ {
			for x := 0; x < Dim; x++ {
				m.Set(f, m.X+x, m.Y+y, []byte{byte(f), byte(x), byte(y)})
			}
		}
	}
	return m
}

func TestPackUnpackRoundTrip(t *testing.T) {
	formats := []tile.Format{tile.FormatPNG, tile.FormatJPEG}
	m := fullMetatile(formats)

	packed, err := m.Pack(formats)
	require.NoError(t, err)

	got, err := Unpack(packed)
	require.NoError(t, err)
	assert.Equal(t, m.X, got.X)
	assert.Equal(t, m.Y, got.Y)
	assert.Equal(t, m.Z, got.Z)

	for _, f := range formats {
		for y := 0; y < Dim; y++ {
			for x := 0; x < Dim; x++ {
				want, _ := m.Get(f, m.X+x, m.Y+y)
				gotTile, ok := got.Get(f, m.X+x, m.Y+y)
				require.True(t, ok)
				assert.Equal(t, want, gotTile)
			}
		}
	}
}

func TestSliceExtractsOneTileWithoutFullDecode(t *testing.T) {
	formats := []tile.Format{tile.FormatPNG, tile.FormatJPEG}
	m := fullMetatile(formats)
	packed, err := m.Pack(formats)
	require.NoError(t, err)

	data, err := Slice(packed, tile.FormatJPEG, m.X+2, m.Y+1)
	require.NoError(t, err)
	want, _ := m.Get(tile.FormatJPEG, m.X+2, m.Y+1)
	assert.Equal(t, want, data)
}

func TestSliceMissingFormatErrors(t *testing.T) {
	m := fullMetatile([]tile.Format{tile.FormatPNG})
	packed, err := m.Pack([]tile.Format{tile.FormatPNG})
	require.NoError(t, err)

	_, err = Slice(packed, tile.FormatGIF, m.X, m.Y)
	assert.ErrorIs(t, err, ErrFormatMissing)
}

func TestUnpackTruncatedBufferErrors(t *testing.T) {
	m := fullMetatile([]tile.Format{tile.FormatPNG})
	packed, err := m.Pack([]tile.Format{tile.FormatPNG})
	require.NoError(t, err)

	_, err = Unpack(packed[:headerSize-1])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestUnpackEmptyBufferErrors(t *testing.T) {
	_, err := Unpack(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestSliceCorruptMagicErrors(t *testing.T) {
	m := fullMetatile([]tile.Format{tile.FormatPNG})
	packed, err := m.Pack([]tile.Format{tile.FormatPNG})
	require.NoError(t, err)

	packed[0] = 'X' // corrupt the magic word of the only header
	_, err = Slice(packed, tile.FormatPNG, m.X, m.Y)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestUnpackCorruptMagicErrors(t *testing.T) {
	m := fullMetatile([]tile.Format{tile.FormatPNG})
	packed, err := m.Pack([]tile.Format{tile.FormatPNG})
	require.NoError(t, err)

	packed[0] = 'X'
	_, err = Unpack(packed)
	assert.ErrorIs(t, err, ErrCorrupt)
}
