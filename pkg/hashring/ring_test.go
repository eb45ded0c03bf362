package hashring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupOnEmptyRing(t *testing.T) {
	r := New[string, string](10, StringHasher, StringHasher)
	_, ok := r.Lookup("anything")
	assert.False(t, ok)
}

func TestInsertThenLookupFindsAValue(t *testing.T) {
	r := New[string, string](50, StringHasher, StringHasher)
	r.Insert("broker1")
	r.Insert("broker2")
	assert.Equal(t, 2, r.Size())

	got, ok := r.Lookup("osm/10/0/0")
	require.True(t, ok)
	assert.Contains(t, []string{"broker1", "broker2"}, got)
}

func TestLookupIsStableAcrossCalls(t *testing.T) {
	r := New[string, string](50, StringHasher, StringHasher)
	r.Insert("broker1")
	r.Insert("broker2")
	r.Insert("broker3")

	first, ok := r.Lookup("osm/10/8/8")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		got, ok := r.Lookup("osm/10/8/8")
		require.True(t, ok)
		assert.Equal(t, first, got)
	}
}

func TestEraseRemovesFromRing(t *testing.T) {
	r := New[string, string](50, StringHasher, StringHasher)
	r.Insert("broker1")
	r.Insert("broker2")
	r.Erase("broker1")

	assert.Equal(t, 1, r.Size())
	got, ok := r.Lookup("osm/10/0/0")
	require.True(t, ok)
	assert.Equal(t, "broker2", got)
}

func TestEraseOfAbsentValueIsNoop(t *testing.T) {
	r := New[string, string](10, StringHasher, StringHasher)
	r.Insert("broker1")
	r.Erase("broker2")
	assert.Equal(t, 1, r.Size())
}

func TestLookupDistributesAcrossManyKeys(t *testing.T) {
	r := New[string, string](100, StringHasher, StringHasher)
	r.Insert("broker1")
	r.Insert("broker2")
	r.Insert("broker3")

	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		key := "osm/12/" + string(rune('a'+i%26)) + "/" + string(rune('a'+(i/26)%26))
		got, ok := r.Lookup(key)
		require.True(t, ok)
		counts[got]++
	}
	assert.Len(t, counts, 3, "every inserted broker should receive some share of keys")
}

func TestStringHasherIsDeterministic(t *testing.T) {
	assert.Equal(t, StringHasher("tcp://broker1:6000"), StringHasher("tcp://broker1:6000"))
	assert.NotEqual(t, StringHasher("tcp://broker1:6000"), StringHasher("tcp://broker2:6000"))
}
