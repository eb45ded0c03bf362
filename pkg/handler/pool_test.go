package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapquest/rendermq/pkg/metatile"
	"github.com/mapquest/rendermq/pkg/storage"
	"github.com/mapquest/rendermq/pkg/tile"
)

// fakeExpiry is an in-memory expiryChecker stand-in for tests. It keys
// its flags by style alone; format and coordinates are ignored.
type fakeExpiry struct {
	expired map[string]bool
}

func newFakeExpiry() *fakeExpiry {
	return &fakeExpiry{expired: make(map[string]bool)}
}

func (f *fakeExpiry) key(style string, format tile.Format, z, x, y int) string {
	return style
}

func (f *fakeExpiry) isExpired(style string, format tile.Format, z, x, y int) bool {
	return f.expired[f.key(style, format, z, x, y)]
}

func (f *fakeExpiry) setExpired(style string, format tile.Format, z, x, y int) {
	f.expired[f.key(style, format, z, x, y)] = true
}

func newTestStoreWithMetatile(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := metatile.New(0, 0, 10)
	m.Set(tile.FormatPNG, 0, 0, []byte("png bytes"))
	packed, err := m.Pack([]tile.Format{tile.FormatPNG})
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "osm", 10, 0, 0, packed))
	return store
}

func TestPoolLookupMissReturnsNotDone(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()
	store, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	result := <-p.Lookup(context.Background(), store, nil, "osm", tile.FormatPNG, 10, 0, 0)
	assert.Equal(t, tile.NotDone, result.status)
}

func TestPoolLookupFreshTileReturnsDone(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()
	store := newTestStoreWithMetatile(t)

	result := <-p.Lookup(context.Background(), store, nil, "osm", tile.FormatPNG, 10, 0, 0)
	require.Equal(t, tile.Done, result.status)
	assert.Equal(t, []byte("png bytes"), result.data)
	assert.NotZero(t, result.lastModified)
}

func TestPoolLookupExpiredTileReturnsIgnore(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()
	store := newTestStoreWithMetatile(t)
	expiry := newFakeExpiry()
	expiry.setExpired("osm", tile.FormatPNG, 10, 0, 0)

	result := <-p.Lookup(context.Background(), store, expiry, "osm", tile.FormatPNG, 10, 0, 0)
	assert.Equal(t, tile.Ignore, result.status)
}

func TestPoolExpireMarksStyleExpired(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()
	store := newTestStoreWithMetatile(t)
	expiry := newFakeExpiry()

	<-p.Expire(context.Background(), store, expiry, []string{"osm"}, tile.FormatPNG, 10, 0, 0)

	assert.True(t, expiry.isExpired("osm", tile.FormatPNG, 10, 0, 0))
	_, err := store.Get(context.Background(), "osm", 10, 0, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPoolExpireOfMissingTileStillMarksFlag(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()
	store, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	expiry := newFakeExpiry()

	<-p.Expire(context.Background(), store, expiry, []string{"osm"}, tile.FormatPNG, 10, 0, 0)
	assert.True(t, expiry.isExpired("osm", tile.FormatPNG, 10, 0, 0))
}
