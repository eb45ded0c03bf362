package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memHTTPKV is a tiny in-memory key-value HTTP server standing in for the
// external store HTTPKVStore talks to, so its client-side behavior can be
// exercised without a real backend.
func newMemHTTPKVServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	data := make(map[string][]byte)
	modTime := make(map[string]time.Time)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			data[key] = body
			modTime[key] = time.Now()
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			mu.Lock()
			body, ok := data[key]
			mu.Unlock()
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(body)
		case http.MethodHead:
			mu.Lock()
			body, ok := data[key]
			t := modTime[key]
			mu.Unlock()
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Last-Modified", t.UTC().Format(http.TimeFormat))
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			mu.Lock()
			delete(data, key)
			delete(modTime, key)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newStores returns one instance of each Store backend rooted in a fresh
// temp dir / in-memory server per test.
func newStores(t *testing.T) map[string]Store {
	t.Helper()

	fsStore, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	boltStore, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)

	srv := newMemHTTPKVServer(t)
	httpStore := NewHTTPKVStore(srv.URL, srv.Client())

	stores := map[string]Store{
		"filesystem": fsStore,
		"bolt":       boltStore,
		"httpkv":     httpStore,
	}
	for _, s := range stores {
		t.Cleanup(func() { s.Close() })
	}
	return stores
}

func TestStoreGetMissingReturnsErrNotFound(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "osm", 10, 0, 0)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreStatMissingReturnsErrNotFound(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Stat(context.Background(), "osm", 10, 0, 0)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorePutThenGetRoundTrip(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			payload := []byte("packed metatile bytes")

			require.NoError(t, store.Put(ctx, "osm", 10, 8, 16, payload))

			got, err := store.Get(ctx, "osm", 10, 8, 16)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestStorePutThenStatReportsMetadata(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "osm", 10, 0, 0, []byte("data")))

			meta, err := store.Stat(ctx, "osm", 10, 0, 0)
			require.NoError(t, err)
			assert.NotZero(t, meta.LastModified)
		})
	}
}

func TestStoreGetAddressesByMetatileOrigin(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "osm", 10, 0, 0, []byte("metatile")))

			// (3, 5) falls in the same 8x8 metatile as (0, 0).
			got, err := store.Get(ctx, "osm", 10, 3, 5)
			require.NoError(t, err)
			assert.Equal(t, []byte("metatile"), got)
		})
	}
}

func TestStoreExpireMakesSubsequentGetMiss(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "osm", 10, 0, 0, []byte("data")))
			require.NoError(t, store.Expire(ctx, "osm", 10, 0, 0))

			_, err := store.Get(ctx, "osm", 10, 0, 0)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreExpireOfMissingTileIsNotAnError(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Expire(context.Background(), "osm", 10, 0, 0)
			assert.NoError(t, err)
		})
	}
}
