package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

// HTTPKVStore talks to an external tile store over plain HTTP GET/PUT/DELETE,
// keyed by style, zoom and metatile origin as <baseURL>/<style>/<z>/<mx>/<my>
// (not FilesystemStore's nibble-hash path), so it can sit behind any
// key-value HTTP frontend without RenderMQ needing to know its backing
// implementation. This is the
// external-interface half of spec's "pluggable storage (filesystem, HTTP
// KV)" note; RenderMQ itself implements only the client side.
type HTTPKVStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPKVStore returns a driver issuing requests against baseURL, e.g.
// "http://tilestore.internal/v1".
func NewHTTPKVStore(baseURL string, client *http.Client) *HTTPKVStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPKVStore{baseURL: baseURL, client: client}
}

func (s *HTTPKVStore) key(style string, z, x, y int) string {
	mx, my := metaCoords(x, y)
	return fmt.Sprintf("%s/%s/%d/%d/%d", s.baseURL, style, z, mx, my)
}

func (s *HTTPKVStore) Put(ctx context.Context, style string, z, x, y int, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.key(style, z, x, y), bytesReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: put status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (s *HTTPKVStore) Get(ctx context.Context, style string, z, x, y int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.key(style, z, x, y), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: get status %d", ErrUnavailable, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *HTTPKVStore) Stat(ctx context.Context, style string, z, x, y int) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.key(style, z, x, y), nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Metadata{}, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return Metadata{}, fmt.Errorf("%w: head status %d", ErrUnavailable, resp.StatusCode)
	}
	md := Metadata{}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		md.Size = n
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			md.LastModified = t.Unix()
		}
	}
	return md, nil
}

func (s *HTTPKVStore) Expire(ctx context.Context, style string, z, x, y int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.key(style, z, x, y), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: delete status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (s *HTTPKVStore) Close() error { return nil }

var _ Store = (*HTTPKVStore)(nil)
