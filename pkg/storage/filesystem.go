package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemStore lays metatiles out on disk using the same directory
// scheme as the original implementation's xyz_to_meta: the metatile's
// (x, y) origin is split into four-bit nibbles and used as five nested
// directory components under <style>/<z>, so that nearby metatiles of
// the same zoom level cluster under the same directory tree.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore returns a driver rooted at dir. dir is created if it
// does not already exist.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &FilesystemStore{root: dir}, nil
}

// metaPath returns the path of the .meta file holding the metatile
// containing tile (x, y), reproducing xyz_to_meta's hash[5] nibble-packing
// scheme verbatim: x and y are masked to their metatile origin, then
// walked down four bits at a time into five path components ordered from
// most to least significant.
func (s *FilesystemStore) metaPath(style string, z, x, y int) string {
	mx, my := metaCoords(x, y)
	var hash [5]uint32
	ux, uy := uint32(mx), uint32(my)
	for i := 0; i < 5; i++ {
		hash[i] = ((ux & 0x0f) << 4) | (uy & 0x0f)
		ux >>= 4
		uy >>= 4
	}
	return filepath.Join(s.root, style, fmt.Sprintf("%d", z),
		fmt.Sprintf("%d", hash[4]), fmt.Sprintf("%d", hash[3]), fmt.Sprintf("%d", hash[2]),
		fmt.Sprintf("%d", hash[1]), fmt.Sprintf("%d.meta", hash[0]))
}

func (s *FilesystemStore) Put(_ context.Context, style string, z, x, y int, data []byte) error {
	path := s.metaPath(style, z, x, y)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *FilesystemStore) Get(_ context.Context, style string, z, x, y int) ([]byte, error) {
	data, err := os.ReadFile(s.metaPath(style, z, x, y))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}

func (s *FilesystemStore) Stat(_ context.Context, style string, z, x, y int) (Metadata, error) {
	info, err := os.Stat(s.metaPath(style, z, x, y))
	if os.IsNotExist(err) {
		return Metadata{}, ErrNotFound
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Metadata{LastModified: info.ModTime().Unix(), Size: info.Size()}, nil
}

// Expire removes the metatile file so the next Get reports ErrNotFound,
// forcing a re-render.
func (s *FilesystemStore) Expire(_ context.Context, style string, z, x, y int) error {
	err := os.Remove(s.metaPath(style, z, x, y))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *FilesystemStore) Close() error { return nil }

var _ Store = (*FilesystemStore)(nil)
