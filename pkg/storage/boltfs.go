package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketMetatiles = []byte("metatiles")

// record is the JSON envelope stored alongside each metatile's bytes,
// under the payload key plus "/meta". Stat takes the last-modified time
// from it and the size from the payload value's length.
type record struct {
	LastModified int64 `json:"last_modified"`
}

// BoltStore is a single-file metatile store backed by BoltDB, the teacher's
// embedded-database choice repurposed here for tile payloads instead of
// cluster state.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a bbolt database at
// <dataDir>/rendermq.db with the metatiles bucket ready.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "rendermq.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetatiles)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create bucket: %v", ErrUnavailable, err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func metaKey(style string, z, x, y int) []byte {
	mx, my := metaCoords(x, y)
	key := make([]byte, 0, len(style)+1+12)
	key = append(key, []byte(style)...)
	key = append(key, '\x00')
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(z))
	key = append(key, buf[:]...)
	binary.BigEndian.PutUint32(buf[:], uint32(mx))
	key = append(key, buf[:]...)
	binary.BigEndian.PutUint32(buf[:], uint32(my))
	key = append(key, buf[:]...)
	return key
}

func recordKey(key []byte) []byte {
	return append(append([]byte{}, key...), "/meta"...)
}

func (s *BoltStore) Put(_ context.Context, style string, z, x, y int, data []byte) error {
	key := metaKey(style, z, x, y)
	rec, err := json.Marshal(record{LastModified: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetatiles)
		if err := b.Put(key, data); err != nil {
			return err
		}
		return b.Put(recordKey(key), rec)
	})
}

func (s *BoltStore) Get(_ context.Context, style string, z, x, y int) ([]byte, error) {
	key := metaKey(style, z, x, y)
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetatiles)
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Stat(_ context.Context, style string, z, x, y int) (Metadata, error) {
	key := metaKey(style, z, x, y)
	var md Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetatiles)
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		md.Size = int64(len(data))
		recData := b.Get(recordKey(key))
		if recData != nil {
			var rec record
			if err := json.Unmarshal(recData, &rec); err == nil {
				md.LastModified = rec.LastModified
			}
		}
		return nil
	})
	if err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func (s *BoltStore) Expire(_ context.Context, style string, z, x, y int) error {
	key := metaKey(style, z, x, y)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetatiles)
		if err := b.Delete(key); err != nil {
			return err
		}
		return b.Delete(recordKey(key))
	})
}

var _ Store = (*BoltStore)(nil)
