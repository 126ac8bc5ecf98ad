// Package bboltbackend is the "TokyoCabinet-style local" MetaDataStore
// persistent backend (§4.4), implemented over go.etcd.io/bbolt and
// directly grounded on warren's pkg/storage/boltdb.go: one bucket per
// namespace for pages, keyed by an 8-byte big-endian page index, plus a
// "scrub_ids" bucket keyed by namespace.
package bboltbackend

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketPagesPrefix = []byte("pages:")
	bucketScrubIDs    = []byte("scrub_ids")
)

// Backend is a metadatastore.PageBackend over a single bbolt file.
type Backend struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt-backed MetaDataStore
// persistent backend at path.
func Open(path string) (*Backend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bboltbackend: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketScrubIDs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bboltbackend: init buckets: %w", err)
	}
	return &Backend{db: db}, nil
}

func pageBucketName(ns string) []byte {
	return append(append([]byte{}, bucketPagesPrefix...), ns...)
}

func pageKey(pageIdx uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, pageIdx)
	return key
}

func (b *Backend) GetPage(ns string, pageIdx uint64) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pageBucketName(ns))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get(pageKey(pageIdx)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("bboltbackend: get page: %w", err)
	}
	return out, out != nil, nil
}

func (b *Backend) PutPage(ns string, pageIdx uint64, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(pageBucketName(ns))
		if err != nil {
			return err
		}
		return bucket.Put(pageKey(pageIdx), data)
	})
}

func (b *Backend) GetScrubID(ns string) (uuid.UUID, bool, error) {
	var out uuid.UUID
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketScrubIDs)
		v := bucket.Get([]byte(ns))
		if v == nil {
			return nil
		}
		id, err := uuid.FromBytes(v)
		if err != nil {
			return err
		}
		out, ok = id, true
		return nil
	})
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("bboltbackend: get scrub id: %w", err)
	}
	return out, ok, nil
}

func (b *Backend) SetScrubID(ns string, id uuid.UUID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketScrubIDs)
		bytes, err := id.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(ns), bytes)
	})
}

func (b *Backend) Close() error {
	return b.db.Close()
}
