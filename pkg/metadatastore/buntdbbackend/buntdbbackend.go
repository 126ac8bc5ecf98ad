// Package buntdbbackend is an alternate MetaDataStore persistent backend
// over tidwall/buntdb, standing in for the remote "MDS" (RocksDB-service)
// variant §4.4 describes: an ordered, embeddable key-value store rather
// than bbolt's bucket-of-blobs, demonstrating that PageBackend is a true
// pluggable contract with more than one real implementation. Page keys
// are zero-padded decimal strings so buntdb's lexicographic ordering
// matches page index order, which a remote range-scan-capable MDS would
// also rely on.
package buntdbbackend

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/buntdb"
)

// Backend is a metadatastore.PageBackend over a single buntdb database.
// Pass ":memory:" for an ephemeral, in-process store.
type Backend struct {
	db *buntdb.DB
}

// Open opens (creating if necessary) a buntdb-backed MetaDataStore
// persistent backend at path.
func Open(path string) (*Backend, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("buntdbbackend: open %s: %w", path, err)
	}
	return &Backend{db: db}, nil
}

func pageKey(ns string, pageIdx uint64) string {
	return fmt.Sprintf("page:%s:%020d", ns, pageIdx)
}

func scrubKey(ns string) string {
	return fmt.Sprintf("scrub_id:%s", ns)
}

func (b *Backend) GetPage(ns string, pageIdx uint64) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(pageKey(ns, pageIdx))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return err
		}
		out, found = decoded, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("buntdbbackend: get page: %w", err)
	}
	return out, found, nil
}

func (b *Backend) PutPage(ns string, pageIdx uint64, data []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(pageKey(ns, pageIdx), base64.StdEncoding.EncodeToString(data), nil)
		return err
	})
}

func (b *Backend) GetScrubID(ns string) (uuid.UUID, bool, error) {
	var out uuid.UUID
	var found bool
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(scrubKey(ns))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		out, found = id, true
		return nil
	})
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("buntdbbackend: get scrub id: %w", err)
	}
	return out, found, nil
}

func (b *Backend) SetScrubID(ns string, id uuid.UUID) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(scrubKey(ns), id.String(), nil)
		return err
	})
}

func (b *Backend) Close() error {
	return b.db.Close()
}
