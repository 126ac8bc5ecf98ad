// Package metadatastore implements MetaDataStore: the dense logical
// ClusterAddress → (ClusterLocation, Hash) map with a per-page cache and
// a pluggable persistent backend (§4.4). Two backends are provided —
// bbolt (the "TokyoCabinet-style local" variant the spec names) and
// buntdb (an ordered, embeddable KV standing in for the remote
// "MDS"/RocksDB-service variant) — behind the same PageBackend
// interface, demonstrating the pluggability the spec calls for.
package metadatastore

import "github.com/google/uuid"

// PageBackend is the persistence contract a MetaDataStore backend must
// satisfy: durable storage for fixed-size pages of CA entries, plus the
// single scrub_id value recorded at rest for a namespace. Grounded on
// warren's pkg/storage.Store (CRUD-over-a-KV-engine idiom), narrowed
// from warren's per-entity-type methods down to the page/scrub_id shape
// MetaDataStore actually needs.
type PageBackend interface {
	// GetPage returns the raw bytes of page pageIdx in namespace ns, or
	// ok=false if the page has never been written.
	GetPage(ns string, pageIdx uint64) (data []byte, ok bool, err error)

	// PutPage persists the raw bytes of page pageIdx in namespace ns.
	PutPage(ns string, pageIdx uint64, data []byte) error

	// GetScrubID returns the scrub_id recorded at rest for ns, or
	// ok=false if none has ever been recorded.
	GetScrubID(ns string) (id uuid.UUID, ok bool, err error)

	// SetScrubID atomically records scrub_id for ns.
	SetScrubID(ns string, id uuid.UUID) error

	// Close releases any resources held by the backend.
	Close() error
}
