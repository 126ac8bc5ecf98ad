package metadatastore

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/cuemby/voldrv/pkg/errs"
	"github.com/cuemby/voldrv/pkg/metrics"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/google/uuid"
)

// Relocation is one entry of a RelocationLog produced by the scrubber:
// the cluster at CA moved from Old to New.
type Relocation struct {
	CA  voltypes.ClusterAddress
	Old voltypes.ClusterLocation
	New voltypes.ClusterLocation
}

// Store is a MetaDataStore bound to one namespace: a dense CA → location
// map with a bounded LRU page cache in front of a pluggable PageBackend.
// Per §5, the page cache uses per-page latches rather than a single
// store-wide lock, so concurrent Gets/Sets on distinct pages never
// contend.
//
// IsMaster distinguishes the two apply_relocations failure policies
// §4.4 specifies: a master keeps whatever relocations it already
// persisted on a mid-apply failure (scrub_id stays unchanged, so a retry
// re-applies the remainder); a slave (e.g. a clone catching up) throws
// the partial state away instead.
type Store struct {
	ns             string
	backend        PageBackend
	IsMaster       bool
	maxCachedPages int

	mu        sync.Mutex // guards the LRU structures below
	lru       *list.List
	index     map[uint64]*list.Element
	latches   map[uint64]*sync.Mutex

	corkMu sync.Mutex
	corked bool
	corkID uuid.UUID
}

// Open constructs a Store for namespace ns over backend, caching up to
// maxCachedPages pages in memory.
func Open(ns string, backend PageBackend, maxCachedPages int) *Store {
	if maxCachedPages <= 0 {
		maxCachedPages = 4096
	}
	return &Store{
		ns:             ns,
		backend:        backend,
		maxCachedPages: maxCachedPages,
		lru:            list.New(),
		index:          make(map[uint64]*list.Element),
		latches:        make(map[uint64]*sync.Mutex),
	}
}

func (s *Store) latch(idx uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.latches[idx]
	if !ok {
		l = &sync.Mutex{}
		s.latches[idx] = l
	}
	return l
}

func (s *Store) loadPage(idx uint64) (*page, error) {
	s.mu.Lock()
	if el, ok := s.index[idx]; ok {
		s.lru.MoveToFront(el)
		p := el.Value.(*page)
		s.mu.Unlock()
		metrics.MetaDataPageCacheHits.Inc()
		return p, nil
	}
	s.mu.Unlock()

	metrics.MetaDataPageCacheMisses.Inc()
	data, ok, err := s.backend.GetPage(s.ns, idx)
	if err != nil {
		return nil, errs.New(errs.BackendTransient, "metadatastore.loadPage", err)
	}
	var p *page
	if ok {
		p = decodePage(idx, data)
	} else {
		p = newPage(idx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[idx]; ok {
		// lost a race with a concurrent loader; keep the winner.
		s.lru.MoveToFront(el)
		return el.Value.(*page), nil
	}
	el := s.lru.PushFront(p)
	s.index[idx] = el
	s.evictLocked()
	return p, nil
}

// evictLocked drops the least-recently-used cached pages once the cache
// exceeds maxCachedPages. Pages are always write-through persisted on
// Set, so eviction never loses data — it only drops the in-memory copy.
func (s *Store) evictLocked() {
	for s.lru.Len() > s.maxCachedPages {
		el := s.lru.Back()
		if el == nil {
			return
		}
		p := el.Value.(*page)
		s.lru.Remove(el)
		delete(s.index, p.idx)
	}
}

// Get returns the ClusterLocationAndHash mapped to ca, or the zero value
// (unmapped) if ca has never been written.
func (s *Store) Get(ca voltypes.ClusterAddress) (voltypes.ClusterLocationAndHash, error) {
	idx := pageIndex(ca)
	latch := s.latch(idx)
	latch.Lock()
	defer latch.Unlock()

	p, err := s.loadPage(idx)
	if err != nil {
		return voltypes.ClusterLocationAndHash{}, err
	}
	return p.get(ca), nil
}

// Set records that ca now maps to v, persisting the owning page
// immediately (write-through).
func (s *Store) Set(ca voltypes.ClusterAddress, v voltypes.ClusterLocationAndHash) error {
	idx := pageIndex(ca)
	latch := s.latch(idx)
	latch.Lock()
	defer latch.Unlock()

	p, err := s.loadPage(idx)
	if err != nil {
		return err
	}
	p.set(ca, v)
	if err := s.backend.PutPage(s.ns, idx, p.encode()); err != nil {
		return errs.New(errs.BackendTransient, "metadatastore.Set", err)
	}
	p.dirty = false
	return nil
}

// ScrubID returns the scrub_id recorded at rest, and whether one has
// ever been recorded (invariant 4: it must equal SnapshotManagement's).
func (s *Store) ScrubID() (uuid.UUID, bool, error) {
	id, ok, err := s.backend.GetScrubID(s.ns)
	if err != nil {
		return uuid.UUID{}, false, errs.New(errs.BackendTransient, "metadatastore.ScrubID", err)
	}
	return id, ok, nil
}

// ApplyRelocations applies a scrub's RelocationLog idempotently (§4.4):
//
//   - if the stored scrub_id already equals scrubID, this is a no-op.
//   - otherwise each relocation is applied only if the current mapping
//     for its CA still equals Old (same CloneID and SCONumber); a CA
//     superseded by a later write is left untouched.
//   - on success the new scrub_id is written atomically as the last
//     step.
//   - on a mid-apply failure, a slave store discards everything it
//     applied this call (ScrubIdMismatch may be retried after a fresh
//     recompute); a master keeps what it already wrote and leaves
//     scrub_id unchanged, so a retry of the same relocation set
//     harmlessly re-applies the remainder.
func (s *Store) ApplyRelocations(cloneID voltypes.CloneID, scrubID uuid.UUID, relocs []Relocation) error {
	current, _, err := s.ScrubID()
	if err != nil {
		return err
	}
	if current == scrubID {
		return nil
	}

	applied := make([]Relocation, 0, len(relocs))
	for _, r := range relocs {
		if err := s.applyOne(r, cloneID); err != nil {
			if !s.IsMaster {
				s.rollback(applied, cloneID)
			}
			return errs.New(errs.ScrubApply, "metadatastore.ApplyRelocations", err)
		}
		applied = append(applied, r)
	}

	if err := s.backend.SetScrubID(s.ns, scrubID); err != nil {
		return errs.New(errs.BackendTransient, "metadatastore.ApplyRelocations", err)
	}
	return nil
}

func (s *Store) applyOne(r Relocation, cloneID voltypes.CloneID) error {
	cur, err := s.Get(r.CA)
	if err != nil {
		return err
	}
	if cur.Location.SCONumber != r.Old.SCONumber || cur.Location.CloneID != r.Old.CloneID {
		// superseded by a later write; skip, per spec.
		return nil
	}
	newVal := voltypes.ClusterLocationAndHash{Location: r.New, Hash: cur.Hash}
	return s.Set(r.CA, newVal)
}

func (s *Store) rollback(applied []Relocation, cloneID voltypes.CloneID) {
	for i := len(applied) - 1; i >= 0; i-- {
		r := applied[i]
		cur, err := s.Get(r.CA)
		if err != nil {
			continue
		}
		if cur.Location == r.New {
			orig := voltypes.ClusterLocationAndHash{Location: r.Old, Hash: cur.Hash}
			_ = s.Set(r.CA, orig)
		}
	}
}

// Cork opens a group-commit boundary identified by id, aligned with the
// TLog's SyncToTCMark.
func (s *Store) Cork(id uuid.UUID) error {
	s.corkMu.Lock()
	defer s.corkMu.Unlock()
	if s.corked {
		return fmt.Errorf("metadatastore: already corked with %s", s.corkID)
	}
	s.corked = true
	s.corkID = id
	return nil
}

// UnCorkAndTrySync closes the group-commit boundary opened by Cork and
// flushes write-through state. Because Set is already write-through,
// there is nothing buffered to flush; this call exists to match the
// cork/uncork contract other backends (and TLog's SyncToTCMark) expect.
func (s *Store) UnCorkAndTrySync(id uuid.UUID) error {
	s.corkMu.Lock()
	defer s.corkMu.Unlock()
	if !s.corked || s.corkID != id {
		return fmt.Errorf("metadatastore: uncork %s does not match open cork %s", id, s.corkID)
	}
	s.corked = false
	return nil
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
