// Package snapshot implements SnapshotManagement: the snapshot graph,
// clone lineage and scrub_id tracking (§2, §3).
package snapshot

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/voldrv/pkg/tlog"
	"github.com/google/uuid"
)

// Snapshot is an immutable cut in the TLog sequence.
type Snapshot struct {
	Name          string
	ID            uuid.UUID
	Metadata      map[string]string
	LastTLogID    tlog.ID
	Cork          uuid.UUID
	BackendSynced bool
	ScrubID       uuid.UUID
	HasScrubID    bool
	CreatedAt     time.Time
}

// Manager owns the ordered snapshot list for one volume and the current
// (post-latest-snapshot) TLog lineage.
type Manager struct {
	mu        sync.RWMutex
	snapshots []Snapshot // oldest first; "current" is everything after the last entry
}

// NewManager returns an empty snapshot manager, as for a fresh volume.
func NewManager() *Manager {
	return &Manager{}
}

// Create records a new snapshot boundary. Returns the new Snapshot; its
// Cork field is the UUID downstream background tasks order themselves
// against.
func (m *Manager) Create(name string, metadata map[string]string, lastTLog tlog.ID) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.snapshots {
		if s.Name == name {
			return Snapshot{}, fmt.Errorf("snapshot: %q already exists", name)
		}
	}

	snap := Snapshot{
		Name:       name,
		ID:         uuid.New(),
		Metadata:   metadata,
		LastTLogID: lastTLog,
		Cork:       uuid.New(),
		CreatedAt:  time.Now(),
	}
	m.snapshots = append(m.snapshots, snap)
	return snap, nil
}

// Get returns the snapshot named name.
func (m *Manager) Get(name string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.snapshots {
		if s.Name == name {
			return s, true
		}
	}
	return Snapshot{}, false
}

// List returns all snapshots, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// Delete removes a snapshot entry lazily: the entry is dropped from the
// list immediately, but the TLogs/SCOs it alone references are reclaimed
// later via scrub + GarbageCollector, not here.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.snapshots {
		if s.Name == name {
			m.snapshots = append(m.snapshots[:i], m.snapshots[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("snapshot: %q not found", name)
}

// TruncateAfter drops every snapshot after name (inclusive of name's
// successors, exclusive of name itself), used by restoreSnapshot.
func (m *Manager) TruncateAfter(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.snapshots {
		if s.Name == name {
			m.snapshots = m.snapshots[:i+1]
			return nil
		}
	}
	return fmt.Errorf("snapshot: %q not found", name)
}

// UpdateScrubID records the scrub_id a scrub apply has moved name's
// TLogs to point at (§4.6 Apply step). Invariant 4 requires this equal
// MetaDataStore's recorded scrub_id at rest.
func (m *Manager) UpdateScrubID(name string, scrubID uuid.UUID, newLastTLog tlog.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.snapshots {
		if s.Name == name {
			m.snapshots[i].ScrubID = scrubID
			m.snapshots[i].HasScrubID = true
			m.snapshots[i].LastTLogID = newLastTLog
			return nil
		}
	}
	return fmt.Errorf("snapshot: %q not found", name)
}
