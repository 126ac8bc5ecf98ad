package metadatastore

import (
	"io"

	"github.com/cuemby/voldrv/pkg/tlog"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/cuemby/voldrv/pkg/weed"
)

// ClusterReader fetches the bytes currently stored at loc into buf,
// which is exactly clusterSize bytes long. Builder uses it to
// recompute each replayed cluster's content hash against the actual
// SCO bytes rather than trusting the TLog's CRC alone; it is an
// interface so this package never depends on a concrete backend
// (pkg/datastore or a clone's ancestor chain both satisfy it).
type ClusterReader func(loc voltypes.ClusterLocation, buf []byte) error

// Builder rebuilds a MetaDataStore from scratch by replaying a volume's
// TLogs in backend order, as §4.4 describes ("Rebuild: given a volume's
// TLogs in backend order, replay into an empty store"). It also records
// the NSIDMap as lineage TLogs are traversed, for clone rebuilds.
type Builder struct {
	store       *Store
	nsMap       voltypes.NSIDMap
	clusterSize uint32
	readCluster ClusterReader
	buf         []byte
}

// NewBuilder starts a rebuild that will write into store. readCluster
// fetches the current bytes at a ClusterLocation so each replayed
// entry's hash is recomputed against real data instead of carried
// over from the TLog's (much weaker) CRC-32 check value.
func NewBuilder(store *Store, clusterSize uint32, readCluster ClusterReader) *Builder {
	return &Builder{
		store:       store,
		clusterSize: clusterSize,
		readCluster: readCluster,
		buf:         make([]byte, clusterSize),
	}
}

// ReplayTLog replays one TLog's cluster entries into the store. tlogPath
// is the local path of an already-downloaded (or locally sealed) TLog
// file; ownerClone is the CloneID this TLog belongs to in the lineage
// being rebuilt (0 for the volume's own TLogs, 1+ for ancestor TLogs
// traversed while rebuilding a clone).
func (b *Builder) ReplayTLog(tlogPath string, ownerClone voltypes.CloneID, ns string) error {
	if err := b.nsMap.Set(ownerClone, ns); err != nil {
		return err
	}

	r, err := tlog.Open(tlogPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Tag != tlog.TagCluster {
			continue
		}
		loc := rec.Cluster.Location
		loc.CloneID = ownerClone

		hash, err := b.contentHash(loc)
		if err != nil {
			return err
		}

		if err := b.store.Set(rec.Cluster.CA, voltypes.ClusterLocationAndHash{
			Location: loc,
			Hash:     hash,
		}); err != nil {
			return err
		}
	}
}

// contentHash recomputes loc's content hash from the actual SCO bytes
// when a reader is wired, falling back to the zero hash (an
// always-visible mismatch on the next Volume.Read, per invariant 1)
// when the caller chose not to wire one — e.g. a dry-run rebuild that
// only wants the CA->location mapping, not a verified hash.
func (b *Builder) contentHash(loc voltypes.ClusterLocation) (weed.Weed, error) {
	if b.readCluster == nil {
		return weed.Weed{}, nil
	}
	if err := b.readCluster(loc, b.buf); err != nil {
		return weed.Weed{}, err
	}
	return weed.Compute(b.buf), nil
}

// NSIDMap returns the lineage map accumulated across ReplayTLog calls.
func (b *Builder) NSIDMap() voltypes.NSIDMap {
	return b.nsMap
}

// Rebuild replays tlogPaths (already in backend order) into store and
// returns the lineage map the replay accumulated. It is the entry
// point §4.4's Rebuild operation wires against a real volume: callers
// supply readCluster backed by the volume's DataStore (and, for a
// clone, its ancestor chain) so every rebuilt mapping carries a hash
// verified against the SCO bytes it actually points at.
func Rebuild(store *Store, clusterSize uint32, readCluster ClusterReader, tlogPaths []string, ownerClone voltypes.CloneID, ns string) (voltypes.NSIDMap, error) {
	b := NewBuilder(store, clusterSize, readCluster)
	for _, path := range tlogPaths {
		if err := b.ReplayTLog(path, ownerClone, ns); err != nil {
			return voltypes.NSIDMap{}, err
		}
	}
	return b.NSIDMap(), nil
}
