// Package datastore implements DataStore: the cluster allocator that
// owns the currently-open SCO, mediates rollover, and throttles writers
// on backend backlog (§4.2).
package datastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/voldrv/pkg/errs"
	"github.com/cuemby/voldrv/pkg/log"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/cuemby/voldrv/pkg/weed"
)

// RolloverFunc is invoked synchronously whenever the open SCO seals, so
// the caller (Volume) can enqueue the upload and roll the TLog.
type RolloverFunc func(sealed voltypes.SCONumber, path string, size uint64)

// DataStore owns exactly one open SCO at a time, plus bookkeeping for
// how many non-disposable (not-yet-backend-acked) SCOs exist, to
// implement the max_non_disposable_factor throttle.
type DataStore struct {
	mu sync.Mutex

	dir    string
	config voltypes.VolumeConfig

	current    *sco
	nextNumber uint32

	// ancestorDirs maps a CloneID to the local directory holding that
	// lineage level's own SCOs, so Read can resolve a ClusterLocation
	// whose CloneID points at a parent rather than this DataStore's own
	// clones (§4.1 "Clone": "reads that miss the child's metadata fall
	// through to the parent's SCOs by CloneID"). Slot 0 is always dir
	// itself and never needs an entry here.
	ancestorDirs map[voltypes.CloneID]string

	nonDisposableBytes uint64
	onRollover         RolloverFunc
}

// Open creates (or resumes writing into) a DataStore rooted at dir,
// starting SCO numbering at startNumber (the caller determines this
// from the volume's last-known SCONumber at open time).
func Open(dir string, cfg voltypes.VolumeConfig, startNumber uint32, onRollover RolloverFunc) (*DataStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.Halting, "datastore.Open", err)
	}
	ds := &DataStore{
		dir:        dir,
		config:     cfg,
		nextNumber: startNumber,
		onRollover: onRollover,
	}
	if err := ds.openNewSCOLocked(); err != nil {
		return nil, err
	}
	return ds, nil
}

func (ds *DataStore) scoPath(number uint32) string {
	return filepath.Join(ds.dir, fmt.Sprintf("%d_0.sco", number))
}

// SetAncestorDirs wires the local directories a clone consults when a
// ClusterLocation's CloneID points above its own lineage level. Called
// once by volume.Clone after the child DataStore is opened.
func (ds *DataStore) SetAncestorDirs(dirs map[voltypes.CloneID]string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.ancestorDirs = dirs
}

// AncestorDirs returns the currently wired ancestor directory map,
// nil if this DataStore has no parent (the common case).
func (ds *DataStore) AncestorDirs() map[voltypes.CloneID]string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.ancestorDirs
}

// resolvePath returns the local SCO path for loc, honoring its
// CloneID: CloneID 0 always resolves within this DataStore's own dir,
// while 1+ resolves against the matching entry of ancestorDirs.
func (ds *DataStore) resolvePath(loc voltypes.ClusterLocation) (string, error) {
	if loc.CloneID == 0 {
		return ds.scoPath(uint32(loc.SCONumber)), nil
	}
	ds.mu.Lock()
	dir, ok := ds.ancestorDirs[loc.CloneID]
	ds.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("clone id %d has no wired ancestor directory", loc.CloneID)
	}
	return filepath.Join(dir, fmt.Sprintf("%d_0.sco", loc.SCONumber)), nil
}

func (ds *DataStore) openNewSCOLocked() error {
	s, err := createSCO(ds.scoPath(ds.nextNumber), ds.nextNumber)
	if err != nil {
		return errs.New(errs.Halting, "datastore.openNewSCO", err)
	}
	ds.current = s
	ds.nextNumber++
	return nil
}

// AdoptSCO takes ownership of an already-sealed SCO file living
// outside this DataStore's own directory — e.g. one a scrub pass
// repacked into a scratch directory — assigning it the next SCONumber
// in this DataStore's own sequence and moving it into dir. Caller is
// responsible for serializing this against concurrent Allocate calls
// that might otherwise claim the same number.
func (ds *DataStore) AdoptSCO(path string) (voltypes.SCONumber, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	num := ds.nextNumber
	ds.nextNumber++
	dest := ds.scoPath(num)
	if err := os.Rename(path, dest); err != nil {
		return 0, errs.New(errs.Halting, "datastore.AdoptSCO", err)
	}
	return voltypes.SCONumber(num), nil
}

// Throttled reports whether writers should suspend because outstanding
// non-disposable SCO bytes exceed max_non_disposable_factor × sco_size
// (§4.2, §5 suspension point (a)).
func (ds *DataStore) Throttled() bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	limit := ds.config.MaxNonDisposableFactor * float64(ds.config.SCOSize())
	return float64(ds.nonDisposableBytes) > limit
}

// Allocate appends one cluster's worth of data to the open SCO,
// rolling over to a fresh SCO first if the current one is full.
// Returns the ClusterLocation the cluster now lives at and its content
// hash.
func (ds *DataStore) Allocate(data []byte, cloneID voltypes.CloneID) (voltypes.ClusterLocation, weed.Weed, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if uint32(len(data)) != ds.config.ClusterSize() {
		return voltypes.ClusterLocation{}, weed.Weed{}, errs.New(errs.InvalidArgument, "datastore.Allocate", errs.ErrInvalidLength)
	}

	if ds.current.clusters >= ds.config.SCOMultiplier {
		if err := ds.rolloverLocked(); err != nil {
			return voltypes.ClusterLocation{}, weed.Weed{}, err
		}
	}

	number := ds.current.number
	offset, hash, err := ds.current.append(data)
	if err != nil {
		return voltypes.ClusterLocation{}, weed.Weed{}, errs.New(errs.Halting, "datastore.Allocate", err)
	}

	loc := voltypes.ClusterLocation{
		SCONumber: voltypes.SCONumber(number),
		Offset:    offset,
		CloneID:   cloneID,
	}
	return loc, hash, nil
}

// rolloverLocked seals the current SCO, notifies onRollover, and opens
// the next one. Caller must hold ds.mu.
func (ds *DataStore) rolloverLocked() error {
	sealed := ds.current
	if err := sealed.seal(); err != nil {
		return errs.New(errs.Halting, "datastore.rollover", err)
	}

	ds.nonDisposableBytes += sealed.size()
	log.WithComponent("datastore").Debug().
		Uint32("sco", sealed.number).Uint64("size", sealed.size()).
		Msg("sco sealed, rolling over")

	if err := ds.openNewSCOLocked(); err != nil {
		return err
	}

	if ds.onRollover != nil {
		ds.onRollover(voltypes.SCONumber(sealed.number), sealed.path, sealed.size())
	}
	return nil
}

// CloseCurrentSCO forces the open SCO to seal and a new one to start,
// used by sync() to ensure every write made it to a sealed, uploadable
// SCO before acknowledging the caller.
func (ds *DataStore) CloseCurrentSCO() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.current.clusters == 0 {
		return nil
	}
	return ds.rolloverLocked()
}

// AckSCOUploaded marks sizeB bytes as no longer non-disposable, called
// once BackendTaskRunner confirms a SCO's upload.
func (ds *DataStore) AckSCOUploaded(sizeB uint64) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.nonDisposableBytes < sizeB {
		ds.nonDisposableBytes = 0
	} else {
		ds.nonDisposableBytes -= sizeB
	}
}

// Read reads the cluster at loc into buf, which must be exactly
// ClusterSize bytes. It only serves SCOs still present as local files
// under dir (the open SCO or sealed-but-not-yet-evicted ones);
// SCOCache is responsible for fetching anything evicted from the
// backend before calling Read.
func (ds *DataStore) Read(loc voltypes.ClusterLocation, buf []byte) error {
	if uint32(len(buf)) != ds.config.ClusterSize() {
		return errs.New(errs.InvalidArgument, "datastore.Read", errs.ErrInvalidLength)
	}

	if loc.CloneID == 0 {
		ds.mu.Lock()
		if ds.current != nil && uint32(loc.SCONumber) == ds.current.number {
			if err := ds.current.w.Flush(); err != nil {
				ds.mu.Unlock()
				return errs.New(errs.BackendTransient, "datastore.Read", err)
			}
		}
		ds.mu.Unlock()
	}

	path, err := ds.resolvePath(loc)
	if err != nil {
		return errs.New(errs.BackendPermanent, "datastore.Read", err)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errs.New(errs.BackendPermanent, "datastore.Read", fmt.Errorf("sco %d not resident", loc.SCONumber))
		}
		return errs.New(errs.BackendTransient, "datastore.Read", err)
	}
	defer f.Close()

	off := int64(loc.Offset) * int64(ds.config.ClusterSize())
	if _, err := f.ReadAt(buf, off); err != nil {
		return errs.New(errs.BackendTransient, "datastore.Read", err)
	}
	return nil
}
