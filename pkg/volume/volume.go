// Package volume implements Volume: the orchestrator exposing the
// read/write/sync/snapshot API and owning lock ordering across the
// subsystems it composes (§4.1, §5).
package volume

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cuemby/voldrv/pkg/datastore"
	"github.com/cuemby/voldrv/pkg/errs"
	"github.com/cuemby/voldrv/pkg/failover"
	"github.com/cuemby/voldrv/pkg/gc"
	"github.com/cuemby/voldrv/pkg/log"
	"github.com/cuemby/voldrv/pkg/metadatastore"
	"github.com/cuemby/voldrv/pkg/metrics"
	"github.com/cuemby/voldrv/pkg/scrub"
	"github.com/cuemby/voldrv/pkg/snapshot"
	"github.com/cuemby/voldrv/pkg/tlog"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/cuemby/voldrv/pkg/weed"
	"github.com/google/uuid"
)

// RolloverHook is invoked whenever a SCO or TLog seals and needs to be
// handed off for backend upload. The volume itself does not know how
// uploads are scheduled — that is BackendTaskRunner's job — so this is
// a typed function value captured at construction, per the
// "no cyclic ownership" decision for cross-subsystem callbacks.
type RolloverHook func(namespace string, kind RolloverKind, name string, path string, size uint64)

// RolloverKind distinguishes what rolled over, for the hook.
type RolloverKind int

const (
	RolloverSCO RolloverKind = iota
	RolloverTLog
)

// TLogDir and localDir are injected by the caller (daemon wiring); the
// Volume package itself has no opinion on filesystem layout beyond
// "one directory per volume for local SCOs and TLogs".

// Volume is one open block device. Lock order is write_lock -> rwlock,
// matching §5 exactly; config reads take only configMu, never
// write_lock or rwlock, so they never block behind a writer.
type Volume struct {
	writeLock sync.Mutex   // write_lock
	rwlock    sync.RWMutex // rwlock: guards everything below except config
	configMu  sync.Mutex   // config_lock: guards config only

	config  voltypes.VolumeConfig
	tlogDir string

	dataStore *datastore.DataStore
	metaStore *metadatastore.Store
	snapshots *snapshot.Manager
	focClient *failover.Client
	focState  FailOverState

	// backendKind names the BackendConnectionManager kind this volume's
	// objects live under (e.g. "fs", "s3"), carried through into
	// ScrubWork so an out-of-process scrubber knows how to reach them.
	backendKind string

	// nsMap is this volume's own lineage map: slot 0 is always its own
	// namespace, slots 1+ (populated only for a clone) point at its
	// ancestors nearest-to-furthest (§4.1 "Clone").
	nsMap voltypes.NSIDMap
	// parent is non-nil only for a clone, letting Read fall through to
	// the parent's own MetaDataStore for a CA this clone has never
	// written (invariant 3).
	parent *Volume

	currentTLog   *tlog.Writer
	scosSinceTLog uint32
	// sealedTLogIDs is every TLog this volume has sealed, oldest first,
	// the backend-order history GetScrubbingWork slices a snapshot
	// range out of.
	sealedTLogIDs []tlog.ID
	halted        bool
	haltErr       error

	onRollover RolloverHook
}

// Open constructs a Volume ready for I/O. dataDir holds this volume's
// local SCOs and TLogs; metaStore and dataStore must already be open
// against the same directory tree. snapshots is the volume's
// snapshot list, normally reloaded from whatever the caller persists
// it to between invocations (nil starts a fresh, empty one).
// backendKind identifies the backend this volume's SCOs/TLogs
// ultimately live in, surfaced to scrub work.
func Open(cfg voltypes.VolumeConfig, dataDir string, metaStore *metadatastore.Store, snapshots *snapshot.Manager, backendKind string, onRollover RolloverHook) (*Volume, error) {
	if snapshots == nil {
		snapshots = snapshot.NewManager()
	}
	v := &Volume{
		config:      cfg,
		tlogDir:     dataDir,
		metaStore:   metaStore,
		snapshots:   snapshots,
		backendKind: backendKind,
		focState:    OkStandalone,
		onRollover:  onRollover,
	}
	if err := v.nsMap.Set(0, cfg.Ns); err != nil {
		return nil, err
	}

	ds, err := datastore.Open(dataDir, cfg, 0, v.handleSCORollover)
	if err != nil {
		return nil, err
	}
	v.dataStore = ds

	if err := v.openNewTLogLocked(); err != nil {
		return nil, err
	}

	metrics.VolumesTotal.WithLabelValues(string(v.focState)).Inc()
	return v, nil
}

// Clone opens a new Volume whose MetaDataStore starts empty and whose
// reads fall through to parent for any CA not yet written locally
// (§4.1 "Clone", invariant 3). cfg.Parent should already identify
// parent's namespace and the snapshot this clone was created from.
func Clone(parent *Volume, cfg voltypes.VolumeConfig, dataDir string, metaStore *metadatastore.Store, snapshots *snapshot.Manager, backendKind string, onRollover RolloverHook) (*Volume, error) {
	childMap, err := parent.NSIDMap().ChildMap(cfg.Ns)
	if err != nil {
		return nil, fmt.Errorf("volume.Clone: %w", err)
	}

	v, err := Open(cfg, dataDir, metaStore, snapshots, backendKind, onRollover)
	if err != nil {
		return nil, err
	}
	v.parent = parent
	v.nsMap = childMap

	ancestorDirs := make(map[voltypes.CloneID]string, childMap.Len())
	ancestorDirs[1] = parent.dataDir()
	for id, dir := range parent.dataStore.AncestorDirs() {
		ancestorDirs[id+1] = dir
	}
	v.dataStore.SetAncestorDirs(ancestorDirs)

	return v, nil
}

// dataDir returns the local directory this volume's own SCOs live in,
// immutable after Open/Clone.
func (v *Volume) dataDir() string {
	return v.tlogDir
}

// NSIDMap returns this volume's lineage map.
func (v *Volume) NSIDMap() voltypes.NSIDMap {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	return v.nsMap
}

func (v *Volume) openNewTLogLocked() error {
	id := tlog.NewID()
	path := fmt.Sprintf("%s/tlog_%s", v.tlogDir, id.String())
	w, err := tlog.Create(path, id)
	if err != nil {
		return errs.New(errs.Halting, "volume.openNewTLog", err)
	}
	v.currentTLog = w
	v.scosSinceTLog = 0
	return nil
}

// handleSCORollover is DataStore's rollover callback. DataStore rolls
// over only inside Allocate and CloseCurrentSCO, which this volume
// calls with rwlock already held, so the callback runs under that lock.
func (v *Volume) handleSCORollover(sco voltypes.SCONumber, path string, size uint64) {
	name := fmt.Sprintf("%d_0", sco)
	log.WithSCO(name).Info().Str("namespace", v.config.Ns).Uint64("size", size).Msg("sco sealed")

	if v.onRollover != nil {
		v.onRollover(v.config.Ns, RolloverSCO, name, path, size)
	}

	v.scosSinceTLog++
	if v.config.TLogMultiplier > 0 && v.scosSinceTLog%v.config.TLogMultiplier == 0 {
		if _, err := v.rotateTLogLocked(); err != nil && !v.halted {
			v.halted = true
			v.haltErr = err
			log.WithNamespace(v.config.Ns).Error().Err(err).Msg("volume halted")
		}
	}
}

// rotateTLogLocked seals the current TLog, records it in
// sealedTLogIDs, and opens a fresh one, returning the sealed TLog's
// ID — the boundary CreateSnapshot anchors a new snapshot against.
// Caller must hold rwlock.
func (v *Volume) rotateTLogLocked() (tlog.ID, error) {
	sealed := v.currentTLog
	if err := sealed.Seal(); err != nil {
		return tlog.ID{}, errs.New(errs.Halting, "volume.rotateTLog", err)
	}
	sealedPath := fmt.Sprintf("%s/tlog_%s", v.tlogDir, sealed.ID().String())
	if v.onRollover != nil {
		v.onRollover(v.config.Ns, RolloverTLog, sealed.ID().String(), sealedPath, 0)
	}
	v.sealedTLogIDs = append(v.sealedTLogIDs, sealed.ID())
	if err := v.openNewTLogLocked(); err != nil {
		return tlog.ID{}, err
	}
	return sealed.ID(), nil
}

func (v *Volume) isHalted() bool {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	return v.halted
}

// Halt marks the volume halted on an invariant breach (§7
// HaltingError): further I/O is rejected immediately.
func (v *Volume) Halt(cause error) {
	v.rwlock.Lock()
	defer v.rwlock.Unlock()
	if v.halted {
		return
	}
	v.halted = true
	v.haltErr = cause
	log.WithNamespace(v.config.Ns).Error().Err(cause).Msg("volume halted")
}

// Write implements §4.1's write protocol: split into clusters, and for
// each, allocate+log+index+mirror in order, atomically per cluster.
func (v *Volume) Write(lba voltypes.LBA, buf []byte) error {
	if v.isHalted() {
		return errs.New(errs.Halting, "volume.Write", errs.ErrVolumeHalted)
	}

	v.configMu.Lock()
	cfg := v.config
	v.configMu.Unlock()

	clusterSize := cfg.ClusterSize()
	if uint64(lba)%uint64(cfg.ClusterMultiplier) != 0 {
		return errs.New(errs.InvalidArgument, "volume.Write", errs.ErrInvalidAlignment)
	}
	if len(buf) == 0 || len(buf)%int(clusterSize) != 0 {
		return errs.New(errs.InvalidArgument, "volume.Write", errs.ErrInvalidLength)
	}

	timer := metrics.NewTimer()
	v.writeLock.Lock()
	defer v.writeLock.Unlock()

	n := len(buf) / int(clusterSize)
	for i := 0; i < n; i++ {
		ca := cfg.CAOf(lba) + voltypes.ClusterAddress(i)
		cluster := buf[i*int(clusterSize) : (i+1)*int(clusterSize)]

		if err := v.writeOneCluster(ca, cluster); err != nil {
			v.Halt(err)
			metrics.WritesTotal.WithLabelValues("error").Inc()
			return err
		}
	}

	metrics.WritesTotal.WithLabelValues("ok").Inc()
	timer.ObserveDuration(metrics.WriteDuration)
	return nil
}

func (v *Volume) writeOneCluster(ca voltypes.ClusterAddress, data []byte) error {
	v.rwlock.Lock()
	defer v.rwlock.Unlock()

	loc, hash, err := v.dataStore.Allocate(data, 0)
	if err != nil {
		return err
	}

	entry := tlog.ClusterEntry{CRC: tlog.ClusterCRC(data), CA: ca, Location: loc}
	if err := v.currentTLog.AppendCluster(entry); err != nil {
		return errs.New(errs.Halting, "volume.writeOneCluster", err)
	}

	if err := v.metaStore.Set(ca, voltypes.ClusterLocationAndHash{Location: loc, Hash: hash}); err != nil {
		return errs.New(errs.Halting, "volume.writeOneCluster", err)
	}

	if v.focClient != nil {
		focErr := v.focClient.AddEntries([]failover.Entry{{Location: loc, LBA: voltypes.LBA(ca) * voltypes.LBA(v.config.ClusterMultiplier), Data: data}})
		if focErr != nil {
			// FailOverCacheError: the write still succeeds locally; the
			// client already transitioned to Degraded internally.
			v.focState = Degraded
			metrics.VolumesTotal.WithLabelValues(string(Degraded)).Inc()
			log.WithNamespace(v.config.Ns).Warn().Err(focErr).Msg("failover mirror failed, volume degraded")
		}
	}

	return nil
}

// Read implements §4.1's read protocol, minus the optional
// cluster-cache consultation (process-global ClusterCache is outside
// this package's scope; callers needing it wrap Read).
func (v *Volume) Read(lba voltypes.LBA, buf []byte) error {
	if v.isHalted() {
		return errs.New(errs.Halting, "volume.Read", errs.ErrVolumeHalted)
	}

	v.configMu.Lock()
	cfg := v.config
	v.configMu.Unlock()

	clusterSize := cfg.ClusterSize()
	if uint64(lba)%uint64(cfg.ClusterMultiplier) != 0 {
		return errs.New(errs.InvalidArgument, "volume.Read", errs.ErrInvalidAlignment)
	}
	if len(buf) == 0 || len(buf)%int(clusterSize) != 0 {
		return errs.New(errs.InvalidArgument, "volume.Read", errs.ErrInvalidLength)
	}

	timer := metrics.NewTimer()
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()

	n := len(buf) / int(clusterSize)
	for i := 0; i < n; i++ {
		ca := cfg.CAOf(lba) + voltypes.ClusterAddress(i)
		cluster := buf[i*int(clusterSize) : (i+1)*int(clusterSize)]

		lh, err := v.resolveReadLocked(ca)
		if err != nil {
			metrics.ReadsTotal.WithLabelValues("error").Inc()
			return errs.New(errs.Halting, "volume.Read", err)
		}
		if lh.Unmapped() {
			for j := range cluster {
				cluster[j] = 0
			}
			continue
		}

		if err := v.dataStore.Read(lh.Location, cluster); err != nil {
			metrics.ReadsTotal.WithLabelValues("error").Inc()
			return err
		}

		got := weed.Compute(cluster)
		if got != lh.Hash {
			metrics.ReadsTotal.WithLabelValues("error").Inc()
			return errs.New(errs.BackendPermanent, "volume.Read", fmt.Errorf("content hash mismatch at CA %d", ca))
		}
	}

	metrics.ReadsTotal.WithLabelValues("ok").Inc()
	timer.ObserveDuration(metrics.ReadDuration)
	return nil
}

// resolveRead is resolveReadLocked's rwlock-holding entry point, used
// by a descendant climbing into this volume from resolveReadLocked —
// it takes its own RLock rather than assuming the caller (a different
// Volume) already holds it.
func (v *Volume) resolveRead(ca voltypes.ClusterAddress) (voltypes.ClusterLocationAndHash, error) {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	return v.resolveReadLocked(ca)
}

// resolveReadLocked returns the ClusterLocationAndHash for ca,
// consulting this volume's own MetaDataStore first and falling through
// to each ancestor in turn when the entry here is unmapped (invariant
// 3: "a clone's metadata store starts empty; a read miss on its own CA
// must recursively consult the parent's"). Each level climbed bumps
// the resolved location's CloneID by one, since CloneID is relative to
// the reading volume rather than an absolute naming scheme. Caller
// must already hold v's own rwlock.
func (v *Volume) resolveReadLocked(ca voltypes.ClusterAddress) (voltypes.ClusterLocationAndHash, error) {
	lh, err := v.metaStore.Get(ca)
	if err != nil {
		return voltypes.ClusterLocationAndHash{}, err
	}
	if !lh.Unmapped() || v.parent == nil {
		return lh, nil
	}

	parentLH, err := v.parent.resolveRead(ca)
	if err != nil {
		return voltypes.ClusterLocationAndHash{}, err
	}
	if !parentLH.Unmapped() {
		parentLH.Location.CloneID++
	}
	return parentLH, nil
}

// Sync flushes the open SCO, flushes the FailOverCache (blocking until
// the remote has persisted everything), and emits a SyncToTCMark —
// establishing the happens-before guarantee of §5.
func (v *Volume) Sync() error {
	if v.isHalted() {
		return errs.New(errs.Halting, "volume.Sync", errs.ErrVolumeHalted)
	}

	timer := metrics.NewTimer()
	v.writeLock.Lock()
	defer v.writeLock.Unlock()

	v.rwlock.Lock()
	defer v.rwlock.Unlock()

	if err := v.dataStore.CloseCurrentSCO(); err != nil {
		return errs.New(errs.Halting, "volume.Sync", err)
	}

	if v.focClient != nil {
		if err := v.focClient.Flush(); err != nil {
			v.focState = Degraded
			log.WithNamespace(v.config.Ns).Warn().Err(err).Msg("failover flush failed, volume degraded")
		}
	}

	cork := uuid.New()
	if err := v.currentTLog.AppendSyncToTC(tlog.SyncToTCMark{Cork: cork}); err != nil {
		return errs.New(errs.Halting, "volume.Sync", err)
	}
	if err := v.currentTLog.Flush(); err != nil {
		return errs.New(errs.Halting, "volume.Sync", err)
	}

	timer.ObserveDuration(metrics.SyncDuration)
	return nil
}

// SetFailOverCacheConfig (re)arms the FailOverCache bridge, or
// detaches it entirely if cfg is nil. It and CheckAndFixFailOverCache
// are the two ways out of Degraded.
func (v *Volume) SetFailOverCacheConfig(cfg *failover.Config) error {
	v.rwlock.Lock()
	defer v.rwlock.Unlock()

	if cfg == nil {
		if v.focClient != nil {
			_ = v.focClient.Unregister()
			_ = v.focClient.Close()
			v.focClient = nil
		}
		v.focState = OkStandalone
		return nil
	}

	client := failover.NewClient(*cfg, func(err error) {
		// The client calls this from AddEntries or SetFailOverCacheConfig,
		// whose callers here already hold rwlock; take it on a goroutine.
		go func() {
			v.rwlock.Lock()
			v.focState = Degraded
			v.rwlock.Unlock()
		}()
	})
	if err := client.SetFailOverCacheConfig(*cfg, v.config.Ns, v.config.ClusterSize()); err != nil {
		return errs.New(errs.FailOverCache, "volume.SetFailOverCacheConfig", err)
	}
	v.focClient = client
	v.focState = OkSync
	return nil
}

// CheckAndFixFailOverCache attempts the repair transition
// Degraded -> Ok_Sync, re-registering against the already-configured
// remote.
func (v *Volume) CheckAndFixFailOverCache() error {
	v.rwlock.Lock()
	defer v.rwlock.Unlock()
	if v.focClient == nil {
		return errs.New(errs.InvalidArgument, "volume.CheckAndFixFailOverCache", fmt.Errorf("no failover cache configured"))
	}
	if err := v.focClient.SetFailOverCacheConfig(v.focClient.ConfigSnapshot(), v.config.Ns, v.config.ClusterSize()); err != nil {
		return errs.New(errs.FailOverCache, "volume.CheckAndFixFailOverCache", err)
	}
	v.focState = OkSync
	return nil
}

// FailOverState returns the volume's current FOC state.
func (v *Volume) FailOverState() FailOverState {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	return v.focState
}

// Config returns a copy of the volume's configuration, guarded only by
// configMu so readers never block behind write_lock/rwlock holders.
func (v *Volume) Config() voltypes.VolumeConfig {
	v.configMu.Lock()
	defer v.configMu.Unlock()
	return v.config
}

// Resize grows lba_count; shrinking is rejected since it would orphan
// already-written clusters without a reclaim pass.
func (v *Volume) Resize(clusters uint64) error {
	v.configMu.Lock()
	defer v.configMu.Unlock()
	if clusters < v.config.LBACount {
		return errs.New(errs.InvalidArgument, "volume.Resize", fmt.Errorf("shrinking a volume is not supported"))
	}
	v.config.LBACount = clusters
	return nil
}

// CheckConsistency reports whether the volume is halted; Volume's
// contribution to checkConsistency is simply surfacing its own halt
// state; BackendTaskRunner's poisoned-task tracking is a separate,
// deeper check (pkg/backendtasks.CheckConsistency).
func (v *Volume) CheckConsistency() error {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	if v.halted {
		return errs.New(errs.Halting, "volume.CheckConsistency", v.haltErr)
	}
	return nil
}

// CreateSnapshot implements §4.1's quiesce/rollover/cork protocol:
// quiesce writes, seal the open SCO and the current TLog, record the
// snapshot boundary against the just-sealed TLog, then resume writes
// into a fresh TLog. No write acknowledged after CreateSnapshot
// returns can appear before the recorded boundary (§5).
func (v *Volume) CreateSnapshot(name string, metadata map[string]string) (snapshot.Snapshot, error) {
	if v.isHalted() {
		return snapshot.Snapshot{}, errs.New(errs.Halting, "volume.CreateSnapshot", errs.ErrVolumeHalted)
	}

	v.writeLock.Lock()
	defer v.writeLock.Unlock()
	v.rwlock.Lock()
	defer v.rwlock.Unlock()

	if err := v.dataStore.CloseCurrentSCO(); err != nil {
		metrics.SnapshotOpsTotal.WithLabelValues("create", "error").Inc()
		return snapshot.Snapshot{}, errs.New(errs.Halting, "volume.CreateSnapshot", err)
	}

	lastTLog, err := v.rotateTLogLocked()
	if err != nil {
		metrics.SnapshotOpsTotal.WithLabelValues("create", "error").Inc()
		return snapshot.Snapshot{}, err
	}

	snap, err := v.snapshots.Create(name, metadata, lastTLog)
	if err != nil {
		metrics.SnapshotOpsTotal.WithLabelValues("create", "error").Inc()
		return snapshot.Snapshot{}, errs.New(errs.InvalidArgument, "volume.CreateSnapshot", err)
	}

	metrics.SnapshotOpsTotal.WithLabelValues("create", "ok").Inc()
	return snap, nil
}

// DeleteSnapshot removes a snapshot entry; it does not reclaim the
// TLogs/SCOs it covered, that is GarbageCollector's job once a later
// scrub supersedes them.
func (v *Volume) DeleteSnapshot(name string) error {
	v.rwlock.Lock()
	defer v.rwlock.Unlock()

	if err := v.snapshots.Delete(name); err != nil {
		metrics.SnapshotOpsTotal.WithLabelValues("delete", "error").Inc()
		return errs.New(errs.InvalidArgument, "volume.DeleteSnapshot", err)
	}
	metrics.SnapshotOpsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// RestoreSnapshot truncates the snapshot list back to name, discarding
// its successors — the in-process half of a rollback; the caller is
// responsible for actually rewinding data (not modeled here since this
// Volume has no "undo writes past a boundary" primitive of its own).
func (v *Volume) RestoreSnapshot(name string) error {
	v.rwlock.Lock()
	defer v.rwlock.Unlock()

	if err := v.snapshots.TruncateAfter(name); err != nil {
		metrics.SnapshotOpsTotal.WithLabelValues("restore", "error").Inc()
		return errs.New(errs.InvalidArgument, "volume.RestoreSnapshot", err)
	}
	metrics.SnapshotOpsTotal.WithLabelValues("restore", "ok").Inc()
	return nil
}

// ListSnapshots returns this volume's snapshots, oldest first.
func (v *Volume) ListSnapshots() []snapshot.Snapshot {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	return v.snapshots.List()
}

// ReadClusterAt reads the raw bytes stored at loc, bypassing
// MetaDataStore/hash verification entirely — the primitive an
// out-of-process scrub.Run or metadatastore.Rebuild pass needs to
// fetch a cluster's current bytes by physical location rather than by
// CA. buf must be exactly this volume's ClusterSize.
func (v *Volume) ReadClusterAt(loc voltypes.ClusterLocation, buf []byte) error {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	return v.dataStore.Read(loc, buf)
}

// scrubScratchDir is where an out-of-process scrubber working on
// snapshotName writes repacked SCOs and a compacted TLog, and where
// ApplyScrubbingWork later finds them to adopt into this volume's own
// directory.
func (v *Volume) scrubScratchDir(snapshotName string) string {
	return filepath.Join(v.tlogDir, "scrub_scratch_"+snapshotName)
}

// GetScrubbingWork assembles the ScrubWork an out-of-process scrubber
// needs to repack snapshotName's live clusters (§4.6): the TLogs
// covering (previous_snapshot, snapshotName] in backend order, and the
// scratch directory it should write repacked SCOs and a compacted TLog
// into.
func (v *Volume) GetScrubbingWork(snapshotName string) (scrub.ScrubWork, error) {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()

	if _, ok := v.snapshots.Get(snapshotName); !ok {
		return scrub.ScrubWork{}, errs.New(errs.InvalidArgument, "volume.GetScrubbingWork", errs.ErrUnknownSnapshot)
	}

	var prevLastTLog tlog.ID
	for _, s := range v.snapshots.List() {
		if s.Name == snapshotName {
			break
		}
		prevLastTLog = s.LastTLogID
	}
	snap, _ := v.snapshots.Get(snapshotName)

	paths, err := v.tlogRangeLocked(prevLastTLog, snap.LastTLogID)
	if err != nil {
		return scrub.ScrubWork{}, errs.New(errs.InvalidArgument, "volume.GetScrubbingWork", err)
	}

	cfg := v.config
	return scrub.ScrubWork{
		BackendConfig:   v.backendKind,
		Namespace:       cfg.Ns,
		VolumeID:        cfg.ID,
		ClusterExponent: cfg.ClusterExponent(),
		ClusterSize:     cfg.ClusterSize(),
		SCOMultiplier:   cfg.SCOMultiplier,
		SnapshotName:    snapshotName,
		TLogPaths:       paths,
		ScratchDir:      v.scrubScratchDir(snapshotName),
	}, nil
}

// tlogRangeLocked returns the sealed TLog paths strictly after from
// (or from the very first sealed TLog if from is the zero ID) through
// and including to, in the order they were sealed. Caller must hold
// rwlock.
func (v *Volume) tlogRangeLocked(from, to tlog.ID) ([]string, error) {
	var zero tlog.ID
	start := 0
	if from != zero {
		idx := -1
		for i, id := range v.sealedTLogIDs {
			if id == from {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("tlog %s not found in sealed history", from)
		}
		start = idx + 1
	}

	endIdx := -1
	for i, id := range v.sealedTLogIDs {
		if id == to {
			endIdx = i
			break
		}
	}
	if endIdx < 0 {
		return nil, fmt.Errorf("tlog %s not found in sealed history", to)
	}

	paths := make([]string, 0, endIdx-start+1)
	for _, id := range v.sealedTLogIDs[start : endIdx+1] {
		paths = append(paths, fmt.Sprintf("%s/tlog_%s", v.tlogDir, id.String()))
	}
	return paths, nil
}

// SealedTLogPaths returns every TLog this volume has sealed, oldest
// first — the full backend-order history metadatastore.Rebuild (§4.4)
// replays to reconstruct a lost MetaDataStore from scratch.
func (v *Volume) SealedTLogPaths() []string {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	paths := make([]string, len(v.sealedTLogIDs))
	for i, id := range v.sealedTLogIDs {
		paths[i] = fmt.Sprintf("%s/tlog_%s", v.tlogDir, id.String())
	}
	return paths
}

// ApplyScrubbingWork is the in-process consumer half of §4.6: it
// adopts the scratch SCOs a scrub pass produced into this volume's own
// SCO numbering, then applies the (remapped) relocation log to
// MetaDataStore and SnapshotManagement via scrub.ApplyResult. collector
// may be nil if the caller has no GarbageCollector wired.
func (v *Volume) ApplyScrubbingWork(result scrub.Result, collector *gc.Collector) error {
	if v.isHalted() {
		return errs.New(errs.Halting, "volume.ApplyScrubbingWork", errs.ErrVolumeHalted)
	}

	timer := metrics.NewTimer()
	v.writeLock.Lock()
	defer v.writeLock.Unlock()
	v.rwlock.Lock()
	defer v.rwlock.Unlock()

	remapped, err := v.adoptScrubbedSCOsLocked(result.SnapshotName, result.Relocations.Relocations)
	if err != nil {
		metrics.ScrubApplyTotal.WithLabelValues("error").Inc()
		return errs.New(errs.ScrubApply, "volume.ApplyScrubbingWork", err)
	}
	result.Relocations.Relocations = remapped

	if err := scrub.ApplyResult(result, v.snapshots, v.metaStore, 0, collector); err != nil {
		metrics.ScrubApplyTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.ScrubApplyTotal.WithLabelValues("ok").Inc()
	timer.ObserveDuration(metrics.ScrubApplyDuration)
	return nil
}

// adoptScrubbedSCOsLocked moves each distinct scratch SCO a scrub pass
// produced for snapshotName into this volume's own directory under a
// freshly reserved SCONumber, and rewrites relocs to point at the
// numbers the files actually landed at — the scrubber's own scratch
// numbering is private to its own directory and must never collide
// with this volume's live DataStore counter. Caller must hold
// write_lock and rwlock.
func (v *Volume) adoptScrubbedSCOsLocked(snapshotName string, relocs []metadatastore.Relocation) ([]metadatastore.Relocation, error) {
	scratchDir := v.scrubScratchDir(snapshotName)
	remap := make(map[voltypes.SCONumber]voltypes.SCONumber)
	out := make([]metadatastore.Relocation, len(relocs))

	for i, r := range relocs {
		newNum, ok := remap[r.New.SCONumber]
		if !ok {
			scratchPath := filepath.Join(scratchDir, fmt.Sprintf("%d_0.sco", r.New.SCONumber))
			var err error
			newNum, err = v.dataStore.AdoptSCO(scratchPath)
			if err != nil {
				return nil, err
			}
			remap[r.New.SCONumber] = newNum
		}
		out[i] = metadatastore.Relocation{
			CA:  r.CA,
			Old: r.Old,
			New: voltypes.ClusterLocation{SCONumber: newNum, CloneID: 0, Offset: r.New.Offset},
		}
	}
	return out, nil
}

// Destroy halts the volume and optionally removes its local and/or
// backend state. Backend removal is left to the caller's
// BackendTaskRunner/GarbageCollector wiring; this only tears down the
// in-process handles.
func (v *Volume) Destroy(deleteLocal bool) error {
	v.rwlock.Lock()
	defer v.rwlock.Unlock()

	v.halted = true
	if v.focClient != nil {
		_ = v.focClient.Unregister()
		_ = v.focClient.Close()
	}
	if err := v.metaStore.Close(); err != nil {
		return errs.New(errs.Halting, "volume.Destroy", err)
	}
	return nil
}
