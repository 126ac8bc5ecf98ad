// Package scrub implements the Scrubber/Apply pipeline of §4.6: an
// out-of-process work producer that rewrites a snapshot range's live
// clusters into packed SCOs, and an in-process Apply step a volume
// runs to adopt the result.
package scrub

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/voldrv/pkg/datastore"
	"github.com/cuemby/voldrv/pkg/gc"
	"github.com/cuemby/voldrv/pkg/metadatastore"
	"github.com/cuemby/voldrv/pkg/tlog"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/google/uuid"
)

// ClusterReader fetches the bytes currently stored at loc into buf
// (exactly ClusterSize long), so Run can repack live clusters without
// depending on any concrete backend. The caller wires this against
// whatever DataStore (and, for a clone, ancestor chain) the namespace
// being scrubbed actually reads through.
type ClusterReader func(loc voltypes.ClusterLocation, buf []byte) error

// ScrubWork is the unit of work handed to an out-of-process scrubber.
type ScrubWork struct {
	BackendConfig   string
	Namespace       string
	VolumeID        string
	ClusterExponent uint8
	ClusterSize     uint32
	SCOMultiplier   uint32
	SnapshotName    string

	// TLogPaths are the sealed TLogs covering (prev_snapshot, snapshot],
	// in backend order — the exact range §4.6 says Run replays.
	TLogPaths []string

	// ScratchDir is where Run writes the repacked SCOs and the new,
	// compacted TLog summarizing them.
	ScratchDir string
}

// RelocationLog is the scrubber's CA rewrite plan, tagged with the
// fresh scrub_id it establishes on apply.
type RelocationLog struct {
	ScrubID     uuid.UUID
	Relocations []metadatastore.Relocation
}

// TLogRewrite is the replacement TLog sequence for the scrubbed
// snapshot: the scrubber consumed OldIDs and produced NewIDs covering
// the same logical range, packed into fewer, denser SCOs.
type TLogRewrite struct {
	OldIDs []tlog.ID
	NewIDs []tlog.ID
	LastID tlog.ID // the new last TLog the snapshot should point at
}

// Result is everything one scrub run produces, prior to being
// persisted as a ScrubReply's referenced object.
type Result struct {
	Namespace    string
	SnapshotName string
	Relocations  RelocationLog
	Rewrite      TLogRewrite
	Garbage      gc.Garbage
}

// fillRatio is the SCO packing target the scrubber aims for when
// repacking live clusters; 1.0 would require perfect bin-packing,
// which the cluster-boundary constraint makes impractical. Run applies
// it to the scratch SCO capacity, so a repacked SCO holds
// floor(sco_multiplier * fillRatio) clusters rather than the source
// volume's full sco_multiplier.
const fillRatio = 0.92

// Run performs one scrub pass: replay work.TLogPaths to find the live
// CA set (the latest location of every cluster address touched in that
// range), fetch each live cluster's current bytes via readCluster,
// repack them densely into fresh SCOs under work.ScratchDir, and log
// the new locations into a single compacted TLog. The old SCOs a
// cluster moved out of become garbage once every live cluster they
// held has been migrated.
func Run(work ScrubWork, readCluster ClusterReader) (Result, error) {
	if work.Namespace == "" || work.SnapshotName == "" {
		return Result{}, fmt.Errorf("scrub: ScrubWork missing namespace or snapshot_name")
	}
	if work.ClusterSize == 0 {
		return Result{}, fmt.Errorf("scrub: ScrubWork missing cluster_size")
	}

	live, oldIDs, err := computeLiveSet(work.TLogPaths)
	if err != nil {
		return Result{}, fmt.Errorf("scrub: replay tlogs: %w", err)
	}

	cas := make([]voltypes.ClusterAddress, 0, len(live))
	for ca := range live {
		cas = append(cas, ca)
	}
	sort.Slice(cas, func(i, j int) bool { return cas[i] < cas[j] })

	capacity := uint32(float64(work.SCOMultiplier) * fillRatio)
	if capacity == 0 {
		capacity = 1
	}
	scratchCfg := voltypes.VolumeConfig{
		LBASize:           work.ClusterSize,
		ClusterMultiplier: 1,
		SCOMultiplier:     capacity,
	}
	ds, err := datastore.Open(work.ScratchDir, scratchCfg, 0, nil)
	if err != nil {
		return Result{}, fmt.Errorf("scrub: open scratch datastore: %w", err)
	}

	newTLogID := tlog.NewID()
	newTLogPath := filepath.Join(work.ScratchDir, fmt.Sprintf("tlog_%s", newTLogID.String()))
	w, err := tlog.Create(newTLogPath, newTLogID)
	if err != nil {
		return Result{}, fmt.Errorf("scrub: create repacked tlog: %w", err)
	}

	buf := make([]byte, work.ClusterSize)
	relocations := make([]metadatastore.Relocation, 0, len(cas))
	garbageSet := make(map[string]struct{})

	for _, ca := range cas {
		old := live[ca]
		if readCluster == nil {
			return Result{}, fmt.Errorf("scrub: no ClusterReader wired to repack CA %d", ca)
		}
		if err := readCluster(old, buf); err != nil {
			return Result{}, fmt.Errorf("scrub: read CA %d at %s: %w", ca, old, err)
		}

		newLoc, _, err := ds.Allocate(buf, 0)
		if err != nil {
			return Result{}, fmt.Errorf("scrub: repack CA %d: %w", ca, err)
		}

		entry := tlog.ClusterEntry{CRC: tlog.ClusterCRC(buf), CA: ca, Location: newLoc}
		if err := w.AppendCluster(entry); err != nil {
			return Result{}, fmt.Errorf("scrub: log repacked CA %d: %w", ca, err)
		}

		relocations = append(relocations, metadatastore.Relocation{CA: ca, Old: old, New: newLoc})
		if old.CloneID == 0 {
			garbageSet[old.SCOName()] = struct{}{}
		}
	}

	if err := ds.CloseCurrentSCO(); err != nil {
		return Result{}, fmt.Errorf("scrub: seal final repacked sco: %w", err)
	}
	if err := w.Seal(); err != nil {
		return Result{}, fmt.Errorf("scrub: seal repacked tlog: %w", err)
	}

	garbageObjects := make([]string, 0, len(garbageSet))
	for name := range garbageSet {
		garbageObjects = append(garbageObjects, name)
	}
	sort.Strings(garbageObjects)

	return Result{
		Namespace:    work.Namespace,
		SnapshotName: work.SnapshotName,
		Relocations: RelocationLog{
			ScrubID:     uuid.New(),
			Relocations: relocations,
		},
		Rewrite: TLogRewrite{
			OldIDs: oldIDs,
			NewIDs: []tlog.ID{newTLogID},
			LastID: newTLogID,
		},
		Garbage: gc.Garbage{
			Namespace:   work.Namespace,
			ObjectNames: garbageObjects,
		},
	}, nil
}

// computeLiveSet replays tlogPaths in order and returns, for each
// ClusterAddress touched, the location its most recent entry pointed
// at — the live set §4.6 describes — plus the ordered TLog IDs that
// range comprises.
func computeLiveSet(tlogPaths []string) (map[voltypes.ClusterAddress]voltypes.ClusterLocation, []tlog.ID, error) {
	live := make(map[voltypes.ClusterAddress]voltypes.ClusterLocation)
	ids := make([]tlog.ID, 0, len(tlogPaths))

	for _, path := range tlogPaths {
		id, err := tlogIDFromPath(path)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)

		if err := func() error {
			r, err := tlog.Open(path)
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
				if rec.Tag == tlog.TagCluster {
					live[rec.Cluster.CA] = rec.Cluster.Location
				}
			}
		}(); err != nil {
			return nil, nil, fmt.Errorf("tlog %s: %w", path, err)
		}
	}
	return live, ids, nil
}

// tlogIDFromPath recovers a TLog's ID from the tlog_<uuid> filename
// convention volume.openNewTLogLocked writes.
func tlogIDFromPath(path string) (tlog.ID, error) {
	name := filepath.Base(path)
	const prefix = "tlog_"
	if !strings.HasPrefix(name, prefix) {
		return tlog.ID{}, fmt.Errorf("scrub: %q is not a tlog_<id> file", name)
	}
	return tlog.ParseID(strings.TrimPrefix(name, prefix))
}
