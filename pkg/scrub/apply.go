package scrub

import (
	"github.com/cuemby/voldrv/pkg/errs"
	"github.com/cuemby/voldrv/pkg/gc"
	"github.com/cuemby/voldrv/pkg/metadatastore"
	"github.com/cuemby/voldrv/pkg/snapshot"
	"github.com/cuemby/voldrv/pkg/voltypes"
)

// ResultLoader fetches a scrub Result by the object name a ScrubReply
// points at. Volumes supply this backed by their BackendIface; it is
// an interface here so Apply never depends on a concrete backend.
type ResultLoader interface {
	LoadScrubResult(name string) (Result, error)
}

// Apply performs the in-process consumer half of §4.6: validate the
// reply against this volume's snapshot state, load the Result it
// points at, and delegate the actual application to ApplyResult.
func Apply(reply ScrubReply, loader ResultLoader, snapshots *snapshot.Manager, meta *metadatastore.Store, cloneID voltypes.CloneID, collector *gc.Collector) error {
	if _, ok := snapshots.Get(reply.SnapshotName); !ok {
		return errs.New(errs.ScrubApply, "scrub.Apply", errs.ErrSnapshotGone)
	}

	result, err := loader.LoadScrubResult(reply.ScrubResultName)
	if err != nil {
		return errs.New(errs.BackendTransient, "scrub.Apply", err)
	}
	if result.Namespace != reply.Namespace || result.SnapshotName != reply.SnapshotName {
		return errs.New(errs.ScrubApply, "scrub.Apply", errs.ErrScrubIdMismatch)
	}
	return ApplyResult(result, snapshots, meta, cloneID, collector)
}

// ApplyResult applies an already-loaded scrub Result: move the
// snapshot's TLog pointer, apply the relocation log to MetaDataStore,
// and on success persist both scrub_ids and enqueue the Garbage set.
//
// Applying the same scrub_id twice is a no-op (idempotent apply,
// invariant in §8). Applying a result for a scrub_id a later scrub has
// already superseded fails with ScrubIdMismatch.
func ApplyResult(result Result, snapshots *snapshot.Manager, meta *metadatastore.Store, cloneID voltypes.CloneID, collector *gc.Collector) error {
	snap, ok := snapshots.Get(result.SnapshotName)
	if !ok {
		return errs.New(errs.ScrubApply, "scrub.ApplyResult", errs.ErrSnapshotGone)
	}

	if snap.HasScrubID && snap.ScrubID == result.Relocations.ScrubID {
		// already applied; no-op per the idempotence invariant.
		return nil
	}

	storedID, hasStored, err := meta.ScrubID()
	if err != nil {
		return err
	}
	if hasStored && snap.HasScrubID && storedID != snap.ScrubID {
		// MetaDataStore and SnapshotManagement disagree about the last
		// applied scrub_id; a newer scrub must have already superseded
		// this one (invariant 4 requires them to track together).
		return errs.New(errs.ScrubApply, "scrub.ApplyResult", errs.ErrScrubIdMismatch)
	}

	if err := meta.ApplyRelocations(cloneID, result.Relocations.ScrubID, result.Relocations.Relocations); err != nil {
		return err
	}

	if err := snapshots.UpdateScrubID(result.SnapshotName, result.Relocations.ScrubID, result.Rewrite.LastID); err != nil {
		return errs.New(errs.ScrubApply, "scrub.ApplyResult", err)
	}

	if collector != nil && len(result.Garbage.ObjectNames) > 0 {
		collector.Queue(result.Garbage)
	}

	return nil
}
