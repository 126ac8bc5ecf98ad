package scrub

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cuemby/voldrv/pkg/backend/fsbackend"
	"github.com/cuemby/voldrv/pkg/gc"
	"github.com/cuemby/voldrv/pkg/metadatastore"
	"github.com/cuemby/voldrv/pkg/metadatastore/bboltbackend"
	"github.com/cuemby/voldrv/pkg/snapshot"
	"github.com/cuemby/voldrv/pkg/tlog"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/cuemby/voldrv/pkg/weed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	results map[string]Result
}

func (f *fakeLoader) LoadScrubResult(name string) (Result, error) {
	r, ok := f.results[name]
	if !ok {
		return Result{}, fmt.Errorf("scrub result %q not found", name)
	}
	return r, nil
}

func TestScrubReplyRoundTrip(t *testing.T) {
	r := NewScrubReply("ns1", "snap1", "scrub_result_abc")
	s, err := r.Marshal()
	require.NoError(t, err)

	got, err := ParseScrubReply(s)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestParseScrubReplyRejectsWrongVersion(t *testing.T) {
	_, err := ParseScrubReply("version: 1\nnamespace: ns1\n")
	require.Error(t, err)
}

func newTestStore(t *testing.T) *metadatastore.Store {
	t.Helper()
	b, err := bboltbackend.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return metadatastore.Open("ns1", b, 16)
}

func TestApplyIsIdempotent(t *testing.T) {
	meta := newTestStore(t)
	snaps := snapshot.NewManager()
	_, err := snaps.Create("snap1", nil, tlog.NewID())
	require.NoError(t, err)

	ca := voltypes.ClusterAddress(5)
	old := voltypes.ClusterLocation{SCONumber: 1, Offset: 0}
	newLoc := voltypes.ClusterLocation{SCONumber: 2, Offset: 0}
	require.NoError(t, meta.Set(ca, voltypes.ClusterLocationAndHash{Location: old, Hash: weed.Compute([]byte("x"))}))

	result := Result{
		Namespace:    "ns1",
		SnapshotName: "snap1",
		Relocations: RelocationLog{
			ScrubID: uuid.New(),
			Relocations: []metadatastore.Relocation{
				{CA: ca, Old: old, New: newLoc},
			},
		},
		Rewrite: TLogRewrite{LastID: tlog.NewID()},
		Garbage: gc.Garbage{Namespace: "ns1", ObjectNames: []string{"1_0.sco"}},
	}
	loader := &fakeLoader{results: map[string]Result{"scrub_result_1": result}}
	reply := NewScrubReply("ns1", "snap1", "scrub_result_1")

	store, err := fsbackend.NewStore(t.TempDir())
	require.NoError(t, err)
	collector := gc.New(store)
	t.Cleanup(collector.Stop)

	require.NoError(t, Apply(reply, loader, snaps, meta, 0, collector))

	got, err := meta.Get(ca)
	require.NoError(t, err)
	require.Equal(t, newLoc, got.Location)

	snap, ok := snaps.Get("snap1")
	require.True(t, ok)
	require.True(t, snap.HasScrubID)
	require.Equal(t, result.Relocations.ScrubID, snap.ScrubID)

	// second apply of the same reply is a no-op, not an error.
	require.NoError(t, Apply(reply, loader, snaps, meta, 0, collector))
}

func TestRunRepacksLiveSetAndProducesGarbage(t *testing.T) {
	dir := t.TempDir()

	locOld1 := voltypes.ClusterLocation{SCONumber: 1, Offset: 0}
	locOld2 := voltypes.ClusterLocation{SCONumber: 1, Offset: 1}
	locSuperseded := voltypes.ClusterLocation{SCONumber: 2, Offset: 0}

	id1 := tlog.NewID()
	path1 := filepath.Join(dir, "tlog_"+id1.String())
	w1, err := tlog.Create(path1, id1)
	require.NoError(t, err)
	require.NoError(t, w1.AppendCluster(tlog.ClusterEntry{CA: 1, Location: locSuperseded}))
	require.NoError(t, w1.Seal())

	id2 := tlog.NewID()
	path2 := filepath.Join(dir, "tlog_"+id2.String())
	w2, err := tlog.Create(path2, id2)
	require.NoError(t, err)
	require.NoError(t, w2.AppendCluster(tlog.ClusterEntry{CA: 1, Location: locOld1}))
	require.NoError(t, w2.AppendCluster(tlog.ClusterEntry{CA: 2, Location: locOld2}))
	require.NoError(t, w2.Seal())

	dataByLoc := map[voltypes.ClusterLocation][]byte{
		locOld1: {1, 1, 1, 1},
		locOld2: {2, 2, 2, 2},
	}
	readCluster := func(loc voltypes.ClusterLocation, buf []byte) error {
		copy(buf, dataByLoc[loc])
		return nil
	}

	work := ScrubWork{
		Namespace:     "ns1",
		SnapshotName:  "snap1",
		ClusterSize:   4,
		SCOMultiplier: 10,
		TLogPaths:     []string{path1, path2},
		ScratchDir:    filepath.Join(dir, "scratch"),
	}

	result, err := Run(work, readCluster)
	require.NoError(t, err)
	require.Equal(t, "ns1", result.Namespace)
	require.Equal(t, "snap1", result.SnapshotName)
	require.Len(t, result.Relocations.Relocations, 2)
	require.Len(t, result.Rewrite.OldIDs, 2)
	require.Equal(t, []tlog.ID{id1, id2}, result.Rewrite.OldIDs)
	require.Len(t, result.Rewrite.NewIDs, 1)
	require.Equal(t, result.Rewrite.NewIDs[0], result.Rewrite.LastID)

	// CA 1's live location is locOld1 (from the later tlog), so only
	// locOld1's and locOld2's SCO (both SCONumber 1) becomes garbage;
	// locSuperseded's SCO was never live within this range.
	require.Equal(t, []string{"1_0"}, result.Garbage.ObjectNames)
}

func TestApplyRejectsUnknownSnapshot(t *testing.T) {
	meta := newTestStore(t)
	snaps := snapshot.NewManager()
	loader := &fakeLoader{results: map[string]Result{}}
	reply := NewScrubReply("ns1", "does-not-exist", "scrub_result_1")

	err := Apply(reply, loader, snaps, meta, 0, nil)
	require.Error(t, err)
}
