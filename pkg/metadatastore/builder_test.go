package metadatastore

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/voldrv/pkg/metadatastore/bboltbackend"
	"github.com/cuemby/voldrv/pkg/tlog"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/cuemby/voldrv/pkg/weed"
	"github.com/stretchr/testify/require"
)

const testClusterSize = 16

func writeTestTLog(t *testing.T, dir string, entries map[voltypes.ClusterAddress]voltypes.ClusterLocation) string {
	t.Helper()
	id := tlog.NewID()
	path := filepath.Join(dir, "tlog_"+id.String())
	w, err := tlog.Create(path, id)
	require.NoError(t, err)
	for ca, loc := range entries {
		require.NoError(t, w.AppendCluster(tlog.ClusterEntry{CA: ca, Location: loc}))
	}
	require.NoError(t, w.Seal())
	return path
}

func TestReplayTLogRecomputesHashFromBytes(t *testing.T) {
	backend, err := bboltbackend.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	store := Open("ns1", backend, 16)

	loc := voltypes.ClusterLocation{SCONumber: 1, Offset: 0}
	want := make([]byte, testClusterSize)
	for i := range want {
		want[i] = byte(i + 1)
	}

	readCluster := func(l voltypes.ClusterLocation, buf []byte) error {
		require.Equal(t, loc, l)
		copy(buf, want)
		return nil
	}

	path := writeTestTLog(t, t.TempDir(), map[voltypes.ClusterAddress]voltypes.ClusterLocation{3: loc})

	b := NewBuilder(store, testClusterSize, readCluster)
	require.NoError(t, b.ReplayTLog(path, 0, "ns1"))

	got, err := store.Get(3)
	require.NoError(t, err)
	require.Equal(t, loc, got.Location)
	require.Equal(t, weed.Compute(want), got.Hash)
}

func TestReplayTLogWithoutReaderLeavesZeroHash(t *testing.T) {
	backend, err := bboltbackend.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	store := Open("ns1", backend, 16)

	loc := voltypes.ClusterLocation{SCONumber: 1, Offset: 0}
	path := writeTestTLog(t, t.TempDir(), map[voltypes.ClusterAddress]voltypes.ClusterLocation{7: loc})

	b := NewBuilder(store, testClusterSize, nil)
	require.NoError(t, b.ReplayTLog(path, 0, "ns1"))

	got, err := store.Get(7)
	require.NoError(t, err)
	require.True(t, got.Hash.IsZero())
}

func TestRebuildReplaysMultipleTLogsInOrderAndTracksLineage(t *testing.T) {
	backend, err := bboltbackend.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	store := Open("clone-ns", backend, 16)

	dir := t.TempDir()
	locA := voltypes.ClusterLocation{SCONumber: 1, Offset: 0}
	locB := voltypes.ClusterLocation{SCONumber: 2, Offset: 0}

	dataByLoc := map[voltypes.ClusterLocation][]byte{
		locA: {1, 2, 3},
		locB: {4, 5, 6},
	}
	readCluster := func(l voltypes.ClusterLocation, buf []byte) error {
		copy(buf, dataByLoc[l])
		return nil
	}

	path1 := writeTestTLog(t, dir, map[voltypes.ClusterAddress]voltypes.ClusterLocation{1: locA})
	path2 := writeTestTLog(t, dir, map[voltypes.ClusterAddress]voltypes.ClusterLocation{1: locB, 2: locA})

	nsMap, err := Rebuild(store, testClusterSize, readCluster, []string{path1, path2}, 0, "clone-ns")
	require.NoError(t, err)
	require.Equal(t, "clone-ns", nsMap.Get(0))

	// CA 1 must reflect path2's later entry (locB), not path1's (locA).
	got, err := store.Get(1)
	require.NoError(t, err)
	require.Equal(t, locB, got.Location)

	got2, err := store.Get(2)
	require.NoError(t, err)
	require.Equal(t, locA, got2.Location)
}
