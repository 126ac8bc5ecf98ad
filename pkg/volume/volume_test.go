package volume

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/voldrv/pkg/failover"
	"github.com/cuemby/voldrv/pkg/metadatastore"
	"github.com/cuemby/voldrv/pkg/metadatastore/bboltbackend"
	"github.com/cuemby/voldrv/pkg/scrub"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/stretchr/testify/require"
)

func newTestVolume(t *testing.T) *Volume {
	t.Helper()
	cfg := voltypes.DefaultVolumeConfig("vol1", "ns1")
	cfg.SCOMultiplier = 4
	cfg.TLogMultiplier = 2

	backend, err := bboltbackend.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	meta := metadatastore.Open(cfg.Ns, backend, 16)

	v, err := Open(cfg, t.TempDir(), meta, nil, "fs", nil)
	require.NoError(t, err)
	return v
}

func newTestVolumeNS(t *testing.T, ns string) *Volume {
	t.Helper()
	cfg := voltypes.DefaultVolumeConfig(ns, ns)
	cfg.SCOMultiplier = 4
	cfg.TLogMultiplier = 2

	backend, err := bboltbackend.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	meta := metadatastore.Open(cfg.Ns, backend, 16)

	v, err := Open(cfg, t.TempDir(), meta, nil, "fs", nil)
	require.NoError(t, err)
	return v
}

func TestWriteReadRoundTrip(t *testing.T) {
	v := newTestVolume(t)
	clusterSize := int(v.Config().ClusterSize())

	buf := make([]byte, clusterSize*2)
	for i := range buf {
		buf[i] = byte(i)
	}

	require.NoError(t, v.Write(0, buf))

	got := make([]byte, clusterSize*2)
	require.NoError(t, v.Read(0, got))
	require.Equal(t, buf, got)
}

func TestReadUnmappedReturnsZeroes(t *testing.T) {
	v := newTestVolume(t)
	clusterSize := int(v.Config().ClusterSize())

	got := make([]byte, clusterSize)
	for i := range got {
		got[i] = 0xff
	}
	require.NoError(t, v.Read(0, got))
	for _, b := range got {
		require.Equal(t, byte(0), b)
	}
}

func TestWriteRejectsMisalignedLBA(t *testing.T) {
	v := newTestVolume(t)
	clusterSize := int(v.Config().ClusterSize())
	buf := make([]byte, clusterSize)
	err := v.Write(1, buf)
	require.Error(t, err)
}

func TestWriteRejectsWrongLength(t *testing.T) {
	v := newTestVolume(t)
	err := v.Write(0, []byte("short"))
	require.Error(t, err)
}

func TestSyncClosesOpenSCO(t *testing.T) {
	v := newTestVolume(t)
	clusterSize := int(v.Config().ClusterSize())
	buf := make([]byte, clusterSize)
	require.NoError(t, v.Write(0, buf))
	require.NoError(t, v.Sync())
}

func TestHaltRejectsFurtherIO(t *testing.T) {
	v := newTestVolume(t)
	v.Halt(errHaltTest)

	clusterSize := int(v.Config().ClusterSize())
	buf := make([]byte, clusterSize)
	require.Error(t, v.Write(0, buf))
	require.Error(t, v.Read(0, buf))
	require.Error(t, v.CheckConsistency())
}

func TestSetFailOverCacheConfigRoundTrip(t *testing.T) {
	v := newTestVolume(t)
	require.Equal(t, OkStandalone, v.FailOverState())

	srv := failover.NewServer()
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)

	err := v.SetFailOverCacheConfig(&failover.Config{Addr: srv.Addr()})
	require.NoError(t, err)
	require.Equal(t, OkSync, v.FailOverState())

	require.NoError(t, v.SetFailOverCacheConfig(nil))
	require.Equal(t, OkStandalone, v.FailOverState())
}

func TestResizeRejectsShrink(t *testing.T) {
	v := newTestVolume(t)
	cfg := v.Config()
	require.NoError(t, v.Resize(cfg.LBACount+100))
	require.Error(t, v.Resize(cfg.LBACount))
}

func TestSnapshotLifecycle(t *testing.T) {
	v := newTestVolume(t)
	clusterSize := int(v.Config().ClusterSize())
	buf := make([]byte, clusterSize)
	require.NoError(t, v.Write(0, buf))

	snap, err := v.CreateSnapshot("snap1", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "snap1", snap.Name)

	snaps := v.ListSnapshots()
	require.Len(t, snaps, 1)

	require.NoError(t, v.RestoreSnapshot("snap1"))
	require.NoError(t, v.DeleteSnapshot("snap1"))
	require.Empty(t, v.ListSnapshots())

	require.Error(t, v.DeleteSnapshot("does-not-exist"))
}

func TestCloneReadFallsThroughToParent(t *testing.T) {
	parent := newTestVolumeNS(t, "parent-ns")
	clusterSize := int(parent.Config().ClusterSize())

	buf := make([]byte, clusterSize)
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	require.NoError(t, parent.Write(0, buf))
	_, err := parent.CreateSnapshot("base", nil)
	require.NoError(t, err)

	childCfg := voltypes.DefaultVolumeConfig("clone1", "clone-ns")
	childCfg.SCOMultiplier = 4
	childCfg.TLogMultiplier = 2
	childCfg.Parent = &voltypes.ParentRef{Namespace: "parent-ns", SnapshotName: "base"}

	childBackend, err := bboltbackend.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { childBackend.Close() })
	childMeta := metadatastore.Open(childCfg.Ns, childBackend, 16)

	child, err := Clone(parent, childCfg, t.TempDir(), childMeta, nil, "fs", nil)
	require.NoError(t, err)

	got := make([]byte, clusterSize)
	require.NoError(t, child.Read(0, got))
	require.Equal(t, buf, got)

	gotLH, err := child.metaStore.Get(0)
	require.NoError(t, err)
	require.True(t, gotLH.Unmapped(), "clone's own metadata store must stay empty on a fallthrough read")
}

func TestScrubGetAndApplyRoundTrip(t *testing.T) {
	v := newTestVolume(t)
	clusterSize := int(v.Config().ClusterSize())

	buf := make([]byte, clusterSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, v.Write(0, buf))

	snap, err := v.CreateSnapshot("snap1", nil)
	require.NoError(t, err)

	work, err := v.GetScrubbingWork("snap1")
	require.NoError(t, err)
	require.Equal(t, "snap1", work.SnapshotName)
	require.NotEmpty(t, work.TLogPaths)

	readCluster := func(loc voltypes.ClusterLocation, out []byte) error {
		return v.dataStore.Read(loc, out)
	}
	result, err := scrub.Run(work, readCluster)
	require.NoError(t, err)
	require.Len(t, result.Relocations.Relocations, 1)

	require.NoError(t, v.ApplyScrubbingWork(result, nil))

	got := make([]byte, clusterSize)
	require.NoError(t, v.Read(0, got))
	require.Equal(t, buf, got)

	snaps := v.ListSnapshots()
	require.Len(t, snaps, 1)
	require.True(t, snaps[0].HasScrubID)
	require.Equal(t, snap.Name, snaps[0].Name)

	// applying the same result again is a no-op, not an error.
	require.NoError(t, v.ApplyScrubbingWork(result, nil))
}

var errHaltTest = &testHaltErr{}

type testHaltErr struct{}

func (*testHaltErr) Error() string { return "test halt" }
