package scocache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/stretchr/testify/require"
)

func TestAdmitAndPath(t *testing.T) {
	mp := &MountPoint{Path: t.TempDir(), CapacityB: 1 << 20, TriggerGap: 1 << 10, BackoffGap: 1 << 15}
	c := New([]*MountPoint{mp}, time.Hour)

	loc := voltypes.ClusterLocation{SCONumber: 1, CloneID: 0}
	path, err := c.Admit("ns1", loc, 4096)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	got, ok := c.Path("ns1", loc.SCOName())
	require.True(t, ok)
	require.Equal(t, path, got)
}

func TestMarkDisposableAndEvict(t *testing.T) {
	root := t.TempDir()
	mp := &MountPoint{Path: root, CapacityB: 100, TriggerGap: 60, BackoffGap: 90}
	c := New([]*MountPoint{mp}, time.Hour)

	loc := voltypes.ClusterLocation{SCONumber: 1}
	path, err := c.Admit("ns1", loc, 50)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, c.MarkDisposable("ns1", loc.SCOName()))

	// Free space (50) is below TriggerGap (60): cleaner should evict.
	c.clean()

	_, ok := c.Path("ns1", loc.SCOName())
	require.False(t, ok, "disposable sco under trigger gap should have been evicted")

	_, err = os.Stat(filepath.Join(root, "ns1", loc.SCOName()))
	require.True(t, os.IsNotExist(err))
}

func TestNonDisposableNeverEvicted(t *testing.T) {
	root := t.TempDir()
	mp := &MountPoint{Path: root, CapacityB: 100, TriggerGap: 60, BackoffGap: 90}
	c := New([]*MountPoint{mp}, time.Hour)

	loc := voltypes.ClusterLocation{SCONumber: 1}
	path, err := c.Admit("ns1", loc, 50)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	c.clean()

	_, ok := c.Path("ns1", loc.SCOName())
	require.True(t, ok, "non-disposable sco must never be evicted")
}
