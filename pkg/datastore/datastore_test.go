package datastore

import (
	"testing"

	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/stretchr/testify/require"
)

func testConfig() voltypes.VolumeConfig {
	cfg := voltypes.DefaultVolumeConfig("vol1", "ns1")
	cfg.SCOMultiplier = 2 // small, so rollover is easy to trigger in tests
	cfg.MaxNonDisposableFactor = 1.0
	return cfg
}

func TestAllocateAndRead(t *testing.T) {
	cfg := testConfig()
	var rolled []voltypes.SCONumber
	ds, err := Open(t.TempDir(), cfg, 0, func(sco voltypes.SCONumber, path string, size uint64) {
		rolled = append(rolled, sco)
	})
	require.NoError(t, err)

	data := make([]byte, cfg.ClusterSize())
	for i := range data {
		data[i] = byte(i)
	}

	loc, hash, err := ds.Allocate(data, 0)
	require.NoError(t, err)
	require.Equal(t, voltypes.SCONumber(0), loc.SCONumber)
	require.Equal(t, uint8(0), loc.Offset)
	require.False(t, hash.IsZero())

	got := make([]byte, cfg.ClusterSize())
	require.NoError(t, ds.Read(loc, got))
	require.Equal(t, data, got)
}

func TestRolloverOnSCOFull(t *testing.T) {
	cfg := testConfig()
	var rolled []voltypes.SCONumber
	ds, err := Open(t.TempDir(), cfg, 0, func(sco voltypes.SCONumber, path string, size uint64) {
		rolled = append(rolled, sco)
	})
	require.NoError(t, err)

	data := make([]byte, cfg.ClusterSize())

	loc0, _, err := ds.Allocate(data, 0)
	require.NoError(t, err)
	loc1, _, err := ds.Allocate(data, 0)
	require.NoError(t, err)
	require.Equal(t, loc0.SCONumber, loc1.SCONumber, "sco_multiplier=2 should not roll yet")

	loc2, _, err := ds.Allocate(data, 0)
	require.NoError(t, err)
	require.NotEqual(t, loc0.SCONumber, loc2.SCONumber, "third cluster must land in a new sco")
	require.Len(t, rolled, 1)
	require.Equal(t, loc0.SCONumber, rolled[0])
}

func TestAllocateRejectsWrongSize(t *testing.T) {
	cfg := testConfig()
	ds, err := Open(t.TempDir(), cfg, 0, nil)
	require.NoError(t, err)

	_, _, err = ds.Allocate([]byte("short"), 0)
	require.Error(t, err)
}

func TestThrottling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNonDisposableFactor = 0 // any sealed sco trips the throttle
	ds, err := Open(t.TempDir(), cfg, 0, nil)
	require.NoError(t, err)

	data := make([]byte, cfg.ClusterSize())
	require.False(t, ds.Throttled())

	_, _, err = ds.Allocate(data, 0)
	require.NoError(t, err)
	_, _, err = ds.Allocate(data, 0)
	require.NoError(t, err)
	_, _, err = ds.Allocate(data, 0) // triggers rollover of the first sco
	require.NoError(t, err)

	require.True(t, ds.Throttled())
}

func TestCloseCurrentSCO(t *testing.T) {
	cfg := testConfig()
	var rolled []voltypes.SCONumber
	ds, err := Open(t.TempDir(), cfg, 0, func(sco voltypes.SCONumber, path string, size uint64) {
		rolled = append(rolled, sco)
	})
	require.NoError(t, err)

	require.NoError(t, ds.CloseCurrentSCO(), "closing an empty sco is a no-op")
	require.Len(t, rolled, 0)

	data := make([]byte, cfg.ClusterSize())
	_, _, err = ds.Allocate(data, 0)
	require.NoError(t, err)

	require.NoError(t, ds.CloseCurrentSCO())
	require.Len(t, rolled, 1)
}
