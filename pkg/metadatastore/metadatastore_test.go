package metadatastore

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/voldrv/pkg/metadatastore/bboltbackend"
	"github.com/cuemby/voldrv/pkg/metadatastore/buntdbbackend"
	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/cuemby/voldrv/pkg/weed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func withEachBackend(t *testing.T, fn func(t *testing.T, b PageBackend)) {
	t.Run("bbolt", func(t *testing.T) {
		b, err := bboltbackend.Open(filepath.Join(t.TempDir(), "meta.db"))
		require.NoError(t, err)
		defer b.Close()
		fn(t, b)
	})
	t.Run("buntdb", func(t *testing.T) {
		b, err := buntdbbackend.Open(filepath.Join(t.TempDir(), "meta.bunt"))
		require.NoError(t, err)
		defer b.Close()
		fn(t, b)
	})
}

func TestGetSetRoundTrip(t *testing.T) {
	withEachBackend(t, func(t *testing.T, backend PageBackend) {
		store := Open("ns1", backend, 4)

		ca := voltypes.ClusterAddress(PageSize + 7) // exercise page indexing
		loc := voltypes.ClusterLocation{SCONumber: 9, Offset: 3}
		hash := weed.Compute([]byte("hello"))

		got, err := store.Get(ca)
		require.NoError(t, err)
		require.True(t, got.Unmapped())

		require.NoError(t, store.Set(ca, voltypes.ClusterLocationAndHash{Location: loc, Hash: hash}))

		got, err = store.Get(ca)
		require.NoError(t, err)
		require.Equal(t, loc, got.Location)
		require.Equal(t, hash, got.Hash)
	})
}

func TestApplyRelocationsIdempotent(t *testing.T) {
	withEachBackend(t, func(t *testing.T, backend PageBackend) {
		store := Open("ns1", backend, 16)

		old := voltypes.ClusterLocation{SCONumber: 1, Offset: 0}
		newLoc := voltypes.ClusterLocation{SCONumber: 2, Offset: 0}
		ca := voltypes.ClusterAddress(5)
		require.NoError(t, store.Set(ca, voltypes.ClusterLocationAndHash{Location: old}))

		scrubID := uuid.New()
		relocs := []Relocation{{CA: ca, Old: old, New: newLoc}}

		require.NoError(t, store.ApplyRelocations(0, scrubID, relocs))
		got, err := store.Get(ca)
		require.NoError(t, err)
		require.Equal(t, newLoc, got.Location)

		id, ok, err := store.ScrubID()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, scrubID, id)

		// second apply with the same scrub_id is a no-op.
		require.NoError(t, store.ApplyRelocations(0, scrubID, relocs))
		got2, err := store.Get(ca)
		require.NoError(t, err)
		require.Equal(t, newLoc, got2.Location)
	})
}

func TestApplyRelocationsSkipsSupersededWrite(t *testing.T) {
	withEachBackend(t, func(t *testing.T, backend PageBackend) {
		store := Open("ns1", backend, 16)

		old := voltypes.ClusterLocation{SCONumber: 1, Offset: 0}
		supersede := voltypes.ClusterLocation{SCONumber: 99, Offset: 0}
		newLoc := voltypes.ClusterLocation{SCONumber: 2, Offset: 0}
		ca := voltypes.ClusterAddress(5)

		require.NoError(t, store.Set(ca, voltypes.ClusterLocationAndHash{Location: old}))
		require.NoError(t, store.Set(ca, voltypes.ClusterLocationAndHash{Location: supersede}))

		relocs := []Relocation{{CA: ca, Old: old, New: newLoc}}
		require.NoError(t, store.ApplyRelocations(0, uuid.New(), relocs))

		got, err := store.Get(ca)
		require.NoError(t, err)
		require.Equal(t, supersede, got.Location, "superseded CA must not be overwritten by a stale relocation")
	})
}

func TestCorkUnCork(t *testing.T) {
	withEachBackend(t, func(t *testing.T, backend PageBackend) {
		store := Open("ns1", backend, 4)
		id := uuid.New()
		require.NoError(t, store.Cork(id))
		require.Error(t, store.Cork(uuid.New()), "double cork must fail")
		require.Error(t, store.UnCorkAndTrySync(uuid.New()), "mismatched uncork must fail")
		require.NoError(t, store.UnCorkAndTrySync(id))
	})
}
