package tlog

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestWriteSealReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tlog1")
	id := NewID()

	w, err := Create(path, id)
	require.NoError(t, err)

	loc := voltypes.ClusterLocation{SCONumber: 5, Offset: 2}
	entry := ClusterEntry{CRC: ClusterCRC([]byte("clusterdata")), CA: 3, Location: loc}
	require.NoError(t, w.AppendCluster(entry))
	require.NoError(t, w.AppendSCOCRC(SCOCRCMark{SCONumber: 5, CRC: 0xdeadbeef}))
	require.NoError(t, w.AppendSyncToTC(SyncToTCMark{Cork: uuid.New()}))
	require.NoError(t, w.Seal())

	ok, err := VerifyTerminator(path)
	require.NoError(t, err)
	require.True(t, ok, "terminator CRC must match the preceding records")

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	rec1, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TagCluster, rec1.Tag)
	require.Equal(t, entry.CA, rec1.Cluster.CA)
	require.Equal(t, entry.Location, rec1.Cluster.Location)

	rec2, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TagSCOCRC, rec2.Tag)
	require.Equal(t, uint32(5), uint32(rec2.SCOCRC.SCONumber))

	rec3, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TagSyncToTC, rec3.Tag)

	rec4, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TagTLogCRC, rec4.Tag)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestLocationPacking(t *testing.T) {
	loc := voltypes.ClusterLocation{SCONumber: 1<<24 - 1, Offset: 255}
	packed := packLocation(loc)
	got := unpackLocation(packed)
	require.Equal(t, loc.SCONumber, got.SCONumber)
	require.Equal(t, loc.Offset, got.Offset)
}
