package failover

import (
	"bytes"
	"testing"

	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/stretchr/testify/require"
)

func TestRegisterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRegister(&buf, RegisterRequest{Namespace: "ns1", ClusterSize: 4096}))

	op, err := ReadOpCode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpRegister, op)

	req, err := ReadRegister(&buf)
	require.NoError(t, err)
	require.Equal(t, "ns1", req.Namespace)
	require.Equal(t, uint32(4096), req.ClusterSize)
}

func TestAddEntriesRoundTrip(t *testing.T) {
	entries := []Entry{
		{Location: voltypes.ClusterLocation{SCONumber: 7, Offset: 0}, LBA: 1, Data: []byte("abcd")},
		{Location: voltypes.ClusterLocation{SCONumber: 7, Offset: 1}, LBA: 2, Data: []byte("efgh")},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteAddEntries(&buf, entries))

	op, err := ReadOpCode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpAddEntries, op)

	got, err := ReadAddEntries(&buf)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestAddEntriesRejectsMixedSCO(t *testing.T) {
	entries := []Entry{
		{Location: voltypes.ClusterLocation{SCONumber: 1}, Data: []byte("x")},
		{Location: voltypes.ClusterLocation{SCONumber: 2}, Data: []byte("y")},
	}
	var buf bytes.Buffer
	require.Error(t, WriteAddEntries(&buf, entries))
}

func TestStatusRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStatus(&buf, NotOk))
	got, err := ReadStatus(&buf)
	require.NoError(t, err)
	require.Equal(t, NotOk, got)
}

func TestGetSCORangeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	reply := GetSCORangeReply{Oldest: 3, Newest: 99}
	require.NoError(t, WriteGetSCORangeReply(&buf, reply))
	got, err := ReadGetSCORangeReply(&buf)
	require.NoError(t, err)
	require.Equal(t, reply, got)
}

func TestRemoveUpToRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	loc := voltypes.ClusterLocation{SCONumber: 42, Offset: 3, CloneID: 1}
	require.NoError(t, WriteRemoveUpTo(&buf, loc))

	op, err := ReadOpCode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpRemoveUpTo, op)

	got, err := ReadRemoveUpTo(&buf)
	require.NoError(t, err)
	require.Equal(t, loc, got)
}
