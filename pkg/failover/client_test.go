package failover

import (
	"testing"
	"time"

	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	srv := NewServer()
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)
	return srv.listener.Addr().String()
}

func TestClientRegisterAndAddEntries(t *testing.T) {
	addr := startTestServer(t)
	c := NewClient(Config{Addr: addr, Mode: Sync}, nil)
	require.NoError(t, c.SetFailOverCacheConfig(Config{Addr: addr, Mode: Sync}, "ns1", 4096))

	entries := []Entry{{Location: voltypes.ClusterLocation{SCONumber: 1}, LBA: 0, Data: []byte("data")}}
	require.NoError(t, c.AddEntries(entries))

	got, err := c.GetEntries()
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestClientFlushClearRemoveUpTo(t *testing.T) {
	addr := startTestServer(t)
	c := NewClient(Config{Addr: addr, Mode: Sync}, nil)
	require.NoError(t, c.SetFailOverCacheConfig(Config{Addr: addr, Mode: Sync}, "ns1", 4096))

	entries := []Entry{
		{Location: voltypes.ClusterLocation{SCONumber: 1}, Data: []byte("a")},
		{Location: voltypes.ClusterLocation{SCONumber: 2}, Data: []byte("b")},
	}
	require.NoError(t, c.AddEntries(entries))
	require.NoError(t, c.Flush())

	require.NoError(t, c.RemoveUpTo(voltypes.ClusterLocation{SCONumber: 1}))
	got, err := c.GetEntries()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, voltypes.SCONumber(2), got[0].Location.SCONumber)

	require.NoError(t, c.Clear())
	got, err = c.GetEntries()
	require.NoError(t, err)
	require.Len(t, got, 0)
}

func TestClientDegradesAfterConsecutiveFailures(t *testing.T) {
	var degradedErr error
	c := NewClient(Config{Addr: "127.0.0.1:1", Mode: Sync, MaxConsecutiveFail: 2, DialTimeout: 200 * time.Millisecond},
		func(err error) { degradedErr = err })
	c.namespace = "ns1"

	require.Error(t, c.AddEntries([]Entry{{Data: []byte("x")}}))
	require.False(t, c.IsDegraded())

	require.Error(t, c.AddEntries([]Entry{{Data: []byte("x")}}))
	require.True(t, c.IsDegraded())
	require.Error(t, degradedErr)
}
