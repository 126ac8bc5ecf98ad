package failover

import (
	"testing"

	"github.com/cuemby/voldrv/pkg/voltypes"
	"github.com/stretchr/testify/require"
)

func TestServerNamespaceIsolation(t *testing.T) {
	addr := startTestServer(t)

	c1 := NewClient(Config{Addr: addr, Mode: Sync}, nil)
	require.NoError(t, c1.SetFailOverCacheConfig(Config{Addr: addr, Mode: Sync}, "ns1", 4096))
	require.NoError(t, c1.AddEntries([]Entry{{Location: voltypes.ClusterLocation{SCONumber: 1}, Data: []byte("a")}}))

	c2 := NewClient(Config{Addr: addr, Mode: Sync}, nil)
	require.NoError(t, c2.SetFailOverCacheConfig(Config{Addr: addr, Mode: Sync}, "ns2", 4096))

	got2, err := c2.GetEntries()
	require.NoError(t, err)
	require.Len(t, got2, 0, "ns2 must not see ns1's entries")

	got1, err := c1.GetEntries()
	require.NoError(t, err)
	require.Len(t, got1, 1)
}

func TestServerGetSCORange(t *testing.T) {
	addr := startTestServer(t)
	c := NewClient(Config{Addr: addr, Mode: Sync}, nil)
	require.NoError(t, c.SetFailOverCacheConfig(Config{Addr: addr, Mode: Sync}, "ns1", 4096))

	require.NoError(t, c.AddEntries([]Entry{{Location: voltypes.ClusterLocation{SCONumber: 3}, Data: []byte("a")}}))
	require.NoError(t, c.AddEntries([]Entry{{Location: voltypes.ClusterLocation{SCONumber: 7}, Data: []byte("b")}}))

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	require.NoError(t, WriteSimple(conn, OpGetSCORange))
	reply, err := ReadGetSCORangeReply(conn)
	require.NoError(t, err)
	require.Equal(t, voltypes.SCONumber(3), reply.Oldest)
	require.Equal(t, voltypes.SCONumber(7), reply.Newest)
	_, err = ReadStatus(conn)
	require.NoError(t, err)
}
