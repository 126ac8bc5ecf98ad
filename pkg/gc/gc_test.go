package gc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/voldrv/pkg/backend"
	"github.com/cuemby/voldrv/pkg/backend/fsbackend"
	"github.com/stretchr/testify/require"
)

func putObject(t *testing.T, store *fsbackend.Store, namespace, name string) {
	t.Helper()
	h, err := store.Connect(namespace)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Write(context.Background(), name, strings.NewReader("x"), true, backend.DefaultRequestParameters()))
}

func TestQueueDeletesObject(t *testing.T) {
	store, err := fsbackend.NewStore(t.TempDir())
	require.NoError(t, err)
	putObject(t, store, "ns1", "0_0.sco")

	c := New(store)
	defer c.Stop()

	<-c.Barrier("ns1") // nothing queued yet, should close immediately

	c.Queue(Garbage{Namespace: "ns1", ObjectNames: []string{"0_0.sco"}})
	<-c.Barrier("ns1")

	h, err := store.Connect("ns1")
	require.NoError(t, err)
	defer h.Close()
	exists, err := h.Exists(context.Background(), "0_0.sco", backend.DefaultRequestParameters())
	require.NoError(t, err)
	require.False(t, exists)
}

func TestBarrierWaitsForQueuedWork(t *testing.T) {
	store, err := fsbackend.NewStore(t.TempDir())
	require.NoError(t, err)
	putObject(t, store, "ns1", "a.sco")
	putObject(t, store, "ns1", "b.sco")

	c := New(store)
	defer c.Stop()

	c.Queue(Garbage{Namespace: "ns1", ObjectNames: []string{"a.sco"}})
	c.Queue(Garbage{Namespace: "ns1", ObjectNames: []string{"b.sco"}})

	select {
	case <-c.Barrier("ns1"):
	case <-time.After(2 * time.Second):
		t.Fatal("barrier did not close in time")
	}

	h, err := store.Connect("ns1")
	require.NoError(t, err)
	defer h.Close()
	for _, name := range []string{"a.sco", "b.sco"} {
		exists, err := h.Exists(context.Background(), name, backend.DefaultRequestParameters())
		require.NoError(t, err)
		require.False(t, exists)
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	store, err := fsbackend.NewStore(t.TempDir())
	require.NoError(t, err)
	putObject(t, store, "ns1", "x.sco")
	putObject(t, store, "ns2", "y.sco")

	c := New(store)
	defer c.Stop()

	c.Queue(Garbage{Namespace: "ns1", ObjectNames: []string{"x.sco"}})
	<-c.Barrier("ns1")

	h2, err := store.Connect("ns2")
	require.NoError(t, err)
	defer h2.Close()
	exists, err := h2.Exists(context.Background(), "y.sco", backend.DefaultRequestParameters())
	require.NoError(t, err)
	require.True(t, exists, "ns2's object must survive ns1's barrier")
}

func TestBackoffScheduleMatchesSpec(t *testing.T) {
	require.Equal(t, time.Duration(0), backoffFor(0))
	require.Equal(t, 1*time.Second, backoffFor(1))
	require.Equal(t, 240*time.Second, backoffFor(9))
	require.Equal(t, 300*time.Second, backoffFor(10))
	require.Equal(t, 300*time.Second, backoffFor(50))
}
