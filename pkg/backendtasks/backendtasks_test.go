package backendtasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/voldrv/pkg/backend"
	"github.com/cuemby/voldrv/pkg/backend/fsbackend"
	"github.com/stretchr/testify/require"
)

func writeLocal(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func waitForUpload(t *testing.T, store *fsbackend.Store, namespace, name string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	h, err := store.Connect(namespace)
	require.NoError(t, err)
	defer h.Close()

	for time.Now().Before(deadline) {
		exists, err := h.Exists(context.Background(), name, backend.DefaultRequestParameters())
		require.NoError(t, err)
		if exists {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("object %q never uploaded", name)
}

func TestEnqueueUploadsLeafTask(t *testing.T) {
	localDir := t.TempDir()
	store, err := fsbackend.NewStore(t.TempDir())
	require.NoError(t, err)

	r := New(store)
	defer r.Stop()

	src := writeLocal(t, localDir, "0_0.sco", "sco bytes")
	r.Enqueue("ns1", KindSCOUpload, "0_0.sco", src, nil, nil)

	waitForUpload(t, store, "ns1", "0_0.sco", 2*time.Second)
}

func TestTLogWaitsForItsSCODependency(t *testing.T) {
	localDir := t.TempDir()
	store, err := fsbackend.NewStore(t.TempDir())
	require.NoError(t, err)

	r := New(store)
	defer r.Stop()

	scoSrc := writeLocal(t, localDir, "0_0.sco", "sco bytes")
	tlogSrc := writeLocal(t, localDir, "tlog_1", "tlog bytes")

	scoID := r.Enqueue("ns1", KindSCOUpload, "0_0.sco", scoSrc, nil, nil)
	r.Enqueue("ns1", KindTLogUpload, "tlog_1", tlogSrc, []TaskID{scoID}, nil)

	waitForUpload(t, store, "ns1", "0_0.sco", 2*time.Second)
	waitForUpload(t, store, "ns1", "tlog_1", 2*time.Second)
}

func TestOnUploadedFiresOnSuccess(t *testing.T) {
	localDir := t.TempDir()
	store, err := fsbackend.NewStore(t.TempDir())
	require.NoError(t, err)

	r := New(store)
	defer r.Stop()

	src := writeLocal(t, localDir, "0_0.sco", "data")
	fired := make(chan struct{}, 1)
	r.Enqueue("ns1", KindSCOUpload, "0_0.sco", src, nil, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnUploaded never fired")
	}
}

func TestMissingLocalFilePoisonsTask(t *testing.T) {
	store, err := fsbackend.NewStore(t.TempDir())
	require.NoError(t, err)

	r := New(store)
	defer r.Stop()

	id := r.Enqueue("ns1", KindSCOUpload, "ghost.sco", "/no/such/path", nil, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		report := r.CheckConsistency("ns1")
		if report.Poisoned {
			require.Equal(t, id, *report.FirstPoisonedTask)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task with a missing local file was never marked poisoned")
}

func TestClearPoisonUnblocksQueue(t *testing.T) {
	localDir := t.TempDir()
	store, err := fsbackend.NewStore(t.TempDir())
	require.NoError(t, err)

	r := New(store)
	defer r.Stop()

	badID := r.Enqueue("ns1", KindSCOUpload, "ghost.sco", "/no/such/path", nil, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !r.CheckConsistency("ns1").Poisoned {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, r.CheckConsistency("ns1").Poisoned)

	goodSrc := writeLocal(t, localDir, "0_0.sco", "data")
	r.Enqueue("ns1", KindSCOUpload, "0_0.sco", goodSrc, nil, nil)

	r.ClearPoison("ns1", badID)
	require.False(t, r.CheckConsistency("ns1").Poisoned)

	waitForUpload(t, store, "ns1", "0_0.sco", 2*time.Second)
}
