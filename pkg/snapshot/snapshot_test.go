package snapshot

import (
	"testing"

	"github.com/cuemby/voldrv/pkg/tlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCreateListDelete(t *testing.T) {
	m := NewManager()

	_, err := m.Create("snap1", map[string]string{"k": "v"}, tlog.NewID())
	require.NoError(t, err)

	_, err = m.Create("snap1", nil, tlog.NewID())
	require.Error(t, err, "duplicate snapshot name must fail")

	snap2, err := m.Create("snap2", nil, tlog.NewID())
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, snap2.Cork)

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, "snap1", list[0].Name)

	require.NoError(t, m.Delete("snap1"))
	_, ok := m.Get("snap1")
	require.False(t, ok)

	require.Error(t, m.Delete("snap1"), "deleting twice must fail")
}

func TestTruncateAfter(t *testing.T) {
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		_, err := m.Create(name, nil, tlog.NewID())
		require.NoError(t, err)
	}

	require.NoError(t, m.TruncateAfter("a"))
	list := m.List()
	require.Len(t, list, 1)
	require.Equal(t, "a", list[0].Name)

	require.Error(t, m.TruncateAfter("missing"))
}

func TestUpdateScrubID(t *testing.T) {
	m := NewManager()
	_, err := m.Create("snap1", nil, tlog.NewID())
	require.NoError(t, err)

	scrubID := uuid.New()
	newTLog := tlog.NewID()
	require.NoError(t, m.UpdateScrubID("snap1", scrubID, newTLog))

	got, ok := m.Get("snap1")
	require.True(t, ok)
	require.True(t, got.HasScrubID)
	require.Equal(t, scrubID, got.ScrubID)
	require.Equal(t, newTLog, got.LastTLogID)

	require.Error(t, m.UpdateScrubID("missing", scrubID, newTLog))
}
