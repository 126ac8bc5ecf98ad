package fsbackend

import (
	"bytes"
	"context"
	"testing"

	"github.com/cuemby/voldrv/pkg/backend"
	"github.com/stretchr/testify/require"
)

func TestWriteReadDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	h, err := store.Connect("ns1")
	require.NoError(t, err)
	defer h.Close()

	ctx := context.Background()
	params := backend.DefaultRequestParameters()

	require.NoError(t, h.Write(ctx, "obj1", bytes.NewReader([]byte("hello")), false, params))

	err = h.Write(ctx, "obj1", bytes.NewReader([]byte("again")), false, params)
	require.Error(t, err, "overwrite without the flag must fail")

	require.NoError(t, h.Write(ctx, "obj1", bytes.NewReader([]byte("world")), true, params))

	var buf bytes.Buffer
	require.NoError(t, h.Read(ctx, "obj1", &buf, params))
	require.Equal(t, "world", buf.String())

	partial := make([]byte, 3)
	n, err := h.PartialRead(ctx, "obj1", 1, partial, params)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "orl", string(partial))

	ok, err := h.Exists(ctx, "obj1", params)
	require.NoError(t, err)
	require.True(t, ok)

	objs, err := h.List(ctx, "obj", params)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	require.NoError(t, h.Delete(ctx, "obj1", params))
	require.NoError(t, h.Delete(ctx, "obj1", params), "deleting a missing object is idempotent")

	ok, err = h.Exists(ctx, "obj1", params)
	require.NoError(t, err)
	require.False(t, ok)
}
