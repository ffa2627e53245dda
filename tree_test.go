package persistit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestVolume(t *testing.T) *Volume {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dir.vol")
	v, err := CreateVolume(path, "dirtest", 1, 1024, nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestDirectoryCreateAndLookup(t *testing.T) {
	v := newTestVolume(t)
	dir := newDirectory(v)

	tr, err := dir.CreateTree("customers")
	require.NoError(t, err)
	require.Equal(t, TreeCreated, tr.State())
	require.NotZero(t, tr.RootPage())

	got, ok := dir.Lookup("customers")
	require.True(t, ok)
	require.Same(t, tr, got)

	again, err := dir.CreateTree("customers")
	require.NoError(t, err)
	require.Same(t, tr, again)
}

func TestDirectoryRemoveFreesRootPage(t *testing.T) {
	v := newTestVolume(t)
	dir := newDirectory(v)

	tr, err := dir.CreateTree("orders")
	require.NoError(t, err)
	root := tr.RootPage()

	require.NoError(t, dir.Remove("orders"))
	require.Equal(t, TreeRemoved, tr.State())

	reallocated, err := v.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, root, reallocated, "freed root page should be first reused")
}

func TestTreeActivateLifecycle(t *testing.T) {
	v := newTestVolume(t)
	dir := newDirectory(v)
	tr, err := dir.CreateTree("t")
	require.NoError(t, err)
	require.Equal(t, TreeCreated, tr.State())
	tr.Activate()
	require.Equal(t, TreeActive, tr.State())
}
