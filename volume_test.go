package persistit

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVolumeCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.vol")

	v, err := CreateVolume(path, "test", 1, 4096, nil)
	require.NoError(t, err)

	addr, err := v.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageAddress(1), addr)

	data := make([]byte, 4096)
	data[0] = 0xAB
	require.NoError(t, v.WritePage(1, addr, data))
	require.NoError(t, v.Close())

	v2, err := OpenVolume(path, nil)
	require.NoError(t, err)
	defer v2.Close()

	require.Equal(t, "test", v2.Name())
	require.Equal(t, int32(1), v2.ID())
	require.Equal(t, 4096, v2.PageSize())

	got, err := v2.ReadPage(1, addr, 4096)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), got[0])

	addr2, err := v2.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageAddress(2), addr2)
}

func TestVolumeFreePageReusedByAllocate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.vol")
	v, err := CreateVolume(path, "test", 1, 1024, nil)
	require.NoError(t, err)
	defer v.Close()

	a, err := v.AllocatePage()
	require.NoError(t, err)
	b, err := v.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, v.FreePage(a))

	reused, err := v.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, a, reused)
	require.NotEqual(t, b, reused)
}

func TestVolumeMarkSuspectRefusesOperations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.vol")
	v, err := CreateVolume(path, "test", 1, 1024, nil)
	require.NoError(t, err)
	defer v.Close()

	v.MarkSuspect(errors.New("simulated corruption"))
	_, err = v.AllocatePage()
	require.ErrorIs(t, err, ErrSuspect)

	v.Repair()
	_, err = v.AllocatePage()
	require.NoError(t, err)
}
