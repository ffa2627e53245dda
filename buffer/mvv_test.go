package buffer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brimstorage/persistit/txnindex"
)

func TestStoreVersionRoundTrip(t *testing.T) {
	buf := make([]byte, 0, 256)
	used, err := StoreVersion(buf, 0, MakeVersionHandle(200, 0), []byte{0xA, 0xB, 0xC})
	require.NoError(t, err)
	buf = buf[:used]

	require.Equal(t, TypeMVV, buf[0])
	require.Equal(t, uint64(0), binary.BigEndian.Uint64(buf[1:]))
	require.Equal(t, uint16(0), binary.BigEndian.Uint16(buf[9:]))
	require.Equal(t, MakeVersionHandle(200, 0), VersionHandle(binary.BigEndian.Uint64(buf[11:])))
	require.Equal(t, uint16(3), binary.BigEndian.Uint16(buf[19:]))

	out, err := FetchVersion(buf, used, MakeVersionHandle(200, 0), nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0xA, 0xB, 0xC}, out)
}

func TestFetchVersionNotFound(t *testing.T) {
	buf := make([]byte, 0, 256)
	used, err := StoreVersion(buf, 0, MakeVersionHandle(1, 0), []byte("a"))
	require.NoError(t, err)
	buf = buf[:used]
	_, err = FetchVersion(buf, used, MakeVersionHandle(2, 0), nil)
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestStoreVersionSameLengthReplacesInPlace(t *testing.T) {
	buf := make([]byte, 0, 256)
	used, err := StoreVersion(buf, 0, MakeVersionHandle(200, 0), []byte{1, 2, 3})
	require.NoError(t, err)
	used, err = StoreVersion(buf[:used], used, MakeVersionHandle(200, 0), []byte{9, 9, 9})
	require.NoError(t, err)

	var order []VersionHandle
	VisitAllVersions(buf[:used], used, func(vh VersionHandle, length, offset int) bool {
		order = append(order, vh)
		return true
	})
	require.Equal(t, []VersionHandle{0, MakeVersionHandle(200, 0)}, order)
	out, err := FetchVersion(buf[:used], used, MakeVersionHandle(200, 0), nil)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9, 9}, out)
}

func TestStoreVersionReplacementReordersTail(t *testing.T) {
	buf := make([]byte, 0, 512)
	used := 0
	var err error
	used, err = StoreVersion(buf[:used], used, MakeVersionHandle(199, 0), make([]byte, 2))
	require.NoError(t, err)
	used, err = StoreVersion(buf[:used], used, MakeVersionHandle(200, 0), make([]byte, 3))
	require.NoError(t, err)
	used, err = StoreVersion(buf[:used], used, MakeVersionHandle(201, 0), make([]byte, 4))
	require.NoError(t, err)

	order := func() []VersionHandle {
		var o []VersionHandle
		VisitAllVersions(buf[:used], used, func(vh VersionHandle, length, offset int) bool {
			o = append(o, vh)
			return true
		})
		return o
	}

	// Replacing vh=200 with a 2-byte payload moves it to the tail.
	used, err = StoreVersion(buf[:used], used, MakeVersionHandle(200, 0), make([]byte, 2))
	require.NoError(t, err)
	require.Equal(t, []VersionHandle{0, MakeVersionHandle(199, 0), MakeVersionHandle(201, 0), MakeVersionHandle(200, 0)}, order())

	// Replacing vh=200 again, now with a 4-byte payload, keeps it at the tail.
	used, err = StoreVersion(buf[:used], used, MakeVersionHandle(200, 0), make([]byte, 4))
	require.NoError(t, err)
	require.Equal(t, []VersionHandle{0, MakeVersionHandle(199, 0), MakeVersionHandle(201, 0), MakeVersionHandle(200, 0)}, order())
}

func TestStoreVersionInsufficientCapacity(t *testing.T) {
	buf := make([]byte, 0, 8)
	_, err := StoreVersion(buf, 0, MakeVersionHandle(1, 0), make([]byte, 100))
	require.ErrorIs(t, err, ErrInsufficientCapacity)
}

// TestPruneMVVValuesDropsAbortedAndObsoleteVersions exercises §4.4's
// prune rule directly: an aborted version and the implicit primordial
// sentinel are both safely obsolete once a later version has committed
// and is visible to every active transaction, and a key whose sole
// surviving version is itself a prunable anti-value is removed outright.
func TestPruneMVVValuesDropsAbortedAndObsoleteVersions(t *testing.T) {
	idx := txnindex.NewIndex(4)

	aborted := idx.Register(100)
	aborted.IncrementMVVCount()
	idx.Abort(aborted)

	committed := idx.Register(150)
	idx.BeginCommit(committed, 160)
	idx.Commit(committed, 160)

	tombstoneOwner := idx.Register(155)
	tombstoneOwner.IncrementMVVCount()
	idx.BeginCommit(tombstoneOwner, 158)
	idx.Commit(tombstoneOwner, 158)

	idx.Register(170) // kept active so OldestActive() reports 170
	idx.UpdateActiveTransactionCache()

	survivorBuf := make([]byte, 0, 128)
	used, err := StoreVersion(survivorBuf, 0, MakeVersionHandle(aborted.StartTimestamp(), 0), []byte("stale"))
	require.NoError(t, err)
	used, err = StoreVersion(survivorBuf[:used], used, MakeVersionHandle(committed.StartTimestamp(), 0), []byte("visible"))
	require.NoError(t, err)
	survivorBuf = survivorBuf[:used]

	tombstoneBuf := make([]byte, 0, 64)
	used, err = StoreVersion(tombstoneBuf, 0, MakeVersionHandle(tombstoneOwner.StartTimestamp(), 0), nil)
	require.NoError(t, err)
	tombstoneBuf = tombstoneBuf[:used]

	page := NewBuffer(1024, 1, 1)
	page.Reset(PageTypeData)
	require.GreaterOrEqual(t, page.PutValue([]byte("k1"), len(survivorBuf), func(dst []byte) { copy(dst, survivorBuf) }), 0)
	require.GreaterOrEqual(t, page.PutValue([]byte("k2"), len(tombstoneBuf), func(dst []byte) { copy(dst, tombstoneBuf) }), 0)
	require.Equal(t, 2, page.KeyCount())

	tempKey := make([]byte, 0, 32)
	discarded := page.PruneMVVValues(idx, tempKey)
	require.Equal(t, 4, discarded) // k1: primordial+aborted; k2: primordial+tombstone

	require.Equal(t, 1, page.KeyCount())
	require.Equal(t, "k1", string(page.FullKeyAt(0)))

	raw, ok := page.ValueAt(page.TailOffsetAt(0))
	require.True(t, ok)
	var remaining []VersionHandle
	VisitAllVersions(raw, len(raw), func(vh VersionHandle, length, offset int) bool {
		remaining = append(remaining, vh)
		return true
	})
	require.Equal(t, []VersionHandle{MakeVersionHandle(committed.StartTimestamp(), 0)}, remaining)

	require.Equal(t, int32(0), aborted.MVVCount())
	require.Equal(t, int32(0), tombstoneOwner.MVVCount())
}
