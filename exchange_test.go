package persistit

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brimstorage/persistit/buffer"
	"github.com/brimstorage/persistit/txnindex"
)

func newTestExchange(t *testing.T) (*Exchange, *Volume, *Tree, *TimestampAllocator, *txnindex.Index) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ex.vol")
	v, err := CreateVolume(path, "ex", 1, 4096, nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	dir := newDirectory(v)
	tr, err := dir.CreateTree("widgets")
	require.NoError(t, err)
	tr.Activate()

	pool := buffer.NewPool(4096, 8, v, v)
	idx := txnindex.NewIndex(0)
	tsAlloc := NewTimestampAllocator(0)

	ex := NewExchange(v, tr, pool, idx, nil)
	return ex, v, tr, tsAlloc, idx
}

func TestExchangeStoreThenFetch(t *testing.T) {
	ex, _, _, tsAlloc, _ := newTestExchange(t)

	res, err := ex.Store([]byte("alpha"), []byte("one"), tsAlloc)
	require.NoError(t, err)
	require.Equal(t, ResultOk, res)

	v, ok, err := ex.Fetch([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", string(v))
}

func TestExchangeFetchMissingKey(t *testing.T) {
	ex, _, _, _, _ := newTestExchange(t)
	_, ok, err := ex.Fetch([]byte("nope"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExchangeRemoveHidesKey(t *testing.T) {
	ex, _, _, tsAlloc, _ := newTestExchange(t)
	_, err := ex.Store([]byte("k"), []byte("v"), tsAlloc)
	require.NoError(t, err)

	_, err = ex.Remove([]byte("k"), tsAlloc)
	require.NoError(t, err)

	_, ok, err := ex.Fetch([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExchangeSnapshotIsolationAcrossTransactions(t *testing.T) {
	ex, v, tr, tsAlloc, idx := newTestExchange(t)

	writer := beginTransaction(tsAlloc, idx)
	ex.SetTransaction(writer)
	_, err := ex.Store([]byte("k"), []byte("committed-later"), tsAlloc)
	require.NoError(t, err)

	reader := NewExchange(v, tr, ex.pool, idx, nil)
	readerTxn := beginTransaction(tsAlloc, idx)
	reader.SetTransaction(readerTxn)
	_, ok, err := reader.Fetch([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok, "reader begun before writer's commit must not see the write")

	_, err = writer.Commit()
	require.NoError(t, err)

	lateReader := NewExchange(v, tr, ex.pool, idx, nil)
	lateReaderTxn := beginTransaction(tsAlloc, idx)
	lateReader.SetTransaction(lateReaderTxn)
	val, ok, err := lateReader.Fetch([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "committed-later", string(val))
}

func TestExchangeTraverseForwardVisitsAllKeys(t *testing.T) {
	ex, _, _, tsAlloc, _ := newTestExchange(t)
	for _, k := range []string{"b", "a", "d", "c"} {
		_, err := ex.Store([]byte(k), []byte(k), tsAlloc)
		require.NoError(t, err)
	}
	var seen []string
	ex.key = NewKey(nil)
	for {
		ok, err := ex.Traverse(DirForward, true)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, string(ex.key.Bytes()))
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, seen)
}

// TestExchangeStoreTriggersSplitAndTraverseCrossesSiblings drives enough
// keys through a small-paged tree to force leaf splits, index-page
// splits, and at least one root promotion, then checks that every key
// survives split propagation (a split that does not update the parent
// strands the sibling's keys), and that Traverse walks the whole
// keyspace in both directions by crossing sibling pages (maintainer
// review comment: Traverse used to stop at the first leaf).
func TestExchangeStoreTriggersSplitAndTraverseCrossesSiblings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ex-split.vol")
	v, err := CreateVolume(path, "ex-split", 1, 512, nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	dir := newDirectory(v)
	tr, err := dir.CreateTree("widgets")
	require.NoError(t, err)
	tr.Activate()

	pool := buffer.NewPool(512, 64, v, v)
	idx := txnindex.NewIndex(0)
	tsAlloc := NewTimestampAllocator(0)
	ex := NewExchange(v, tr, pool, idx, nil)

	const n = 200
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		keys = append(keys, k)
		res, serr := ex.Store([]byte(k), []byte(fmt.Sprintf("value-%04d", i)), tsAlloc)
		require.NoError(t, serr)
		require.Equal(t, ResultOk, res)
	}
	sort.Strings(keys)

	for _, k := range keys {
		val, ok, ferr := ex.Fetch([]byte(k))
		require.NoError(t, ferr)
		require.True(t, ok, "key %q should still be reachable after splits", k)
		require.Equal(t, "value-"+k[4:], string(val))
	}

	var forward []string
	ex.key = NewKey(nil)
	for {
		ok, terr := ex.Traverse(DirForward, true)
		require.NoError(t, terr)
		if !ok {
			break
		}
		forward = append(forward, string(ex.key.Bytes()))
	}
	require.Equal(t, keys, forward)

	var backward []string
	ex.key = NewKey([]byte("key-9999"))
	for {
		ok, terr := ex.Traverse(DirReverse, true)
		require.NoError(t, terr)
		if !ok {
			break
		}
		backward = append(backward, string(ex.key.Bytes()))
	}
	for i, j := 0, len(backward)-1; i < j; i, j = i+1, j-1 {
		backward[i], backward[j] = backward[j], backward[i]
	}
	require.Equal(t, keys, backward)
}
