package buffer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func assertStrictlyIncreasing(t *testing.T, b *Buffer) {
	t.Helper()
	var prev []byte
	for i := 0; i < b.KeyCount(); i++ {
		cur := b.fullKeyAt(i)
		if prev != nil {
			require.True(t, string(prev) < string(cur), "keys out of order at %d: %q >= %q", i, prev, cur)
		}
		prev = cur
	}
}

func TestPutValueKeepsKeysOrdered(t *testing.T) {
	b := NewBuffer(4096, 1, 0)
	b.SetType(PageTypeData)

	keys := []string{"banana", "apple", "cherry", "avocado", "blueberry", "date"}
	for _, k := range keys {
		v := []byte("v:" + k)
		idx := b.PutValue([]byte(k), len(v), func(dst []byte) { copy(dst, v) })
		require.GreaterOrEqual(t, idx, 0, "insert of %q failed", k)
	}
	require.Equal(t, len(keys), b.KeyCount())
	assertStrictlyIncreasing(t, b)
}

func TestPutValueReplaceSameKey(t *testing.T) {
	b := NewBuffer(4096, 1, 0)
	b.SetType(PageTypeData)
	b.PutValue([]byte("k1"), 3, func(dst []byte) { copy(dst, []byte{1, 2, 3}) })
	b.PutValue([]byte("k1"), 5, func(dst []byte) { copy(dst, []byte{9, 8, 7, 6, 5}) })
	require.Equal(t, 1, b.KeyCount())
	find := b.FindKey([]byte("k1"))
	require.True(t, find.Exact)
	v, ok := b.ValueAt(find.TailOffset)
	require.True(t, ok)
	require.Equal(t, []byte{9, 8, 7, 6, 5}, v)
}

func TestRemoveKeysRebuildsOrder(t *testing.T) {
	b := NewBuffer(4096, 1, 0)
	b.SetType(PageTypeData)
	for i := 0; i < 10; i++ {
		k := []byte(fmt.Sprintf("k%02d", i))
		b.PutValue(k, 1, func(dst []byte) { dst[0] = byte(i) })
	}
	b.RemoveKeys(3, 6, make([]byte, 0, 64))
	require.Equal(t, 7, b.KeyCount())
	assertStrictlyIncreasing(t, b)
}

func TestSplitPreservesAllKeysAndOrder(t *testing.T) {
	left := NewBuffer(512, 1, 0)
	left.SetType(PageTypeData)
	right := NewBuffer(512, 1, 1)

	var keys []string
	for i := 0; i < 12; i++ {
		k := fmt.Sprintf("key-%03d", i)
		keys = append(keys, k)
		left.PutValue([]byte(k), 4, func(dst []byte) { copy(dst, "data") })
	}

	find := left.FindKey([]byte("key-100"))
	ok := left.Split(right, []byte("key-100"), 4, func(dst []byte) { copy(dst, "NEW!") }, find.Index, make([]byte, 0, 64), SequenceNone, EvenBias)
	require.True(t, ok)

	assertStrictlyIncreasing(t, left)
	assertStrictlyIncreasing(t, right)
	require.Equal(t, left.KeyCount()+right.KeyCount(), 13)
	require.Equal(t, right.addr, left.RightSibling())
}

func TestJoinMergesWhenSmall(t *testing.T) {
	left := NewBuffer(4096, 1, 0)
	left.SetType(PageTypeData)
	right := NewBuffer(4096, 1, 1)
	right.SetType(PageTypeData)

	left.PutValue([]byte("a"), 1, func(dst []byte) { dst[0] = 1 })
	left.PutValue([]byte("b"), 1, func(dst []byte) { dst[0] = 2 })
	right.PutValue([]byte("c"), 1, func(dst []byte) { dst[0] = 3 })
	right.SetRightSibling(99)

	err := left.Join(right, 0, 0, nil, nil, EvenBias)
	require.NoError(t, err)
	require.Equal(t, 3, left.KeyCount())
	require.Equal(t, PageAddress(99), left.RightSibling())
	require.Equal(t, PageTypeGarbage, right.Type())
}

func TestLongRecordRoundTrip(t *testing.T) {
	b := NewBuffer(4096, 1, 0)
	b.SetType(PageTypeData)
	hdr := LongRecordHeader{PageCount: 3, FirstPage: 42, FullLength: 1 << 20}
	idx := b.PutLongRecord([]byte("bigkey"), hdr)
	require.GreaterOrEqual(t, idx, 0)
	find := b.FindKey([]byte("bigkey"))
	require.True(t, find.Exact)
	got, ok := b.LongRecordAt(find.TailOffset)
	require.True(t, ok)
	require.Equal(t, hdr, got)
}
