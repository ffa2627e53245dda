package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[pageKey][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[pageKey][]byte)} }

func (s *fakeStore) ReadPage(volumeID int32, addr PageAddress, pageSize int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.data[pageKey{volumeID, addr}]; ok {
		out := make([]byte, pageSize)
		copy(out, d)
		return out, nil
	}
	return make([]byte, pageSize), nil
}

func (s *fakeStore) WritePage(volumeID int32, addr PageAddress, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[pageKey{volumeID, addr}] = cp
	return nil
}

func TestPoolGetIsStableUnderCapacityConservation(t *testing.T) {
	store := newFakeStore()
	pool := NewPool(4096, 4, store, store)
	require.Equal(t, 4, pool.Count())

	buf, err := pool.Get(1, 0, true, false)
	require.NoError(t, err)
	buf.SetType(PageTypeData)
	pool.MarkDirty(buf, 10)
	pool.Release(buf, true)

	for i := 0; i < len(pool.slots); i++ {
		require.False(t, pool.slots[i].valid && pool.slots[i].fixed, "slot %d is both resident and pinned after release", i)
	}
}

func TestPoolEvictsLRUWhenFull(t *testing.T) {
	store := newFakeStore()
	pool := NewPool(1024, 2, store, store)

	b0, _ := pool.Get(1, 0, true, false)
	pool.Release(b0, true)
	b1, _ := pool.Get(1, 1, true, false)
	pool.Release(b1, true)

	// Both slots now hold pages 0 and 1. Fetching page 2 must evict one.
	b2, err := pool.Get(1, 2, true, false)
	require.NoError(t, err)
	pool.Release(b2, true)

	require.Equal(t, 2, len(pool.index))
	_, stillHasZero := pool.index[pageKey{1, 0}]
	_, hasTwo := pool.index[pageKey{1, 2}]
	require.True(t, hasTwo)
	require.False(t, stillHasZero, "page 0 should have been evicted as least recently used")
}

func TestPoolHitReturnsResidentPage(t *testing.T) {
	store := newFakeStore()
	pool := NewPool(4096, 2, store, store)

	b, err := pool.Get(1, 5, true, false)
	require.NoError(t, err)
	b.SetType(PageTypeData)
	b.PutValue([]byte("k"), 1, func(dst []byte) { dst[0] = 42 })
	pool.MarkDirty(b, 1)
	pool.Release(b, true)

	b2, err := pool.Get(1, 5, false, false)
	require.NoError(t, err)
	require.Equal(t, PageTypeData, b2.Type())
	find := b2.FindKey([]byte("k"))
	require.True(t, find.Exact)
	pool.Release(b2, false)
}

func TestPoolExhaustedWhenAllPinned(t *testing.T) {
	store := newFakeStore()
	pool := NewPool(1024, 1, store, store)

	b0, err := pool.Get(1, 0, true, false)
	require.NoError(t, err)

	_, err = pool.Get(1, 1, true, false)
	require.ErrorIs(t, err, ErrPoolExhausted)

	pool.Release(b0, true)
}

func TestPoolEvictForgetsWithoutFlush(t *testing.T) {
	store := newFakeStore()
	pool := NewPool(1024, 1, store, store)

	b, _ := pool.Get(1, 7, true, false)
	b.SetType(PageTypeData)
	pool.MarkDirty(b, 5)
	pool.Release(b, true)

	pool.Evict(1, 7)
	require.Empty(t, pool.index)
	_, wasWritten := store.data[pageKey{1, 7}]
	require.False(t, wasWritten)
}
