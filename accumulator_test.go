package persistit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brimstorage/persistit/txnindex"
)

func TestAccumulatorSumVisibleAcrossCommits(t *testing.T) {
	tsAlloc := NewTimestampAllocator(0)
	idx := txnindex.NewIndex(0)
	acc := NewAccumulator(AccumSum, idx)

	var txns []*Transaction
	for i := 0; i < 5; i++ {
		txn := beginTransaction(tsAlloc, idx)
		acc.Update(txn, 1)
		txns = append(txns, txn)
	}
	for _, txn := range txns {
		_, err := txn.Commit()
		require.NoError(t, err)
	}

	reader := beginTransaction(tsAlloc, idx)
	sum, ok := acc.Snapshot(reader.StartTimestamp(), reader.StartTimestamp())
	require.True(t, ok)
	require.EqualValues(t, 5, sum)
}

func TestAccumulatorHidesUncommittedAndAbortedDeltas(t *testing.T) {
	tsAlloc := NewTimestampAllocator(0)
	idx := txnindex.NewIndex(0)
	acc := NewAccumulator(AccumSum, idx)

	committed := beginTransaction(tsAlloc, idx)
	acc.Update(committed, 10)
	_, err := committed.Commit()
	require.NoError(t, err)

	aborted := beginTransaction(tsAlloc, idx)
	acc.Update(aborted, 100)
	aborted.Rollback()

	stillOpen := beginTransaction(tsAlloc, idx)
	acc.Update(stillOpen, 1000)

	reader := beginTransaction(tsAlloc, idx)
	sum, ok := acc.Snapshot(reader.StartTimestamp(), reader.StartTimestamp())
	require.True(t, ok)
	require.EqualValues(t, 10, sum)
}

func TestAccumulatorMaxFold(t *testing.T) {
	tsAlloc := NewTimestampAllocator(0)
	idx := txnindex.NewIndex(0)
	acc := NewAccumulator(AccumMax, idx)

	for _, v := range []int64{3, 9, 1, 7} {
		txn := beginTransaction(tsAlloc, idx)
		acc.Update(txn, v)
		_, err := txn.Commit()
		require.NoError(t, err)
	}

	reader := beginTransaction(tsAlloc, idx)
	max, ok := acc.Snapshot(reader.StartTimestamp(), reader.StartTimestamp())
	require.True(t, ok)
	require.EqualValues(t, 9, max)
}

func TestAccumulatorCompactFoldsIntoBaseline(t *testing.T) {
	tsAlloc := NewTimestampAllocator(0)
	idx := txnindex.NewIndex(0)
	acc := NewAccumulator(AccumSum, idx)

	for i := 0; i < 3; i++ {
		txn := beginTransaction(tsAlloc, idx)
		acc.Update(txn, 2)
		_, err := txn.Commit()
		require.NoError(t, err)
	}
	require.Len(t, acc.deltas, 3)

	acc.Compact(0, false)
	require.Empty(t, acc.deltas)
	require.EqualValues(t, 6, acc.baseline)

	reader := beginTransaction(tsAlloc, idx)
	sum, ok := acc.Snapshot(reader.StartTimestamp(), reader.StartTimestamp())
	require.True(t, ok)
	require.EqualValues(t, 6, sum)
}
