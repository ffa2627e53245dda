package persistit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brimstorage/persistit/txnindex"
)

func TestTransactionCommitIsVisibleAfterwards(t *testing.T) {
	tsAlloc := NewTimestampAllocator(0)
	idx := txnindex.NewIndex(0)

	t1 := beginTransaction(tsAlloc, idx)
	res, err := t1.Commit()
	require.NoError(t, err)
	require.Equal(t, ResultOk, res)
	require.True(t, t1.CommitTimestamp() > 0)
}

func TestTransactionSnapshotIsolation(t *testing.T) {
	tsAlloc := NewTimestampAllocator(0)
	idx := txnindex.NewIndex(0)

	t1 := beginTransaction(tsAlloc, idx)
	t2 := beginTransaction(tsAlloc, idx)

	// T2 began before T1 committed, so T1's write is not yet visible to it.
	require.False(t, t2.visible(t1.StartTimestamp()))

	_, err := t1.Commit()
	require.NoError(t, err)

	// A transaction starting after T1's commit sees it.
	t3 := beginTransaction(tsAlloc, idx)
	require.True(t, t3.visible(t1.StartTimestamp()))
}

func TestTransactionWWDependencyBlocksThenUnblocksOnCommit(t *testing.T) {
	tsAlloc := NewTimestampAllocator(0)
	idx := txnindex.NewIndex(0)

	owner := beginTransaction(tsAlloc, idx)
	waiter := beginTransaction(tsAlloc, idx)

	done := make(chan Result, 1)
	go func() {
		done <- waiter.awaitWriteWrite(owner.StartTimestamp(), 0)
	}()

	select {
	case <-done:
		t.Fatal("awaitWriteWrite returned before owner completed")
	case <-time.After(30 * time.Millisecond):
	}

	_, err := owner.Commit()
	require.NoError(t, err)

	select {
	case res := <-done:
		require.Equal(t, ResultRollback, res, "waiter must abort once the owner it depended on commits")
	case <-time.After(time.Second):
		t.Fatal("awaitWriteWrite never unblocked after owner committed")
	}
}

func TestTransactionWWDependencyProceedsOnAbort(t *testing.T) {
	tsAlloc := NewTimestampAllocator(0)
	idx := txnindex.NewIndex(0)

	owner := beginTransaction(tsAlloc, idx)
	waiter := beginTransaction(tsAlloc, idx)

	go func() {
		time.Sleep(10 * time.Millisecond)
		owner.Rollback()
	}()

	res := waiter.awaitWriteWrite(owner.StartTimestamp(), 2000)
	require.Equal(t, ResultOk, res)
}

func TestTransactionRollbackCannotBeUndone(t *testing.T) {
	tsAlloc := NewTimestampAllocator(0)
	idx := txnindex.NewIndex(0)

	txn := beginTransaction(tsAlloc, idx)
	require.Equal(t, ResultRollback, txn.Rollback())
	require.False(t, txn.IsActive())
}
