package txnindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCommitStatusVisibility(t *testing.T) {
	idx := NewIndex(16)

	s := idx.Register(10)
	require.Equal(t, Uncommitted, idx.CommitStatus(10, 100, 999))

	idx.BeginCommit(s, 20)
	require.Equal(t, Uncommitted, idx.CommitStatus(10, 100, 999))

	idx.Commit(s, 20)
	require.Equal(t, int64(20), idx.CommitStatus(10, 100, 999))
	// A reader snapshotted before the commit must not see it.
	require.Equal(t, Uncommitted, idx.CommitStatus(10, 15, 999))
}

func TestCommitStatusOwnVisibility(t *testing.T) {
	idx := NewIndex(16)
	idx.Register(10)
	require.Equal(t, Primordial, idx.CommitStatus(10, 5, 10))
}

func TestCommitStatusAborted(t *testing.T) {
	idx := NewIndex(16)
	s := idx.Register(10)
	idx.Abort(s)
	require.Equal(t, Aborted, idx.CommitStatus(10, 1000, 999))
}

func TestCommitStatusUnknownIsPrimordial(t *testing.T) {
	idx := NewIndex(16)
	require.Equal(t, Primordial, idx.CommitStatus(999, 1000, 1))
}

func TestWWDependencyBlocksThenProceedsOnCommit(t *testing.T) {
	idx := NewIndex(16)
	s := idx.Register(5)

	done := make(chan int64, 1)
	go func() {
		tc, outcome := idx.WWDependency(5, time.Second)
		require.Equal(t, WWProceed, outcome)
		done <- tc
	}()

	time.Sleep(10 * time.Millisecond)
	idx.Commit(s, 42)

	select {
	case tc := <-done:
		require.Equal(t, int64(42), tc)
	case <-time.After(time.Second):
		t.Fatal("wwDependency never woke up after commit")
	}
}

func TestWWDependencyTimesOut(t *testing.T) {
	idx := NewIndex(16)
	idx.Register(7)
	_, outcome := idx.WWDependency(7, 10*time.Millisecond)
	require.Equal(t, WWTimedOut, outcome)
}

func TestWWDependencyAbortedIsSafe(t *testing.T) {
	idx := NewIndex(16)
	s := idx.Register(3)
	idx.Abort(s)
	tc, outcome := idx.WWDependency(3, time.Second)
	require.Equal(t, WWProceed, outcome)
	require.Equal(t, Aborted, tc)
}

func TestCleanupRetentionRule914474(t *testing.T) {
	idx := NewIndex(16)
	older := idx.Register(1)
	newer := idx.Register(2)

	idx.Commit(newer, 3)
	idx.UpdateActiveTransactionCache()
	require.Equal(t, 0, idx.Cleanup(), "newer-completed status must be retained while an older transaction is still active")

	idx.Commit(older, 4)
	idx.UpdateActiveTransactionCache()
	require.Equal(t, 2, idx.Cleanup(), "both statuses can free once no earlier transaction remains active")
}

func TestCleanupWaitsForMVVCount(t *testing.T) {
	idx := NewIndex(16)
	s := idx.Register(1)
	s.IncrementMVVCount()
	idx.Commit(s, 2)
	idx.UpdateActiveTransactionCache()
	require.Equal(t, 0, idx.Cleanup())
	s.DecrementMVVCount()
	require.Equal(t, 1, idx.Cleanup())
}
