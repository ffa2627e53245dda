// Package txnindex implements the Transaction Index (C4): a hash table of
// active and recently-completed transaction statuses, snapshot visibility
// decisions, and write-write conflict blocking. It is grounded on
// _examples/gholt-valuestore/valuelocmap/valuelocmap.go's bucketed,
// per-bucket-locked hash table of valueLoc chains: that file's "buckets of
// *valueLoc linked by next, each bucket behind its own sync.RWMutex"
// structure is reused here for "buckets of *Status linked by next", with
// the lock-free resizing trie dropped because the live transaction count
// is bounded by concurrency rather than data volume (see DESIGN.md).
package txnindex

import (
	"sync/atomic"
	"time"
)

// Sentinel commit-timestamp values. Real commit timestamps are always
// positive (minted by the timestamp allocator starting above 0).
const (
	Primordial  int64 = 0  // version older than any active transaction: always visible
	Uncommitted int64 = -1 // owner has neither committed nor aborted yet
	Aborted     int64 = -2 // owner aborted: invisible to every reader
)

// Status is one transaction's lifecycle record: start timestamp, commit
// timestamp (negative while proposed, positive once durable), the count of
// not-yet-pruned MVV versions it owns, and a wait/notify handle so
// wwDependency callers can block on its completion. Grounded on
// valuelocmap's valueLoc entry (key + generation/timestamp + chain
// pointer), generalized from a disk-location record to a transaction
// lifecycle record.
type Status struct {
	next *Status // chain pointer within its bucket, guarded by the bucket lock

	ts       int64 // start timestamp; also this status's hash key
	tc       int64 // commit timestamp; sentinel while proposed/aborted
	mvvCount int32 // uncleaned MVV versions attributable to this transaction

	completed chan struct{} // closed exactly once, when Committed or Aborted
}

func newStatus(ts int64) *Status {
	return &Status{ts: ts, tc: Uncommitted, completed: make(chan struct{})}
}

// StartTimestamp returns the transaction's start timestamp.
func (s *Status) StartTimestamp() int64 { return s.ts }

// CommitTimestamp returns the current commit timestamp, which may be a
// sentinel (Uncommitted, Aborted) or a real positive timestamp.
func (s *Status) CommitTimestamp() int64 {
	return atomic.LoadInt64(&s.tc)
}

// IsCommitted reports whether tc holds a real, positive commit timestamp.
func (s *Status) IsCommitted() bool {
	return atomic.LoadInt64(&s.tc) > 0
}

// IsAborted reports whether the transaction aborted.
func (s *Status) IsAborted() bool {
	return atomic.LoadInt64(&s.tc) == Aborted
}

// IsDone reports whether the transaction has committed or aborted.
func (s *Status) IsDone() bool {
	select {
	case <-s.completed:
		return true
	default:
		return false
	}
}

// MVVCount returns the number of uncleaned versions attributable to this
// status.
func (s *Status) MVVCount() int32 {
	return atomic.LoadInt32(&s.mvvCount)
}

// IncrementMVVCount records that one more MVV version now belongs to this
// transaction (called when a value is written under this status).
func (s *Status) IncrementMVVCount() {
	atomic.AddInt32(&s.mvvCount, 1)
}

// DecrementMVVCount records that the pruner removed one version owned by
// this transaction.
func (s *Status) DecrementMVVCount() int32 {
	return atomic.AddInt32(&s.mvvCount, -1)
}

// beginCommit marks the status Committing: tc becomes negative (proposed),
// per the Registered -> Committing(tc<0) -> Committed(tc>0) lifecycle.
func (s *Status) beginCommit(proposedTc int64) {
	atomic.StoreInt64(&s.tc, -proposedTc)
}

// commit finalizes the status as durably Committed at tc and wakes every
// wwDependency waiter.
func (s *Status) commit(tc int64) {
	atomic.StoreInt64(&s.tc, tc)
	close(s.completed)
}

// abort finalizes the status as Aborted and wakes every wwDependency
// waiter; a waiter observing Aborted proceeds safely (the aborted writer's
// version can be overwritten).
func (s *Status) abort() {
	atomic.StoreInt64(&s.tc, Aborted)
	close(s.completed)
}

// waitCompleted blocks until the status finishes (commits or aborts) or
// timeout elapses, returning false on timeout. A zero or negative timeout
// means wait forever.
func (s *Status) waitCompleted(timeout time.Duration) bool {
	if s.IsDone() {
		return true
	}
	if timeout <= 0 {
		<-s.completed
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.completed:
		return true
	case <-timer.C:
		return false
	}
}
