package txnindex

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBucketCount is the static number of hash chains. Unlike valuelocmap's
// resizable trie, the Transaction Index does not need to grow with data
// volume (transaction count is bounded by concurrency, not dataset size),
// so a fixed bucket count sized generously for core counts is sufficient;
// see DESIGN.md.
const defaultBucketCount = 1024

type bucket struct {
	mu   sync.Mutex // per-bucket spinlock-equivalent guarding the chain below
	head *Status
}

// Index is the Transaction Index (C4): a hash table keyed by transaction
// start timestamp, chains guarded by per-bucket locks, with a refreshable
// active-transaction cache for O(log n)-ish concurrent-transaction lookup.
type Index struct {
	buckets []bucket

	cacheMu sync.RWMutex
	cache   []int64 // sorted start timestamps of active (not-yet-done) transactions

	freeMu sync.Mutex
	free   []*Status
}

// NewIndex builds a Transaction Index with the given bucket count (0 means
// use the default).
func NewIndex(bucketCount int) *Index {
	if bucketCount <= 0 {
		bucketCount = defaultBucketCount
	}
	return &Index{buckets: make([]bucket, bucketCount)}
}

func (idx *Index) bucketFor(ts int64) *bucket {
	h := uint64(ts) * 0x9E3779B97F4A7C15 // fibonacci hashing, cheap and well-distributed
	return &idx.buckets[h%uint64(len(idx.buckets))]
}

// Register creates and inserts a new Status for a transaction starting at
// ts (Registered state). ts must be unique (the timestamp allocator
// guarantees this).
func (idx *Index) Register(ts int64) *Status {
	s := idx.allocate(ts)
	b := idx.bucketFor(ts)
	b.mu.Lock()
	s.next = b.head
	b.head = s
	b.mu.Unlock()
	return s
}

func (idx *Index) allocate(ts int64) *Status {
	idx.freeMu.Lock()
	if n := len(idx.free); n > 0 {
		s := idx.free[n-1]
		idx.free = idx.free[:n-1]
		idx.freeMu.Unlock()
		s.ts = ts
		s.tc = Uncommitted
		s.mvvCount = 0
		s.completed = make(chan struct{})
		s.next = nil
		return s
	}
	idx.freeMu.Unlock()
	return newStatus(ts)
}

// Lookup finds the Status registered for the given start timestamp, or
// nil if none is found (it may already have been freed, in which case the
// version is older than any retained status and should be treated as
// Primordial by the caller).
func (idx *Index) Lookup(ts int64) *Status {
	b := idx.bucketFor(ts)
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := b.head; s != nil; s = s.next {
		if s.ts == ts {
			return s
		}
	}
	return nil
}

// BeginCommit transitions a status to Committing with the given proposed
// commit timestamp, which is stored negated while Committing.
func (idx *Index) BeginCommit(s *Status, proposedTc int64) {
	s.beginCommit(proposedTc)
}

// Commit finalizes a status as durably Committed at tc and calls
// NotifyCompleted.
func (idx *Index) Commit(s *Status, tc int64) {
	s.commit(tc)
	idx.notifyCompleted(s)
}

// Abort finalizes a status as Aborted and calls NotifyCompleted.
func (idx *Index) Abort(s *Status) {
	s.abort()
	idx.notifyCompleted(s)
}

// notifyCompleted wakes every wwDependency waiter blocked on s (handled
// transparently by closing s.completed in commit/abort) and triggers an
// opportunistic cache refresh so short-lived transactions don't linger in
// the active set until the next scheduled refresh.
func (idx *Index) notifyCompleted(s *Status) {
	idx.cacheMu.Lock()
	out := idx.cache[:0]
	for _, ts := range idx.cache {
		if ts != s.ts {
			out = append(out, ts)
		}
	}
	idx.cache = out
	idx.cacheMu.Unlock()
}

// CommitStatus returns the effective commit timestamp for vh (the start
// timestamp of the owning transaction) as observed by a reader with the
// given snapshot timestamp and own start timestamp (selfStartTs), or one
// of Uncommitted/Aborted/
// Primordial per the visibility rule of §4.4:
//
//	if vh == primordial             -> visible (Primordial)
//	if owner(vh) is self            -> visible (Primordial; step order is not checked)
//	if owner(vh) aborted            -> invisible (Aborted)
//	if owner(vh) committed at tc<=T -> visible (tc)
//	otherwise                       -> invisible (Uncommitted)
func (idx *Index) CommitStatus(ownerStartTs int64, snapshotTs int64, selfStartTs int64) int64 {
	if ownerStartTs == Primordial {
		return Primordial
	}
	if ownerStartTs == selfStartTs {
		return Primordial
	}
	s := idx.Lookup(ownerStartTs)
	if s == nil {
		// No retained status for this start timestamp: it completed and was
		// freed long enough ago that every concurrent reader has since
		// moved on, so its writes are universally visible.
		return Primordial
	}
	tc := s.CommitTimestamp()
	switch {
	case tc == Aborted:
		return Aborted
	case tc > 0 && tc <= snapshotTs:
		return tc
	default:
		return Uncommitted
	}
}

// WWOutcome is the result of a WWDependency call.
type WWOutcome int

const (
	WWProceed  WWOutcome = iota // safe to proceed; CommitTs holds Primordial/Aborted/a real timestamp
	WWTimedOut                 // timeout elapsed with the owner still active
)

// WWDependency blocks the caller until the transaction owning ownerStartTs
// completes, or until timeout elapses. It returns WWProceed with the
// owner's final commit status (a real timestamp, or Aborted) once safe, or
// WWTimedOut if the owner is still active when the deadline passes.
// Deadlocks are prevented by this timeout, not by cycle detection, per
// §4.4.
func (idx *Index) WWDependency(ownerStartTs int64, timeout time.Duration) (commitTs int64, outcome WWOutcome) {
	s := idx.Lookup(ownerStartTs)
	if s == nil {
		return Primordial, WWProceed
	}
	if !s.waitCompleted(timeout) {
		return 0, WWTimedOut
	}
	return s.CommitTimestamp(), WWProceed
}

// UpdateActiveTransactionCache rebuilds the sorted list of active (not
//-yet-done) start timestamps by walking every bucket. Called on a
// background cadence and after major state changes (§4.4).
func (idx *Index) UpdateActiveTransactionCache() {
	var active []int64
	for i := range idx.buckets {
		b := &idx.buckets[i]
		b.mu.Lock()
		for s := b.head; s != nil; s = s.next {
			if !s.IsDone() {
				active = append(active, s.ts)
			}
		}
		b.mu.Unlock()
	}
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	idx.cacheMu.Lock()
	idx.cache = active
	idx.cacheMu.Unlock()
}

// ActiveTransactionCount returns the number of active transactions as of
// the last cache refresh.
func (idx *Index) ActiveTransactionCount() int {
	idx.cacheMu.RLock()
	defer idx.cacheMu.RUnlock()
	return len(idx.cache)
}

// ActiveStartTimestamps returns a snapshot copy of the active
// transaction cache, for the checkpointer to record in a CP record
// (§4.1/§4.5).
func (idx *Index) ActiveStartTimestamps() []int64 {
	idx.cacheMu.RLock()
	defer idx.cacheMu.RUnlock()
	out := make([]int64, len(idx.cache))
	copy(out, idx.cache)
	return out
}

// OldestActive returns the start timestamp of the oldest active
// transaction as of the last cache refresh, or ok=false if none are
// active. Used by Cleanup to enforce the bug-914474 retention rule.
func (idx *Index) OldestActive() (ts int64, ok bool) {
	idx.cacheMu.RLock()
	defer idx.cacheMu.RUnlock()
	if len(idx.cache) == 0 {
		return 0, false
	}
	return idx.cache[0], true
}

// Cleanup walks every bucket and moves completed statuses whose MVV count
// has reached zero to the free list, but only once every transaction with
// an earlier start timestamp has also completed (bug 914474): an earlier,
// still-active transaction may yet issue a WWDependency inquiry against a
// version owned by a completed later... no: against a version owned by
// this completed status, so the status must survive until nothing older
// is still active.
func (idx *Index) Cleanup() int {
	oldestActive, anyActive := idx.OldestActive()
	freed := 0
	for i := range idx.buckets {
		b := &idx.buckets[i]
		b.mu.Lock()
		var prev *Status
		s := b.head
		for s != nil {
			next := s.next
			if s.IsDone() && s.MVVCount() == 0 && (!anyActive || s.ts < oldestActive || !idx.hasOlderActive(s.ts)) {
				if prev == nil {
					b.head = next
				} else {
					prev.next = next
				}
				idx.release(s)
				freed++
				s = next
				continue
			}
			prev = s
			s = next
		}
		b.mu.Unlock()
	}
	return freed
}

func (idx *Index) hasOlderActive(ts int64) bool {
	idx.cacheMu.RLock()
	defer idx.cacheMu.RUnlock()
	for _, a := range idx.cache {
		if a < ts {
			return true
		}
	}
	return false
}

func (idx *Index) release(s *Status) {
	idx.freeMu.Lock()
	idx.free = append(idx.free, s)
	idx.freeMu.Unlock()
}

// AtomicSwap wraps atomic.SwapInt64 for packages that would otherwise
// import sync/atomic for a single call; nothing in this repository calls
// it.
func AtomicSwap(p *int64, v int64) int64 {
	return atomic.SwapInt64(p, v)
}
