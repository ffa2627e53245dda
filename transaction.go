package persistit

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/brimstorage/persistit/buffer"
	"github.com/brimstorage/persistit/txnindex"
)

// txnState tracks a Transaction's local view of its own lifecycle,
// mirroring but not replacing the authoritative state kept in its
// txnindex.Status (the Status is shared with every concurrent reader
// resolving visibility against this transaction; txnState is only ever
// read by this transaction's own goroutine).
type txnState int

const (
	txnActive txnState = iota
	txnCommitting
	txnCommitted
	txnAborted
)

// Transaction is one session's unit of work: a start timestamp, a
// monotonically advancing step counter (distinguishing successive
// writes to the same key within the transaction, per the vh = start
// timestamp + step glossary entry), and the shared Status other
// transactions consult for snapshot visibility and wwDependency.
//
// Grounded on §4.4/§9: the engine holds an explicit Session ->
// Transaction table (session.go) rather than a thread-local anchor, and
// retry/rollback is driven by the Result enum (errors.go) instead of
// exceptions.
type Transaction struct {
	mu sync.Mutex

	ts     int64
	step   uint16
	state  txnState
	status *txnindex.Status

	index   *txnindex.Index
	tsAlloc *TimestampAllocator
}

// beginTransaction registers a new Status at a freshly allocated start
// timestamp and returns the Transaction wrapping it. Exported as
// Engine.Begin; kept unexported here so this file can be unit tested
// without constructing a full Engine.
func beginTransaction(tsAlloc *TimestampAllocator, index *txnindex.Index) *Transaction {
	ts := tsAlloc.Allocate()
	status := index.Register(ts)
	return &Transaction{ts: ts, status: status, index: index, tsAlloc: tsAlloc}
}

// StartTimestamp returns the transaction's start timestamp.
func (t *Transaction) StartTimestamp() int64 { return t.ts }

// NextVersionHandle advances the step counter and returns the version
// handle this transaction's next write should be tagged with.
func (t *Transaction) NextVersionHandle() buffer.VersionHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.step++
	return buffer.MakeVersionHandle(t.ts, t.step)
}

// IsActive reports whether the transaction has neither committed nor
// aborted.
func (t *Transaction) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == txnActive
}

// Commit proposes and then finalizes a commit timestamp for this
// transaction: tc first goes negative (Committing, per the
// Registered -> Committing(tc<0) -> Committed(tc>0) lifecycle of
// §4.4), then positive once durable. The caller is responsible for
// ensuring the transaction's journal TC record is durable before
// calling Commit; this method does not itself touch the journal.
func (t *Transaction) Commit() (Result, error) {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return ResultFatal, errors.Errorf("persistit: commit called on transaction %d in state %d", t.ts, t.state)
	}
	t.state = txnCommitting
	t.mu.Unlock()

	proposed := t.tsAlloc.Allocate()
	t.index.BeginCommit(t.status, proposed)

	tc := t.tsAlloc.Allocate()
	t.index.Commit(t.status, tc)

	t.mu.Lock()
	t.state = txnCommitted
	t.mu.Unlock()
	return ResultOk, nil
}

// Rollback aborts the transaction, making every version it wrote
// invisible to all readers (including itself, should it be reused,
// which it is not: a Transaction is single-use per §9).
func (t *Transaction) Rollback() Result {
	t.mu.Lock()
	if t.state == txnCommitted {
		t.mu.Unlock()
		return ResultFatal
	}
	t.state = txnAborted
	t.mu.Unlock()
	t.index.Abort(t.status)
	return ResultRollback
}

// CommitTimestamp returns the transaction's current commit timestamp
// sentinel or value, delegating to the underlying Status.
func (t *Transaction) CommitTimestamp() int64 { return t.status.CommitTimestamp() }

// visible reports whether a version owned by owner (this transaction's
// own start timestamp, another's, or Primordial) is visible to this
// transaction reading at its own start timestamp, per §4.4's rule with
// "owner is self" handled specially: vh == Primordial or owner == t.ts.
func (t *Transaction) visible(ownerStartTs int64) bool {
	status := t.index.CommitStatus(ownerStartTs, t.ts, t.ts)
	return status != txnindex.Uncommitted && status != txnindex.Aborted
}

// awaitWriteWrite blocks until the transaction owning ownerStartTs
// completes (or the timeout elapses), implementing the wwDependency
// contract of §4.4 at the Transaction level: ResultOk once safe to
// proceed, ResultTimedOut if the owner is still active past the
// deadline, ResultRollback if the owner committed (so this writer must
// abort under the CONFLICT rule of §8 property 5).
func (t *Transaction) awaitWriteWrite(ownerStartTs int64, timeoutMs int64) Result {
	tc, outcome := t.index.WWDependency(ownerStartTs, msToDuration(timeoutMs))
	if outcome == txnindex.WWTimedOut {
		return ResultTimedOut
	}
	switch tc {
	case txnindex.Aborted, txnindex.Primordial:
		return ResultOk
	default:
		return ResultRollback
	}
}
