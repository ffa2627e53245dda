package persistit

import (
	"sync"

	"github.com/brimstorage/persistit/txnindex"
)

// AccumulatorKind selects the fold applied across an Accumulator's
// deltas (§3).
type AccumulatorKind int

const (
	AccumSum AccumulatorKind = iota
	AccumMin
	AccumMax
	AccumSeq // monotonically increasing value allocator, folded like Max
)

func (k AccumulatorKind) String() string {
	switch k {
	case AccumSum:
		return "sum"
	case AccumMin:
		return "min"
	case AccumMax:
		return "max"
	case AccumSeq:
		return "seq"
	default:
		return "unknown"
	}
}

type accumDelta struct {
	ownerStartTs int64
	value        int64
}

// Accumulator is a per-tree, per-index numeric aggregate with
// snapshot-consistent visibility (§3): each Update tags its delta with
// the writer's transaction, and Snapshot folds only the deltas visible
// to the caller per the §4.4 visibility rule, reusing the same
// txnindex.Index every Exchange read consults.
//
// Grounded on the teacher's delta-log shape for table-of-contents
// entries in valuestorefile_GEN_.go (append an entry, resolve the
// current value by scanning entries in order) generalized from
// "latest wins" to "fold visible deltas under a kind-specific
// combinator".
type Accumulator struct {
	kind  AccumulatorKind
	index *txnindex.Index

	mu       sync.Mutex
	deltas   []accumDelta
	baseline int64
	hasBase  bool
}

// NewAccumulator creates an Accumulator of the given kind, starting
// from the identity element for its fold (0 for Sum/Seq; undefined —
// hasBase false — for Min/Max until the first visible delta arrives).
func NewAccumulator(kind AccumulatorKind, index *txnindex.Index) *Accumulator {
	a := &Accumulator{kind: kind, index: index}
	if kind == AccumSum || kind == AccumSeq {
		a.hasBase = true
	}
	return a
}

// Update records delta as owned by txn, pending visibility until txn
// commits. For AccumSeq, delta is the newly allocated sequence value
// itself (not an increment).
func (a *Accumulator) Update(txn *Transaction, delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deltas = append(a.deltas, accumDelta{ownerStartTs: txn.StartTimestamp(), value: delta})
}

// Snapshot folds every delta visible to a reader with the given
// snapshot timestamp and transaction start timestamp (§3: "a read at
// time T folds all deltas committed at or before T and visible under
// the caller's snapshot"), per the same owner/self/committed/aborted
// rule §4.4 defines for MVV versions.
func (a *Accumulator) Snapshot(snapshotTs, selfStartTs int64) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	acc := a.baseline
	has := a.hasBase
	for _, d := range a.deltas {
		status := a.index.CommitStatus(d.ownerStartTs, snapshotTs, selfStartTs)
		if status == txnindex.Uncommitted || status == txnindex.Aborted {
			continue
		}
		if !has {
			acc = d.value
			has = true
			continue
		}
		switch a.kind {
		case AccumSum:
			acc += d.value
		case AccumMin:
			if d.value < acc {
				acc = d.value
			}
		case AccumMax, AccumSeq:
			if d.value > acc {
				acc = d.value
			}
		}
	}
	return acc, has
}

// Compact folds every delta whose owner has committed or aborted and
// which no longer-active transaction could possibly need resolved
// independently (i.e. every transaction active at call time started
// after all of that delta's owner's completion) into the baseline,
// bounding memory growth the way txnindex.Cleanup bounds Status
// retention. oldestActive is the oldest currently-active start
// timestamp, or anyActive=false if none are active (fold everything).
func (a *Accumulator) Compact(oldestActive int64, anyActive bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.deltas[:0]
	for _, d := range a.deltas {
		status := a.index.CommitStatus(d.ownerStartTs, maxInt64, maxInt64)
		if status == txnindex.Uncommitted {
			kept = append(kept, d)
			continue
		}
		if anyActive && status > 0 && status >= oldestActive {
			kept = append(kept, d)
			continue
		}
		if status == txnindex.Aborted {
			continue
		}
		if !a.hasBase {
			a.baseline = d.value
			a.hasBase = true
			continue
		}
		switch a.kind {
		case AccumSum:
			a.baseline += d.value
		case AccumMin:
			if d.value < a.baseline {
				a.baseline = d.value
			}
		case AccumMax, AccumSeq:
			if d.value > a.baseline {
				a.baseline = d.value
			}
		}
	}
	a.deltas = kept
}

const maxInt64 = 1<<63 - 1
