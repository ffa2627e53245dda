package journal

import (
	"io/ioutil"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// txnRecord is one journaled operation belonging to a transaction,
// replayed in the order encountered if the transaction committed.
type txnRecord struct {
	Type RecordType
	Data []byte
}

// RecoveryPlan is the result of scanning every journal file in
// sequence order: the rebuilt page map, volume/tree handle tables,
// the last checkpoint seen, and per-transaction record lists keyed by
// start timestamp, partitioned into committed and uncommitted.
type RecoveryPlan struct {
	PageMap *PageMap

	Volumes map[int32]string
	Trees   map[int32]itPayload

	LastCheckpointTs   int64
	HaveCheckpoint     bool
	LastCheckpointBase int64

	// committed maps a transaction's start timestamp to its commit
	// timestamp and the ordered records it wrote.
	committed map[int64]committedTxn
	// started holds transactions seen with a TS but no matching TC,
	// keyed by start timestamp, for rollback notification.
	started map[int64][]txnRecord
}

type committedTxn struct {
	CommitTs int64
	Records  []txnRecord
}

// BuildRecoveryPlan scans every journal file under dir in ascending
// sequence order, decoding records with readRecord and treating
// ErrShortRead as the normal, clean end of a file (whether terminated
// by JE or truncated by a crash) rather than a fatal error — this is
// what lets the scan terminate on any journal, clean or torn.
func BuildRecoveryPlan(dir string) (*RecoveryPlan, error) {
	files, err := journalFilesInOrder(dir)
	if err != nil {
		return nil, err
	}
	plan := &RecoveryPlan{
		PageMap:   NewPageMap(),
		Volumes:   make(map[int32]string),
		Trees:     make(map[int32]itPayload),
		committed: make(map[int64]committedTxn),
		started:   make(map[int64][]txnRecord),
	}
	for _, path := range files {
		if err := plan.scanFile(path); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func journalFilesInOrder(dir string) ([]string, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "journal: read directory")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jnl" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out, nil
}

func (plan *RecoveryPlan) scanFile(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "journal: read file %s", path)
	}

	off := 0
	for {
		rec, next, err := readRecord(data, off)
		if err == ErrShortRead {
			break
		}
		if err == ErrChecksumMismatch {
			// A torn trailing write looks like a bad checksum too;
			// treat it the same as a short read and stop here rather
			// than failing recovery outright.
			break
		}
		if err != nil {
			return err
		}
		plan.apply(rec)
		off = next
	}
	return nil
}

func (plan *RecoveryPlan) apply(rec Record) {
	switch rec.Type {
	case RecPA:
		p := decodePA(rec.Payload)
		_ = plan.PageMap.Insert(&PageNode{
			Timestamp:   rec.Timestamp,
			VolumeID:    p.VolumeID,
			PageAddress: p.Address,
			Data:        p.Page,
		})
	case RecIV:
		p := decodeIV(rec.Payload)
		plan.Volumes[p.VolumeID] = p.Name
	case RecIT:
		p := decodeIT(rec.Payload)
		plan.Trees[p.TreeHandle] = p
	case RecTS:
		if _, ok := plan.started[rec.Timestamp]; !ok {
			plan.started[rec.Timestamp] = nil
		}
	case RecTC:
		commitTs := decodeTC(rec.Payload)
		startTs := rec.Timestamp
		plan.committed[startTs] = committedTxn{CommitTs: commitTs, Records: plan.started[startTs]}
		delete(plan.started, startTs)
	case RecSR, RecDR, RecDT, RecD0, RecD1:
		startTs := rec.Timestamp
		plan.started[startTs] = append(plan.started[startTs], txnRecord{Type: rec.Type, Data: rec.Payload})
	case RecCP:
		cp := decodeCP(rec.Payload)
		plan.LastCheckpointTs = rec.Timestamp
		plan.LastCheckpointBase = cp.BaseAddress
		plan.HaveCheckpoint = true
	case RecJH, RecJE:
		// framing only, no recovery-relevant state
	}
}

// UncommittedStartTimestamps returns the start timestamps of
// transactions with a TS but no matching TC — rolled back at recovery
// per §4.5 ("any TS without a matching TC is treated as rolled back").
func (plan *RecoveryPlan) UncommittedStartTimestamps() []int64 {
	out := make([]int64, 0, len(plan.started))
	for ts := range plan.started {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TransactionPlayerListener replays the write operations of a
// committed transaction during recovery.
type TransactionPlayerListener interface {
	Store(volumeID, treeHandle int32, key, value []byte) error
	DeleteRange(volumeID, treeHandle int32, fromKey, toKey []byte) error
	DeleteTree(volumeID, treeHandle int32) error
	AccumulatorDelta(volumeID, treeHandle int32, accumIndex int32, kind AccumulatorKind, value int64) error
}

// RollbackListener is notified of transactions recovery determined
// were never committed.
type RollbackListener interface {
	Rollback(startTs int64)
}

// ApplyAllRecoveredTransactions replays every committed transaction's
// records, in ascending commit-timestamp order, against listener, and
// reports every rolled-back transaction to rollbackListener. This
// always terminates: the plan's transaction sets are finite and each
// is visited exactly once (§8 property 11).
func ApplyAllRecoveredTransactions(plan *RecoveryPlan, listener TransactionPlayerListener, rollbackListener RollbackListener) error {
	type ordered struct {
		startTs  int64
		commitTs int64
	}
	var txns []ordered
	for startTs, c := range plan.committed {
		txns = append(txns, ordered{startTs: startTs, commitTs: c.CommitTs})
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].commitTs < txns[j].commitTs })

	for _, o := range txns {
		records := plan.committed[o.startTs].Records
		for _, r := range records {
			if err := replayOne(listener, r); err != nil {
				return errors.Wrapf(err, "journal: replay txn start=%d commit=%d", o.startTs, o.commitTs)
			}
		}
	}
	if rollbackListener != nil {
		for _, ts := range plan.UncommittedStartTimestamps() {
			rollbackListener.Rollback(ts)
		}
	}
	return nil
}

func replayOne(listener TransactionPlayerListener, r txnRecord) error {
	switch r.Type {
	case RecSR:
		p := decodeKeyedOp(r.Data)
		return listener.Store(p.VolumeID, p.TreeHandle, p.A, p.B)
	case RecDR:
		p := decodeKeyedOp(r.Data)
		return listener.DeleteRange(p.VolumeID, p.TreeHandle, p.A, p.B)
	case RecDT:
		p := decodeDT(r.Data)
		return listener.DeleteTree(p.VolumeID, p.TreeHandle)
	case RecD0, RecD1:
		p := decodeAccumDelta(r.Data)
		return listener.AccumulatorDelta(p.VolumeID, p.TreeHandle, p.AccumIndex, p.Kind, p.Value)
	default:
		return nil
	}
}
