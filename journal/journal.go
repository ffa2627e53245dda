package journal

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Manager is the Journal Manager (C5): it owns the current journal
// file, appends self-describing records to it, rolls over to a new
// file when the current one fills, and maintains the in-memory page
// map that copy-back and recovery both read.
//
// Grounded on valuestorefile_GEN_.go's single-writer append loop with
// periodic header/trailer framing, generalized from a flat value log
// into the typed PA/TS/TC/... record set of §4.5/§6.
type Manager struct {
	mu sync.Mutex

	dir       string
	blockSize int64
	log       *zap.Logger

	seq  int64 // current journal file sequence number
	file *os.File
	pos  int64 // write offset within the current file

	pageMap *PageMap

	volumes map[int32]string // volume id -> name, for IV re-emission on rollover
	trees   map[int32]treeBinding

	lastCheckpointTs int64
}

type treeBinding struct {
	VolumeID int32
	Name     string
}

// ManagerOpts configures a new Manager.
type ManagerOpts struct {
	Dir       string
	BlockSize int64
	Logger    *zap.Logger
}

const defaultBlockSize = 64 << 20 // 64MiB, matching the teacher's default value-log file size order of magnitude

// NewManager creates (or reuses) the journal directory and opens the
// first journal file for writing.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = defaultBlockSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "journal: create directory")
	}
	m := &Manager{
		dir:       opts.Dir,
		blockSize: opts.BlockSize,
		log:       log.Named("journal"),
		pageMap:   NewPageMap(),
		volumes:   make(map[int32]string),
		trees:     make(map[int32]treeBinding),
	}
	if err := m.openNewFile(1); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) fileName(seq int64) string {
	return filepath.Join(m.dir, journalFileName(seq))
}

func journalFileName(seq int64) string {
	return "persistit_" + padSeq(seq) + ".jnl"
}

func padSeq(seq int64) string {
	const width = 12
	s := make([]byte, 0, width)
	digits := []byte{}
	n := seq
	if n == 0 {
		digits = append(digits, '0')
	}
	for n > 0 {
		digits = append(digits, byte('0'+n%10))
		n /= 10
	}
	for i := len(digits) - 1; i >= 0; i-- {
		s = append(s, digits[i])
	}
	for len(s) < width {
		s = append([]byte{'0'}, s...)
	}
	return string(s)
}

func (m *Manager) openNewFile(seq int64) error {
	f, err := os.OpenFile(m.fileName(seq), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "journal: open file")
	}
	m.file = f
	m.seq = seq
	m.pos = 0
	if err := m.appendLocked(RecJH, 0, encodeJH(seq, m.blockSize)); err != nil {
		return err
	}
	for id, name := range m.volumes {
		if err := m.appendLocked(RecIV, 0, encodeIV(id, name)); err != nil {
			return err
		}
	}
	for handle, b := range m.trees {
		if err := m.appendLocked(RecIT, 0, encodeIT(handle, b.VolumeID, b.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) appendLocked(typ RecordType, ts int64, payload []byte) error {
	if err := writeRecord(m.file, typ, ts, payload); err != nil {
		return err
	}
	m.pos += int64(recordSize(len(payload)))
	return nil
}

// maybeRolloverLocked closes the current file with a JE record and
// opens the next one if appending size more bytes would overflow the
// configured block size.
func (m *Manager) maybeRolloverLocked(size int) error {
	if m.pos+int64(size) <= m.blockSize {
		return nil
	}
	if err := m.appendLocked(RecJE, 0, nil); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return errors.Wrap(err, "journal: sync before rollover")
	}
	if err := m.file.Close(); err != nil {
		return errors.Wrap(err, "journal: close before rollover")
	}
	return m.openNewFile(m.seq + 1)
}

func (m *Manager) write(typ RecordType, ts int64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeRolloverLocked(recordSize(len(payload))); err != nil {
		return err
	}
	return m.appendLocked(typ, ts, payload)
}

// WritePage journals a page image and inserts it into the page map,
// enforcing the timestamp monotonicity invariant (bug 1003578).
func (m *Manager) WritePage(volumeID int32, address uint32, ts int64, data []byte) error {
	payload := encodePA(volumeID, address, data)
	m.mu.Lock()
	if err := m.maybeRolloverLocked(recordSize(len(payload))); err != nil {
		m.mu.Unlock()
		return err
	}
	addr := m.pos
	if err := m.appendLocked(RecPA, ts, payload); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	return m.pageMap.Insert(&PageNode{
		Timestamp:   ts,
		JournalAddr: addr,
		VolumeID:    volumeID,
		PageAddress: address,
		Data:        cp,
	})
}

// RecordTransactionStart journals a TS record at the transaction's
// start timestamp.
func (m *Manager) RecordTransactionStart(startTs int64) error {
	return m.write(RecTS, startTs, nil)
}

// RecordTransactionCommit journals a TC record correlating a
// transaction's start timestamp with its commit timestamp.
func (m *Manager) RecordTransactionCommit(startTs, commitTs int64) error {
	return m.write(RecTC, startTs, encodeTC(commitTs))
}

// RecordStore implements persistit.JournalRecorder: journals an SR
// record for one key/value write under the given transaction.
func (m *Manager) RecordStore(volumeID int32, treeHandle int32, txnStartTs int64, key, value []byte) error {
	return m.write(RecSR, txnStartTs, encodeSR(volumeID, treeHandle, txnStartTs, key, value))
}

// RecordDeleteRange implements persistit.JournalRecorder: journals a
// DR record for a key-range deletion under the given transaction.
func (m *Manager) RecordDeleteRange(volumeID int32, treeHandle int32, txnStartTs int64, fromKey, toKey []byte) error {
	return m.write(RecDR, txnStartTs, encodeDR(volumeID, treeHandle, txnStartTs, fromKey, toKey))
}

// RecordDeleteTree journals a DT record marking a tree removed.
func (m *Manager) RecordDeleteTree(volumeID int32, treeHandle int32, txnStartTs int64) error {
	return m.write(RecDT, txnStartTs, encodeDT(volumeID, treeHandle, txnStartTs))
}

// RecordAccumulatorDelta journals a D0 (general) or D1 (SEQ) record
// for one accumulator update under the given transaction.
func (m *Manager) RecordAccumulatorDelta(volumeID, treeHandle int32, accumIndex int32, kind AccumulatorKind, isSeq bool, txnStartTs, value int64) error {
	typ := RecD0
	if isSeq {
		typ = RecD1
	}
	return m.write(typ, txnStartTs, encodeAccumDelta(volumeID, treeHandle, accumIndex, kind, txnStartTs, value))
}

// Checkpoint journals a CP record naming the set of still-active
// transaction start timestamps as of checkpointTs, and prunes the
// page map of chain entries made obsolete by it.
func (m *Manager) Checkpoint(checkpointTs int64, activeStartTs []int64) error {
	m.mu.Lock()
	baseAddr := m.pos
	m.mu.Unlock()
	if err := m.write(RecCP, checkpointTs, encodeCP(baseAddr, activeStartTs)); err != nil {
		return err
	}
	m.pageMap.PruneOlderThan(checkpointTs)
	m.mu.Lock()
	m.lastCheckpointTs = checkpointTs
	m.mu.Unlock()
	m.log.Debug("checkpoint written", zap.Int64("ts", checkpointTs), zap.Int("active", len(activeStartTs)))
	return nil
}

// LastCheckpointTimestamp returns the timestamp of the most recently
// written checkpoint, or 0 if none has been written yet.
func (m *Manager) LastCheckpointTimestamp() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckpointTs
}

// BindVolume records the (handle, name) binding for a volume with an
// IV record, re-emitted at the head of every subsequent journal file
// so recovery never needs to scan backwards across a rollover boundary.
func (m *Manager) BindVolume(volumeID int32, name string) error {
	m.mu.Lock()
	m.volumes[volumeID] = name
	m.mu.Unlock()
	return m.write(RecIV, 0, encodeIV(volumeID, name))
}

// BindTree records the (handle, volume, name) binding for a tree with
// an IT record, re-emitted on rollover like IV bindings.
func (m *Manager) BindTree(treeHandle, volumeID int32, name string) error {
	m.mu.Lock()
	m.trees[treeHandle] = treeBinding{VolumeID: volumeID, Name: name}
	m.mu.Unlock()
	return m.write(RecIT, 0, encodeIT(treeHandle, volumeID, name))
}

// PageMap exposes the manager's page map for copy-back and stats.
func (m *Manager) PageMap() *PageMap { return m.pageMap }

// CurrentSequence returns the sequence number of the journal file
// currently being written.
func (m *Manager) CurrentSequence() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Close flushes and closes the current journal file with a trailing
// JE record.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	if err := m.appendLocked(RecJE, 0, nil); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return errors.Wrap(err, "journal: sync on close")
	}
	err := m.file.Close()
	m.file = nil
	if err != nil {
		return errors.Wrap(err, "journal: close file")
	}
	return nil
}
