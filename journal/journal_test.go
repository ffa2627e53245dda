package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageMapRejectsTimestampRegression(t *testing.T) {
	pm := NewPageMap()
	require.NoError(t, pm.Insert(&PageNode{Timestamp: 10, VolumeID: 1, PageAddress: 5, Data: []byte("a")}))
	require.NoError(t, pm.Insert(&PageNode{Timestamp: 20, VolumeID: 1, PageAddress: 5, Data: []byte("b")}))

	err := pm.Insert(&PageNode{Timestamp: 15, VolumeID: 1, PageAddress: 5, Data: []byte("c")})
	require.ErrorIs(t, err, ErrTimestampRegression)

	latest, ok := pm.Latest(1, 5)
	require.True(t, ok)
	require.Equal(t, int64(20), latest.Timestamp, "rejected regression must not disturb the chain head")
}

func TestPageMapEqualTimestampAccepted(t *testing.T) {
	pm := NewPageMap()
	require.NoError(t, pm.Insert(&PageNode{Timestamp: 10, VolumeID: 1, PageAddress: 5}))
	require.NoError(t, pm.Insert(&PageNode{Timestamp: 10, VolumeID: 1, PageAddress: 5}))
}

func TestPageMapPruneOlderThanKeepsNewestAtOrBeforeCheckpoint(t *testing.T) {
	pm := NewPageMap()
	require.NoError(t, pm.Insert(&PageNode{Timestamp: 5, VolumeID: 1, PageAddress: 1}))
	require.NoError(t, pm.Insert(&PageNode{Timestamp: 10, VolumeID: 1, PageAddress: 1}))
	require.NoError(t, pm.Insert(&PageNode{Timestamp: 20, VolumeID: 1, PageAddress: 1}))

	pm.PruneOlderThan(10)

	latest, ok := pm.Latest(1, 1)
	require.True(t, ok)
	require.Equal(t, int64(20), latest.Timestamp)
}

func TestRecordWriteReadRoundTrip(t *testing.T) {
	var buf writeBuffer
	require.NoError(t, writeRecord(&buf, RecSR, 42, []byte("payload")))

	rec, next, err := readRecord(buf.data, 0)
	require.NoError(t, err)
	require.Equal(t, RecSR, rec.Type)
	require.Equal(t, int64(42), rec.Timestamp)
	require.Equal(t, "payload", string(rec.Payload))
	require.Equal(t, len(buf.data), next)
}

func TestRecordReadShortReadOnTruncatedTrailingRecord(t *testing.T) {
	var buf writeBuffer
	require.NoError(t, writeRecord(&buf, RecSR, 1, []byte("whole")))
	require.NoError(t, writeRecord(&buf, RecSR, 2, []byte("torn-record")))

	truncated := buf.data[:len(buf.data)-3]

	rec, next, err := readRecord(truncated, 0)
	require.NoError(t, err)
	require.Equal(t, "whole", string(rec.Payload))

	_, _, err = readRecord(truncated, next)
	require.ErrorIs(t, err, ErrShortRead)
}

func TestRecordReadDetectsChecksumCorruption(t *testing.T) {
	var buf writeBuffer
	require.NoError(t, writeRecord(&buf, RecSR, 1, []byte("hello")))
	buf.data[recordHeaderSize] ^= 0xFF // flip a payload byte without touching the trailer

	_, _, err := readRecord(buf.data, 0)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestManagerWritePageJournalsAndUpdatesPageMap(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.WritePage(1, 7, 100, []byte("page-bytes")))

	node, ok := m.PageMap().Latest(1, 7)
	require.True(t, ok)
	require.Equal(t, int64(100), node.Timestamp)
	require.Equal(t, "page-bytes", string(node.Data))
}

func TestManagerTransactionAndCheckpointRecoveryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(ManagerOpts{Dir: dir, BlockSize: 1 << 20})
	require.NoError(t, err)

	require.NoError(t, m.BindVolume(1, "v1"))
	require.NoError(t, m.BindTree(3, 1, "widgets"))
	require.NoError(t, m.RecordTransactionStart(100))
	require.NoError(t, m.RecordStore(1, 3, 100, []byte("k"), []byte("v")))
	require.NoError(t, m.RecordTransactionCommit(100, 101))
	require.NoError(t, m.RecordTransactionStart(200))
	require.NoError(t, m.RecordStore(1, 3, 200, []byte("uncommitted"), []byte("x")))
	require.NoError(t, m.Checkpoint(150, []int64{200}))
	require.NoError(t, m.Close())

	plan, err := BuildRecoveryPlan(dir)
	require.NoError(t, err)
	require.Equal(t, "v1", plan.Volumes[1])
	require.Equal(t, "widgets", plan.Trees[3].Name)
	require.True(t, plan.HaveCheckpoint)
	require.Equal(t, int64(150), plan.LastCheckpointTs)

	var applied []string
	listener := &recordingListener{onStore: func(v, tr int32, k, val []byte) error {
		applied = append(applied, string(k)+"="+string(val))
		return nil
	}}
	var rolledBack []int64
	rollback := &recordingRollback{onRollback: func(ts int64) { rolledBack = append(rolledBack, ts) }}

	require.NoError(t, ApplyAllRecoveredTransactions(plan, listener, rollback))
	require.Equal(t, []string{"k=v"}, applied)
	require.Equal(t, []int64{200}, rolledBack)
}

func TestManagerRolloverReemitsBindings(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(ManagerOpts{Dir: dir, BlockSize: recordHeaderSize*3 + recordTrailerSize*3 + 64})
	require.NoError(t, err)
	require.NoError(t, m.BindVolume(9, "vol9"))

	for i := 0; i < 50; i++ {
		require.NoError(t, m.WritePage(9, uint32(i), int64(i), []byte("xxxxxxxxxxxxxxxxxxxxxxxx")))
	}
	require.NoError(t, m.Close())

	plan, err := BuildRecoveryPlan(dir)
	require.NoError(t, err)
	require.Equal(t, "vol9", plan.Volumes[9])
	require.True(t, m.CurrentSequence() > 1, "expected at least one rollover with this tiny block size")
}

func TestCopyBackWritesUpToCheckpointAndForgets(t *testing.T) {
	pm := NewPageMap()
	require.NoError(t, pm.Insert(&PageNode{Timestamp: 10, VolumeID: 1, PageAddress: 1, Data: []byte("old")}))
	require.NoError(t, pm.Insert(&PageNode{Timestamp: 50, VolumeID: 1, PageAddress: 2, Data: []byte("new")}))

	fw := &fakeWriter{written: make(map[[2]uint32]string)}
	n, err := CopyBack(pm, fw, 20)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "old", fw.written[[2]uint32{1, 1}])
	_, stillThere := pm.Latest(1, 1)
	require.False(t, stillThere)

	_, stillThere = pm.Latest(1, 2)
	require.True(t, stillThere, "page newer than the checkpoint must survive copy-back")
}

// --- test doubles ---

type writeBuffer struct{ data []byte }

func (b *writeBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOpts{Dir: t.TempDir(), BlockSize: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

type recordingListener struct {
	onStore func(volumeID, treeHandle int32, key, value []byte) error
}

func (l *recordingListener) Store(volumeID, treeHandle int32, key, value []byte) error {
	return l.onStore(volumeID, treeHandle, key, value)
}
func (l *recordingListener) DeleteRange(int32, int32, []byte, []byte) error          { return nil }
func (l *recordingListener) DeleteTree(int32, int32) error                          { return nil }
func (l *recordingListener) AccumulatorDelta(int32, int32, int32, AccumulatorKind, int64) error {
	return nil
}

type recordingRollback struct {
	onRollback func(startTs int64)
}

func (r *recordingRollback) Rollback(startTs int64) { r.onRollback(startTs) }

type fakeWriter struct {
	written map[[2]uint32]string
}

func (w *fakeWriter) WritePageByID(volumeID int32, address uint32, data []byte) error {
	w.written[[2]uint32{uint32(volumeID), address}] = string(data)
	return nil
}
