package persistit

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/brimstorage/persistit/buffer"
	"github.com/brimstorage/persistit/txnindex"
)

// Direction selects which way traverse/next/previous move.
type Direction int

const (
	DirForward Direction = iota
	DirReverse
)

// JournalRecorder is the narrow interface Exchange needs from the
// Journal Manager (C5) to describe a store/delete, kept as an
// interface here so this file compiles against any recorder — the
// concrete journal.Manager, or a no-op for tests — without an import
// cycle (journal does not import this package).
type JournalRecorder interface {
	RecordStore(volumeID int32, treeHandle int32, txnStartTs int64, key, value []byte) error
	RecordDeleteRange(volumeID int32, treeHandle int32, txnStartTs int64, fromKey, toKey []byte) error
}

const defaultMaxAttempts = 10

// Exchange is a per-session cursor over one Tree (§4.6): it owns a
// volume/tree handle pair, a reusable key and value, two spare keys for
// range removes/splits, and the current descent path of latched
// Buffers. Exchange is not safe for concurrent use by multiple
// goroutines — callers construct one per session, matching the
// Session value each carries.
//
// Grounded on the teacher's ValuesStore.Lookup/Read/Write surface
// (valuesstore.go), generalized from a flat key-value map to a paged
// B+-tree cursor with MVCC read/write against the Buffer Pool and
// Transaction Index.
type Exchange struct {
	volume *Volume
	tree   *Tree
	pool   *buffer.Pool
	index  *txnindex.Index

	txn *Transaction // nil means each operation runs in its own implicit transaction

	key          Key
	value        []byte
	spare1       []byte
	spare2       []byte
	valueDefined bool

	splitPolicy buffer.SplitPolicy
	maxAttempts int
	recorder    JournalRecorder
}

// NewExchange opens a cursor over tree within volume, backed by pool
// for page access and index for MVCC visibility. No transaction is bound
// until SetTransaction is called; until then each operation runs as its
// own implicit single-operation transaction.
func NewExchange(volume *Volume, tree *Tree, pool *buffer.Pool, index *txnindex.Index, recorder JournalRecorder) *Exchange {
	return &Exchange{
		volume:      volume,
		tree:        tree,
		pool:        pool,
		index:       index,
		splitPolicy: buffer.EvenBias,
		maxAttempts: defaultMaxAttempts,
		recorder:    recorder,
	}
}

// SetTransaction binds this Exchange's subsequent operations to an
// explicit Transaction (nil reverts to implicit per-operation
// transactions).
func (e *Exchange) SetTransaction(txn *Transaction) { e.txn = txn }

func (e *Exchange) readerTimestamps() (snapshotTs, selfTs int64) {
	if e.txn != nil {
		return e.txn.StartTimestamp(), e.txn.StartTimestamp()
	}
	return maxInt64, 0
}

func (e *Exchange) writerVersionHandle(tsAlloc *TimestampAllocator) buffer.VersionHandle {
	if e.txn != nil {
		return e.txn.NextVersionHandle()
	}
	ts := tsAlloc.Allocate()
	return buffer.MakeVersionHandle(ts, 0)
}

// descend walks from the tree root to the leaf that should contain
// key, claiming every page exclusive (each parent is released as soon
// as its child is claimed, per the crab-walking discipline of §5) and
// downgrading the leaf to shared unless exclusive is requested. It
// returns the latched leaf buffer; the caller must release it.
func (e *Exchange) descend(key []byte, exclusive bool) (*buffer.Buffer, error) {
	addr := e.tree.RootPage()
	var parent *buffer.Buffer
	for {
		wantExclusive := exclusive
		leaf, err := e.pool.Get(e.volume.id, addr, true, false)
		if err != nil {
			return nil, WrapErr(KindIOFailure, "descend: fetch page", err)
		}
		if parent != nil {
			e.pool.Release(parent, true)
			parent = nil
		}
		if leaf.Type() != buffer.PageTypeIndex {
			if !wantExclusive {
				// We claimed exclusive above to simplify crab-walking; downgrade
				// for a pure read so concurrent readers are not blocked.
				leaf.Latch().Downgrade()
			}
			return leaf, nil
		}
		find := leaf.FindKey(key)
		child, ok := e.childPointerAt(leaf, find.Index)
		if !ok {
			e.pool.Release(leaf, true)
			return nil, NewErr(KindCorruption, "index page missing child pointer")
		}
		parent = leaf
		addr = child
	}
}

// childPointerAt decodes the long-record-style child page pointer
// stored in an index page's tail entry at the given key-block index,
// clamping to the first/last entry the way a B+-tree's leftmost/
// rightmost descent does when findKey lands just past an edge.
func (e *Exchange) childPointerAt(page *buffer.Buffer, index int) (buffer.PageAddress, bool) {
	n := page.KeyCount()
	if n == 0 {
		return 0, false
	}
	if index >= n {
		index = n - 1
	}
	if index < 0 {
		index = 0
	}
	hdr, ok := page.LongRecordAt(page.TailOffsetAt(index))
	if !ok {
		return 0, false
	}
	return hdr.FirstPage, true
}

// descendPath walks from the tree root to the leaf that should contain
// key, latching every page on the path exclusive and keeping all of them
// claimed (unlike descend's crab-walking, which releases a parent as soon
// as its child is claimed). The write path needs the whole ancestor chain
// resident so a split can propagate a new separator key upward, possibly
// all the way to a fresh root (§4.6 step 3); this trades the read path's
// concurrency for that simplicity, a known simplification recorded in
// DESIGN.md. idxs[level] is the key-block index in path[level] that was
// followed to reach path[level+1]; idxs has one fewer entry than path.
// The caller must release every page in the returned path, even on error
// (descendPath releases what it claimed before returning an error itself).
func (e *Exchange) descendPath(key []byte) (path []*buffer.Buffer, idxs []int, err error) {
	addr := e.tree.RootPage()
	for {
		page, gerr := e.pool.Get(e.volume.id, addr, true, false)
		if gerr != nil {
			releasePath(e.pool, path)
			return nil, nil, WrapErr(KindIOFailure, "descendPath: fetch page", gerr)
		}
		path = append(path, page)
		if page.Type() != buffer.PageTypeIndex {
			return path, idxs, nil
		}
		find := page.FindKey(key)
		child, ok := e.childPointerAt(page, find.Index)
		if !ok {
			releasePath(e.pool, path)
			return nil, nil, NewErr(KindCorruption, "index page missing child pointer")
		}
		idxs = append(idxs, find.Index)
		if find.Index >= page.KeyCount() {
			idxs[len(idxs)-1] = page.KeyCount() - 1
		}
		addr = child
	}
}

// releasePath releases every page in path, exclusive (the discipline
// descendPath and its callers always use).
func releasePath(pool *buffer.Pool, path []*buffer.Buffer) {
	for _, p := range path {
		pool.Release(p, true)
	}
}

// Fetch locates key and decodes the version visible to this Exchange's
// transaction (or an implicit read-only snapshot at the current
// timestamp if none is bound), writing the result into e.value.
// Returns ok=false if the key is absent or its visible version is an
// anti-value (§4.2/§4.4).
func (e *Exchange) Fetch(key []byte) (value []byte, ok bool, err error) {
	e.valueDefined = false
	leaf, err := e.descend(key, false)
	if err != nil {
		return nil, false, err
	}
	defer e.pool.Release(leaf, false)

	find := leaf.FindKey(key)
	if !find.Exact {
		return nil, false, nil
	}
	raw, hasValue := leaf.ValueAt(find.TailOffset)
	if !hasValue {
		return nil, false, nil
	}
	snapshotTs, selfTs := e.readerTimestamps()
	v, found := e.resolveVisible(raw, snapshotTs, selfTs)
	if !found || isAntiValue(v) {
		return nil, false, nil
	}
	e.value = append(e.value[:0], v...)
	e.valueDefined = true
	return e.value, true, nil
}

// IsValueDefined reports whether the most recent Fetch on this Exchange
// found a visible, non-anti-value version of its key (§4.6).
func (e *Exchange) IsValueDefined() bool { return e.valueDefined }

// resolveVisible walks an MVV payload's versions oldest-to-newest
// (encounter order in this codec, per mvv.go appends each new version
// at the tail) and keeps the last visible one seen, so the result is
// the newest version visible under the snapshot rule of §4.4; a plain
// (non-MVV) payload is always visible (it is the primordial version).
func (e *Exchange) resolveVisible(raw []byte, snapshotTs, selfTs int64) ([]byte, bool) {
	if !buffer.IsMVV(raw, len(raw)) {
		return raw, true
	}
	var best []byte
	var bestFound bool
	buffer.VisitAllVersions(raw, len(raw), func(vh buffer.VersionHandle, length, offset int) bool {
		owner := vh.StartTimestamp()
		status := e.index.CommitStatus(owner, snapshotTs, selfTs)
		if status == txnindex.Uncommitted || status == txnindex.Aborted {
			return true
		}
		best = raw[offset : offset+length]
		bestFound = true
		return true
	})
	return best, bestFound
}

// isAntiValue reports whether payload is the distinguished
// deleted-key marker (§4.2): an empty byte slice that is not the
// "undefined" (vh=0,len=0) bootstrap sentinel handled internally by
// the MVV codec. Any zero-length visible payload is treated as a
// tombstone by this Exchange.
func isAntiValue(payload []byte) bool { return len(payload) == 0 }

// Store inserts or replaces key with value under this Exchange's
// transaction (or an implicit one-off write if none is bound), per
// §4.6: descend exclusively to the leaf, merge a new MVV version,
// splitting and propagating a new separator key upward if the leaf
// cannot hold it, then record a journal SR entry.
func (e *Exchange) Store(key, value []byte, tsAlloc *TimestampAllocator) (Result, error) {
	if e.txn != nil {
		if res := e.checkWriteWriteConflict(key); res != ResultOk {
			return res, nil
		}
	}
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		path, idxs, err := e.descendPath(key)
		if err != nil {
			return ResultFatal, err
		}
		leaf := path[len(path)-1]
		vh := e.writerVersionHandle(tsAlloc)
		find := leaf.FindKey(key)
		var existing []byte
		if find.Exact {
			existing, _ = leaf.ValueAt(find.TailOffset)
		}
		encoded, encErr := encodeVersion(existing, vh, value)
		if encErr != nil {
			releasePath(e.pool, path)
			return ResultFatal, encErr
		}
		ts := tsAlloc.UpdateTimestamp()
		pos := leaf.PutValue(key, len(encoded), func(dst []byte) { copy(dst, encoded) })
		if pos < 0 {
			ok, serr := e.splitAndPropagate(path, idxs, key, encoded, ts)
			releasePath(e.pool, path)
			if serr != nil {
				return ResultFatal, serr
			}
			if !ok {
				continue
			}
		} else {
			if !find.Exact {
				leaf.MarkMVVWritten()
			}
			e.pool.MarkDirty(leaf, ts)
			releasePath(e.pool, path)
		}
		if e.txn != nil {
			e.txn.status.IncrementMVVCount()
		}
		if e.recorder != nil {
			if err := e.recorder.RecordStore(e.volume.id, e.tree.Handle(), e.writerTxnStart(), key, value); err != nil {
				return ResultFatal, err
			}
		}
		return ResultOk, nil
	}
	return ResultRetry, errors.Errorf("persistit: store exceeded %d attempts", e.maxAttempts)
}

func (e *Exchange) writerTxnStart() int64 {
	if e.txn != nil {
		return e.txn.StartTimestamp()
	}
	return 0
}

// splitAndPropagate allocates a sibling page and redistributes leaf's
// contents (plus the proposed encoded entry) across the pair, then
// propagates a new separator key up path so the moved half stays
// reachable (§4.2/§4.6 step 3) — the whole point this seam was missing
// before: a leaf split that does not update its parent silently strands
// the sibling's keys. Returns ok=false if even a freshly allocated
// sibling cannot accommodate the proposed entry (the caller should
// retry) or if the path itself could not be extended (a hard error).
func (e *Exchange) splitAndPropagate(path []*buffer.Buffer, idxs []int, key, encoded []byte, ts int64) (bool, error) {
	leaf := path[len(path)-1]
	addr, err := e.volume.AllocatePage()
	if err != nil {
		return false, nil
	}
	sibling := buffer.NewBuffer(leaf.PageSize(), e.volume.id, addr)
	find := leaf.FindKey(key)
	ok := leaf.Split(sibling, key, len(encoded), func(dst []byte) { copy(dst, encoded) }, find.Index, e.spare1, buffer.SequenceNone, e.splitPolicy)
	if !ok {
		return false, nil
	}
	e.pool.MarkDirty(leaf, ts)
	sibling.SetTimestamp(ts)
	if werr := e.volume.WritePage(e.volume.id, addr, sibling.Bytes()); werr != nil {
		return false, WrapErr(KindIOFailure, "splitAndPropagate: write sibling page", werr)
	}
	leftKey := append([]byte(nil), leaf.FullKeyAt(leaf.KeyCount()-1)...)
	rightKey := append([]byte(nil), sibling.FullKeyAt(sibling.KeyCount()-1)...)
	if err := e.propagateSplit(path, idxs, len(path)-2, leaf.Address(), addr, leftKey, rightKey, ts); err != nil {
		return false, err
	}
	return true, nil
}

// propagateSplit installs routing entries for leftAddr/rightAddr (the two
// pages that resulted from a split one level below) into path[level], or
// promotes a fresh root if level is -1 (the page that split had no
// parent). If path[level] itself must split to make room, the new
// separator keys are propagated one level further up, recursing toward
// the root exactly as §4.6 step 3 describes.
func (e *Exchange) propagateSplit(path []*buffer.Buffer, idxs []int, level int, leftAddr, rightAddr buffer.PageAddress, leftKey, rightKey []byte, ts int64) error {
	if level < 0 {
		return e.promoteNewRoot(path[0].PageSize(), leftAddr, rightAddr, leftKey, rightKey, ts)
	}
	parent := path[level]
	removeKey := append([]byte(nil), parent.FullKeyAt(idxs[level])...)

	addr, err := e.volume.AllocatePage()
	if err != nil {
		return WrapErr(KindDiskFull, "propagateSplit: allocate parent sibling", err)
	}
	sibling := buffer.NewBuffer(parent.PageSize(), e.volume.id, addr)
	ok, used := parent.ReplaceRoutingEntry(sibling, removeKey, leftKey, rightKey, leftAddr, rightAddr, e.splitPolicy)
	if !ok {
		return NewErr(KindCorruption, "propagateSplit: routing entries do not fit even after splitting the index page")
	}
	e.pool.MarkDirty(parent, ts)
	if !used {
		if ferr := e.volume.FreePage(addr); ferr != nil {
			return WrapErr(KindIOFailure, "propagateSplit: free unused sibling", ferr)
		}
		return nil
	}
	sibling.SetTimestamp(ts)
	if werr := e.volume.WritePage(e.volume.id, addr, sibling.Bytes()); werr != nil {
		return WrapErr(KindIOFailure, "propagateSplit: write index sibling page", werr)
	}
	newLeftKey := append([]byte(nil), parent.FullKeyAt(parent.KeyCount()-1)...)
	newRightKey := append([]byte(nil), sibling.FullKeyAt(sibling.KeyCount()-1)...)
	return e.propagateSplit(path, idxs, level-1, parent.Address(), addr, newLeftKey, newRightKey, ts)
}

// promoteNewRoot builds a fresh index page routing to leftAddr/rightAddr
// and installs it as the tree's root, growing the tree by one level
// (§4.6 step 3's "possibly splitting index pages" all the way to the
// root).
func (e *Exchange) promoteNewRoot(pageSize int, leftAddr, rightAddr buffer.PageAddress, leftKey, rightKey []byte, ts int64) error {
	addr, err := e.volume.AllocatePage()
	if err != nil {
		return WrapErr(KindDiskFull, "promoteNewRoot: allocate new root", err)
	}
	root := buffer.NewBuffer(pageSize, e.volume.id, addr)
	root.Reset(buffer.PageTypeIndex)
	root.PutLongRecord(leftKey, buffer.LongRecordHeader{FirstPage: leftAddr})
	root.PutLongRecord(rightKey, buffer.LongRecordHeader{FirstPage: rightAddr})
	root.SetTimestamp(ts)
	if werr := e.volume.WritePage(e.volume.id, addr, root.Bytes()); werr != nil {
		return WrapErr(KindIOFailure, "promoteNewRoot: write new root page", werr)
	}
	e.tree.SetRootPage(addr)
	return nil
}

// checkWriteWriteConflict blocks (per §4.4/§8 property 5) if the most
// recent version of key belongs to a different transaction whose write
// this transaction cannot see (still active, or committed after this
// transaction started), returning ResultRollback once that transaction
// has committed (this writer must abort). The wait has no timeout
// (awaitWriteWrite is passed 0), so this path never returns
// ResultTimedOut.
func (e *Exchange) checkWriteWriteConflict(key []byte) Result {
	leaf, err := e.descend(key, false)
	if err != nil {
		return ResultFatal
	}
	defer e.pool.Release(leaf, false)
	find := leaf.FindKey(key)
	if !find.Exact {
		return ResultOk
	}
	raw, ok := leaf.ValueAt(find.TailOffset)
	if !ok || !buffer.IsMVV(raw, len(raw)) {
		return ResultOk
	}
	var newestOwner int64 = txnindex.Primordial
	buffer.VisitAllVersions(raw, len(raw), func(vh buffer.VersionHandle, length, offset int) bool {
		newestOwner = vh.StartTimestamp()
		return true
	})
	if newestOwner == txnindex.Primordial || newestOwner == e.txn.StartTimestamp() || e.txn.visible(newestOwner) {
		return ResultOk
	}
	return e.txn.awaitWriteWrite(newestOwner, 0)
}

// Remove deletes key by storing an anti-value version, per §4.2's
// tombstone convention, then makes a best-effort attempt to rebalance the
// leaf against its right sibling if the tombstone left it underfull
// (§4.2's join, the dual of the write path's split). A rebalance failure
// never unwinds the tombstone write itself, since the remove already
// succeeded; neither a failed re-descent nor a failed rebalance is
// reported, and the caller receives the Store result.
func (e *Exchange) Remove(key []byte, tsAlloc *TimestampAllocator) (Result, error) {
	res, err := e.Store(key, nil, tsAlloc)
	if err != nil || res != ResultOk {
		return res, err
	}
	path, idxs, derr := e.descendPath(key)
	if derr != nil {
		return res, nil
	}
	_ = e.compactAfterRemove(path, idxs)
	releasePath(e.pool, path)
	return res, nil
}

// RemoveDirection visits every key from (but not including) e.key in the
// given direction and removes each one in turn, per §4.6's remove(direction).
// It returns the number of keys removed.
func (e *Exchange) RemoveDirection(dir Direction, tsAlloc *TimestampAllocator) (int, error) {
	count := 0
	for {
		ok, err := e.Traverse(dir, true)
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		key := append([]byte(nil), e.key.Bytes()...)
		if _, err := e.Remove(key, tsAlloc); err != nil {
			return count, err
		}
		count++
	}
}

// RemoveAll removes every key in the tree, per §4.6's removeAll(). It
// journals the whole span as a single delete-range entry (rather than one
// RecordStore per tombstone, as RemoveDirection's per-key path does)
// since the caller's intent is the entire tree, not a cursor walk.
func (e *Exchange) RemoveAll(tsAlloc *TimestampAllocator) (int, error) {
	if e.recorder != nil {
		if err := e.recorder.RecordDeleteRange(e.volume.id, e.tree.Handle(), e.writerTxnStart(), nil, nil); err != nil {
			return 0, err
		}
	}
	e.key = NewKey(nil)
	rec := e.recorder
	e.recorder = nil
	defer func() { e.recorder = rec }()
	return e.RemoveDirection(DirForward, tsAlloc)
}

// compactAfterRemove rebalances path's leaf against its right sibling
// when the leaf has fallen underfull, the dual of Store's split path:
// buffer.Join either merges the sibling entirely into the leaf or
// redistributes keys between them (buffer/join.go), after which the
// parent's routing entries are repointed/renamed to match. A single
// level of rebalancing is attempted per remove (not a recursive walk back
// to the root); an underflow that also makes an ancestor index page
// underfull is left for the next remove's pass, a documented
// simplification (see DESIGN.md).
func (e *Exchange) compactAfterRemove(path []*buffer.Buffer, idxs []int) error {
	if len(path) < 2 {
		return nil
	}
	leaf := path[len(path)-1]
	if leaf.AvailableSpace() < leaf.PageSize()/4 {
		return nil
	}
	rightAddr := leaf.RightSibling()
	if rightAddr == 0 {
		return nil
	}
	parent := path[len(path)-2]
	sibling, err := e.pool.Get(e.volume.id, rightAddr, true, false)
	if err != nil {
		return err
	}
	defer e.pool.Release(sibling, true)

	joinErr := leaf.Join(sibling, 0, 0, e.spare1, e.spare2, e.splitPolicy)
	if joinErr == buffer.ErrRebalanceRequired {
		return nil
	}
	if joinErr != nil {
		return joinErr
	}

	tempKey := make([]byte, 0, 64)
	merged := sibling.Type() == buffer.PageTypeGarbage
	if merged {
		if idx := findChildEntry(parent, rightAddr); idx >= 0 {
			parent.RemoveKeys(idx, idx+1, tempKey)
		}
		if idx := findChildEntry(parent, leaf.Address()); idx >= 0 {
			newKey := append([]byte(nil), leaf.FullKeyAt(leaf.KeyCount()-1)...)
			parent.RemoveKeys(idx, idx+1, tempKey)
			parent.PutLongRecord(newKey, buffer.LongRecordHeader{FirstPage: leaf.Address()})
		}
		if ferr := e.volume.FreePage(rightAddr); ferr != nil {
			return ferr
		}
	} else {
		if idx := findChildEntry(parent, leaf.Address()); idx >= 0 {
			newLeftKey := append([]byte(nil), leaf.FullKeyAt(leaf.KeyCount()-1)...)
			parent.RemoveKeys(idx, idx+1, tempKey)
			parent.PutLongRecord(newLeftKey, buffer.LongRecordHeader{FirstPage: leaf.Address()})
		}
		if idx := findChildEntry(parent, rightAddr); idx >= 0 {
			newRightKey := append([]byte(nil), sibling.FullKeyAt(sibling.KeyCount()-1)...)
			parent.RemoveKeys(idx, idx+1, tempKey)
			parent.PutLongRecord(newRightKey, buffer.LongRecordHeader{FirstPage: rightAddr})
		}
	}

	ts := leaf.Timestamp()
	e.pool.MarkDirty(parent, ts)
	e.pool.MarkDirty(leaf, ts)
	if !merged {
		e.pool.MarkDirty(sibling, ts)
	}
	return nil
}

// findChildEntry scans an index page's routing entries for the one
// pointing at addr, re-scanning fresh each call rather than tracking
// indices across mutations (simple and correct at the small entry counts
// an index page holds; see compactAfterRemove's callers).
func findChildEntry(page *buffer.Buffer, addr buffer.PageAddress) int {
	for i := 0; i < page.KeyCount(); i++ {
		hdr, ok := page.LongRecordAt(page.TailOffsetAt(i))
		if ok && hdr.FirstPage == addr {
			return i
		}
	}
	return -1
}

// encodeVersion merges vh/value into existing's encoding via
// buffer.StoreVersion, growing the destination as needed since this
// call site does not know the page's remaining capacity up front (that
// check happens at PutValue).
func encodeVersion(existing []byte, vh buffer.VersionHandle, value []byte) ([]byte, error) {
	capNeeded := len(existing) + len(value) + 32
	dst := make([]byte, len(existing), capNeeded)
	copy(dst, existing)
	n, err := buffer.StoreVersion(dst, len(existing), vh, value)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// Traverse visits keys in the given direction starting from (but not
// including) e.key, per §4.6: deep=true visits every key in
// lexicographic order, deep=false visits only keys whose first segment
// differs from the previously visited key's first segment. Either
// direction crosses into neighboring leaf pages when the current leaf is
// exhausted, rather than stopping at the first leaf descend() happens to
// return.
func (e *Exchange) Traverse(dir Direction, deep bool) (ok bool, err error) {
	if dir == DirReverse {
		return e.traverseReverse(deep)
	}
	return e.traverseForward(deep)
}

// Next is §4.6's next(deep): traverse forward.
func (e *Exchange) Next(deep bool) (bool, error) { return e.Traverse(DirForward, deep) }

// Previous is §4.6's previous(deep): traverse backward.
func (e *Exchange) Previous(deep bool) (bool, error) { return e.Traverse(DirReverse, deep) }

// traverseForward walks keys within the leaf under the cursor and, once
// they're exhausted, follows RightSibling() into the next leaf and
// resumes there — the sibling-chain walk splitAndPropagate's leaves are
// linked for.
func (e *Exchange) traverseForward(deep bool) (ok bool, err error) {
	cur := string(e.key.Bytes())
	leaf, err := e.descend(e.key.Bytes(), false)
	if err != nil {
		return false, err
	}
	for {
		keys := leafKeyStrings(leaf)
		n := len(keys)
		insertion := sort.SearchStrings(keys, cur)
		idx := insertion
		if idx < n && keys[idx] == cur {
			idx++
		}
		for idx < n {
			candidate := keys[idx]
			if !deep && sameFirstSegment(cur, candidate) {
				idx++
				continue
			}
			e.key = NewKey([]byte(candidate))
			e.pool.Release(leaf, false)
			return true, nil
		}
		rightAddr := leaf.RightSibling()
		e.pool.Release(leaf, false)
		if rightAddr == 0 {
			return false, nil
		}
		leaf, err = e.pool.Get(e.volume.id, rightAddr, false, false)
		if err != nil {
			return false, err
		}
	}
}

// traverseReverse walks keys within the leaf under the cursor backward,
// using buffer.PreviousKey to reconstruct each predecessor key in turn,
// and once they're exhausted climbs to the nearest ancestor with an
// unvisited left sibling subtree and descends directly to its rightmost
// leaf via predecessorLeaf, since leaves carry no left-sibling pointer of
// their own (only RightSibling is maintained, per §4.3's page layout).
func (e *Exchange) traverseReverse(deep bool) (ok bool, err error) {
	cur := string(e.key.Bytes())
	path, idxs, err := e.descendPath(e.key.Bytes())
	if err != nil {
		return false, err
	}
	anchor := e.key.Bytes()
	inclusive := false
	keyBuf := make([]byte, 0, 64)
	for {
		leaf := path[len(path)-1]
		at := leafBackwardStart(leaf, anchor, inclusive)
		for at > 0 {
			keyBuf = leaf.PreviousKey(at, keyBuf)
			if !deep && sameFirstSegment(cur, string(keyBuf)) {
				at--
				continue
			}
			e.key = NewKey(keyBuf)
			releasePath(e.pool, path)
			return true, nil
		}
		sepKey, prevPath, prevIdxs, perr := e.predecessorLeaf(path, idxs)
		releasePath(e.pool, path)
		if perr != nil {
			return false, perr
		}
		if prevPath == nil {
			return false, nil
		}
		path, idxs = prevPath, prevIdxs
		anchor, inclusive = sepKey, true
	}
}

// leafBackwardStart returns the key-block index to pass to PreviousKey to
// begin walking backward from anchor: exclusive of anchor itself
// (FindKey's Index already lands one past any key equal to or greater
// than a non-member anchor, and PreviousKey(Index) skips an exact match),
// or, when inclusive is set (anchor is a separator key landed on via
// predecessorLeaf, which is itself an unvisited tree key), one past
// anchor's own position so PreviousKey(at) yields anchor first.
func leafBackwardStart(leaf *buffer.Buffer, anchor []byte, inclusive bool) int {
	find := leaf.FindKey(anchor)
	if inclusive {
		return find.Index + 1
	}
	return find.Index
}

// predecessorLeaf locates the leaf immediately to the left of path's leaf
// by climbing to the nearest ancestor whose descent index is not already
// 0 and re-descending through that ancestor's preceding routing entry —
// whose key is, by the separator-key convention, exactly the maximum key
// of the subtree it leads to, so descendPath lands on that subtree's
// rightmost leaf directly, and is returned as sepKey so the caller can
// resume backward iteration from it. Returns a nil path if no such
// ancestor exists (the cursor was already at the leftmost leaf).
func (e *Exchange) predecessorLeaf(path []*buffer.Buffer, idxs []int) (sepKey []byte, newPath []*buffer.Buffer, newIdxs []int, err error) {
	for level := len(idxs) - 1; level >= 0; level-- {
		if idxs[level] == 0 {
			continue
		}
		sepKey = append([]byte(nil), path[level].FullKeyAt(idxs[level]-1)...)
		newPath, newIdxs, err = e.descendPath(sepKey)
		return sepKey, newPath, newIdxs, err
	}
	return nil, nil, nil, nil
}

// leafKeyStrings decodes every full key on a leaf in ascending order, the
// shared step of both traversal directions.
func leafKeyStrings(leaf *buffer.Buffer) []string {
	n := leaf.KeyCount()
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = string(leaf.FullKeyAt(i))
	}
	return keys
}

func sameFirstSegment(a, b string) bool {
	fa := firstSegment(a)
	fb := firstSegment(b)
	return fa == fb
}

func firstSegment(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == segmentBoundary {
			return s[:i]
		}
	}
	return s
}
