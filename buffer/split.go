package buffer

// SplitPolicy controls how a page's contents are redistributed between
// itself and a new sibling during Split.
type SplitPolicy int

const (
	EvenBias SplitPolicy = iota
	LeftBias
	RightBias
)

// SequenceHint lets the caller tell Split about an observed insertion
// pattern (sequential append/prepend) so the split point can be biased to
// avoid an immediate re-split on the next insert.
type SequenceHint int

const (
	SequenceNone SequenceHint = iota
	SequenceAppend
	SequencePrepend
)

type record struct {
	key          []byte
	isLongRecord bool
	value        []byte
	longRecord   LongRecordHeader
}

// decodeAll reconstructs every (key, value) pair currently on the page,
// in ascending key order.
func (b *Buffer) decodeAll() []record {
	n := b.KeyCount()
	out := make([]record, n)
	for i := 0; i < n; i++ {
		_, _, tail := b.keyBlockAt(i)
		out[i].key = append([]byte(nil), b.fullKeyAt(i)...)
		if hdr, ok := b.LongRecordAt(tail); ok {
			out[i].isLongRecord = true
			out[i].longRecord = hdr
		} else {
			v, _ := b.ValueAt(tail)
			out[i].value = append([]byte(nil), v...)
		}
	}
	return out
}

// rebuildFrom clears the page and replays records in order, which
// recomputes elision and tail storage from scratch; callers must pass
// records in strictly ascending key order.
func (b *Buffer) rebuildFrom(recs []record, pageType PageType) {
	b.Reset(pageType)
	for _, r := range recs {
		if r.isLongRecord {
			b.PutLongRecord(r.key, r.longRecord)
		} else {
			v := r.value
			b.PutValue(r.key, len(v), func(dst []byte) { copy(dst, v) })
		}
	}
}

// recordSize estimates the on-page bytes a record will consume, used only
// to pick a split point; exact fit is re-verified by rebuildFrom/PutValue
// (which can still return -1, surfaced by Split's caller as a need to
// retry with a different policy).
func recordSize(prevKey []byte, r record) int {
	elided := elidedBytesBuf(prevKey, r.key)
	suffixLen := len(r.key) - elided
	if r.isLongRecord {
		return keyBlockSize + entrySizeLongRecord(suffixLen)
	}
	return keyBlockSize + entrySizeInline(suffixLen, len(r.value))
}

// Split redistributes this page's contents (plus the proposed key/value
// to insert) between this page and target such that the proposed entry
// fits on one side, per §4.2. foundAt is the index FindKey(key) returned
// against the page's prior contents. spareKey is caller-owned scratch
// space preserved across the call for the caller's own reuse (this
// implementation does not need it internally, since decodeAll already
// materializes full keys). Returns false if even after redistribution the
// proposed entry does not fit anywhere (the caller must allocate another
// page and retry).
func (b *Buffer) Split(target *Buffer, key []byte, valueLen int, write func([]byte), foundAt int, spareKey []byte, sequence SequenceHint, policy SplitPolicy) bool {
	_ = spareKey
	existing := b.decodeAll()
	value := make([]byte, valueLen)
	write(value)
	incoming := record{key: append([]byte(nil), key...), value: value}

	merged := make([]record, 0, len(existing)+1)
	inserted := false
	for i, r := range existing {
		if !inserted && i == foundAt {
			merged = append(merged, incoming)
			inserted = true
		}
		if i == foundAt && len(r.key) == len(key) && string(r.key) == string(key) {
			continue // incoming replaces an exact match rather than inserting beside it
		}
		merged = append(merged, r)
	}
	if !inserted {
		merged = append(merged, incoming)
	}

	splitAt := chooseSplitPoint(merged, sequence, policy)
	left := merged[:splitAt]
	right := merged[splitAt:]

	leftSize, rightSize := estimateSize(left), estimateSize(right)
	if leftSize > b.pageSize-headerSize || rightSize > target.pageSize-headerSize {
		return false
	}

	rightSibling := b.RightSibling()
	pageType := b.Type()
	b.rebuildFrom(left, pageType)
	target.rebuildFrom(right, pageType)
	target.SetRightSibling(rightSibling)
	b.SetRightSibling(target.addr)
	return true
}

func estimateSize(recs []record) int {
	total := headerSize
	var prev []byte
	for _, r := range recs {
		total += recordSize(prev, r)
		prev = r.key
	}
	return total
}

func chooseSplitPoint(recs []record, sequence SequenceHint, policy SplitPolicy) int {
	n := len(recs)
	if n <= 1 {
		return n
	}
	switch sequence {
	case SequenceAppend:
		return n - 1
	case SequencePrepend:
		return 1
	}
	switch policy {
	case LeftBias:
		return max(1, n/3)
	case RightBias:
		return min(n-1, (2*n)/3)
	default: // EvenBias
		return n / 2
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
