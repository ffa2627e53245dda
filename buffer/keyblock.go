package buffer

import (
	"bytes"
	"encoding/binary"
)

// tail entry layout, at the lowest address of the entry's span:
//
//	0  suffixLen   2 bytes
//	2  flags       1 byte   (bit0 set => long-record entry)
//	3  suffix      suffixLen bytes
//	   then, if not long-record:
//	     valueLen  4 bytes
//	     value     valueLen bytes
//	   else:
//	     pageCount  4 bytes
//	     firstPage  4 bytes
//	     fullLength 8 bytes
const (
	tailHeaderSize     = 3
	flagLongRecord     = 1 << 0
	longRecordTailSize = 16
)

func (b *Buffer) readKeySuffix(tailOff int) []byte {
	n := int(binary.BigEndian.Uint16(b.data[tailOff:]))
	start := tailOff + tailHeaderSize
	return b.data[start : start+n]
}

func (b *Buffer) isLongRecordAt(tailOff int) bool {
	return b.data[tailOff+2]&flagLongRecord != 0
}

// ValueAt returns the plain or MVV-encoded value bytes stored at the key
// block's tail offset, or ok=false if the entry is a long-record header
// (use LongRecordAt instead).
func (b *Buffer) ValueAt(tailOff int) (value []byte, ok bool) {
	suffixLen := int(binary.BigEndian.Uint16(b.data[tailOff:]))
	base := tailOff + tailHeaderSize + suffixLen
	if b.isLongRecordAt(tailOff) {
		return nil, false
	}
	valLen := int(binary.BigEndian.Uint32(b.data[base:]))
	return b.data[base+4 : base+4+valLen], true
}

// LongRecordHeader describes the head record of a value that spilled into
// a long-record chain (§3: values exceeding a per-page threshold).
type LongRecordHeader struct {
	PageCount  int
	FirstPage  PageAddress
	FullLength int64
}

// LongRecordAt returns the long-record header stored at tailOff, or
// ok=false if the entry holds an inline value instead.
func (b *Buffer) LongRecordAt(tailOff int) (hdr LongRecordHeader, ok bool) {
	suffixLen := int(binary.BigEndian.Uint16(b.data[tailOff:]))
	base := tailOff + tailHeaderSize + suffixLen
	if !b.isLongRecordAt(tailOff) {
		return LongRecordHeader{}, false
	}
	hdr.PageCount = int(binary.BigEndian.Uint32(b.data[base:]))
	hdr.FirstPage = PageAddress(binary.BigEndian.Uint32(b.data[base+4:]))
	hdr.FullLength = int64(binary.BigEndian.Uint64(b.data[base+8:]))
	return hdr, true
}

func entrySizeInline(suffixLen, valueLen int) int {
	return tailHeaderSize + suffixLen + 4 + valueLen
}

func entrySizeLongRecord(suffixLen int) int {
	return tailHeaderSize + suffixLen + longRecordTailSize
}

// FindKeyResult is the outcome of a key-block binary search, matching the
// fields §4.2 calls out: exact match, whether inserting at Index requires
// the following key's elided count to be rebuilt, the elided depth at
// Index, the discriminator byte, the tail offset, and the reconstructed
// key's total length.
type FindKeyResult struct {
	Index          int
	Exact          bool
	FixupRequired  bool
	Depth          int
	Discriminator  byte
	TailOffset     int
	EffectiveBytes int
}

// FindKey performs a binary search over the page's key blocks for key,
// using the cached Fast Index when valid and falling back to an
// on-the-fly linear decode otherwise (§4.2, §3 Fast Index).
func (b *Buffer) FindKey(key []byte) FindKeyResult {
	n := b.KeyCount()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(b.fullKeyAt(mid), key)
		if cmp < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	res := FindKeyResult{Index: lo}
	if lo < n {
		full := b.fullKeyAt(lo)
		if bytes.Equal(full, key) {
			res.Exact = true
			elided, disc, tail := b.keyBlockAt(lo)
			res.Depth = elided
			res.Discriminator = disc
			res.TailOffset = tail
			res.EffectiveBytes = len(full)
			return res
		}
		res.FixupRequired = lo < n
	}
	if lo > 0 {
		prev := b.fullKeyAt(lo - 1)
		res.Depth = elidedBytesBuf(prev, key)
	}
	if len(key) > res.Depth {
		res.Discriminator = key[res.Depth]
	}
	res.EffectiveBytes = len(key)
	return res
}

func elidedBytesBuf(prev, k []byte) int {
	n := len(prev)
	if len(k) < n {
		n = len(k)
	}
	i := 0
	for i < n && prev[i] == k[i] {
		i++
	}
	return i
}

// PutValue inserts or replaces key with a value of length valueLen,
// produced by write(dst) writing exactly valueLen bytes into dst. Returns
// the insert position, or -1 if there is insufficient space even after
// the caller would reorganize (the caller should then Split). When the
// key already exists, its tail entry is resized in place if the page has
// room. Grounded conceptually on the teacher's TOC entry
// (keyA,keyB,timestamp,offset,length) being overwritten or appended; here
// generalized to prefix-compressed key blocks with a resizable tail
// region.
func (b *Buffer) PutValue(key []byte, valueLen int, write func(dst []byte)) int {
	find := b.FindKey(key)
	entrySize := entrySizeInline(len(key)-find.Depth, valueLen)

	if find.Exact {
		oldTail := find.TailOffset
		oldSuffixLen := int(binary.BigEndian.Uint16(b.data[oldTail:]))
		oldValLen := 0
		if !b.isLongRecordAt(oldTail) {
			oldValLen = int(binary.BigEndian.Uint32(b.data[oldTail+tailHeaderSize+oldSuffixLen:]))
		}
		oldSize := entrySizeInline(oldSuffixLen, oldValLen)
		if valueLen == oldValLen {
			base := oldTail + tailHeaderSize + oldSuffixLen
			write(b.data[base+4 : base+4+valueLen])
			return find.Index
		}
		delta := entrySize - oldSize
		if delta > b.AvailableSpace() {
			return -1
		}
		b.removeTailEntry(oldTail, oldSize)
		tail := b.allocateTail(entrySize)
		b.writeInlineEntry(tail, key[find.Depth:], valueLen, write)
		b.setKeyBlockAt(find.Index, find.Depth, find.Discriminator, tail)
		b.invalidateFastIndex()
		return find.Index
	}

	needed := entrySize + keyBlockSize
	if needed > b.AvailableSpace() {
		return -1
	}
	tail := b.allocateTail(entrySize)
	b.writeInlineEntry(tail, key[find.Depth:], valueLen, write)
	b.insertKeyBlock(find.Index, find.Depth, find.Discriminator, tail)
	if find.FixupRequired {
		b.rebuildNeighborElision(find.Index + 1)
	}
	b.invalidateFastIndex()
	return find.Index
}

// PutLongRecord inserts or replaces key with a long-record head pointing
// at the given chain.
func (b *Buffer) PutLongRecord(key []byte, hdr LongRecordHeader) int {
	find := b.FindKey(key)
	suffixLen := len(key) - find.Depth
	entrySize := entrySizeLongRecord(suffixLen)
	if find.Exact {
		oldSuffixLen := int(binary.BigEndian.Uint16(b.data[find.TailOffset:]))
		oldSize := b.entrySizeAt(find.TailOffset)
		_ = oldSuffixLen
		delta := entrySize - oldSize
		if delta > b.AvailableSpace() {
			return -1
		}
		b.removeTailEntry(find.TailOffset, oldSize)
		tail := b.allocateTail(entrySize)
		b.writeLongRecordEntry(tail, key[find.Depth:], hdr)
		b.setKeyBlockAt(find.Index, find.Depth, find.Discriminator, tail)
		b.invalidateFastIndex()
		return find.Index
	}
	needed := entrySize + keyBlockSize
	if needed > b.AvailableSpace() {
		return -1
	}
	tail := b.allocateTail(entrySize)
	b.writeLongRecordEntry(tail, key[find.Depth:], hdr)
	b.insertKeyBlock(find.Index, find.Depth, find.Discriminator, tail)
	if find.FixupRequired {
		b.rebuildNeighborElision(find.Index + 1)
	}
	b.invalidateFastIndex()
	return find.Index
}

func (b *Buffer) entrySizeAt(tailOff int) int {
	suffixLen := int(binary.BigEndian.Uint16(b.data[tailOff:]))
	if b.isLongRecordAt(tailOff) {
		return entrySizeLongRecord(suffixLen)
	}
	base := tailOff + tailHeaderSize + suffixLen
	valLen := int(binary.BigEndian.Uint32(b.data[base:]))
	return entrySizeInline(suffixLen, valLen)
}

func (b *Buffer) writeInlineEntry(tail int, suffix []byte, valueLen int, write func(dst []byte)) {
	binary.BigEndian.PutUint16(b.data[tail:], uint16(len(suffix)))
	b.data[tail+2] = 0
	copy(b.data[tail+tailHeaderSize:], suffix)
	base := tail + tailHeaderSize + len(suffix)
	binary.BigEndian.PutUint32(b.data[base:], uint32(valueLen))
	write(b.data[base+4 : base+4+valueLen])
}

func (b *Buffer) writeLongRecordEntry(tail int, suffix []byte, hdr LongRecordHeader) {
	binary.BigEndian.PutUint16(b.data[tail:], uint16(len(suffix)))
	b.data[tail+2] = flagLongRecord
	copy(b.data[tail+tailHeaderSize:], suffix)
	base := tail + tailHeaderSize + len(suffix)
	binary.BigEndian.PutUint32(b.data[base:], uint32(hdr.PageCount))
	binary.BigEndian.PutUint32(b.data[base+4:], uint32(hdr.FirstPage))
	binary.BigEndian.PutUint64(b.data[base+8:], uint64(hdr.FullLength))
}

// allocateTail carves `size` bytes off the low end of the free area
// (growing tail storage downward) and returns the new entry's offset.
func (b *Buffer) allocateTail(size int) int {
	newOffset := b.tailOffset() - size
	b.setTailOffset(newOffset)
	return newOffset
}

// removeTailEntry logically frees an entry. This simple layout does not
// compact the tail region on every removal (it relies on Split/Join and a
// future compaction pass to reclaim fragmented space); it only adjusts
// bookkeeping when the freed entry sits exactly at the current tail
// boundary, the common case for in-place replace-with-shrink.
func (b *Buffer) removeTailEntry(off, size int) {
	if off == b.tailOffset() {
		b.setTailOffset(off + size)
	}
}

func (b *Buffer) insertKeyBlock(index int, elided int, discriminator byte, tail int) {
	n := b.KeyCount()
	end := b.keyBlockEnd()
	b.setKeyBlockEnd(end + keyBlockSize)
	for i := n; i > index; i-- {
		e, d, t := b.keyBlockAt(i - 1)
		b.setKeyBlockAt(i, e, d, t)
	}
	b.setKeyBlockAt(index, elided, discriminator, tail)
	b.setKeyCount(n + 1)
}

// rebuildNeighborElision recomputes the elided-byte count and
// discriminator for the key block now following an insertion or removal
// at the given index, since its predecessor changed.
func (b *Buffer) rebuildNeighborElision(index int) {
	n := b.KeyCount()
	if index < 0 || index >= n {
		return
	}
	b.invalidateFastIndex()
	cur := b.fullKeyAt(index)
	var prev []byte
	if index > 0 {
		prev = b.fullKeyAt(index - 1)
	}
	elided := elidedBytesBuf(prev, cur)
	var disc byte
	if len(cur) > elided {
		disc = cur[elided]
	}
	_, _, tail := b.keyBlockAt(index)
	b.setKeyBlockAt(index, elided, disc, tail)
	b.invalidateFastIndex()
}

// RemoveKeys removes the contiguous key-block range [from, to), rebuilding
// the elided count of the block now at `from` (previously `to`) against
// its new predecessor (§4.2). tempKey is not used.
func (b *Buffer) RemoveKeys(from, to int, tempKey []byte) {
	n := b.KeyCount()
	if from < 0 || to > n || from >= to {
		return
	}
	for i := to; i < n; i++ {
		e, d, t := b.keyBlockAt(i)
		b.setKeyBlockAt(from+(i-to), e, d, t)
	}
	remaining := n - (to - from)
	b.setKeyCount(remaining)
	b.setKeyBlockEnd(b.keyBlockEnd() - (to-from)*keyBlockSize)
	b.invalidateFastIndex()
	if from < remaining {
		b.rebuildNeighborElision(from)
	}
	_ = tempKey
}

// FullKeyAt returns the fully decoded key at key-block index i.
func (b *Buffer) FullKeyAt(i int) []byte { return b.fullKeyAt(i) }

// TailOffsetAt returns the tail-storage offset recorded in the key
// block at index i, letting callers outside this package (Exchange's
// index-page descent) resolve a child pointer or value without
// reaching into key-block internals directly.
func (b *Buffer) TailOffsetAt(i int) int {
	_, _, tail := b.keyBlockAt(i)
	return tail
}

// PreviousKey reconstructs the full key immediately preceding `at` by
// walking one key block to the left and combining its elided prefix with
// its tail suffix, writing the result into key (which is grown as
// needed) and returning it.
func (b *Buffer) PreviousKey(at int, key []byte) []byte {
	if at <= 0 || at > b.KeyCount() {
		return key[:0]
	}
	full := b.fullKeyAt(at - 1)
	key = key[:0]
	key = append(key, full...)
	return key
}
