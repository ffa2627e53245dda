// Package buffer implements the Page Layout (C2) and Buffer Pool (C3):
// the on-disk page format (key-block array + tail storage, MVCC-aware
// value encoding, splits/joins, pruning) and the bounded in-memory cache
// of pages with claim/release latching.
//
// Grounded on _examples/gholt-valuestore/valuestorefile_GEN_.go's fixed
// directory-entry format (`keyA:8,keyB:8,timestampbits:8,offset:4,
// length:4` records packed into a sequential file with a header and
// trailer) as the model for a *key block*: a fixed-width directory entry
// that points into a variable-length payload area. Persistit's page adds
// prefix compression (elided bytes) and in-place tail storage rather than
// a separate value file, which this package implements directly.
package buffer

import (
	"encoding/binary"
	"fmt"
)

// PageType tags what a page holds.
type PageType uint8

const (
	PageTypeUnallocated PageType = iota
	PageTypeHead
	PageTypeData
	PageTypeIndex
	PageTypeLongRecord
	PageTypeGarbage
)

func (t PageType) String() string {
	switch t {
	case PageTypeHead:
		return "head"
	case PageTypeData:
		return "data"
	case PageTypeIndex:
		return "index"
	case PageTypeLongRecord:
		return "long-record"
	case PageTypeGarbage:
		return "garbage"
	default:
		return "unallocated"
	}
}

// PageAddress identifies a page within a volume by its ordinal position.
type PageAddress uint32

// Header layout, fixed at the front of every page:
//
//	0  type            1 byte
//	1  reserved         1 byte
//	2  keyCount         2 bytes
//	4  keyBlockEnd      4 bytes  (low-address end of the key-block array)
//	8  tailOffset       4 bytes  (high-address start of used tail storage)
//	12 mvvCount         4 bytes
//	16 timestamp        8 bytes
//	24 generation       4 bytes
//	28 rightSibling     4 bytes
const (
	headerSize         = 32
	keyBlockSize       = 6 // elided(1) + discriminator(1) + tailOffset(4)
	offType            = 0
	offKeyCount        = 2
	offKeyBlockEnd     = 4
	offTailOffset      = 8
	offMVVCount        = 12
	offTimestamp       = 16
	offGeneration      = 24
	offRightSibling    = 28
)

// Buffer is the in-memory image of one page (the "Buffer" of §4.2/§4.3).
// Header fields are read and written directly in the embedded raw bytes
// (no separate copies are kept), so a Buffer can always be serialized
// verbatim to a volume file or journal record.
type Buffer struct {
	data     []byte
	pageSize int
	addr     PageAddress
	volumeID int32

	fastIndex  []int // never populated; decoded keys are cached in fullKeys
	fastValid  bool
	fullKeys   [][]byte // decoded full key cache, parallel to key blocks

	latch Latch
}

// NewBuffer allocates a zeroed Buffer of the given page size (one of
// 1024, 2048, 4096, 8192, 16384 per §3) for the given volume/address.
func NewBuffer(pageSize int, volumeID int32, addr PageAddress) *Buffer {
	b := &Buffer{
		data:     make([]byte, pageSize),
		pageSize: pageSize,
		addr:     addr,
		volumeID: volumeID,
	}
	b.setKeyBlockEnd(headerSize)
	b.setTailOffset(pageSize)
	b.SetType(PageTypeUnallocated)
	return b
}

// LoadBuffer wraps a raw page image (e.g. read from a volume file or a
// journal PA record) without copying it.
func LoadBuffer(data []byte, volumeID int32, addr PageAddress) *Buffer {
	return &Buffer{data: data, pageSize: len(data), addr: addr, volumeID: volumeID}
}

func (b *Buffer) Bytes() []byte       { return b.data }
func (b *Buffer) PageSize() int       { return b.pageSize }
func (b *Buffer) Address() PageAddress { return b.addr }
func (b *Buffer) VolumeID() int32     { return b.volumeID }
func (b *Buffer) Latch() *Latch       { return &b.latch }

func (b *Buffer) Type() PageType { return PageType(b.data[offType]) }
func (b *Buffer) SetType(t PageType) {
	b.data[offType] = byte(t)
}

func (b *Buffer) KeyCount() int {
	return int(binary.BigEndian.Uint16(b.data[offKeyCount:]))
}
func (b *Buffer) setKeyCount(n int) {
	binary.BigEndian.PutUint16(b.data[offKeyCount:], uint16(n))
}

func (b *Buffer) keyBlockEnd() int {
	return int(binary.BigEndian.Uint32(b.data[offKeyBlockEnd:]))
}
func (b *Buffer) setKeyBlockEnd(v int) {
	binary.BigEndian.PutUint32(b.data[offKeyBlockEnd:], uint32(v))
}

func (b *Buffer) tailOffset() int {
	return int(binary.BigEndian.Uint32(b.data[offTailOffset:]))
}
func (b *Buffer) setTailOffset(v int) {
	binary.BigEndian.PutUint32(b.data[offTailOffset:], uint32(v))
}

// MVVCount is the count of keys in this page whose tail value is MVV
// encoded, maintained incrementally by MarkMVVWritten and PruneMVVValues.
func (b *Buffer) MVVCount() int {
	return int(binary.BigEndian.Uint32(b.data[offMVVCount:]))
}
func (b *Buffer) setMVVCount(n int) {
	binary.BigEndian.PutUint32(b.data[offMVVCount:], uint32(n))
}

// MarkMVVWritten increments the page's count of MVV-encoded values. The
// writer calls it once per key, when the key is first stored on the page
// (Exchange.Store knows this from a non-exact FindKey; it is not inferred
// here to avoid re-decoding the tail entry just written).
func (b *Buffer) MarkMVVWritten() {
	b.setMVVCount(b.MVVCount() + 1)
}

func (b *Buffer) Timestamp() int64 {
	return int64(binary.BigEndian.Uint64(b.data[offTimestamp:]))
}

// SetTimestamp stamps the page with a modification timestamp. Per the
// page-timestamp invariant (§3), callers must never set a timestamp lower
// than the highest commit timestamp of any MVV version the page contains.
func (b *Buffer) SetTimestamp(ts int64) {
	binary.BigEndian.PutUint64(b.data[offTimestamp:], uint64(ts))
}

func (b *Buffer) Generation() uint32 {
	return binary.BigEndian.Uint32(b.data[offGeneration:])
}
func (b *Buffer) BumpGeneration() uint32 {
	g := b.Generation() + 1
	binary.BigEndian.PutUint32(b.data[offGeneration:], g)
	return g
}

func (b *Buffer) RightSibling() PageAddress {
	return PageAddress(binary.BigEndian.Uint32(b.data[offRightSibling:]))
}
func (b *Buffer) SetRightSibling(a PageAddress) {
	binary.BigEndian.PutUint32(b.data[offRightSibling:], uint32(a))
	b.invalidateFastIndex()
}

// AvailableSpace is the free area between the key-block array and the
// tail storage.
func (b *Buffer) AvailableSpace() int {
	return b.tailOffset() - b.keyBlockEnd()
}

func (b *Buffer) keyBlockOffset(i int) int { return headerSize + i*keyBlockSize }

func (b *Buffer) keyBlockAt(i int) (elided int, discriminator byte, tail int) {
	o := b.keyBlockOffset(i)
	elided = int(b.data[o])
	discriminator = b.data[o+1]
	tail = int(binary.BigEndian.Uint32(b.data[o+2:]))
	return
}

func (b *Buffer) setKeyBlockAt(i int, elided int, discriminator byte, tail int) {
	o := b.keyBlockOffset(i)
	b.data[o] = uint8(elided)
	b.data[o+1] = discriminator
	binary.BigEndian.PutUint32(b.data[o+2:], uint32(tail))
}

func (b *Buffer) invalidateFastIndex() {
	b.fastValid = false
	b.fastIndex = nil
	b.fullKeys = nil
}

// Reset clears the page back to an empty state of the given type, used
// when initializing a freshly allocated page (§4.3 get() step 2).
func (b *Buffer) Reset(t PageType) {
	for i := range b.data {
		b.data[i] = 0
	}
	b.setKeyBlockEnd(headerSize)
	b.setTailOffset(b.pageSize)
	b.SetType(t)
	b.invalidateFastIndex()
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer{addr=%d type=%s keys=%d avail=%d ts=%d}",
		b.addr, b.Type(), b.KeyCount(), b.AvailableSpace(), b.Timestamp())
}
