package buffer

import (
	"bytes"
	"sort"
)

// indexEntry is one routing entry on an index page: the maximum key
// reachable through addr, mirroring the (key, value) record of split.go
// but carrying a child page pointer instead of an inline value.
type indexEntry struct {
	key  []byte
	addr PageAddress
}

// decodeIndexEntries reconstructs every routing entry currently on the
// page, in ascending key order, the index-page analogue of decodeAll.
func (b *Buffer) decodeIndexEntries() []indexEntry {
	n := b.KeyCount()
	out := make([]indexEntry, 0, n)
	for i := 0; i < n; i++ {
		hdr, ok := b.LongRecordAt(b.TailOffsetAt(i))
		if !ok {
			continue
		}
		out = append(out, indexEntry{key: append([]byte(nil), b.fullKeyAt(i)...), addr: hdr.FirstPage})
	}
	return out
}

// rebuildIndexFrom clears the page and replays entries (which must arrive
// in ascending key order) as PageTypeIndex routing entries, preserving the
// page's right-sibling pointer across the rebuild the way Split/Join do.
func (b *Buffer) rebuildIndexFrom(entries []indexEntry) {
	rightSibling := b.RightSibling()
	b.Reset(PageTypeIndex)
	for _, e := range entries {
		b.PutLongRecord(e.key, LongRecordHeader{FirstPage: e.addr})
	}
	b.SetRightSibling(rightSibling)
}

func indexEntrySize(prevKey []byte, e indexEntry) int {
	elided := elidedBytesBuf(prevKey, e.key)
	return keyBlockSize + entrySizeLongRecord(len(e.key)-elided)
}

func indexEntriesSize(entries []indexEntry) int {
	total := headerSize
	var prev []byte
	for _, e := range entries {
		total += indexEntrySize(prev, e)
		prev = e.key
	}
	return total
}

// ReplaceRoutingEntry is the index-page dual of Split/Join (§4.6 step 3):
// it removes the stale routing entry named removeKey (the separator that
// used to point at the child which just split), inserts fresh entries for
// the child's left and right halves, and keeps the page's entries fit for
// purpose — rebuilding in place if the result still fits, or splitting the
// combined entries across b and the caller-supplied sibling target
// otherwise (mirroring Split's redistribution, here over routing entries
// instead of values). used reports whether sibling was actually needed;
// ok is false only if the entries do not fit even after splitting across
// both pages (a pathological fan-out this layout does not support).
func (b *Buffer) ReplaceRoutingEntry(sibling *Buffer, removeKey, leftKey, rightKey []byte, leftAddr, rightAddr PageAddress, policy SplitPolicy) (ok bool, used bool) {
	entries := b.decodeIndexEntries()
	filtered := entries[:0]
	for _, e := range entries {
		if !bytes.Equal(e.key, removeKey) {
			filtered = append(filtered, e)
		}
	}
	filtered = append(filtered, indexEntry{key: append([]byte(nil), leftKey...), addr: leftAddr})
	filtered = append(filtered, indexEntry{key: append([]byte(nil), rightKey...), addr: rightAddr})
	sort.Slice(filtered, func(i, j int) bool { return bytes.Compare(filtered[i].key, filtered[j].key) < 0 })

	if indexEntriesSize(filtered) <= b.pageSize {
		b.rebuildIndexFrom(filtered)
		return true, false
	}

	splitAt := len(filtered) / 2
	left := filtered[:splitAt]
	right := filtered[splitAt:]
	if indexEntriesSize(left) > b.pageSize || indexEntriesSize(right) > sibling.pageSize {
		return false, true
	}
	rightSibling := b.RightSibling()
	b.rebuildIndexFrom(left)
	sibling.rebuildIndexFrom(right)
	sibling.SetRightSibling(rightSibling)
	b.SetRightSibling(sibling.addr)
	return true, true
}
