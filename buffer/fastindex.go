package buffer

// rebuildFastIndex decodes every key block's full key once and caches it,
// giving subsequent findKey calls true O(log n) binary search instead of
// the O(depth) prefix-chain walk a single decode requires. Fast Index
// validity is a property of the in-memory Buffer only — it is never
// persisted and is recomputed whenever a mutation invalidates it (§3).
func (b *Buffer) rebuildFastIndex() {
	n := b.KeyCount()
	keys := make([][]byte, n)
	var prev []byte
	for i := 0; i < n; i++ {
		elided, _, tail := b.keyBlockAt(i)
		suffix := b.readKeySuffix(tail)
		full := make([]byte, 0, elided+len(suffix))
		if elided > 0 {
			full = append(full, prev[:elided]...)
		}
		full = append(full, suffix...)
		keys[i] = full
		prev = full
	}
	b.fullKeys = keys
	b.fastValid = true
}

// fullKeyAt returns the fully decoded key at index i, rebuilding the fast
// index first if it is not valid.
func (b *Buffer) fullKeyAt(i int) []byte {
	if !b.fastValid {
		b.rebuildFastIndex()
	}
	return b.fullKeys[i]
}
