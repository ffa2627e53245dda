package persistit

import "bytes"

// segmentBoundary separates segments appended to a Key. Comparisons
// remain purely byte-lexicographic per §3; the marker only affects how
// append/decode walk the byte sequence, never how two Keys compare.
const segmentBoundary byte = 0x01

// Key is an ordered sequence of unsigned bytes with strict lexicographic
// ordering, optionally built from multiple appended segments. Two sentinel
// keys, Before and After, compare strictly less/greater than any real key
// and never materialize in storage.
type Key struct {
	bytes    []byte
	sentinel sentinelKind
}

type sentinelKind int

const (
	sentinelNone sentinelKind = iota
	sentinelBefore
	sentinelAfter
)

// BeforeKey returns the sentinel that compares less than every real key.
func BeforeKey() Key { return Key{sentinel: sentinelBefore} }

// AfterKey returns the sentinel that compares greater than every real key.
func AfterKey() Key { return Key{sentinel: sentinelAfter} }

// NewKey builds a Key from raw bytes, copying them so the caller's buffer
// can be reused.
func NewKey(b []byte) Key {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Key{bytes: cp}
}

// AppendSegment appends another ordered byte sequence as a new segment.
// Segment boundaries are recorded as a segmentBoundary byte (firstSegment
// in exchange.go splits on it), but Compare is always pure
// byte-lexicographic order over the concatenated bytes.
func (k Key) AppendSegment(seg []byte) Key {
	out := make([]byte, 0, len(k.bytes)+len(seg)+1)
	out = append(out, k.bytes...)
	if len(k.bytes) > 0 {
		out = append(out, segmentBoundary)
	}
	out = append(out, seg...)
	return Key{bytes: out}
}

// Bytes returns the raw encoded byte sequence. Sentinel keys return nil;
// callers must check IsBefore/IsAfter before treating Bytes as meaningful.
func (k Key) Bytes() []byte { return k.bytes }

func (k Key) IsBefore() bool { return k.sentinel == sentinelBefore }
func (k Key) IsAfter() bool  { return k.sentinel == sentinelAfter }

// Compare returns -1, 0, or 1 as k is less than, equal to, or greater than
// other, honoring the Before/After sentinels.
func (k Key) Compare(other Key) int {
	if k.sentinel != sentinelNone || other.sentinel != sentinelNone {
		return compareSentinels(k, other)
	}
	return bytes.Compare(k.bytes, other.bytes)
}

func compareSentinels(a, b Key) int {
	rank := func(k Key) int {
		switch k.sentinel {
		case sentinelBefore:
			return -1
		case sentinelAfter:
			return 1
		default:
			return 0
		}
	}
	ra, rb := rank(a), rank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		// Both real keys (rank 0 each but sentinel==None guaranteed by caller
		// guard above means we never reach here with both None); fall back
		// to byte comparison for safety.
		return bytes.Compare(a.bytes, b.bytes)
	}
}

// elidedBytes returns the count of leading bytes shared between prev and
// k, used by the page layout's prefix-compression key blocks.
func elidedBytes(prev, k []byte) int {
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

// MaxKeySize returns the maximum storable key size for a given page size,
// per §3: floor((pageSize - fixedOverhead) / 4).
func MaxKeySize(pageSize int, fixedOverhead int) int {
	v := (pageSize - fixedOverhead) / 4
	if v < 0 {
		return 0
	}
	return v
}
