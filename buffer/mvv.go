package buffer

import (
	"encoding/binary"
	"errors"

	"github.com/brimstorage/persistit/txnindex"
)

// TypeMVV is the sentinel byte that begins an MVV-encoded payload. Any
// byte sequence not beginning with this sentinel is a plain (non-MVV)
// payload representing the single primordial version, per §4.2.
const TypeMVV byte = 0xFE

// mvvEntryHeaderSize is the (versionHandle:8, length:2) prefix preceding
// each version's payload bytes.
const mvvEntryHeaderSize = 10

// ErrInsufficientCapacity is returned by StoreVersion when the
// destination buffer cannot hold the resulting encoding.
var ErrInsufficientCapacity = errors.New("buffer: insufficient capacity for MVV version")

// ErrVersionNotFound is returned by FetchVersion when no version with the
// requested handle exists in the encoding.
var ErrVersionNotFound = errors.New("buffer: MVV version not found")

// VersionHandle identifies one version within an MVV payload: the owning
// transaction's start timestamp combined with a step number, per the
// glossary. The codec treats it as an opaque 8-byte big-endian value.
type VersionHandle uint64

// MakeVersionHandle packs a start timestamp and step into a VersionHandle.
func MakeVersionHandle(startTs int64, step uint16) VersionHandle {
	return VersionHandle(uint64(startTs)<<16 | uint64(step))
}

func (vh VersionHandle) StartTimestamp() int64 { return int64(uint64(vh) >> 16) }
func (vh VersionHandle) Step() uint16          { return uint16(vh) }

// IsMVV reports whether buf[:used] is an MVV-encoded payload (begins with
// the TypeMVV sentinel) as opposed to a plain primordial value.
func IsMVV(buf []byte, used int) bool {
	return used > 0 && buf[0] == TypeMVV
}

type mvvEntry struct {
	vh     VersionHandle
	offset int // offset of payload bytes within buf
	length int
}

// visitAllVersions invokes fn(vh, length, offset) for every version in
// encounter order, stopping early if fn returns false.
func visitAllVersions(buf []byte, used int, fn func(vh VersionHandle, length int, offset int) bool) {
	if !IsMVV(buf, used) {
		return
	}
	i := 1
	for i+mvvEntryHeaderSize <= used {
		vh := VersionHandle(binary.BigEndian.Uint64(buf[i:]))
		length := int(binary.BigEndian.Uint16(buf[i+8:]))
		payloadOff := i + mvvEntryHeaderSize
		if !fn(vh, length, payloadOff) {
			return
		}
		i = payloadOff + length
	}
}

// VisitAllVersions is the exported form of visitAllVersions used outside
// this package (pruning, replication-style scans).
func VisitAllVersions(buf []byte, used int, visitor func(vh VersionHandle, length int, offset int) bool) {
	visitAllVersions(buf, used, visitor)
}

func findVersion(buf []byte, used int, vh VersionHandle) (entry mvvEntry, found bool) {
	visitAllVersions(buf, used, func(cand VersionHandle, length, offset int) bool {
		if cand == vh {
			entry = mvvEntry{vh: cand, offset: offset, length: length}
			found = true
			return false
		}
		return true
	})
	return
}

// FetchVersion copies the payload of the exactly matching version into
// out (growing it if necessary) and returns it, or returns
// ErrVersionNotFound if vh is absent.
func FetchVersion(buf []byte, used int, vh VersionHandle, out []byte) ([]byte, error) {
	entry, found := findVersion(buf, used, vh)
	if !found {
		return out, ErrVersionNotFound
	}
	out = out[:0]
	out = append(out, buf[entry.offset:entry.offset+entry.length]...)
	return out, nil
}

// StoreVersion appends a new version (vh, src) into buf[:used], returning
// the new used length. If a version with the same vh already exists, it
// is replaced in place when lengths are equal; otherwise the old entry is
// removed and the new version is appended at the end. The first write into
// previously undefined bytes (used == 0) also inserts a (vh=0, len=0)
// sentinel representing "undefined", matching §8 property 2's concrete
// scenario. Fails with ErrInsufficientCapacity if cap(buf) cannot hold the
// resulting encoding.
func StoreVersion(buf []byte, used int, vh VersionHandle, src []byte) (int, error) {
	if used == 0 {
		need := 1 + mvvEntryHeaderSize + mvvEntryHeaderSize + len(src)
		if cap(buf) < need {
			return used, ErrInsufficientCapacity
		}
		buf = buf[:need]
		buf[0] = TypeMVV
		writeEntry(buf[1:], 0, nil)
		writeEntry(buf[1+mvvEntryHeaderSize:], vh, src)
		return need, nil
	}
	if !IsMVV(buf, used) {
		// A plain primordial payload is being superseded by a versioned
		// write: wrap it as version 0 (primordial) before appending vh.
		primordial := append([]byte(nil), buf[:used]...)
		buf = buf[:0]
		n, err := StoreVersion(buf, 0, VersionHandle(0), primordial)
		if err != nil {
			return used, err
		}
		return StoreVersion(buf[:n], n, vh, src)
	}
	if existing, found := findVersion(buf, used, vh); found {
		if existing.length == len(src) {
			// Same length: replace in place, preserving encounter order.
			copy(buf[existing.offset:existing.offset+existing.length], src)
			return used, nil
		}
		// Different length: §8 property 3 requires the replaced version to
		// move to the tail rather than shift its neighbours in place, so
		// remove the old entry first and then append the new one at the end.
		entryStart := existing.offset - mvvEntryHeaderSize
		entryEnd := existing.offset + existing.length
		copy(buf[entryStart:used], buf[entryEnd:used])
		used -= entryEnd - entryStart
		need := used + mvvEntryHeaderSize + len(src)
		if cap(buf) < need {
			return used, ErrInsufficientCapacity
		}
		buf = buf[:need]
		writeEntry(buf[used:], vh, src)
		return need, nil
	}
	need := used + mvvEntryHeaderSize + len(src)
	if cap(buf) < need {
		return used, ErrInsufficientCapacity
	}
	buf = buf[:need]
	writeEntry(buf[used:], vh, src)
	return need, nil
}

func writeEntry(dst []byte, vh VersionHandle, payload []byte) {
	binary.BigEndian.PutUint64(dst, uint64(vh))
	binary.BigEndian.PutUint16(dst[8:], uint16(len(payload)))
	copy(dst[mvvEntryHeaderSize:], payload)
}

// pruneSafe reports whether the version owned by ownerStartTs can never
// again be the version some present or future reader needs: it aborted,
// or it committed at or before every currently active transaction's
// snapshot (so every live reader already sees something at least as new).
// A status no longer resident in idx completed long enough ago (and was
// freed by Cleanup, which never frees a status while an older transaction
// is still active) to be universally visible, and is therefore also safe.
func pruneSafe(idx *txnindex.Index, oldestActive int64, anyActive bool, ownerStartTs int64) bool {
	if ownerStartTs == txnindex.Primordial {
		return true
	}
	s := idx.Lookup(ownerStartTs)
	if s == nil {
		return true
	}
	if s.IsAborted() {
		return true
	}
	return s.IsCommitted() && (!anyActive || s.CommitTimestamp() <= oldestActive)
}

// PruneMVVValues replays §4.4's decision rule against every MVV-encoded
// value on the page: starting from the oldest version, it discards the
// longest safely-obsolete prefix (aborted versions, and committed versions
// wholly superseded by a later committed version that is itself visible
// to every active transaction), decrementing each discarded version's
// owning Status via DecrementMVVCount. When the sole surviving version is
// itself a safely-obsolete anti-value (the rollback/delete case of §8
// property 12), the key is removed outright via RemoveKeys rather than
// left holding an unreachable tombstone. Returns the number of versions
// discarded.
func (b *Buffer) PruneMVVValues(idx *txnindex.Index, tempKey []byte) int {
	oldestActive, anyActive := idx.OldestActive()
	discarded := 0
	for i := 0; i < b.KeyCount(); i++ {
		raw, ok := b.ValueAt(b.TailOffsetAt(i))
		if !ok || !IsMVV(raw, len(raw)) {
			continue
		}
		var versions []mvvEntry
		visitAllVersions(raw, len(raw), func(vh VersionHandle, length, offset int) bool {
			versions = append(versions, mvvEntry{vh: vh, offset: offset, length: length})
			return true
		})
		if len(versions) == 0 {
			continue
		}
		aborted := func(j int) bool {
			s := idx.Lookup(versions[j].vh.StartTimestamp())
			return s != nil && s.IsAborted()
		}
		lastVisible, safeEnd := -1, 0
		for safeEnd < len(versions) && pruneSafe(idx, oldestActive, anyActive, versions[safeEnd].vh.StartTimestamp()) {
			if !aborted(safeEnd) {
				lastVisible = safeEnd
			}
			safeEnd++
		}
		keepFrom := 0
		for keepFrom < len(versions)-1 && keepFrom < safeEnd && (keepFrom < lastVisible || aborted(keepFrom)) {
			keepFrom++
		}
		last := versions[len(versions)-1]
		dropLast := keepFrom == len(versions)-1 && last.length == 0 &&
			pruneSafe(idx, oldestActive, anyActive, last.vh.StartTimestamp())
		if keepFrom == 0 && !dropLast {
			continue
		}
		dropped := versions[:keepFrom]
		if dropLast {
			dropped = versions
		}
		for _, v := range dropped {
			owner := v.vh.StartTimestamp()
			if owner == txnindex.Primordial {
				continue
			}
			if s := idx.Lookup(owner); s != nil {
				s.DecrementMVVCount()
			}
		}
		discarded += len(dropped)
		if dropLast {
			b.RemoveKeys(i, i+1, tempKey)
			if n := b.MVVCount(); n > 0 {
				b.setMVVCount(n - 1)
			}
			i--
			continue
		}
		rebuilt := make([]byte, 1, len(raw))
		rebuilt[0] = TypeMVV
		for _, v := range versions[keepFrom:] {
			entry := make([]byte, mvvEntryHeaderSize+v.length)
			writeEntry(entry, v.vh, raw[v.offset:v.offset+v.length])
			rebuilt = append(rebuilt, entry...)
		}
		b.PutValue(b.FullKeyAt(i), len(rebuilt), func(dst []byte) { copy(dst, rebuilt) })
	}
	return discarded
}
