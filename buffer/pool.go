// Package buffer's pool.go implements the Buffer Pool (C3): a bounded,
// fixed-capacity in-memory cache of pages keyed by (volumeID, address),
// with claim/release latching delegated to each Buffer's own Latch and
// page replacement following the LRU/INVALID/FIXED partition of §5.
//
// Grounded on _examples/gholt-valuestore/valuesstore.go's memClearer /
// memWriter / vfWriter background-worker split: that file keeps hot
// entries in a bounded in-memory locmap and evicts to disk under
// pressure from a dedicated goroutine rather than inline on the request
// path, the same shape this pool's evict-on-get borrows (minus the
// background goroutine, since eviction here is synchronous per §5).
package buffer

import (
	"errors"
	"sync"
)

// ErrPoolExhausted is returned by Get when every buffer in the pool is
// latched (claimed) by someone else and none can be evicted.
var ErrPoolExhausted = errors.New("buffer: pool exhausted, no evictable buffer available")

// PageReader loads a page's raw bytes from backing storage (a Volume,
// in the root package) when the pool must fault one in.
type PageReader interface {
	ReadPage(volumeID int32, addr PageAddress, pageSize int) ([]byte, error)
}

// PageWriter persists a dirty page's raw bytes back to backing storage,
// used when the pool evicts a dirty buffer to make room.
type PageWriter interface {
	WritePage(volumeID int32, addr PageAddress, data []byte) error
}

type pageKey struct {
	volumeID int32
	addr     PageAddress
}

// slot wraps one cached Buffer with the pool bookkeeping §5 splits into
// three logical lists (LRU, INVALID, FIXED) even though here they are
// represented as per-slot state rather than physically separate lists,
// since the slice is small enough that a linear LRU scan is adequate
// and avoids the added bookkeeping of three independent linked lists.
type slot struct {
	key     pageKey
	buf     *Buffer
	valid   bool // false == member of the conceptual INVALID list
	fixed   bool // true == member of the conceptual FIXED list, never evicted
	dirty   bool
	useTick uint64 // monotonically bumped on every touch, approximates LRU
}

// Pool is the fixed-capacity buffer cache for one page size. Persistit
// keeps one pool per distinct page size in use; callers construct one
// Pool per size (§5).
type Pool struct {
	mu       sync.Mutex
	pageSize int
	slots    []*slot
	index    map[pageKey]int // key -> index into slots
	clock    uint64

	reader PageReader
	writer PageWriter

	gets    uint64
	hits    uint64
	misses  uint64
	evicts  uint64
}

// NewPool allocates a pool of count buffers, each pageSize bytes,
// backed by reader/writer for faulting pages in and flushing them out.
func NewPool(pageSize, count int, reader PageReader, writer PageWriter) *Pool {
	p := &Pool{
		pageSize: pageSize,
		slots:    make([]*slot, count),
		index:    make(map[pageKey]int, count),
		reader:   reader,
		writer:   writer,
	}
	for i := range p.slots {
		p.slots[i] = &slot{}
	}
	return p
}

// Count returns the pool's fixed buffer capacity, i.e.
// |LRU|+|INVALID|+|FIXED| per §5's invariant — every slot is in exactly
// one of those three conceptual states at all times.
func (p *Pool) Count() int { return len(p.slots) }

// Stats reports cumulative hit/miss/eviction counters for diagnostics.
type Stats struct {
	Gets   uint64
	Hits   uint64
	Misses uint64
	Evicts uint64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Gets: p.gets, Hits: p.hits, Misses: p.misses, Evicts: p.evicts}
}

// Get returns the Buffer for (volumeID, addr), claiming it shared or
// exclusive per wantExclusive, faulting it in from reader if it is not
// already resident. If forceRead is true the page is re-read from
// storage even if a (now presumed stale) copy is resident — used after
// recovery installs a newer page image directly into a volume file.
//
// The returned Buffer is claimed and its slot pinned (FIXED) on return;
// the caller must release it via Pool.Release, which unpins the slot and
// releases the latch.
func (p *Pool) Get(volumeID int32, addr PageAddress, wantExclusive, forceRead bool) (*Buffer, error) {
	p.mu.Lock()
	p.gets++
	key := pageKey{volumeID, addr}
	if i, ok := p.index[key]; ok && p.slots[i].valid && !forceRead {
		s := p.slots[i]
		p.hits++
		p.clock++
		s.useTick = p.clock
		s.fixed = true
		buf := s.buf
		p.mu.Unlock()
		if wantExclusive {
			buf.Latch().ClaimExclusive()
		} else {
			buf.Latch().ClaimShared()
		}
		return buf, nil
	}
	p.misses++
	idx, err := p.acquireSlotLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	s := p.slots[idx]
	if s.valid {
		delete(p.index, s.key)
	}
	buf := NewBuffer(p.pageSize, volumeID, addr)
	s.key = key
	s.buf = buf
	s.valid = true
	s.fixed = true
	s.dirty = false
	p.clock++
	s.useTick = p.clock
	p.index[key] = idx
	p.mu.Unlock()

	buf.Latch().ClaimExclusive()
	if p.reader != nil {
		data, rerr := p.reader.ReadPage(volumeID, addr, p.pageSize)
		if rerr != nil {
			buf.Latch().ReleaseExclusive()
			p.mu.Lock()
			s.valid = false
			s.fixed = false
			delete(p.index, key)
			p.mu.Unlock()
			return nil, rerr
		}
		copy(buf.Bytes(), data)
		buf.invalidateFastIndex()
	}
	if !wantExclusive {
		buf.Latch().Downgrade()
	}
	return buf, nil
}

// acquireSlotLocked finds a slot to (re)use: an invalid (never-used)
// slot first, else the least-recently-used unfixed, unclaimed slot,
// evicting it (flushing if dirty) first. p.mu must be held.
func (p *Pool) acquireSlotLocked() (int, error) {
	for i, s := range p.slots {
		if !s.valid {
			return i, nil
		}
	}
	best := -1
	var bestTick uint64
	for i, s := range p.slots {
		if s.fixed || !s.buf.Latch().TryClaimExclusive() {
			continue
		}
		if best == -1 || s.useTick < bestTick {
			if best != -1 {
				p.slots[best].buf.Latch().ReleaseExclusive()
			}
			best = i
			bestTick = s.useTick
		} else {
			s.buf.Latch().ReleaseExclusive()
		}
	}
	if best == -1 {
		return 0, ErrPoolExhausted
	}
	s := p.slots[best]
	if s.dirty && p.writer != nil {
		if err := p.writer.WritePage(s.key.volumeID, s.key.addr, s.buf.Bytes()); err != nil {
			s.buf.Latch().ReleaseExclusive()
			return 0, err
		}
	}
	p.evicts++
	s.buf.Latch().ReleaseExclusive()
	return best, nil
}

// MarkDirty records that buf's contents have changed as of ts and must
// be flushed before the buffer can be reused for another page. Per §3
// the page's own Timestamp must already reflect ts; MarkDirty only
// updates pool bookkeeping.
func (p *Pool) MarkDirty(buf *Buffer, ts int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pageKey{buf.VolumeID(), buf.Address()}
	if i, ok := p.index[key]; ok {
		p.slots[i].dirty = true
	}
	buf.SetTimestamp(ts)
}

// Release hands a previously Get'd buffer back to the replacement
// pool's consideration: it unsets the FIXED bit so the buffer again
// becomes eligible for LRU eviction, then releases the latch. Callers
// that want to keep a page pinned across multiple operations should
// not call Release between them.
func (p *Pool) Release(buf *Buffer, exclusive bool) {
	p.mu.Lock()
	key := pageKey{buf.VolumeID(), buf.Address()}
	if i, ok := p.index[key]; ok {
		p.slots[i].fixed = false
	}
	p.mu.Unlock()
	if exclusive {
		buf.Latch().ReleaseExclusive()
	} else {
		buf.Latch().ReleaseShared()
	}
}

// Evict forcibly drops a resident page from the pool without flushing
// it, used by recovery when a page image is known to be obsolete and
// must not be written back (bug 942669's concern in the journal
// package: never resurrect an obsolete page entry).
func (p *Pool) Evict(volumeID int32, addr PageAddress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pageKey{volumeID, addr}
	if i, ok := p.index[key]; ok {
		p.slots[i].valid = false
		p.slots[i].dirty = false
		delete(p.index, key)
	}
}
