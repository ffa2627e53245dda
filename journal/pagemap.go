package journal

import (
	"sync"

	"github.com/pkg/errors"
)

// pageKey identifies a page by (volume, address) the way the buffer
// pool does, duplicated here rather than imported to keep journal
// free of a dependency on the buffer package's internal page address
// representation.
type pageKey struct {
	VolumeID int32
	Address  uint32
}

// PageNode is one journaled image of a page, the unit the page map
// chains by (volume, page) in newest-first order. Data caches the
// page bytes in memory at insert time rather than re-reading them
// from the journal file during copy-back — a deliberate simplification
// (see DESIGN.md) that trades journal-file random access for memory,
// acceptable because journaled pages are bounded by buffer pool
// throughput between checkpoints.
type PageNode struct {
	Timestamp    int64
	JournalAddr  int64
	VolumeID     int32
	PageAddress  uint32
	Data         []byte
}

// PageMap tracks, for every (volume, page), the chain of journaled
// images not yet copied back to the volume file. Insert enforces the
// timestamp monotonicity invariant: within one chain, timestamps must
// never decrease. A violation previously escaped as bug 1003578 — two
// page writers racing a stale read-modify-write cycle — and is now a
// fatal internal consistency error instead of silent corruption.
type PageMap struct {
	mu     sync.Mutex
	chains map[pageKey][]*PageNode // newest-first
}

// NewPageMap returns an empty page map.
func NewPageMap() *PageMap {
	return &PageMap{chains: make(map[pageKey][]*PageNode)}
}

// ErrTimestampRegression is returned by Insert when a page node's
// timestamp is older than the current chain head for its (volume,
// page) — the page map's guard against bug 1003578.
var ErrTimestampRegression = errors.New("journal: page timestamp regression (monotonicity invariant violated)")

// Insert adds node to the front of its chain, rejecting it if its
// timestamp regresses behind the chain's current head.
func (m *PageMap) Insert(node *PageNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pageKey{VolumeID: node.VolumeID, Address: node.PageAddress}
	chain := m.chains[key]
	if len(chain) > 0 && node.Timestamp < chain[0].Timestamp {
		return errors.Wrapf(ErrTimestampRegression, "volume=%d page=%d new=%d head=%d",
			node.VolumeID, node.PageAddress, node.Timestamp, chain[0].Timestamp)
	}
	m.chains[key] = append([]*PageNode{node}, chain...)
	return nil
}

// Latest returns the newest node for (volumeID, pageAddress), if any.
func (m *PageMap) Latest(volumeID int32, pageAddress uint32) (*PageNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[pageKey{VolumeID: volumeID, Address: pageAddress}]
	if len(chain) == 0 {
		return nil, false
	}
	return chain[0], true
}

// Forget discards every node in a (volume, page) chain. Used by
// copy-back once a chain's pages have all been written to the volume,
// and by explicit eviction paths that must never resurrect an
// obsolete entry once forgotten (bug 942669).
func (m *PageMap) Forget(volumeID int32, pageAddress uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chains, pageKey{VolumeID: volumeID, Address: pageAddress})
}

// PruneOlderThan removes, from every chain, nodes with a timestamp
// strictly older than the newest node that is itself <= checkpointTs.
// This is the copy-back retention rule: keep the newest image at or
// before the checkpoint (it's the one copy-back will write), plus any
// strictly newer images that postdate the checkpoint and must remain
// in the journal for future recovery, and forget everything older.
func (m *PageMap) PruneOlderThan(checkpointTs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, chain := range m.chains {
		cut := -1
		for i, n := range chain {
			if n.Timestamp <= checkpointTs {
				cut = i
				break
			}
		}
		if cut < 0 {
			continue
		}
		m.chains[key] = chain[:cut+1]
	}
}

// Snapshot returns every chain head currently tracked, for copy-back
// and stats reporting. The returned slice is a defensive copy.
func (m *PageMap) Snapshot() []*PageNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PageNode, 0, len(m.chains))
	for _, chain := range m.chains {
		if len(chain) > 0 {
			out = append(out, chain[0])
		}
	}
	return out
}

// Len reports the number of distinct (volume, page) chains tracked.
func (m *PageMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chains)
}
