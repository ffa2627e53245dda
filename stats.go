package persistit

import (
	"fmt"

	"github.com/gholt/brimtext"

	"github.com/brimstorage/persistit/buffer"
)

// Stats is the gather-stats surface (§10): a point-in-time snapshot of
// buffer pool, transaction index, and journal counters for diagnostics
// and monitoring, grounded on the teacher's own stats-gathering
// pattern of plain aggregate structs rather than a metrics client
// dependency (so callers choose how to export these, e.g. via
// whatever metrics library their process already uses).
type Stats struct {
	Buffer     buffer.Stats
	ActiveTxns int
	Journal    JournalStats
}

// JournalStats reports journal-manager-level counters.
type JournalStats struct {
	CurrentSequence   int64
	LastCheckpointTs  int64
	TrackedPageChains int
}

// statsSource abstracts the engine components stats.go reads from, so
// this file has no dependency on engine.go's concrete wiring order.
type statsSource interface {
	PoolStats() buffer.Stats
	ActiveTransactionCount() int
	JournalSequence() int64
	JournalLastCheckpoint() int64
	JournalPageChains() int
}

// GatherStats assembles a Stats snapshot from the given source.
func GatherStats(src statsSource) Stats {
	return Stats{
		Buffer:     src.PoolStats(),
		ActiveTxns: src.ActiveTransactionCount(),
		Journal: JournalStats{
			CurrentSequence:   src.JournalSequence(),
			LastCheckpointTs:  src.JournalLastCheckpoint(),
			TrackedPageChains: src.JournalPageChains(),
		},
	}
}

// String renders the snapshot as an aligned key/value report, in the
// same shape the teacher's own ValuesStoreStats.String uses for its
// operator-facing stats dump.
func (s Stats) String() string {
	return brimtext.Align([][]string{
		{"buffer.gets", fmt.Sprintf("%d", s.Buffer.Gets)},
		{"buffer.hits", fmt.Sprintf("%d", s.Buffer.Hits)},
		{"buffer.misses", fmt.Sprintf("%d", s.Buffer.Misses)},
		{"buffer.evicts", fmt.Sprintf("%d", s.Buffer.Evicts)},
		{"active_txns", fmt.Sprintf("%d", s.ActiveTxns)},
		{"journal.sequence", fmt.Sprintf("%d", s.Journal.CurrentSequence)},
		{"journal.last_checkpoint_ts", fmt.Sprintf("%d", s.Journal.LastCheckpointTs)},
		{"journal.tracked_page_chains", fmt.Sprintf("%d", s.Journal.TrackedPageChains)},
	}, nil)
}
