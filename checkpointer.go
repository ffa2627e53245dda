package persistit

import (
	"time"

	"go.uber.org/zap"

	"github.com/brimstorage/persistit/journal"
)

// checkpointer periodically allocates a checkpoint timestamp, records
// the set of currently active transaction start timestamps, writes a
// CP record, and prunes the page map of entries made obsolete by it
// (§4.1/§4.5). Grounded on the worker shape in config.go and the
// teacher's own periodic background-flush goroutines.
type checkpointer struct {
	w       *worker
	tsAlloc *TimestampAllocator
	index   activeTimestampSource
	mgr     *journal.Manager
	log     *zap.Logger
}

// activeTimestampSource is the subset of *txnindex.Index the
// checkpointer needs; kept as a small interface so tests can fake it
// without constructing a full Index.
type activeTimestampSource interface {
	ActiveStartTimestamps() []int64
}

func newCheckpointer(cfg *Config, tsAlloc *TimestampAllocator, index activeTimestampSource, mgr *journal.Manager) *checkpointer {
	return &checkpointer{
		w:       newWorker("checkpointer"),
		tsAlloc: tsAlloc,
		index:   index,
		mgr:     mgr,
		log:     cfg.Logger.Named("checkpointer"),
	}
}

func (c *checkpointer) run(cfg *Config) {
	interval := c.w.interval(cfg, "checkpointer", cfg.CheckpointInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.w.done)
	for {
		select {
		case <-c.w.stop:
			return
		case <-ticker.C:
			c.runOnce()
		case <-c.w.trigger:
			c.runOnce()
		}
	}
}

func (c *checkpointer) runOnce() {
	ts := c.tsAlloc.AllocateCheckpointTimestamp()
	active := c.index.ActiveStartTimestamps()
	if err := c.mgr.Checkpoint(ts, active); err != nil {
		c.log.Error("checkpoint failed", zap.Error(err))
		return
	}
	c.log.Debug("checkpoint complete", zap.Int64("ts", ts), zap.Int("active", len(active)))
}

func (c *checkpointer) Trigger() { c.w.Trigger() }
func (c *checkpointer) Stop()    { c.w.Stop() }
