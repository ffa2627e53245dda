package persistit

import (
	"time"

	"go.uber.org/zap"

	"github.com/brimstorage/persistit/journal"
)

// copier periodically writes journaled page images back to their home
// volume files once they are covered by a durable checkpoint, freeing
// the journal to reclaim that space (§4.5/§4.1). Suppressed entirely
// when the engine is configured append-only, so a consistent backup
// snapshot of the journal can be taken without mutating volume files.
type copier struct {
	w          *worker
	mgr        *journal.Manager
	writer     journal.PageWriter
	appendOnly bool
	log        *zap.Logger
}

func newCopier(cfg *Config, mgr *journal.Manager, writer journal.PageWriter) *copier {
	return &copier{
		w:          newWorker("copier"),
		mgr:        mgr,
		writer:     writer,
		appendOnly: cfg.AppendOnly,
		log:        cfg.Logger.Named("copier"),
	}
}

func (c *copier) run(cfg *Config) {
	interval := c.w.interval(cfg, "copier", 10*time.Second)
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

func (c *copier) runOnce() int {
	if c.appendOnly {
		return 0
	}
	checkpointTs := c.mgr.LastCheckpointTimestamp()
	if checkpointTs == 0 {
		return 0
	}
	n, err := journal.CopyBack(c.mgr.PageMap(), c.writer, checkpointTs)
	if err != nil {
		c.log.Error("copy back failed", zap.Error(err))
		return n
	}
	if n > 0 {
		c.log.Debug("copied pages back to volumes", zap.Int("count", n))
	}
	return n
}

func (c *copier) Trigger() { c.w.Trigger() }
func (c *copier) Stop()    { c.w.Stop() }
