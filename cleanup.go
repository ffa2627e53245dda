package persistit

import (
	"time"

	"go.uber.org/zap"

	"github.com/brimstorage/persistit/buffer"
	"github.com/brimstorage/persistit/txnindex"
)

// cleanupManager periodically refreshes the transaction index's active
// set, reclaims completed statuses whose retained MVV count has reached
// zero (honoring the bug-914474 retention rule — never free a status
// while an older transaction is still active — that
// txnindex.Index.Cleanup already enforces internally), and prunes
// superseded MVV versions out of every tree's pages per §4.4, the two
// halves of garbage collection this storage engine needs: status-table
// reclamation and page-tail reclamation.
type cleanupManager struct {
	w     *worker
	index *txnindex.Index
	pool  *buffer.Pool
	dir   *Directory
	log   *zap.Logger
}

func newCleanupManager(cfg *Config, index *txnindex.Index, pool *buffer.Pool, dir *Directory) *cleanupManager {
	return &cleanupManager{
		w:     newWorker("cleanup"),
		index: index,
		pool:  pool,
		dir:   dir,
		log:   cfg.Logger.Named("cleanup"),
	}
}

func (c *cleanupManager) run(cfg *Config) {
	interval := c.w.interval(cfg, "cleanup", 5*time.Second)
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

func (c *cleanupManager) runOnce() int {
	c.index.UpdateActiveTransactionCache()
	freed := c.index.Cleanup()
	if freed > 0 {
		c.log.Debug("reclaimed completed transaction statuses", zap.Int("count", freed))
	}
	pruned := c.pruneAll()
	if pruned > 0 {
		c.log.Debug("pruned obsolete MVV versions", zap.Int("count", pruned))
	}
	return freed
}

// pruneAll walks every active tree in the directory and prunes obsolete
// MVV versions from its leaf pages, per §4.4. A tree whose leaves cannot
// be walked (e.g. the volume went suspect mid-sweep) is logged and
// skipped rather than aborting the whole pass.
func (c *cleanupManager) pruneAll() int {
	total := 0
	for _, name := range c.dir.List() {
		tree, ok := c.dir.Lookup(name)
		if !ok || tree.State() != TreeActive {
			continue
		}
		n, err := c.pruneTree(tree)
		if err != nil {
			c.log.Warn("prune pass failed for tree", zap.String("tree", name), zap.Error(err))
			continue
		}
		total += n
	}
	return total
}

// pruneTree descends the tree's leftmost spine to find its first leaf,
// then walks every leaf in key order via RightSibling (the same
// sibling-chain walk Exchange.traverseForward uses), pruning each one in
// turn.
func (c *cleanupManager) pruneTree(tree *Tree) (int, error) {
	vol := tree.Volume()
	addr := tree.RootPage()
	page, err := c.pool.Get(vol.ID(), addr, true, false)
	if err != nil {
		return 0, err
	}
	for page.Type() == buffer.PageTypeIndex {
		child, ok := firstChildPointer(page)
		c.pool.Release(page, true)
		if !ok {
			return 0, nil
		}
		page, err = c.pool.Get(vol.ID(), child, true, false)
		if err != nil {
			return 0, err
		}
	}

	tempKey := make([]byte, 0, 64)
	total := 0
	for {
		n := page.PruneMVVValues(c.index, tempKey)
		if n > 0 {
			total += n
			c.pool.MarkDirty(page, page.Timestamp())
		}
		next := page.RightSibling()
		c.pool.Release(page, true)
		if next == 0 {
			return total, nil
		}
		page, err = c.pool.Get(vol.ID(), next, true, false)
		if err != nil {
			return total, err
		}
	}
}

// firstChildPointer returns the page pointer of an index page's leftmost
// routing entry, the entry point for a leftmost-spine descent.
func firstChildPointer(page *buffer.Buffer) (buffer.PageAddress, bool) {
	if page.KeyCount() == 0 {
		return 0, false
	}
	hdr, ok := page.LongRecordAt(page.TailOffsetAt(0))
	if !ok {
		return 0, false
	}
	return hdr.FirstPage, true
}

func (c *cleanupManager) Trigger() { c.w.Trigger() }
func (c *cleanupManager) Stop()    { c.w.Stop() }
