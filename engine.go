package persistit

import (
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/brimstorage/persistit/buffer"
	"github.com/brimstorage/persistit/journal"
	"github.com/brimstorage/persistit/txnindex"
)

// Engine is the top-level handle a caller opens: it owns the volume
// set, buffer pool, timestamp allocator, transaction index, journal
// manager, directory, and the background workers that keep them
// converging (checkpointer, cleanup manager, copier). Grounded on the
// teacher's top-level ValuesStore, the single object a caller
// constructs and drives, with every subsystem reachable from it.
type Engine struct {
	cfg *Config

	volumes *VolumeSet
	dir     *Directory
	pool    *buffer.Pool
	tsAlloc *TimestampAllocator
	index   *txnindex.Index
	journal *journal.Manager
	log     *zap.Logger

	sessions *sessionTable

	checkpointer  *checkpointer
	cleanupWorker *cleanupManager
	copyWorker    *copier
}

// Open creates or reopens an engine rooted at dir, applying opts over
// the environment-derived defaults (§6). A single Volume named
// "main" is created (or opened, if present) as the engine's sole
// volume.
func Open(rootDir string, opts ...Option) (*Engine, error) {
	cfg, err := Resolve(opts...)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger

	pageSize := 4096
	for size := range cfg.BufferCounts {
		pageSize = size
		break
	}

	volPath := filepath.Join(rootDir, "main.vol")
	vol, err := openOrCreateVolume(volPath, "main", 1, pageSize, log)
	if err != nil {
		return nil, err
	}

	volumes := NewVolumeSet()
	volumes.Add(vol)

	bufCount := cfg.BufferCounts[pageSize]
	if bufCount <= 0 {
		bufCount = 64
	}
	pool := buffer.NewPool(pageSize, bufCount, volumes, volumes)

	tsAlloc := NewTimestampAllocator(vol.SavedTimestamp())
	index := txnindex.NewIndex(0)

	journalDir := filepath.Join(rootDir, "journal")
	mgr, err := journal.NewManager(journal.ManagerOpts{
		Dir:       journalDir,
		BlockSize: cfg.JournalSize,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	if err := mgr.BindVolume(vol.ID(), vol.Name()); err != nil {
		return nil, err
	}

	directory := newDirectory(vol)

	e := &Engine{
		cfg:      cfg,
		volumes:  volumes,
		dir:      directory,
		pool:     pool,
		tsAlloc:  tsAlloc,
		index:    index,
		journal:  mgr,
		log:      log.Named("engine"),
		sessions: newSessionTable(),
	}

	e.checkpointer = newCheckpointer(cfg, tsAlloc, index, mgr)
	e.cleanupWorker = newCleanupManager(cfg, index, pool, directory)
	e.copyWorker = newCopier(cfg, mgr, volumes)

	go e.checkpointer.run(cfg)
	go e.cleanupWorker.run(cfg)
	go e.copyWorker.run(cfg)

	return e, nil
}

func openOrCreateVolume(path, name string, id int32, pageSize int, log *zap.Logger) (*Volume, error) {
	if v, err := OpenVolume(path, log); err == nil {
		return v, nil
	}
	return CreateVolume(path, name, id, pageSize, log)
}

// Begin starts a new transaction and binds it to session.
func (e *Engine) Begin(session Session) *Transaction {
	txn := beginTransaction(e.tsAlloc, e.index)
	e.sessions.bind(session, txn)
	if err := e.journal.RecordTransactionStart(txn.StartTimestamp()); err != nil {
		e.log.Error("failed to journal transaction start", zap.Error(err))
	}
	return txn
}

// CommitSession commits the transaction bound to session, journals
// the commit, and unbinds the session.
func (e *Engine) CommitSession(session Session) (Result, error) {
	txn, ok := e.sessions.lookup(session)
	if !ok {
		return ResultRollback, errors.New("persistit: commit called with no active transaction for session")
	}
	startTs := txn.StartTimestamp()
	res, err := txn.Commit()
	if err == nil && res == ResultOk {
		if jerr := e.journal.RecordTransactionCommit(startTs, txn.CommitTimestamp()); jerr != nil {
			e.log.Error("failed to journal transaction commit", zap.Error(jerr))
		}
	}
	e.sessions.unbind(session)
	return res, err
}

// RollbackSession rolls back the transaction bound to session and
// unbinds it. Rollback needs no journal record: any TS without a
// matching TC is treated as rolled back on recovery (§4.5).
func (e *Engine) RollbackSession(session Session) Result {
	txn, ok := e.sessions.lookup(session)
	if !ok {
		return ResultRollback
	}
	res := txn.Rollback()
	e.sessions.unbind(session)
	return res
}

// Exchange opens a cursor onto treeName within the engine's main
// volume, creating the tree if it does not already exist, bound to
// session's active transaction if one exists.
func (e *Engine) Exchange(session Session, treeName string) (*Exchange, error) {
	tr, ok := e.dir.Lookup(treeName)
	if !ok || tr.State() == TreeRemoved {
		var err error
		tr, err = e.dir.CreateTree(treeName)
		if err != nil {
			return nil, err
		}
	}
	if tr.State() != TreeActive {
		tr.Activate()
	}
	vol, ok := e.volumes.Get(1)
	if !ok {
		return nil, errors.New("persistit: main volume not attached")
	}
	ex := NewExchange(vol, tr, e.pool, e.index, e.journal)
	if txn, ok := e.sessions.lookup(session); ok {
		ex.SetTransaction(txn)
	}
	return ex, nil
}

// LookupTree returns the named tree, if registered.
func (e *Engine) LookupTree(name string) (*Tree, bool) { return e.dir.Lookup(name) }

// TreeNames lists every tree name ever registered in the engine's
// directory, including removed ones (callers can cross-check state via
// Exchange if they need to filter).
func (e *Engine) TreeNames() []string { return e.dir.List() }

// Stats gathers a point-in-time snapshot of engine counters.
func (e *Engine) Stats() Stats { return GatherStats(e) }

func (e *Engine) PoolStats() buffer.Stats      { return e.pool.Stats() }
func (e *Engine) ActiveTransactionCount() int  { return e.index.ActiveTransactionCount() }
func (e *Engine) JournalSequence() int64       { return e.journal.CurrentSequence() }
func (e *Engine) JournalLastCheckpoint() int64 { return e.journal.LastCheckpointTimestamp() }
func (e *Engine) JournalPageChains() int       { return e.journal.PageMap().Len() }

// TriggerCheckpoint requests an out-of-band checkpoint without waiting
// for the configured interval.
func (e *Engine) TriggerCheckpoint() { e.checkpointer.Trigger() }

// Close stops all background workers, flushes and closes the journal,
// and closes every attached volume.
func (e *Engine) Close() error {
	e.checkpointer.Stop()
	e.cleanupWorker.Stop()
	e.copyWorker.Stop()

	if err := e.journal.Close(); err != nil {
		return err
	}
	if vol, ok := e.volumes.Get(1); ok {
		if err := vol.SetSavedTimestamp(e.tsAlloc.Current()); err != nil {
			return err
		}
		return vol.Close()
	}
	return nil
}
