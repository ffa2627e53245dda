package persistit

import "go.uber.org/zap"

// newNopLogger returns a structured logger that discards output, used as
// the default when a caller does not supply one via OptLogger. Every
// background worker (checkpointer, copier, cleanup) and
// every Fatal/Corruption escalation logs through a *zap.Logger rather than
// the bare log.Logger the teacher uses (see SPEC_FULL.md §7): this engine
// runs several concurrent workers across many volumes, and structured
// fields (volume, page, timestamp) let an operator filter a single
// volume's history out of an otherwise noisy log.
func newNopLogger() *zap.Logger {
	return zap.NewNop()
}

// componentLogger tags a logger with the component name so log lines from
// the buffer pool, journal manager, and txn index are easy to separate.
func componentLogger(base *zap.Logger, component string) *zap.Logger {
	return base.With(zap.String("component", component))
}
