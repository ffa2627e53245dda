package buffer

import "sync"

// Latch implements the per-Buffer claim/release protocol of §5: any
// number of readers may hold a shared claim concurrently, but a writer
// needs the latch exclusively, and a shared holder may try to upgrade
// in place without releasing first. Upgrade can race with another
// upgrader; the loser is told to retry rather than being blocked, since
// blocking there risks deadlock between two readers both trying to
// become the writer.
//
// Grounded on the claim/release discipline _examples/gholt-valuestore
// documents around its background workers contending for the same
// value-location bucket locks (valuelocmap.go's per-bucket sync.Mutex),
// generalized here to the reader/writer and in-place-upgrade shape §5
// requires.
type Latch struct {
	mu      sync.Mutex
	readers int
	writer  bool
	cond    *sync.Cond
}

func (l *Latch) init() {
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
}

// ClaimShared blocks until a shared claim is available and takes one.
func (l *Latch) ClaimShared() {
	l.mu.Lock()
	l.init()
	for l.writer {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// ClaimExclusive blocks until the latch is completely free and takes it
// exclusively.
func (l *Latch) ClaimExclusive() {
	l.mu.Lock()
	l.init()
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.writer = true
	l.mu.Unlock()
}

// TryClaimExclusive is the non-blocking form, used by callers (e.g. the
// buffer pool evicting a page) that must not stall behind a contended
// page.
func (l *Latch) TryClaimExclusive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init()
	if l.writer || l.readers > 0 {
		return false
	}
	l.writer = true
	return true
}

// ReleaseShared gives up one shared claim.
func (l *Latch) ReleaseShared() {
	l.mu.Lock()
	l.init()
	l.readers--
	if l.readers < 0 {
		panic("buffer: ReleaseShared without a matching ClaimShared")
	}
	if l.readers == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// ReleaseExclusive gives up the exclusive claim.
func (l *Latch) ReleaseExclusive() {
	l.mu.Lock()
	l.init()
	if !l.writer {
		panic("buffer: ReleaseExclusive without a matching ClaimExclusive")
	}
	l.writer = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Upgrade attempts to convert this caller's shared claim into the
// exclusive claim without an intervening release, per §5's "claims may
// be upgraded to exclusive" rule. It succeeds only when this is the
// sole shared holder; otherwise it returns false and the caller's
// shared claim is left intact; the caller must release and retry via
// ClaimExclusive to avoid two upgraders deadlocking on each other.
func (l *Latch) Upgrade() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init()
	if l.writer || l.readers != 1 {
		return false
	}
	l.readers = 0
	l.writer = true
	return true
}

// Downgrade converts an exclusive claim back to a single shared claim,
// waking any readers blocked behind it.
func (l *Latch) Downgrade() {
	l.mu.Lock()
	l.init()
	if !l.writer {
		panic("buffer: Downgrade without a matching ClaimExclusive")
	}
	l.writer = false
	l.readers = 1
	l.cond.Broadcast()
	l.mu.Unlock()
}
