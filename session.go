package persistit

import (
	"sync"
	"sync/atomic"
)

// Session replaces the thread-local session anchor the original engine
// uses: callers carry an explicit Session value into every operation
// instead of resolving "the current thread's session" implicitly. The
// engine keeps a Session -> *Transaction table so a Session can be handed
// to any goroutine without binding to thread identity. Grounded on §9's
// design note.
type Session struct {
	id int64
}

var sessionSeq int64

// NewSession mints a fresh Session handle. A Session has no transaction
// until Begin is called with it.
func NewSession() Session {
	return Session{id: atomic.AddInt64(&sessionSeq, 1)}
}

// sessionTable maps a Session to its active Transaction, if any.
type sessionTable struct {
	mu sync.RWMutex
	m  map[int64]*Transaction
}

func newSessionTable() *sessionTable {
	return &sessionTable{m: make(map[int64]*Transaction)}
}

func (st *sessionTable) bind(s Session, txn *Transaction) {
	st.mu.Lock()
	st.m[s.id] = txn
	st.mu.Unlock()
}

func (st *sessionTable) unbind(s Session) {
	st.mu.Lock()
	delete(st.m, s.id)
	st.mu.Unlock()
}

func (st *sessionTable) lookup(s Session) (*Transaction, bool) {
	st.mu.RLock()
	txn, ok := st.m[s.id]
	st.mu.RUnlock()
	return txn, ok
}
