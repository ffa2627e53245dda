package persistit

import (
	"testing"
	"time"

	"github.com/gholt/brimutil"
	"github.com/stretchr/testify/require"
)

// scrambledBytes fills count bytes deterministically from seed, the
// same reproducible-fixture-data approach the teacher's own CLI uses
// to generate its benchmark keyspace and values.
func scrambledBytes(seed int64, count int) []byte {
	buf := make([]byte, count)
	brimutil.NewSeededScrambled(seed).Read(buf)
	return buf
}

func TestEngineOpenStoreCommitFetch(t *testing.T) {
	eng, err := Open(t.TempDir())
	require.NoError(t, err)
	defer eng.Close()

	sess := NewSession()
	eng.Begin(sess)

	ex, err := eng.Exchange(sess, "widgets")
	require.NoError(t, err)

	tsAlloc := eng.tsAlloc
	_, err = ex.Store([]byte("alpha"), []byte("one"), tsAlloc)
	require.NoError(t, err)

	res, err := eng.CommitSession(sess)
	require.NoError(t, err)
	require.Equal(t, ResultOk, res)

	sess2 := NewSession()
	eng.Begin(sess2)
	ex2, err := eng.Exchange(sess2, "widgets")
	require.NoError(t, err)
	val, ok, err := ex2.Fetch([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", string(val))
	eng.RollbackSession(sess2)
}

func TestEngineStoreFetchScrambledKeyspace(t *testing.T) {
	eng, err := Open(t.TempDir())
	require.NoError(t, err)
	defer eng.Close()

	sess := NewSession()
	eng.Begin(sess)
	ex, err := eng.Exchange(sess, "widgets")
	require.NoError(t, err)

	const n = 32
	keys := make([][]byte, n)
	values := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = scrambledBytes(int64(i+1), 16)
		values[i] = scrambledBytes(int64(i+1001), 64)
		_, err := ex.Store(keys[i], values[i], eng.tsAlloc)
		require.NoError(t, err)
	}
	res, err := eng.CommitSession(sess)
	require.NoError(t, err)
	require.Equal(t, ResultOk, res)

	sess2 := NewSession()
	eng.Begin(sess2)
	ex2, err := eng.Exchange(sess2, "widgets")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		val, ok, err := ex2.Fetch(keys[i])
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, values[i], val)
	}
	eng.RollbackSession(sess2)
}

func TestEngineStatsReportsCounters(t *testing.T) {
	eng, err := Open(t.TempDir())
	require.NoError(t, err)
	defer eng.Close()

	stats := eng.Stats()
	require.GreaterOrEqual(t, stats.Buffer.Gets, uint64(0))
	require.Equal(t, 0, stats.ActiveTxns)
	require.Contains(t, stats.String(), "active_txns")
}

func TestEngineTriggerCheckpointIsDurable(t *testing.T) {
	eng, err := Open(t.TempDir())
	require.NoError(t, err)
	defer eng.Close()

	eng.TriggerCheckpoint()
	require.Eventually(t, func() bool {
		return eng.journal.LastCheckpointTimestamp() > 0
	}, time.Second, 5*time.Millisecond)
}
