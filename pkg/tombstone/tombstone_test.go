package tombstone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndRecent(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.Append(Record{
		GraphKey: "user", ID: "first", Gist: "oldest", DeletedTS: 100, Reason: ReasonDeleted,
	}))
	require.NoError(t, l.Append(Record{
		GraphKey: "user", ID: "second", Gist: "middle", DeletedTS: 200, Reason: ReasonOrphanExpired,
	}))
	require.NoError(t, l.Append(Record{
		GraphKey: "project:/tmp/p", ID: "third", Gist: "newest", DeletedTS: 300, Reason: ReasonDeleted,
	}))

	records, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "third", records[0].ID, "newest first")
	assert.Equal(t, "second", records[1].ID)
	assert.Equal(t, "first", records[2].ID)
	assert.Equal(t, ReasonOrphanExpired, records[1].Reason)
}

func TestRecentLimit(t *testing.T) {
	l := openTestLedger(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(Record{
			GraphKey: "user", ID: "node", DeletedTS: float64(i), Reason: ReasonDeleted,
		}))
	}

	records, err := l.Recent(2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, float64(4), records[0].DeletedTS)
}

func TestRecentEmpty(t *testing.T) {
	l := openTestLedger(t)

	records, err := l.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
