package queue

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to the MySQL instance named by QUEUE_TEST_DSN and
// starts from an empty table. Without the variable the store integration
// tests are skipped and only the in-memory model runs.
func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := os.Getenv("QUEUE_TEST_DSN")
	if dsn == "" {
		t.Skip("QUEUE_TEST_DSN not set")
	}

	s, err := Open(dsn)
	require.NoError(t, err)
	require.NoError(t, s.ClearAll())
	t.Cleanup(func() {
		s.ClearAll()
		s.Close()
	})
	return s
}

func claimOne(t *testing.T, s *SQLStore) (Batch, *Command) {
	t.Helper()
	batch, err := s.ClaimBatch(10)
	require.NoError(t, err)
	cmds := batch.Commands()
	require.Len(t, cmds, 1)
	return batch, &cmds[0]
}

func TestSQLStoreRowLifecycle(t *testing.T) {
	s := openTestStore(t)

	words := protocol.Sentence{"/ip/firewall/filter/add", "=chain=forward"}
	id, err := s.Enqueue(7, words)
	require.NoError(t, err)

	rows, total, err := s.List(1, 25)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
	assert.Equal(t, "pending", rows[0].Status)

	// transient failure burns one retry and records the error
	batch, cmd := claimOne(t, s)
	got, err := cmd.Words()
	require.NoError(t, err)
	assert.Equal(t, words, got)
	require.NoError(t, batch.Fail(cmd, "i/o timeout", false))
	require.NoError(t, batch.Commit())

	// a deferred row keeps the retry count it had
	batch, cmd = claimOne(t, s)
	assert.Equal(t, 1, cmd.RetryCount)
	require.NoError(t, batch.Defer(cmd, "Device not connected"))
	require.NoError(t, batch.Commit())

	batch, cmd = claimOne(t, s)
	assert.Equal(t, 1, cmd.RetryCount)
	assert.Equal(t, "failed", cmd.Status)

	var entries []ErrorEntry
	require.NoError(t, json.Unmarshal([]byte(cmd.ErrorHistory), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "i/o timeout", entries[0].Error)
	assert.Equal(t, "Device not connected", entries[1].Error)

	require.NoError(t, batch.Complete(cmd.ID))
	require.NoError(t, batch.Commit())

	batch, err = s.ClaimBatch(10)
	require.NoError(t, err)
	assert.Empty(t, batch.Commands())
	batch.Rollback()
}

func TestSQLStoreFinalFailDeletes(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Enqueue(7, protocol.Sentence{"/system/identity/set"})
	require.NoError(t, err)

	batch, cmd := claimOne(t, s)
	require.NoError(t, batch.Fail(cmd, "no such command", true))
	require.NoError(t, batch.Commit())

	_, total, err := s.List(1, 25)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSQLStoreRollbackRestoresClaim(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Enqueue(7, protocol.Sentence{"/system/identity/set"})
	require.NoError(t, err)

	batch, cmd := claimOne(t, s)
	require.NoError(t, batch.Fail(cmd, "i/o timeout", false))
	require.NoError(t, batch.Rollback())

	// the rolled-back row is claimable again, untouched
	batch, cmd = claimOne(t, s)
	assert.Zero(t, cmd.RetryCount)
	assert.Equal(t, "pending", cmd.Status)
	batch.Rollback()
}
