package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/store"
)

// seedQueue points the config at a fresh database holding two queued
// changes, the second of which has exhausted its retries.
func seedQueue(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.db")
	t.Setenv("RELAYSYNC_DB_PATH", path)

	db, err := store.Open(path)
	require.NoError(t, err)
	defer db.Close()

	start := race.Timestamp(1_787_292_000_000)
	require.NoError(t, db.SaveQueue(context.Background(), []queue.Change{
		{
			ID:        "chg-1",
			Table:     race.TableLegs,
			RemoteID:  "leg-r1",
			LocalID:   1,
			Payload:   race.TimePayload(race.FieldActualStart, race.TimePtr(start)),
			Timestamp: start,
			DeviceID:  "dev-a",
		},
		{
			ID:         "chg-2",
			Table:      race.TableLegs,
			RemoteID:   "leg-r2",
			LocalID:    2,
			Payload:    race.TimePayload(race.FieldActualFinish, race.TimePtr(start.Add(35*time.Minute))),
			Timestamp:  start,
			DeviceID:   "dev-a",
			RetryCount: queue.DefaultMaxRetries,
		},
	}))
	return path
}

func runQueueCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewQueueCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func loadQueue(t *testing.T, path string) []queue.Change {
	t.Helper()
	db, err := store.Open(path)
	require.NoError(t, err)
	defer db.Close()
	entries, err := db.LoadQueue(context.Background())
	require.NoError(t, err)
	return entries
}

func TestQueueListText(t *testing.T) {
	seedQueue(t)

	out, err := runQueueCmd(t, "text", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "2 changes pending, 1 needs attention")
	assert.Contains(t, out, "  chg-1 legs/leg-r1")
	assert.Contains(t, out, "! chg-2 legs/leg-r2")
	assert.Contains(t, out, "retries=3")
}

func TestQueueListJSON(t *testing.T) {
	seedQueue(t)

	out, err := runQueueCmd(t, "json", "list")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   QueueSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, queue.Status{Pending: 2, NeedsAttention: 1}, resp.Data.Status)
	require.Len(t, resp.Data.Changes, 2)
	assert.Equal(t, "chg-1", resp.Data.Changes[0].ID)
}

func TestQueueListEmpty(t *testing.T) {
	t.Setenv("RELAYSYNC_DB_PATH", filepath.Join(t.TempDir(), "device.db"))

	out, err := runQueueCmd(t, "text", "list")
	require.NoError(t, err)
	assert.Equal(t, "all changes synced\n", out)
}

func TestQueueRetry(t *testing.T) {
	path := seedQueue(t)

	out, err := runQueueCmd(t, "text", "retry", "chg-2")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ chg-2 will be retried")

	entries := loadQueue(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[1].RetryCount)
}

func TestQueueDrop(t *testing.T) {
	path := seedQueue(t)

	_, err := runQueueCmd(t, "text", "drop", "chg-1")
	require.NoError(t, err)

	entries := loadQueue(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "chg-2", entries[0].ID)
}

func TestQueueUnknownChange(t *testing.T) {
	seedQueue(t)

	for _, sub := range []string{"retry", "drop"} {
		out, err := runQueueCmd(t, "text", sub, "chg-404")
		require.Error(t, err, sub)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "no queued change chg-404")
	}
}

func TestQueueClear(t *testing.T) {
	path := seedQueue(t)

	out, err := runQueueCmd(t, "text", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ cleared 2 pending changes")
	assert.Empty(t, loadQueue(t, path))
}

func TestQueueBadConfig(t *testing.T) {
	t.Setenv("RELAYSYNC_ROLE", "coach")

	out, err := runQueueCmd(t, "text", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E101]")
}
