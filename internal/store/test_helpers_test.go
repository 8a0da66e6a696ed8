package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/race"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestChange creates a leg start change with minimal required fields.
func createTestChange(id, remoteID string, start int64) queue.Change {
	return queue.Change{
		ID:        id,
		Table:     race.TableLegs,
		RemoteID:  remoteID,
		LocalID:   1,
		Payload:   race.Payload{race.ColActualStart: start},
		Timestamp: race.Timestamp(start),
		DeviceID:  "device-a",
	}
}
