package store

import (
	"context"
	"reflect"
	"testing"

	"github.com/roach88/relaysync/internal/race"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LoadSnapshot(ctx); err != nil || ok {
		t.Fatalf("LoadSnapshot() on empty db = ok=%v err=%v, want ok=false", ok, err)
	}

	pace := 480
	snap := race.Snapshot{
		StartTime: 1_000_000,
		Runners: []race.Runner{
			{ID: 1, Name: "Ana", Pace: 420, Van: 1, RemoteID: "r1", LastModified: race.TimePtr(5)},
		},
		Legs: []race.Leg{
			{ID: 1, RunnerID: 1, Distance: 5.25, ProjectedStart: 1_000_000, ProjectedFinish: 3_205_000,
				ActualStart: race.TimePtr(1_000_100), PaceOverride: &pace, RemoteID: "l1"},
		},
		CurrentLegID: 1,
	}
	if err := s.SaveSnapshot(ctx, snap, 42); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	got, ok, err := s.LoadSnapshot(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot() = ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Errorf("LoadSnapshot() = %+v, want %+v", got, snap)
	}

	if err := s.ClearSnapshot(ctx); err != nil {
		t.Fatalf("ClearSnapshot() failed: %v", err)
	}
	if _, ok, _ := s.LoadSnapshot(ctx); ok {
		t.Error("snapshot still present after clear")
	}
}

func TestSnapshot_CorruptIsStructural(t *testing.T) {
	s := createTestStore(t)

	if _, err := s.db.Exec(`INSERT INTO race_snapshot (singleton, data, saved_at) VALUES (1, 'garbage', 0)`); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}
	_, _, err := s.LoadSnapshot(context.Background())
	if !race.IsStructural(err) {
		t.Errorf("LoadSnapshot() error = %v, want structural error", err)
	}
}
