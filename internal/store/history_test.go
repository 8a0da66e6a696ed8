package store

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/relaysync/internal/notify"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/testutil"
)

func TestNotifications_AppendLoadPrune(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		e := notify.Entry{Type: notify.KindLegStarted, LegID: i, RunnerName: "Ana", Timestamp: race.Timestamp(i * 1000), DeviceID: "dev-1"}
		if err := s.AppendNotification(ctx, e); err != nil {
			t.Fatalf("AppendNotification() failed: %v", err)
		}
	}

	got, err := s.LoadNotifications(ctx)
	if err != nil {
		t.Fatalf("LoadNotifications() failed: %v", err)
	}
	if len(got) != 5 || got[0].LegID != 1 || got[4].LegID != 5 {
		t.Fatalf("LoadNotifications() = %+v, want legs 1..5 in order", got)
	}

	// Drop everything before t=2000, keep at most 3 of the rest.
	if err := s.PruneNotifications(ctx, 2000, 3); err != nil {
		t.Fatalf("PruneNotifications() failed: %v", err)
	}
	got, err = s.LoadNotifications(ctx)
	if err != nil {
		t.Fatalf("LoadNotifications() failed: %v", err)
	}
	if len(got) != 3 || got[0].LegID != 3 || got[2].LegID != 5 {
		t.Errorf("after prune = %+v, want legs 3..5", got)
	}
}

func TestNotifications_HistoryPersistsAcrossRestart(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Date(2026, 8, 21, 6, 0, 0, 0, time.UTC))

	h := notify.NewHistory(notify.WithPersister(s), notify.WithHistoryClock(clock))
	if err := h.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	entry := notify.Entry{Type: notify.KindLegFinished, LegID: 4, Timestamp: race.NowMillis(clock)}
	if _, err := h.Record(ctx, entry); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	restarted := notify.NewHistory(notify.WithPersister(s), notify.WithHistoryClock(clock))
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !restarted.Seen(notify.KindLegFinished, 4) {
		t.Error("notification for leg 4 not restored")
	}
}
