package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"
)

func TestReconcile_ConcurrentCallsRecordOnce(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	base := f.clock.Now()
	for i, bytes := range []int64{100, 400} {
		if _, err := f.store.RecordSnapshot(ctx, store.RecordSnapshotParams{
			AccountId: f.account.Id,
			PanelName: "de-1",
			PanelType: models.PanelTypeMarzban,
			Reading:   models.AccountReading{NativeId: "alice", CumulativeBytes: bytes},
			TakenAt:   base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("RecordSnapshot failed: %v", err)
		}
	}

	reconciler := NewReconciler(ReconcilerConfig{Store: f.store, Location: time.UTC})

	var wg sync.WaitGroup
	var mu sync.Mutex
	recorded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := reconciler.Reconcile(ctx, f.account.Id, "de-1")
			if err != nil {
				t.Errorf("Reconcile failed: %v", err)
				return
			}
			if outcome.Latest() != nil {
				mu.Lock()
				recorded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if recorded != 1 {
		t.Errorf("Expected exactly one delta, got %d", recorded)
	}
	if got := f.dayBytes(t, "2025-03-01")["de-1"]; got != 300 {
		t.Errorf("Expected 300 bytes, got %d", got)
	}
}

func TestReconcileAll_SkipsPairsWithoutHistory(t *testing.T) {
	f := setupFixture(t)
	reconciler := NewReconciler(ReconcilerConfig{Store: f.store})

	deltas, failures, err := reconciler.ReconcileAll(context.Background())
	if err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}
	if deltas != 0 || failures != 0 {
		t.Errorf("Expected nothing to reconcile, got deltas=%d failures=%d", deltas, failures)
	}
	if reconciler.Location() != time.UTC {
		t.Errorf("Expected UTC default location, got %v", reconciler.Location())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00 GB"},
		{1073741824, "1.00 GB"},
		{1610612736, "1.50 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
