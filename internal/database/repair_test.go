package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/store"
)

func TestRepairPair_ManualResetBaseline(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, account, panelName := seedBoundAccount(t, service)

	d0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d1 := d0.AddDate(0, 0, 1)
	d2 := d0.AddDate(0, 0, 2)

	recordReading(t, service, account.Id, panelName, 10*ledger.GiB, d0)
	recordReading(t, service, account.Id, panelName, 14*ledger.GiB, d1)
	reconcile(t, service, account.Id, panelName)

	if total := dayTotal(t, service, account.Id, "2025-03-02"); total != 4*ledger.GiB {
		t.Fatalf("Expected 4 GiB on day 1, got %d", total)
	}

	// The operator zeroed the counter on the panel right after day 1
	zero := int64(0)
	outcome, err := service.RepairPair(ctx, store.RepairPairParams{
		AccountId: account.Id,
		PanelName: panelName,
		Since:     d1.Add(time.Minute),
		Baseline:  &zero,
		TakenAt:   d1.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("RepairPair failed: %v", err)
	}
	if outcome.BaselineSnapshot == nil || !outcome.BaselineSnapshot.IsBaseline {
		t.Fatalf("Expected a baseline snapshot, got %+v", outcome)
	}
	if outcome.DeletedSnapshots != 0 || outcome.RetractedBytes != 0 {
		t.Errorf("Expected nothing deleted, got %+v", outcome)
	}

	if got := reconcile(t, service, account.Id, panelName).Skipped; got != store.SkipBaseline {
		t.Errorf("Expected %s right after repair, got %q", store.SkipBaseline, got)
	}

	recordReading(t, service, account.Id, panelName, 3*ledger.GiB, d2)
	next := reconcile(t, service, account.Id, panelName)
	if next.Latest() == nil {
		t.Fatalf("Expected a delta after the baseline, got skip %q", next.Skipped)
	}
	if next.Latest().Reset {
		t.Error("Expected no reset when counting up from the baseline")
	}
	if next.Latest().DeltaBytes != 3*ledger.GiB {
		t.Errorf("Expected 3 GiB delta, got %d", next.Latest().DeltaBytes)
	}
	if total := dayTotal(t, service, account.Id, "2025-03-02"); total != 4*ledger.GiB {
		t.Errorf("Expected day 1 untouched at 4 GiB, got %d", total)
	}
}

func TestRepairPair_CutBeforeFirstSnapshotDeletesBoth(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, account, panelName := seedBoundAccount(t, service)

	d0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d1 := d0.AddDate(0, 0, 1)
	d2 := d0.AddDate(0, 0, 2)

	recordReading(t, service, account.Id, panelName, 10*ledger.GiB, d0)
	recordReading(t, service, account.Id, panelName, 14*ledger.GiB, d1)
	reconcile(t, service, account.Id, panelName)

	zero := int64(0)
	outcome, err := service.RepairPair(ctx, store.RepairPairParams{
		AccountId: account.Id,
		PanelName: panelName,
		Since:     d0,
		Baseline:  &zero,
		TakenAt:   d1.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("RepairPair failed: %v", err)
	}
	if outcome.DeletedSnapshots != 2 {
		t.Errorf("Expected both snapshots deleted, got %d", outcome.DeletedSnapshots)
	}
	if outcome.RetractedBytes != 4*ledger.GiB {
		t.Errorf("Expected the 4 GiB of day 1 retracted, got %d", outcome.RetractedBytes)
	}
	if total := dayTotal(t, service, account.Id, "2025-03-02"); total != 0 {
		t.Errorf("Expected day 1 emptied, got %d", total)
	}

	recordReading(t, service, account.Id, panelName, 3*ledger.GiB, d2)
	next := reconcile(t, service, account.Id, panelName)
	if next.Latest() == nil || next.Latest().Reset || next.Latest().DeltaBytes != 3*ledger.GiB {
		t.Fatalf("Expected a 3 GiB delta counted up from the baseline, got %+v", next)
	}
	if total := dayTotal(t, service, account.Id, "2025-03-03"); total != 3*ledger.GiB {
		t.Errorf("Expected 3 GiB on day 2, got %d", total)
	}
}

func TestRepairPair_RetractsBadReadings(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, account, panelName := seedBoundAccount(t, service)

	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	recordReading(t, service, account.Id, panelName, 10*ledger.GiB, base)
	recordReading(t, service, account.Id, panelName, 14*ledger.GiB, base.Add(time.Hour))
	reconcile(t, service, account.Id, panelName)

	bad := base.Add(2 * time.Hour)
	recordReading(t, service, account.Id, panelName, 2*ledger.GiB, bad)
	if outcome := reconcile(t, service, account.Id, panelName); outcome.Latest() == nil || !outcome.Latest().Reset {
		t.Fatalf("Expected bad reading to be treated as reset, got %+v", outcome)
	}
	if total := dayTotal(t, service, account.Id, "2025-03-01"); total != 6*ledger.GiB {
		t.Fatalf("Expected 6 GiB before repair, got %d", total)
	}

	outcome, err := service.RepairPair(ctx, store.RepairPairParams{
		AccountId: account.Id,
		PanelName: panelName,
		Since:     bad,
		TakenAt:   bad.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("RepairPair failed: %v", err)
	}
	if outcome.DeletedSnapshots != 1 {
		t.Errorf("Expected 1 deleted snapshot, got %d", outcome.DeletedSnapshots)
	}
	if outcome.RetractedBytes != 2*ledger.GiB {
		t.Errorf("Expected 2 GiB retracted, got %d", outcome.RetractedBytes)
	}
	if len(outcome.RetractedSnapshotIds) != 1 {
		t.Errorf("Expected 1 retracted delta, got %v", outcome.RetractedSnapshotIds)
	}
	if !outcome.HadKnownGoodValue || outcome.BaselineBytes != 14*ledger.GiB {
		t.Errorf("Expected baseline from last good snapshot (14 GiB), got %+v", outcome)
	}
	if total := dayTotal(t, service, account.Id, "2025-03-01"); total != 4*ledger.GiB {
		t.Errorf("Expected 4 GiB after repair, got %d", total)
	}

	latest, err := service.GetLatestSnapshots(ctx, account.Id, panelName, 1)
	if err != nil {
		t.Fatalf("GetLatestSnapshots failed: %v", err)
	}
	if len(latest) != 1 || !latest[0].IsBaseline || latest[0].CumulativeBytes != 14*ledger.GiB {
		t.Errorf("Expected 14 GiB baseline as latest snapshot, got %+v", latest)
	}
}

func TestRepairPair_NoKnownGoodValue(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, account, panelName := seedBoundAccount(t, service)

	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	recordReading(t, service, account.Id, panelName, 5*ledger.GiB, at)

	outcome, err := service.RepairPair(ctx, store.RepairPairParams{
		AccountId: account.Id,
		PanelName: panelName,
		Since:     at.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("RepairPair failed: %v", err)
	}
	if outcome.HadKnownGoodValue || outcome.BaselineSnapshot != nil {
		t.Errorf("Expected no baseline without a known-good value, got %+v", outcome)
	}
	if outcome.DeletedSnapshots != 1 {
		t.Errorf("Expected 1 deleted snapshot, got %d", outcome.DeletedSnapshots)
	}
}

func TestRepairPair_UnboundPair(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	_, err := service.RepairPair(context.Background(), store.RepairPairParams{
		AccountId: "nobody",
		PanelName: "de-1",
		Since:     time.Now(),
	})
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}
