package database

import (
	"context"
	"testing"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"
)

func recordReading(t *testing.T, service *Service, accountId, panelName string, cumulative int64, at time.Time) *models.UsageSnapshot {
	t.Helper()
	snapshot, err := service.RecordSnapshot(context.Background(), store.RecordSnapshotParams{
		AccountId: accountId,
		PanelName: panelName,
		PanelType: models.PanelTypeMarzban,
		Reading:   models.AccountReading{NativeId: "alice", CumulativeBytes: cumulative, Active: true},
		TakenAt:   at,
	})
	if err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}
	return snapshot
}

func reconcile(t *testing.T, service *Service, accountId, panelName string) *store.ReconcileOutcome {
	t.Helper()
	outcome, err := service.ReconcilePair(context.Background(), store.ReconcilePairParams{
		AccountId: accountId,
		PanelName: panelName,
		Location:  time.UTC,
	})
	if err != nil {
		t.Fatalf("ReconcilePair failed: %v", err)
	}
	return outcome
}

func dayTotal(t *testing.T, service *Service, accountId, day string) int64 {
	t.Helper()
	records, err := service.GetDailyUsage(context.Background(), accountId, day, day)
	if err != nil {
		t.Fatalf("GetDailyUsage failed: %v", err)
	}
	var total int64
	for _, r := range records {
		total += r.Total()
	}
	return total
}

func TestReconcilePair_SkipReasons(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	_, account, panelName := seedBoundAccount(t, service)

	if got := reconcile(t, service, account.Id, panelName).Skipped; got != store.SkipNoSnapshots {
		t.Errorf("Expected %s, got %q", store.SkipNoSnapshots, got)
	}

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recordReading(t, service, account.Id, panelName, 100, base)
	if got := reconcile(t, service, account.Id, panelName).Skipped; got != store.SkipFirstObservation {
		t.Errorf("Expected %s, got %q", store.SkipFirstObservation, got)
	}

	recordReading(t, service, account.Id, panelName, 250, base.Add(10*time.Minute))
	outcome := reconcile(t, service, account.Id, panelName)
	if outcome.Latest() == nil || outcome.Latest().DeltaBytes != 150 {
		t.Fatalf("Expected delta of 150, got %+v", outcome)
	}

	// Second pass over the same snapshots is a no-op
	if got := reconcile(t, service, account.Id, panelName).Skipped; got != store.SkipAlreadyReconciled {
		t.Errorf("Expected %s, got %q", store.SkipAlreadyReconciled, got)
	}
	if total := dayTotal(t, service, account.Id, "2025-03-01"); total != 150 {
		t.Errorf("Expected day total 150 after re-run, got %d", total)
	}
}

func TestReconcilePair_CatchesUpMissedSnapshots(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	_, account, panelName := seedBoundAccount(t, service)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recordReading(t, service, account.Id, panelName, 10*ledger.GiB, base)
	reconcile(t, service, account.Id, panelName)

	// Two snapshots land before the pair is reconciled again
	recordReading(t, service, account.Id, panelName, 14*ledger.GiB, base.Add(10*time.Minute))
	recordReading(t, service, account.Id, panelName, 20*ledger.GiB, base.Add(20*time.Minute))

	outcome := reconcile(t, service, account.Id, panelName)
	if len(outcome.Deltas) != 2 {
		t.Fatalf("Expected 2 deltas, got %+v", outcome)
	}
	if outcome.Deltas[0].DeltaBytes != 4*ledger.GiB || outcome.Deltas[1].DeltaBytes != 6*ledger.GiB {
		t.Errorf("Expected deltas of 4 and 6 GiB in order, got %d and %d",
			outcome.Deltas[0].DeltaBytes, outcome.Deltas[1].DeltaBytes)
	}
	if total := dayTotal(t, service, account.Id, "2025-03-01"); total != 10*ledger.GiB {
		t.Errorf("Expected day total of last minus first (10 GiB), got %d", total)
	}

	if got := reconcile(t, service, account.Id, panelName).Skipped; got != store.SkipAlreadyReconciled {
		t.Errorf("Expected %s, got %q", store.SkipAlreadyReconciled, got)
	}
}

func TestReconcilePair_CounterReset(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, account, panelName := seedBoundAccount(t, service)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recordReading(t, service, account.Id, panelName, 50*ledger.GiB, base)
	recordReading(t, service, account.Id, panelName, 5*ledger.GiB, base.Add(time.Hour))

	outcome := reconcile(t, service, account.Id, panelName)
	if outcome.Latest() == nil {
		t.Fatalf("Expected a delta, got skip %q", outcome.Skipped)
	}
	if !outcome.Latest().Reset {
		t.Error("Expected delta to be flagged as reset")
	}
	if outcome.Latest().DeltaBytes != 5*ledger.GiB {
		t.Errorf("Expected delta of 5 GiB, got %d", outcome.Latest().DeltaBytes)
	}
	if len(outcome.Anomalies) == 0 {
		t.Fatal("Expected an anomaly to be recorded")
	}

	anomalies, err := service.GetAnomalies(ctx, base)
	if err != nil {
		t.Fatalf("GetAnomalies failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].PrevCumulative != 50*ledger.GiB {
		t.Errorf("Expected one anomaly with prev 50 GiB, got %+v", anomalies)
	}
}

func TestReconcilePair_DayBoundaryFollowsLocation(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, account, panelName := seedBoundAccount(t, service)

	tehran, err := ledger.LoadLocation("Asia/Tehran")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}

	// 21:00 UTC on March 1st is already March 2nd in Tehran
	base := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	recordReading(t, service, account.Id, panelName, 0, base)
	recordReading(t, service, account.Id, panelName, 42, base.Add(time.Hour))

	outcome, err := service.ReconcilePair(ctx, store.ReconcilePairParams{
		AccountId: account.Id,
		PanelName: panelName,
		Location:  tehran,
	})
	if err != nil {
		t.Fatalf("ReconcilePair failed: %v", err)
	}
	if outcome.Latest() == nil || outcome.Latest().Day != "2025-03-02" {
		t.Errorf("Expected delta on 2025-03-02, got %+v", outcome.Latest())
	}
}

func TestRecordSnapshot_RefreshesBinding(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, account, panelName := seedBoundAccount(t, service)

	expire := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	_, err := service.RecordSnapshot(ctx, store.RecordSnapshotParams{
		AccountId: account.Id,
		PanelName: panelName,
		PanelType: models.PanelTypeMarzban,
		Reading: models.AccountReading{
			NativeId:        "alice",
			CumulativeBytes: 7 * ledger.GiB,
			QuotaBytes:      10 * ledger.GiB,
			ExpireAt:        &expire,
			Active:          true,
		},
		TakenAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}

	bindings, err := service.GetAccountBindings(ctx, account.Id)
	if err != nil {
		t.Fatalf("GetAccountBindings failed: %v", err)
	}
	if len(bindings) != 1 {
		t.Fatalf("Expected one binding, got %d", len(bindings))
	}
	b := bindings[0]
	if b.LastUsageBytes != 7*ledger.GiB || b.LastQuotaBytes != 10*ledger.GiB {
		t.Errorf("Unexpected binding state: usage=%d quota=%d", b.LastUsageBytes, b.LastQuotaBytes)
	}
	if b.ExpireAt == nil || !b.ExpireAt.Equal(expire) {
		t.Errorf("Expected expiry %v, got %v", expire, b.ExpireAt)
	}
	if !b.PanelActive {
		t.Error("Expected binding to be marked active on the panel")
	}
}

func TestPruneSnapshots_KeepsLatestPerPair(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, account, panelName := seedBoundAccount(t, service)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recordReading(t, service, account.Id, panelName, 1, base)
	recordReading(t, service, account.Id, panelName, 2, base.Add(time.Hour))
	latest := recordReading(t, service, account.Id, panelName, 3, base.Add(2*time.Hour))

	deleted, err := service.PruneSnapshots(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PruneSnapshots failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 pruned snapshots, got %d", deleted)
	}

	remaining, err := service.GetLatestSnapshots(ctx, account.Id, panelName, 10)
	if err != nil {
		t.Fatalf("GetLatestSnapshots failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Id != latest.Id {
		t.Errorf("Expected only the latest snapshot to survive, got %+v", remaining)
	}
}

func TestPruneSnapshots_KeepsLastReconciled(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, account, panelName := seedBoundAccount(t, service)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recordReading(t, service, account.Id, panelName, 1, base)
	settled := recordReading(t, service, account.Id, panelName, 2, base.Add(time.Hour))
	reconcile(t, service, account.Id, panelName)
	recordReading(t, service, account.Id, panelName, 5, base.Add(2*time.Hour))

	deleted, err := service.PruneSnapshots(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PruneSnapshots failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 pruned snapshot, got %d", deleted)
	}

	remaining, err := service.GetLatestSnapshots(ctx, account.Id, panelName, 10)
	if err != nil {
		t.Fatalf("GetLatestSnapshots failed: %v", err)
	}
	if len(remaining) != 2 || remaining[1].Id != settled.Id {
		t.Fatalf("Expected the reconciled snapshot to survive, got %+v", remaining)
	}

	// The unreconciled reading still counts from the kept snapshot
	if outcome := reconcile(t, service, account.Id, panelName); outcome.Latest() == nil || outcome.Latest().DeltaBytes != 3 {
		t.Errorf("Expected a 3 byte delta after pruning, got %+v", outcome)
	}
}
