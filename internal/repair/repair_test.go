package repair

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vpn-usage-engine/internal/database"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/panel"
	"vpn-usage-engine/internal/store"
)

var repairNow = time.Date(2025, 3, 2, 3, 0, 0, 0, time.UTC)

type stubAdapter struct {
	readings []models.AccountReading
	calls    int
}

func (s *stubAdapter) Name() string           { return "de-1" }
func (s *stubAdapter) Type() models.PanelType { return models.PanelTypeMarzban }

func (s *stubAdapter) FetchAllAccounts(context.Context) ([]models.AccountReading, error) {
	s.calls++
	return s.readings, nil
}

type recordingReverter struct {
	mu       sync.Mutex
	reverted []string
}

func (r *recordingReverter) RevertDelta(_ context.Context, snapshotId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reverted = append(r.reverted, snapshotId)
	return nil
}

type fixture struct {
	db       *database.Service
	account  *models.Account
	adapter  *stubAdapter
	reverter *recordingReverter
	tool     *Tool
}

// setupFixture records a normal day on 2025-03-01 followed by a bogus jump
// after midnight.
func setupFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "repair.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.UpsertPanel(ctx, models.Panel{Name: "de-1", Type: models.PanelTypeMarzban, BaseURL: "http://de-1", Active: true}); err != nil {
		t.Fatalf("UpsertPanel failed: %v", err)
	}
	user, err := db.CreateUser(ctx, store.CreateUserParams{Name: "Alice"})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	account, err := db.CreateAccount(ctx, store.CreateAccountParams{UserId: user.Id, Name: "alice"})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := db.BindAccount(ctx, store.BindAccountParams{AccountId: account.Id, PanelName: "de-1", NativeId: "alice"}); err != nil {
		t.Fatalf("BindAccount failed: %v", err)
	}

	for _, s := range []struct {
		at    time.Time
		bytes int64
	}{
		{time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), 100},
		{time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), 150},
		{time.Date(2025, 3, 2, 1, 0, 0, 0, time.UTC), 5000},
		{time.Date(2025, 3, 2, 2, 0, 0, 0, time.UTC), 5100},
	} {
		_, err := db.RecordSnapshot(ctx, store.RecordSnapshotParams{
			AccountId: account.Id,
			PanelName: "de-1",
			PanelType: models.PanelTypeMarzban,
			Reading:   models.AccountReading{NativeId: "alice", CumulativeBytes: s.bytes, Active: true},
			TakenAt:   s.at,
		})
		if err != nil {
			t.Fatalf("RecordSnapshot failed: %v", err)
		}
		if _, err := db.ReconcilePair(ctx, store.ReconcilePairParams{AccountId: account.Id, PanelName: "de-1", Location: time.UTC}); err != nil {
			t.Fatalf("ReconcilePair failed: %v", err)
		}
	}

	f := &fixture{
		db:       db,
		account:  account,
		adapter:  &stubAdapter{readings: []models.AccountReading{{NativeId: "alice", CumulativeBytes: 777, Active: true}}},
		reverter: &recordingReverter{},
	}
	f.tool = New(Config{
		Store:    db,
		Adapters: map[string]panel.Adapter{"de-1": f.adapter},
		Reverter: f.reverter,
		Location: time.UTC,
		Now:      func() time.Time { return repairNow },
	})
	return f
}

func (f *fixture) dayBytes(t *testing.T, day string) int64 {
	t.Helper()
	records, err := f.db.GetDailyUsage(context.Background(), f.account.Id, day, day)
	if err != nil {
		t.Fatalf("GetDailyUsage failed: %v", err)
	}
	var total int64
	for _, r := range records {
		for _, b := range r.PanelBytes {
			total += b
		}
	}
	return total
}

func (f *fixture) observe(t *testing.T, at time.Time, bytes int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.db.RecordSnapshot(ctx, store.RecordSnapshotParams{
		AccountId: f.account.Id,
		PanelName: "de-1",
		PanelType: models.PanelTypeMarzban,
		Reading:   models.AccountReading{NativeId: "alice", CumulativeBytes: bytes, Active: true},
		TakenAt:   at,
	})
	if err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}
	if _, err := f.db.ReconcilePair(ctx, store.ReconcilePairParams{AccountId: f.account.Id, PanelName: "de-1", Location: time.UTC}); err != nil {
		t.Fatalf("ReconcilePair failed: %v", err)
	}
}

func TestRepair_HistoryDefaultsToTodaysMidnight(t *testing.T) {
	f := setupFixture(t)

	if got := f.dayBytes(t, "2025-03-02"); got != 4950 {
		t.Fatalf("Expected 4950 bytes before repair, got %d", got)
	}

	report, err := f.tool.Repair(context.Background(), Params{AccountId: f.account.Id})
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if !report.Since.Equal(time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected since to default to midnight, got %s", report.Since)
	}
	if report.Source != SourceHistory {
		t.Errorf("Expected history source, got %s", report.Source)
	}
	if len(report.Pairs) != 1 || report.Failed != 0 {
		t.Fatalf("Expected 1 successful pair, got %+v", report)
	}

	pair := report.Pairs[0]
	if pair.BaselineBytes != 150 || !pair.HasBaseline {
		t.Errorf("Expected baseline 150, got %d (has=%v)", pair.BaselineBytes, pair.HasBaseline)
	}
	if pair.RetractedBytes != 4950 || pair.RetractedDeltas != 2 {
		t.Errorf("Expected 2 deltas and 4950 bytes retracted, got %d and %d", pair.RetractedDeltas, pair.RetractedBytes)
	}
	if pair.Reverted != 2 || len(f.reverter.reverted) != 2 {
		t.Errorf("Expected 2 mirrored deltas reverted, got %d", len(f.reverter.reverted))
	}

	if got := f.dayBytes(t, "2025-03-02"); got != 0 {
		t.Errorf("Expected repaired day to be empty, got %d", got)
	}
	if got := f.dayBytes(t, "2025-03-01"); got != 50 {
		t.Errorf("Expected previous day untouched at 50, got %d", got)
	}

	// The next reading reconciles against the baseline, not the bogus value
	f.observe(t, repairNow.Add(10*time.Minute), 170)
	f.observe(t, repairNow.Add(20*time.Minute), 200)
	if got := f.dayBytes(t, "2025-03-02"); got != 50 {
		t.Errorf("Expected 50 bytes after repair, got %d", got)
	}
}

func TestRepair_DryRunChangesNothing(t *testing.T) {
	f := setupFixture(t)

	report, err := f.tool.Repair(context.Background(), Params{AccountId: f.account.Id, DryRun: true})
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	pair := report.Pairs[0]
	if pair.BaselineBytes != 150 || pair.RetractedBytes != 4950 || pair.RetractedDeltas != 2 {
		t.Errorf("Unexpected dry run plan: %+v", pair)
	}
	if got := f.dayBytes(t, "2025-03-02"); got != 4950 {
		t.Errorf("Expected dry run to leave 4950 bytes, got %d", got)
	}
	if len(f.reverter.reverted) != 0 {
		t.Errorf("Expected no reverts on dry run, got %v", f.reverter.reverted)
	}
}

func TestRepair_LiveSource(t *testing.T) {
	f := setupFixture(t)

	report, err := f.tool.Repair(context.Background(), Params{AccountId: f.account.Id, Source: SourceLive})
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if report.Pairs[0].BaselineBytes != 777 {
		t.Errorf("Expected live baseline 777, got %d", report.Pairs[0].BaselineBytes)
	}
	if f.adapter.calls != 1 {
		t.Errorf("Expected 1 panel fetch, got %d", f.adapter.calls)
	}

	f.observe(t, repairNow.Add(10*time.Minute), 800)
	f.observe(t, repairNow.Add(20*time.Minute), 820)
	if got := f.dayBytes(t, "2025-03-02"); got != 43 {
		t.Errorf("Expected 43 bytes after live repair, got %d", got)
	}
}

func TestRepair_ValueSource(t *testing.T) {
	f := setupFixture(t)

	report, err := f.tool.Repair(context.Background(), Params{AccountId: f.account.Id, Source: SourceValue, Value: 0})
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if !report.Pairs[0].HasBaseline || report.Pairs[0].BaselineBytes != 0 {
		t.Errorf("Expected explicit zero baseline, got %+v", report.Pairs[0])
	}
}

func TestRepair_NegativeValueFailsPair(t *testing.T) {
	f := setupFixture(t)

	report, err := f.tool.Repair(context.Background(), Params{AccountId: f.account.Id, Source: SourceValue, Value: -1})
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if report.Failed != 1 || report.Pairs[0].Err == nil {
		t.Errorf("Expected the pair to fail, got %+v", report)
	}
	if got := f.dayBytes(t, "2025-03-02"); got != 4950 {
		t.Errorf("Expected ledger untouched, got %d", got)
	}
}

func TestRepair_UnknownAccount(t *testing.T) {
	f := setupFixture(t)

	_, err := f.tool.Repair(context.Background(), Params{AccountId: "missing"})
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestRepair_FutureSince(t *testing.T) {
	f := setupFixture(t)

	_, err := f.tool.Repair(context.Background(), Params{AccountId: f.account.Id, Since: repairNow.Add(time.Hour)})
	if err == nil {
		t.Error("Expected an error for a cut in the future")
	}
}

func TestParseSource(t *testing.T) {
	for _, s := range []string{"history", "live", "value"} {
		if _, err := ParseSource(s); err != nil {
			t.Errorf("ParseSource(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseSource("guess"); err == nil {
		t.Error("Expected an error for an unknown source")
	}
}
