package api

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"vpn-usage-engine/internal/database"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"
)

var apiNow = time.Date(2025, 6, 13, 12, 0, 0, 0, time.UTC)

func setupService(t *testing.T) (*UsageService, *database.Service, *models.Account) {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "api.db"),
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

	s := NewUsageService(db, time.UTC)
	s.now = func() time.Time { return apiNow }
	return s, db, account
}

func TestHealthCheck(t *testing.T) {
	s, _, _ := setupService(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestGetUsageSummary(t *testing.T) {
	s, db, account := setupService(t)
	ctx := context.Background()

	for _, o := range []struct {
		at    time.Time
		bytes int64
	}{
		{apiNow.Add(-50 * time.Hour), 100},
		{apiNow.Add(-49 * time.Hour), 300},
		{apiNow.Add(-time.Hour), 1000},
	} {
		_, err := db.RecordSnapshot(ctx, store.RecordSnapshotParams{
			AccountId: account.Id,
			PanelName: "de-1",
			PanelType: models.PanelTypeMarzban,
			Reading:   models.AccountReading{NativeId: "alice", CumulativeBytes: o.bytes, Active: true},
			TakenAt:   o.at,
		})
		if err != nil {
			t.Fatalf("RecordSnapshot failed: %v", err)
		}
		if _, err := db.ReconcilePair(ctx, store.ReconcilePairParams{AccountId: account.Id, PanelName: "de-1", Location: time.UTC}); err != nil {
			t.Fatalf("ReconcilePair failed: %v", err)
		}
	}

	summary, err := s.GetUsageSummary(ctx, account.Id, 7)
	if err != nil {
		t.Fatalf("GetUsageSummary failed: %v", err)
	}
	if summary.FromDay != "2025-06-07" || summary.ToDay != "2025-06-13" {
		t.Errorf("Unexpected range %s..%s", summary.FromDay, summary.ToDay)
	}
	if summary.Total != 900 || summary.PanelTotals["de-1"] != 900 {
		t.Errorf("Expected 900 bytes, got %d (%v)", summary.Total, summary.PanelTotals)
	}
	if len(summary.Days) != 2 || summary.Days[0].Day != "2025-06-11" || summary.Days[1].Day != "2025-06-13" {
		t.Errorf("Expected two ordered days, got %+v", summary.Days)
	}

	if _, err := s.GetUsageSummary(ctx, "", 7); err == nil {
		t.Error("Expected an error without an account")
	}
}

func TestRecordPayment(t *testing.T) {
	s, _, account := setupService(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		result, err := s.RecordPayment(ctx, account.Id, "", apiNow.Add(-time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("RecordPayment failed: %v", err)
		}
		if !result.Success || result.Count != i {
			t.Errorf("Expected payment %d to succeed, got %+v", i, result)
		}
		if result.Payment.Kind != "renewal" {
			t.Errorf("Expected default kind renewal, got %s", result.Payment.Kind)
		}
	}

	tests := []struct {
		name      string
		accountId string
		paidAt    time.Time
	}{
		{"missing account id", "", apiNow},
		{"unknown account", "nope", apiNow},
		{"future date", account.Id, apiNow.Add(24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.RecordPayment(ctx, tt.accountId, "renewal", tt.paidAt)
			if err != nil {
				t.Fatalf("RecordPayment returned error: %v", err)
			}
			if result.Success || result.Error == "" {
				t.Errorf("Expected a rejected payment, got %+v", result)
			}
		})
	}
}

func TestRecordReferral(t *testing.T) {
	s, db, account := setupService(t)
	ctx := context.Background()

	bob, err := db.CreateUser(ctx, store.CreateUserParams{Name: "Bob"})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	if _, err := s.RecordReferral(ctx, account.UserId, account.UserId); err == nil {
		t.Error("Expected self referral to fail")
	}
	if _, err := s.RecordReferral(ctx, account.UserId, bob.Id); err != nil {
		t.Fatalf("RecordReferral failed: %v", err)
	}
	if _, err := s.RecordReferral(ctx, account.UserId, bob.Id); err == nil {
		t.Error("Expected a second referral of the same user to fail")
	}

	pending, err := db.GetPendingReferrals(ctx)
	if err != nil {
		t.Fatalf("GetPendingReferrals failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending referral, got %d", len(pending))
	}
}
