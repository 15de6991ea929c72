package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"
)

func TestGrantAchievement_Duplicate(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	user, _, _ := seedBoundAccount(t, service)
	at := time.Date(2025, 3, 1, 0, 5, 0, 0, time.UTC)

	if err := service.GrantAchievement(ctx, user.Id, "veteran", at); err != nil {
		t.Fatalf("GrantAchievement failed: %v", err)
	}
	err := service.GrantAchievement(ctx, user.Id, "veteran", at.Add(time.Hour))
	if !errors.Is(err, store.ErrDuplicateGrant) {
		t.Fatalf("Expected ErrDuplicateGrant, got %v", err)
	}

	grants, err := service.GetAchievementGrants(ctx, user.Id)
	if err != nil {
		t.Fatalf("GetAchievementGrants failed: %v", err)
	}
	if len(grants) != 1 || !grants[0].GrantedAt.Equal(at) {
		t.Errorf("Expected the first grant to be kept, got %+v", grants)
	}
}

func TestGrantReward_Duplicate(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, account, _ := seedBoundAccount(t, service)
	params := store.RewardGrantParams{
		AccountId: account.Id,
		Code:      "birthday_2025",
		Kind:      "birthday",
		GiftBytes: 30 * ledger.GiB,
		GiftDays:  15,
	}

	if _, err := service.GrantReward(ctx, params); err != nil {
		t.Fatalf("GrantReward failed: %v", err)
	}
	if _, err := service.GrantReward(ctx, params); !errors.Is(err, store.ErrDuplicateGrant) {
		t.Fatalf("Expected ErrDuplicateGrant, got %v", err)
	}

	grants, err := service.GetRewardGrants(ctx, account.Id)
	if err != nil {
		t.Fatalf("GetRewardGrants failed: %v", err)
	}
	if len(grants) != 1 || grants[0].GiftDays != 15 {
		t.Errorf("Expected one birthday grant, got %+v", grants)
	}
}

func TestApplyReferralReward_ConcurrentSweeps(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	referrer, account, _ := seedBoundAccount(t, service)
	referred, err := service.CreateUser(ctx, store.CreateUserParams{Name: "Bob"})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	referral, err := service.CreateReferral(ctx, referrer.Id, referred.Id)
	if err != nil {
		t.Fatalf("CreateReferral failed: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- service.ApplyReferralReward(ctx, store.ApplyReferralParams{
				ReferralId: referral.Id,
				Grants: []store.RewardGrantParams{{
					AccountId: account.Id,
					Code:      "referral_" + referral.Id,
					Kind:      "referral",
					GiftBytes: 10 * ledger.GiB,
				}},
			})
		}()
	}
	wg.Wait()
	close(results)

	var applied, rejected int
	for err := range results {
		switch {
		case err == nil:
			applied++
		case errors.Is(err, store.ErrReferralAlreadyApplied):
			rejected++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if applied != 1 || rejected != workers-1 {
		t.Errorf("Expected exactly one application, got applied=%d rejected=%d", applied, rejected)
	}

	grants, err := service.GetRewardGrants(ctx, account.Id)
	if err != nil {
		t.Fatalf("GetRewardGrants failed: %v", err)
	}
	if len(grants) != 1 {
		t.Errorf("Expected one referral grant, got %d", len(grants))
	}

	count, err := service.CountSuccessfulReferrals(ctx, referrer.Id)
	if err != nil {
		t.Fatalf("CountSuccessfulReferrals failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 successful referral, got %d", count)
	}

	pending, err := service.GetPendingReferrals(ctx)
	if err != nil {
		t.Fatalf("GetPendingReferrals failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending referrals, got %d", len(pending))
	}
}

func TestPayments_CountByAccountAndUser(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	user, account, _ := seedBoundAccount(t, service)
	second, err := service.CreateAccount(ctx, store.CreateAccountParams{UserId: user.Id, Name: "alice-phone"})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	for _, accountId := range []string{account.Id, account.Id, second.Id} {
		if _, err := service.RecordPayment(ctx, store.RecordPaymentParams{AccountId: accountId}); err != nil {
			t.Fatalf("RecordPayment failed: %v", err)
		}
	}

	n, err := service.CountPayments(ctx, account.Id)
	if err != nil {
		t.Fatalf("CountPayments failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 payments on account, got %d", n)
	}

	n, err = service.CountUserPayments(ctx, user.Id)
	if err != nil {
		t.Fatalf("CountUserPayments failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 payments for user, got %d", n)
	}
}

func TestRecordWeeklyChampion_FirstWins(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	week := "2025-02-28"
	recorded, err := service.RecordWeeklyChampion(ctx, models.WeeklyChampion{WeekStart: week, UserId: "u1", UsageBytes: 100})
	if err != nil {
		t.Fatalf("RecordWeeklyChampion failed: %v", err)
	}
	if !recorded {
		t.Error("Expected the first champion to be recorded")
	}
	recorded, err = service.RecordWeeklyChampion(ctx, models.WeeklyChampion{WeekStart: week, UserId: "u2", UsageBytes: 200})
	if err != nil {
		t.Fatalf("RecordWeeklyChampion failed: %v", err)
	}
	if recorded {
		t.Error("Expected the second champion of the week to be ignored")
	}

	u1, err := service.GetWeeklyChampions(ctx, "u1")
	if err != nil {
		t.Fatalf("GetWeeklyChampions failed: %v", err)
	}
	u2, err := service.GetWeeklyChampions(ctx, "u2")
	if err != nil {
		t.Fatalf("GetWeeklyChampions failed: %v", err)
	}
	if len(u1) != 1 || len(u2) != 0 {
		t.Errorf("Expected week to stay with u1, got u1=%d u2=%d", len(u1), len(u2))
	}
}
