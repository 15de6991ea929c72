package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"

	"go.uber.org/zap"
)

// applyReferrals rewards both sides of every pending referral whose referred
// user has paid at least once. The flag flip and the grants commit together.
func (e *Engine) applyReferrals(ctx context.Context, now time.Time, report *SweepReport) {
	pending, err := e.store.GetPendingReferrals(ctx)
	if err != nil {
		report.Errors++
		zap.L().Error("Failed to load pending referrals", zap.Error(err))
		return
	}

	for _, referral := range pending {
		applied, err := e.applyReferral(ctx, referral, now)
		if err != nil {
			report.Errors++
			zap.L().Error("Failed to apply referral reward",
				zap.String("referral_id", referral.Id),
				zap.String("referrer_user_id", referral.ReferrerUserId),
				zap.String("referred_user_id", referral.ReferredUserId),
				zap.Error(err))
			continue
		}
		if applied {
			report.Referrals++
		}
	}
}

func (e *Engine) applyReferral(ctx context.Context, referral models.ReferralRecord, now time.Time) (bool, error) {
	payments, err := e.store.CountUserPayments(ctx, referral.ReferredUserId)
	if err != nil {
		return false, err
	}
	if payments < 1 {
		return false, nil
	}

	referrerAccount, err := e.firstActiveAccount(ctx, referral.ReferrerUserId)
	if err != nil {
		return false, err
	}
	referredAccount, err := e.firstActiveAccount(ctx, referral.ReferredUserId)
	if err != nil {
		return false, err
	}

	code := "referral_" + referral.Id
	grants := make([]store.RewardGrantParams, 0, 2)
	owners := make([]string, 0, 2)
	for _, side := range []struct {
		userId  string
		account *models.Account
	}{
		{referral.ReferrerUserId, referrerAccount},
		{referral.ReferredUserId, referredAccount},
	} {
		if side.account == nil {
			continue
		}
		grants = append(grants, store.RewardGrantParams{
			AccountId: side.account.Id,
			Code:      code,
			Kind:      KindReferral,
			GiftBytes: int64(e.gifts.ReferralGB) * ledger.GiB,
			GiftDays:  e.gifts.ReferralDays,
			GrantedAt: now,
		})
		owners = append(owners, side.userId)
	}

	err = e.store.ApplyReferralReward(ctx, store.ApplyReferralParams{ReferralId: referral.Id, Grants: grants})
	if errors.Is(err, store.ErrReferralAlreadyApplied) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var errs []error
	for i, grant := range grants {
		e.metrics.ObserveGrant(KindReferral)
		record := models.RewardGrant{
			AccountId: grant.AccountId,
			Code:      grant.Code,
			Kind:      grant.Kind,
			GiftBytes: grant.GiftBytes,
			GiftDays:  grant.GiftDays,
			GrantedAt: grant.GrantedAt,
		}
		if err := e.sink.Notify(ctx, rewardNotification(owners[i], record)); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

func (e *Engine) firstActiveAccount(ctx context.Context, userId string) (*models.Account, error) {
	accounts, err := e.store.GetAccountsByUser(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts of %s: %w", userId, err)
	}
	for i := range accounts {
		if accounts[i].Active {
			return &accounts[i], nil
		}
	}
	return nil, nil
}
