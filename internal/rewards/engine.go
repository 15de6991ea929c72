/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rewards

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/metrics"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/notify"
	"vpn-usage-engine/internal/store"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Reward grant kinds
const (
	KindLoyalty     = "loyalty"
	KindReferral    = "referral"
	KindAnniversary = "anniversary"
	KindBirthday    = "birthday"
	KindEvent       = "event"
)

const (
	trailingWindowDays     = 30
	loyaltyReminderWarning = "loyalty_reminder"
	loyaltyReminderWindow  = 30 * 24 * time.Hour
)

// Gifts sizes the one-time gifts that are not part of the catalog.
type Gifts struct {
	AnniversaryGB   int
	AnniversaryDays int
	BirthdayGB      int
	BirthdayDays    int
	ReferralGB      int
	ReferralDays    int
}

// EngineConfig contains configuration for Engine
type EngineConfig struct {
	Store    store.UsageStore
	Catalog  *Catalog
	Sink     notify.Sink
	Metrics  *metrics.Metrics
	Location *time.Location
	Gifts    Gifts
	Now      func() time.Time
}

// Engine evaluates badges and one-time rewards. Every grant is protected by
// a uniqueness constraint, so sweeps may run concurrently or repeatedly.
type Engine struct {
	store    store.UsageStore
	catalog  *Catalog
	sink     notify.Sink
	metrics  *metrics.Metrics
	location *time.Location
	gifts    Gifts
	now      func() time.Time
}

// SweepReport summarizes what one sweep granted.
type SweepReport struct {
	Users         int
	Referrals     int
	Badges        int
	Loyalty       int
	Reminders     int
	Anniversaries int
	Birthdays     int
	Events        int
	Errors        int
}

func NewEngine(cfg EngineConfig) *Engine {
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = DefaultCatalog(0)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	sink := cfg.Sink
	if sink == nil {
		sink = notify.LogSink{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    cfg.Store,
		catalog:  catalog,
		sink:     sink,
		metrics:  cfg.Metrics,
		location: loc,
		gifts:    cfg.Gifts,
		now:      now,
	}
}

func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Sweep evaluates every user. Failures are contained per user; only a
// failure to load the user list or the usage totals fails the sweep.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	now := e.now()
	report := &SweepReport{}

	// Referrals first so this sweep's ambassador check already counts them
	e.applyReferrals(ctx, now, report)

	users, err := e.store.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	report.Users = len(users)

	toDay := ledger.DayOf(now, e.location)
	fromDay, err := ledger.AddDays(toDay, -(trailingWindowDays - 1))
	if err != nil {
		return nil, err
	}
	trailing, err := e.store.GetUsageTotalsByUser(ctx, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("failed to load trailing usage: %w", err)
	}

	for _, user := range users {
		if err := e.sweepUser(ctx, user, trailing[user.Id], now, report); err != nil {
			report.Errors++
			zap.L().Error("Reward sweep failed for user",
				zap.String("user_id", user.Id),
				zap.Error(err))
		}
	}

	zap.L().Info("Reward sweep finished",
		zap.Int("users", report.Users),
		zap.Int("referrals", report.Referrals),
		zap.Int("badges", report.Badges),
		zap.Int("loyalty", report.Loyalty),
		zap.Int("reminders", report.Reminders),
		zap.Int("anniversaries", report.Anniversaries),
		zap.Int("birthdays", report.Birthdays),
		zap.Int("events", report.Events),
		zap.Int("errors", report.Errors))

	return report, nil
}

func (e *Engine) sweepUser(ctx context.Context, user models.User, trailingBytes int64, now time.Time, report *SweepReport) error {
	accounts, err := e.store.GetAccountsByUser(ctx, user.Id)
	if err != nil {
		return err
	}
	active := lo.Filter(accounts, func(a models.Account, _ int) bool { return a.Active })

	agg, err := e.aggregates(ctx, user, accounts, trailingBytes, now)
	if err != nil {
		return err
	}

	var errs []error
	if err := e.grantBadges(ctx, user, agg, now, report); err != nil {
		errs = append(errs, err)
	}

	for _, account := range active {
		if err := e.checkLoyalty(ctx, user, account, now, report); err != nil {
			errs = append(errs, err)
		}
		if err := e.checkAnniversary(ctx, user, account, now, report); err != nil {
			errs = append(errs, err)
		}
		if err := e.checkEvents(ctx, user, account, now, report); err != nil {
			errs = append(errs, err)
		}
	}

	if len(active) > 0 {
		if err := e.checkBirthday(ctx, user, active[0], now, report); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (e *Engine) aggregates(ctx context.Context, user models.User, accounts []models.Account, trailingBytes int64, now time.Time) (Aggregates, error) {
	agg := Aggregates{TrailingUsageBytes: trailingBytes}

	if len(accounts) > 0 {
		oldest := lo.MinBy(accounts, func(a, b models.Account) bool { return a.CreatedAt.Before(b.CreatedAt) })
		agg.AccountAgeDays = int(now.Sub(oldest.CreatedAt).Hours() / 24)
	}

	var err error
	if agg.PaymentCount, err = e.store.CountUserPayments(ctx, user.Id); err != nil {
		return agg, err
	}
	if agg.SuccessfulReferrals, err = e.store.CountSuccessfulReferrals(ctx, user.Id); err != nil {
		return agg, err
	}

	wins, err := e.store.GetWeeklyChampions(ctx, user.Id)
	if err != nil {
		return agg, err
	}
	agg.ChampionWins = len(wins)
	agg.ChampionStreak = longestStreak(wins)

	return agg, nil
}

// grantBadges evaluates base badges first and then meta badges until no
// more unlock, so one sweep can grant a whole chain.
func (e *Engine) grantBadges(ctx context.Context, user models.User, agg Aggregates, now time.Time, report *SweepReport) error {
	grants, err := e.store.GetAchievementGrants(ctx, user.Id)
	if err != nil {
		return err
	}
	held := lo.SliceToMap(grants, func(g models.AchievementGrant) (string, bool) { return g.BadgeCode, true })

	base, meta := lo.FilterReject(e.catalog.Badges, func(b Badge, _ int) bool { return !b.IsMeta() })

	var errs []error
	for _, badge := range base {
		if err := e.maybeGrant(ctx, user, badge, agg, held, now, report); err != nil {
			errs = append(errs, err)
		}
	}

	for changed := true; changed; {
		changed = false
		for _, badge := range meta {
			if held[badge.Code] {
				continue
			}
			before := len(held)
			if err := e.maybeGrant(ctx, user, badge, agg, held, now, report); err != nil {
				errs = append(errs, err)
			}
			changed = changed || len(held) > before
		}
	}

	return errors.Join(errs...)
}

func (e *Engine) maybeGrant(ctx context.Context, user models.User, badge Badge, agg Aggregates, held map[string]bool, now time.Time, report *SweepReport) error {
	if held[badge.Code] || !badge.Rule.Matches(agg, held) {
		return nil
	}

	err := e.store.GrantAchievement(ctx, user.Id, badge.Code, now)
	if errors.Is(err, store.ErrDuplicateGrant) {
		// Another sweep got there first
		held[badge.Code] = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to grant %s: %w", badge.Code, err)
	}

	held[badge.Code] = true
	report.Badges++
	e.metrics.ObserveGrant("badge")

	zap.L().Info("Achievement granted",
		zap.String("user_id", user.Id),
		zap.String("badge", badge.Code),
		zap.Int("points", badge.Points))

	return e.sink.Notify(ctx, models.Notification{
		UserId: user.Id,
		Kind:   notify.KindAchievement,
		Payload: map[string]string{
			"badge":  badge.Code,
			"name":   badge.Name,
			"icon":   badge.Icon,
			"points": strconv.Itoa(badge.Points),
		},
	})
}

// checkLoyalty grants every tier the account's payment count has reached
// and reminds the user when the next tier is one payment away.
func (e *Engine) checkLoyalty(ctx context.Context, user models.User, account models.Account, now time.Time, report *SweepReport) error {
	payments, err := e.store.CountPayments(ctx, account.Id)
	if err != nil {
		return err
	}

	var errs []error
	for _, tier := range e.catalog.LoyaltyTiers {
		if payments < tier.Payments {
			break
		}
		granted, err := e.grantReward(ctx, user, store.RewardGrantParams{
			AccountId: account.Id,
			Code:      fmt.Sprintf("loyalty_%d", tier.Payments),
			Kind:      KindLoyalty,
			GiftBytes: int64(tier.RewardGB) * ledger.GiB,
			GiftDays:  tier.RewardDays,
			GrantedAt: now,
		}, nil)
		if err != nil {
			errs = append(errs, err)
		} else if granted {
			report.Loyalty++
		}
	}

	next, ok := e.catalog.NextTier(payments)
	if !ok || next.Payments-payments != 1 {
		return errors.Join(errs...)
	}

	recent, err := e.store.HasRecentWarning(ctx, account.Id, loyaltyReminderWarning, now.Add(-loyaltyReminderWindow))
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if recent {
		return errors.Join(errs...)
	}

	err = e.sink.Notify(ctx, models.Notification{
		UserId:    user.Id,
		AccountId: account.Id,
		Kind:      notify.KindLoyaltyReminder,
		Payload: map[string]string{
			"payments":    strconv.Itoa(payments),
			"next_tier":   strconv.Itoa(next.Payments),
			"reward_gb":   strconv.Itoa(next.RewardGB),
			"reward_days": strconv.Itoa(next.RewardDays),
		},
	})
	if err == nil {
		err = e.store.LogWarning(ctx, account.Id, loyaltyReminderWarning, now)
	}
	if err != nil {
		errs = append(errs, err)
	} else {
		report.Reminders++
	}
	return errors.Join(errs...)
}

// checkAnniversary grants one gift per completed year of account age.
func (e *Engine) checkAnniversary(ctx context.Context, user models.User, account models.Account, now time.Time, report *SweepReport) error {
	years := completedYears(account.CreatedAt, now, e.location)
	if years < 1 {
		return nil
	}

	granted, err := e.grantReward(ctx, user, store.RewardGrantParams{
		AccountId: account.Id,
		Code:      fmt.Sprintf("anniversary_%d", years),
		Kind:      KindAnniversary,
		GiftBytes: int64(e.gifts.AnniversaryGB) * ledger.GiB,
		GiftDays:  e.gifts.AnniversaryDays,
		GrantedAt: now,
	}, nil)
	if granted {
		report.Anniversaries++
	}
	return err
}

// checkBirthday grants one gift per calendar year, on the birthday in the
// reporting timezone, to the user's first active account.
func (e *Engine) checkBirthday(ctx context.Context, user models.User, account models.Account, now time.Time, report *SweepReport) error {
	if user.Birthday == nil || !isBirthday(*user.Birthday, now, e.location) {
		return nil
	}

	granted, err := e.grantReward(ctx, user, store.RewardGrantParams{
		AccountId: account.Id,
		Code:      fmt.Sprintf("birthday_%d", now.In(e.location).Year()),
		Kind:      KindBirthday,
		GiftBytes: int64(e.gifts.BirthdayGB) * ledger.GiB,
		GiftDays:  e.gifts.BirthdayDays,
		GrantedAt: now,
	}, nil)
	if granted {
		report.Birthdays++
	}
	return err
}

// checkEvents grants the gift of every catalog event falling on today, once
// per account and year.
func (e *Engine) checkEvents(ctx context.Context, user models.User, account models.Account, now time.Time, report *SweepReport) error {
	var errs []error
	for _, ev := range e.catalog.Events {
		if !ev.HasGift() || !ev.On(now, e.location) {
			continue
		}
		granted, err := e.grantReward(ctx, user, store.RewardGrantParams{
			AccountId: account.Id,
			Code:      fmt.Sprintf("event_%s_%d", ev.Date, now.In(e.location).Year()),
			Kind:      KindEvent,
			GiftBytes: int64(ev.GiftGB) * ledger.GiB,
			GiftDays:  ev.GiftDays,
			GrantedAt: now,
		}, map[string]string{"event": ev.Name, "message": ev.Message})
		if err != nil {
			errs = append(errs, err)
		} else if granted {
			report.Events++
		}
	}
	return errors.Join(errs...)
}

// grantReward inserts a one-time reward. An existing grant is not an error
// and reports granted=false. extra is merged into the notification payload.
func (e *Engine) grantReward(ctx context.Context, user models.User, params store.RewardGrantParams, extra map[string]string) (bool, error) {
	grant, err := e.store.GrantReward(ctx, params)
	if errors.Is(err, store.ErrDuplicateGrant) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to grant %s: %w", params.Code, err)
	}

	e.metrics.ObserveGrant(grant.Kind)
	zap.L().Info("Reward granted",
		zap.String("user_id", user.Id),
		zap.String("account_id", grant.AccountId),
		zap.String("code", grant.Code),
		zap.Int64("gift_bytes", grant.GiftBytes),
		zap.Int("gift_days", grant.GiftDays))

	n := rewardNotification(user.Id, *grant)
	if len(extra) > 0 {
		n.Payload = lo.Assign(n.Payload, extra)
	}
	return true, e.sink.Notify(ctx, n)
}

func rewardNotification(userId string, grant models.RewardGrant) models.Notification {
	return models.Notification{
		UserId:    userId,
		AccountId: grant.AccountId,
		Kind:      notify.KindReward,
		Payload: map[string]string{
			"code":      grant.Code,
			"kind":      grant.Kind,
			"gift_days": strconv.Itoa(grant.GiftDays),
			"gift_gb":   strconv.FormatInt(grant.GiftBytes/ledger.GiB, 10),
		},
	}
}
