package jobs

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/notify"
	"vpn-usage-engine/internal/usage"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// accountState is the last observed state of an account across its panels.
type accountState struct {
	account    models.Account
	usedBytes  int64 // over bindings with a quota
	quotaBytes int64
	expireAt   *time.Time // earliest over bindings
}

// Warnings checks every active account against the usage and expiry
// thresholds. It reads the binding state left by the last poll, so it makes
// no panel calls of its own.
func (j *Jobs) Warnings(ctx context.Context) error {
	now := j.now()

	accounts, err := j.store.GetAccounts(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	bindings, err := j.store.GetBindings(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load bindings: %w", err)
	}
	byAccount := lo.GroupBy(bindings, func(b models.PanelBinding) string { return b.AccountId })

	var sent, failed int
	for _, account := range accounts {
		state := summarize(account, byAccount[account.Id])

		for _, w := range j.pendingWarnings(state, now) {
			ok, err := j.warnOnce(ctx, w, now)
			if err != nil {
				failed++
				zap.L().Error("Failed to send warning",
					zap.String("account_id", account.Id),
					zap.String("kind", w.Kind),
					zap.Error(err))
				continue
			}
			if ok {
				sent++
			}
		}
	}

	zap.L().Info("Warning sweep finished",
		zap.Int("accounts", len(accounts)),
		zap.Int("sent", sent),
		zap.Int("failed", failed))
	return nil
}

func summarize(account models.Account, bindings []models.PanelBinding) accountState {
	state := accountState{account: account}
	for _, b := range bindings {
		if b.LastQuotaBytes > 0 {
			state.usedBytes += b.LastUsageBytes
			state.quotaBytes += b.LastQuotaBytes
		}
		if b.ExpireAt != nil && (state.expireAt == nil || b.ExpireAt.Before(*state.expireAt)) {
			state.expireAt = b.ExpireAt
		}
	}
	return state
}

func (j *Jobs) pendingWarnings(state accountState, now time.Time) []models.Notification {
	var out []models.Notification

	reading := models.AccountReading{CumulativeBytes: state.usedBytes, QuotaBytes: state.quotaBytes}
	if pct, ok := reading.UsagePercentage(); ok && pct >= j.warnings.UsageThresholdPercent {
		out = append(out, models.Notification{
			UserId:    state.account.UserId,
			AccountId: state.account.Id,
			Kind:      notify.KindUsageWarning,
			Payload: map[string]string{
				"account_name": state.account.Name,
				"percent":      strconv.FormatFloat(pct, 'f', 1, 64),
				"used":         usage.FormatBytes(state.usedBytes),
				"quota":        usage.FormatBytes(state.quotaBytes),
			},
		})
	}

	if state.expireAt != nil {
		days := daysUntil(now, *state.expireAt, j.location)
		if days >= 0 && days <= j.warnings.DaysBeforeExpiry {
			out = append(out, models.Notification{
				UserId:    state.account.UserId,
				AccountId: state.account.Id,
				Kind:      notify.KindExpiryWarning,
				Payload: map[string]string{
					"account_name": state.account.Name,
					"days_left":    strconv.Itoa(days),
					"expire_day":   ledger.DayOf(*state.expireAt, j.location),
				},
			})
		}
	}

	return out
}

// warnOnce sends n unless the same kind went to the account within the
// dedup window. The log entry is written after the sink accepted it.
func (j *Jobs) warnOnce(ctx context.Context, n models.Notification, now time.Time) (bool, error) {
	recent, err := j.store.HasRecentWarning(ctx, n.AccountId, n.Kind, now.Add(-j.warnings.DedupWindow))
	if err != nil {
		return false, err
	}
	if recent {
		return false, nil
	}
	if err := j.sink.Notify(ctx, n); err != nil {
		return false, err
	}
	if err := j.store.LogWarning(ctx, n.AccountId, n.Kind, now); err != nil {
		return false, err
	}
	return true, nil
}

// daysUntil counts calendar days in loc from now to t; negative once t's day has passed.
func daysUntil(now, t time.Time, loc *time.Location) int {
	from := ledger.StartOfDay(now, loc)
	to := ledger.StartOfDay(t, loc)
	return int(math.Round(to.Sub(from).Hours() / 24))
}
