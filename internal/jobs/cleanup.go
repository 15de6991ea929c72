package jobs

import (
	"context"
	"errors"
	"fmt"

	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/panel"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Cleanup prunes old history and retires bindings that disappeared from
// their panel. Each step runs even when an earlier one failed.
func (j *Jobs) Cleanup(ctx context.Context) error {
	now := j.now()
	var errs []error

	if j.retention.SnapshotRetention > 0 {
		pruned, err := j.store.PruneSnapshots(ctx, now.Add(-j.retention.SnapshotRetention))
		if err != nil {
			errs = append(errs, err)
		} else {
			zap.L().Info("Snapshots pruned", zap.Int64("rows", pruned))
		}
	}

	if j.retention.NotificationRetention > 0 {
		cutoff := now.Add(-j.retention.NotificationRetention)
		if _, err := j.store.PruneNotifications(ctx, cutoff); err != nil {
			errs = append(errs, err)
		}
		// The dedup window needs its own entries
		if j.warnings.DedupWindow > j.retention.NotificationRetention {
			cutoff = now.Add(-j.warnings.DedupWindow)
		}
		if _, err := j.store.PruneWarningLog(ctx, cutoff); err != nil {
			errs = append(errs, err)
		}
	}

	if err := j.deactivateOrphans(ctx); err != nil {
		errs = append(errs, err)
	}

	if day := j.retention.VacuumDayOfMonth; day > 0 && now.In(j.location).Day() == day {
		if err := j.store.Vacuum(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// deactivateOrphans compares each panel's bindings with a fresh fetch. Only
// a successful, non-empty fetch is trusted: a failure or an empty list says
// nothing about which accounts exist.
func (j *Jobs) deactivateOrphans(ctx context.Context) error {
	if j.recorder == nil {
		return nil
	}

	var errs []error
	for name, adapter := range j.recorder.Adapters() {
		readings, err := panel.Uncached(adapter).FetchAllAccounts(ctx)
		if err != nil {
			zap.L().Warn("Skipping orphan check, panel fetch failed", zap.String("panel", name), zap.Error(err))
			continue
		}
		if len(readings) == 0 {
			zap.L().Warn("Skipping orphan check, panel returned no accounts", zap.String("panel", name))
			continue
		}

		bindings, err := j.store.GetBindings(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load bindings of %s: %w", name, err))
			continue
		}

		present := lo.SliceToMap(readings, func(r models.AccountReading) (string, struct{}) { return r.NativeId, struct{}{} })
		orphans := lo.FilterMap(bindings, func(b models.PanelBinding, _ int) (string, bool) {
			_, ok := present[b.NativeId]
			return b.NativeId, !ok
		})
		if len(orphans) == 0 {
			continue
		}

		deactivated, err := j.store.DeactivateBindings(ctx, name, orphans)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		zap.L().Info("Orphaned bindings deactivated",
			zap.String("panel", name),
			zap.Strings("native_ids", orphans),
			zap.Int64("rows", deactivated))
	}
	return errors.Join(errs...)
}
