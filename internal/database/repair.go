package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RepairPair discards a pair's snapshots taken at or after params.Since,
// retracts the ledger contributions derived from them and inserts a
// baseline snapshot. The reconciler never derives a delta from a baseline.
func (s *Service) RepairPair(ctx context.Context, params store.RepairPairParams) (*store.RepairOutcome, error) {
	if params.TakenAt.IsZero() {
		params.TakenAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var panelType string
	err = tx.QueryRowContext(ctx, queryGetBindingPanelType, params.AccountId, params.PanelName).Scan(&panelType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no binding of %s on %s", store.ErrAccountNotFound, params.AccountId, params.PanelName)
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up binding: %w", err)
	}

	outcome := &store.RepairOutcome{AccountId: params.AccountId, PanelName: params.PanelName}
	since := toNanos(params.Since)

	// Known-good value: explicit baseline, else the last snapshot before the cut
	if params.Baseline != nil {
		outcome.BaselineBytes = *params.Baseline
		outcome.HadKnownGoodValue = true
	} else {
		prev, err := scanSnapshot(tx.QueryRowContext(ctx, queryGetLastSnapshotBefore, params.AccountId, params.PanelName, since))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to find known-good snapshot: %w", err)
		}
		if err == nil {
			outcome.BaselineBytes = prev.CumulativeBytes
			outcome.HadKnownGoodValue = true
		}
	}

	if err := s.retractDeltasSince(ctx, tx, outcome, since); err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, queryDeleteSnapshotsSince, params.AccountId, params.PanelName, since)
	if err != nil {
		return nil, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	outcome.DeletedSnapshots, err = result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}

	if outcome.HadKnownGoodValue {
		baseline := &models.UsageSnapshot{
			Id:              uuid.New().String(),
			AccountId:       params.AccountId,
			PanelName:       params.PanelName,
			PanelType:       models.PanelType(panelType),
			CumulativeBytes: outcome.BaselineBytes,
			TakenAt:         params.TakenAt.UTC(),
			IsBaseline:      true,
		}
		_, err = tx.ExecContext(ctx, queryInsertSnapshot,
			baseline.Id, baseline.AccountId, baseline.PanelName, string(baseline.PanelType),
			baseline.CumulativeBytes, toNanos(baseline.TakenAt), 1)
		if err != nil {
			return nil, fmt.Errorf("failed to insert baseline snapshot: %w", err)
		}
		outcome.BaselineSnapshot = baseline
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Pair repaired",
		zap.String("account_id", params.AccountId),
		zap.String("panel", params.PanelName),
		zap.Time("since", params.Since),
		zap.Int64("deleted_snapshots", outcome.DeletedSnapshots),
		zap.Int64("retracted_bytes", outcome.RetractedBytes),
		zap.Int64("baseline_bytes", outcome.BaselineBytes),
		zap.Bool("baseline_inserted", outcome.BaselineSnapshot != nil))

	return outcome, nil
}

// retractDeltasSince removes the deltas keyed by snapshots about to be
// deleted and subtracts them from their day buckets.
func (s *Service) retractDeltasSince(ctx context.Context, tx *sql.Tx, outcome *store.RepairOutcome, since int64) error {
	accountId, panelName := outcome.AccountId, outcome.PanelName

	rows, err := tx.QueryContext(ctx, queryGetDeltasSince, accountId, panelName, accountId, panelName, since)
	if err != nil {
		return fmt.Errorf("failed to query deltas to retract: %w", err)
	}

	perDay := make(map[string]int64)
	for rows.Next() {
		var snapshotId, day string
		var deltaBytes int64
		if err := rows.Scan(&snapshotId, &day, &deltaBytes); err != nil {
			closeRows(rows)
			return fmt.Errorf("failed to scan delta: %w", err)
		}
		perDay[day] += deltaBytes
		outcome.RetractedSnapshotIds = append(outcome.RetractedSnapshotIds, snapshotId)
	}
	if err := rows.Err(); err != nil {
		closeRows(rows)
		return fmt.Errorf("error iterating deltas: %w", err)
	}
	closeRows(rows)

	now := toNanos(s.now())
	for day, total := range perDay {
		if _, err := tx.ExecContext(ctx, queryRetractDailyUsage, total, now, accountId, day, panelName); err != nil {
			return fmt.Errorf("failed to retract daily usage for %s: %w", day, err)
		}
		outcome.RetractedBytes += total
	}

	if _, err := tx.ExecContext(ctx, queryDeleteDeltasSince, accountId, panelName, accountId, panelName, since); err != nil {
		return fmt.Errorf("failed to delete deltas: %w", err)
	}

	return nil
}
