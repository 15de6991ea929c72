package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// RecordSnapshot appends one snapshot and refreshes the binding's observed
// state in a single transaction.
func (s *Service) RecordSnapshot(ctx context.Context, params store.RecordSnapshotParams) (*models.UsageSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	snapshot := &models.UsageSnapshot{
		Id:              uuid.New().String(),
		AccountId:       params.AccountId,
		PanelName:       params.PanelName,
		PanelType:       params.PanelType,
		CumulativeBytes: params.Reading.CumulativeBytes,
		TakenAt:         params.TakenAt.UTC(),
	}

	_, err = tx.ExecContext(ctx, queryInsertSnapshot,
		snapshot.Id, snapshot.AccountId, snapshot.PanelName, string(snapshot.PanelType),
		snapshot.CumulativeBytes, toNanos(snapshot.TakenAt), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to insert snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, queryUpdateBindingState,
		params.Reading.QuotaBytes, params.Reading.CumulativeBytes,
		nullableNanos(params.Reading.ExpireAt), nullableNanos(params.Reading.LastSeen),
		boolToInt(params.Reading.Active), toNanos(params.TakenAt),
		params.AccountId, params.PanelName)
	if err != nil {
		return nil, fmt.Errorf("failed to update binding state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return snapshot, nil
}

// GetLatestSnapshots returns up to limit snapshots for a pair, newest first.
func (s *Service) GetLatestSnapshots(ctx context.Context, accountId, panelName string, limit int) ([]models.UsageSnapshot, error) {
	return latestSnapshots(ctx, s.db, accountId, panelName, limit)
}

// GetLastSnapshotBefore returns the newest snapshot of a pair taken before
// the given instant, or nil when there is none.
func (s *Service) GetLastSnapshotBefore(ctx context.Context, accountId, panelName string, before time.Time) (*models.UsageSnapshot, error) {
	snapshot, err := scanSnapshot(s.db.QueryRowContext(ctx, queryGetLastSnapshotBefore, accountId, panelName, toNanos(before)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func latestSnapshots(ctx context.Context, q queryer, accountId, panelName string, limit int) ([]models.UsageSnapshot, error) {
	rows, err := q.QueryContext(ctx, queryGetLatestSnapshots, accountId, panelName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer closeRows(rows)

	var snapshots []models.UsageSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return snapshots, nil
}

func scanSnapshot(row rowScanner) (*models.UsageSnapshot, error) {
	var snapshot models.UsageSnapshot
	var panelType string
	var takenAt int64
	if err := row.Scan(&snapshot.Id, &snapshot.AccountId, &snapshot.PanelName, &panelType,
		&snapshot.CumulativeBytes, &takenAt, &snapshot.IsBaseline); err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	snapshot.PanelType = models.PanelType(panelType)
	snapshot.TakenAt = fromNanos(takenAt)
	return &snapshot, nil
}

// ReconcilePair turns every snapshot recorded after the pair's last settled
// snapshot into a ledger delta, oldest first. A snapshot is settled once it
// has a delta or is a baseline, so a call that failed earlier is caught up
// by the next one and running this again without a new snapshot changes
// nothing.
func (s *Service) ReconcilePair(ctx context.Context, params store.ReconcilePairParams) (*store.ReconcileOutcome, error) {
	loc := params.Location
	if loc == nil {
		loc = defaultLocation
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	settled, err := scanSnapshot(tx.QueryRowContext(ctx, queryGetSettledSnapshot, params.AccountId, params.PanelName))
	if errors.Is(err, sql.ErrNoRows) {
		settled = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to find settled snapshot: %w", err)
	}

	sequence, err := pendingSnapshots(ctx, tx, params.AccountId, params.PanelName, settled)
	if err != nil {
		return nil, err
	}

	switch {
	case len(sequence) == 0:
		return &store.ReconcileOutcome{Skipped: store.SkipNoSnapshots}, nil
	case len(sequence) == 1 && sequence[0].IsBaseline:
		return &store.ReconcileOutcome{Skipped: store.SkipBaseline}, nil
	case len(sequence) == 1 && settled != nil:
		return &store.ReconcileOutcome{Skipped: store.SkipAlreadyReconciled}, nil
	case len(sequence) == 1:
		return &store.ReconcileOutcome{Skipped: store.SkipFirstObservation}, nil
	}

	now := s.now()
	outcome := &store.ReconcileOutcome{}
	for i := 1; i < len(sequence); i++ {
		prev, curr := sequence[i-1], sequence[i]

		deltaBytes, reset := ledger.ComputeDelta(prev.CumulativeBytes, curr.CumulativeBytes)
		delta := models.UsageDelta{
			SnapshotId: curr.Id,
			AccountId:  curr.AccountId,
			PanelName:  curr.PanelName,
			PanelType:  curr.PanelType,
			Day:        ledger.DayOf(curr.TakenAt, loc),
			DeltaBytes: deltaBytes,
			Reset:      reset,
			TakenAt:    curr.TakenAt,
		}

		_, err = tx.ExecContext(ctx, queryInsertDelta,
			delta.SnapshotId, delta.AccountId, delta.PanelName, string(delta.PanelType),
			delta.Day, delta.DeltaBytes, boolToInt(delta.Reset), toNanos(delta.TakenAt))
		if err != nil {
			return nil, fmt.Errorf("failed to insert delta: %w", err)
		}

		_, err = tx.ExecContext(ctx, queryUpsertDailyUsage,
			delta.AccountId, delta.Day, delta.PanelName, string(delta.PanelType), delta.DeltaBytes, toNanos(now))
		if err != nil {
			return nil, fmt.Errorf("failed to accumulate daily usage: %w", err)
		}
		outcome.Deltas = append(outcome.Deltas, delta)

		if !reset {
			continue
		}
		anomaly := models.UsageAnomaly{
			Id:             uuid.New().String(),
			AccountId:      curr.AccountId,
			PanelName:      curr.PanelName,
			PrevCumulative: prev.CumulativeBytes,
			CurrCumulative: curr.CumulativeBytes,
			DetectedAt:     now.UTC(),
		}
		_, err = tx.ExecContext(ctx, queryInsertAnomaly,
			anomaly.Id, anomaly.AccountId, anomaly.PanelName, curr.Id,
			anomaly.PrevCumulative, anomaly.CurrCumulative, toNanos(anomaly.DetectedAt))
		if err != nil {
			return nil, fmt.Errorf("failed to record anomaly: %w", err)
		}
		outcome.Anomalies = append(outcome.Anomalies, anomaly)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, delta := range outcome.Deltas {
		zap.L().Debug("Pair reconciled",
			zap.String("account_id", delta.AccountId),
			zap.String("panel", delta.PanelName),
			zap.String("snapshot_id", delta.SnapshotId),
			zap.String("day", delta.Day),
			zap.Int64("delta_bytes", delta.DeltaBytes),
			zap.Bool("reset", delta.Reset))
	}
	if len(outcome.Deltas) > 1 {
		zap.L().Info("Caught up unreconciled snapshots",
			zap.String("account_id", params.AccountId),
			zap.String("panel", params.PanelName),
			zap.Int("deltas", len(outcome.Deltas)))
	}

	return outcome, nil
}

// pendingSnapshots returns the settled snapshot followed by every snapshot
// recorded after it. With nothing settled yet it returns the whole history,
// whose first snapshot is the first observation.
func pendingSnapshots(ctx context.Context, q queryer, accountId, panelName string, settled *models.UsageSnapshot) ([]models.UsageSnapshot, error) {
	from := int64(math.MinInt64)
	if settled != nil {
		from = toNanos(settled.TakenAt)
	}

	rows, err := q.QueryContext(ctx, queryGetSnapshotsFrom, accountId, panelName, from)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending snapshots: %w", err)
	}
	defer closeRows(rows)

	var snapshots []models.UsageSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	if settled == nil {
		return snapshots, nil
	}
	// Snapshots sharing the settled timestamp but ordered before it are history
	for i, snapshot := range snapshots {
		if snapshot.Id == settled.Id {
			return snapshots[i:], nil
		}
	}
	return []models.UsageSnapshot{*settled}, nil
}
