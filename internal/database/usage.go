package database

import (
	"context"
	"fmt"
	"time"

	"vpn-usage-engine/internal/models"
)

var defaultLocation = time.UTC

// GetDailyUsage returns the ledger buckets of one account for an inclusive day range.
func (s *Service) GetDailyUsage(ctx context.Context, accountId, fromDay, toDay string) ([]models.DailyUsageRecord, error) {
	return s.queryDailyUsage(ctx, queryGetDailyUsageRange, accountId, fromDay, toDay)
}

// GetDailyUsageForDay returns the ledger buckets of every account for one day.
func (s *Service) GetDailyUsageForDay(ctx context.Context, day string) ([]models.DailyUsageRecord, error) {
	return s.queryDailyUsage(ctx, queryGetDailyUsageForDay, day)
}

// queryDailyUsage folds per-panel rows into one record per account and day,
// preserving the row order of the query.
func (s *Service) queryDailyUsage(ctx context.Context, query string, args ...any) ([]models.DailyUsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer closeRows(rows)

	var records []models.DailyUsageRecord
	index := make(map[string]int)
	for rows.Next() {
		var accountId, day, panelName string
		var usageBytes int64
		if err := rows.Scan(&accountId, &day, &panelName, &usageBytes); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}

		key := accountId + "|" + day
		i, ok := index[key]
		if !ok {
			records = append(records, models.DailyUsageRecord{
				AccountId:  accountId,
				Day:        day,
				PanelBytes: make(map[string]int64),
			})
			i = len(records) - 1
			index[key] = i
		}
		records[i].PanelBytes[panelName] += usageBytes
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily usage: %w", err)
	}

	return records, nil
}

// GetUsageDeltas returns the reconciled deltas of one account in [from, to).
func (s *Service) GetUsageDeltas(ctx context.Context, accountId string, from, to time.Time) ([]models.UsageDelta, error) {
	rows, err := s.db.QueryContext(ctx, queryGetUsageDeltas, accountId, toNanos(from), toNanos(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query usage deltas: %w", err)
	}
	defer closeRows(rows)

	var deltas []models.UsageDelta
	for rows.Next() {
		var d models.UsageDelta
		var panelType string
		var takenAt int64
		if err := rows.Scan(&d.SnapshotId, &d.AccountId, &d.PanelName, &panelType, &d.Day, &d.DeltaBytes, &d.Reset, &takenAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage delta: %w", err)
		}
		d.PanelType = models.PanelType(panelType)
		d.TakenAt = fromNanos(takenAt)
		deltas = append(deltas, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage deltas: %w", err)
	}

	return deltas, nil
}

// GetUsageTotalsByUser sums every account of each user over an inclusive day range.
func (s *Service) GetUsageTotalsByUser(ctx context.Context, fromDay, toDay string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, queryGetUsageTotalsByUser, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}
	defer closeRows(rows)

	totals := make(map[string]int64)
	for rows.Next() {
		var userId string
		var total int64
		if err := rows.Scan(&userId, &total); err != nil {
			return nil, fmt.Errorf("failed to scan usage total: %w", err)
		}
		totals[userId] = total
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage totals: %w", err)
	}

	return totals, nil
}

func (s *Service) GetAnomalies(ctx context.Context, since time.Time) ([]models.UsageAnomaly, error) {
	rows, err := s.db.QueryContext(ctx, queryGetAnomaliesSince, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer closeRows(rows)

	var anomalies []models.UsageAnomaly
	for rows.Next() {
		var a models.UsageAnomaly
		var detectedAt int64
		if err := rows.Scan(&a.Id, &a.AccountId, &a.PanelName, &a.PrevCumulative, &a.CurrCumulative, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		a.DetectedAt = fromNanos(detectedAt)
		anomalies = append(anomalies, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating anomalies: %w", err)
	}

	return anomalies, nil
}
