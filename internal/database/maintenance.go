package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PruneSnapshots deletes snapshots older than before. The newest snapshot of
// every pair survives so the next reconciliation still has a predecessor.
func (s *Service) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	return s.prune(ctx, "usage_snapshots", queryPruneSnapshots, before)
}

// PruneNotifications deletes delivered notifications older than before.
func (s *Service) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	return s.prune(ctx, "notifications", queryPruneNotifications, before)
}

func (s *Service) PruneWarningLog(ctx context.Context, before time.Time) (int64, error) {
	return s.prune(ctx, "warning_log", queryPruneWarningLog, before)
}

func (s *Service) prune(ctx context.Context, table, query string, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s: %w", table, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if deleted > 0 {
		zap.L().Info("Pruned rows", zap.String("table", table), zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// Vacuum rebuilds the database file. It cannot run inside a transaction.
func (s *Service) Vacuum(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	zap.L().Info("Database vacuumed", zap.Duration("took", time.Since(start)))
	return nil
}
