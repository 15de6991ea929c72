package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vpn-usage-engine/internal/metrics"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"

	"go.uber.org/zap"
)

// ErrReconciliationAnomaly marks a counter that went backwards between two
// snapshots. It is logged, never returned.
var ErrReconciliationAnomaly = errors.New("reconciliation anomaly: cumulative counter went backwards")

// Mirror receives every committed delta. Failures are logged and never undo
// the local ledger.
type Mirror interface {
	MirrorDelta(ctx context.Context, delta models.UsageDelta) error
}

type ReconcilerConfig struct {
	Store    store.UsageStore
	Location *time.Location
	Mirror   Mirror
	Metrics  *metrics.Metrics
}

// Reconciler turns consecutive snapshots into daily ledger deltas.
type Reconciler struct {
	store   store.UsageStore
	loc     *time.Location
	mirror  Mirror
	metrics *metrics.Metrics
	locks   pairLocks
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{
		store:   cfg.Store,
		loc:     loc,
		mirror:  cfg.Mirror,
		metrics: cfg.Metrics,
		locks:   pairLocks{locks: make(map[string]*sync.Mutex)},
	}
}

// Location is the timezone that owns day boundaries.
func (r *Reconciler) Location() *time.Location {
	return r.loc
}

// Reconcile records a delta for every snapshot of a pair not yet in the
// ledger, catching up after an earlier failed call. Calls for the same pair
// are serialized; re-running without a new snapshot is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, accountId, panelName string) (*store.ReconcileOutcome, error) {
	unlock := r.locks.lock(accountId + "|" + panelName)
	defer unlock()

	outcome, err := r.store.ReconcilePair(ctx, store.ReconcilePairParams{
		AccountId: accountId,
		PanelName: panelName,
		Location:  r.loc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile %s on %s: %w", accountId, panelName, err)
	}

	for _, anomaly := range outcome.Anomalies {
		zap.L().Warn("Usage counter went backwards, treating as reset",
			zap.String("account_id", accountId),
			zap.String("panel", panelName),
			zap.Int64("prev_bytes", anomaly.PrevCumulative),
			zap.Int64("curr_bytes", anomaly.CurrCumulative),
			zap.Error(ErrReconciliationAnomaly))
	}

	for _, delta := range outcome.Deltas {
		r.metrics.ObserveDelta(panelName, delta.DeltaBytes, delta.Reset)

		if r.mirror == nil {
			continue
		}
		if err := r.mirror.MirrorDelta(ctx, delta); err != nil {
			zap.L().Warn("Failed to mirror usage delta",
				zap.String("snapshot_id", delta.SnapshotId),
				zap.String("account_id", accountId),
				zap.Error(err))
		}
	}

	return outcome, nil
}

// ReconcileAll reconciles every active binding, settling snapshots left
// behind by a failed or interrupted cycle. Failures are logged per pair and
// counted.
func (r *Reconciler) ReconcileAll(ctx context.Context) (deltas, failures int, err error) {
	bindings, err := r.store.GetBindings(ctx, "")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load bindings: %w", err)
	}

	for _, b := range bindings {
		outcome, err := r.Reconcile(ctx, b.AccountId, b.PanelName)
		if err != nil {
			failures++
			zap.L().Error("Reconciliation failed",
				zap.String("account_id", b.AccountId),
				zap.String("panel", b.PanelName),
				zap.Error(err))
			continue
		}
		deltas += len(outcome.Deltas)
	}
	return deltas, failures, nil
}

// pairLocks hands out one mutex per (account, panel) pair.
type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (p *pairLocks) lock(key string) (unlock func()) {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
