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

package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vpn-usage-engine/internal/metrics"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/panel"
	"vpn-usage-engine/internal/store"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// RecorderConfig contains configuration for Recorder
type RecorderConfig struct {
	Store      store.UsageStore
	Adapters   map[string]panel.Adapter
	Reconciler *Reconciler
	Metrics    *metrics.Metrics
	Console    bool
	Now        func() time.Time
}

// Recorder polls every panel and appends one snapshot per bound account
type Recorder struct {
	store      store.UsageStore
	reconciler *Reconciler
	metrics    *metrics.Metrics
	console    bool
	now        func() time.Time
	adapters   map[string]panel.Adapter
}

// CycleReport summarizes one polling cycle.
type CycleReport struct {
	CycleId      string
	StartedAt    time.Time
	Duration     time.Duration
	Panels       int
	PanelsFailed int
	Snapshots    int
	Missing      int
	Deltas       int
	Anomalies    int
	Errors       int
	FailedPanels map[string]panel.Kind
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		metrics:    cfg.Metrics,
		console:    cfg.Console,
		now:        now,
		adapters:   cfg.Adapters,
	}
}

// Adapters returns the current panel set keyed by panel name.
func (r *Recorder) Adapters() map[string]panel.Adapter {
	return r.adapters
}

type panelOutcome struct {
	panel     string
	failed    bool
	kind      panel.Kind
	snapshots int
	missing   int
	deltas    int
	anomalies int
	errors    int
	fatal     error
}

// RunCycle fetches every panel concurrently and records snapshots for the
// pairs each successful fetch covers. A failed panel leaves a gap for its
// pairs and does not affect the others. Only storage failures fail the cycle.
func (r *Recorder) RunCycle(ctx context.Context) (*CycleReport, error) {
	cycle := &models.CycleContext{CycleId: uuid.New().String(), Trigger: "poll", StartedAt: r.now()}
	if existing := models.GetCycleContext(ctx); existing != nil && existing.Trigger != "" {
		cycle.Trigger = existing.Trigger
	}
	ctx = models.WithCycleContext(ctx, cycle)

	bindings, err := r.store.GetBindings(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}
	byPanel := lo.GroupBy(bindings, func(b models.PanelBinding) string { return b.PanelName })

	adapters := r.Adapters()
	report := &CycleReport{
		CycleId:      cycle.CycleId,
		StartedAt:    cycle.StartedAt,
		Panels:       len(adapters),
		FailedPanels: make(map[string]panel.Kind),
	}

	for name := range byPanel {
		if _, ok := adapters[name]; !ok {
			zap.L().Warn("Bindings reference a panel with no adapter",
				zap.String("panel", name),
				zap.Int("bindings", len(byPanel[name])))
		}
	}

	if r.console {
		fmt.Printf("\n%s[%s] Polling %d panels for %d bindings%s\n",
			colorCyan, r.now().Format("15:04:05"), len(adapters), len(bindings), colorReset)
	}

	var wg sync.WaitGroup
	outcomes := make(chan panelOutcome, len(adapters))

	for name, adapter := range adapters {
		wg.Add(1)

		go func(name string, adapter panel.Adapter) {
			defer wg.Done()
			outcomes <- r.pollPanel(ctx, adapter, byPanel[name])
		}(name, adapter)
	}

	wg.Wait()
	close(outcomes)

	var fatal []error
	for o := range outcomes {
		if o.failed {
			report.PanelsFailed++
			report.FailedPanels[o.panel] = o.kind
		}
		report.Snapshots += o.snapshots
		report.Missing += o.missing
		report.Deltas += o.deltas
		report.Anomalies += o.anomalies
		report.Errors += o.errors
		if o.fatal != nil {
			fatal = append(fatal, o.fatal)
		}
	}
	report.Duration = r.now().Sub(report.StartedAt)

	zap.L().Info("Polling cycle finished",
		zap.String("cycle_id", report.CycleId),
		zap.String("trigger", cycle.Trigger),
		zap.Int("panels", report.Panels),
		zap.Int("panels_failed", report.PanelsFailed),
		zap.Int("snapshots", report.Snapshots),
		zap.Int("missing", report.Missing),
		zap.Int("deltas", report.Deltas),
		zap.Int("anomalies", report.Anomalies),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", report.Duration))

	if len(fatal) > 0 {
		return report, fmt.Errorf("polling cycle %s aborted: %w", report.CycleId, errors.Join(fatal...))
	}
	return report, nil
}

func (r *Recorder) pollPanel(ctx context.Context, adapter panel.Adapter, bindings []models.PanelBinding) panelOutcome {
	outcome := panelOutcome{panel: adapter.Name()}

	readings, err := adapter.FetchAllAccounts(ctx)
	takenAt := r.now()
	if err != nil {
		outcome.failed = true
		outcome.kind = panel.KindOf(err)
		if r.console {
			fmt.Printf("  %s✗ %s (%s): %s%s\n", colorRed, adapter.Name(), outcome.kind, err, colorReset)
		}
		zap.L().Error("Failed to poll panel, leaving a gap for its accounts",
			zap.String("panel", adapter.Name()),
			zap.String("error_kind", outcome.kind.String()),
			zap.Int("bindings", len(bindings)),
			zap.Error(err))
		return outcome
	}

	byNativeId := lo.KeyBy(readings, func(reading models.AccountReading) string { return reading.NativeId })

	sort.Slice(bindings, func(i, j int) bool { return bindings[i].AccountId < bindings[j].AccountId })
	for _, b := range bindings {
		reading, ok := byNativeId[b.NativeId]
		if !ok {
			outcome.missing++
			zap.L().Debug("Bound account not reported by panel",
				zap.String("account_id", b.AccountId),
				zap.String("panel", b.PanelName),
				zap.String("native_id", b.NativeId))
			continue
		}

		if _, err := r.store.RecordSnapshot(ctx, store.RecordSnapshotParams{
			AccountId: b.AccountId,
			PanelName: b.PanelName,
			PanelType: adapter.Type(),
			Reading:   reading,
			TakenAt:   takenAt,
		}); err != nil {
			outcome.fatal = fmt.Errorf("failed to record snapshot for %s on %s: %w", b.AccountId, b.PanelName, err)
			return outcome
		}
		outcome.snapshots++
		r.metrics.ObserveSnapshot(b.PanelName)

		if r.reconciler == nil {
			continue
		}
		result, err := r.reconciler.Reconcile(ctx, b.AccountId, b.PanelName)
		if err != nil {
			// The snapshot is committed; the next reconcile of this pair
			// catches it up, but the cycle still reports the storage failure.
			outcome.errors++
			outcome.fatal = errors.Join(outcome.fatal, err)
			zap.L().Error("Reconciliation failed",
				zap.String("account_id", b.AccountId),
				zap.String("panel", b.PanelName),
				zap.Error(err))
			continue
		}
		outcome.deltas += len(result.Deltas)
		outcome.anomalies += len(result.Anomalies)
		if r.console {
			for _, delta := range result.Deltas {
				r.printDelta(reading, delta)
			}
		}
	}

	if r.console {
		fmt.Printf("  %s✓ %s: %d snapshots, %d not reported%s\n",
			colorGreen, adapter.Name(), outcome.snapshots, outcome.missing, colorReset)
	}
	return outcome
}

func (r *Recorder) printDelta(reading models.AccountReading, delta models.UsageDelta) {
	color, symbol := colorGray, "·"
	switch {
	case delta.Reset:
		color, symbol = colorYellow, "~"
	case delta.DeltaBytes > 0:
		color, symbol = colorGreen, "+"
	}
	fmt.Printf("    %s%s %s %s | %s | %s%s\n",
		color, symbol, delta.PanelName, reading.Name,
		FormatBytes(delta.DeltaBytes), delta.Day, colorReset)
}

// CatchUp reconciles every bound pair before a cycle so snapshots left
// unreconciled by an earlier failure reach the ledger even when their panel
// is down now.
func (r *Recorder) CatchUp(ctx context.Context) error {
	if r.reconciler == nil {
		return nil
	}
	deltas, failures, err := r.reconciler.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	if deltas > 0 || failures > 0 {
		zap.L().Info("Reconciliation catch-up finished",
			zap.Int("deltas", deltas),
			zap.Int("failures", failures))
	}
	if failures > 0 {
		return fmt.Errorf("catch-up left %d pairs unreconciled", failures)
	}
	return nil
}
