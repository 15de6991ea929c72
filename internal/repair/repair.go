package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/panel"
	"vpn-usage-engine/internal/store"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Source says where the known-good cumulative value comes from.
type Source string

const (
	// SourceHistory uses the last snapshot taken before Since.
	SourceHistory Source = "history"
	// SourceLive uses the panel's current counter, purging and reseeding the pair.
	SourceLive Source = "live"
	// SourceValue uses Params.Value, typically 0 after a manual counter reset.
	SourceValue Source = "value"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceHistory, SourceLive, SourceValue:
		return Source(s), nil
	default:
		return "", fmt.Errorf("unknown baseline source %q (want history, live or value)", s)
	}
}

// Reverter undoes mirrored postings of retracted deltas.
type Reverter interface {
	RevertDelta(ctx context.Context, snapshotId string) error
}

// Config contains configuration for Tool
type Config struct {
	Store    store.UsageStore
	Adapters map[string]panel.Adapter
	Reverter Reverter
	Location *time.Location
	Now      func() time.Time
}

// Params selects the pairs to repair and how.
type Params struct {
	AccountId string // empty: every bound account
	PanelName string // empty: every panel
	Since     time.Time
	Source    Source
	Value     int64
	DryRun    bool
}

// PairResult is what happened, or would happen, to one pair.
type PairResult struct {
	AccountId       string
	PanelName       string
	BaselineBytes   int64
	HasBaseline     bool
	RetractedBytes  int64
	RetractedDeltas int
	Reverted        int
	Err             error
}

// Report summarizes a repair run.
type Report struct {
	Since  time.Time
	Source Source
	DryRun bool
	Pairs  []PairResult
	Failed int
}

// Tool resets pairs to a known-good baseline so the ledger resumes from it.
type Tool struct {
	store    store.UsageStore
	adapters map[string]panel.Adapter
	reverter Reverter
	location *time.Location
	now      func() time.Time
}

func New(cfg Config) *Tool {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tool{
		store:    cfg.Store,
		adapters: cfg.Adapters,
		reverter: cfg.Reverter,
		location: loc,
		now:      now,
	}
}

// Repair runs one repair per selected pair. Each pair commits on its own;
// a failing pair is reported and does not stop the others.
func (t *Tool) Repair(ctx context.Context, p Params) (*Report, error) {
	now := t.now()
	if p.Source == "" {
		p.Source = SourceHistory
	}
	if p.Since.IsZero() {
		p.Since = ledger.StartOfDay(now, t.location)
	}
	if p.Since.After(now) {
		return nil, fmt.Errorf("since %s is in the future", p.Since.Format(time.RFC3339))
	}

	bindings, err := t.store.GetBindings(ctx, p.PanelName)
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}
	if p.AccountId != "" {
		bindings = lo.Filter(bindings, func(b models.PanelBinding, _ int) bool { return b.AccountId == p.AccountId })
		if len(bindings) == 0 {
			return nil, fmt.Errorf("%w: %s has no active binding", store.ErrAccountNotFound, p.AccountId)
		}
	}

	var live map[string]liveReadings
	if p.Source == SourceLive {
		live = t.fetchLive(ctx, bindings)
	}

	report := &Report{Since: p.Since, Source: p.Source, DryRun: p.DryRun}
	for _, b := range bindings {
		result := PairResult{AccountId: b.AccountId, PanelName: b.PanelName}

		baseline, err := t.baseline(ctx, p, b, live)
		if err == nil {
			if p.DryRun {
				err = t.plan(ctx, p, b, baseline, &result, now)
			} else {
				err = t.apply(ctx, p, b, baseline, &result, now)
			}
		}
		if err != nil {
			result.Err = err
			report.Failed++
			zap.L().Error("Repair failed for pair",
				zap.String("account_id", b.AccountId),
				zap.String("panel", b.PanelName),
				zap.Error(err))
		}
		report.Pairs = append(report.Pairs, result)
	}

	zap.L().Info("Repair finished",
		zap.Time("since", p.Since),
		zap.String("source", string(p.Source)),
		zap.Bool("dry_run", p.DryRun),
		zap.Int("pairs", len(report.Pairs)),
		zap.Int("failed", report.Failed))

	return report, nil
}

type liveReadings struct {
	byNativeId map[string]models.AccountReading
	err        error
}

// fetchLive reads every panel involved once, bypassing the result cache.
func (t *Tool) fetchLive(ctx context.Context, bindings []models.PanelBinding) map[string]liveReadings {
	out := make(map[string]liveReadings)
	for _, name := range lo.Uniq(lo.Map(bindings, func(b models.PanelBinding, _ int) string { return b.PanelName })) {
		adapter, ok := t.adapters[name]
		if !ok {
			out[name] = liveReadings{err: fmt.Errorf("no adapter for panel %s", name)}
			continue
		}
		readings, err := panel.Uncached(adapter).FetchAllAccounts(ctx)
		if err != nil {
			out[name] = liveReadings{err: fmt.Errorf("failed to fetch %s: %w", name, err)}
			continue
		}
		out[name] = liveReadings{byNativeId: lo.KeyBy(readings, func(r models.AccountReading) string { return r.NativeId })}
	}
	return out
}

// baseline returns the explicit value to reseed with, or nil to let the
// store use the last snapshot before Since.
func (t *Tool) baseline(_ context.Context, p Params, b models.PanelBinding, live map[string]liveReadings) (*int64, error) {
	switch p.Source {
	case SourceHistory:
		return nil, nil
	case SourceValue:
		if p.Value < 0 {
			return nil, fmt.Errorf("baseline value cannot be negative, got %d", p.Value)
		}
		v := p.Value
		return &v, nil
	case SourceLive:
		readings := live[b.PanelName]
		if readings.err != nil {
			return nil, readings.err
		}
		reading, ok := readings.byNativeId[b.NativeId]
		if !ok {
			return nil, fmt.Errorf("panel %s does not report %s", b.PanelName, b.NativeId)
		}
		v := reading.CumulativeBytes
		return &v, nil
	default:
		return nil, fmt.Errorf("unknown baseline source %q", p.Source)
	}
}

func (t *Tool) plan(ctx context.Context, p Params, b models.PanelBinding, baseline *int64, result *PairResult, now time.Time) error {
	if baseline != nil {
		result.BaselineBytes, result.HasBaseline = *baseline, true
	} else {
		prev, err := t.store.GetLastSnapshotBefore(ctx, b.AccountId, b.PanelName, p.Since)
		if err != nil {
			return err
		}
		if prev != nil {
			result.BaselineBytes, result.HasBaseline = prev.CumulativeBytes, true
		}
	}

	deltas, err := t.store.GetUsageDeltas(ctx, b.AccountId, p.Since, now.Add(time.Nanosecond))
	if err != nil {
		return err
	}
	for _, d := range deltas {
		if d.PanelName == b.PanelName {
			result.RetractedBytes += d.DeltaBytes
			result.RetractedDeltas++
		}
	}
	return nil
}

func (t *Tool) apply(ctx context.Context, p Params, b models.PanelBinding, baseline *int64, result *PairResult, now time.Time) error {
	outcome, err := t.store.RepairPair(ctx, store.RepairPairParams{
		AccountId: b.AccountId,
		PanelName: b.PanelName,
		Since:     p.Since,
		Baseline:  baseline,
		TakenAt:   now,
	})
	if err != nil {
		return err
	}

	result.BaselineBytes = outcome.BaselineBytes
	result.HasBaseline = outcome.BaselineSnapshot != nil
	result.RetractedBytes = outcome.RetractedBytes
	result.RetractedDeltas = len(outcome.RetractedSnapshotIds)

	if !outcome.HadKnownGoodValue {
		zap.L().Warn("No known-good value before cut, next reading starts a fresh history",
			zap.String("account_id", b.AccountId),
			zap.String("panel", b.PanelName))
	}

	if t.reverter == nil {
		return nil
	}

	// The local ledger is already repaired; mirror reverts are best effort
	var errs []error
	for _, snapshotId := range outcome.RetractedSnapshotIds {
		if err := t.reverter.RevertDelta(ctx, snapshotId); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Reverted++
	}
	if len(errs) > 0 {
		zap.L().Warn("Some mirrored deltas could not be reverted",
			zap.String("account_id", b.AccountId),
			zap.String("panel", b.PanelName),
			zap.Error(errors.Join(errs...)))
	}
	return nil
}
