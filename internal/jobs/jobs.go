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

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/notify"
	"vpn-usage-engine/internal/rewards"
	"vpn-usage-engine/internal/scheduler"
	"vpn-usage-engine/internal/store"
	"vpn-usage-engine/internal/usage"

	"go.uber.org/zap"
)

// Config contains configuration for Jobs
type Config struct {
	Store     store.UsageStore
	Recorder  *usage.Recorder
	Rewards   *rewards.Engine
	Sink      notify.Sink
	Warnings  models.WarningConfig
	Retention models.RetentionConfig
	Location  *time.Location
	Now       func() time.Time
}

// Jobs holds the bodies of every scheduled job. Each body is safe to run
// again: reruns re-derive the same state or are deduplicated by the store.
type Jobs struct {
	store     store.UsageStore
	recorder  *usage.Recorder
	rewards   *rewards.Engine
	sink      notify.Sink
	warnings  models.WarningConfig
	retention models.RetentionConfig
	location  *time.Location
	now       func() time.Time
}

func New(cfg Config) *Jobs {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sink := cfg.Sink
	if sink == nil {
		sink = notify.LogSink{}
	}
	warnings := cfg.Warnings
	if warnings.UsageThresholdPercent <= 0 {
		warnings.UsageThresholdPercent = 85
	}
	if warnings.DedupWindow <= 0 {
		warnings.DedupWindow = 24 * time.Hour
	}
	return &Jobs{
		store:     cfg.Store,
		recorder:  cfg.Recorder,
		rewards:   cfg.Rewards,
		sink:      sink,
		warnings:  warnings,
		retention: cfg.Retention,
		location:  loc,
		now:       now,
	}
}

// Specs returns the job table for the scheduler.
func (j *Jobs) Specs() []scheduler.JobSpec {
	return []scheduler.JobSpec{
		{Name: scheduler.JobPoll, Run: j.Poll},
		{Name: scheduler.JobWarnings, Run: j.Warnings},
		{Name: scheduler.JobDailyReport, Run: j.DailyReport},
		{Name: scheduler.JobWeeklyReport, Run: j.WeeklyReport},
		{Name: scheduler.JobCleanup, Run: j.Cleanup},
		{Name: scheduler.JobRewards, Run: j.Rewards},
	}
}

// Poll settles pairs left unreconciled by an earlier cycle, then runs a
// polling cycle. A catch-up failure does not hold back the poll.
func (j *Jobs) Poll(ctx context.Context) error {
	if j.recorder == nil {
		return fmt.Errorf("poll job has no recorder")
	}
	catchUpErr := j.recorder.CatchUp(ctx)
	if catchUpErr != nil {
		zap.L().Error("Reconciliation catch-up failed", zap.Error(catchUpErr))
	}

	report, err := j.recorder.RunCycle(ctx)
	if err != nil {
		return errors.Join(catchUpErr, err)
	}
	if report.PanelsFailed > 0 {
		zap.L().Warn("Polling cycle left gaps",
			zap.String("cycle_id", report.CycleId),
			zap.Int("panels_failed", report.PanelsFailed),
			zap.Int("missing", report.Missing))
	}
	return catchUpErr
}

func (j *Jobs) Rewards(ctx context.Context) error {
	if j.rewards == nil {
		return fmt.Errorf("rewards job has no engine")
	}
	report, err := j.rewards.Sweep(ctx)
	if err != nil {
		return err
	}
	if report.Errors > 0 {
		zap.L().Warn("Reward sweep had per-user failures", zap.Int("errors", report.Errors))
	}
	return nil
}

// accountOwners maps every account id to its user id.
func (j *Jobs) accountOwners(ctx context.Context) (map[string]string, error) {
	accounts, err := j.store.GetAccounts(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	owners := make(map[string]string, len(accounts))
	for _, a := range accounts {
		owners[a.Id] = a.UserId
	}
	return owners, nil
}
