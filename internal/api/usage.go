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

package api

import (
	"context"
	"fmt"
	"sort"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"

	"go.uber.org/zap"
)

// UsageSummary is an account's ledger over a day range
type UsageSummary struct {
	AccountId   string
	FromDay     string
	ToDay       string
	Days        []models.DailyUsageRecord
	PanelTotals map[string]int64
	Total       int64
}

// GetUsageSummary returns the last days ledger days of an account, ending today
func (s *UsageService) GetUsageSummary(ctx context.Context, accountId string, days int) (*UsageSummary, error) {
	if accountId == "" {
		return nil, fmt.Errorf("account_id is required")
	}
	if days <= 0 || days > 366 {
		days = 7
	}

	toDay := ledger.DayOf(s.now(), s.location)
	fromDay, err := ledger.AddDays(toDay, -(days - 1))
	if err != nil {
		return nil, err
	}

	records, err := s.db.GetDailyUsage(ctx, accountId, fromDay, toDay)
	if err != nil {
		zap.L().Error("Failed to get daily usage",
			zap.String("account_id", accountId),
			zap.String("from_day", fromDay),
			zap.String("to_day", toDay),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve daily usage")
	}

	summary := &UsageSummary{
		AccountId:   accountId,
		FromDay:     fromDay,
		ToDay:       toDay,
		Days:        records,
		PanelTotals: make(map[string]int64),
	}
	for _, r := range records {
		for panelName, bytes := range r.PanelBytes {
			summary.PanelTotals[panelName] += bytes
			summary.Total += bytes
		}
	}
	sort.Slice(summary.Days, func(i, j int) bool { return summary.Days[i].Day < summary.Days[j].Day })

	return summary, nil
}

// GetAnomalies returns counter resets detected within the last window, newest first
func (s *UsageService) GetAnomalies(ctx context.Context, window time.Duration, limit int) ([]models.UsageAnomaly, error) {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	anomalies, err := s.db.GetAnomalies(ctx, s.now().Add(-window))
	if err != nil {
		zap.L().Error("Failed to get anomalies", zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve anomalies")
	}

	sort.Slice(anomalies, func(i, j int) bool { return anomalies[i].DetectedAt.After(anomalies[j].DetectedAt) })
	if len(anomalies) > limit {
		anomalies = anomalies[:limit]
	}
	return anomalies, nil
}

// GetGrants returns an account's rewards and its owner's badges
func (s *UsageService) GetGrants(ctx context.Context, account models.Account) ([]models.RewardGrant, []models.AchievementGrant, error) {
	rewards, err := s.db.GetRewardGrants(ctx, account.Id)
	if err != nil {
		zap.L().Error("Failed to get reward grants", zap.String("account_id", account.Id), zap.Error(err))
		return nil, nil, fmt.Errorf("failed to retrieve rewards")
	}
	badges, err := s.db.GetAchievementGrants(ctx, account.UserId)
	if err != nil {
		zap.L().Error("Failed to get achievements", zap.String("user_id", account.UserId), zap.Error(err))
		return nil, nil, fmt.Errorf("failed to retrieve achievements")
	}
	return rewards, badges, nil
}
