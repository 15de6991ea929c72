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

package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"time"
	_ "time/tzdata"

	"vpn-usage-engine/internal/api"
	"vpn-usage-engine/internal/common"
	"vpn-usage-engine/internal/config"
	"vpn-usage-engine/internal/database"
	"vpn-usage-engine/internal/formance"
	"vpn-usage-engine/internal/jobs"
	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/rewards"
	"vpn-usage-engine/internal/usage"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const barWidth = 30

type reportStats struct {
	accounts      int
	activeAccount int
	totalBytes    int64
}

func printDays(summary *api.UsageSummary) {
	peak := lo.Max(lo.Map(summary.Days, func(r models.DailyUsageRecord, _ int) int64 { return r.Total() }))
	for i, day := range summary.Days {
		isLast := i == len(summary.Days)-1
		fmt.Printf("%s %s %s %10s\n",
			common.BoxPrefix(isLast),
			day.Day,
			common.Bar(day.Total(), peak, barWidth),
			usage.FormatBytes(day.Total()))
	}
}

func printBreakdown(b *jobs.WeeklyBreakdown) {
	for _, tod := range []ledger.TimeOfDay{ledger.Morning, ledger.Afternoon, ledger.Evening, ledger.Night} {
		fmt.Printf("│    %-10s %s %10s\n", tod, common.Bar(b.Buckets[tod], b.Total, barWidth), usage.FormatBytes(b.Buckets[tod]))
	}
}

func processAccount(ctx context.Context, info common.AccountInfo, service *api.UsageService, dbService *database.Service,
	engine *rewards.Engine, mirror *formance.Service, days int, loc *time.Location, logger *zap.Logger) (int64, error) {

	summary, err := service.GetUsageSummary(ctx, info.Account.Id, days)
	if err != nil {
		return 0, err
	}

	fmt.Printf("\n┌─ Account: %s (user %s)\n", info.Account.Name, info.User.Name)
	fmt.Printf("│  ID: %s\n", info.Account.Id)
	fmt.Printf("│  %s .. %s: %s\n", summary.FromDay, summary.ToDay, usage.FormatBytes(summary.Total))
	panels := lo.Keys(summary.PanelTotals)
	sort.Strings(panels)
	for _, p := range panels {
		fmt.Printf("│    %-12s %s\n", p, usage.FormatBytes(summary.PanelTotals[p]))
	}

	if mirror != nil {
		lifetime, err := mirror.GetLifetimeUsage(ctx, info.Account.Id, panels)
		if err != nil {
			logger.Warn("Failed to read lifetime usage from mirror", zap.String("account_id", info.Account.Id), zap.Error(err))
		} else {
			fmt.Printf("│  Lifetime (mirror): %s\n", usage.FormatBytes(lo.Sum(lo.Values(lifetime))))
		}
	}

	now := time.Now()
	from := ledger.StartOfDay(now, loc).AddDate(0, 0, -(days - 1))
	breakdown, err := jobs.Breakdown(ctx, dbService, info.Account.Id, from, now, loc)
	if err != nil {
		return 0, err
	}
	if breakdown.Total > 0 {
		fmt.Printf("│  Time of day (peak %s):\n", breakdown.Peak())
		printBreakdown(breakdown)
	}

	points, err := engine.Points(ctx, info.User.Id)
	if err != nil {
		return 0, err
	}
	grants, badges, err := service.GetGrants(ctx, info.Account)
	if err != nil {
		return 0, err
	}
	fmt.Printf("│  Points: %d, badges: %d, rewards: %d\n", points, len(badges), len(grants))
	common.PrintBoxSeparator(78)

	printDays(summary)
	return summary.Total, nil
}

func printLeaderboard(ctx context.Context, engine *rewards.Engine, n int) error {
	entries, err := engine.Leaderboard(ctx, n)
	if err != nil {
		return err
	}
	common.PrintHeader("LEADERBOARD", common.DefaultWidth)
	for i, e := range entries {
		fmt.Printf("%2d. %-24s %5d pts  %v\n", i+1, e.Name, e.Points, e.Badges)
	}
	return nil
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	accountFlag := flag.String("account", "", "Filter by account id or name (optional)")
	daysFlag := flag.Int("days", 7, "Number of ledger days to show")
	topFlag := flag.Int("top", 10, "Leaderboard size, 0 to skip")
	flag.Parse()

	logger.Info("Starting usage query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	loc, err := ledger.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		logger.Fatal("Invalid timezone", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	var mirror *formance.Service
	if cfg.Formance.StackURL != "" {
		mirror, err = formance.NewService(ctx, cfg.Formance)
		if err != nil {
			logger.Warn("Usage mirror unavailable, skipping lifetime totals", zap.Error(err))
			mirror = nil
		}
	}

	catalog, err := rewards.LoadCatalog(cfg.Rewards.CatalogFile, cfg.Rewards.AmbassadorThreshold)
	if err != nil {
		logger.Fatal("Failed to load achievements catalog", zap.Error(err))
	}
	engine := rewards.NewEngine(rewards.EngineConfig{Store: dbService, Catalog: catalog, Location: loc})
	service := api.NewUsageService(dbService, loc)

	accounts, err := common.InitializeAccounts(ctx, dbService, *accountFlag, logger)
	if err != nil {
		logger.Fatal("Failed to initialize accounts", zap.Error(err))
	}

	common.PrintHeader("ACCOUNT USAGE REPORT", common.DefaultWidth)

	stats := reportStats{}
	for _, info := range accounts {
		stats.accounts++
		total, err := processAccount(ctx, info, service, dbService, engine, mirror, *daysFlag, loc, logger)
		if err != nil {
			logger.Error("Failed to process account",
				zap.String("account_id", info.Account.Id),
				zap.String("account_name", info.Account.Name),
				zap.Error(err))
			continue
		}
		if total > 0 {
			stats.activeAccount++
			stats.totalBytes += total
		}
	}

	summary := fmt.Sprintf("SUMMARY: %d of %d accounts used %s in the last %d days",
		stats.activeAccount, stats.accounts, usage.FormatBytes(stats.totalBytes), *daysFlag)
	common.PrintFooter(summary, common.DefaultWidth)

	if *topFlag > 0 && *accountFlag == "" {
		if err := printLeaderboard(ctx, engine, *topFlag); err != nil {
			logger.Error("Failed to build leaderboard", zap.Error(err))
		}
	}

	anomalies, err := service.GetAnomalies(ctx, time.Duration(*daysFlag)*24*time.Hour, 20)
	if err != nil {
		logger.Error("Failed to read anomalies", zap.Error(err))
	} else if len(anomalies) > 0 {
		common.PrintHeader("COUNTER RESETS", common.DefaultWidth)
		for _, a := range anomalies {
			fmt.Printf("%s  %s @ %s: %s -> %s\n", a.DetectedAt.In(loc).Format("2006-01-02 15:04"),
				a.AccountId, a.PanelName, usage.FormatBytes(a.PrevCumulative), usage.FormatBytes(a.CurrCumulative))
		}
	}

	logger.Info("Usage query completed",
		zap.Int("accounts_queried", stats.accounts),
		zap.Int("accounts_with_usage", stats.activeAccount))
}
