package main

import (
	"context"
	"flag"
	"fmt"
	"time"
	_ "time/tzdata"

	"vpn-usage-engine/internal/common"
	"vpn-usage-engine/internal/config"
	"vpn-usage-engine/internal/repair"
	"vpn-usage-engine/internal/usage"

	"go.uber.org/zap"
)

func parseSince(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid -since %q, use YYYY-MM-DD or \"YYYY-MM-DD HH:MM\"", value)
}

func printReport(report *repair.Report, loc *time.Location) {
	mode := "APPLIED"
	if report.DryRun {
		mode = "DRY RUN"
	}
	common.PrintHeader(fmt.Sprintf("BASELINE REPAIR (%s) since %s, source %s",
		mode, report.Since.In(loc).Format("2006-01-02 15:04"), report.Source), common.DefaultWidth)

	for i, pair := range report.Pairs {
		isLast := i == len(report.Pairs)-1
		prefix := common.BoxPrefix(isLast)
		if pair.Err != nil {
			fmt.Printf("%s %s @ %s: FAILED: %v\n", prefix, pair.AccountId, pair.PanelName, pair.Err)
			continue
		}
		baseline := "none (next reading starts fresh)"
		if pair.HasBaseline {
			baseline = usage.FormatBytes(pair.BaselineBytes)
		}
		fmt.Printf("%s %s @ %s\n", prefix, pair.AccountId, pair.PanelName)
		detail := common.BoxDetailPrefix(isLast)
		fmt.Printf("%s   baseline:  %s\n", detail, baseline)
		fmt.Printf("%s   retracted: %s in %d deltas\n", detail, usage.FormatBytes(pair.RetractedBytes), pair.RetractedDeltas)
		if pair.Reverted > 0 {
			fmt.Printf("%s   mirror:    %d postings reverted\n", detail, pair.Reverted)
		}
	}

	common.PrintFooter(fmt.Sprintf("SUMMARY: %d pairs, %d failed", len(report.Pairs), report.Failed), common.DefaultWidth)
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	accountFlag := flag.String("account", "", "Account id to repair (default: every bound account)")
	panelFlag := flag.String("panel", "", "Limit the repair to one panel")
	sinceFlag := flag.String("since", "", "Discard snapshots taken at or after this local time (default: today's midnight)")
	liveFlag := flag.Bool("live", false, "Reseed from the panel's current counter instead of history")
	valueFlag := flag.Int64("value", -1, "Reseed from an explicit cumulative byte count")
	dryRunFlag := flag.Bool("dry-run", false, "Show what would change without writing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg, nil)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	since, err := parseSince(*sinceFlag, services.Location)
	if err != nil {
		logger.Fatal("Invalid arguments", zap.Error(err))
	}

	params := repair.Params{
		AccountId: *accountFlag,
		PanelName: *panelFlag,
		Since:     since,
		Source:    repair.SourceHistory,
		DryRun:    *dryRunFlag,
	}
	switch {
	case *liveFlag && *valueFlag >= 0:
		logger.Fatal("Use either -live or -value, not both")
	case *liveFlag:
		params.Source = repair.SourceLive
	case *valueFlag >= 0:
		params.Source = repair.SourceValue
		params.Value = *valueFlag
	}

	toolCfg := repair.Config{
		Store:    services.DbService,
		Adapters: services.Adapters,
		Location: services.Location,
	}
	if services.Mirror != nil {
		toolCfg.Reverter = services.Mirror
	}

	report, err := repair.New(toolCfg).Repair(ctx, params)
	if err != nil {
		logger.Fatal("Repair failed", zap.Error(err))
	}

	printReport(report, services.Location)
}
