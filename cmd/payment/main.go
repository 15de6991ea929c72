package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"vpn-usage-engine/internal/api"
	"vpn-usage-engine/internal/common"
	"vpn-usage-engine/internal/config"
	"vpn-usage-engine/internal/ledger"

	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	accountFlag := flag.String("account", "", "Account id or name that paid (required)")
	kindFlag := flag.String("kind", "renewal", "Payment kind, e.g. renewal or purchase")
	dateFlag := flag.String("date", "", "Payment day YYYY-MM-DD in the reporting timezone (default: now)")
	referrerFlag := flag.String("referrer", "", "Optional user id who referred the paying user")
	flag.Parse()

	if *accountFlag == "" {
		flag.Usage()
		logger.Fatal("Missing required -account")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	loc, err := ledger.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		logger.Fatal("Invalid timezone", zap.Error(err))
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	accounts, err := common.InitializeAccounts(ctx, dbService, *accountFlag, logger)
	if err != nil {
		logger.Fatal("Failed to find account", zap.Error(err))
	}
	if len(accounts) != 1 {
		logger.Fatal("Account filter is ambiguous", zap.Int("matches", len(accounts)))
	}
	info := accounts[0]

	var paidAt time.Time
	if *dateFlag != "" {
		paidAt, err = time.ParseInLocation(ledger.DayLayout, *dateFlag, loc)
		if err != nil {
			logger.Fatal("Invalid -date", zap.Error(err))
		}
	}

	service := api.NewUsageService(dbService, loc)

	if *referrerFlag != "" {
		referral, err := service.RecordReferral(ctx, *referrerFlag, info.User.Id)
		if err != nil {
			logger.Fatal("Failed to record referral", zap.Error(err))
		}
		fmt.Printf("Referral %s recorded: %s invited %s\n", referral.Id, *referrerFlag, info.User.Name)
	}

	result, err := service.RecordPayment(ctx, info.Account.Id, *kindFlag, paidAt)
	if err != nil {
		logger.Fatal("Failed to record payment", zap.Error(err))
	}
	if !result.Success {
		logger.Fatal("Payment rejected", zap.String("reason", result.Error))
	}

	fmt.Printf("Payment %s recorded for %s (%s): %d payments so far\n",
		result.Payment.Id, info.Account.Name, info.User.Name, result.Count)
}
