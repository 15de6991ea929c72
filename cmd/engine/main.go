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
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"vpn-usage-engine/internal/common"
	"vpn-usage-engine/internal/config"
	"vpn-usage-engine/internal/jobs"
	"vpn-usage-engine/internal/metrics"
	"vpn-usage-engine/internal/notify"
	"vpn-usage-engine/internal/rewards"
	"vpn-usage-engine/internal/scheduler"
	"vpn-usage-engine/internal/usage"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	console := flag.Bool("console", false, "Print a colored line per delta to stdout")
	noStartupPoll := flag.Bool("no-startup-poll", false, "Wait for the first scheduled poll instead of polling at start")
	runJob := flag.String("run", "", "Run one job (poll, warnings, daily_report, weekly_report, cleanup, rewards) and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		// The configured logger is not built yet
		logger := zap.Must(zap.NewProduction())
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting usage engine",
		zap.String("timezone", cfg.Schedule.Timezone),
		zap.Duration("poll_interval", cfg.Schedule.PollInterval))

	m := metrics.New(prometheus.DefaultRegisterer)

	services, err := common.InitializeServices(ctx, cfg, m)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	reconcilerCfg := usage.ReconcilerConfig{
		Store:    services.DbService,
		Location: services.Location,
		Metrics:  m,
	}
	if services.Mirror != nil {
		reconcilerCfg.Mirror = services.Mirror
	}
	recorder := usage.NewRecorder(usage.RecorderConfig{
		Store:      services.DbService,
		Adapters:   services.Adapters,
		Reconciler: usage.NewReconciler(reconcilerCfg),
		Metrics:    m,
		Console:    *console,
	})

	catalog, err := rewards.LoadCatalog(cfg.Rewards.CatalogFile, cfg.Rewards.AmbassadorThreshold)
	if err != nil {
		zap.L().Fatal("Failed to load achievements catalog", zap.Error(err))
	}

	sink := notify.Fanout{notify.NewOutbox(services.DbService), notify.LogSink{}}
	engine := rewards.NewEngine(rewards.EngineConfig{
		Store:    services.DbService,
		Catalog:  catalog,
		Sink:     sink,
		Metrics:  m,
		Location: services.Location,
		Gifts: rewards.Gifts{
			AnniversaryGB:   cfg.Rewards.AnniversaryGiftGB,
			AnniversaryDays: cfg.Rewards.AnniversaryGiftDays,
			BirthdayGB:      cfg.Rewards.BirthdayGiftGB,
			BirthdayDays:    cfg.Rewards.BirthdayGiftDays,
			ReferralGB:      cfg.Rewards.ReferralGiftGB,
			ReferralDays:    cfg.Rewards.ReferralGiftDays,
		},
	})

	jobSet := jobs.New(jobs.Config{
		Store:     services.DbService,
		Recorder:  recorder,
		Rewards:   engine,
		Sink:      sink,
		Warnings:  cfg.Warnings,
		Retention: cfg.Retention,
		Location:  services.Location,
	})

	var runAtStart []string
	if !*noStartupPoll {
		runAtStart = []string{scheduler.JobPoll}
	}
	sched, err := scheduler.New(scheduler.Config{
		Jobs:       jobSet.Specs(),
		Schedule:   cfg.Schedule,
		Metrics:    m,
		RunAtStart: runAtStart,
	})
	if err != nil {
		zap.L().Fatal("Invalid schedule", zap.Error(err))
	}

	if *runJob != "" {
		err := sched.RunNow(ctx, *runJob)
		sched.Stop()
		if err != nil {
			zap.L().Fatal("Job failed", zap.String("job", *runJob), zap.Error(err))
		}
		zap.L().Info("Job finished", zap.String("job", *runJob))
		return
	}

	metricsServer := metrics.Serve(cfg.Metrics.Addr)

	if err := sched.Start(ctx); err != nil {
		zap.L().Fatal("Failed to start scheduler", zap.Error(err))
	}
	for _, spec := range jobSet.Specs() {
		if at, ok := sched.NextRun(spec.Name); ok {
			zap.L().Info("Job scheduled", zap.String("job", spec.Name), zap.Time("next_run", at))
		}
	}

	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	reloader := &scheduler.Reloader{
		Scheduler: sched,
		Load:      config.LoadSchedule,
		File:      cfg.Schedule.File,
		Signals:   hupChan,
	}
	reloaderDone := make(chan struct{})
	go func() {
		defer close(reloaderDone)
		if err := reloader.Run(ctx); err != nil {
			zap.L().Error("Schedule reloader stopped", zap.Error(err))
		}
	}()

	zap.L().Info("Engine running", zap.Int("panels", len(services.Adapters)))
	zap.L().Info("Press Ctrl+C to stop, send SIGHUP to reload the schedule")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping scheduler...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		cancel()
		sched.Stop()
		<-reloaderDone
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Scheduler stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("Metrics endpoint did not shut down cleanly", zap.Error(err))
		}
	}
}
