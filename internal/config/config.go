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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"vpn-usage-engine/internal/models"

	"gopkg.in/yaml.v2"
)

func Load() (*models.Config, error) {
	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	schedule, err := LoadSchedule()
	if err != nil {
		return nil, err
	}

	panelTimeout, err := getEnvDuration("PANEL_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	cacheTTL, err := getEnvDuration("PANEL_CACHE_TTL", 60*time.Second)
	if err != nil {
		return nil, err
	}

	dedupWindow, err := getEnvDuration("WARNING_DEDUP_WINDOW", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	snapshotRetention, err := getEnvDuration("SNAPSHOT_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}

	notificationRetention, err := getEnvDuration("NOTIFICATION_RETENTION", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}

	return &models.Config{
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "usage.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
			SeedDemoData:    getEnvBool("SEED_DEMO_DATA", false),
		},
		Schedule: schedule,
		Panels: models.PanelsConfig{
			File:       getEnvString("PANELS_FILE", "panels.yaml"),
			Timeout:    panelTimeout,
			RetryCount: getEnvInt("PANEL_RETRY_COUNT", 3),
			CacheTTL:   cacheTTL,
		},
		Warnings: models.WarningConfig{
			UsageThresholdPercent: getEnvFloat("WARNING_USAGE_THRESHOLD", 85),
			DaysBeforeExpiry:      getEnvInt("WARNING_DAYS_BEFORE_EXPIRY", 3),
			DedupWindow:           dedupWindow,
		},
		Rewards: models.RewardsConfig{
			CatalogFile:         getEnvString("ACHIEVEMENTS_FILE", ""),
			AmbassadorThreshold: getEnvInt("AMBASSADOR_THRESHOLD", 5),
			AnniversaryGiftGB:   getEnvInt("ANNIVERSARY_GIFT_GB", 20),
			AnniversaryGiftDays: getEnvInt("ANNIVERSARY_GIFT_DAYS", 10),
			BirthdayGiftGB:      getEnvInt("BIRTHDAY_GIFT_GB", 30),
			BirthdayGiftDays:    getEnvInt("BIRTHDAY_GIFT_DAYS", 15),
			ReferralGiftGB:      getEnvInt("REFERRAL_GIFT_GB", 10),
			ReferralGiftDays:    getEnvInt("REFERRAL_GIFT_DAYS", 5),
		},
		Retention: models.RetentionConfig{
			SnapshotRetention:     snapshotRetention,
			NotificationRetention: notificationRetention,
			VacuumDayOfMonth:      getEnvInt("VACUUM_DAY_OF_MONTH", 1),
		},
		Formance: models.FormanceConfig{
			StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER", "panel-usage"),
		},
		Metrics: models.MetricsConfig{
			Addr: getEnvString("METRICS_ADDR", ""),
		},
	}, nil
}

// LoadSchedule reads the job schedule from the environment and, when
// SCHEDULE_FILE points to an existing file, overlays the keys it sets.
// It is called again on every reload.
func LoadSchedule() (models.ScheduleConfig, error) {
	pollInterval, err := getEnvDuration("POLL_INTERVAL", 10*time.Minute)
	if err != nil {
		return models.ScheduleConfig{}, err
	}

	warningInterval, err := getEnvDuration("WARNING_INTERVAL", 6*time.Hour)
	if err != nil {
		return models.ScheduleConfig{}, err
	}

	schedule := models.ScheduleConfig{
		Timezone:         getEnvString("REPORT_TIMEZONE", "Asia/Tehran"),
		PollInterval:     pollInterval,
		WarningInterval:  warningInterval,
		DailyReportAt:    getEnvString("DAILY_REPORT_TIME", "23:55"),
		WeeklyReportCron: getEnvString("WEEKLY_REPORT_CRON", "55 23 * * 5"),
		CleanupAt:        getEnvString("CLEANUP_TIME", "04:00"),
		RewardSweepAt:    getEnvString("REWARD_SWEEP_TIME", "00:05"),
		File:             getEnvString("SCHEDULE_FILE", ""),
	}

	if schedule.File == "" {
		return schedule, nil
	}

	data, err := os.ReadFile(schedule.File)
	if os.IsNotExist(err) {
		return schedule, nil
	}
	if err != nil {
		return models.ScheduleConfig{}, fmt.Errorf("unable to read %s: %w", schedule.File, err)
	}

	// Unmarshal over the env values so the file only overrides what it names
	if err := yaml.Unmarshal(data, &schedule); err != nil {
		return models.ScheduleConfig{}, fmt.Errorf("unable to parse %s: %w", schedule.File, err)
	}

	return schedule, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
