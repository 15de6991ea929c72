package models

import "time"

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig
	Schedule  ScheduleConfig
	Panels    PanelsConfig
	Warnings  WarningConfig
	Rewards   RewardsConfig
	Retention RetentionConfig
	Formance  FormanceConfig
	Metrics   MetricsConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	SeedDemoData    bool
}

// ScheduleConfig holds the firing times of every background job.
// Daily times are "HH:MM" in Timezone.
type ScheduleConfig struct {
	Timezone         string        `yaml:"timezone"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	WarningInterval  time.Duration `yaml:"warning_interval"`
	DailyReportAt    string        `yaml:"daily_report_at"`
	WeeklyReportCron string        `yaml:"weekly_report_cron"`
	CleanupAt        string        `yaml:"cleanup_at"`
	RewardSweepAt    string        `yaml:"reward_sweep_at"`
	File             string        `yaml:"-"`
}

// PanelsConfig holds panel adapter settings
type PanelsConfig struct {
	File       string
	Timeout    time.Duration
	RetryCount int
	CacheTTL   time.Duration
}

// WarningConfig holds thresholds for the warning sweep
type WarningConfig struct {
	UsageThresholdPercent float64
	DaysBeforeExpiry      int
	DedupWindow           time.Duration
}

// RewardsConfig holds achievement catalog and gift settings
type RewardsConfig struct {
	CatalogFile         string
	AmbassadorThreshold int
	AnniversaryGiftGB   int
	AnniversaryGiftDays int
	BirthdayGiftGB      int
	BirthdayGiftDays    int
	ReferralGiftGB      int
	ReferralGiftDays    int
}

// RetentionConfig holds cleanup settings
type RetentionConfig struct {
	SnapshotRetention     time.Duration
	NotificationRetention time.Duration
	VacuumDayOfMonth      int
}

// FormanceConfig holds the optional usage mirror settings. The mirror is
// disabled when StackURL is empty.
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// MetricsConfig holds the prometheus listener address. Empty disables it.
type MetricsConfig struct {
	Addr string
}
