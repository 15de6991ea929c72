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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.UsageStore.
var _ store.UsageStore = (*Service)(nil)

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	// Immediate transactions serialize writers up front instead of failing on lock upgrade
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db, now: time.Now}
	if err := service.initSchema(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	if cfg.SeedDemoData {
		service.SeedDemoData(ctx)
	} else {
		zap.L().Debug("Skipping demo data (SEED_DEMO_DATA=false)")
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// All instants are stored as UTC unix nanoseconds so ordering in SQL is exact.
func (s *Service) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		birthday TEXT,
		referral_code TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		is_vip INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id);

	CREATE TABLE IF NOT EXISTS panels (
		name TEXT PRIMARY KEY,
		panel_type TEXT NOT NULL,
		base_url TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		proxy_path TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS panel_bindings (
		account_id TEXT NOT NULL,
		panel_name TEXT NOT NULL,
		panel_type TEXT NOT NULL,
		native_id TEXT NOT NULL,
		last_quota_bytes INTEGER NOT NULL DEFAULT 0,
		last_usage_bytes INTEGER NOT NULL DEFAULT 0,
		expire_at INTEGER,
		last_seen_at INTEGER,
		panel_active INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, panel_name),
		UNIQUE (panel_name, native_id)
	);

	-- Append-only; only the repair path deletes rows
	CREATE TABLE IF NOT EXISTS usage_snapshots (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		panel_name TEXT NOT NULL,
		panel_type TEXT NOT NULL,
		cumulative_bytes INTEGER NOT NULL,
		taken_at INTEGER NOT NULL,
		is_baseline INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_pair_taken ON usage_snapshots(account_id, panel_name, taken_at);
	CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON usage_snapshots(taken_at);

	-- One row per reconciled snapshot
	CREATE TABLE IF NOT EXISTS usage_deltas (
		snapshot_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		panel_name TEXT NOT NULL,
		panel_type TEXT NOT NULL,
		day TEXT NOT NULL,
		delta_bytes INTEGER NOT NULL,
		reset INTEGER NOT NULL DEFAULT 0,
		taken_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deltas_account_taken ON usage_deltas(account_id, taken_at);

	CREATE TABLE IF NOT EXISTS daily_usage (
		account_id TEXT NOT NULL,
		day TEXT NOT NULL,
		panel_name TEXT NOT NULL,
		panel_type TEXT NOT NULL,
		usage_bytes INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, day, panel_name)
	);
	CREATE INDEX IF NOT EXISTS idx_daily_usage_day ON daily_usage(day);

	CREATE TABLE IF NOT EXISTS usage_anomalies (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		panel_name TEXT NOT NULL,
		snapshot_id TEXT NOT NULL,
		prev_cumulative INTEGER NOT NULL,
		curr_cumulative INTEGER NOT NULL,
		detected_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		payment_date INTEGER NOT NULL,
		kind TEXT NOT NULL DEFAULT 'renewal'
	);
	CREATE INDEX IF NOT EXISTS idx_payments_account ON payments(account_id);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_user_id TEXT NOT NULL,
		referred_user_id TEXT NOT NULL UNIQUE,
		reward_applied INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_user_id);

	CREATE TABLE IF NOT EXISTS achievement_grants (
		user_id TEXT NOT NULL,
		badge_code TEXT NOT NULL,
		granted_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, badge_code)
	);

	CREATE TABLE IF NOT EXISTS reward_grants (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		code TEXT NOT NULL,
		kind TEXT NOT NULL,
		gift_bytes INTEGER NOT NULL DEFAULT 0,
		gift_days INTEGER NOT NULL DEFAULT 0,
		granted_at INTEGER NOT NULL,
		UNIQUE (account_id, code)
	);

	CREATE TABLE IF NOT EXISTS weekly_champions (
		week_start TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		usage_bytes INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS warning_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		sent_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_warning_log_lookup ON warning_log(account_id, kind, sent_at);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		delivered_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications(delivered_at, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SeedDemoData inserts two users with one account each and binds them to
// every active panel already configured.
func (s *Service) SeedDemoData(ctx context.Context) {
	now := s.now().UTC()
	panels, err := s.GetActivePanels(ctx)
	if err != nil {
		zap.L().Error("Failed to load panels for demo data", zap.Error(err))
		return
	}

	users := []struct {
		name     string
		account  string
		username string
	}{
		{"Alice Johnson", "alice-main", "alice"},
		{"Bob Smith", "bob-main", "bob"},
	}

	for _, u := range users {
		user, err := s.CreateUser(ctx, store.CreateUserParams{Name: u.name, CreatedAt: now})
		if err != nil {
			zap.L().Error("Failed to insert demo user", zap.String("name", u.name), zap.Error(err))
			continue
		}
		account, err := s.CreateAccount(ctx, store.CreateAccountParams{UserId: user.Id, Name: u.account, CreatedAt: now})
		if err != nil {
			zap.L().Error("Failed to insert demo account", zap.String("name", u.account), zap.Error(err))
			continue
		}

		for _, p := range panels {
			nativeId := u.username
			if p.Type == models.PanelTypeHiddify {
				nativeId = uuid.New().String()
			}
			if err := s.BindAccount(ctx, store.BindAccountParams{AccountId: account.Id, PanelName: p.Name, NativeId: nativeId}); err != nil {
				zap.L().Error("Failed to bind demo account", zap.String("panel", p.Name), zap.Error(err))
				continue
			}
			zap.L().Info("Demo account bound",
				zap.String("account_id", account.Id),
				zap.String("panel", p.Name),
				zap.String("native_id", nativeId))
		}
	}
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// closeRows closes a result set, logging failures the way every query here does.
func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}
