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

const (
	// User queries
	queryGetUsers = `
		SELECT id, name, birthday, referral_code, created_at
		FROM users
		ORDER BY created_at`

	queryGetUserById = `
		SELECT id, name, birthday, referral_code, created_at
		FROM users
		WHERE id = ?`

	queryInsertUser = `
		INSERT INTO users (id, name, birthday, referral_code, created_at)
		VALUES (?, ?, ?, ?, ?)`

	// Account queries
	queryGetAccounts = `
		SELECT id, user_id, name, is_vip, active, created_at
		FROM accounts
		ORDER BY created_at`

	queryGetActiveAccounts = `
		SELECT id, user_id, name, is_vip, active, created_at
		FROM accounts
		WHERE active = 1
		ORDER BY created_at`

	queryGetAccountById = `
		SELECT id, user_id, name, is_vip, active, created_at
		FROM accounts
		WHERE id = ?`

	queryGetAccountsByUser = `
		SELECT id, user_id, name, is_vip, active, created_at
		FROM accounts
		WHERE user_id = ?
		ORDER BY created_at`

	queryInsertAccount = `
		INSERT INTO accounts (id, user_id, name, is_vip, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`

	// Panel queries
	queryUpsertPanel = `
		INSERT INTO panels (name, panel_type, base_url, username, password, api_key, proxy_path, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			panel_type = excluded.panel_type,
			base_url = excluded.base_url,
			username = excluded.username,
			password = excluded.password,
			api_key = excluded.api_key,
			proxy_path = excluded.proxy_path,
			active = excluded.active`

	queryGetActivePanels = `
		SELECT name, panel_type, base_url, username, password, api_key, proxy_path, active
		FROM panels
		WHERE active = 1
		ORDER BY name`

	queryGetPanelType = `
		SELECT panel_type FROM panels WHERE name = ?`

	// Binding queries
	queryInsertBinding = `
		INSERT INTO panel_bindings (account_id, panel_name, panel_type, native_id, active, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(account_id, panel_name) DO UPDATE SET
			native_id = excluded.native_id,
			panel_type = excluded.panel_type,
			active = 1,
			updated_at = excluded.updated_at`

	bindingColumns = `
		b.account_id, b.panel_name, b.panel_type, b.native_id, b.last_quota_bytes, b.last_usage_bytes,
		b.expire_at, b.last_seen_at, b.panel_active, b.active, b.updated_at`

	queryGetAllBindings = `
		SELECT` + bindingColumns + `
		FROM panel_bindings b
		JOIN accounts a ON a.id = b.account_id
		WHERE b.active = 1 AND a.active = 1
		ORDER BY b.panel_name, b.account_id`

	queryGetPanelBindings = `
		SELECT` + bindingColumns + `
		FROM panel_bindings b
		JOIN accounts a ON a.id = b.account_id
		WHERE b.active = 1 AND a.active = 1 AND b.panel_name = ?
		ORDER BY b.account_id`

	queryGetAccountBindings = `
		SELECT` + bindingColumns + `
		FROM panel_bindings b
		WHERE b.account_id = ?
		ORDER BY b.panel_name`

	queryUpdateBindingState = `
		UPDATE panel_bindings
		SET last_quota_bytes = ?, last_usage_bytes = ?, expire_at = ?, last_seen_at = ?,
			panel_active = ?, updated_at = ?
		WHERE account_id = ? AND panel_name = ?`

	queryGetBindingPanelType = `
		SELECT panel_type FROM panel_bindings WHERE account_id = ? AND panel_name = ?`

	queryDeactivateBinding = `
		UPDATE panel_bindings
		SET active = 0, updated_at = ?
		WHERE panel_name = ? AND native_id = ? AND active = 1`

	// Snapshot queries
	queryInsertSnapshot = `
		INSERT INTO usage_snapshots (id, account_id, panel_name, panel_type, cumulative_bytes, taken_at, is_baseline)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetLatestSnapshots = `
		SELECT id, account_id, panel_name, panel_type, cumulative_bytes, taken_at, is_baseline
		FROM usage_snapshots
		WHERE account_id = ? AND panel_name = ?
		ORDER BY taken_at DESC, rowid DESC
		LIMIT ?`

	queryGetLastSnapshotBefore = `
		SELECT id, account_id, panel_name, panel_type, cumulative_bytes, taken_at, is_baseline
		FROM usage_snapshots
		WHERE account_id = ? AND panel_name = ? AND taken_at < ?
		ORDER BY taken_at DESC, rowid DESC
		LIMIT 1`

	// The newest snapshot of a pair that needs no delta: a baseline or one
	// already reconciled.
	queryGetSettledSnapshot = `
		SELECT s.id, s.account_id, s.panel_name, s.panel_type, s.cumulative_bytes, s.taken_at, s.is_baseline
		FROM usage_snapshots s
		WHERE s.account_id = ? AND s.panel_name = ?
		AND (s.is_baseline = 1 OR EXISTS (SELECT 1 FROM usage_deltas d WHERE d.snapshot_id = s.id))
		ORDER BY s.taken_at DESC, s.rowid DESC
		LIMIT 1`

	queryGetSnapshotsFrom = `
		SELECT id, account_id, panel_name, panel_type, cumulative_bytes, taken_at, is_baseline
		FROM usage_snapshots
		WHERE account_id = ? AND panel_name = ? AND taken_at >= ?
		ORDER BY taken_at ASC, rowid ASC`

	queryDeleteSnapshotsSince = `
		DELETE FROM usage_snapshots
		WHERE account_id = ? AND panel_name = ? AND taken_at >= ?`

	queryPruneSnapshots = `
		DELETE FROM usage_snapshots
		WHERE taken_at < ?
		AND rowid NOT IN (
			SELECT MAX(s.rowid) FROM usage_snapshots s
			JOIN (
				SELECT account_id, panel_name, MAX(taken_at) AS taken_at
				FROM usage_snapshots
				GROUP BY account_id, panel_name
			) latest ON latest.account_id = s.account_id
				AND latest.panel_name = s.panel_name
				AND latest.taken_at = s.taken_at
			GROUP BY s.account_id, s.panel_name
		)
		AND rowid NOT IN (
			SELECT MAX(s.rowid) FROM usage_snapshots s
			WHERE s.is_baseline = 1 OR EXISTS (SELECT 1 FROM usage_deltas d WHERE d.snapshot_id = s.id)
			GROUP BY s.account_id, s.panel_name
		)`

	// Delta & ledger queries
	queryInsertDelta = `
		INSERT INTO usage_deltas (snapshot_id, account_id, panel_name, panel_type, day, delta_bytes, reset, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryUpsertDailyUsage = `
		INSERT INTO daily_usage (account_id, day, panel_name, panel_type, usage_bytes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, day, panel_name) DO UPDATE SET
			usage_bytes = usage_bytes + excluded.usage_bytes,
			updated_at = excluded.updated_at`

	queryRetractDailyUsage = `
		UPDATE daily_usage
		SET usage_bytes = MAX(usage_bytes - ?, 0), updated_at = ?
		WHERE account_id = ? AND day = ? AND panel_name = ?`

	queryGetDeltasSince = `
		SELECT snapshot_id, day, delta_bytes
		FROM usage_deltas
		WHERE account_id = ? AND panel_name = ? AND snapshot_id IN (
			SELECT id FROM usage_snapshots WHERE account_id = ? AND panel_name = ? AND taken_at >= ?
		)
		ORDER BY taken_at`

	queryDeleteDeltasSince = `
		DELETE FROM usage_deltas
		WHERE account_id = ? AND panel_name = ? AND snapshot_id IN (
			SELECT id FROM usage_snapshots WHERE account_id = ? AND panel_name = ? AND taken_at >= ?
		)`

	queryInsertAnomaly = `
		INSERT INTO usage_anomalies (id, account_id, panel_name, snapshot_id, prev_cumulative, curr_cumulative, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetAnomaliesSince = `
		SELECT id, account_id, panel_name, prev_cumulative, curr_cumulative, detected_at
		FROM usage_anomalies
		WHERE detected_at >= ?
		ORDER BY detected_at`

	queryGetDailyUsageRange = `
		SELECT account_id, day, panel_name, usage_bytes
		FROM daily_usage
		WHERE account_id = ? AND day >= ? AND day <= ?
		ORDER BY day, panel_name`

	queryGetDailyUsageForDay = `
		SELECT account_id, day, panel_name, usage_bytes
		FROM daily_usage
		WHERE day = ?
		ORDER BY account_id, panel_name`

	queryGetUsageDeltas = `
		SELECT snapshot_id, account_id, panel_name, panel_type, day, delta_bytes, reset, taken_at
		FROM usage_deltas
		WHERE account_id = ? AND taken_at >= ? AND taken_at < ?
		ORDER BY taken_at`

	queryGetUsageTotalsByUser = `
		SELECT a.user_id, SUM(d.usage_bytes)
		FROM daily_usage d
		JOIN accounts a ON a.id = d.account_id
		WHERE d.day >= ? AND d.day <= ?
		GROUP BY a.user_id`

	// Payment & referral queries
	queryInsertPayment = `
		INSERT INTO payments (id, account_id, payment_date, kind)
		VALUES (?, ?, ?, ?)`

	queryCountPayments = `
		SELECT COUNT(*) FROM payments WHERE account_id = ?`

	queryCountUserPayments = `
		SELECT COUNT(*)
		FROM payments p
		JOIN accounts a ON a.id = p.account_id
		WHERE a.user_id = ?`

	queryInsertReferral = `
		INSERT INTO referrals (id, referrer_user_id, referred_user_id, reward_applied, created_at)
		VALUES (?, ?, ?, 0, ?)`

	queryGetPendingReferrals = `
		SELECT id, referrer_user_id, referred_user_id, reward_applied, created_at
		FROM referrals
		WHERE reward_applied = 0
		ORDER BY created_at`

	queryCountSuccessfulReferrals = `
		SELECT COUNT(*) FROM referrals WHERE referrer_user_id = ? AND reward_applied = 1`

	queryMarkReferralApplied = `
		UPDATE referrals SET reward_applied = 1 WHERE id = ? AND reward_applied = 0`

	// Grant queries
	queryInsertAchievementGrant = `
		INSERT INTO achievement_grants (user_id, badge_code, granted_at)
		VALUES (?, ?, ?)`

	queryGetAchievementGrants = `
		SELECT user_id, badge_code, granted_at
		FROM achievement_grants
		WHERE user_id = ?
		ORDER BY granted_at`

	queryGetAllAchievementGrants = `
		SELECT user_id, badge_code, granted_at
		FROM achievement_grants
		ORDER BY user_id, granted_at`

	queryInsertRewardGrant = `
		INSERT INTO reward_grants (id, account_id, code, kind, gift_bytes, gift_days, granted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetRewardGrants = `
		SELECT id, account_id, code, kind, gift_bytes, gift_days, granted_at
		FROM reward_grants
		WHERE account_id = ?
		ORDER BY granted_at`

	queryInsertWeeklyChampion = `
		INSERT OR IGNORE INTO weekly_champions (week_start, user_id, usage_bytes)
		VALUES (?, ?, ?)`

	queryGetWeeklyChampions = `
		SELECT week_start, user_id, usage_bytes
		FROM weekly_champions
		WHERE user_id = ?
		ORDER BY week_start`

	// Warning & notification queries
	queryHasRecentWarning = `
		SELECT 1 FROM warning_log
		WHERE account_id = ? AND kind = ? AND sent_at >= ?
		LIMIT 1`

	queryInsertWarning = `
		INSERT INTO warning_log (account_id, kind, sent_at) VALUES (?, ?, ?)`

	queryPruneWarningLog = `
		DELETE FROM warning_log WHERE sent_at < ?`

	queryInsertNotification = `
		INSERT INTO notifications (id, user_id, account_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetPendingNotifications = `
		SELECT id, user_id, account_id, kind, payload, created_at
		FROM notifications
		WHERE delivered_at IS NULL
		ORDER BY created_at
		LIMIT ?`

	queryMarkNotificationDelivered = `
		UPDATE notifications SET delivered_at = ? WHERE id = ?`

	queryPruneNotifications = `
		DELETE FROM notifications WHERE delivered_at IS NOT NULL AND delivered_at < ?`
)
