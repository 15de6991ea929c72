package models

import (
	"time"
)

// User owns one or more subscription accounts
type User struct {
	Id           string     `db:"id"`
	Name         string     `db:"name"`
	Birthday     *time.Time `db:"birthday"`
	ReferralCode string     `db:"referral_code"`
	CreatedAt    time.Time  `db:"created_at"`
}

// Account is one subscription identity
type Account struct {
	Id        string    `db:"id"`
	UserId    string    `db:"user_id"`
	Name      string    `db:"name"`
	IsVip     bool      `db:"is_vip"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

// Panel is a configured external traffic-metering backend
type Panel struct {
	Name      string    `db:"name" yaml:"name"`
	Type      PanelType `db:"panel_type" yaml:"type"`
	BaseURL   string    `db:"base_url" yaml:"base_url"`
	Username  string    `db:"username" yaml:"username"`
	Password  string    `db:"password" yaml:"password"`
	APIKey    string    `db:"api_key" yaml:"api_key"`
	ProxyPath string    `db:"proxy_path" yaml:"proxy_path"`
	Active    bool      `db:"active" yaml:"active"`
}

// PanelBinding relates an account to its native identifier on one panel,
// along with the latest state observed for it
type PanelBinding struct {
	AccountId      string     `db:"account_id"`
	PanelName      string     `db:"panel_name"`
	PanelType      PanelType  `db:"panel_type"`
	NativeId       string     `db:"native_id"`
	LastQuotaBytes int64      `db:"last_quota_bytes"`
	LastUsageBytes int64      `db:"last_usage_bytes"`
	ExpireAt       *time.Time `db:"expire_at"`
	LastSeenAt     *time.Time `db:"last_seen_at"`
	PanelActive    bool       `db:"panel_active"`
	Active         bool       `db:"active"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// UsageSnapshot is an immutable reading of a cumulative counter
type UsageSnapshot struct {
	Id              string    `db:"id"`
	AccountId       string    `db:"account_id"`
	PanelName       string    `db:"panel_name"`
	PanelType       PanelType `db:"panel_type"`
	CumulativeBytes int64     `db:"cumulative_bytes"`
	TakenAt         time.Time `db:"taken_at"`
	IsBaseline      bool      `db:"is_baseline"`
}

// UsageDelta is the consumption attributed to one snapshot
type UsageDelta struct {
	SnapshotId string    `db:"snapshot_id"`
	AccountId  string    `db:"account_id"`
	PanelName  string    `db:"panel_name"`
	PanelType  PanelType `db:"panel_type"`
	Day        string    `db:"day"`
	DeltaBytes int64     `db:"delta_bytes"`
	Reset      bool      `db:"reset"`
	TakenAt    time.Time `db:"taken_at"`
}

// DailyUsageRecord is the per-account, per-day ledger bucket
type DailyUsageRecord struct {
	AccountId  string
	Day        string
	PanelBytes map[string]int64
}

// Total returns the sum of all panels for the day
func (r DailyUsageRecord) Total() int64 {
	var total int64
	for _, b := range r.PanelBytes {
		total += b
	}
	return total
}

// UsageAnomaly records a negative raw delta handled by the reset policy
type UsageAnomaly struct {
	Id             string    `db:"id"`
	AccountId      string    `db:"account_id"`
	PanelName      string    `db:"panel_name"`
	PrevCumulative int64     `db:"prev_cumulative"`
	CurrCumulative int64     `db:"curr_cumulative"`
	DetectedAt     time.Time `db:"detected_at"`
}

// AchievementGrant records that a user earned a badge
type AchievementGrant struct {
	UserId    string    `db:"user_id"`
	BadgeCode string    `db:"badge_code"`
	GrantedAt time.Time `db:"granted_at"`
}

// RewardGrant records a one-time account reward
type RewardGrant struct {
	Id        string    `db:"id"`
	AccountId string    `db:"account_id"`
	Code      string    `db:"code"`
	Kind      string    `db:"kind"`
	GiftBytes int64     `db:"gift_bytes"`
	GiftDays  int       `db:"gift_days"`
	GrantedAt time.Time `db:"granted_at"`
}

// ReferralRecord tracks whether a referral has been rewarded
type ReferralRecord struct {
	Id             string    `db:"id"`
	ReferrerUserId string    `db:"referrer_user_id"`
	ReferredUserId string    `db:"referred_user_id"`
	RewardApplied  bool      `db:"reward_applied"`
	CreatedAt      time.Time `db:"created_at"`
}

// PaymentRecord is an append-only renewal/purchase fact
type PaymentRecord struct {
	Id          string    `db:"id"`
	AccountId   string    `db:"account_id"`
	PaymentDate time.Time `db:"payment_date"`
	Kind        string    `db:"kind"`
}

// WeeklyChampion is the winner of one weekly usage race
type WeeklyChampion struct {
	WeekStart  string `db:"week_start"`
	UserId     string `db:"user_id"`
	UsageBytes int64  `db:"usage_bytes"`
}

// Notification is a delivery request for an external collaborator
type Notification struct {
	Id          string            `db:"id"`
	UserId      string            `db:"user_id"`
	AccountId   string            `db:"account_id"`
	Kind        string            `db:"kind"`
	Payload     map[string]string `db:"payload"`
	CreatedAt   time.Time         `db:"created_at"`
	DeliveredAt *time.Time        `db:"delivered_at"`
}
