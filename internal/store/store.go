package store

import (
	"context"
	"errors"
	"time"

	"vpn-usage-engine/internal/models"
)

// Sentinel errors shared by all backends.
var (
	// ErrDuplicateGrant is the grant conflict: the uniqueness invariant rejected a second grant.
	ErrDuplicateGrant         = errors.New("grant already exists")
	ErrReferralAlreadyApplied = errors.New("referral reward already applied")
	ErrAccountNotFound        = errors.New("account not found")
	ErrUserNotFound           = errors.New("user not found")
	ErrPanelNotFound          = errors.New("panel not found")
)

// CreateUserParams contains the parameters for creating a user.
type CreateUserParams struct {
	Id           string
	Name         string
	Birthday     *time.Time
	ReferralCode string
	CreatedAt    time.Time
}

// CreateAccountParams contains the parameters for creating an account.
type CreateAccountParams struct {
	Id        string
	UserId    string
	Name      string
	IsVip     bool
	CreatedAt time.Time
}

// BindAccountParams binds an account to its native identifier on a panel.
type BindAccountParams struct {
	AccountId string
	PanelName string
	NativeId  string
}

// RecordSnapshotParams carries one successful reading for a bound pair.
// The binding's observed state is refreshed in the same transaction.
type RecordSnapshotParams struct {
	AccountId string
	PanelName string
	PanelType models.PanelType
	Reading   models.AccountReading
	TakenAt   time.Time
}

// ReconcilePairParams identifies the pair to reconcile and the timezone
// that owns day boundaries.
type ReconcilePairParams struct {
	AccountId string
	PanelName string
	Location  *time.Location
}

// ReconcileOutcome describes what one reconciliation did. Deltas holds every
// delta recorded by the call, oldest first; it is empty when nothing was
// recorded and Skipped says why.
type ReconcileOutcome struct {
	Deltas    []models.UsageDelta
	Anomalies []models.UsageAnomaly
	Skipped   string
}

// Latest returns the newest recorded delta, or nil.
func (o *ReconcileOutcome) Latest() *models.UsageDelta {
	if o == nil || len(o.Deltas) == 0 {
		return nil
	}
	return &o.Deltas[len(o.Deltas)-1]
}

// Reasons a reconciliation records nothing.
const (
	SkipNoSnapshots       = "no_snapshots"
	SkipFirstObservation  = "first_observation"
	SkipBaseline          = "baseline"
	SkipAlreadyReconciled = "already_reconciled"
)

// RepairPairParams describes one baseline repair. When Baseline is nil the
// last snapshot taken before Since is used as the known-good value.
type RepairPairParams struct {
	AccountId string
	PanelName string
	Since     time.Time
	Baseline  *int64
	TakenAt   time.Time
}

// RepairOutcome reports what a repair changed for one pair.
type RepairOutcome struct {
	AccountId        string
	PanelName        string
	DeletedSnapshots int64
	RetractedBytes   int64

	// RetractedSnapshotIds keys the deltas that were removed, oldest first.
	RetractedSnapshotIds []string
	BaselineBytes        int64
	BaselineSnapshot     *models.UsageSnapshot
	HadKnownGoodValue    bool
}

// RecordPaymentParams contains the parameters for recording a payment.
type RecordPaymentParams struct {
	AccountId   string
	PaymentDate time.Time
	Kind        string
}

// RewardGrantParams contains the parameters for a one-time account reward.
type RewardGrantParams struct {
	AccountId string
	Code      string
	Kind      string
	GiftBytes int64
	GiftDays  int
	GrantedAt time.Time
}

// ApplyReferralParams flips a referral's reward flag together with its grants.
type ApplyReferralParams struct {
	ReferralId string
	Grants     []RewardGrantParams
}

// UsageStore defines the persistence contract of the engine.
type UsageStore interface {
	// --- Users & accounts ---
	GetUsers(ctx context.Context) ([]models.User, error)
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	CreateUser(ctx context.Context, params CreateUserParams) (*models.User, error)
	GetAccounts(ctx context.Context, activeOnly bool) ([]models.Account, error)
	GetAccountById(ctx context.Context, accountId string) (*models.Account, error)
	GetAccountsByUser(ctx context.Context, userId string) ([]models.Account, error)
	CreateAccount(ctx context.Context, params CreateAccountParams) (*models.Account, error)

	// --- Panels & bindings ---
	UpsertPanel(ctx context.Context, panel models.Panel) error
	GetActivePanels(ctx context.Context) ([]models.Panel, error)
	BindAccount(ctx context.Context, params BindAccountParams) error
	GetBindings(ctx context.Context, panelName string) ([]models.PanelBinding, error)
	GetAccountBindings(ctx context.Context, accountId string) ([]models.PanelBinding, error)
	DeactivateBindings(ctx context.Context, panelName string, nativeIds []string) (int64, error)

	// --- Snapshots & ledger ---
	RecordSnapshot(ctx context.Context, params RecordSnapshotParams) (*models.UsageSnapshot, error)
	GetLatestSnapshots(ctx context.Context, accountId, panelName string, limit int) ([]models.UsageSnapshot, error)
	GetLastSnapshotBefore(ctx context.Context, accountId, panelName string, before time.Time) (*models.UsageSnapshot, error)
	ReconcilePair(ctx context.Context, params ReconcilePairParams) (*ReconcileOutcome, error)
	GetDailyUsage(ctx context.Context, accountId, fromDay, toDay string) ([]models.DailyUsageRecord, error)
	GetDailyUsageForDay(ctx context.Context, day string) ([]models.DailyUsageRecord, error)
	GetUsageDeltas(ctx context.Context, accountId string, from, to time.Time) ([]models.UsageDelta, error)
	GetUsageTotalsByUser(ctx context.Context, fromDay, toDay string) (map[string]int64, error)
	GetAnomalies(ctx context.Context, since time.Time) ([]models.UsageAnomaly, error)

	// --- Repair ---
	RepairPair(ctx context.Context, params RepairPairParams) (*RepairOutcome, error)

	// --- Payments & referrals ---
	RecordPayment(ctx context.Context, params RecordPaymentParams) (*models.PaymentRecord, error)
	CountPayments(ctx context.Context, accountId string) (int, error)
	CountUserPayments(ctx context.Context, userId string) (int, error)
	CreateReferral(ctx context.Context, referrerUserId, referredUserId string) (*models.ReferralRecord, error)
	GetPendingReferrals(ctx context.Context) ([]models.ReferralRecord, error)
	CountSuccessfulReferrals(ctx context.Context, userId string) (int, error)
	ApplyReferralReward(ctx context.Context, params ApplyReferralParams) error

	// --- Grants ---
	GrantAchievement(ctx context.Context, userId, badgeCode string, grantedAt time.Time) error
	GetAchievementGrants(ctx context.Context, userId string) ([]models.AchievementGrant, error)
	GetAllAchievementGrants(ctx context.Context) ([]models.AchievementGrant, error)
	GrantReward(ctx context.Context, params RewardGrantParams) (*models.RewardGrant, error)
	GetRewardGrants(ctx context.Context, accountId string) ([]models.RewardGrant, error)

	// --- Weekly champions ---
	RecordWeeklyChampion(ctx context.Context, champion models.WeeklyChampion) (bool, error)
	GetWeeklyChampions(ctx context.Context, userId string) ([]models.WeeklyChampion, error)

	// --- Warnings & notifications ---
	HasRecentWarning(ctx context.Context, accountId, kind string, since time.Time) (bool, error)
	LogWarning(ctx context.Context, accountId, kind string, sentAt time.Time) error
	EnqueueNotification(ctx context.Context, n models.Notification) error
	GetPendingNotifications(ctx context.Context, limit int) ([]models.Notification, error)
	MarkNotificationDelivered(ctx context.Context, id string, deliveredAt time.Time) error

	// --- Maintenance ---
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
	PruneNotifications(ctx context.Context, before time.Time) (int64, error)
	PruneWarningLog(ctx context.Context, before time.Time) (int64, error)
	Vacuum(ctx context.Context) error

	// --- Lifecycle ---
	Close()
}
