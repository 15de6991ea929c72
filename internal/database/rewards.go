package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// --- Payments ---

func (s *Service) RecordPayment(ctx context.Context, params store.RecordPaymentParams) (*models.PaymentRecord, error) {
	if params.PaymentDate.IsZero() {
		params.PaymentDate = s.now()
	}
	if params.Kind == "" {
		params.Kind = "renewal"
	}

	payment := &models.PaymentRecord{
		Id:          uuid.New().String(),
		AccountId:   params.AccountId,
		PaymentDate: params.PaymentDate.UTC(),
		Kind:        params.Kind,
	}

	_, err := s.db.ExecContext(ctx, queryInsertPayment, payment.Id, payment.AccountId, toNanos(payment.PaymentDate), payment.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}

	zap.L().Info("Payment recorded",
		zap.String("account_id", payment.AccountId),
		zap.String("kind", payment.Kind))

	return payment, nil
}

func (s *Service) CountPayments(ctx context.Context, accountId string) (int, error) {
	return s.count(ctx, queryCountPayments, accountId)
}

func (s *Service) CountUserPayments(ctx context.Context, userId string) (int, error) {
	return s.count(ctx, queryCountUserPayments, userId)
}

func (s *Service) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

// --- Referrals ---

func (s *Service) CreateReferral(ctx context.Context, referrerUserId, referredUserId string) (*models.ReferralRecord, error) {
	referral := &models.ReferralRecord{
		Id:             uuid.New().String(),
		ReferrerUserId: referrerUserId,
		ReferredUserId: referredUserId,
		CreatedAt:      s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, queryInsertReferral, referral.Id, referrerUserId, referredUserId, toNanos(referral.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s was already referred: %w", referredUserId, err)
		}
		return nil, fmt.Errorf("failed to insert referral: %w", err)
	}
	return referral, nil
}

func (s *Service) GetPendingReferrals(ctx context.Context) ([]models.ReferralRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryGetPendingReferrals)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer closeRows(rows)

	var referrals []models.ReferralRecord
	for rows.Next() {
		var r models.ReferralRecord
		var createdAt int64
		if err := rows.Scan(&r.Id, &r.ReferrerUserId, &r.ReferredUserId, &r.RewardApplied, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		r.CreatedAt = fromNanos(createdAt)
		referrals = append(referrals, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating referrals: %w", err)
	}

	return referrals, nil
}

func (s *Service) CountSuccessfulReferrals(ctx context.Context, userId string) (int, error) {
	return s.count(ctx, queryCountSuccessfulReferrals, userId)
}

// ApplyReferralReward flips reward_applied and inserts the reward grants in
// one transaction. A referral that was already flipped returns
// store.ErrReferralAlreadyApplied and changes nothing.
func (s *Service) ApplyReferralReward(ctx context.Context, params store.ApplyReferralParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryMarkReferralApplied, params.ReferralId)
	if err != nil {
		return fmt.Errorf("failed to mark referral applied: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("referral %s: %w", params.ReferralId, store.ErrReferralAlreadyApplied)
	}

	for _, grant := range params.Grants {
		if _, err := insertRewardGrant(ctx, tx, grant, s.now()); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Referral reward applied",
		zap.String("referral_id", params.ReferralId),
		zap.Int("grants", len(params.Grants)))
	return nil
}

// --- Grants ---

func (s *Service) GrantAchievement(ctx context.Context, userId, badgeCode string, grantedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, queryInsertAchievementGrant, userId, badgeCode, toNanos(grantedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s already holds %s", store.ErrDuplicateGrant, userId, badgeCode)
		}
		return fmt.Errorf("failed to insert achievement grant: %w", err)
	}
	return nil
}

func (s *Service) GetAchievementGrants(ctx context.Context, userId string) ([]models.AchievementGrant, error) {
	return s.queryAchievementGrants(ctx, queryGetAchievementGrants, userId)
}

func (s *Service) GetAllAchievementGrants(ctx context.Context) ([]models.AchievementGrant, error) {
	return s.queryAchievementGrants(ctx, queryGetAllAchievementGrants)
}

func (s *Service) queryAchievementGrants(ctx context.Context, query string, args ...any) ([]models.AchievementGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query achievement grants: %w", err)
	}
	defer closeRows(rows)

	var grants []models.AchievementGrant
	for rows.Next() {
		var g models.AchievementGrant
		var grantedAt int64
		if err := rows.Scan(&g.UserId, &g.BadgeCode, &grantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan achievement grant: %w", err)
		}
		g.GrantedAt = fromNanos(grantedAt)
		grants = append(grants, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating achievement grants: %w", err)
	}

	return grants, nil
}

func (s *Service) GrantReward(ctx context.Context, params store.RewardGrantParams) (*models.RewardGrant, error) {
	return insertRewardGrant(ctx, s.db, params, s.now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRewardGrant(ctx context.Context, e execer, params store.RewardGrantParams, now time.Time) (*models.RewardGrant, error) {
	if params.GrantedAt.IsZero() {
		params.GrantedAt = now
	}

	grant := &models.RewardGrant{
		Id:        uuid.New().String(),
		AccountId: params.AccountId,
		Code:      params.Code,
		Kind:      params.Kind,
		GiftBytes: params.GiftBytes,
		GiftDays:  params.GiftDays,
		GrantedAt: params.GrantedAt.UTC(),
	}

	_, err := e.ExecContext(ctx, queryInsertRewardGrant,
		grant.Id, grant.AccountId, grant.Code, grant.Kind, grant.GiftBytes, grant.GiftDays, toNanos(grant.GrantedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s already received %s", store.ErrDuplicateGrant, params.AccountId, params.Code)
		}
		return nil, fmt.Errorf("failed to insert reward grant: %w", err)
	}
	return grant, nil
}

func (s *Service) GetRewardGrants(ctx context.Context, accountId string) ([]models.RewardGrant, error) {
	rows, err := s.db.QueryContext(ctx, queryGetRewardGrants, accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward grants: %w", err)
	}
	defer closeRows(rows)

	var grants []models.RewardGrant
	for rows.Next() {
		var g models.RewardGrant
		var grantedAt int64
		if err := rows.Scan(&g.Id, &g.AccountId, &g.Code, &g.Kind, &g.GiftBytes, &g.GiftDays, &grantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reward grant: %w", err)
		}
		g.GrantedAt = fromNanos(grantedAt)
		grants = append(grants, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reward grants: %w", err)
	}

	return grants, nil
}

// --- Weekly champions ---

// RecordWeeklyChampion stores the winner of a week. The first winner recorded
// for a week is kept; recorded is false when the week already had one.
func (s *Service) RecordWeeklyChampion(ctx context.Context, champion models.WeeklyChampion) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryInsertWeeklyChampion, champion.WeekStart, champion.UserId, champion.UsageBytes)
	if err != nil {
		return false, fmt.Errorf("failed to record weekly champion: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Service) GetWeeklyChampions(ctx context.Context, userId string) ([]models.WeeklyChampion, error) {
	rows, err := s.db.QueryContext(ctx, queryGetWeeklyChampions, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to query weekly champions: %w", err)
	}
	defer closeRows(rows)

	var champions []models.WeeklyChampion
	for rows.Next() {
		var c models.WeeklyChampion
		if err := rows.Scan(&c.WeekStart, &c.UserId, &c.UsageBytes); err != nil {
			return nil, fmt.Errorf("failed to scan weekly champion: %w", err)
		}
		champions = append(champions, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating weekly champions: %w", err)
	}

	return champions, nil
}
