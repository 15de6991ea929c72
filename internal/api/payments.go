package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"

	"go.uber.org/zap"
)

// PaymentResult reports the outcome of recording a payment
type PaymentResult struct {
	Success bool
	Payment *models.PaymentRecord
	Count   int // payments of the account after this one
	Error   string
}

// RecordPayment appends a renewal or purchase. Payments are facts, so two
// calls record two payments.
func (s *UsageService) RecordPayment(ctx context.Context, accountId, kind string, paidAt time.Time) (*PaymentResult, error) {
	zap.L().Info("Recording payment",
		zap.String("account_id", accountId),
		zap.String("kind", kind),
		zap.Time("paid_at", paidAt))

	if accountId == "" {
		return &PaymentResult{Success: false, Error: "account_id is required"}, nil
	}
	if kind == "" {
		kind = "renewal"
	}
	if paidAt.IsZero() {
		paidAt = s.now()
	}
	if paidAt.After(s.now().Add(time.Minute)) {
		return &PaymentResult{Success: false, Error: "payment date is in the future"}, nil
	}

	if _, err := s.db.GetAccountById(ctx, accountId); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return &PaymentResult{Success: false, Error: "account not found"}, nil
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	payment, err := s.db.RecordPayment(ctx, store.RecordPaymentParams{
		AccountId:   accountId,
		PaymentDate: paidAt,
		Kind:        kind,
	})
	if err != nil {
		zap.L().Error("Failed to record payment", zap.String("account_id", accountId), zap.Error(err))
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	count, err := s.db.CountPayments(ctx, accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to count payments: %w", err)
	}

	zap.L().Info("Payment recorded",
		zap.String("payment_id", payment.Id),
		zap.String("account_id", accountId),
		zap.Int("payment_count", count))

	return &PaymentResult{Success: true, Payment: payment, Count: count}, nil
}

// RecordReferral links a referred user to the user who invited them. The
// reward sweep grants both sides once the referred user pays.
func (s *UsageService) RecordReferral(ctx context.Context, referrerUserId, referredUserId string) (*models.ReferralRecord, error) {
	if referrerUserId == "" || referredUserId == "" {
		return nil, fmt.Errorf("referrer and referred user are required")
	}
	if referrerUserId == referredUserId {
		return nil, fmt.Errorf("a user cannot refer themselves")
	}
	for _, id := range []string{referrerUserId, referredUserId} {
		if _, err := s.db.GetUserById(ctx, id); err != nil {
			return nil, err
		}
	}

	referral, err := s.db.CreateReferral(ctx, referrerUserId, referredUserId)
	if err != nil {
		return nil, fmt.Errorf("failed to record referral: %w", err)
	}

	zap.L().Info("Referral recorded",
		zap.String("referral_id", referral.Id),
		zap.String("referrer_user_id", referrerUserId),
		zap.String("referred_user_id", referredUserId))
	return referral, nil
}
