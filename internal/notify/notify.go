package notify

import (
	"context"
	"fmt"
	"sort"

	"vpn-usage-engine/internal/models"

	"go.uber.org/zap"
)

// Notification kinds
const (
	KindUsageWarning    = "usage_warning"
	KindExpiryWarning   = "expiry_warning"
	KindDailyReport     = "daily_report"
	KindWeeklyReport    = "weekly_report"
	KindWeeklyChampion  = "weekly_champion"
	KindAchievement     = "achievement"
	KindReward          = "reward"
	KindLoyaltyReminder = "loyalty_reminder"
)

// Sink accepts delivery requests. Delivering them to people is somebody
// else's job; the engine only records that a message is owed.
type Sink interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Enqueuer is the slice of the store an Outbox needs.
type Enqueuer interface {
	EnqueueNotification(ctx context.Context, n models.Notification) error
}

// Outbox persists requests for an external deliverer to drain.
type Outbox struct {
	store Enqueuer
}

func NewOutbox(store Enqueuer) *Outbox {
	return &Outbox{store: store}
}

func (o *Outbox) Notify(ctx context.Context, n models.Notification) error {
	if err := o.store.EnqueueNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to enqueue %s notification: %w", n.Kind, err)
	}
	return nil
}

// LogSink writes each request to the structured log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n models.Notification) error {
	fields := []zap.Field{
		zap.String("kind", n.Kind),
		zap.String("user_id", n.UserId),
		zap.String("account_id", n.AccountId),
	}
	keys := make([]string, 0, len(n.Payload))
	for k := range n.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, n.Payload[k]))
	}
	zap.L().Info("Notification requested", fields...)
	return nil
}

// Fanout sends to every sink and returns the first failure.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n models.Notification) error {
	var first error
	for _, sink := range f {
		if err := sink.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
