package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vpn-usage-engine/internal/models"

	"github.com/google/uuid"
)

// HasRecentWarning reports whether a warning of kind was logged for the
// account at or after since.
func (s *Service) HasRecentWarning(ctx context.Context, accountId, kind string, since time.Time) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, queryHasRecentWarning, accountId, kind, toNanos(since)).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check warning log: %w", err)
	}
	return true, nil
}

func (s *Service) LogWarning(ctx context.Context, accountId, kind string, sentAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, queryInsertWarning, accountId, kind, toNanos(sentAt)); err != nil {
		return fmt.Errorf("failed to log warning: %w", err)
	}
	return nil
}

// EnqueueNotification stores a message in the outbox until a sink delivers it.
func (s *Service) EnqueueNotification(ctx context.Context, n models.Notification) error {
	if n.Id == "" {
		n.Id = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	if n.Payload == nil {
		n.Payload = map[string]string{}
	}

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertNotification, n.Id, n.UserId, n.AccountId, n.Kind, string(payload), toNanos(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

func (s *Service) GetPendingNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, queryGetPendingNotifications, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer closeRows(rows)

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		var payload string
		var createdAt int64
		if err := rows.Scan(&n.Id, &n.UserId, &n.AccountId, &n.Kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return nil, fmt.Errorf("invalid payload on notification %s: %w", n.Id, err)
		}
		n.CreatedAt = fromNanos(createdAt)
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return notifications, nil
}

func (s *Service) MarkNotificationDelivered(ctx context.Context, id string, deliveredAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, queryMarkNotificationDelivered, toNanos(deliveredAt), id); err != nil {
		return fmt.Errorf("failed to mark notification %s delivered: %w", id, err)
	}
	return nil
}
