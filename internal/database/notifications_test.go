package database

import (
	"context"
	"testing"
	"time"

	"vpn-usage-engine/internal/models"
)

func TestWarningLog_Dedup(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	sent := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := service.LogWarning(ctx, "acct", "usage", sent); err != nil {
		t.Fatalf("LogWarning failed: %v", err)
	}

	tests := []struct {
		name  string
		kind  string
		since time.Time
		want  bool
	}{
		{"inside window", "usage", sent.Add(-time.Hour), true},
		{"after window", "usage", sent.Add(time.Hour), false},
		{"other kind", "expiry", sent.Add(-time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := service.HasRecentWarning(ctx, "acct", tt.kind, tt.since)
			if err != nil {
				t.Fatalf("HasRecentWarning failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasRecentWarning = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotifications_Outbox(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	err := service.EnqueueNotification(ctx, models.Notification{
		Id:        "n1",
		UserId:    "u1",
		AccountId: "a1",
		Kind:      "usage_warning",
		Payload:   map[string]string{"percent": "91.5"},
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("EnqueueNotification failed: %v", err)
	}

	pending, err := service.GetPendingNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("GetPendingNotifications failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Payload["percent"] != "91.5" {
		t.Fatalf("Expected one pending notification with payload, got %+v", pending)
	}

	if err := service.MarkNotificationDelivered(ctx, "n1", created.Add(time.Minute)); err != nil {
		t.Fatalf("MarkNotificationDelivered failed: %v", err)
	}

	pending, err = service.GetPendingNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("GetPendingNotifications failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected outbox to be empty, got %d", len(pending))
	}

	pruned, err := service.PruneNotifications(ctx, created.Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneNotifications failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Expected 1 pruned notification, got %d", pruned)
	}
}
