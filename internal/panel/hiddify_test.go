package panel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vpn-usage-engine/internal/models"

	"github.com/shopspring/decimal"
)

func TestHiddify_FetchAllAccounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/api/v2/admin/user/" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Hiddify-API-Key") != "key-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`[
			{"uuid":"u-1","name":"Alice","current_usage_GB":1.5,"usage_limit_GB":10,"package_days":30,"start_date":"2025-03-01","last_online":"2025-03-05 08:30:00","enable":true,"is_active":true},
			{"uuid":"u-2","name":"Bob","current_usage_GB":0,"usage_limit_GB":0,"package_days":30,"start_date":null,"last_online":null,"enable":true,"is_active":false}
		]`))
	}))
	defer server.Close()

	adapter, err := New(models.Panel{
		Name:      "fi-1",
		Type:      models.PanelTypeHiddify,
		BaseURL:   server.URL,
		APIKey:    "key-1",
		ProxyPath: "/proxy/",
		Active:    true,
	}, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	readings, err := adapter.FetchAllAccounts(context.Background())
	if err != nil {
		t.Fatalf("FetchAllAccounts failed: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("Expected 2 readings, got %d", len(readings))
	}

	alice := readings[0]
	if alice.CumulativeBytes != 1610612736 {
		t.Errorf("Expected 1.5 GB as 1610612736 bytes, got %d", alice.CumulativeBytes)
	}
	if alice.QuotaBytes != 10737418240 {
		t.Errorf("Expected 10 GB quota, got %d", alice.QuotaBytes)
	}
	wantExpire := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	if alice.ExpireAt == nil || !alice.ExpireAt.Equal(wantExpire) {
		t.Errorf("Expected expiry %v, got %v", wantExpire, alice.ExpireAt)
	}
	if alice.LastSeen == nil || alice.LastSeen.Minute() != 30 {
		t.Errorf("Unexpected last seen %v", alice.LastSeen)
	}
	if !alice.Active {
		t.Error("Expected alice to be active")
	}

	bob := readings[1]
	if bob.Active || bob.ExpireAt != nil {
		t.Errorf("Unexpected bob reading: %+v", bob)
	}
}

func TestHiddify_BadKeyIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	adapter, err := New(models.Panel{Name: "fi-1", Type: models.PanelTypeHiddify, BaseURL: server.URL, APIKey: "wrong"}, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = adapter.FetchAllAccounts(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Errorf("Expected ErrAuth, got %v", err)
	}
}

func TestHiddify_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"`))
	}))
	defer server.Close()

	adapter, err := New(models.Panel{Name: "fi-1", Type: models.PanelTypeHiddify, BaseURL: server.URL}, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	readings, err := adapter.FetchAllAccounts(context.Background())
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("Expected ErrUnknown, got %v", err)
	}
	if readings != nil {
		t.Errorf("Expected nil readings, got %v", readings)
	}
}

func TestGigabytesToBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 1073741824},
		{"0.1", 107374182},
		{"2.75", 2952790016},
		{"-3", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := gigabytesToBytes(decimal.RequireFromString(tt.in)); got != tt.want {
				t.Errorf("gigabytesToBytes(%s) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
