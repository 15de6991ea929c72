package panel

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"vpn-usage-engine/internal/models"
)

func TestNew_RejectsUnknownType(t *testing.T) {
	_, err := New(models.Panel{Name: "x", Type: "xui", BaseURL: "http://localhost"}, Options{})
	if err == nil {
		t.Fatal("Expected error for unsupported panel type")
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(models.Panel{Name: "x", Type: models.PanelTypeMarzban}, Options{})
	if err == nil {
		t.Fatal("Expected error for missing base url")
	}
}

func TestNewAll_SkipsInactive(t *testing.T) {
	panels := []models.Panel{
		{Name: "de-1", Type: models.PanelTypeMarzban, BaseURL: "http://de-1", Active: true},
		{Name: "fi-1", Type: models.PanelTypeHiddify, BaseURL: "http://fi-1", Active: true},
		{Name: "old", Type: models.PanelTypeHiddify, BaseURL: "http://old", Active: false},
	}

	adapters, err := NewAll(panels, Options{})
	if err != nil {
		t.Fatalf("NewAll failed: %v", err)
	}
	if len(adapters) != 2 {
		t.Fatalf("Expected 2 adapters, got %d", len(adapters))
	}
	if adapters["fi-1"].Type() != models.PanelTypeHiddify {
		t.Errorf("Expected hiddify adapter for fi-1, got %s", adapters["fi-1"].Type())
	}
	if _, ok := adapters["old"]; ok {
		t.Error("Expected inactive panel to be skipped")
	}

	if _, err := NewAll(append(panels, panels[0]), Options{}); err == nil {
		t.Error("Expected duplicate panel names to be rejected")
	}
}

func TestError_KindMatching(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusServiceUnavailable, ErrNetwork},
		{http.StatusInternalServerError, ErrUnknown},
		{http.StatusNotFound, ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := fmt.Errorf("fetch: %w", &Error{Panel: "p", Kind: classifyStatus(tt.status), Status: tt.status, Err: errors.New("x")})
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v for status %d, got %v", tt.want, tt.status, err)
			}
			if statusOf(err) != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, statusOf(err))
			}
		})
	}
}
