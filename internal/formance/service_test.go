package formance

import (
	"errors"
	"math/big"
	"testing"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
)

// ---------- Unit tests for pure helpers (no Formance stack needed) ----------

func TestAddressSegment(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"de-1", "de-1"},
		{"3f2c9a10-77b1-4c2e-9d4e-0a1b2c3d4e5f", "3f2c9a10-77b1-4c2e-9d4e-0a1b2c3d4e5f"},
		{"panel.example.com", "panel_example_com"},
		{" fi 1 ", "fi_1"},
		{"a:b", "a_b"},
	}
	for _, tt := range tests {
		if got := addressSegment(tt.input); got != tt.want {
			t.Errorf("addressSegment(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAddresses(t *testing.T) {
	if got := meteredAddress("de.1"); got != "panels:de_1:metered" {
		t.Errorf("meteredAddress = %q", got)
	}
	if got := accountAddress("acct-1", "de-1"); got != "accounts:acct-1:de-1" {
		t.Errorf("accountAddress = %q", got)
	}
	if got := deltaReference("snap-1"); got != "usage-snap-1" {
		t.Errorf("deltaReference = %q", got)
	}
}

func TestVolumeBalance(t *testing.T) {
	vols := map[string]shared.V2Volume{
		byteAsset: {Input: big.NewInt(1500), Output: big.NewInt(500)},
		"OTHER":   {Balance: big.NewInt(7)},
	}

	if got := volumeBalance(vols, byteAsset); got == nil || got.Int64() != 1000 {
		t.Errorf("Expected 1000 from input minus output, got %v", got)
	}
	if got := volumeBalance(vols, "OTHER"); got == nil || got.Int64() != 7 {
		t.Errorf("Expected explicit balance 7, got %v", got)
	}
	if got := volumeBalance(vols, "MISSING"); got != nil {
		t.Errorf("Expected nil for missing asset, got %v", got)
	}
	if got := volumeBalance(nil, byteAsset); got != nil {
		t.Errorf("Expected nil for nil volumes, got %v", got)
	}
}

func TestErrorClassifiers(t *testing.T) {
	// nil and foreign errors are never classified as ledger API errors
	for _, err := range []error{nil, errors.New("boom")} {
		if isConflictError(err) || isNotFoundError(err) || isAlreadyRevertedError(err) {
			t.Errorf("Expected %v not to be classified", err)
		}
	}
}
