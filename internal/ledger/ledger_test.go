package ledger

import (
	"testing"
	"time"
)

func TestComputeDelta(t *testing.T) {
	tests := []struct {
		name      string
		prev      int64
		curr      int64
		wantDelta int64
		wantReset bool
	}{
		{"growth", 10 * GiB, 14 * GiB, 4 * GiB, false},
		{"unchanged", 5 * GiB, 5 * GiB, 0, false},
		{"reset", 50 * GiB, 5 * GiB, 5 * GiB, true},
		{"reset to zero", 50 * GiB, 0, 0, true},
		{"from zero", 0, 3 * GiB, 3 * GiB, false},
	}
	for _, tt := range tests {
		delta, reset := ComputeDelta(tt.prev, tt.curr)
		if delta != tt.wantDelta || reset != tt.wantReset {
			t.Errorf("%s: ComputeDelta(%d, %d) = (%d, %v), want (%d, %v)",
				tt.name, tt.prev, tt.curr, delta, reset, tt.wantDelta, tt.wantReset)
		}
	}
}

func TestComputeDeltaNeverNegative(t *testing.T) {
	readings := []int64{0, 7, 3, 3, 100, 1, 0, 42}
	for i := 1; i < len(readings); i++ {
		delta, _ := ComputeDelta(readings[i-1], readings[i])
		if delta < 0 {
			t.Errorf("Expected non-negative delta for %d -> %d, got %d", readings[i-1], readings[i], delta)
		}
	}
}

func TestComputeDeltaTelescopes(t *testing.T) {
	readings := []int64{2, 5, 5, 9, 20, 21}
	var sum int64
	for i := 1; i < len(readings); i++ {
		delta, reset := ComputeDelta(readings[i-1], readings[i])
		if reset {
			t.Fatalf("Unexpected reset at %d", i)
		}
		sum += delta
	}
	if want := readings[len(readings)-1] - readings[0]; sum != want {
		t.Errorf("Expected sum of deltas %d, got %d", want, sum)
	}
}

func TestDayOfUsesReportingTimezone(t *testing.T) {
	tehran, err := LoadLocation("Asia/Tehran")
	if err != nil {
		t.Fatalf("LoadLocation failed: %v", err)
	}

	// 22:00 UTC is already the next day in Tehran (+03:30)
	ts := time.Date(2024, 3, 10, 22, 0, 0, 0, time.UTC)
	if got := DayOf(ts, tehran); got != "2024-03-11" {
		t.Errorf("Expected 2024-03-11, got %s", got)
	}
	if got := DayOf(ts, time.UTC); got != "2024-03-10" {
		t.Errorf("Expected 2024-03-10, got %s", got)
	}
}

func TestStartOfDay(t *testing.T) {
	tehran, err := LoadLocation("Asia/Tehran")
	if err != nil {
		t.Fatalf("LoadLocation failed: %v", err)
	}

	ts := time.Date(2024, 3, 10, 22, 0, 0, 0, time.UTC)
	start := StartOfDay(ts, tehran)
	if start.Hour() != 0 || start.Minute() != 0 {
		t.Errorf("Expected midnight, got %s", start)
	}
	if got := start.Format(DayLayout); got != "2024-03-11" {
		t.Errorf("Expected start of 2024-03-11, got %s", got)
	}
}

func TestAddDays(t *testing.T) {
	got, err := AddDays("2024-02-28", 2)
	if err != nil {
		t.Fatalf("AddDays failed: %v", err)
	}
	if got != "2024-03-01" {
		t.Errorf("Expected 2024-03-01, got %s", got)
	}

	if _, err := AddDays("yesterday", 1); err == nil {
		t.Error("Expected error for invalid day")
	}
}

func TestTimeOfDayOf(t *testing.T) {
	tests := []struct {
		hour int
		want TimeOfDay
	}{
		{6, Morning},
		{11, Morning},
		{12, Afternoon},
		{17, Afternoon},
		{18, Evening},
		{21, Evening},
		{22, Night},
		{3, Night},
	}
	for _, tt := range tests {
		ts := time.Date(2024, 1, 1, tt.hour, 30, 0, 0, time.UTC)
		if got := TimeOfDayOf(ts, time.UTC); got != tt.want {
			t.Errorf("TimeOfDayOf(%02d:30) = %s, want %s", tt.hour, got, tt.want)
		}
	}
}
