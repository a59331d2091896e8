package eligibility

import (
	"testing"
	"time"

	"geofence-notification-engine/internal/models"
)

func quietConfig(start, end, tz string) models.ThrottleConfig {
	return models.ThrottleConfig{
		QuietHoursEnabled: true,
		QuietHoursStart:   start,
		QuietHoursEnd:     end,
		Timezone:          tz,
	}
}

func TestParseClockTime(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"08:30", 510, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"12", 0, true},
		{"ab:cd", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseClockTime(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseClockTime(%q) expected error, got %d", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseClockTime(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseClockTime(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestIsQuiet_OvernightWindow(t *testing.T) {
	cfg := quietConfig("22:00", "08:00", "UTC")

	tests := []struct {
		clock string
		want  bool
	}{
		{"21:59", false},
		{"22:00", true},
		{"23:00", true},
		{"00:30", true},
		{"07:59", true},
		{"08:00", false},
		{"12:00", false},
	}

	for _, tt := range tests {
		t.Run(tt.clock, func(t *testing.T) {
			now, err := time.Parse("2006-01-02 15:04", "2026-03-10 "+tt.clock)
			if err != nil {
				t.Fatalf("Failed to parse test clock: %v", err)
			}
			quiet, err := IsQuiet(now.UTC(), cfg)
			if err != nil {
				t.Fatalf("IsQuiet returned error: %v", err)
			}
			if quiet != tt.want {
				t.Errorf("IsQuiet at %s = %v, want %v", tt.clock, quiet, tt.want)
			}
		})
	}
}

func TestIsQuiet_DaytimeWindow(t *testing.T) {
	cfg := quietConfig("13:00", "15:00", "UTC")

	at := func(clock string) bool {
		now, err := time.Parse("2006-01-02 15:04", "2026-03-10 "+clock)
		if err != nil {
			t.Fatalf("Failed to parse test clock: %v", err)
		}
		quiet, err := IsQuiet(now.UTC(), cfg)
		if err != nil {
			t.Fatalf("IsQuiet returned error: %v", err)
		}
		return quiet
	}

	if at("12:59") {
		t.Error("12:59 should not be quiet")
	}
	if !at("13:00") {
		t.Error("13:00 should be quiet (start inclusive)")
	}
	if !at("14:59") {
		t.Error("14:59 should be quiet")
	}
	if at("15:00") {
		t.Error("15:00 should not be quiet (end exclusive)")
	}
}

func TestIsQuiet_DisabledAndDegenerate(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	cfg := quietConfig("22:00", "08:00", "UTC")
	cfg.QuietHoursEnabled = false
	quiet, err := IsQuiet(now, cfg)
	if err != nil {
		t.Fatalf("IsQuiet returned error: %v", err)
	}
	if quiet {
		t.Error("Disabled quiet hours should never be quiet")
	}

	// start == end means the window is empty, not full-day.
	quiet, err = IsQuiet(now, quietConfig("09:00", "09:00", "UTC"))
	if err != nil {
		t.Fatalf("IsQuiet returned error: %v", err)
	}
	if quiet {
		t.Error("start == end should disable the window")
	}
}

func TestIsQuiet_ConfigTimezone(t *testing.T) {
	// 20:00 UTC is midnight in Dubai (UTC+4): quiet there, not in UTC.
	now := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	quiet, err := IsQuiet(now, quietConfig("22:00", "08:00", "Asia/Dubai"))
	if err != nil {
		t.Fatalf("IsQuiet returned error: %v", err)
	}
	if !quiet {
		t.Error("20:00 UTC should be quiet in Asia/Dubai")
	}

	quiet, err = IsQuiet(now, quietConfig("22:00", "08:00", "UTC"))
	if err != nil {
		t.Fatalf("IsQuiet returned error: %v", err)
	}
	if quiet {
		t.Error("20:00 UTC should not be quiet in UTC")
	}
}

func TestIsQuiet_InvalidConfig(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if _, err := IsQuiet(now, quietConfig("25:00", "08:00", "UTC")); err == nil {
		t.Error("Expected error for invalid start time")
	}
	if _, err := IsQuiet(now, quietConfig("22:00", "08:00", "Not/AZone")); err == nil {
		t.Error("Expected error for invalid timezone")
	}
}
