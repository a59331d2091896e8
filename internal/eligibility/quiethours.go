package eligibility

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"geofence-notification-engine/internal/models"
)

// ParseClockTime parses an "HH:MM" string into minutes after midnight.
func ParseClockTime(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}

	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in clock time %q", s)
	}

	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in clock time %q", s)
	}

	return hh*60 + mm, nil
}

// IsQuiet reports whether now falls inside the configured quiet-hours window.
// The window is evaluated in the config's timezone, since "quiet" is
// meaningful to the local user. A window with start == end is treated as
// disabled regardless of the enabled flag. An overnight window (start > end,
// e.g. 22:00 to 08:00) is quiet when now >= start or now < end.
func IsQuiet(now time.Time, cfg models.ThrottleConfig) (bool, error) {
	if !cfg.QuietHoursEnabled {
		return false, nil
	}

	start, err := ParseClockTime(cfg.QuietHoursStart)
	if err != nil {
		return false, fmt.Errorf("quiet_hours_start: %w", err)
	}

	end, err := ParseClockTime(cfg.QuietHoursEnd)
	if err != nil {
		return false, fmt.Errorf("quiet_hours_end: %w", err)
	}

	if start == end {
		return false, nil
	}

	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start < end {
		return minute >= start && minute < end, nil
	}
	return minute >= start || minute < end, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
