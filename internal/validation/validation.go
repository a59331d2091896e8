package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"geofence-notification-engine/internal/models"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateWebhookEvent checks the inbound provider payload and converts it
// into a GeofenceEvent. Unknown event types are rejected rather than guessed.
func ValidateWebhookEvent(req models.WebhookEventRequest) (models.GeofenceEvent, error) {
	eventID := SanitizeString(req.EventID)
	if eventID == "" {
		return models.GeofenceEvent{}, &ValidationError{Field: "event_id", Message: "is required"}
	}
	if len(eventID) > 128 {
		return models.GeofenceEvent{}, &ValidationError{Field: "event_id", Message: "cannot exceed 128 characters"}
	}

	if req.GeofenceID <= 0 {
		return models.GeofenceEvent{}, &ValidationError{Field: "geofence_id", Message: "must be positive"}
	}
	if req.UserID < 0 {
		return models.GeofenceEvent{}, &ValidationError{Field: "user_id", Message: "must be non-negative"}
	}

	eventType, err := validateEventType(req.Type)
	if err != nil {
		return models.GeofenceEvent{}, err
	}

	if req.Latitude < -90 || req.Latitude > 90 {
		return models.GeofenceEvent{}, &ValidationError{Field: "latitude", Message: "must be between -90 and 90"}
	}
	if req.Longitude < -180 || req.Longitude > 180 {
		return models.GeofenceEvent{}, &ValidationError{Field: "longitude", Message: "must be between -180 and 180"}
	}

	occurredAt, err := ValidateTimeString(SanitizeString(req.OccurredAt))
	if err != nil {
		return models.GeofenceEvent{}, &ValidationError{Field: "occurred_at", Message: "must be a valid RFC3339 timestamp"}
	}

	return models.GeofenceEvent{
		EventID:    eventID,
		UserID:     req.UserID,
		GeofenceID: req.GeofenceID,
		Type:       eventType,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		OccurredAt: occurredAt,
	}, nil
}

func validateEventType(s string) (models.EventType, error) {
	switch models.EventType(strings.ToLower(SanitizeString(s))) {
	case models.EventEntry:
		return models.EventEntry, nil
	case models.EventExit:
		return models.EventExit, nil
	case models.EventDwell:
		return models.EventDwell, nil
	default:
		return "", &ValidationError{Field: "type", Message: "must be one of entry, exit, dwell"}
	}
}

// ValidateThrottleConfig checks an operator-submitted configuration before a
// new version is written.
func ValidateThrottleConfig(cfg models.ThrottleConfig) error {
	if cfg.MaxPerDay < 0 {
		return &ValidationError{Field: "max_per_day", Message: "must be non-negative"}
	}
	if cfg.MaxPerWeek < 0 {
		return &ValidationError{Field: "max_per_week", Message: "must be non-negative"}
	}
	if cfg.MaxPerWeek > 0 && cfg.MaxPerDay > 0 && cfg.MaxPerWeek < cfg.MaxPerDay {
		return &ValidationError{Field: "max_per_week", Message: "cannot be lower than max_per_day"}
	}
	if cfg.MinIntervalMinutes < 0 {
		return &ValidationError{Field: "min_interval_minutes", Message: "must be non-negative"}
	}
	if cfg.BrandCooldownHours < 0 {
		return &ValidationError{Field: "brand_cooldown_hours", Message: "must be non-negative"}
	}
	if cfg.LocationCooldownHours < 0 {
		return &ValidationError{Field: "location_cooldown_hours", Message: "must be non-negative"}
	}
	if cfg.OfferCooldownHours < 0 {
		return &ValidationError{Field: "offer_cooldown_hours", Message: "must be non-negative"}
	}

	if cfg.QuietHoursEnabled {
		if err := validateClockTime(cfg.QuietHoursStart, "quiet_hours_start"); err != nil {
			return err
		}
		if err := validateClockTime(cfg.QuietHoursEnd, "quiet_hours_end"); err != nil {
			return err
		}
	}

	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return &ValidationError{Field: "timezone", Message: "must be a valid IANA timezone name"}
		}
	}

	return nil
}

func validateClockTime(s, field string) error {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return &ValidationError{Field: field, Message: "must be in HH:MM format"}
	}

	hh, mm := 0, 0
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return &ValidationError{Field: field, Message: "must be in HH:MM format"}
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return &ValidationError{Field: field, Message: "must be a valid time of day"}
	}
	return nil
}

// ValidateOffer checks an offer upsert.
func ValidateOffer(o models.Offer) error {
	if o.OfferID <= 0 {
		return &ValidationError{Field: "offer_id", Message: "must be positive"}
	}
	if o.BrandID <= 0 {
		return &ValidationError{Field: "brand_id", Message: "must be positive"}
	}
	if o.Value < 0 {
		return &ValidationError{Field: "value", Message: "must be non-negative"}
	}
	if o.ClaimsCount < 0 {
		return &ValidationError{Field: "claims_count", Message: "must be non-negative"}
	}
	if o.EndDate.IsZero() {
		return &ValidationError{Field: "end_date", Message: "is required"}
	}
	return nil
}

// ValidateBrand checks a brand upsert.
func ValidateBrand(b models.Brand) error {
	if b.BrandID <= 0 {
		return &ValidationError{Field: "brand_id", Message: "must be positive"}
	}
	if SanitizeString(b.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if len(b.CategoryIDs) > 100 {
		return &ValidationError{Field: "category_ids", Message: "cannot contain more than 100 categories"}
	}
	return nil
}

// ValidateProfile checks a user profile upsert.
func ValidateProfile(p models.UserNotificationProfile) error {
	if p.UserID <= 0 {
		return &ValidationError{Field: "user_id", Message: "must be positive"}
	}
	if len(p.Interests) > 100 {
		return &ValidationError{Field: "interests", Message: "cannot contain more than 100 categories"}
	}
	return nil
}

// ValidateGeofence checks a geofence mapping upsert.
func ValidateGeofence(t models.GeofenceTarget) error {
	if t.GeofenceID <= 0 {
		return &ValidationError{Field: "geofence_id", Message: "must be positive"}
	}
	if t.BrandID < 0 || t.LocationID < 0 || t.BranchID < 0 {
		return &ValidationError{Field: "brand_id", Message: "ids must be non-negative"}
	}
	return nil
}

// SanitizeString strips control characters and surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateTimeString parses an RFC3339 timestamp.
func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{Field: "time", Message: "is required"}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "time", Message: "must be a valid RFC3339 timestamp"}
	}

	return t, nil
}
