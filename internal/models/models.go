package models

import "time"

// EventType is the geofence transition type reported by the provider.
type EventType string

const (
	EventEntry EventType = "entry"
	EventExit  EventType = "exit"
	EventDwell EventType = "dwell"
)

// GeofenceEvent is a single geofence transition delivered by the provider.
// EventID is provider-supplied, globally unique, and acts as the idempotency key.
type GeofenceEvent struct {
	EventID    string    `json:"event_id"`
	UserID     int64     `json:"user_id"`
	GeofenceID int64     `json:"geofence_id"`
	Type       EventType `json:"type"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	OccurredAt time.Time `json:"occurred_at"` // RFC3339 timestamp
}

// GeofenceTarget is the resolved association of a geofence to a brand and
// location. BrandID is 0 when the geofence could not be tied to a brand
// (e.g. a mall-level fence with no branch attached).
type GeofenceTarget struct {
	GeofenceID int64 `json:"geofence_id"`
	BrandID    int64 `json:"brand_id"`
	LocationID int64 `json:"location_id"`
	BranchID   int64 `json:"branch_id,omitempty"`
}

// UserNotificationProfile is a read-only snapshot of the user's notification
// preferences, fetched once per evaluation.
type UserNotificationProfile struct {
	UserID               int64   `json:"user_id"`
	Interests            []int64 `json:"interests"` // category ids
	NotificationsEnabled bool    `json:"notifications_enabled"`
	PushTokenPresent     bool    `json:"push_token_present"`
}

// Brand carries the category set used for interest matching.
type Brand struct {
	BrandID     int64   `json:"brand_id"`
	Name        string  `json:"name"`
	CategoryIDs []int64 `json:"category_ids"`
}

// Offer represents a brand offer as seen by the engine. Read-only.
type Offer struct {
	OfferID     int64     `json:"offer_id"`
	BrandID     int64     `json:"brand_id"`
	CategoryIDs []int64   `json:"category_ids"`
	Value       float64   `json:"value"` // e.g. percent off
	EndDate     time.Time `json:"end_date"`
	ClaimsCount int64     `json:"claims_count"`
	IsActive    bool      `json:"is_active"`
}

// ThrottleConfig is the operator-editable, versioned configuration read by
// every evaluation.
type ThrottleConfig struct {
	Version               int64  `json:"version,omitempty"`
	MaxPerDay             int    `json:"max_per_day"`
	MaxPerWeek            int    `json:"max_per_week"`
	MinIntervalMinutes    int    `json:"min_interval_minutes"`
	BrandCooldownHours    int    `json:"brand_cooldown_hours"`
	LocationCooldownHours int    `json:"location_cooldown_hours"`
	OfferCooldownHours    int    `json:"offer_cooldown_hours"`
	QuietHoursEnabled     bool   `json:"quiet_hours_enabled"`
	QuietHoursStart       string `json:"quiet_hours_start"` // "HH:MM"
	QuietHoursEnd         string `json:"quiet_hours_end"`   // "HH:MM"
	Timezone              string `json:"timezone"`          // IANA name, e.g. "Asia/Dubai"
}

// ThrottleCounters is a read-only view of a user's current throttle state,
// exposed by the diagnostic endpoint.
type ThrottleCounters struct {
	UserID          int64      `json:"user_id"`
	SendsToday      int        `json:"sends_today"`
	DayWindowStart  time.Time  `json:"day_window_start"`
	SendsThisWeek   int        `json:"sends_this_week"`
	WeekWindowStart time.Time  `json:"week_window_start"`
	LastSendAt      *time.Time `json:"last_send_at,omitempty"`
}

// NotificationRecord is one row of the append-only notification log. A record
// is written for every evaluated event regardless of verdict, so denied and
// failed attempts stay auditable.
type NotificationRecord struct {
	ID            int64     `json:"id"`
	RecordUID     string    `json:"record_uid"`
	UserID        int64     `json:"user_id"`
	BrandID       int64     `json:"brand_id"`
	OfferID       int64     `json:"offer_id,omitempty"`
	LocationID    int64     `json:"location_id,omitempty"`
	EventType     EventType `json:"event_type"`
	VerdictReason string    `json:"verdict_reason"`
	Dispatched    bool      `json:"dispatched"`
	CreatedAt     time.Time `json:"created_at"`
}

// WebhookEventRequest is the inbound payload from the geofencing provider.
type WebhookEventRequest struct {
	EventID    string  `json:"event_id"`
	UserID     int64   `json:"user_id"`
	GeofenceID int64   `json:"geofence_id"`
	Type       string  `json:"type"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	OccurredAt string  `json:"occurred_at"`
}

// SimulateRequest drives the admin "simulate" tool. A synthetic entry event
// is generated for the given user and geofence.
type SimulateRequest struct {
	UserID     int64 `json:"user_id"`
	GeofenceID int64 `json:"geofence_id"`
	DryRun     bool  `json:"dry_run"`
}

// VerdictResponse is the wire form of an evaluation verdict.
type VerdictResponse struct {
	Eligible   bool   `json:"eligible"`
	Reason     string `json:"reason,omitempty"`
	OfferID    int64  `json:"offer_id,omitempty"`
	Dispatched bool   `json:"dispatched"`
}

// EligibilityReport is the diagnostic view for (user, brand): current
// counters, quiet-hours state, interest overlap, and the reason the next
// entry event would or would not notify. Computed without consuming an event.
type EligibilityReport struct {
	UserID            int64            `json:"user_id"`
	BrandID           int64            `json:"brand_id"`
	WouldNotify       bool             `json:"would_notify"`
	NextEntryReason   string           `json:"next_entry_reason,omitempty"`
	Counters          ThrottleCounters `json:"counters"`
	QuietNow          bool             `json:"quiet_now"`
	MatchedCategories []int64          `json:"matched_categories"`
	CandidateOfferID  int64            `json:"candidate_offer_id,omitempty"`
}

// NotificationLogResponse lists recent notification records for a user.
// DispatchedCount is the all-time total of dispatched notifications, which
// may exceed len(Records) once the list is truncated.
type NotificationLogResponse struct {
	UserID          int64                `json:"user_id"`
	DispatchedCount int                  `json:"dispatched_count"`
	Records         []NotificationRecord `json:"records"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
