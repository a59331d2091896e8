package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"geofence-notification-engine/internal/models"
)

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// ThrottleState is the persisted per-user counter row. The throttle package
// owns all mutation discipline; this type is plain storage.
type ThrottleState struct {
	UserID          int64
	SendsToday      int
	DayWindowStart  time.Time
	SendsThisWeek   int
	WeekWindowStart time.Time
	LastSendAt      *time.Time
}

// Cooldown scopes for the cooldowns table.
const (
	ScopeBrand    = "brand"
	ScopeLocation = "location"
	ScopeOffer    = "offer"
)

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id INTEGER PRIMARY KEY,
			interests TEXT NOT NULL,
			notifications_enabled INTEGER NOT NULL,
			push_token_present INTEGER NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS brands (
			brand_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			category_ids TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS geofences (
			geofence_id INTEGER PRIMARY KEY,
			brand_id INTEGER NOT NULL DEFAULT 0,
			location_id INTEGER NOT NULL DEFAULT 0,
			branch_id INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS offers (
			offer_id INTEGER PRIMARY KEY,
			brand_id INTEGER NOT NULL,
			category_ids TEXT NOT NULL,
			value REAL NOT NULL,
			end_date TEXT NOT NULL,
			claims_count INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_brand ON offers(brand_id)`,
		`CREATE TABLE IF NOT EXISTS throttle_state (
			user_id INTEGER PRIMARY KEY,
			sends_today INTEGER NOT NULL DEFAULT 0,
			day_window_start TEXT NOT NULL,
			sends_this_week INTEGER NOT NULL DEFAULT 0,
			week_window_start TEXT NOT NULL,
			last_send_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
			user_id INTEGER NOT NULL,
			scope TEXT NOT NULL,
			scope_id INTEGER NOT NULL,
			last_sent_at TEXT NOT NULL,
			PRIMARY KEY (user_id, scope, scope_id)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			processed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_events(processed_at)`,
		`CREATE TABLE IF NOT EXISTS notification_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			record_uid TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			brand_id INTEGER NOT NULL,
			offer_id INTEGER NOT NULL DEFAULT 0,
			location_id INTEGER NOT NULL DEFAULT 0,
			event_type TEXT NOT NULL,
			verdict_reason TEXT NOT NULL,
			dispatched INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_user_created ON notification_records(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_records_brand_created ON notification_records(brand_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS throttle_config (
			version INTEGER PRIMARY KEY AUTOINCREMENT,
			max_per_day INTEGER NOT NULL,
			max_per_week INTEGER NOT NULL,
			min_interval_minutes INTEGER NOT NULL,
			brand_cooldown_hours INTEGER NOT NULL,
			location_cooldown_hours INTEGER NOT NULL,
			offer_cooldown_hours INTEGER NOT NULL,
			quiet_hours_enabled INTEGER NOT NULL,
			quiet_hours_start TEXT NOT NULL,
			quiet_hours_end TEXT NOT NULL,
			timezone TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// UpsertUserProfile creates or updates a user notification profile.
func (db *DB) UpsertUserProfile(ctx context.Context, p models.UserNotificationProfile) error {
	query := `INSERT INTO user_profiles (user_id, interests, notifications_enabled, push_token_present, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			interests = excluded.interests,
			notifications_enabled = excluded.notifications_enabled,
			push_token_present = excluded.push_token_present,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		p.UserID,
		serializeIDs(p.Interests),
		p.NotificationsEnabled,
		p.PushTokenPresent,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

// GetUserProfile returns the profile for a user, or nil if none exists.
func (db *DB) GetUserProfile(ctx context.Context, userID int64) (*models.UserNotificationProfile, error) {
	var p models.UserNotificationProfile
	var interests string

	err := db.conn.QueryRowContext(ctx,
		`SELECT user_id, interests, notifications_enabled, push_token_present
		 FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &interests, &p.NotificationsEnabled, &p.PushTokenPresent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}

	p.Interests = deserializeIDs(interests)
	return &p, nil
}

// UpsertBrand creates or updates a brand.
func (db *DB) UpsertBrand(ctx context.Context, b models.Brand) error {
	query := `INSERT INTO brands (brand_id, name, category_ids, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(brand_id) DO UPDATE SET
			name = excluded.name,
			category_ids = excluded.category_ids,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		b.BrandID, b.Name, serializeIDs(b.CategoryIDs),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert brand: %w", err)
	}
	return nil
}

// GetBrand returns a brand by id, or nil if it does not exist.
func (db *DB) GetBrand(ctx context.Context, brandID int64) (*models.Brand, error) {
	var b models.Brand
	var categories string

	err := db.conn.QueryRowContext(ctx,
		`SELECT brand_id, name, category_ids FROM brands WHERE brand_id = ?`, brandID,
	).Scan(&b.BrandID, &b.Name, &categories)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get brand: %w", err)
	}

	b.CategoryIDs = deserializeIDs(categories)
	return &b, nil
}

// UpsertGeofence creates or updates a geofence-to-target mapping.
func (db *DB) UpsertGeofence(ctx context.Context, t models.GeofenceTarget) error {
	query := `INSERT INTO geofences (geofence_id, brand_id, location_id, branch_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(geofence_id) DO UPDATE SET
			brand_id = excluded.brand_id,
			location_id = excluded.location_id,
			branch_id = excluded.branch_id,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		t.GeofenceID, t.BrandID, t.LocationID, t.BranchID,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert geofence: %w", err)
	}
	return nil
}

// GetGeofence returns the resolved target for a geofence, or nil if the
// geofence is unknown.
func (db *DB) GetGeofence(ctx context.Context, geofenceID int64) (*models.GeofenceTarget, error) {
	var t models.GeofenceTarget

	err := db.conn.QueryRowContext(ctx,
		`SELECT geofence_id, brand_id, location_id, branch_id FROM geofences WHERE geofence_id = ?`,
		geofenceID,
	).Scan(&t.GeofenceID, &t.BrandID, &t.LocationID, &t.BranchID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get geofence: %w", err)
	}

	return &t, nil
}

// UpsertOffer creates or updates an offer.
func (db *DB) UpsertOffer(ctx context.Context, o models.Offer) error {
	query := `INSERT INTO offers (offer_id, brand_id, category_ids, value, end_date, claims_count, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(offer_id) DO UPDATE SET
			brand_id = excluded.brand_id,
			category_ids = excluded.category_ids,
			value = excluded.value,
			end_date = excluded.end_date,
			claims_count = excluded.claims_count,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		o.OfferID, o.BrandID, serializeIDs(o.CategoryIDs), o.Value,
		o.EndDate.UTC().Format(time.RFC3339), o.ClaimsCount, o.IsActive,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert offer: %w", err)
	}
	return nil
}

// GetOffersByBrand returns all offers attached to a brand, active or not.
// Filtering for activity and expiry belongs to the eligibility layer.
func (db *DB) GetOffersByBrand(ctx context.Context, brandID int64) ([]models.Offer, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT offer_id, brand_id, category_ids, value, end_date, claims_count, is_active
		 FROM offers WHERE brand_id = ?`, brandID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		var o models.Offer
		var categories, endDate string

		if err := rows.Scan(&o.OfferID, &o.BrandID, &categories, &o.Value, &endDate, &o.ClaimsCount, &o.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}

		o.CategoryIDs = deserializeIDs(categories)
		o.EndDate, err = time.Parse(time.RFC3339, endDate)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end_date: %w", err)
		}

		offers = append(offers, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offers: %w", err)
	}

	return offers, nil
}

// GetThrottleState returns the counter row for a user, or nil if the user has
// never been throttled.
func (db *DB) GetThrottleState(ctx context.Context, userID int64) (*ThrottleState, error) {
	var st ThrottleState
	var dayStart, weekStart string
	var lastSend sql.NullString

	err := db.conn.QueryRowContext(ctx,
		`SELECT user_id, sends_today, day_window_start, sends_this_week, week_window_start, last_send_at
		 FROM throttle_state WHERE user_id = ?`, userID,
	).Scan(&st.UserID, &st.SendsToday, &dayStart, &st.SendsThisWeek, &weekStart, &lastSend)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get throttle state: %w", err)
	}

	if st.DayWindowStart, err = time.Parse(time.RFC3339, dayStart); err != nil {
		return nil, fmt.Errorf("failed to parse day_window_start: %w", err)
	}
	if st.WeekWindowStart, err = time.Parse(time.RFC3339, weekStart); err != nil {
		return nil, fmt.Errorf("failed to parse week_window_start: %w", err)
	}
	if lastSend.Valid {
		t, err := time.Parse(time.RFC3339, lastSend.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_send_at: %w", err)
		}
		st.LastSendAt = &t
	}

	return &st, nil
}

// PutThrottleState writes a user's counter row, creating it if needed.
func (db *DB) PutThrottleState(ctx context.Context, st ThrottleState) error {
	var lastSend interface{}
	if st.LastSendAt != nil {
		lastSend = st.LastSendAt.UTC().Format(time.RFC3339)
	}

	query := `INSERT INTO throttle_state (user_id, sends_today, day_window_start, sends_this_week, week_window_start, last_send_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			sends_today = excluded.sends_today,
			day_window_start = excluded.day_window_start,
			sends_this_week = excluded.sends_this_week,
			week_window_start = excluded.week_window_start,
			last_send_at = excluded.last_send_at`

	_, err := db.conn.ExecContext(ctx, query,
		st.UserID, st.SendsToday, st.DayWindowStart.UTC().Format(time.RFC3339),
		st.SendsThisWeek, st.WeekWindowStart.UTC().Format(time.RFC3339), lastSend,
	)
	if err != nil {
		return fmt.Errorf("failed to put throttle state: %w", err)
	}
	return nil
}

// GetCooldown returns the last-sent timestamp for (user, scope, id), or nil.
func (db *DB) GetCooldown(ctx context.Context, userID int64, scope string, scopeID int64) (*time.Time, error) {
	var lastSent string

	err := db.conn.QueryRowContext(ctx,
		`SELECT last_sent_at FROM cooldowns WHERE user_id = ? AND scope = ? AND scope_id = ?`,
		userID, scope, scopeID,
	).Scan(&lastSent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cooldown: %w", err)
	}

	t, err := time.Parse(time.RFC3339, lastSent)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cooldown timestamp: %w", err)
	}
	return &t, nil
}

// UpsertCooldown stamps the last-sent time for (user, scope, id).
func (db *DB) UpsertCooldown(ctx context.Context, userID int64, scope string, scopeID int64, at time.Time) error {
	query := `INSERT INTO cooldowns (user_id, scope, scope_id, last_sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, scope, scope_id) DO UPDATE SET last_sent_at = excluded.last_sent_at`

	_, err := db.conn.ExecContext(ctx, query, userID, scope, scopeID, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert cooldown: %w", err)
	}
	return nil
}

// DeleteCooldown removes the stamp for (user, scope, id).
func (db *DB) DeleteCooldown(ctx context.Context, userID int64, scope string, scopeID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM cooldowns WHERE user_id = ? AND scope = ? AND scope_id = ?`,
		userID, scope, scopeID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete cooldown: %w", err)
	}
	return nil
}

// InsertProcessedEvent records an event id and reports whether this call
// inserted it. INSERT OR IGNORE makes check-and-mark a single atomic step.
func (db *DB) InsertProcessedEvent(ctx context.Context, eventID string, at time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (event_id, processed_at) VALUES (?, ?)`,
		eventID, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert processed event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteProcessedEvent removes an event id from the dedup set.
func (db *DB) DeleteProcessedEvent(ctx context.Context, eventID string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM processed_events WHERE event_id = ?`, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete processed event: %w", err)
	}
	return nil
}

// PruneProcessedEvents deletes event ids processed before the cutoff.
func (db *DB) PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < ?`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	return res.RowsAffected()
}

// InsertNotificationRecord appends one row to the notification log. A record
// uid is generated when the caller did not supply one.
func (db *DB) InsertNotificationRecord(ctx context.Context, rec models.NotificationRecord) error {
	if rec.RecordUID == "" {
		rec.RecordUID = uuid.New().String()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO notification_records (record_uid, user_id, brand_id, offer_id, location_id, event_type, verdict_reason, dispatched, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RecordUID, rec.UserID, rec.BrandID, rec.OfferID, rec.LocationID,
		string(rec.EventType), rec.VerdictReason, rec.Dispatched,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification record: %w", err)
	}
	return nil
}

// ListNotificationRecords returns the most recent records for a user, newest
// first.
func (db *DB) ListNotificationRecords(ctx context.Context, userID int64, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, record_uid, user_id, brand_id, offer_id, location_id, event_type, verdict_reason, dispatched, created_at
		 FROM notification_records WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification records: %w", err)
	}
	defer rows.Close()

	var records []models.NotificationRecord
	for rows.Next() {
		var rec models.NotificationRecord
		var eventType, createdAt string

		if err := rows.Scan(&rec.ID, &rec.RecordUID, &rec.UserID, &rec.BrandID, &rec.OfferID,
			&rec.LocationID, &eventType, &rec.VerdictReason, &rec.Dispatched, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification record: %w", err)
		}

		rec.EventType = models.EventType(eventType)
		rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification records: %w", err)
	}

	return records, nil
}

// CountDispatchedRecords counts dispatched log rows for a user.
func (db *DB) CountDispatchedRecords(ctx context.Context, userID int64) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_records WHERE user_id = ? AND dispatched = 1`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dispatched records: %w", err)
	}
	return count, nil
}

// InsertThrottleConfig appends a new config version and returns it.
func (db *DB) InsertThrottleConfig(ctx context.Context, cfg models.ThrottleConfig) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO throttle_config (max_per_day, max_per_week, min_interval_minutes, brand_cooldown_hours,
			location_cooldown_hours, offer_cooldown_hours, quiet_hours_enabled, quiet_hours_start,
			quiet_hours_end, timezone, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.MaxPerDay, cfg.MaxPerWeek, cfg.MinIntervalMinutes, cfg.BrandCooldownHours,
		cfg.LocationCooldownHours, cfg.OfferCooldownHours, cfg.QuietHoursEnabled,
		cfg.QuietHoursStart, cfg.QuietHoursEnd, cfg.Timezone,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert throttle config: %w", err)
	}
	return res.LastInsertId()
}

// GetLatestThrottleConfig returns the newest config version, or nil when no
// config has been written yet.
func (db *DB) GetLatestThrottleConfig(ctx context.Context) (*models.ThrottleConfig, error) {
	var cfg models.ThrottleConfig

	err := db.conn.QueryRowContext(ctx,
		`SELECT version, max_per_day, max_per_week, min_interval_minutes, brand_cooldown_hours,
			location_cooldown_hours, offer_cooldown_hours, quiet_hours_enabled, quiet_hours_start,
			quiet_hours_end, timezone
		 FROM throttle_config ORDER BY version DESC LIMIT 1`,
	).Scan(&cfg.Version, &cfg.MaxPerDay, &cfg.MaxPerWeek, &cfg.MinIntervalMinutes,
		&cfg.BrandCooldownHours, &cfg.LocationCooldownHours, &cfg.OfferCooldownHours,
		&cfg.QuietHoursEnabled, &cfg.QuietHoursStart, &cfg.QuietHoursEnd, &cfg.Timezone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get throttle config: %w", err)
	}

	return &cfg, nil
}

// serializeIDs converts an id slice to a JSON string for storage.
func serializeIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// deserializeIDs converts a stored JSON string back to an id slice.
func deserializeIDs(serialized string) []int64 {
	if serialized == "" || serialized == "[]" {
		return nil
	}

	var result []int64
	if err := json.Unmarshal([]byte(serialized), &result); err != nil {
		return nil
	}
	return result
}
