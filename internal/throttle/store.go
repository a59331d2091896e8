// Package throttle implements the durable per-user send counters, cooldown
// stamps, and event dedup set behind the eligibility guard chain. All
// stateful operations are atomic per user: a striped mutex serializes every
// read-then-write against a user's state, so two concurrent entry events can
// never both claim the last daily slot.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"geofence-notification-engine/internal/database"
	"geofence-notification-engine/internal/eligibility"
	"geofence-notification-engine/internal/models"
)

const (
	// dedupTTL bounds the processed-event-id set. The provider does not
	// retry events older than this.
	dedupTTL = 7 * 24 * time.Hour

	dedupKeyPrefix = "geofence:event:"
	lockStripes    = 256
)

// Store implements eligibility.ThrottleStore and eligibility.RecordSink on
// top of sqlite, with an optional Redis fast path for event dedup.
type Store struct {
	db    *database.DB
	redis *redis.Client // nil when Redis dedup is disabled

	locks [lockStripes]sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]*reservation

	cleanupTick *time.Ticker
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// reservation remembers the stamps TryReserveSend overwrote so ReleaseSend
// can put them back after a failed dispatch.
type reservation struct {
	priorLastSend *time.Time
	cooldowns     []cooldownStamp
}

// cooldownStamp carries one stamped scope and the value it held before the
// reservation. A nil prior means the scope had no stamp at all.
type cooldownStamp struct {
	scope string
	id    int64
	prior *time.Time
}

// NewStore creates a throttle store. rdb may be nil; dedup then relies on the
// sqlite processed_events table alone.
func NewStore(db *database.DB, rdb *redis.Client) *Store {
	s := &Store{
		db:          db,
		redis:       rdb,
		pending:     make(map[int64]*reservation),
		cleanupTick: time.NewTicker(time.Hour),
		stopCleanup: make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// cleanup periodically prunes expired processed-event ids so the dedup set
// stays bounded.
func (s *Store) cleanup() {
	for {
		select {
		case <-s.cleanupTick.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, _ = s.db.PruneProcessedEvents(ctx, time.Now().Add(-dedupTTL))
			cancel()
		case <-s.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		s.cleanupTick.Stop()
		close(s.stopCleanup)
	})
}

func (s *Store) userLock(userID int64) *sync.Mutex {
	return &s.locks[uint64(userID)%lockStripes]
}

// MarkEventProcessed atomically records an event id, reporting whether this
// call was the first to see it. Redis (SETNX with TTL) answers duplicate
// checks without touching sqlite; sqlite remains the authoritative record.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	if s.redis != nil {
		ok, err := s.redis.SetNX(ctx, dedupKeyPrefix+eventID, 1, dedupTTL).Result()
		if err == nil {
			if !ok {
				return false, nil
			}
			// First sighting per Redis; fall through so sqlite keeps the
			// durable copy and settles races if Redis was flushed.
		}
		// On Redis error the sqlite insert below decides alone.
	}

	first, err := s.db.InsertProcessedEvent(ctx, eventID, time.Now())
	if err != nil {
		return false, err
	}
	return first, nil
}

// UnmarkEventProcessed removes an event id from the dedup set so a retry of
// the same event is not rejected as a duplicate. Called after an operational
// failure consumed the id without settling a verdict.
func (s *Store) UnmarkEventProcessed(ctx context.Context, eventID string) error {
	var redisErr error
	if s.redis != nil {
		if err := s.redis.Del(ctx, dedupKeyPrefix+eventID).Err(); err != nil {
			redisErr = fmt.Errorf("redis del %s: %w", eventID, err)
		}
	}
	if err := s.db.DeleteProcessedEvent(ctx, eventID); err != nil {
		return err
	}
	return redisErr
}

// TryReserveSend evaluates the daily/weekly limits, the minimum interval, and
// the brand/location/offer cooldowns in guard order. On success it increments
// the window counters and speculatively stamps last_send_at and the
// cooldowns, all under the user lock, so an overlapping event for the same
// user is throttled even before the first dispatch completes. The caller must
// follow up with CommitSend or ReleaseSend.
func (s *Store) TryReserveSend(ctx context.Context, userID, brandID, locationID, offerID int64, cfg models.ThrottleConfig, now time.Time) (eligibility.ReasonCode, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	st, err := s.loadState(ctx, userID, cfg, now)
	if err != nil {
		return "", err
	}

	if cfg.MaxPerDay > 0 && st.SendsToday >= cfg.MaxPerDay {
		return eligibility.ReasonDailyLimitExceeded, nil
	}
	if cfg.MaxPerWeek > 0 && st.SendsThisWeek >= cfg.MaxPerWeek {
		return eligibility.ReasonWeeklyLimitExceeded, nil
	}
	if cfg.MinIntervalMinutes > 0 && st.LastSendAt != nil {
		if now.Sub(*st.LastSendAt) < time.Duration(cfg.MinIntervalMinutes)*time.Minute {
			return eligibility.ReasonMinInterval, nil
		}
	}

	stamps, reason, err := s.checkCooldowns(ctx, userID, brandID, locationID, offerID, cfg, now)
	if err != nil {
		return "", err
	}
	if reason != eligibility.ReasonNone {
		return reason, nil
	}

	priorLast := st.LastSendAt
	sendAt := now
	st.SendsToday++
	st.SendsThisWeek++
	st.LastSendAt = &sendAt
	if err := s.db.PutThrottleState(ctx, *st); err != nil {
		return "", err
	}
	for _, c := range stamps {
		if err := s.db.UpsertCooldown(ctx, userID, c.scope, c.id, now); err != nil {
			return "", err
		}
	}

	s.pendingMu.Lock()
	s.pending[userID] = &reservation{priorLastSend: priorLast, cooldowns: stamps}
	s.pendingMu.Unlock()

	return eligibility.ReasonNone, nil
}

// CommitSend finalizes a reservation after a successful dispatch, moving the
// speculative last_send_at and cooldown stamps forward to the dispatch time.
func (s *Store) CommitSend(ctx context.Context, userID, brandID, locationID, offerID int64, now time.Time) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	st, err := s.db.GetThrottleState(ctx, userID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("commit without reservation for user %d", userID)
	}

	sendAt := now
	st.LastSendAt = &sendAt
	if err := s.db.PutThrottleState(ctx, *st); err != nil {
		return err
	}

	if brandID != 0 {
		if err := s.db.UpsertCooldown(ctx, userID, database.ScopeBrand, brandID, now); err != nil {
			return err
		}
	}
	if locationID != 0 {
		if err := s.db.UpsertCooldown(ctx, userID, database.ScopeLocation, locationID, now); err != nil {
			return err
		}
	}
	if offerID != 0 {
		if err := s.db.UpsertCooldown(ctx, userID, database.ScopeOffer, offerID, now); err != nil {
			return err
		}
	}

	s.pendingMu.Lock()
	delete(s.pending, userID)
	s.pendingMu.Unlock()

	return nil
}

// ReleaseSend rolls a reservation back after a failed dispatch: the counter
// increments are returned and the speculative last_send_at and cooldown
// stamps revert to their pre-reservation values. Counters floor at zero: if a
// window rolled over between reserve and release, there is nothing left to
// give back.
func (s *Store) ReleaseSend(ctx context.Context, userID int64, now time.Time) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	s.pendingMu.Lock()
	res := s.pending[userID]
	delete(s.pending, userID)
	s.pendingMu.Unlock()

	st, err := s.db.GetThrottleState(ctx, userID)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}

	if st.SendsToday > 0 {
		st.SendsToday--
	}
	if st.SendsThisWeek > 0 {
		st.SendsThisWeek--
	}
	if res != nil {
		st.LastSendAt = res.priorLastSend
	}
	if err := s.db.PutThrottleState(ctx, *st); err != nil {
		return err
	}

	if res != nil {
		for _, c := range res.cooldowns {
			if c.prior == nil {
				if err := s.db.DeleteCooldown(ctx, userID, c.scope, c.id); err != nil {
					return err
				}
				continue
			}
			if err := s.db.UpsertCooldown(ctx, userID, c.scope, c.id, *c.prior); err != nil {
				return err
			}
		}
	}

	return nil
}

// PeekThrottle evaluates the throttle guards read-only: it returns the counters as
// they would look after window rollover plus the first failing reason,
// without persisting anything.
func (s *Store) PeekThrottle(ctx context.Context, userID, brandID, locationID, offerID int64, cfg models.ThrottleConfig, now time.Time) (models.ThrottleCounters, eligibility.ReasonCode, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	st, err := s.db.GetThrottleState(ctx, userID)
	if err != nil {
		return models.ThrottleCounters{}, "", err
	}

	dayStart, weekStart, err := windowStarts(now, cfg.Timezone)
	if err != nil {
		return models.ThrottleCounters{}, "", err
	}

	view := database.ThrottleState{UserID: userID, DayWindowStart: dayStart, WeekWindowStart: weekStart}
	if st != nil {
		view = *st
		rollWindows(&view, dayStart, weekStart)
	}

	counters := models.ThrottleCounters{
		UserID:          userID,
		SendsToday:      view.SendsToday,
		DayWindowStart:  view.DayWindowStart,
		SendsThisWeek:   view.SendsThisWeek,
		WeekWindowStart: view.WeekWindowStart,
		LastSendAt:      view.LastSendAt,
	}

	if cfg.MaxPerDay > 0 && view.SendsToday >= cfg.MaxPerDay {
		return counters, eligibility.ReasonDailyLimitExceeded, nil
	}
	if cfg.MaxPerWeek > 0 && view.SendsThisWeek >= cfg.MaxPerWeek {
		return counters, eligibility.ReasonWeeklyLimitExceeded, nil
	}
	if cfg.MinIntervalMinutes > 0 && view.LastSendAt != nil {
		if now.Sub(*view.LastSendAt) < time.Duration(cfg.MinIntervalMinutes)*time.Minute {
			return counters, eligibility.ReasonMinInterval, nil
		}
	}

	_, reason, err := s.checkCooldowns(ctx, userID, brandID, locationID, offerID, cfg, now)
	if err != nil {
		return counters, "", err
	}
	return counters, reason, nil
}

// Append implements eligibility.RecordSink.
func (s *Store) Append(ctx context.Context, rec models.NotificationRecord) error {
	return s.db.InsertNotificationRecord(ctx, rec)
}

// loadState fetches the user's counter row, creating it lazily on first use,
// and rolls the daily/weekly windows forward if now has crossed a boundary.
// Caller must hold the user lock.
func (s *Store) loadState(ctx context.Context, userID int64, cfg models.ThrottleConfig, now time.Time) (*database.ThrottleState, error) {
	dayStart, weekStart, err := windowStarts(now, cfg.Timezone)
	if err != nil {
		return nil, err
	}

	st, err := s.db.GetThrottleState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &database.ThrottleState{
			UserID:          userID,
			DayWindowStart:  dayStart,
			WeekWindowStart: weekStart,
		}, nil
	}

	rollWindows(st, dayStart, weekStart)
	return st, nil
}

func rollWindows(st *database.ThrottleState, dayStart, weekStart time.Time) {
	if st.DayWindowStart.Before(dayStart) {
		st.SendsToday = 0
		st.DayWindowStart = dayStart
	}
	if st.WeekWindowStart.Before(weekStart) {
		st.SendsThisWeek = 0
		st.WeekWindowStart = weekStart
	}
}

// checkCooldowns runs the per-scope cooldown guards in order. On pass it also
// returns the prior stamp of every scope present on the event, so a reserving
// caller can stamp them and still restore the old values on release.
func (s *Store) checkCooldowns(ctx context.Context, userID, brandID, locationID, offerID int64, cfg models.ThrottleConfig, now time.Time) ([]cooldownStamp, eligibility.ReasonCode, error) {
	type check struct {
		scope  string
		id     int64
		hours  int
		reason eligibility.ReasonCode
	}

	checks := []check{
		{database.ScopeBrand, brandID, cfg.BrandCooldownHours, eligibility.ReasonBrandCooldown},
		{database.ScopeLocation, locationID, cfg.LocationCooldownHours, eligibility.ReasonLocationCooldown},
		{database.ScopeOffer, offerID, cfg.OfferCooldownHours, eligibility.ReasonOfferCooldown},
	}

	stamps := make([]cooldownStamp, 0, len(checks))
	for _, c := range checks {
		if c.id == 0 {
			continue
		}
		last, err := s.db.GetCooldown(ctx, userID, c.scope, c.id)
		if err != nil {
			return nil, "", err
		}
		if c.hours > 0 && last != nil && now.Sub(*last) < time.Duration(c.hours)*time.Hour {
			return nil, c.reason, nil
		}
		stamps = append(stamps, cooldownStamp{scope: c.scope, id: c.id, prior: last})
	}

	return stamps, eligibility.ReasonNone, nil
}

// windowStarts computes the start of the current local calendar day and the
// current ISO week (Monday 00:00) in the configured timezone.
func windowStarts(now time.Time, timezone string) (time.Time, time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}

	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	// ISO weeks start on Monday; Go's Sunday is 0.
	weekday := int(local.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	weekStart := dayStart.AddDate(0, 0, -(weekday - 1))

	return dayStart, weekStart, nil
}
