package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"geofence-notification-engine/internal/models"
)

// Operational errors. These are failures of the system itself, escalated to
// the caller, as opposed to verdict reasons which are expected outcomes.
var (
	// ErrStoreUnavailable means throttle state could not be safely checked or
	// updated. The evaluator fails closed: no notification is sent and the
	// caller should retry the event.
	ErrStoreUnavailable = errors.New("throttle store unavailable")

	// ErrDispatchFailed means the dispatcher errored or timed out. The event
	// is consumed (dedup holds) but no quota was charged.
	ErrDispatchFailed = errors.New("notification dispatch failed")
)

// Clock abstracts "now" so window-boundary and quiet-hours logic is
// deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ThrottleStore is the stateful collaborator behind the dedup guard and the
// limit, interval and cooldown guards. Implementations must make each method
// atomic per user (per event id for MarkEventProcessed); see internal/throttle.
type ThrottleStore interface {
	// MarkEventProcessed atomically records the event id and reports whether
	// this call was the first to see it.
	MarkEventProcessed(ctx context.Context, eventID string) (first bool, err error)

	// UnmarkEventProcessed removes the event id from the dedup set, undoing a
	// MarkEventProcessed whose evaluation failed before a verdict was settled.
	UnmarkEventProcessed(ctx context.Context, eventID string) error

	// TryReserveSend checks limits, min interval and cooldowns, and on
	// success speculatively increments the daily/weekly counters. A non-empty
	// reason means the reservation was denied and no state changed.
	TryReserveSend(ctx context.Context, userID, brandID, locationID, offerID int64, cfg models.ThrottleConfig, now time.Time) (ReasonCode, error)

	// CommitSend finalizes a reservation after a successful dispatch: stamps
	// last_send_at and the brand/location/offer cooldowns.
	CommitSend(ctx context.Context, userID, brandID, locationID, offerID int64, now time.Time) error

	// ReleaseSend rolls back a reservation after a failed dispatch, returning
	// the speculative counter increments.
	ReleaseSend(ctx context.Context, userID int64, now time.Time) error

	// PeekThrottle evaluates the throttle guards read-only and returns the current
	// counters plus the first failing reason, without mutating anything.
	PeekThrottle(ctx context.Context, userID, brandID, locationID, offerID int64, cfg models.ThrottleConfig, now time.Time) (models.ThrottleCounters, ReasonCode, error)
}

// Dispatcher hands a decided notification to the push transport.
type Dispatcher interface {
	Send(ctx context.Context, userID int64, offer models.Offer) error
}

// RecordSink appends rows to the notification log.
type RecordSink interface {
	Append(ctx context.Context, rec models.NotificationRecord) error
}

// Input carries one geofence event plus the read-only snapshots the caller
// fetched for it. The evaluator itself performs no reference-data I/O.
type Input struct {
	Event           models.GeofenceEvent
	Target          models.GeofenceTarget
	Profile         *models.UserNotificationProfile // nil when the user was not found
	BrandCategories []int64
	Offers          []models.Offer
	Config          models.ThrottleConfig
}

// Evaluator runs the ordered guard chain for geofence entry events.
type Evaluator struct {
	store      ThrottleStore
	dispatcher Dispatcher
	records    RecordSink
	clock      Clock
	criterion  RankCriterion
}

// NewEvaluator creates an evaluator. A nil clock defaults to the system clock.
func NewEvaluator(store ThrottleStore, dispatcher Dispatcher, records RecordSink, clock Clock) *Evaluator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Evaluator{
		store:      store,
		dispatcher: dispatcher,
		records:    records,
		clock:      clock,
		criterion:  RankHighestValue,
	}
}

// Evaluate decides whether the event should produce a push notification,
// dispatches it if so, and records the outcome. Guards short-circuit in
// order: the first failing guard's reason is returned and later guards are
// never evaluated. Exactly one NotificationRecord is appended per consumed
// event; duplicate deliveries of an already-consumed event id return a
// neutral verdict with no record.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	ctx, span := otel.Tracer("eligibility").Start(ctx, "Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", in.Event.EventID),
		attribute.Int64("event.user_id", in.Event.UserID),
		attribute.Int64("event.geofence_id", in.Event.GeofenceID),
	)

	now := e.clock.Now()

	// Dedup first. Check-and-mark is a single atomic step so that two
	// concurrent deliveries of the same event id elect exactly one winner.
	first, err := e.store.MarkEventProcessed(ctx, in.Event.EventID)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: mark event processed: %v", ErrStoreUnavailable, err)
	}
	if !first {
		return Verdict{Reason: ReasonAlreadyProcessed}, nil
	}

	if reason := e.snapshotGuards(in); reason != ReasonNone {
		v := Verdict{Reason: reason}
		return v, e.record(ctx, in, v, now)
	}

	offer := SelectBestOffer(in.Offers, e.criterion, now)
	if offer == nil {
		reason := ReasonNoMatchingOffer
		if len(in.Offers) == 0 {
			reason = ReasonNoMatchingOffers
		}
		v := Verdict{Reason: reason}
		return v, e.record(ctx, in, v, now)
	}

	quiet, err := IsQuiet(now, in.Config)
	if err != nil {
		return Verdict{}, e.unconsume(ctx, in.Event.EventID, fmt.Errorf("evaluate quiet hours: %w", err))
	}
	if quiet {
		v := Verdict{Reason: ReasonQuietHours}
		return v, e.record(ctx, in, v, now)
	}

	// Limits, interval and cooldowns: single atomic reserve against the
	// user's throttle state.
	reason, err := e.store.TryReserveSend(ctx, in.Event.UserID, in.Target.BrandID, in.Target.LocationID, offer.OfferID, in.Config, now)
	if err != nil {
		return Verdict{}, e.unconsume(ctx, in.Event.EventID, fmt.Errorf("%w: reserve send: %v", ErrStoreUnavailable, err))
	}
	if reason != ReasonNone {
		v := Verdict{Reason: reason}
		return v, e.record(ctx, in, v, now)
	}

	// Dispatch happens outside any user lock. A failure or timeout releases
	// the reservation so the user's quota is not charged.
	if err := e.dispatcher.Send(ctx, in.Event.UserID, *offer); err != nil {
		if relErr := e.store.ReleaseSend(ctx, in.Event.UserID, now); relErr != nil {
			err = errors.Join(err, fmt.Errorf("release reservation: %w", relErr))
		}
		v := Verdict{Reason: ReasonSendFailed, OfferID: offer.OfferID}
		if recErr := e.record(ctx, in, v, now); recErr != nil {
			err = errors.Join(err, recErr)
		}
		return v, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	if err := e.store.CommitSend(ctx, in.Event.UserID, in.Target.BrandID, in.Target.LocationID, offer.OfferID, now); err != nil {
		// The push is already out; log the dispatch and keep the verdict
		// truthful about what the user received, then surface the store
		// failure.
		v := Verdict{Eligible: true, OfferID: offer.OfferID, Dispatched: true}
		err = fmt.Errorf("%w: commit send: %v", ErrStoreUnavailable, err)
		if recErr := e.record(ctx, in, v, now); recErr != nil {
			err = errors.Join(err, recErr)
		}
		return v, err
	}

	v := Verdict{Eligible: true, OfferID: offer.OfferID, Dispatched: true}
	return v, e.record(ctx, in, v, now)
}

// snapshotGuards runs the guards that only read caller-provided snapshots.
func (e *Evaluator) snapshotGuards(in Input) ReasonCode {
	if in.Event.Type != models.EventEntry {
		return ReasonNotAnEntryEvent
	}
	if in.Event.UserID == 0 {
		return ReasonNoUserID
	}
	if in.Target.BrandID == 0 {
		return ReasonNoBrandIdentified
	}
	if in.Profile == nil {
		return ReasonUserNotFound
	}
	if !in.Profile.NotificationsEnabled {
		return ReasonNotificationsDisabled
	}
	if !InterestsMatch(in.Profile.Interests, in.BrandCategories) {
		return ReasonNoInterestMatch
	}
	return ReasonNone
}

// unconsume gives the event id back after an operational failure so the
// provider's retry of the same event runs the chain again instead of hitting
// the dedup guard.
func (e *Evaluator) unconsume(ctx context.Context, eventID string, cause error) error {
	if err := e.store.UnmarkEventProcessed(ctx, eventID); err != nil {
		return errors.Join(cause, fmt.Errorf("unmark event: %w", err))
	}
	return cause
}

func (e *Evaluator) record(ctx context.Context, in Input, v Verdict, now time.Time) error {
	rec := models.NotificationRecord{
		UserID:        in.Event.UserID,
		BrandID:       in.Target.BrandID,
		OfferID:       v.OfferID,
		LocationID:    in.Target.LocationID,
		EventType:     in.Event.Type,
		VerdictReason: string(v.Reason),
		Dispatched:    v.Dispatched,
		CreatedAt:     now,
	}
	if err := e.records.Append(ctx, rec); err != nil {
		return fmt.Errorf("append notification record: %w", err)
	}
	return nil
}

// Inspect runs the guard chain read-only for (user, brand) diagnostics. It
// consumes no event and mutates nothing; the returned report explains what
// the next entry event would do against current state.
func (e *Evaluator) Inspect(ctx context.Context, userID int64, target models.GeofenceTarget, profile *models.UserNotificationProfile, brandCategories []int64, offers []models.Offer, cfg models.ThrottleConfig) (models.EligibilityReport, error) {
	now := e.clock.Now()

	report := models.EligibilityReport{
		UserID:            userID,
		BrandID:           target.BrandID,
		MatchedCategories: MatchedCategories(profileInterests(profile), brandCategories),
	}

	quiet, err := IsQuiet(now, cfg)
	if err != nil {
		return report, fmt.Errorf("evaluate quiet hours: %w", err)
	}
	report.QuietNow = quiet

	var candidateOffer int64
	if offer := SelectBestOffer(offers, e.criterion, now); offer != nil {
		candidateOffer = offer.OfferID
		report.CandidateOfferID = offer.OfferID
	}

	counters, throttleReason, err := e.store.PeekThrottle(ctx, userID, target.BrandID, target.LocationID, candidateOffer, cfg, now)
	if err != nil {
		return report, fmt.Errorf("%w: peek throttle: %v", ErrStoreUnavailable, err)
	}
	report.Counters = counters

	reason := e.snapshotGuards(Input{
		Event:           models.GeofenceEvent{Type: models.EventEntry, UserID: userID},
		Target:          target,
		Profile:         profile,
		BrandCategories: brandCategories,
	})
	switch {
	case reason != ReasonNone:
	case candidateOffer == 0 && len(offers) == 0:
		reason = ReasonNoMatchingOffers
	case candidateOffer == 0:
		reason = ReasonNoMatchingOffer
	case quiet:
		reason = ReasonQuietHours
	default:
		reason = throttleReason
	}

	report.NextEntryReason = string(reason)
	report.WouldNotify = reason == ReasonNone
	return report, nil
}

func profileInterests(p *models.UserNotificationProfile) []int64 {
	if p == nil {
		return nil
	}
	return p.Interests
}
