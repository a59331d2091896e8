package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"geofence-notification-engine/internal/cache"
	"geofence-notification-engine/internal/database"
	"geofence-notification-engine/internal/eligibility"
	"geofence-notification-engine/internal/events"
	"geofence-notification-engine/internal/features"
	"geofence-notification-engine/internal/models"
	"geofence-notification-engine/internal/validation"
)

const snapshotTTL = 5 * time.Minute

// ErrConfigUnavailable means no throttle config could be loaded and no
// last-known-good version exists yet.
var ErrConfigUnavailable = errors.New("throttle config unavailable")

// Service wires snapshot loading, config versioning, and the eligibility
// evaluator together. The evaluator itself performs no I/O; this layer
// fetches every snapshot it needs per evaluation.
type Service struct {
	db        *database.DB
	cache     cache.Cache
	flags     *features.Manager
	events    *events.Manager
	evaluator *eligibility.Evaluator
	clock     eligibility.Clock

	mu            sync.RWMutex
	lastGoodCfg   *models.ThrottleConfig
	defaultConfig models.ThrottleConfig
}

// NewService creates a service instance.
func NewService(db *database.DB, c cache.Cache, flags *features.Manager, ev *events.Manager, evaluator *eligibility.Evaluator, clock eligibility.Clock, defaults models.ThrottleConfig) *Service {
	if clock == nil {
		clock = eligibility.SystemClock{}
	}
	return &Service{
		db:            db,
		cache:         c,
		flags:         flags,
		events:        ev,
		evaluator:     evaluator,
		clock:         clock,
		defaultConfig: defaults,
	}
}

// HandleEvent runs one geofence event through the full pipeline: resolve the
// geofence target, load snapshots, evaluate, and publish outcome events.
func (s *Service) HandleEvent(ctx context.Context, event models.GeofenceEvent) (eligibility.Verdict, error) {
	s.events.PublishReceived(ctx, event)

	target := models.GeofenceTarget{GeofenceID: event.GeofenceID}
	if resolved, err := s.loadGeofence(ctx, event.GeofenceID); err != nil {
		return eligibility.Verdict{}, fmt.Errorf("resolve geofence %d: %w", event.GeofenceID, err)
	} else if resolved != nil {
		target = *resolved
	}

	in, err := s.buildInput(ctx, event, target)
	if err != nil {
		return eligibility.Verdict{}, err
	}

	verdict, err := s.evaluator.Evaluate(ctx, in)
	if verdict.Reason != eligibility.ReasonAlreadyProcessed {
		s.events.PublishEvaluated(ctx, event.UserID, target.BrandID, string(verdict.Reason))
	}
	if verdict.Dispatched {
		s.events.PublishDispatched(ctx, event.UserID, target.BrandID, verdict.OfferID)
	}

	return verdict, err
}

// Simulate synthesizes an entry event for the admin simulate tool and runs it
// through the real pipeline. With DryRun set, the guard chain is walked
// read-only instead: no event is consumed and no state changes.
func (s *Service) Simulate(ctx context.Context, req models.SimulateRequest) (models.VerdictResponse, error) {
	if req.DryRun {
		target := models.GeofenceTarget{GeofenceID: req.GeofenceID}
		if resolved, err := s.loadGeofence(ctx, req.GeofenceID); err != nil {
			return models.VerdictResponse{}, err
		} else if resolved != nil {
			target = *resolved
		}

		report, err := s.inspectTarget(ctx, req.UserID, target)
		if err != nil {
			return models.VerdictResponse{}, err
		}
		return models.VerdictResponse{
			Eligible: report.WouldNotify,
			Reason:   report.NextEntryReason,
			OfferID:  report.CandidateOfferID,
		}, nil
	}

	event := models.GeofenceEvent{
		EventID:    "sim-" + uuid.New().String(),
		UserID:     req.UserID,
		GeofenceID: req.GeofenceID,
		Type:       models.EventEntry,
		OccurredAt: s.clock.Now(),
	}

	verdict, err := s.HandleEvent(ctx, event)
	return models.VerdictResponse{
		Eligible:   verdict.Eligible,
		Reason:     string(verdict.Reason),
		OfferID:    verdict.OfferID,
		Dispatched: verdict.Dispatched,
	}, err
}

// Inspect answers the read-only diagnostic question for (user, brand):
// current counters, quiet-hours state, interest overlap, and what the next
// entry event would do. Nothing is consumed or mutated.
func (s *Service) Inspect(ctx context.Context, userID, brandID int64) (models.EligibilityReport, error) {
	return s.inspectTarget(ctx, userID, models.GeofenceTarget{BrandID: brandID})
}

func (s *Service) inspectTarget(ctx context.Context, userID int64, target models.GeofenceTarget) (models.EligibilityReport, error) {
	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return models.EligibilityReport{}, err
	}

	var brandCategories []int64
	var offers []models.Offer
	if target.BrandID != 0 {
		brand, err := s.loadBrand(ctx, target.BrandID)
		if err != nil {
			return models.EligibilityReport{}, err
		}
		if brand != nil {
			brandCategories = brand.CategoryIDs
		}

		offers, err = s.loadOffers(ctx, target.BrandID)
		if err != nil {
			return models.EligibilityReport{}, err
		}
	}

	cfg, err := s.CurrentConfig(ctx)
	if err != nil {
		return models.EligibilityReport{}, err
	}

	return s.evaluator.Inspect(ctx, userID, target, profile, brandCategories, offers, cfg)
}

func (s *Service) buildInput(ctx context.Context, event models.GeofenceEvent, target models.GeofenceTarget) (eligibility.Input, error) {
	in := eligibility.Input{Event: event, Target: target}

	profile, err := s.loadProfile(ctx, event.UserID)
	if err != nil {
		return in, err
	}
	in.Profile = profile

	if target.BrandID != 0 {
		brand, err := s.loadBrand(ctx, target.BrandID)
		if err != nil {
			return in, err
		}
		if brand != nil {
			in.BrandCategories = brand.CategoryIDs
		}

		in.Offers, err = s.loadOffers(ctx, target.BrandID)
		if err != nil {
			return in, err
		}
	}

	in.Config, err = s.CurrentConfig(ctx)
	if err != nil {
		return in, err
	}

	return in, nil
}

// CurrentConfig returns the latest stored throttle config. When the store
// read fails, the last successfully loaded version is used instead of failing
// open with no limits; when no version was ever stored, operator defaults
// apply.
func (s *Service) CurrentConfig(ctx context.Context) (models.ThrottleConfig, error) {
	cfg, err := s.db.GetLatestThrottleConfig(ctx)
	if err != nil {
		s.mu.RLock()
		lastGood := s.lastGoodCfg
		s.mu.RUnlock()

		if lastGood != nil {
			return *lastGood, nil
		}
		return models.ThrottleConfig{}, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}

	if cfg == nil {
		return s.defaultConfig, nil
	}

	s.mu.Lock()
	s.lastGoodCfg = cfg
	s.mu.Unlock()

	return *cfg, nil
}

// UpdateConfig validates and stores a new config version. Evaluations pick up
// the new version on their next config load, never retroactively.
func (s *Service) UpdateConfig(ctx context.Context, cfg models.ThrottleConfig) (models.ThrottleConfig, error) {
	if err := validation.ValidateThrottleConfig(cfg); err != nil {
		return models.ThrottleConfig{}, err
	}

	version, err := s.db.InsertThrottleConfig(ctx, cfg)
	if err != nil {
		return models.ThrottleConfig{}, fmt.Errorf("store throttle config: %w", err)
	}
	cfg.Version = version

	s.mu.Lock()
	s.lastGoodCfg = &cfg
	s.mu.Unlock()

	s.events.PublishConfigUpdated(ctx, version)
	return cfg, nil
}

// UpsertProfile stores a user notification profile and drops its cached
// snapshot.
func (s *Service) UpsertProfile(ctx context.Context, p models.UserNotificationProfile) error {
	if err := validation.ValidateProfile(p); err != nil {
		return err
	}
	if err := s.db.UpsertUserProfile(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, cache.ProfileKey(p.UserID))
	return nil
}

// UpsertBrand stores a brand and drops its cached snapshot.
func (s *Service) UpsertBrand(ctx context.Context, b models.Brand) error {
	if err := validation.ValidateBrand(b); err != nil {
		return err
	}
	if err := s.db.UpsertBrand(ctx, b); err != nil {
		return err
	}
	s.invalidate(ctx, cache.BrandKey(b.BrandID))
	return nil
}

// UpsertGeofence stores a geofence-to-target mapping.
func (s *Service) UpsertGeofence(ctx context.Context, t models.GeofenceTarget) error {
	if err := validation.ValidateGeofence(t); err != nil {
		return err
	}
	if err := s.db.UpsertGeofence(ctx, t); err != nil {
		return err
	}
	s.invalidate(ctx, cache.GeofenceKey(t.GeofenceID))
	return nil
}

// UpsertOffer stores an offer and drops the brand's cached offer list.
func (s *Service) UpsertOffer(ctx context.Context, o models.Offer) error {
	if err := validation.ValidateOffer(o); err != nil {
		return err
	}
	if err := s.db.UpsertOffer(ctx, o); err != nil {
		return err
	}
	s.invalidate(ctx, cache.OffersKey(o.BrandID))
	return nil
}

// ListNotifications returns the most recent log entries for a user.
func (s *Service) ListNotifications(ctx context.Context, userID int64, limit int) (models.NotificationLogResponse, error) {
	records, err := s.db.ListNotificationRecords(ctx, userID, limit)
	if err != nil {
		return models.NotificationLogResponse{}, err
	}
	dispatched, err := s.db.CountDispatchedRecords(ctx, userID)
	if err != nil {
		return models.NotificationLogResponse{}, err
	}
	return models.NotificationLogResponse{UserID: userID, DispatchedCount: dispatched, Records: records}, nil
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.flags.IsEnabled(features.FeatureCacheEnabled)
}

func (s *Service) invalidate(ctx context.Context, key string) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, key)
	}
}

func (s *Service) loadProfile(ctx context.Context, userID int64) (*models.UserNotificationProfile, error) {
	if userID == 0 {
		return nil, nil
	}

	if s.cacheEnabled() {
		var p models.UserNotificationProfile
		if err := cache.GetJSON(ctx, s.cache, cache.ProfileKey(userID), &p); err == nil {
			return &p, nil
		}
	}

	p, err := s.db.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if p != nil && s.cacheEnabled() {
		_ = cache.SetJSON(ctx, s.cache, cache.ProfileKey(userID), p, snapshotTTL)
	}
	return p, nil
}

func (s *Service) loadBrand(ctx context.Context, brandID int64) (*models.Brand, error) {
	if s.cacheEnabled() {
		var b models.Brand
		if err := cache.GetJSON(ctx, s.cache, cache.BrandKey(brandID), &b); err == nil {
			return &b, nil
		}
	}

	b, err := s.db.GetBrand(ctx, brandID)
	if err != nil {
		return nil, err
	}

	if b != nil && s.cacheEnabled() {
		_ = cache.SetJSON(ctx, s.cache, cache.BrandKey(brandID), b, snapshotTTL)
	}
	return b, nil
}

func (s *Service) loadOffers(ctx context.Context, brandID int64) ([]models.Offer, error) {
	if s.cacheEnabled() {
		var offers []models.Offer
		if err := cache.GetJSON(ctx, s.cache, cache.OffersKey(brandID), &offers); err == nil {
			return offers, nil
		}
	}

	offers, err := s.db.GetOffersByBrand(ctx, brandID)
	if err != nil {
		return nil, err
	}

	if offers != nil && s.cacheEnabled() {
		_ = cache.SetJSON(ctx, s.cache, cache.OffersKey(brandID), offers, snapshotTTL)
	}
	return offers, nil
}

func (s *Service) loadGeofence(ctx context.Context, geofenceID int64) (*models.GeofenceTarget, error) {
	if s.cacheEnabled() {
		var t models.GeofenceTarget
		if err := cache.GetJSON(ctx, s.cache, cache.GeofenceKey(geofenceID), &t); err == nil {
			return &t, nil
		}
	}

	t, err := s.db.GetGeofence(ctx, geofenceID)
	if err != nil {
		return nil, err
	}

	if t != nil && s.cacheEnabled() {
		_ = cache.SetJSON(ctx, s.cache, cache.GeofenceKey(geofenceID), t, snapshotTTL)
	}
	return t, nil
}
