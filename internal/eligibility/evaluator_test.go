package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"geofence-notification-engine/internal/models"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeStore struct {
	seen map[string]struct{}

	reserveReason ReasonCode
	reserveErr    error
	commitErr     error
	reserves      int
	commits       int
	releases      int
	unmarks       int

	peekCounters models.ThrottleCounters
	peekReason   ReasonCode
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: make(map[string]struct{})}
}

func (s *fakeStore) MarkEventProcessed(_ context.Context, eventID string) (bool, error) {
	if _, ok := s.seen[eventID]; ok {
		return false, nil
	}
	s.seen[eventID] = struct{}{}
	return true, nil
}

func (s *fakeStore) UnmarkEventProcessed(_ context.Context, eventID string) error {
	delete(s.seen, eventID)
	s.unmarks++
	return nil
}

func (s *fakeStore) TryReserveSend(_ context.Context, _, _, _, _ int64, _ models.ThrottleConfig, _ time.Time) (ReasonCode, error) {
	if s.reserveErr != nil {
		return "", s.reserveErr
	}
	if s.reserveReason != ReasonNone {
		return s.reserveReason, nil
	}
	s.reserves++
	return ReasonNone, nil
}

func (s *fakeStore) CommitSend(_ context.Context, _, _, _, _ int64, _ time.Time) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.commits++
	return nil
}

func (s *fakeStore) ReleaseSend(_ context.Context, _ int64, _ time.Time) error {
	s.releases++
	return nil
}

func (s *fakeStore) PeekThrottle(_ context.Context, _, _, _, _ int64, _ models.ThrottleConfig, _ time.Time) (models.ThrottleCounters, ReasonCode, error) {
	return s.peekCounters, s.peekReason, nil
}

type fakeDispatcher struct {
	err   error
	sends int
}

func (d *fakeDispatcher) Send(_ context.Context, _ int64, _ models.Offer) error {
	if d.err != nil {
		return d.err
	}
	d.sends++
	return nil
}

type fakeSink struct {
	records []models.NotificationRecord
}

func (s *fakeSink) Append(_ context.Context, rec models.NotificationRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func testClock() fixedClock {
	// A Tuesday at noon UTC, well outside the default quiet window.
	return fixedClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func testConfig() models.ThrottleConfig {
	return models.ThrottleConfig{
		MaxPerDay:             3,
		MaxPerWeek:            10,
		MinIntervalMinutes:    60,
		BrandCooldownHours:    72,
		LocationCooldownHours: 24,
		OfferCooldownHours:    168,
		QuietHoursEnabled:     true,
		QuietHoursStart:       "22:00",
		QuietHoursEnd:         "08:00",
		Timezone:              "UTC",
	}
}

func testInput(eventID string) Input {
	clock := testClock()
	return Input{
		Event: models.GeofenceEvent{
			EventID:    eventID,
			UserID:     42,
			GeofenceID: 7,
			Type:       models.EventEntry,
			OccurredAt: clock.now,
		},
		Target:          models.GeofenceTarget{GeofenceID: 7, BrandID: 3, LocationID: 9},
		Profile:         &models.UserNotificationProfile{UserID: 42, Interests: []int64{1, 2}, NotificationsEnabled: true},
		BrandCategories: []int64{2, 5},
		Offers: []models.Offer{
			{OfferID: 100, BrandID: 3, Value: 20, EndDate: clock.now.AddDate(0, 0, 7), IsActive: true},
		},
		Config: testConfig(),
	}
}

func TestEvaluate_SendsAndRecords(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	sink := &fakeSink{}
	ev := NewEvaluator(store, dispatcher, sink, testClock())

	v, err := ev.Evaluate(context.Background(), testInput("evt-1"))
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}

	if !v.Eligible || !v.Dispatched || v.Reason != ReasonNone {
		t.Errorf("Expected eligible dispatched verdict, got %+v", v)
	}
	if v.OfferID != 100 {
		t.Errorf("Expected offer 100, got %d", v.OfferID)
	}
	if dispatcher.sends != 1 {
		t.Errorf("Expected 1 dispatch, got %d", dispatcher.sends)
	}
	if store.reserves != 1 || store.commits != 1 || store.releases != 0 {
		t.Errorf("Expected reserve+commit, got reserves=%d commits=%d releases=%d", store.reserves, store.commits, store.releases)
	}
	if len(sink.records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(sink.records))
	}
	rec := sink.records[0]
	if !rec.Dispatched || rec.VerdictReason != "" || rec.OfferID != 100 || rec.UserID != 42 || rec.BrandID != 3 {
		t.Errorf("Unexpected record: %+v", rec)
	}
}

func TestEvaluate_DuplicateEventIsNeutral(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	sink := &fakeSink{}
	ev := NewEvaluator(store, dispatcher, sink, testClock())

	if _, err := ev.Evaluate(context.Background(), testInput("evt-dup")); err != nil {
		t.Fatalf("First evaluation failed: %v", err)
	}

	v, err := ev.Evaluate(context.Background(), testInput("evt-dup"))
	if err != nil {
		t.Fatalf("Second evaluation failed: %v", err)
	}
	if v.Reason != ReasonAlreadyProcessed || v.Eligible || v.Dispatched {
		t.Errorf("Expected neutral already_processed verdict, got %+v", v)
	}
	if dispatcher.sends != 1 {
		t.Errorf("Duplicate must not dispatch again, sends=%d", dispatcher.sends)
	}
	if len(sink.records) != 1 {
		t.Errorf("Duplicate must not append a record, got %d records", len(sink.records))
	}
}

func TestEvaluate_GuardOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		want   ReasonCode
	}{
		{"exit event", func(in *Input) { in.Event.Type = models.EventExit }, ReasonNotAnEntryEvent},
		{"dwell event", func(in *Input) { in.Event.Type = models.EventDwell }, ReasonNotAnEntryEvent},
		{"missing user id", func(in *Input) { in.Event.UserID = 0 }, ReasonNoUserID},
		{"unresolved brand", func(in *Input) { in.Target.BrandID = 0 }, ReasonNoBrandIdentified},
		{"unknown user", func(in *Input) { in.Profile = nil }, ReasonUserNotFound},
		{"notifications off", func(in *Input) { in.Profile.NotificationsEnabled = false }, ReasonNotificationsDisabled},
		{"no interest overlap", func(in *Input) { in.Profile.Interests = []int64{99} }, ReasonNoInterestMatch},
		{"no declared interests", func(in *Input) { in.Profile.Interests = nil }, ReasonNoInterestMatch},
		{"brand with no categories", func(in *Input) { in.BrandCategories = nil }, ReasonNoInterestMatch},
		{"zero offers", func(in *Input) { in.Offers = nil }, ReasonNoMatchingOffers},
		{"only expired offers", func(in *Input) {
			in.Offers[0].EndDate = testClock().now.AddDate(0, 0, -1)
		}, ReasonNoMatchingOffer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			dispatcher := &fakeDispatcher{}
			sink := &fakeSink{}
			ev := NewEvaluator(store, dispatcher, sink, testClock())

			in := testInput("evt-guard-" + tt.name)
			tt.mutate(&in)

			v, err := ev.Evaluate(context.Background(), in)
			if err != nil {
				t.Fatalf("Evaluate returned error: %v", err)
			}
			if v.Reason != tt.want {
				t.Errorf("Expected reason %q, got %q", tt.want, v.Reason)
			}
			if v.Eligible || v.Dispatched {
				t.Errorf("Denied verdict must not be eligible or dispatched: %+v", v)
			}
			if dispatcher.sends != 0 {
				t.Errorf("Denied event must not dispatch")
			}
			if store.reserves != 0 {
				t.Errorf("Denied event must not reserve quota")
			}
			if len(sink.records) != 1 {
				t.Fatalf("Expected exactly 1 record, got %d", len(sink.records))
			}
			if sink.records[0].VerdictReason != string(tt.want) {
				t.Errorf("Record reason = %q, want %q", sink.records[0].VerdictReason, tt.want)
			}
		})
	}
}

func TestEvaluate_QuietHoursBlockBeforeReservation(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	sink := &fakeSink{}
	// 23:30 UTC is inside the 22:00-08:00 window.
	clock := fixedClock{now: time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)}
	ev := NewEvaluator(store, dispatcher, sink, clock)

	in := testInput("evt-quiet")
	in.Offers[0].EndDate = clock.now.AddDate(0, 0, 7)

	v, err := ev.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if v.Reason != ReasonQuietHours {
		t.Errorf("Expected quiet_hours, got %q", v.Reason)
	}
	if store.reserves != 0 {
		t.Error("Quiet hours must suppress before any reservation")
	}
}

func TestEvaluate_ThrottleDenied(t *testing.T) {
	for _, reason := range []ReasonCode{
		ReasonDailyLimitExceeded,
		ReasonWeeklyLimitExceeded,
		ReasonMinInterval,
		ReasonBrandCooldown,
		ReasonLocationCooldown,
		ReasonOfferCooldown,
	} {
		store := newFakeStore()
		store.reserveReason = reason
		dispatcher := &fakeDispatcher{}
		sink := &fakeSink{}
		ev := NewEvaluator(store, dispatcher, sink, testClock())

		v, err := ev.Evaluate(context.Background(), testInput("evt-"+string(reason)))
		if err != nil {
			t.Fatalf("Evaluate returned error for %s: %v", reason, err)
		}
		if v.Reason != reason {
			t.Errorf("Expected %q, got %q", reason, v.Reason)
		}
		if dispatcher.sends != 0 || store.commits != 0 {
			t.Errorf("Throttled event must not dispatch or commit (%s)", reason)
		}
		if len(sink.records) != 1 {
			t.Errorf("Expected a denial record for %s", reason)
		}
	}
}

func TestEvaluate_DispatchFailureReleasesReservation(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{err: errors.New("push gateway timeout")}
	sink := &fakeSink{}
	ev := NewEvaluator(store, dispatcher, sink, testClock())

	v, err := ev.Evaluate(context.Background(), testInput("evt-fail"))
	if err == nil {
		t.Fatal("Expected error from failed dispatch")
	}
	if !errors.Is(err, ErrDispatchFailed) {
		t.Errorf("Expected ErrDispatchFailed, got %v", err)
	}
	if v.Reason != ReasonSendFailed || v.Dispatched {
		t.Errorf("Expected send-failed verdict, got %+v", v)
	}
	if store.releases != 1 {
		t.Errorf("Expected reservation release, got %d", store.releases)
	}
	if store.commits != 0 {
		t.Error("Failed dispatch must not commit")
	}
	if len(sink.records) != 1 || sink.records[0].Dispatched {
		t.Errorf("Expected one undispatched record, got %+v", sink.records)
	}

	// The event id stays consumed: a retry of the same id is a duplicate.
	v2, err := ev.Evaluate(context.Background(), testInput("evt-fail"))
	if err != nil {
		t.Fatalf("Retry evaluation failed: %v", err)
	}
	if v2.Reason != ReasonAlreadyProcessed {
		t.Errorf("Expected already_processed on retry, got %q", v2.Reason)
	}
}

func TestEvaluate_StoreErrorFailsClosed(t *testing.T) {
	store := newFakeStore()
	store.reserveErr = errors.New("disk I/O error")
	dispatcher := &fakeDispatcher{}
	sink := &fakeSink{}
	ev := NewEvaluator(store, dispatcher, sink, testClock())

	_, err := ev.Evaluate(context.Background(), testInput("evt-storeerr"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
	if dispatcher.sends != 0 {
		t.Error("Store failure must not dispatch")
	}
}

func TestEvaluate_ReserveErrorKeepsEventRetryable(t *testing.T) {
	store := newFakeStore()
	store.reserveErr = errors.New("disk I/O error")
	dispatcher := &fakeDispatcher{}
	sink := &fakeSink{}
	ev := NewEvaluator(store, dispatcher, sink, testClock())

	if _, err := ev.Evaluate(context.Background(), testInput("evt-transient")); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}
	if store.unmarks != 1 {
		t.Errorf("Failed evaluation must give the event id back, unmarks=%d", store.unmarks)
	}

	// After the store recovers, the retried event id runs the full chain and
	// dispatches instead of being treated as a duplicate.
	store.reserveErr = nil
	v, err := ev.Evaluate(context.Background(), testInput("evt-transient"))
	if err != nil {
		t.Fatalf("Retry after recovery failed: %v", err)
	}
	if !v.Dispatched || v.Reason == ReasonAlreadyProcessed {
		t.Errorf("Expected retry to dispatch, got %+v", v)
	}
	if dispatcher.sends != 1 {
		t.Errorf("Expected 1 dispatch after retry, got %d", dispatcher.sends)
	}
}

func TestEvaluate_QuietHoursConfigErrorKeepsEventRetryable(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	sink := &fakeSink{}
	ev := NewEvaluator(store, dispatcher, sink, testClock())

	in := testInput("evt-badcfg")
	in.Config.QuietHoursStart = "25:00"

	if _, err := ev.Evaluate(context.Background(), in); err == nil {
		t.Fatal("Expected error for unparseable quiet hours")
	}
	if store.unmarks != 1 {
		t.Errorf("Config failure must give the event id back, unmarks=%d", store.unmarks)
	}
	if len(sink.records) != 0 {
		t.Errorf("No verdict was settled, expected no record, got %d", len(sink.records))
	}

	// A retry with a repaired config is not a duplicate.
	v, err := ev.Evaluate(context.Background(), testInput("evt-badcfg"))
	if err != nil {
		t.Fatalf("Retry with repaired config failed: %v", err)
	}
	if !v.Dispatched {
		t.Errorf("Expected retry to dispatch, got %+v", v)
	}
}

func TestEvaluate_CommitFailureStillRecordsDispatch(t *testing.T) {
	store := newFakeStore()
	store.commitErr = errors.New("disk I/O error")
	dispatcher := &fakeDispatcher{}
	sink := &fakeSink{}
	ev := NewEvaluator(store, dispatcher, sink, testClock())

	v, err := ev.Evaluate(context.Background(), testInput("evt-commitfail"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}
	if !v.Dispatched || !v.Eligible {
		t.Errorf("Verdict must reflect the push that went out: %+v", v)
	}
	if len(sink.records) != 1 || !sink.records[0].Dispatched {
		t.Fatalf("Expected one dispatched record despite commit failure, got %+v", sink.records)
	}

	// The push reached the user, so the event id stays consumed.
	v2, err := ev.Evaluate(context.Background(), testInput("evt-commitfail"))
	if err != nil {
		t.Fatalf("Retry evaluation failed: %v", err)
	}
	if v2.Reason != ReasonAlreadyProcessed {
		t.Errorf("Expected already_processed on retry, got %q", v2.Reason)
	}
	if dispatcher.sends != 1 {
		t.Errorf("Retry must not dispatch again, sends=%d", dispatcher.sends)
	}
}

func TestInspect_WouldNotify(t *testing.T) {
	store := newFakeStore()
	ev := NewEvaluator(store, &fakeDispatcher{}, &fakeSink{}, testClock())

	in := testInput("unused")
	report, err := ev.Inspect(context.Background(), 42, in.Target, in.Profile, in.BrandCategories, in.Offers, in.Config)
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if !report.WouldNotify || report.NextEntryReason != "" {
		t.Errorf("Expected would-notify report, got %+v", report)
	}
	if report.CandidateOfferID != 100 {
		t.Errorf("Expected candidate offer 100, got %d", report.CandidateOfferID)
	}
	if len(report.MatchedCategories) != 1 || report.MatchedCategories[0] != 2 {
		t.Errorf("Expected matched categories [2], got %v", report.MatchedCategories)
	}
}

func TestInspect_ReportsThrottleReason(t *testing.T) {
	store := newFakeStore()
	store.peekReason = ReasonDailyLimitExceeded
	store.peekCounters = models.ThrottleCounters{UserID: 42, SendsToday: 3}
	ev := NewEvaluator(store, &fakeDispatcher{}, &fakeSink{}, testClock())

	in := testInput("unused")
	report, err := ev.Inspect(context.Background(), 42, in.Target, in.Profile, in.BrandCategories, in.Offers, in.Config)
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if report.WouldNotify {
		t.Error("Expected would-notify false under daily limit")
	}
	if report.NextEntryReason != string(ReasonDailyLimitExceeded) {
		t.Errorf("Expected daily_limit_exceeded, got %q", report.NextEntryReason)
	}
	if report.Counters.SendsToday != 3 {
		t.Errorf("Expected counters to pass through, got %+v", report.Counters)
	}
}

func TestInspect_MutatesNothing(t *testing.T) {
	store := newFakeStore()
	ev := NewEvaluator(store, &fakeDispatcher{}, &fakeSink{}, testClock())

	in := testInput("unused")
	if _, err := ev.Inspect(context.Background(), 42, in.Target, in.Profile, in.BrandCategories, in.Offers, in.Config); err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if store.reserves != 0 || store.commits != 0 || store.releases != 0 || len(store.seen) != 0 {
		t.Errorf("Inspect must not mutate store state: %+v", store)
	}
}
