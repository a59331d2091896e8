package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"geofence-notification-engine/internal/cache"
	"geofence-notification-engine/internal/database"
	"geofence-notification-engine/internal/dispatch"
	"geofence-notification-engine/internal/eligibility"
	"geofence-notification-engine/internal/events"
	"geofence-notification-engine/internal/features"
	"geofence-notification-engine/internal/models"
	"geofence-notification-engine/internal/service"
	"geofence-notification-engine/internal/throttle"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func setupTestServer(t *testing.T) (*httptest.Server, func()) {
	dbPath := "./test_" + time.Now().Format("20060102150405.000000000") + ".db"
	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	store := throttle.NewStore(db, nil)
	clock := fixedClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	evaluator := eligibility.NewEvaluator(store, dispatch.LogDispatcher{}, store, clock)

	flags := features.NewManager()
	flags.Register(features.FeatureCacheEnabled, true, "snapshot cache layer")

	defaults := models.ThrottleConfig{
		MaxPerDay:          3,
		MaxPerWeek:         10,
		MinIntervalMinutes: 60,
		Timezone:           "UTC",
	}

	svc := service.NewService(db, cache.NewInMemoryCache(), flags, events.NewManager(false), evaluator, clock, defaults)
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Group(h.Routes)
	server := httptest.NewServer(r)

	cleanup := func() {
		server.Close()
		store.Stop()
		db.Close()
		os.Remove(dbPath)
	}

	return server, cleanup
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func seedServer(t *testing.T, baseURL string) {
	seeds := []struct {
		path string
		body interface{}
	}{
		{"/brands/", models.Brand{BrandID: 3, Name: "Coffee Corner", CategoryIDs: []int64{2, 5}}},
		{"/geofences/", models.GeofenceTarget{GeofenceID: 7, BrandID: 3, LocationID: 9}},
		{"/users/", models.UserNotificationProfile{UserID: 42, Interests: []int64{2}, NotificationsEnabled: true, PushTokenPresent: true}},
		{"/offers/", models.Offer{OfferID: 100, BrandID: 3, Value: 20, EndDate: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), IsActive: true}},
	}

	for _, seed := range seeds {
		resp := postJSON(t, baseURL+seed.path, seed.body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Seeding %s returned status %d", seed.path, resp.StatusCode)
		}
	}
}

func webhookBody(eventID string) models.WebhookEventRequest {
	return models.WebhookEventRequest{
		EventID:    eventID,
		UserID:     42,
		GeofenceID: 7,
		Type:       "entry",
		Latitude:   25.2,
		Longitude:  55.3,
		OccurredAt: "2026-03-10T12:00:00Z",
	}
}

func TestReceiveEvent_Dispatches(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	seedServer(t, server.URL)

	resp := postJSON(t, server.URL+"/events", webhookBody("evt-http-1"))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var verdict models.VerdictResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !verdict.Eligible || !verdict.Dispatched || verdict.OfferID != 100 {
		t.Errorf("Unexpected verdict: %+v", verdict)
	}
}

func TestReceiveEvent_DuplicateID(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	seedServer(t, server.URL)

	resp := postJSON(t, server.URL+"/events", webhookBody("evt-http-dup"))
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/events", webhookBody("evt-http-dup"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 for duplicate, got %d", resp.StatusCode)
	}

	var verdict models.VerdictResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if verdict.Reason != string(eligibility.ReasonAlreadyProcessed) {
		t.Errorf("Expected already_processed, got %q", verdict.Reason)
	}
	if verdict.Dispatched {
		t.Error("Duplicate must not report a dispatch")
	}
}

func TestReceiveEvent_Validation(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	tests := []struct {
		name   string
		mutate func(*models.WebhookEventRequest)
	}{
		{"missing event id", func(r *models.WebhookEventRequest) { r.EventID = "" }},
		{"bad geofence id", func(r *models.WebhookEventRequest) { r.GeofenceID = 0 }},
		{"unknown type", func(r *models.WebhookEventRequest) { r.Type = "hover" }},
		{"bad latitude", func(r *models.WebhookEventRequest) { r.Latitude = 120 }},
		{"bad timestamp", func(r *models.WebhookEventRequest) { r.OccurredAt = "yesterday" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := webhookBody("evt-bad")
			tt.mutate(&body)

			resp := postJSON(t, server.URL+"/events", body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestReceiveEvent_EmptyBody(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := http.Post(server.URL+"/events", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty body, got %d", resp.StatusCode)
	}
}

func TestSimulate_DryRun(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	seedServer(t, server.URL)

	resp := postJSON(t, server.URL+"/simulate", models.SimulateRequest{UserID: 42, GeofenceID: 7, DryRun: true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var verdict models.VerdictResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !verdict.Eligible || verdict.Dispatched {
		t.Errorf("Expected eligible, undispatched dry-run verdict: %+v", verdict)
	}
}

func TestSimulate_MissingFields(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	resp := postJSON(t, server.URL+"/simulate", models.SimulateRequest{UserID: 42})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestInspectEligibility(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	seedServer(t, server.URL)

	resp, err := http.Get(server.URL + "/users/42/brands/3/eligibility")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var report models.EligibilityReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !report.WouldNotify || report.CandidateOfferID != 100 {
		t.Errorf("Unexpected report: %+v", report)
	}
}

func TestInspectEligibility_BadPathParams(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := http.Get(server.URL + "/users/abc/brands/3/eligibility")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for non-numeric user id, got %d", resp.StatusCode)
	}
}

func TestListNotifications(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	seedServer(t, server.URL)

	resp := postJSON(t, server.URL+"/events", webhookBody("evt-logged"))
	resp.Body.Close()

	resp2, err := http.Get(server.URL + "/users/42/notifications?limit=5")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp2.StatusCode)
	}

	var log models.NotificationLogResponse
	if err := json.NewDecoder(resp2.Body).Decode(&log); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if log.UserID != 42 || len(log.Records) != 1 {
		t.Errorf("Expected 1 record for user 42, got %+v", log)
	}
	if log.DispatchedCount != 1 {
		t.Errorf("Expected dispatched count 1, got %d", log.DispatchedCount)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	// Defaults come back before any version is stored.
	resp, err := http.Get(server.URL + "/config/")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var cfg models.ThrottleConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	resp.Body.Close()
	if cfg.MaxPerDay != 3 {
		t.Errorf("Expected default config, got %+v", cfg)
	}

	cfg.MaxPerDay = 5
	data, _ := json.Marshal(cfg)
	req, err := http.NewRequest(http.MethodPut, server.URL+"/config/", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", putResp.StatusCode)
	}

	var stored models.ThrottleConfig
	if err := json.NewDecoder(putResp.Body).Decode(&stored); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if stored.MaxPerDay != 5 || stored.Version == 0 {
		t.Errorf("Expected versioned config back, got %+v", stored)
	}

	resp, err = http.Get(server.URL + "/config/")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if cfg.MaxPerDay != 5 || cfg.Version != stored.Version {
		t.Errorf("Expected stored config back, got %+v", cfg)
	}
}

func TestUpdateConfig_Invalid(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	bad := models.ThrottleConfig{MaxPerDay: 5, MaxPerWeek: 2}
	data, _ := json.Marshal(bad)
	req, err := http.NewRequest(http.MethodPut, server.URL+"/config/", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestUpsertBrand_Invalid(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	resp := postJSON(t, server.URL+"/brands/", models.Brand{BrandID: 0, Name: "No ID"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}
