package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"geofence-notification-engine/internal/eligibility"
	"geofence-notification-engine/internal/models"
	"geofence-notification-engine/internal/service"
	"geofence-notification-engine/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB; webhook payloads are small
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
	}
}

// Routes mounts all API routes on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events", h.ReceiveEvent)
	r.Post("/simulate", h.Simulate)

	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.UpsertProfile)
		r.Get("/{user_id}/brands/{brand_id}/eligibility", h.InspectEligibility)
		r.Get("/{user_id}/notifications", h.ListNotifications)
	})

	r.Route("/brands", func(r chi.Router) {
		r.Post("/", h.UpsertBrand)
	})

	r.Route("/offers", func(r chi.Router) {
		r.Post("/", h.UpsertOffer)
	})

	r.Route("/geofences", func(r chi.Router) {
		r.Post("/", h.UpsertGeofence)
	})

	r.Route("/config", func(r chi.Router) {
		r.Get("/", h.GetConfig)
		r.Put("/", h.UpdateConfig)
	})
}

// ReceiveEvent handles POST /events, the geofencing provider webhook.
func (h *Handler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	var req models.WebhookEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	event, err := validation.ValidateWebhookEvent(req)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	verdict, err := h.service.HandleEvent(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, eligibility.ErrDispatchFailed):
			// The event is consumed; a provider retry will dedup. Surface the
			// failure so it shows up in provider delivery logs.
			h.respondJSON(w, http.StatusBadGateway, verdictResponse(verdict))
		case errors.Is(err, eligibility.ErrStoreUnavailable), errors.Is(err, service.ErrConfigUnavailable):
			h.respondError(w, http.StatusServiceUnavailable, "temporarily unable to process events, retry later")
		default:
			h.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.respondJSON(w, http.StatusOK, verdictResponse(verdict))
}

// Simulate handles POST /simulate, the admin simulation tool.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req models.SimulateRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.UserID <= 0 || req.GeofenceID <= 0 {
		h.respondError(w, http.StatusBadRequest, "user_id and geofence_id are required")
		return
	}

	resp, err := h.service.Simulate(r.Context(), req)
	if err != nil {
		if errors.Is(err, eligibility.ErrDispatchFailed) {
			h.respondJSON(w, http.StatusBadGateway, resp)
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// InspectEligibility handles GET /users/{user_id}/brands/{brand_id}/eligibility.
func (h *Handler) InspectEligibility(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "user_id")
	if !ok {
		return
	}
	brandID, ok := h.pathID(w, r, "brand_id")
	if !ok {
		return
	}

	report, err := h.service.Inspect(r.Context(), userID, brandID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, report)
}

// ListNotifications handles GET /users/{user_id}/notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "user_id")
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	resp, err := h.service.ListNotifications(r.Context(), userID, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// GetConfig handles GET /config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.CurrentConfig(r.Context())
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, cfg)
}

// UpdateConfig handles PUT /config, writing a new config version.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.ThrottleConfig
	if !h.decode(w, r, &cfg) {
		return
	}

	stored, err := h.service.UpdateConfig(r.Context(), cfg)
	if err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, stored)
}

// UpsertProfile handles POST /users.
func (h *Handler) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	var p models.UserNotificationProfile
	if !h.decode(w, r, &p) {
		return
	}
	h.upsert(w, r, func() error { return h.service.UpsertProfile(r.Context(), p) }, p)
}

// UpsertBrand handles POST /brands.
func (h *Handler) UpsertBrand(w http.ResponseWriter, r *http.Request) {
	var b models.Brand
	if !h.decode(w, r, &b) {
		return
	}
	b.Name = validation.SanitizeString(b.Name)
	h.upsert(w, r, func() error { return h.service.UpsertBrand(r.Context(), b) }, b)
}

// UpsertOffer handles POST /offers.
func (h *Handler) UpsertOffer(w http.ResponseWriter, r *http.Request) {
	var o models.Offer
	if !h.decode(w, r, &o) {
		return
	}
	h.upsert(w, r, func() error { return h.service.UpsertOffer(r.Context(), o) }, o)
}

// UpsertGeofence handles POST /geofences.
func (h *Handler) UpsertGeofence(w http.ResponseWriter, r *http.Request) {
	var t models.GeofenceTarget
	if !h.decode(w, r, &t) {
		return
	}
	h.upsert(w, r, func() error { return h.service.UpsertGeofence(r.Context(), t) }, t)
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request, fn func() error, body interface{}) {
	if err := fn(); err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusCreated, body)
}

// decode reads a size-capped JSON body into dest, answering the request on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func verdictResponse(v eligibility.Verdict) models.VerdictResponse {
	return models.VerdictResponse{
		Eligible:   v.Eligible,
		Reason:     string(v.Reason),
		OfferID:    v.OfferID,
		Dispatched: v.Dispatched,
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
