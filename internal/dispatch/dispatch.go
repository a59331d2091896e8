// Package dispatch hands decided notifications to the push transport. The
// transport itself (FCM/APNs) lives downstream; this package only forwards
// the decision and reports success or failure back to the evaluator.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"geofence-notification-engine/internal/models"
)

// Payload is the body posted to the downstream push service.
type Payload struct {
	UserID  int64   `json:"user_id"`
	OfferID int64   `json:"offer_id"`
	BrandID int64   `json:"brand_id"`
	Value   float64 `json:"value"`
	EndDate string  `json:"end_date"`
}

// HTTPDispatcher forwards notifications to a downstream push service over
// HTTP. A per-call timeout keeps a slow transport from stalling evaluations;
// a timeout counts as a failed dispatch and the caller rolls back the quota
// reservation.
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDispatcher creates a dispatcher posting to the given endpoint.
func NewHTTPDispatcher(endpoint string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDispatcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Send posts the notification to the downstream service.
func (d *HTTPDispatcher) Send(ctx context.Context, userID int64, offer models.Offer) error {
	body, err := json.Marshal(Payload{
		UserID:  userID,
		OfferID: offer.OfferID,
		BrandID: offer.BrandID,
		Value:   offer.Value,
		EndDate: offer.EndDate.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch rejected with status %d", resp.StatusCode)
	}

	return nil
}

// LogDispatcher logs the decision instead of sending. Used in development
// and when no downstream endpoint is configured.
type LogDispatcher struct{}

// Send logs the notification and succeeds.
func (LogDispatcher) Send(_ context.Context, userID int64, offer models.Offer) error {
	log.Printf("dispatch (log only): user=%d offer=%d brand=%d value=%.2f", userID, offer.OfferID, offer.BrandID, offer.Value)
	return nil
}
