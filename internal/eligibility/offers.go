package eligibility

import (
	"sort"
	"time"

	"geofence-notification-engine/internal/models"
)

// RankCriterion selects how the best offer is chosen among qualifying offers.
type RankCriterion string

const (
	// RankHighestValue orders by descending value, tie-broken by soonest
	// end date, then by lowest offer id for determinism.
	RankHighestValue RankCriterion = "highest_value"
	// RankEndingSoon orders by ascending end date, tie-broken by descending value.
	RankEndingSoon RankCriterion = "ending_soon"
	// RankMostPopular orders by descending claims count, tie-broken by descending value.
	RankMostPopular RankCriterion = "most_popular"
)

// SelectBestOffer filters offers to those active and unexpired at now, then
// picks the single best one under the given criterion. Returns nil if no
// offer qualifies.
func SelectBestOffer(offers []models.Offer, criterion RankCriterion, now time.Time) *models.Offer {
	var candidates []models.Offer
	for _, o := range offers {
		if !o.IsActive || o.EndDate.Before(now) {
			continue
		}
		candidates = append(candidates, o)
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return offerLess(candidates[i], candidates[j], criterion)
	})

	best := candidates[0]
	return &best
}

func offerLess(a, b models.Offer, criterion RankCriterion) bool {
	switch criterion {
	case RankEndingSoon:
		if !a.EndDate.Equal(b.EndDate) {
			return a.EndDate.Before(b.EndDate)
		}
		return a.Value > b.Value
	case RankMostPopular:
		if a.ClaimsCount != b.ClaimsCount {
			return a.ClaimsCount > b.ClaimsCount
		}
		return a.Value > b.Value
	default: // RankHighestValue
		if a.Value != b.Value {
			return a.Value > b.Value
		}
		if !a.EndDate.Equal(b.EndDate) {
			return a.EndDate.Before(b.EndDate)
		}
		return a.OfferID < b.OfferID
	}
}
