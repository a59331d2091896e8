package eligibility

// ReasonCode is the single enumerated explanation for why an evaluation did
// or did not result in a notification. Every evaluation produces exactly one.
type ReasonCode string

const (
	// ReasonNone is the reason on an eligible, dispatched verdict.
	ReasonNone ReasonCode = ""

	// ReasonAlreadyProcessed is the neutral outcome for a duplicate event id.
	// It is not a user-visible denial; the original evaluation already
	// produced the authoritative record.
	ReasonAlreadyProcessed ReasonCode = "already_processed"

	ReasonNotAnEntryEvent       ReasonCode = "not_an_entry_event"
	ReasonNoUserID              ReasonCode = "no_user_id"
	ReasonNoBrandIdentified     ReasonCode = "no_brand_identified"
	ReasonUserNotFound          ReasonCode = "user_not_found"
	ReasonNotificationsDisabled ReasonCode = "notifications_disabled"
	ReasonNoInterestMatch       ReasonCode = "no_interest_match"
	ReasonNoMatchingOffers      ReasonCode = "no_matching_offers" // brand had zero offers
	ReasonNoMatchingOffer       ReasonCode = "no_matching_offer"  // offers existed, none qualified
	ReasonQuietHours            ReasonCode = "quiet_hours"
	ReasonDailyLimitExceeded    ReasonCode = "daily_limit_exceeded"
	ReasonWeeklyLimitExceeded   ReasonCode = "weekly_limit_exceeded"
	ReasonMinInterval           ReasonCode = "min_interval"
	ReasonBrandCooldown         ReasonCode = "brand_cooldown"
	ReasonLocationCooldown      ReasonCode = "location_cooldown"
	ReasonOfferCooldown         ReasonCode = "offer_cooldown"

	// ReasonSendFailed marks an operational dispatcher failure. The event is
	// consumed but the user's quota is not charged.
	ReasonSendFailed ReasonCode = "notification_send_failed"
)

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Eligible   bool
	Reason     ReasonCode
	OfferID    int64
	Dispatched bool
}
