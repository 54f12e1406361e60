package models

import "time"

// SubscriptionTier is a venue's paid plan; it selects the venue send limit.
type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierCore    SubscriptionTier = "core"
	TierPro     SubscriptionTier = "pro"
	TierRevenue SubscriptionTier = "revenue"
)

// Platform identifies the push platform of a device token.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// OfferStatus is derived from an offer's schedule and claim counts.
type OfferStatus string

const (
	OfferScheduled OfferStatus = "scheduled"
	OfferActive    OfferStatus = "active"
	OfferFull      OfferStatus = "full"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
)

// FlashOffer is a time-boxed promotion owned by the offer CRUD layer.
// The dispatch engine only reads it and flips PushSent once.
type FlashOffer struct {
	ID                  string    `json:"id"`
	VenueID             string    `json:"venue_id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	MaxClaims           int       `json:"max_claims"`
	ClaimedCount        int       `json:"claimed_count"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	RadiusMiles         float64   `json:"radius_miles"`
	TargetFavoritesOnly bool      `json:"target_favorites_only"`
	PushSent            bool      `json:"push_sent"`
	Cancelled           bool      `json:"cancelled"`
	CreatedAt           time.Time `json:"created_at"`
}

// Status derives the offer status at now.
func (o FlashOffer) Status(now time.Time) OfferStatus {
	switch {
	case o.Cancelled:
		return OfferCancelled
	case !o.EndTime.IsZero() && !now.Before(o.EndTime):
		return OfferExpired
	case o.MaxClaims > 0 && o.ClaimedCount >= o.MaxClaims:
		return OfferFull
	case now.Before(o.StartTime):
		return OfferScheduled
	default:
		return OfferActive
	}
}

// Venue is read-only to the engine.
type Venue struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Latitude         *float64         `json:"latitude,omitempty"`
	Longitude        *float64         `json:"longitude,omitempty"`
	SubscriptionTier SubscriptionTier `json:"subscription_tier"`
}

// HasLocation reports whether the venue has recorded coordinates.
func (v Venue) HasLocation() bool {
	return v.Latitude != nil && v.Longitude != nil
}

// UserLocation is a user's last known position, maintained by the client app.
type UserLocation struct {
	UserID    string    `json:"user_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceToken is registered by the client app. The engine only reads active
// rows and deactivates terminally invalid ones.
type DeviceToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Token      string     `json:"-"`
	Platform   Platform   `json:"platform"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// NotificationPreference is keyed by user. A missing row means fully enabled.
type NotificationPreference struct {
	UserID             string   `json:"user_id"`
	FlashOffersEnabled bool     `json:"flash_offers_enabled"`
	QuietHoursStart    string   `json:"quiet_hours_start,omitempty"` // "HH:MM"
	QuietHoursEnd      string   `json:"quiet_hours_end,omitempty"`   // "HH:MM"
	Timezone           string   `json:"timezone,omitempty"`
	MaxDistanceMiles   *float64 `json:"max_distance_miles,omitempty"`
}

// DefaultPreference is what a user without a preference row gets.
func DefaultPreference(userID string) NotificationPreference {
	return NotificationPreference{UserID: userID, FlashOffersEnabled: true}
}

// ScopeType names the two rate limit counter families.
type ScopeType string

const (
	ScopeVenueSend   ScopeType = "venue_send"
	ScopeUserReceive ScopeType = "user_receive"
)

// RateLimitCounter is one fixed window for a (scope type, scope id) pair.
type RateLimitCounter struct {
	ScopeType   ScopeType `json:"scope_type"`
	ScopeID     string    `json:"scope_id"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PushAnalyticsRecord is appended once per dispatch attempt.
type PushAnalyticsRecord struct {
	ID             string    `json:"id"`
	OfferID        string    `json:"offer_id"`
	RecipientCount int       `json:"recipient_count"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// OutboxEntry marks an offer whose notifications went out but whose
// push_sent flag could not be persisted yet.
type OutboxEntry struct {
	OfferID   string    `json:"offer_id"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// DispatchRequest is the request payload for POST /dispatch.
type DispatchRequest struct {
	OfferID string `json:"offerId"`
	DryRun  bool   `json:"dryRun,omitempty"`
}

// BatchPlan summarizes how a dispatch would be split across gateway calls.
type BatchPlan struct {
	Platform   Platform `json:"platform"`
	Batches    int      `json:"batches"`
	TokenCount int      `json:"tokenCount"`
}

// DispatchResponse is the 200 response payload for POST /dispatch.
type DispatchResponse struct {
	Success           bool        `json:"success"`
	TargetedUserCount int         `json:"targetedUserCount"`
	SentCount         int         `json:"sentCount"`
	FailedCount       int         `json:"failedCount"`
	Errors            []string    `json:"errors"`
	DryRun            bool        `json:"dryRun"`
	Batches           []BatchPlan `json:"batches,omitempty"`
}

// ErrorResponse is the body of every non-200 response.
type ErrorResponse struct {
	Code         string     `json:"code"`
	Message      string     `json:"message,omitempty"`
	CurrentCount *int       `json:"currentCount,omitempty"`
	Limit        *int       `json:"limit,omitempty"`
	ResetsAt     *time.Time `json:"resetsAt,omitempty"`
}
