package audit

import (
	"context"
	"errors"
	"time"
)

// EventType names a sensitive operation or disclosure outcome.
type EventType string

const (
	EventListingViewed     EventType = "listing_viewed"
	EventAssetDisclosed    EventType = "asset_disclosed"
	EventAccessDenied      EventType = "access_denied"
	EventAccessRequested   EventType = "access_requested"
	EventMagicLinkIssued   EventType = "magic_link_issued"
	EventNDASigned         EventType = "nda_signed"
	EventAccessDeclined    EventType = "access_declined"
	EventAccessRevoked     EventType = "access_revoked"
	EventShareTokenRotated EventType = "share_token_rotated"
	EventRoleGranted       EventType = "role_granted"
	EventRoleRevoked       EventType = "role_revoked"
)

var knownTypes = map[EventType]struct{}{
	EventListingViewed: {}, EventAssetDisclosed: {}, EventAccessDenied: {},
	EventAccessRequested: {}, EventMagicLinkIssued: {}, EventNDASigned: {},
	EventAccessDeclined: {}, EventAccessRevoked: {}, EventShareTokenRotated: {},
	EventRoleGranted: {}, EventRoleRevoked: {},
}

// Known reports whether t is a recognised event type.
func (t EventType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is an immutable audit record. Once appended it is never updated or deleted.
type Event struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	ListingID       string         `json:"listing_id,omitempty"`
	AssetID         string         `json:"asset_id,omitempty"`
	AccessRequestID string         `json:"access_request_id,omitempty"`
	ActorID         string         `json:"actor_id,omitempty"`
	ActorEmail      string         `json:"actor_email,omitempty"`
	Type            EventType      `json:"event_type"`
	Reason          string         `json:"reason,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	IP              string         `json:"ip,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
	IdempotencyKey  string         `json:"-"`
}

// Filter selects events for one tenant. After is an event id cursor.
type Filter struct {
	TenantID  string
	ListingID string
	Type      EventType
	From      time.Time
	To        time.Time
	After     string
	Limit     int
}

// Page is one slice of a query. Next is empty on the last page.
type Page struct {
	Items []Event `json:"items"`
	Next  string  `json:"next,omitempty"`
}

// Store is the append-only backing store. Append returns inserted=false with the stored
// event when IdempotencyKey was already used.
type Store interface {
	Append(ctx context.Context, e Event) (Event, bool, error)
	Query(ctx context.Context, f Filter) ([]Event, error)
}

var (
	// ErrWriteFailed wraps any failure to persist an event. The operation that produced the
	// event must fail closed.
	ErrWriteFailed  = errors.New("audit: write failed")
	ErrInvalidEvent = errors.New("audit: invalid event")
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

// Matches reports whether e satisfies f, ignoring pagination.
func (f Filter) Matches(e Event) bool {
	if e.TenantID != f.TenantID {
		return false
	}
	if f.ListingID != "" && e.ListingID != f.ListingID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	return true
}
