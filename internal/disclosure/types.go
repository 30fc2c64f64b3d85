package disclosure

import (
	"context"
	"time"

	"dealroom.org/internal/audit"
	"dealroom.org/internal/auth"
	"dealroom.org/internal/ledger"
	"dealroom.org/internal/listing"
	"dealroom.org/internal/storage"
	"dealroom.org/internal/token"
)

// Reason explains a decision. Denial reasons map onto stable API error codes.
type Reason string

const (
	ReasonPublicListing Reason = "public_listing"
	ReasonRoleOverride  Reason = "role_override"
	ReasonShareToken    Reason = "share_token"
	ReasonNDAApproved   Reason = "nda_approved"
	ReasonPublicAsset   Reason = "public_asset"

	ReasonNotFound     Reason = "not_found"
	ReasonForbidden    Reason = "forbidden"
	ReasonNDARequired  Reason = "nda_required"
	ReasonInvalidToken Reason = "invalid_token"
	ReasonUnavailable  Reason = "unavailable"
)

// Request is one disclosure question. Token is an NDA-scoped bearer token, ShareToken a
// listing share token; both are optional.
type Request struct {
	TenantID   string
	ListingID  string
	AssetID    string
	Principal  auth.Principal
	Token      string
	ShareToken string
	IP         string
	UserAgent  string
}

// Delivery describes a short-lived download for an allowed asset.
type Delivery struct {
	URL       string            `json:"download_url"`
	ExpiresAt time.Time         `json:"expires_at"`
	ExpiresIn int               `json:"expires_in"`
	Watermark storage.Watermark `json:"watermark"`
}

type Decision struct {
	Allowed  bool
	Reason   Reason
	Listing  *listing.Listing
	Asset    *listing.Asset
	Delivery *Delivery
	EventID  string
}

// File is an allowed asset with its download descriptor.
type File struct {
	Asset    listing.Asset
	Delivery Delivery
}

// FileSet is the result of ResolveFiles. Decision summarises the call: it is allowed when
// at least one file (or an empty but visible listing) was disclosed.
type FileSet struct {
	Files    []File
	Decision Decision
}

// RoleResolver resolves a principal's roles in one tenant.
type RoleResolver interface {
	Resolve(ctx context.Context, tenantID string, p auth.Principal) (auth.RoleSet, error)
}

// TokenVerifier checks NDA and share tokens against current state.
type TokenVerifier interface {
	VerifyNDA(ctx context.Context, tenantID, listingID, raw string) (ledger.AccessRequest, *token.Claims, error)
	VerifyShare(l listing.Listing, raw string) (*token.Claims, error)
}

// ActiveRequests finds an approved, unexpired access request for (listing, email).
type ActiveRequests interface {
	FindActive(ctx context.Context, tenantID, listingID, email string) (ledger.AccessRequest, error)
}

type Recorder interface {
	Record(ctx context.Context, e audit.Event) (string, error)
}
