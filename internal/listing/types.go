package listing

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Visibility controls who may see a listing page.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityUnlisted Visibility = "unlisted"
)

// Status is the listing lifecycle. Only active listings reach non-privileged viewers.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusSold     Status = "sold"
	StatusArchived Status = "archived"
)

// AssetType is the disclosure class of a file.
type AssetType string

const (
	AssetPublic       AssetType = "public"
	AssetNDARequired  AssetType = "nda_required"
	AssetConfidential AssetType = "confidential"
)

// Gated reports whether the asset needs an NDA or an overriding role.
func (t AssetType) Gated() bool { return t != AssetPublic }

type Listing struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Slug         string     `json:"slug"`
	Title        string     `json:"title"`
	Visibility   Visibility `json:"visibility"`
	Status       Status     `json:"status"`
	ShareTokenID string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Asset struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ListingID   string    `json:"listing_id"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"-"`
	AssetType   AssetType `json:"asset_type"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

var (
	ErrNotFound     = errors.New("listing: not found")
	ErrConflict     = errors.New("listing: conflict")
	ErrInvalidInput = errors.New("listing: invalid input")
)

// Store is the tenant-scoped catalog. A listing that exists under another tenant is
// reported as ErrNotFound.
type Store interface {
	CreateListing(ctx context.Context, l Listing) (Listing, error)
	GetListing(ctx context.Context, tenantID, id string) (Listing, error)
	SetStatus(ctx context.Context, tenantID, id string, status Status) error
	SetShareTokenID(ctx context.Context, tenantID, id, tokenID string) error
	AddAsset(ctx context.Context, a Asset) (Asset, error)
	GetAsset(ctx context.Context, tenantID, listingID, assetID string) (Asset, error)
	ListAssets(ctx context.Context, tenantID, listingID string) ([]Asset, error)
}

// StoragePath builds the object key for a listing file.
func StoragePath(listingID, filename string) string {
	return path.Join("listings", listingID, path.Base("/"+strings.TrimSpace(filename)))
}

// ValidVisibility reports whether v is a known visibility.
func ValidVisibility(v Visibility) bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilityUnlisted:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusActive, StatusSold, StatusArchived:
		return true
	}
	return false
}

// ValidAssetType reports whether t is a known asset type.
func ValidAssetType(t AssetType) bool {
	switch t {
	case AssetPublic, AssetNDARequired, AssetConfidential:
		return true
	}
	return false
}

// Normalize fills defaults and validates a new listing.
func Normalize(l Listing) (Listing, error) {
	l.Slug = strings.ToLower(strings.TrimSpace(l.Slug))
	l.Title = strings.TrimSpace(l.Title)
	if l.TenantID == "" {
		return Listing{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if l.Slug == "" {
		return Listing{}, fmt.Errorf("%w: slug is required", ErrInvalidInput)
	}
	if l.Visibility == "" {
		l.Visibility = VisibilityPrivate
	}
	if l.Status == "" {
		l.Status = StatusDraft
	}
	if !ValidVisibility(l.Visibility) || !ValidStatus(l.Status) {
		return Listing{}, fmt.Errorf("%w: unknown visibility or status", ErrInvalidInput)
	}
	return l, nil
}

// NormalizeAsset fills defaults and validates a new asset.
func NormalizeAsset(a Asset) (Asset, error) {
	a.Filename = strings.TrimSpace(a.Filename)
	if a.TenantID == "" || a.ListingID == "" || a.Filename == "" {
		return Asset{}, fmt.Errorf("%w: tenant, listing and filename are required", ErrInvalidInput)
	}
	if a.AssetType == "" {
		a.AssetType = AssetConfidential
	}
	if !ValidAssetType(a.AssetType) {
		return Asset{}, fmt.Errorf("%w: unknown asset type", ErrInvalidInput)
	}
	if a.StoragePath == "" {
		a.StoragePath = StoragePath(a.ListingID, a.Filename)
	}
	return a, nil
}
