package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dealroom.org/internal/ids"
)

// Status is the NDA lifecycle state of an access request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
	StatusRevoked  Status = "revoked"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusRevoked || s == StatusExpired
}

// AccessRequest is the NDA workflow record for one (listing, email) cycle. Rows are never
// deleted; a new NDA cycle gets a new row.
type AccessRequest struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	ListingID    string     `json:"listing_id"`
	Email        string     `json:"email"`
	FullName     string     `json:"full_name"`
	Company      string     `json:"company,omitempty"`
	Message      string     `json:"message,omitempty"`
	Status       Status     `json:"status"`
	MagicTokenID string     `json:"-"`
	NDATokenID   string     `json:"-"`
	Signature    string     `json:"-"`
	SignerIP     string     `json:"signer_ip,omitempty"`
	NDASignedAt  *time.Time `json:"nda_signed_at,omitempty"`
	NDAExpiresAt *time.Time `json:"nda_expires_at,omitempty"`
	ReviewedBy   string     `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// EffectiveStatus applies lazy expiry: an approved request past nda_expires_at reads as
// expired whether or not a sweep has run.
func (r AccessRequest) EffectiveStatus(now time.Time) Status {
	if r.Status == StatusApproved && r.NDAExpiresAt != nil && !now.Before(*r.NDAExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// Active reports whether the request currently grants NDA access.
func (r AccessRequest) Active(now time.Time) bool {
	return r.EffectiveStatus(now) == StatusApproved
}

// Open reports whether the request blocks creation of a new row for the same pair.
func (r AccessRequest) Open(now time.Time) bool {
	st := r.EffectiveStatus(now)
	return st == StatusPending || st == StatusApproved
}

// NewRequest is the input to Create.
type NewRequest struct {
	TenantID  string
	ListingID string
	Email     string
	FullName  string
	Company   string
	Message   string
}

// Normalize trims and lowercases the input and checks required fields.
func (n NewRequest) Normalize() (NewRequest, error) {
	n.TenantID = strings.TrimSpace(n.TenantID)
	n.ListingID = strings.TrimSpace(n.ListingID)
	n.Email = strings.ToLower(strings.TrimSpace(n.Email))
	n.FullName = strings.TrimSpace(n.FullName)
	n.Company = strings.TrimSpace(n.Company)
	n.Message = strings.TrimSpace(n.Message)
	switch {
	case n.TenantID == "":
		return n, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	case n.ListingID == "":
		return n, fmt.Errorf("%w: listing id is required", ErrInvalidInput)
	case n.Email == "" || !strings.Contains(n.Email, "@"):
		return n, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	return n, nil
}

// Approval carries the sign_nda transition. ExpectedMagicTokenID must equal the magic
// token currently stored on the row; it is cleared by the transition so the link is
// consumed exactly once.
type Approval struct {
	TenantID             string
	RequestID            string
	ExpectedMagicTokenID string
	NDATokenID           string
	Signature            string
	SignerIP             string
	SignedAt             time.Time
	ExpiresAt            time.Time
}

// Review carries decline and revoke transitions.
type Review struct {
	TenantID   string
	RequestID  string
	ReviewedBy string
	Notes      string
	At         time.Time
}

var (
	ErrNotFound         = errors.New("ledger: access request not found")
	ErrInvalidInput     = errors.New("ledger: invalid input")
	ErrAlreadyProcessed = errors.New("ledger: already processed")
	ErrTokenMismatch    = errors.New("ledger: magic token does not match request")
)

func newID() string {
	return ids.New()
}
