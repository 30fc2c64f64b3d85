package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dealroom.org/internal/ledger"
	"dealroom.org/internal/listing"
)

// Verifier checks tokens against current ledger and listing state. A valid signature is
// necessary but never sufficient.
type Verifier struct {
	issuer *Issuer
	ledger ledger.Service
	now    func() time.Time
}

func NewVerifier(issuer *Issuer, l ledger.Service) *Verifier {
	return &Verifier{issuer: issuer, ledger: l, now: issuer.now}
}

// VerifyMagic validates a magic link token for requestID. A request that has already left
// pending yields ledger.ErrAlreadyProcessed so the caller can report a replay.
func (v *Verifier) VerifyMagic(ctx context.Context, tenantID, requestID, raw string) (ledger.AccessRequest, *Claims, error) {
	claims, err := v.issuer.Parse(KindMagic, raw)
	if err != nil {
		return ledger.AccessRequest{}, nil, err
	}
	if claims.TenantID != tenantID || claims.RequestID != requestID {
		return ledger.AccessRequest{}, nil, ErrWrongScope
	}
	req, err := v.ledger.Get(ctx, tenantID, requestID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.AccessRequest{}, nil, ErrInvalidToken
	}
	if err != nil {
		return ledger.AccessRequest{}, nil, fmt.Errorf("load access request: %w", err)
	}
	if !strings.EqualFold(req.Email, claims.Email) {
		return ledger.AccessRequest{}, nil, ErrWrongScope
	}
	if req.Status != ledger.StatusPending {
		return req, claims, ledger.ErrAlreadyProcessed
	}
	if req.MagicTokenID == "" || req.MagicTokenID != claims.ID {
		// superseded by a newer link
		return ledger.AccessRequest{}, nil, ErrRevoked
	}
	return req, claims, nil
}

// VerifyNDA validates an NDA-scoped token for listingID and returns the backing request.
func (v *Verifier) VerifyNDA(ctx context.Context, tenantID, listingID, raw string) (ledger.AccessRequest, *Claims, error) {
	claims, err := v.issuer.Parse(KindNDA, raw)
	if err != nil {
		return ledger.AccessRequest{}, nil, err
	}
	if claims.TenantID != tenantID || claims.ListingID != listingID || claims.Scope != NDAScope(listingID) {
		return ledger.AccessRequest{}, nil, ErrWrongScope
	}
	req, err := v.ledger.Get(ctx, tenantID, claims.RequestID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.AccessRequest{}, nil, ErrInvalidToken
	}
	if err != nil {
		return ledger.AccessRequest{}, nil, fmt.Errorf("load access request: %w", err)
	}
	if req.ListingID != listingID || !strings.EqualFold(req.Email, claims.Email) {
		return ledger.AccessRequest{}, nil, ErrWrongScope
	}
	if !req.Active(v.now()) || req.NDATokenID != claims.ID {
		return req, claims, ErrRevoked
	}
	return req, claims, nil
}

// VerifyShare validates a share token against the listing's current share token id.
func (v *Verifier) VerifyShare(l listing.Listing, raw string) (*Claims, error) {
	claims, err := v.issuer.Parse(KindShare, raw)
	if err != nil {
		return nil, err
	}
	if claims.TenantID != l.TenantID || claims.ListingID != l.ID {
		return nil, ErrWrongScope
	}
	if l.ShareTokenID == "" || l.ShareTokenID != claims.ID {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Suspicious reports whether err indicates a possibly forged or replayed token.
func Suspicious(err error) bool {
	return errors.Is(err, ErrWrongScope)
}
