package disclosure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"dealroom.org/internal/audit"
	"dealroom.org/internal/auth"
	"dealroom.org/internal/ledger"
	"dealroom.org/internal/listing"
	"dealroom.org/internal/obs"
	"dealroom.org/internal/storage"
	"dealroom.org/internal/token"
)

const DefaultDownloadTTL = 300 * time.Second

// Broker decides whether a listing page or asset may be disclosed and records every decision.
// It holds no per-request state between calls.
type Broker struct {
	listings listing.Store
	roles    RoleResolver
	tokens   TokenVerifier
	requests ActiveRequests
	recorder Recorder
	signer   storage.URLSigner
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Broker)

func WithDownloadTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBroker(listings listing.Store, roles RoleResolver, tokens TokenVerifier, requests ActiveRequests, recorder Recorder, signer storage.URLSigner, opts ...Option) *Broker {
	b := &Broker{
		listings: listings,
		roles:    roles,
		tokens:   tokens,
		requests: requests,
		recorder: recorder,
		signer:   signer,
		ttl:      DefaultDownloadTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Resolve answers one disclosure question. Exactly one audit event is written before it
// returns. If that write fails the decision is Deny and the error wraps audit.ErrWriteFailed.
func (b *Broker) Resolve(ctx context.Context, req Request) (Decision, error) {
	ctx, span := obs.Tracer().Start(ctx, "disclosure.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("listing.id", req.ListingID),
		attribute.Bool("asset", req.AssetID != ""),
	)

	r := b.begin(ctx, req)
	var o outcome
	if req.AssetID == "" {
		o = r.page()
	} else {
		o = r.asset(req.AssetID)
	}
	d, err := r.finish(o)
	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.String("reason", string(d.Reason)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return d, err
}

// ResolveFiles resolves every asset of a listing within a single role resolution. Each
// asset decision is audited on its own.
func (b *Broker) ResolveFiles(ctx context.Context, req Request) (FileSet, error) {
	ctx, span := obs.Tracer().Start(ctx, "disclosure.ResolveFiles")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("listing.id", req.ListingID),
	)

	req.AssetID = ""
	r := b.begin(ctx, req)
	page := r.page()
	if !page.allowed {
		d, err := r.finish(page)
		return FileSet{Decision: d}, err
	}
	assets, err := b.listings.ListAssets(ctx, req.TenantID, req.ListingID)
	if err != nil {
		r.err = fmt.Errorf("list assets: %w", err)
		d, ferr := r.finish(deny(ReasonUnavailable))
		return FileSet{Decision: d}, ferr
	}
	if len(assets) == 0 {
		d, err := r.finish(page)
		return FileSet{Files: []File{}, Decision: d}, err
	}

	set := FileSet{Files: []File{}}
	var first, firstDenial *Decision
	for _, a := range assets {
		d, err := r.finish(r.assetDecision(a))
		if err != nil {
			return FileSet{Decision: d}, err
		}
		if !d.Allowed {
			if firstDenial == nil {
				firstDenial = &d
			}
			continue
		}
		if first == nil {
			first = &d
		}
		set.Files = append(set.Files, File{Asset: *d.Asset, Delivery: *d.Delivery})
	}
	if first == nil {
		set.Decision = *firstDenial
		return set, nil
	}
	set.Decision = Decision{Allowed: true, Reason: first.Reason, Listing: r.listing}
	return set, nil
}

// resolution is the state of a single call: roles and the NDA grant are looked up at most
// once and discarded afterwards.
type resolution struct {
	b       *Broker
	ctx     context.Context
	req     Request
	roles   auth.RoleSet
	listing *listing.Listing
	err     error

	grantDone  bool
	grant      *ledger.AccessRequest
	grantEmail string
	tokenErr   error
}

type outcome struct {
	allowed   bool
	reason    Reason
	asset     *listing.Asset
	delivery  *Delivery
	email     string
	forgery   bool
	requestID string
}

func deny(reason Reason) outcome { return outcome{reason: reason} }

func (b *Broker) begin(ctx context.Context, req Request) *resolution {
	r := &resolution{b: b, ctx: ctx, req: req}
	roles, err := b.roles.Resolve(ctx, req.TenantID, req.Principal)
	switch {
	case errors.Is(err, auth.ErrUnknownTenant):
		return r
	case err != nil:
		r.err = err
		return r
	}
	r.roles = roles

	l, err := b.listings.GetListing(ctx, req.TenantID, req.ListingID)
	switch {
	case errors.Is(err, listing.ErrNotFound):
	case err != nil:
		r.err = fmt.Errorf("load listing: %w", err)
	default:
		r.listing = &l
	}
	return r
}

// page decides listing visibility.
func (r *resolution) page() outcome {
	if r.err != nil {
		return deny(ReasonUnavailable)
	}
	if r.listing == nil {
		return deny(ReasonNotFound)
	}
	l := r.listing
	if r.roles.Allows(auth.ActionViewAllListings) {
		return outcome{allowed: true, reason: ReasonRoleOverride}
	}
	if l.Status != listing.StatusActive {
		return deny(ReasonNotFound)
	}
	if l.Visibility != listing.VisibilityPrivate {
		return outcome{allowed: true, reason: ReasonPublicListing}
	}

	var shareErr error
	if r.req.ShareToken != "" {
		_, shareErr = r.b.tokens.VerifyShare(*l, r.req.ShareToken)
		if shareErr == nil {
			return outcome{allowed: true, reason: ReasonShareToken}
		}
	}
	if r.loadGrant(); r.err != nil {
		return deny(ReasonUnavailable)
	}
	if r.grant != nil {
		return outcome{allowed: true, reason: ReasonNDAApproved, email: r.grantEmail, requestID: r.grant.ID}
	}
	if bad := badToken(shareErr); bad != nil {
		return *bad
	}
	if bad := badToken(r.tokenErr); bad != nil {
		return *bad
	}
	if errors.Is(r.tokenErr, token.ErrRevoked) || errors.Is(r.tokenErr, token.ErrExpired) {
		// a genuine NDA token whose access has lapsed
		return deny(ReasonNDARequired)
	}
	return deny(ReasonForbidden)
}

func (r *resolution) asset(assetID string) outcome {
	o := r.page()
	if !o.allowed {
		return o
	}
	a, err := r.b.listings.GetAsset(r.ctx, r.req.TenantID, r.req.ListingID, assetID)
	if errors.Is(err, listing.ErrNotFound) {
		return deny(ReasonNotFound)
	}
	if err != nil {
		r.err = fmt.Errorf("load asset: %w", err)
		return deny(ReasonUnavailable)
	}
	return r.assetDecision(a)
}

// assetDecision applies NDA gating to an asset of a listing the caller may already see.
func (r *resolution) assetDecision(a listing.Asset) outcome {
	var o outcome
	switch {
	case !a.AssetType.Gated():
		o = outcome{allowed: true, reason: ReasonPublicAsset}
	case r.roles.Allows(auth.ActionBypassNDA):
		o = outcome{allowed: true, reason: ReasonRoleOverride}
	default:
		if r.loadGrant(); r.err != nil {
			return deny(ReasonUnavailable)
		}
		if r.grant == nil {
			o = deny(ReasonNDARequired)
			if bad := badToken(r.tokenErr); bad != nil {
				o = *bad
			}
			o.asset = &a
			return o
		}
		o = outcome{allowed: true, reason: ReasonNDAApproved, requestID: r.grant.ID}
	}
	o.asset = &a
	o.email = r.watermarkEmail()
	d, err := r.deliver(a, o.email)
	if err != nil {
		r.err = err
		return deny(ReasonUnavailable)
	}
	o.delivery = d
	return o
}

// loadGrant finds the approved request backing the caller, via the NDA token when one is
// presented and via the principal's email otherwise.
func (r *resolution) loadGrant() {
	if r.grantDone {
		return
	}
	r.grantDone = true
	ctx, req := r.ctx, r.req
	if req.Token != "" {
		row, claims, err := r.b.tokens.VerifyNDA(ctx, req.TenantID, req.ListingID, req.Token)
		switch {
		case err == nil:
			r.grant = &row
			r.grantEmail = claims.Email
			return
		case isTokenError(err):
			r.tokenErr = err
		default:
			r.err = fmt.Errorf("verify nda token: %w", err)
			return
		}
	}
	if req.Principal.Email == "" {
		return
	}
	row, err := r.b.requests.FindActive(ctx, req.TenantID, req.ListingID, req.Principal.Email)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
	case err != nil:
		r.err = fmt.Errorf("find active request: %w", err)
	default:
		r.grant = &row
		r.grantEmail = row.Email
	}
}

func (r *resolution) watermarkEmail() string {
	if r.grantEmail != "" {
		return r.grantEmail
	}
	return r.req.Principal.Email
}

func (r *resolution) deliver(a listing.Asset, email string) (*Delivery, error) {
	now := r.b.now()
	wm := storage.Watermark{Email: email, IP: r.req.IP, Timestamp: now}
	url, err := r.b.signer.CreateSignedURL(r.ctx, a.StoragePath, r.b.ttl, wm)
	if err != nil {
		return nil, fmt.Errorf("sign download: %w", err)
	}
	return &Delivery{
		URL:       url,
		ExpiresAt: now.Add(r.b.ttl),
		ExpiresIn: int(r.b.ttl / time.Second),
		Watermark: wm,
	}, nil
}

// finish writes the single audit event for o and converts it into a Decision.
func (r *resolution) finish(o outcome) (Decision, error) {
	req := r.req
	e := audit.Event{
		TenantID:   req.TenantID,
		ActorID:    req.Principal.UserID,
		ActorEmail: req.Principal.Email,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		Reason:     string(o.reason),
		Metadata:   map[string]any{},
	}
	if r.listing != nil {
		e.ListingID = r.listing.ID
	} else {
		e.Metadata["requested_listing_id"] = req.ListingID
	}
	if o.asset != nil {
		e.AssetID = o.asset.ID
	} else if req.AssetID != "" {
		e.Metadata["requested_asset_id"] = req.AssetID
	}
	if o.requestID != "" {
		e.AccessRequestID = o.requestID
	}
	if e.ActorEmail == "" {
		e.ActorEmail = o.email
	}
	switch {
	case !o.allowed:
		e.Type = audit.EventAccessDenied
		if o.forgery {
			e.Metadata["suspected_forgery"] = true
		}
	case o.asset != nil:
		e.Type = audit.EventAssetDisclosed
	default:
		e.Type = audit.EventListingViewed
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}

	id, aerr := r.b.recorder.Record(r.ctx, e)
	if aerr != nil {
		obs.ObserveDecision(false, "audit_failure")
		return Decision{Reason: ReasonUnavailable}, aerr
	}
	obs.ObserveDecision(o.allowed, string(o.reason))
	if o.forgery {
		obs.Logger().Warn("suspected token forgery",
			zap.String("tenant_id", req.TenantID),
			zap.String("listing_id", req.ListingID),
			zap.String("ip", req.IP),
			zap.String("event_id", id),
		)
	}

	d := Decision{Allowed: o.allowed, Reason: o.reason, EventID: id}
	if o.allowed {
		d.Listing = r.listing
		d.Asset = o.asset
		d.Delivery = o.delivery
	}
	if r.err != nil {
		return d, r.err
	}
	return d, nil
}

func isTokenError(err error) bool {
	return errors.Is(err, token.ErrInvalidToken) || errors.Is(err, token.ErrExpired) ||
		errors.Is(err, token.ErrWrongScope) || errors.Is(err, token.ErrRevoked)
}

// badToken turns a presented-but-unusable token into a denial. Expired and revoked tokens
// are not reported; the caller simply lacks access.
func badToken(err error) *outcome {
	switch {
	case err == nil:
		return nil
	case token.Suspicious(err):
		o := outcome{reason: ReasonInvalidToken, forgery: true}
		return &o
	case errors.Is(err, token.ErrInvalidToken):
		o := outcome{reason: ReasonInvalidToken}
		return &o
	}
	return nil
}
