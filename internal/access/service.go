package access

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"dealroom.org/internal/audit"
	"dealroom.org/internal/auth"
	"dealroom.org/internal/ledger"
	"dealroom.org/internal/listing"
	"dealroom.org/internal/notify"
	"dealroom.org/internal/obs"
	"dealroom.org/internal/token"
)

const DefaultNDATTL = 7 * 24 * time.Hour

// TxRunner runs fn in one storage transaction. Stores consulted with the ctx handed to fn
// join that transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// NoTx runs fn directly; used with the in-memory stores.
type NoTx struct{}

func (NoTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type RoleResolver interface {
	Resolve(ctx context.Context, tenantID string, p auth.Principal) (auth.RoleSet, error)
	Register(ctx context.Context, tenantID, userID string) (auth.Assignment, error)
}

type AuditLog interface {
	Record(ctx context.Context, e audit.Event) (string, error)
	Query(ctx context.Context, f audit.Filter) (audit.Page, error)
}

// Deps groups the collaborators of Service.
type Deps struct {
	Ledger    ledger.Service
	Listings  listing.Store
	Roles     auth.RoleStore
	Authority RoleResolver
	Issuer    *token.Issuer
	Verifier  *token.Verifier
	Audit     AuditLog
	Mailer    notify.Sender
	Tx        TxRunner
}

// Service orchestrates the NDA workflow and the privileged management actions around it.
type Service struct {
	Deps
	ndaTTL  time.Duration
	baseURL string
	now     func() time.Time
}

type Option func(*Service)

func WithNDATTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ndaTTL = ttl
		}
	}
}

// WithPublicBaseURL sets the web origin used for NDA page and magic links.
func WithPublicBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(d Deps, opts ...Option) *Service {
	if d.Tx == nil {
		d.Tx = NoTx{}
	}
	s := &Service{
		Deps:    d,
		ndaTTL:  DefaultNDATTL,
		baseURL: "http://localhost:3000",
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Meta describes the caller of an operation for audit purposes.
type Meta struct {
	Principal auth.Principal
	IP        string
	UserAgent string
}

func (m Meta) event(tenantID string, typ audit.EventType) audit.Event {
	return audit.Event{
		TenantID:   tenantID,
		Type:       typ,
		ActorID:    m.Principal.UserID,
		ActorEmail: m.Principal.Email,
		IP:         m.IP,
		UserAgent:  m.UserAgent,
	}
}

// Submission is the result of RequestAccess.
type Submission struct {
	Request       ledger.AccessRequest
	Created       bool
	NDAURL        string
	MagicLinkSent bool
}

// RequestAccess opens (or returns the open) access request for the listing and mails a magic
// link while the request is pending. Rate limiting a replay is not an error.
func (s *Service) RequestAccess(ctx context.Context, tenantID string, in ledger.NewRequest, meta Meta) (Submission, error) {
	in.TenantID = tenantID
	l, err := s.Listings.GetListing(ctx, tenantID, in.ListingID)
	if err != nil {
		return Submission{}, err
	}
	if l.Status != listing.StatusActive {
		return Submission{}, listing.ErrNotFound
	}

	var sub Submission
	err = s.inTx(ctx, func(ctx context.Context) error {
		req, created, err := s.Ledger.Create(ctx, in)
		if err != nil {
			return err
		}
		sub.Request, sub.Created = req, created
		if !created {
			return nil
		}
		e := meta.event(tenantID, audit.EventAccessRequested)
		e.ListingID = req.ListingID
		e.AccessRequestID = req.ID
		e.ActorEmail = req.Email
		if req.Company != "" {
			e.Metadata = map[string]any{"company": req.Company}
		}
		_, err = s.Audit.Record(ctx, e)
		return err
	})
	if err != nil {
		return Submission{}, err
	}
	sub.NDAURL = s.ndaURL(sub.Request.ID)

	if sub.Request.Status != ledger.StatusPending {
		return sub, nil
	}
	err = s.sendMagicLink(ctx, sub.Request, l, meta)
	switch {
	case err == nil:
		sub.MagicLinkSent = true
	case errors.Is(err, token.ErrRateLimited) && !sub.Created:
	default:
		return sub, err
	}
	return sub, nil
}

// ResendMagicLink issues a new magic link for a pending request. The previous link stops
// working because only the newest token id is stored.
func (s *Service) ResendMagicLink(ctx context.Context, tenantID, requestID string, meta Meta) error {
	req, err := s.Ledger.Get(ctx, tenantID, requestID)
	if err != nil {
		return err
	}
	if req.EffectiveStatus(s.now()) != ledger.StatusPending {
		return ledger.ErrAlreadyProcessed
	}
	l, err := s.Listings.GetListing(ctx, tenantID, req.ListingID)
	if err != nil {
		return err
	}
	return s.sendMagicLink(ctx, req, l, meta)
}

func (s *Service) sendMagicLink(ctx context.Context, req ledger.AccessRequest, l listing.Listing, meta Meta) error {
	minted, err := s.Issuer.IssueMagic(ctx, req.TenantID, req.ID, req.Email)
	if errors.Is(err, token.ErrRateLimited) {
		obs.ObserveRateLimited("magic_link")
		return err
	}
	if err != nil {
		return err
	}
	if err := s.Ledger.SetMagicToken(ctx, req.TenantID, req.ID, minted.ID); err != nil {
		return err
	}
	e := meta.event(req.TenantID, audit.EventMagicLinkIssued)
	e.ListingID = req.ListingID
	e.AccessRequestID = req.ID
	e.ActorEmail = req.Email
	e.Metadata = map[string]any{"expires_at": minted.ExpiresAt.Format(time.RFC3339)}
	if _, err := s.Audit.Record(ctx, e); err != nil {
		return err
	}

	link := s.magicURL(req.ID, minted.Token)
	if err := s.Mailer.SendEmail(ctx, notify.TemplateMagicLink, req.Email, map[string]string{
		"full_name":     req.FullName,
		"listing_title": l.Title,
		"link":          link,
		"expires_at":    minted.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		obs.Logger().Warn("magic link email failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
	return nil
}

// SignInput is the NDA signature submitted through a magic link.
type SignInput struct {
	RequestID  string
	MagicToken string
	Signature  string
	IP         string
	UserAgent  string
}

// Signed is the outcome of a successful signature.
// AlreadyProcessed is set when the request had been approved before this call; no new
// token is minted then.
type Signed struct {
	Request          ledger.AccessRequest
	AccessToken      string
	ExpiresAt        time.Time
	AlreadyProcessed bool
}

// SignNDA performs the pending -> approved transition. The ledger update and the nda_signed
// event commit together. Of two concurrent signers exactly one wins; the other, like a
// replayed link, gets the approved row back with AlreadyProcessed set. Signing a request
// that was declined, revoked or has expired returns ledger.ErrAlreadyProcessed.
func (s *Service) SignNDA(ctx context.Context, tenantID string, in SignInput) (Signed, error) {
	ctx, span := obs.Tracer().Start(ctx, "access.SignNDA")
	defer span.End()

	in.Signature = strings.TrimSpace(in.Signature)
	if in.RequestID == "" || in.Signature == "" {
		return Signed{}, fmt.Errorf("%w: request id and signature are required", ledger.ErrInvalidInput)
	}
	req, claims, err := s.Verifier.VerifyMagic(ctx, tenantID, in.RequestID, in.MagicToken)
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		return alreadySigned(req)
	}
	if token.Suspicious(err) {
		s.recordForgery(ctx, tenantID, in)
	}
	if err != nil {
		return Signed{}, err
	}

	now := s.now()
	expires := now.Add(s.ndaTTL)
	nda, err := s.Issuer.MintNDA(tenantID, req.ListingID, req.ID, req.Email, expires)
	if err != nil {
		return Signed{}, err
	}

	var approved ledger.AccessRequest
	err = s.inTx(ctx, func(ctx context.Context) error {
		var err error
		approved, err = s.Ledger.Approve(ctx, ledger.Approval{
			TenantID:             tenantID,
			RequestID:            req.ID,
			ExpectedMagicTokenID: claims.ID,
			NDATokenID:           nda.ID,
			Signature:            in.Signature,
			SignerIP:             in.IP,
			SignedAt:             now,
			ExpiresAt:            expires,
		})
		if errors.Is(err, ledger.ErrTokenMismatch) {
			return token.ErrRevoked
		}
		if err != nil {
			return err
		}
		_, err = s.Audit.Record(ctx, audit.Event{
			TenantID:        tenantID,
			ListingID:       req.ListingID,
			AccessRequestID: req.ID,
			ActorEmail:      req.Email,
			Type:            audit.EventNDASigned,
			IP:              in.IP,
			UserAgent:       in.UserAgent,
			Metadata:        map[string]any{"nda_expires_at": expires.Format(time.RFC3339)},
			IdempotencyKey:  "nda_signed:" + req.ID,
		})
		return err
	})
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		return alreadySigned(approved)
	}
	if err != nil {
		return Signed{}, err
	}

	s.mail(ctx, notify.TemplateNDAConfirmed, approved, map[string]string{
		"listing_id": approved.ListingID,
		"expires_at": expires.Format(time.RFC3339),
	})
	return Signed{Request: approved, AccessToken: nda.Token, ExpiresAt: expires}, nil
}

func alreadySigned(req ledger.AccessRequest) (Signed, error) {
	if req.Status != ledger.StatusApproved || req.NDAExpiresAt == nil {
		return Signed{}, ledger.ErrAlreadyProcessed
	}
	return Signed{Request: req, ExpiresAt: *req.NDAExpiresAt, AlreadyProcessed: true}, nil
}

// recordForgery audits a magic token that verified but belongs to another request, email or
// token kind. Failing to record it does not change the caller's error.
func (s *Service) recordForgery(ctx context.Context, tenantID string, in SignInput) {
	obs.Logger().Warn("suspected token forgery",
		zap.String("tenant_id", tenantID),
		zap.String("request_id", in.RequestID),
		zap.String("ip", in.IP),
		zap.String("operation", "sign_nda"),
	)
	if tenantID == "" {
		return
	}
	if _, err := s.Audit.Record(ctx, audit.Event{
		TenantID:        tenantID,
		AccessRequestID: in.RequestID,
		Type:            audit.EventAccessDenied,
		Reason:          "invalid_token",
		IP:              in.IP,
		UserAgent:       in.UserAgent,
		Metadata:        map[string]any{"suspected_forgery": true, "operation": "sign_nda"},
	}); err != nil {
		obs.Logger().Error("record suspected forgery", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// Decline rejects a pending request. Declining an already declined request is a no-op.
func (s *Service) Decline(ctx context.Context, tenantID, requestID, notes string, meta Meta) (ledger.AccessRequest, error) {
	return s.review(ctx, tenantID, requestID, notes, meta, ledger.StatusDeclined)
}

// Revoke withdraws an approved request. Tokens minted from it stop working immediately.
func (s *Service) Revoke(ctx context.Context, tenantID, requestID, notes string, meta Meta) (ledger.AccessRequest, error) {
	return s.review(ctx, tenantID, requestID, notes, meta, ledger.StatusRevoked)
}

func (s *Service) review(ctx context.Context, tenantID, requestID, notes string, meta Meta, to ledger.Status) (ledger.AccessRequest, error) {
	if err := s.Require(ctx, tenantID, meta.Principal, auth.ActionApproveAccessRequest); err != nil {
		return ledger.AccessRequest{}, err
	}
	r := ledger.Review{TenantID: tenantID, RequestID: requestID, ReviewedBy: meta.Principal.UserID, Notes: notes, At: s.now()}
	transition, typ, tmpl := s.Ledger.Decline, audit.EventAccessDeclined, notify.TemplateAccessDeclined
	if to == ledger.StatusRevoked {
		transition, typ, tmpl = s.Ledger.Revoke, audit.EventAccessRevoked, notify.TemplateAccessRevoked
	}

	var row ledger.AccessRequest
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		row, err = transition(ctx, r)
		if err != nil {
			return err
		}
		e := meta.event(tenantID, typ)
		e.ListingID = row.ListingID
		e.AccessRequestID = row.ID
		if n := strings.TrimSpace(notes); n != "" {
			e.Metadata = map[string]any{"notes": n}
		}
		_, err = s.Audit.Record(ctx, e)
		return err
	})
	if errors.Is(err, ledger.ErrAlreadyProcessed) && row.Status == to {
		return row, nil
	}
	if err != nil {
		return row, err
	}
	s.mail(ctx, tmpl, row, map[string]string{"listing_id": row.ListingID})
	return row, nil
}

// ListRequests returns the requests of one listing with lazy expiry applied.
func (s *Service) ListRequests(ctx context.Context, tenantID, listingID string, p auth.Principal) ([]ledger.AccessRequest, error) {
	if err := s.Require(ctx, tenantID, p, auth.ActionViewAllListings); err != nil {
		return nil, err
	}
	if _, err := s.Listings.GetListing(ctx, tenantID, listingID); err != nil {
		return nil, err
	}
	rows, err := s.Ledger.ListByListing(ctx, tenantID, listingID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range rows {
		rows[i].Status = rows[i].EffectiveStatus(now)
	}
	return rows, nil
}

// RotateShareToken mints a new share token for a private listing; the previous one stops
// verifying.
func (s *Service) RotateShareToken(ctx context.Context, tenantID, listingID string, meta Meta) (token.Minted, error) {
	if err := s.Require(ctx, tenantID, meta.Principal, auth.ActionRotateShareToken); err != nil {
		return token.Minted{}, err
	}
	l, err := s.Listings.GetListing(ctx, tenantID, listingID)
	if err != nil {
		return token.Minted{}, err
	}
	if l.Visibility != listing.VisibilityPrivate {
		return token.Minted{}, fmt.Errorf("%w: share tokens apply to private listings", listing.ErrInvalidInput)
	}
	minted, err := s.Issuer.MintShare(tenantID, listingID)
	if err != nil {
		return token.Minted{}, err
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.Listings.SetShareTokenID(ctx, tenantID, listingID, minted.ID); err != nil {
			return err
		}
		e := meta.event(tenantID, audit.EventShareTokenRotated)
		e.ListingID = listingID
		_, err := s.Audit.Record(ctx, e)
		return err
	})
	if err != nil {
		return token.Minted{}, err
	}
	return minted, nil
}

// GrantRole assigns role to userID. Granting an existing assignment is not an error.
func (s *Service) GrantRole(ctx context.Context, tenantID, userID string, role auth.Role, meta Meta) (auth.Assignment, error) {
	if err := s.Require(ctx, tenantID, meta.Principal, auth.ActionManageRoles); err != nil {
		return auth.Assignment{}, err
	}
	var asg auth.Assignment
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		asg, err = s.Roles.GrantRole(ctx, auth.Assignment{
			TenantID:  tenantID,
			UserID:    userID,
			Role:      role,
			GrantedBy: meta.Principal.UserID,
			CreatedAt: s.now(),
		})
		if errors.Is(err, auth.ErrConflict) {
			asg = auth.Assignment{TenantID: tenantID, UserID: userID, Role: role}
			return nil
		}
		if err != nil {
			return err
		}
		e := meta.event(tenantID, audit.EventRoleGranted)
		e.Metadata = map[string]any{"user_id": userID, "role": string(role)}
		_, err = s.Audit.Record(ctx, e)
		return err
	})
	return asg, err
}

// RevokeRole removes role from userID.
func (s *Service) RevokeRole(ctx context.Context, tenantID, userID string, role auth.Role, meta Meta) error {
	if err := s.Require(ctx, tenantID, meta.Principal, auth.ActionManageRoles); err != nil {
		return err
	}
	return s.inTx(ctx, func(ctx context.Context) error {
		if err := s.Roles.RevokeRole(ctx, tenantID, userID, role); err != nil {
			return err
		}
		e := meta.event(tenantID, audit.EventRoleRevoked)
		e.Metadata = map[string]any{"user_id": userID, "role": string(role)}
		_, err := s.Audit.Record(ctx, e)
		return err
	})
}

// ListRoles returns every role assignment in tenantID.
func (s *Service) ListRoles(ctx context.Context, tenantID string, p auth.Principal) ([]auth.Assignment, error) {
	if err := s.Require(ctx, tenantID, p, auth.ActionManageRoles); err != nil {
		return nil, err
	}
	out, err := s.Roles.ListAssignments(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []auth.Assignment{}
	}
	return out, nil
}

// DeleteAccount removes every role the calling user holds, in all tenants. The deletion is
// audited in tenantID.
func (s *Service) DeleteAccount(ctx context.Context, tenantID string, meta Meta) error {
	if meta.Principal.Anonymous() {
		return auth.ErrInvalidSession
	}
	if _, err := s.Authority.Resolve(ctx, tenantID, meta.Principal); err != nil {
		return err
	}
	return s.inTx(ctx, func(ctx context.Context) error {
		if err := s.Roles.DeleteUser(ctx, meta.Principal.UserID); err != nil {
			return err
		}
		e := meta.event(tenantID, audit.EventRoleRevoked)
		e.Metadata = map[string]any{"user_id": meta.Principal.UserID, "scope": "account"}
		_, err := s.Audit.Record(ctx, e)
		return err
	})
}

// Register gives an authenticated user the default buyer role in tenantID.
func (s *Service) Register(ctx context.Context, tenantID string, p auth.Principal) (auth.Assignment, error) {
	if p.Anonymous() {
		return auth.Assignment{}, auth.ErrInvalidSession
	}
	return s.Authority.Register(ctx, tenantID, p.UserID)
}

// QueryAudit returns one page of the tenant's audit log.
func (s *Service) QueryAudit(ctx context.Context, f audit.Filter, p auth.Principal) (audit.Page, error) {
	if err := s.Require(ctx, f.TenantID, p, auth.ActionViewAuditLog); err != nil {
		return audit.Page{}, err
	}
	return s.Audit.Query(ctx, f)
}

// Require resolves the principal's roles once and checks action. Unknown tenants are denied.
func (s *Service) Require(ctx context.Context, tenantID string, p auth.Principal, action auth.Action) error {
	if p.Anonymous() {
		return auth.ErrInvalidSession
	}
	set, err := s.Authority.Resolve(ctx, tenantID, p)
	if errors.Is(err, auth.ErrUnknownTenant) {
		return auth.ErrForbidden
	}
	if err != nil {
		return err
	}
	return set.Require(action)
}

// SweepExpired marks lapsed approvals as expired. Reads already treat them as expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.Ledger.SweepExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.Logger().Info("expired access requests swept", zap.Int("count", n))
	}
	return n, nil
}

// inTx runs fn in one transaction and publishes the audit events it recorded only after
// the commit.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, pending := audit.Defer(ctx)
	if err := s.Tx.RunInTx(ctx, fn); err != nil {
		return err
	}
	pending.Flush()
	return nil
}

func (s *Service) mail(ctx context.Context, tmpl notify.Template, req ledger.AccessRequest, vars map[string]string) {
	if vars == nil {
		vars = map[string]string{}
	}
	vars["full_name"] = req.FullName
	if err := s.Mailer.SendEmail(ctx, tmpl, req.Email, vars); err != nil {
		obs.Logger().Warn("notification email failed",
			zap.String("template", string(tmpl)),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) ndaURL(requestID string) string {
	return s.baseURL + "/nda/" + url.PathEscape(requestID)
}

func (s *Service) magicURL(requestID, raw string) string {
	q := url.Values{}
	q.Set("token", raw)
	return s.ndaURL(requestID) + "?" + q.Encode()
}
