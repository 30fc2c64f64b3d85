package access

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"dealroom.org/internal/audit"
	"dealroom.org/internal/auth"
	"dealroom.org/internal/ledger"
	"dealroom.org/internal/listing"
	"dealroom.org/internal/notify"
	"dealroom.org/internal/token"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentMail struct {
	template  notify.Template
	recipient string
	vars      map[string]string
}

type mailbox struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *mailbox) SendEmail(_ context.Context, tmpl notify.Template, to string, vars map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{template: tmpl, recipient: to, vars: vars})
	return nil
}

func (m *mailbox) last(t *testing.T, tmpl notify.Template) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].template == tmpl {
			return m.sent[i]
		}
	}
	t.Fatalf("no %s email sent", tmpl)
	return sentMail{}
}

// magicToken extracts the token from the most recent magic link email.
func (m *mailbox) magicToken(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(m.last(t, notify.TemplateMagicLink).vars["link"])
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return u.Query().Get("token")
}

type harness struct {
	svc      *Service
	clock    *clock
	mail     *mailbox
	events   *audit.InMemory
	ledger   *ledger.InMemory
	listings *listing.InMemory
	roles    *auth.InMemory
	verifier *token.Verifier
	tenant   string
	private  listing.Listing
	public   listing.Listing
	admin    auth.Principal
	editor   auth.Principal
	buyer    auth.Principal
}

func newHarness(t *testing.T, limiter token.Limiter) *harness {
	t.Helper()
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:    c,
		mail:     &mailbox{},
		events:   audit.NewInMemory(),
		ledger:   ledger.NewInMemory(ledger.WithClock(c.Now)),
		listings: listing.NewInMemory(),
		roles:    auth.NewInMemory(),
		admin:    auth.Principal{UserID: "u-admin", Email: "admin@acme.test"},
		editor:   auth.Principal{UserID: "u-editor", Email: "editor@acme.test"},
		buyer:    auth.Principal{UserID: "u-buyer", Email: "buyer@acme.test"},
	}
	tenant, err := h.roles.CreateTenant(ctx, "acme", "Acme")
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	h.tenant = tenant.ID
	for p, role := range map[string]auth.Role{"u-admin": auth.RoleAdmin, "u-editor": auth.RoleEditor, "u-buyer": auth.RoleBuyer} {
		if _, err := h.roles.GrantRole(ctx, auth.Assignment{TenantID: h.tenant, UserID: p, Role: role}); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	h.private, _ = h.listings.CreateListing(ctx, listing.Listing{TenantID: h.tenant, Slug: "widget", Title: "Widget Co", Visibility: listing.VisibilityPrivate, Status: listing.StatusActive})
	h.public, _ = h.listings.CreateListing(ctx, listing.Listing{TenantID: h.tenant, Slug: "gadget", Visibility: listing.VisibilityPublic, Status: listing.StatusActive})

	opts := []token.Option{token.WithClock(c.Now)}
	if limiter != nil {
		opts = append(opts, token.WithLimiter(limiter))
	}
	issuer, err := token.NewIssuer("access-test-secret-value", opts...)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	h.verifier = token.NewVerifier(issuer, h.ledger)
	h.svc = NewService(Deps{
		Ledger:    h.ledger,
		Listings:  h.listings,
		Roles:     h.roles,
		Authority: auth.NewAuthority(h.roles, h.roles),
		Issuer:    issuer,
		Verifier:  h.verifier,
		Audit:     audit.NewRecorder(h.events, audit.WithClock(c.Now)),
		Mailer:    h.mail,
	}, WithClock(c.Now), WithPublicBaseURL("https://deals.example/"))
	return h
}

func (h *harness) count(t *testing.T, typ audit.EventType) int {
	t.Helper()
	events, err := h.events.Query(context.Background(), audit.Filter{TenantID: h.tenant, Type: typ})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return len(events)
}

func (h *harness) request(t *testing.T, listingID, email string) Submission {
	t.Helper()
	sub, err := h.svc.RequestAccess(context.Background(), h.tenant, ledger.NewRequest{
		ListingID: listingID, Email: email, FullName: "Ada Buyer", Company: "Lovelace Capital",
	}, Meta{IP: "198.51.100.7"})
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	return sub
}

func TestRequestAccessIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	first := h.request(t, h.private.ID, "A@X.com")
	if !first.Created || first.Request.Status != ledger.StatusPending || first.Request.Email != "a@x.com" {
		t.Fatalf("unexpected submission %+v", first)
	}
	if first.NDAURL != "https://deals.example/nda/"+first.Request.ID {
		t.Fatalf("nda url = %s", first.NDAURL)
	}
	if !first.MagicLinkSent || h.mail.last(t, notify.TemplateMagicLink).recipient != "a@x.com" {
		t.Fatal("magic link not mailed")
	}

	second := h.request(t, h.private.ID, "a@x.com")
	if second.Created || second.Request.ID != first.Request.ID {
		t.Fatalf("replay created a new request: %+v", second)
	}
	if got := h.count(t, audit.EventAccessRequested); got != 1 {
		t.Fatalf("access_requested events = %d", got)
	}
	if got := h.count(t, audit.EventMagicLinkIssued); got != 2 {
		t.Fatalf("magic_link_issued events = %d", got)
	}
}

func TestRequestAccessUnknownOrInactiveListing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.RequestAccess(ctx, h.tenant, ledger.NewRequest{ListingID: "nope", Email: "a@x.com"}, Meta{}); !errors.Is(err, listing.ErrNotFound) {
		t.Fatalf("unknown listing: %v", err)
	}
	_ = h.listings.SetStatus(ctx, h.tenant, h.public.ID, listing.StatusSold)
	if _, err := h.svc.RequestAccess(ctx, h.tenant, ledger.NewRequest{ListingID: h.public.ID, Email: "a@x.com"}, Meta{}); !errors.Is(err, listing.ErrNotFound) {
		t.Fatalf("sold listing: %v", err)
	}
}

func TestSignNDAApprovesAndMintsToken(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sub := h.request(t, h.private.ID, "a@x.com")

	signed, err := h.svc.SignNDA(ctx, h.tenant, SignInput{
		RequestID: sub.Request.ID, MagicToken: h.mail.magicToken(t), Signature: "Ada Buyer", IP: "198.51.100.7",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Request.Status != ledger.StatusApproved {
		t.Fatalf("status = %s", signed.Request.Status)
	}
	if want := h.clock.Now().Add(7 * 24 * time.Hour); !signed.ExpiresAt.Equal(want) || !signed.Request.NDAExpiresAt.Equal(want) {
		t.Fatalf("expiry = %s", signed.ExpiresAt)
	}
	if _, _, err := h.verifier.VerifyNDA(ctx, h.tenant, h.private.ID, signed.AccessToken); err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if h.mail.last(t, notify.TemplateNDAConfirmed).recipient != "a@x.com" {
		t.Fatal("confirmation not mailed")
	}

	// the link is single use: a replay reports the approval without minting
	again, err := h.svc.SignNDA(ctx, h.tenant, SignInput{RequestID: sub.Request.ID, MagicToken: h.mail.magicToken(t), Signature: "Ada"})
	if err != nil {
		t.Fatalf("replayed link: %v", err)
	}
	if !again.AlreadyProcessed || again.AccessToken != "" || !again.ExpiresAt.Equal(signed.ExpiresAt) {
		t.Fatalf("unexpected replay result %+v", again)
	}
	if got := h.count(t, audit.EventNDASigned); got != 1 {
		t.Fatalf("nda_signed events = %d", got)
	}
}

func TestSignNDARequiresSignature(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.request(t, h.private.ID, "a@x.com")
	_, err := h.svc.SignNDA(context.Background(), h.tenant, SignInput{RequestID: sub.Request.ID, MagicToken: h.mail.magicToken(t), Signature: "  "})
	if !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestConcurrentSignNDAHasOneWinner(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.request(t, h.private.ID, "a@x.com")
	magic := h.mail.magicToken(t)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		processed int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			signed, err := h.svc.SignNDA(context.Background(), h.tenant, SignInput{RequestID: sub.Request.ID, MagicToken: magic, Signature: "Ada"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case signed.AlreadyProcessed && signed.AccessToken == "":
				processed++
			case signed.AccessToken != "":
				wins++
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 || processed != n-1 {
		t.Fatalf("wins=%d already_processed=%d", wins, processed)
	}
	if got := h.count(t, audit.EventNDASigned); got != 1 {
		t.Fatalf("nda_signed events = %d", got)
	}
}

func TestResendInvalidatesPreviousLink(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sub := h.request(t, h.private.ID, "a@x.com")
	old := h.mail.magicToken(t)

	h.clock.Advance(time.Second)
	if err := h.svc.ResendMagicLink(ctx, h.tenant, sub.Request.ID, Meta{}); err != nil {
		t.Fatalf("resend: %v", err)
	}
	fresh := h.mail.magicToken(t)
	if fresh == old {
		t.Fatal("resend reused the token")
	}
	if _, err := h.svc.SignNDA(ctx, h.tenant, SignInput{RequestID: sub.Request.ID, MagicToken: old, Signature: "Ada"}); !errors.Is(err, token.ErrRevoked) {
		t.Fatalf("old link: %v", err)
	}
	if _, err := h.svc.SignNDA(ctx, h.tenant, SignInput{RequestID: sub.Request.ID, MagicToken: fresh, Signature: "Ada"}); err != nil {
		t.Fatalf("fresh link: %v", err)
	}
	if err := h.svc.ResendMagicLink(ctx, h.tenant, sub.Request.ID, Meta{}); !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("resend after approval: %v", err)
	}
}

func TestMagicLinkRateLimit(t *testing.T) {
	c := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, token.NewMemoryLimiter(1, func() time.Time { return c }))
	ctx := context.Background()

	first := h.request(t, h.private.ID, "a@x.com")
	if !first.MagicLinkSent {
		t.Fatal("first link should be sent")
	}
	replay := h.request(t, h.private.ID, "a@x.com")
	if replay.MagicLinkSent || replay.Request.ID != first.Request.ID {
		t.Fatalf("replay = %+v", replay)
	}
	_, err := h.svc.RequestAccess(ctx, h.tenant, ledger.NewRequest{ListingID: h.public.ID, Email: "a@x.com"}, Meta{})
	if !errors.Is(err, token.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if err := h.svc.ResendMagicLink(ctx, h.tenant, first.Request.ID, Meta{}); !errors.Is(err, token.ErrRateLimited) {
		t.Fatalf("resend: %v", err)
	}
}

func TestDeclineAndRevoke(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pending := h.request(t, h.private.ID, "p@x.com")

	if _, err := h.svc.Decline(ctx, h.tenant, pending.Request.ID, "", Meta{Principal: h.buyer}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("buyer decline: %v", err)
	}
	if _, err := h.svc.Decline(ctx, h.tenant, pending.Request.ID, "", Meta{}); !errors.Is(err, auth.ErrInvalidSession) {
		t.Fatalf("anonymous decline: %v", err)
	}
	row, err := h.svc.Decline(ctx, h.tenant, pending.Request.ID, "not a fit", Meta{Principal: h.admin})
	if err != nil || row.Status != ledger.StatusDeclined || row.ReviewedBy != h.admin.UserID {
		t.Fatalf("decline: %+v %v", row, err)
	}
	if _, err := h.svc.Decline(ctx, h.tenant, pending.Request.ID, "", Meta{Principal: h.admin}); err != nil {
		t.Fatalf("repeat decline should be a no-op: %v", err)
	}
	if h.mail.last(t, notify.TemplateAccessDeclined).recipient != "p@x.com" {
		t.Fatal("decline not mailed")
	}

	sub := h.request(t, h.private.ID, "a@x.com")
	signed, err := h.svc.SignNDA(ctx, h.tenant, SignInput{RequestID: sub.Request.ID, MagicToken: h.mail.magicToken(t), Signature: "Ada"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := h.svc.Decline(ctx, h.tenant, sub.Request.ID, "", Meta{Principal: h.admin}); !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("decline approved: %v", err)
	}
	if _, err := h.svc.Revoke(ctx, h.tenant, sub.Request.ID, "", Meta{Principal: h.admin}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, _, err := h.verifier.VerifyNDA(ctx, h.tenant, h.private.ID, signed.AccessToken); !errors.Is(err, token.ErrRevoked) {
		t.Fatalf("token after revoke: %v", err)
	}
	if got := h.count(t, audit.EventAccessRevoked); got != 1 {
		t.Fatalf("access_revoked events = %d", got)
	}

	again := h.request(t, h.private.ID, "a@x.com")
	if !again.Created || again.Request.ID == sub.Request.ID {
		t.Fatal("revoked request should allow a new cycle")
	}
}

func TestListRequestsAppliesLazyExpiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sub := h.request(t, h.private.ID, "a@x.com")
	if _, err := h.svc.SignNDA(ctx, h.tenant, SignInput{RequestID: sub.Request.ID, MagicToken: h.mail.magicToken(t), Signature: "Ada"}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	h.clock.Advance(8 * 24 * time.Hour)

	if _, err := h.svc.ListRequests(ctx, h.tenant, h.private.ID, h.buyer); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("buyer list: %v", err)
	}
	rows, err := h.svc.ListRequests(ctx, h.tenant, h.private.ID, h.editor)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != ledger.StatusExpired {
		t.Fatalf("rows = %+v", rows)
	}

	n, err := h.svc.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
}

func TestRotateShareToken(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.RotateShareToken(ctx, h.tenant, h.private.ID, Meta{Principal: h.buyer}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("buyer rotate: %v", err)
	}
	if _, err := h.svc.RotateShareToken(ctx, h.tenant, h.public.ID, Meta{Principal: h.editor}); !errors.Is(err, listing.ErrInvalidInput) {
		t.Fatalf("public listing: %v", err)
	}
	first, err := h.svc.RotateShareToken(ctx, h.tenant, h.private.ID, Meta{Principal: h.editor})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	second, err := h.svc.RotateShareToken(ctx, h.tenant, h.private.ID, Meta{Principal: h.admin})
	if err != nil {
		t.Fatalf("rotate again: %v", err)
	}
	l, _ := h.listings.GetListing(ctx, h.tenant, h.private.ID)
	if _, err := h.verifier.VerifyShare(l, first.Token); !errors.Is(err, token.ErrRevoked) {
		t.Fatalf("old share token: %v", err)
	}
	if _, err := h.verifier.VerifyShare(l, second.Token); err != nil {
		t.Fatalf("new share token: %v", err)
	}
	if got := h.count(t, audit.EventShareTokenRotated); got != 2 {
		t.Fatalf("share_token_rotated events = %d", got)
	}
}

func TestRoleManagement(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	newcomer := auth.Principal{UserID: "u-new", Email: "new@acme.test"}

	if _, err := h.svc.GrantRole(ctx, h.tenant, newcomer.UserID, auth.RoleReviewer, Meta{Principal: h.editor}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("editor grant: %v", err)
	}
	asg, err := h.svc.GrantRole(ctx, h.tenant, newcomer.UserID, auth.RoleReviewer, Meta{Principal: h.admin})
	if err != nil || asg.GrantedBy != h.admin.UserID {
		t.Fatalf("grant: %+v %v", asg, err)
	}
	if _, err := h.svc.GrantRole(ctx, h.tenant, newcomer.UserID, auth.RoleReviewer, Meta{Principal: h.admin}); err != nil {
		t.Fatalf("repeat grant: %v", err)
	}
	if _, err := h.svc.ListRequests(ctx, h.tenant, h.private.ID, newcomer); err != nil {
		t.Fatalf("reviewer should list requests: %v", err)
	}
	if got := h.count(t, audit.EventRoleGranted); got != 1 {
		t.Fatalf("role_granted events = %d", got)
	}

	if err := h.svc.RevokeRole(ctx, h.tenant, newcomer.UserID, auth.RoleReviewer, Meta{Principal: h.admin}); err != nil {
		t.Fatalf("revoke role: %v", err)
	}
	if _, err := h.svc.ListRequests(ctx, h.tenant, h.private.ID, newcomer); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("after revoke: %v", err)
	}

	asg, err = h.svc.Register(ctx, h.tenant, newcomer)
	if err != nil || asg.Role != auth.RoleBuyer {
		t.Fatalf("register: %+v %v", asg, err)
	}
}

func TestQueryAuditAdminOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.request(t, h.private.ID, "a@x.com")

	if _, err := h.svc.QueryAudit(ctx, audit.Filter{TenantID: h.tenant}, h.editor); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("editor audit: %v", err)
	}
	page, err := h.svc.QueryAudit(ctx, audit.Filter{TenantID: h.tenant, ListingID: h.private.ID}, h.admin)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected access_requested and magic_link_issued, got %+v", page.Items)
	}
	if err := h.svc.Require(ctx, "unknown-tenant", h.admin, auth.ActionViewAuditLog); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("unknown tenant: %v", err)
	}
}

func TestSignWithForeignTokenRecordsForgery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := h.request(t, h.private.ID, "a@x.com")
	firstMagic := h.mail.magicToken(t)
	signed, err := h.svc.SignNDA(ctx, h.tenant, SignInput{RequestID: first.Request.ID, MagicToken: firstMagic, Signature: "Ada"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	victim := h.request(t, h.private.ID, "b@x.com")

	// an NDA token offered as a magic token
	_, err = h.svc.SignNDA(ctx, h.tenant, SignInput{RequestID: victim.Request.ID, MagicToken: signed.AccessToken, Signature: "Eve", IP: "203.0.113.9"})
	if !errors.Is(err, token.ErrWrongScope) {
		t.Fatalf("nda token as magic token: %v", err)
	}
	// a magic token bound to another request
	_, err = h.svc.SignNDA(ctx, h.tenant, SignInput{RequestID: victim.Request.ID, MagicToken: firstMagic, Signature: "Eve"})
	if !errors.Is(err, token.ErrWrongScope) {
		t.Fatalf("foreign magic token: %v", err)
	}

	events, err := h.events.Query(ctx, audit.Filter{TenantID: h.tenant, Type: audit.EventAccessDenied})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("access_denied events = %d", len(events))
	}
	e := events[0]
	if e.Reason != "invalid_token" || e.Metadata["suspected_forgery"] != true || e.AccessRequestID != victim.Request.ID || e.IP != "203.0.113.9" {
		t.Fatalf("unexpected event %+v", e)
	}

	// a garbled token is rejected without a forgery event
	if _, err := h.svc.SignNDA(ctx, h.tenant, SignInput{RequestID: victim.Request.ID, MagicToken: "garbage", Signature: "Eve"}); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("garbage: %v", err)
	}
	if got := h.count(t, audit.EventAccessDenied); got != 2 {
		t.Fatalf("access_denied events = %d", got)
	}
}

type commitFails struct{ err error }

func (c commitFails) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	return c.err
}

type capturePublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *capturePublisher) Publish(e audit.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *capturePublisher) types() []audit.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func TestEventsPublishOnlyAfterCommit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pub := &capturePublisher{}

	d := h.svc.Deps
	d.Audit = audit.NewRecorder(h.events, audit.WithPublisher(pub))
	d.Tx = commitFails{err: errors.New("commit: connection reset")}
	failing := NewService(d, WithClock(h.clock.Now))

	_, err := failing.RequestAccess(ctx, h.tenant, ledger.NewRequest{ListingID: h.private.ID, Email: "a@x.com", FullName: "Ada"}, Meta{})
	if err == nil {
		t.Fatal("expected commit failure")
	}
	if got := pub.types(); len(got) != 0 {
		t.Fatalf("rolled back events were published: %v", got)
	}

	d.Tx = NoTx{}
	ok := NewService(d, WithClock(h.clock.Now))
	if _, err := ok.RequestAccess(ctx, h.tenant, ledger.NewRequest{ListingID: h.public.ID, Email: "a@x.com", FullName: "Ada"}, Meta{}); err != nil {
		t.Fatalf("request: %v", err)
	}
	got := pub.types()
	if len(got) != 2 || got[0] != audit.EventAccessRequested || got[1] != audit.EventMagicLinkIssued {
		t.Fatalf("published %v", got)
	}
}

func TestListRolesAndDeleteAccount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.ListRoles(ctx, h.tenant, h.editor); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("editor list: %v", err)
	}
	roles, err := h.svc.ListRoles(ctx, h.tenant, h.admin)
	if err != nil || len(roles) != 3 {
		t.Fatalf("list roles: %+v %v", roles, err)
	}

	if err := h.svc.DeleteAccount(ctx, h.tenant, Meta{}); !errors.Is(err, auth.ErrInvalidSession) {
		t.Fatalf("anonymous delete: %v", err)
	}
	if err := h.svc.DeleteAccount(ctx, "no-such-tenant", Meta{Principal: h.buyer}); !errors.Is(err, auth.ErrUnknownTenant) {
		t.Fatalf("unknown tenant: %v", err)
	}
	if err := h.svc.DeleteAccount(ctx, h.tenant, Meta{Principal: h.buyer}); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	left, _ := h.roles.RolesFor(ctx, h.tenant, h.buyer.UserID)
	if len(left) != 0 {
		t.Fatalf("roles survived account deletion: %v", left)
	}
	events, _ := h.events.Query(ctx, audit.Filter{TenantID: h.tenant, Type: audit.EventRoleRevoked})
	if len(events) != 1 || events[0].Metadata["scope"] != "account" || events[0].ActorID != h.buyer.UserID {
		t.Fatalf("unexpected events %+v", events)
	}
}
