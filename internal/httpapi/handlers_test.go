package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"dealroom.org/internal/access"
	"dealroom.org/internal/audit"
	"dealroom.org/internal/auth"
	"dealroom.org/internal/disclosure"
	"dealroom.org/internal/ledger"
	"dealroom.org/internal/listing"
	"dealroom.org/internal/notify"
	"dealroom.org/internal/storage"
	"dealroom.org/internal/stream"
	"dealroom.org/internal/token"
)

type mailbox struct {
	mu    sync.Mutex
	links []string
}

func (m *mailbox) SendEmail(_ context.Context, tmpl notify.Template, _ string, vars map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tmpl == notify.TemplateMagicLink {
		m.links = append(m.links, vars["link"])
	}
	return nil
}

func (m *mailbox) magicToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.links) == 0 {
		t.Fatal("no magic link mailed")
	}
	u, err := url.Parse(m.links[len(m.links)-1])
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return u.Query().Get("token")
}

type apiClient struct {
	baseURL  string
	client   *http.Client
	t        *testing.T
	mail     *mailbox
	sessions *auth.SessionVerifier
	events   *audit.InMemory
	tenant   string
	private  listing.Listing
	public   listing.Listing
	cim      listing.Asset
	teaser   listing.Asset
	gated    listing.Asset
}

func newTestAPI(t *testing.T, opts Options) *apiClient {
	t.Helper()
	ctx := context.Background()

	roles := auth.NewInMemory()
	listings := listing.NewInMemory()
	requests := ledger.NewInMemory()
	events := audit.NewInMemory()
	c := &apiClient{t: t, mail: &mailbox{}, events: events}

	tenant, err := roles.CreateTenant(ctx, "acme", "Acme Advisors")
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	c.tenant = tenant.ID
	for user, role := range map[string]auth.Role{"u-admin": auth.RoleAdmin, "u-buyer": auth.RoleBuyer} {
		if _, err := roles.GrantRole(ctx, auth.Assignment{TenantID: c.tenant, UserID: user, Role: role}); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	c.private, _ = listings.CreateListing(ctx, listing.Listing{TenantID: c.tenant, Slug: "widget", Title: "Widget Co", Visibility: listing.VisibilityPrivate, Status: listing.StatusActive})
	c.public, _ = listings.CreateListing(ctx, listing.Listing{TenantID: c.tenant, Slug: "gadget", Title: "Gadget Ltd", Visibility: listing.VisibilityPublic, Status: listing.StatusActive})
	c.teaser, _ = listings.AddAsset(ctx, listing.Asset{TenantID: c.tenant, ListingID: c.private.ID, Filename: "teaser.pdf", StoragePath: "widget/teaser.pdf", AssetType: listing.AssetPublic, SizeBytes: 5})
	c.cim, _ = listings.AddAsset(ctx, listing.Asset{TenantID: c.tenant, ListingID: c.private.ID, Filename: "cim.pdf", StoragePath: "widget/cim.pdf", AssetType: listing.AssetNDARequired, SizeBytes: 9})
	_, _ = listings.AddAsset(ctx, listing.Asset{TenantID: c.tenant, ListingID: c.public.ID, Filename: "brochure.pdf", StoragePath: "gadget/brochure.pdf", AssetType: listing.AssetPublic})
	c.gated, _ = listings.AddAsset(ctx, listing.Asset{TenantID: c.tenant, ListingID: c.public.ID, Filename: "financials.xlsx", StoragePath: "gadget/financials.xlsx", AssetType: listing.AssetNDARequired})

	blobs, err := storage.NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	if err := blobs.PutFileBlob(ctx, "widget/cim.pdf", []byte("cim-bytes")); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	signer, err := storage.NewHMACSigner([]byte("blob-signing-key"), "")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	issuer, err := token.NewIssuer("http-test-secret-value")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	verifier := token.NewVerifier(issuer, requests)
	authority := auth.NewAuthority(roles, roles)
	feed := stream.New[audit.Event](16)
	recorder := audit.NewRecorder(events, audit.WithPublisher(feed))

	c.sessions, err = auth.NewSessionVerifier("http-session-secret-value")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}

	svc := access.NewService(access.Deps{
		Ledger:    requests,
		Listings:  listings,
		Roles:     roles,
		Authority: authority,
		Issuer:    issuer,
		Verifier:  verifier,
		Audit:     recorder,
		Mailer:    c.mail,
	}, access.WithPublicBaseURL("https://deals.example"))

	if opts.RateBurst == 0 {
		opts.RateBurst, opts.RatePerSecond = 1000, 1000
	}
	api := New(Deps{
		Access:     svc,
		Broker:     disclosure.NewBroker(listings, authority, verifier, requests, recorder, signer),
		Sessions:   c.sessions,
		Events:     feed,
		Blobs:      blobs,
		BlobSigner: signer,
		Version:    "test",
	}, opts)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	c.baseURL = srv.URL
	c.client = srv.Client()
	return c
}

// session returns headers carrying a session for userID.
func (c *apiClient) session(userID, email string) map[string]string {
	c.t.Helper()
	raw, err := c.sessions.IssueSession(userID, email, time.Hour)
	if err != nil {
		c.t.Fatalf("issue session: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + raw}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(tenantHeader, c.tenant)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, headers)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// expectError checks status and error code and closes the body.
func expectError(t *testing.T, r *http.Response, status int, code string) {
	t.Helper()
	body := decode[map[string]any](t, r)
	if r.StatusCode != status || body["code"] != code {
		t.Fatalf("expected %d %s, got %d %v", status, code, r.StatusCode, body)
	}
	if body["request_id"] == "" || body["request_id"] == nil {
		t.Fatalf("error body without request_id: %v", body)
	}
}

// signNDA walks a buyer through request, magic link and signature and returns the NDA token.
func (c *apiClient) signNDA(email string) (string, string) {
	c.t.Helper()
	resp := c.post("/access-requests", map[string]any{
		"listing_id": c.private.ID,
		"email":      email,
		"full_name":  "Ada Buyer",
		"company":    "Lovelace Capital",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create access request: %d", resp.StatusCode)
	}
	created := decode[accessRequestResponse](c.t, resp)

	resp = c.post("/nda/sign", map[string]any{
		"access_request_id": created.ID,
		"magic_token":       c.mail.magicToken(c.t),
		"signature":         "Ada Buyer",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("sign nda: %d", resp.StatusCode)
	}
	signed := decode[signNDAResponse](c.t, resp)
	if signed.AccessToken == "" {
		c.t.Fatal("empty access token")
	}
	return created.ID, signed.AccessToken
}

func TestHealthAndInfo(t *testing.T) {
	api := newTestAPI(t, Options{})
	resp := api.get("/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/readyz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}
	resp.Body.Close()

	info := decode[map[string]any](t, api.get("/v1/info", nil))
	if info["version"] != "test" {
		t.Fatalf("unexpected info %v", info)
	}
}

func TestTenantHeaderRequired(t *testing.T) {
	api := newTestAPI(t, Options{})
	resp := api.get("/listings/"+api.public.ID, map[string]string{tenantHeader: ""})
	expectError(t, resp, http.StatusBadRequest, codeTenantRequired)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	api := newTestAPI(t, Options{})
	expectError(t, api.get("/nope", nil), http.StatusNotFound, codeNotFound)
	expectError(t, api.do(http.MethodPatch, "/access-requests", nil, nil), http.StatusMethodNotAllowed, codeMethodNotAllowed)
}

func TestAccessRequestIsIdempotent(t *testing.T) {
	api := newTestAPI(t, Options{})
	body := map[string]any{
		"listing_id": api.private.ID,
		"email":      "Ada@Lovelace.test",
		"full_name":  "Ada Buyer",
	}
	resp := api.post("/access-requests", body, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") == "" {
		t.Fatal("missing Location header")
	}
	first := decode[accessRequestResponse](t, resp)
	if first.Status != ledger.StatusPending || !first.MagicLinkSent {
		t.Fatalf("unexpected response %+v", first)
	}
	if first.NDAURL != "https://deals.example/nda/"+first.ID {
		t.Fatalf("nda url = %s", first.NDAURL)
	}

	resp = api.post("/access-requests", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", resp.StatusCode)
	}
	second := decode[accessRequestResponse](t, resp)
	if second.ID != first.ID {
		t.Fatalf("replay opened a second request: %s != %s", second.ID, first.ID)
	}
}

func TestAccessRequestValidation(t *testing.T) {
	api := newTestAPI(t, Options{})
	resp := api.post("/access-requests", map[string]any{
		"listing_id": api.private.ID,
		"email":      "not-an-email",
		"full_name":  "Ada",
	}, nil)
	expectError(t, resp, http.StatusBadRequest, codeValidation)

	resp = api.post("/access-requests", map[string]any{
		"listing_id": api.private.ID,
		"email":      "a@x.test",
		"full_name":  "Ada",
		"admin":      true,
	}, nil)
	expectError(t, resp, http.StatusBadRequest, codeValidation)

	resp = api.post("/access-requests", map[string]any{
		"listing_id": "missing",
		"email":      "a@x.test",
		"full_name":  "Ada",
	}, nil)
	expectError(t, resp, http.StatusNotFound, codeNotFound)
}

func TestNDAFlowDisclosesGatedFiles(t *testing.T) {
	api := newTestAPI(t, Options{})

	resp := api.get("/listings/"+api.private.ID+"/files", nil)
	expectError(t, resp, http.StatusUnauthorized, codeAuthRequired)

	requestID, nda := api.signNDA("ada@lovelace.test")
	bearer := map[string]string{"Authorization": "Bearer " + nda}

	page := decode[listingResponse](t, api.get("/listings/"+api.private.ID, bearer))
	if page.Listing.ID != api.private.ID || page.Reason != disclosure.ReasonNDAApproved {
		t.Fatalf("unexpected page %+v", page)
	}

	resp = api.get("/listings/"+api.private.ID+"/files", bearer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("files: %d", resp.StatusCode)
	}
	files := decode[[]fileResponse](t, resp)
	if len(files) != 2 {
		t.Fatalf("expected both files, got %d", len(files))
	}
	var cim fileResponse
	for _, f := range files {
		if f.ID == api.cim.ID {
			cim = f
		}
		if f.DownloadURL == "" || f.ExpiresIn != 300 {
			t.Fatalf("unexpected delivery %+v", f)
		}
	}
	if cim.ID == "" {
		t.Fatal("gated file missing")
	}

	resp = api.get(cim.DownloadURL, nil)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(raw) != "cim-bytes" {
		t.Fatalf("download: %d %q", resp.StatusCode, raw)
	}
	if resp.Header.Get("X-Watermark-Email") != "ada@lovelace.test" {
		t.Fatalf("watermark = %q", resp.Header.Get("X-Watermark-Email"))
	}

	tampered := cim.DownloadURL[:len(cim.DownloadURL)-2] + "xx"
	expectError(t, api.get(tampered, nil), http.StatusForbidden, codeInvalidToken)

	// replaying the magic link after signing reports the existing approval
	resp = api.post("/nda/sign", map[string]any{
		"access_request_id": requestID,
		"magic_token":       api.mail.magicToken(t),
		"signature":         "Ada Buyer",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replayed sign: %d", resp.StatusCode)
	}
	replay := decode[map[string]any](t, resp)
	if replay["status"] != "already_processed" || replay["access_request_id"] != requestID {
		t.Fatalf("unexpected replay body %v", replay)
	}
	if _, ok := replay["access_token"]; ok || replay["expires_at"] == nil {
		t.Fatalf("replay must carry expiry and no token: %v", replay)
	}
	if got := api.count(t, audit.EventNDASigned); got != 1 {
		t.Fatalf("nda_signed events = %d", got)
	}

	if got := api.count(t, audit.EventAssetDisclosed); got != 2 {
		t.Fatalf("asset_disclosed events = %d", got)
	}
}

func TestRevokedNDARequiresNewSignature(t *testing.T) {
	api := newTestAPI(t, Options{})
	requestID, nda := api.signNDA("ada@lovelace.test")
	admin := api.session("u-admin", "admin@acme.test")

	resp := api.post("/access-requests/"+requestID+"/revoke", map[string]any{"notes": "deal closed"}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: %d", resp.StatusCode)
	}
	revoked := decode[ledger.AccessRequest](t, resp)
	if revoked.Status != ledger.StatusRevoked {
		t.Fatalf("status = %s", revoked.Status)
	}

	resp = api.get("/listings/"+api.private.ID+"/files", map[string]string{"Authorization": "Bearer " + nda})
	expectError(t, resp, http.StatusForbidden, codeNDARequired)

	// revoking twice is a no-op that reports the current state
	resp = api.post("/access-requests/"+requestID+"/revoke", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second revoke: %d", resp.StatusCode)
	}
	if again := decode[ledger.AccessRequest](t, resp); again.Status != ledger.StatusRevoked {
		t.Fatalf("status = %s", again.Status)
	}
	if got := api.count(t, audit.EventAccessRevoked); got != 1 {
		t.Fatalf("access_revoked events = %d", got)
	}
}

func TestConcurrentSignHasOneWinner(t *testing.T) {
	api := newTestAPI(t, Options{})
	resp := api.post("/access-requests", map[string]any{
		"listing_id": api.private.ID,
		"email":      "ada@lovelace.test",
		"full_name":  "Ada Buyer",
	}, nil)
	created := decode[accessRequestResponse](t, resp)
	magic := api.mail.magicToken(t)

	const n = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens int
		losers int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			raw, _ := json.Marshal(map[string]any{
				"access_request_id": created.ID,
				"magic_token":       magic,
				"signature":         "Ada Buyer",
			})
			req, _ := http.NewRequest(http.MethodPost, api.baseURL+"/nda/sign", bytes.NewReader(raw))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(tenantHeader, api.tenant)
			res, err := api.client.Do(req)
			if err != nil {
				t.Errorf("sign: %v", err)
				return
			}
			defer res.Body.Close()
			var body map[string]any
			_ = json.NewDecoder(res.Body).Decode(&body)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.StatusCode != http.StatusOK:
				t.Errorf("sign status %d: %v", res.StatusCode, body)
			case body["access_token"] != nil:
				tokens++
			case body["status"] == "already_processed":
				losers++
			}
		}()
	}
	close(start)
	wg.Wait()

	if tokens != 1 || losers != n-1 {
		t.Fatalf("tokens=%d already_processed=%d", tokens, losers)
	}
	if got := api.count(t, audit.EventNDASigned); got != 1 {
		t.Fatalf("nda_signed events = %d", got)
	}
}

func TestSignWithForeignTokenIsAuditedAsForgery(t *testing.T) {
	api := newTestAPI(t, Options{})
	_, nda := api.signNDA("ada@lovelace.test")

	resp := api.post("/access-requests", map[string]any{
		"listing_id": api.private.ID,
		"email":      "eve@example.test",
		"full_name":  "Eve",
	}, nil)
	victim := decode[accessRequestResponse](t, resp)
	before := api.count(t, audit.EventAccessDenied)

	resp = api.post("/nda/sign", map[string]any{
		"access_request_id": victim.ID,
		"magic_token":       nda,
		"signature":         "Eve",
	}, nil)
	expectError(t, resp, http.StatusUnauthorized, codeInvalidToken)

	if got := api.count(t, audit.EventAccessDenied); got != before+1 {
		t.Fatalf("access_denied events = %d, want %d", got, before+1)
	}
	denied, err := api.events.Query(context.Background(), audit.Filter{TenantID: api.tenant, Type: audit.EventAccessDenied})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	last := denied[len(denied)-1]
	if last.Reason != "invalid_token" || last.Metadata["suspected_forgery"] != true || last.AccessRequestID != victim.ID {
		t.Fatalf("unexpected forgery event %+v", last)
	}
}

func TestInvalidBearerOnListing(t *testing.T) {
	api := newTestAPI(t, Options{})
	resp := api.get("/listings/"+api.private.ID+"/files", map[string]string{"Authorization": "Bearer garbage"})
	expectError(t, resp, http.StatusUnauthorized, codeInvalidToken)

	resp = api.get("/listings/"+api.private.ID, map[string]string{"Authorization": "Basic abc"})
	expectError(t, resp, http.StatusUnauthorized, codeInvalidToken)
}

func TestPublicListingHidesGatedFiles(t *testing.T) {
	api := newTestAPI(t, Options{})
	resp := api.get("/listings/"+api.public.ID+"/files", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("files: %d", resp.StatusCode)
	}
	files := decode[[]fileResponse](t, resp)
	if len(files) != 1 || files[0].Filename != "brochure.pdf" {
		t.Fatalf("unexpected files %+v", files)
	}

	resp = api.get("/listings/"+api.public.ID+"/files/"+api.gated.ID, nil)
	expectError(t, resp, http.StatusForbidden, codeNDARequired)

	// reviewers and above bypass the NDA
	admin := api.session("u-admin", "admin@acme.test")
	resp = api.get("/listings/"+api.public.ID+"/files/"+api.gated.ID, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin file: %d", resp.StatusCode)
	}
	f := decode[fileResponse](t, resp)
	if f.ID != api.gated.ID || f.DownloadURL == "" {
		t.Fatalf("unexpected file %+v", f)
	}

	if got := api.count(t, audit.EventAccessDenied); got == 0 {
		t.Fatal("denial was not audited")
	}
}

func TestSessionBuyerWithApprovedRequestSeesGatedFiles(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.signNDA("buyer@acme.test")

	resp := api.get("/listings/"+api.private.ID+"/files/"+api.cim.ID, api.session("u-buyer", "Buyer@Acme.test"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	f := decode[fileResponse](t, resp)
	if f.ID != api.cim.ID {
		t.Fatalf("unexpected file %+v", f)
	}

	resp = api.get("/listings/"+api.private.ID, api.session("u-other", "other@acme.test"))
	expectError(t, resp, http.StatusForbidden, codeForbidden)
}

func TestShareTokenOpensPrivateListing(t *testing.T) {
	api := newTestAPI(t, Options{})
	resp := api.post("/listings/"+api.private.ID+"/share-token", nil, api.session("u-buyer", "buyer@acme.test"))
	expectError(t, resp, http.StatusForbidden, codeForbidden)

	resp = api.post("/listings/"+api.private.ID+"/share-token", nil, api.session("u-admin", "admin@acme.test"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("rotate: %d", resp.StatusCode)
	}
	minted := decode[map[string]any](t, resp)
	share, _ := minted["share_token"].(string)
	if share == "" {
		t.Fatalf("no share token in %v", minted)
	}

	page := decode[listingResponse](t, api.get("/listings/"+api.private.ID+"?share="+url.QueryEscape(share), nil))
	if page.Reason != disclosure.ReasonShareToken {
		t.Fatalf("reason = %s", page.Reason)
	}
	resp = api.get("/listings/"+api.private.ID+"/files/"+api.cim.ID+"?share="+url.QueryEscape(share), nil)
	expectError(t, resp, http.StatusForbidden, codeNDARequired)

	resp = api.get("/listings/"+api.private.ID+"?share=forged", nil)
	expectError(t, resp, http.StatusUnauthorized, codeInvalidToken)
}

func TestAuditLogIsAdminOnly(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.signNDA("ada@lovelace.test")

	expectError(t, api.get("/audit", nil), http.StatusUnauthorized, codeAuthRequired)
	expectError(t, api.get("/audit", api.session("u-buyer", "buyer@acme.test")), http.StatusForbidden, codeForbidden)

	admin := api.session("u-admin", "admin@acme.test")
	resp := api.get("/audit?event_type=nda_signed", admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: %d", resp.StatusCode)
	}
	page := decode[audit.Page](t, resp)
	if len(page.Items) != 1 || page.Items[0].Type != audit.EventNDASigned {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[0].ListingID != api.private.ID {
		t.Fatalf("listing id = %s", page.Items[0].ListingID)
	}

	resp = api.get("/audit?limit=1", admin)
	first := decode[audit.Page](t, resp)
	if len(first.Items) != 1 || first.Next == "" {
		t.Fatalf("expected a cursor, got %+v", first)
	}
	resp = api.get("/audit?limit=1&after="+first.Next, admin)
	second := decode[audit.Page](t, resp)
	if len(second.Items) != 1 || second.Items[0].ID <= first.Items[0].ID {
		t.Fatalf("cursor did not advance: %+v", second)
	}

	expectError(t, api.get("/audit?event_type=bogus", admin), http.StatusBadRequest, codeValidation)
	expectError(t, api.get("/audit?limit=0", admin), http.StatusBadRequest, codeValidation)
}

func TestListAccessRequestsAndDecline(t *testing.T) {
	api := newTestAPI(t, Options{})
	resp := api.post("/access-requests", map[string]any{
		"listing_id": api.private.ID,
		"email":      "ada@lovelace.test",
		"full_name":  "Ada Buyer",
	}, nil)
	created := decode[accessRequestResponse](t, resp)

	path := "/listings/" + api.private.ID + "/access-requests"
	expectError(t, api.get(path, api.session("u-buyer", "buyer@acme.test")), http.StatusForbidden, codeForbidden)

	admin := api.session("u-admin", "admin@acme.test")
	list := decode[map[string][]ledger.AccessRequest](t, api.get(path, admin))
	if len(list["items"]) != 1 || list["items"][0].ID != created.ID {
		t.Fatalf("unexpected items %+v", list)
	}

	resp = api.post("/access-requests/"+created.ID+"/decline", map[string]any{"notes": "not a fit"}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decline: %d", resp.StatusCode)
	}
	declined := decode[ledger.AccessRequest](t, resp)
	if declined.Status != ledger.StatusDeclined || declined.Notes != "not a fit" {
		t.Fatalf("unexpected request %+v", declined)
	}

	resp = api.post("/nda/sign", map[string]any{
		"access_request_id": created.ID,
		"magic_token":       api.mail.magicToken(t),
		"signature":         "Ada Buyer",
	}, nil)
	expectError(t, resp, http.StatusConflict, codeAlreadyProcessed)

	resp = api.post("/access-requests/"+created.ID+"/magic-link", nil, nil)
	expectError(t, resp, http.StatusConflict, codeAlreadyProcessed)
}

func TestRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t, Options{RateBurst: 2, RatePerSecond: 1})
	var last *http.Response
	for i := 0; i < 3; i++ {
		if last != nil {
			last.Body.Close()
		}
		last = api.get("/healthz", nil)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	expectError(t, last, http.StatusTooManyRequests, codeRateLimited)
}

func (c *apiClient) count(t *testing.T, typ audit.EventType) int {
	t.Helper()
	events, err := c.events.Query(context.Background(), audit.Filter{TenantID: c.tenant, Type: typ})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return len(events)
}

func TestAuditStreamRequiresAdmin(t *testing.T) {
	api := newTestAPI(t, Options{})
	expectError(t, api.get("/audit/stream", nil), http.StatusUnauthorized, codeAuthRequired)
	expectError(t, api.get("/audit/stream", api.session("u-buyer", "buyer@acme.test")), http.StatusForbidden, codeForbidden)
}

func TestAuditStreamDeliversTenantEvents(t *testing.T) {
	api := newTestAPI(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/audit/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(tenantHeader, api.tenant)
	req.Header.Set("Authorization", api.session("u-admin", "admin@acme.test")["Authorization"])
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", resp.StatusCode)
	}

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || !strings.HasPrefix(lines.Text(), ":") {
		t.Fatalf("missing stream preamble: %q", lines.Text())
	}

	created := api.post("/access-requests", map[string]any{
		"listing_id": api.private.ID,
		"email":      "ada@lovelace.test",
		"full_name":  "Ada Buyer",
	}, nil)
	created.Body.Close()

	for lines.Scan() {
		if lines.Text() == "event: "+string(audit.EventAccessRequested) {
			return
		}
	}
	t.Fatalf("access_requested not streamed: %v", lines.Err())
}
