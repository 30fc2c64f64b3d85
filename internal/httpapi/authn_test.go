package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dealroom.org/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc  ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, got, err)
		}
	}
}

func TestWithAuthSeparatesSessionsFromCredentials(t *testing.T) {
	sessions, err := auth.NewSessionVerifier("authn-session-secret-value")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	api := &API{Deps: Deps{Sessions: sessions}}

	var (
		gotPrincipal  auth.Principal
		gotCredential string
		hasCredential bool
	)
	handler := api.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal = principal(r)
		gotCredential, hasCredential = auth.CredentialFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	session, err := sessions.IssueSession("u-1", "Ada@Lovelace.test", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(authHeader, bearer+session)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if gotPrincipal.UserID != "u-1" || hasCredential {
		t.Fatalf("session not resolved: %+v credential=%v", gotPrincipal, hasCredential)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(authHeader, bearer+"nda-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !gotPrincipal.Anonymous() || gotCredential != "nda-token" {
		t.Fatalf("credential not kept: %+v %q", gotPrincipal, gotCredential)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !gotPrincipal.Anonymous() || hasCredential {
		t.Fatal("anonymous request picked up identity")
	}
}

func TestWithAuthRejectsWrongScheme(t *testing.T) {
	api := &API{}
	called := false
	handler := RequestID(api.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(authHeader, "Basic dXNlcjpwYXNz")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if called || rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (called=%v)", rr.Code, called)
	}
}
