package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestCleanPathRejectsTraversal(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "listings/a/deck.pdf", want: "listings/a/deck.pdf"},
		{in: "/listings//a/./deck.pdf", want: "listings/a/deck.pdf"},
		{in: "../etc/passwd", wantErr: true},
		{in: "listings/../../secret", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := CleanPath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %q, %v", tc.in, got, err)
		}
	}
}

func TestHMACSignerRoundTrip(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, err := NewHMACSigner([]byte("k"), "https://api.example/", WithSignerClock(clock))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	wm := Watermark{Email: "buyer@example.com", IP: "10.0.0.1", Timestamp: now}
	raw, err := s.CreateSignedURL(context.Background(), "listings/l1/deck.pdf", 300*time.Second, wm)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasPrefix(raw, "https://api.example/blobs/listings/l1/deck.pdf?") {
		t.Fatalf("unexpected url %s", raw)
	}
	u, _ := url.Parse(raw)

	got, err := s.Verify("listings/l1/deck.pdf", u.Query())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Email != wm.Email || got.IP != wm.IP {
		t.Fatalf("watermark = %+v", got)
	}

	if _, err := s.Verify("listings/l1/other.pdf", u.Query()); !errors.Is(err, ErrSignInvalid) {
		t.Fatalf("other path: %v", err)
	}
	q := u.Query()
	q.Set("wm", "tampered")
	if _, err := s.Verify("listings/l1/deck.pdf", q); !errors.Is(err, ErrSignInvalid) {
		t.Fatalf("tampered watermark: %v", err)
	}

	now = now.Add(301 * time.Second)
	if _, err := s.Verify("listings/l1/deck.pdf", u.Query()); !errors.Is(err, ErrSignExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestLocalBlobStore(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()
	if err := store.PutFileBlob(ctx, "listings/l1/deck.pdf", []byte("pdf")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := store.GetFileBlob(ctx, "listings/l1/deck.pdf")
	if err != nil || string(data) != "pdf" {
		t.Fatalf("get: %q %v", data, err)
	}
	if _, err := store.GetFileBlob(ctx, "listings/l1/missing.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
	if _, err := store.GetFileBlob(ctx, "../outside"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("traversal: %v", err)
	}
}

func TestPresignParamsCarryWatermark(t *testing.T) {
	ts := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	p := presignParams("listings/l1/deck.pdf", Watermark{Email: "a@b.c", IP: "1.2.3.4", Timestamp: ts})
	if got := p.Get("response-content-disposition"); got != `attachment; filename="deck.pdf"` {
		t.Fatalf("disposition = %q", got)
	}
	if p.Get("x-wm-email") != "a@b.c" || p.Get("x-wm-ip") != "1.2.3.4" || p.Get("x-wm-ts") != "2025-05-01T10:00:00Z" {
		t.Fatalf("watermark params = %v", p)
	}
}
