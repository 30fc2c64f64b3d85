package token

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Kind separates token families. Each kind is signed with its own derived key and carries
// its kind as audience, so a token minted for one purpose never verifies as another.
type Kind string

const (
	KindMagic Kind = "magic"
	KindNDA   Kind = "nda"
	KindShare Kind = "share"
)

var kinds = []Kind{KindMagic, KindNDA, KindShare}

const (
	defaultIssuer   = "dealroom"
	defaultMagicTTL = time.Hour
	keySalt         = "dealroom.token.v1"
	clockSkew       = 5 * time.Second
)

var (
	ErrInvalidToken = errors.New("token: invalid")
	ErrExpired      = errors.New("token: expired")
	// ErrWrongScope marks a well-formed token presented for the wrong purpose or resource.
	// Callers treat it as suspected forgery.
	ErrWrongScope = errors.New("token: wrong scope")
	// ErrRevoked means the token is cryptographically valid but the ledger no longer backs it.
	ErrRevoked     = errors.New("token: access no longer granted")
	ErrRateLimited = errors.New("token: issuance rate limit exceeded")
)

// Claims is the payload shared by all token kinds.
type Claims struct {
	TenantID  string `json:"tid"`
	ListingID string `json:"lid,omitempty"`
	RequestID string `json:"rid,omitempty"`
	Email     string `json:"email,omitempty"`
	Scope     string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Minted is a freshly signed token. ID is the jti persisted on the owning record.
type Minted struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// NDAScope is the scope string carried by NDA-scoped tokens.
func NDAScope(listingID string) string {
	return "listing:" + listingID + ":files"
}

// Issuer mints and cryptographically verifies tokens.
type Issuer struct {
	keys     map[Kind][]byte
	issuer   string
	magicTTL time.Duration
	limiter  Limiter
	now      func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

func WithIssuerName(name string) Option {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
	}
}

func WithMagicTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.magicTTL = ttl
		}
	}
}

// WithLimiter installs the rate-limit hook consulted before magic-link issuance.
func WithLimiter(l Limiter) Option {
	return func(i *Issuer) {
		if l != nil {
			i.limiter = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer derives one HMAC key per kind from secret.
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return nil, errors.New("token: secret must be at least 16 characters")
	}
	i := &Issuer{
		keys:     make(map[Kind][]byte, len(kinds)),
		issuer:   defaultIssuer,
		magicTTL: defaultMagicTTL,
		limiter:  AllowAll{},
		now:      time.Now,
	}
	for _, k := range kinds {
		key := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(keySalt), []byte(k)), key); err != nil {
			return nil, fmt.Errorf("token: derive %s key: %w", k, err)
		}
		i.keys[k] = key
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// IssueMagic consults the limiter for the recipient and mints a magic link token.
func (i *Issuer) IssueMagic(ctx context.Context, tenantID, requestID, email string) (Minted, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	ok, err := i.limiter.Allow(ctx, "magic:"+email)
	if err != nil {
		return Minted{}, fmt.Errorf("token: rate limiter: %w", err)
	}
	if !ok {
		return Minted{}, ErrRateLimited
	}
	return i.MintMagic(tenantID, requestID, email)
}

// MintMagic signs a single-use magic link token bound to (request, email).
func (i *Issuer) MintMagic(tenantID, requestID, email string) (Minted, error) {
	if tenantID == "" || requestID == "" || email == "" {
		return Minted{}, fmt.Errorf("%w: tenant, request and email are required", ErrInvalidToken)
	}
	exp := i.now().UTC().Add(i.magicTTL)
	return i.sign(KindMagic, Claims{
		TenantID:  tenantID,
		RequestID: requestID,
		Email:     strings.ToLower(email),
	}, exp)
}

// MintNDA signs a files-scope token for one listing that expires with the NDA.
func (i *Issuer) MintNDA(tenantID, listingID, requestID, email string, expiresAt time.Time) (Minted, error) {
	if tenantID == "" || listingID == "" || requestID == "" {
		return Minted{}, fmt.Errorf("%w: tenant, listing and request are required", ErrInvalidToken)
	}
	if !expiresAt.After(i.now()) {
		return Minted{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidToken)
	}
	return i.sign(KindNDA, Claims{
		TenantID:  tenantID,
		ListingID: listingID,
		RequestID: requestID,
		Email:     strings.ToLower(email),
		Scope:     NDAScope(listingID),
	}, expiresAt.UTC())
}

// MintShare signs a long-lived share token for a private listing. It has no expiry and is
// revoked by rotating the id stored on the listing.
func (i *Issuer) MintShare(tenantID, listingID string) (Minted, error) {
	if tenantID == "" || listingID == "" {
		return Minted{}, fmt.Errorf("%w: tenant and listing are required", ErrInvalidToken)
	}
	return i.sign(KindShare, Claims{
		TenantID:  tenantID,
		ListingID: listingID,
		Scope:     "listing:" + listingID + ":page",
	}, time.Time{})
}

func (i *Issuer) sign(kind Kind, claims Claims, exp time.Time) (Minted, error) {
	now := i.now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:   i.issuer,
		Subject:  claims.Email,
		Audience: jwt.ClaimStrings{string(kind)},
		IssuedAt: jwt.NewNumericDate(now),
		ID:       uuid.NewString(),
	}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.keys[kind])
	if err != nil {
		return Minted{}, fmt.Errorf("token: sign %s: %w", kind, err)
	}
	return Minted{Token: signed, ID: claims.ID, ExpiresAt: exp}, nil
}

// Parse verifies signature, audience, issuer and expiry for kind. A token that verifies
// under a different kind's key is reported as ErrWrongScope.
func (i *Issuer) Parse(kind Kind, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims, err := i.parse(kind, raw)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpired
	}
	for _, other := range kinds {
		if other == kind {
			continue
		}
		if _, oerr := i.parse(other, raw); oerr == nil || errors.Is(oerr, jwt.ErrTokenExpired) {
			return nil, ErrWrongScope
		}
	}
	return nil, ErrInvalidToken
}

func (i *Issuer) parse(kind Kind, raw string) (*Claims, error) {
	key, ok := i.keys[kind]
	if !ok {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(string(kind)),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
	}
	if kind != KindShare {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...); err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
