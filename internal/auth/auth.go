package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultSessionAudience = "authenticated"
	clockSkew              = 5 * time.Second
)

// SessionClaims are the claims read from identity-provider session tokens. Role or tenant
// claims that may be present are deliberately not modelled: roles come from the RoleStore.
type SessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SessionVerifier validates HS256 bearer sessions minted by the identity provider.
type SessionVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// SessionOption configures a SessionVerifier.
type SessionOption func(*SessionVerifier)

// WithSessionIssuer requires the iss claim to equal issuer.
func WithSessionIssuer(issuer string) SessionOption {
	return func(v *SessionVerifier) { v.issuer = strings.TrimSpace(issuer) }
}

// WithSessionAudience overrides the expected aud claim.
func WithSessionAudience(aud string) SessionOption {
	return func(v *SessionVerifier) {
		if aud = strings.TrimSpace(aud); aud != "" {
			v.audience = aud
		}
	}
}

// WithSessionClock overrides the verification clock.
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(v *SessionVerifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

func NewSessionVerifier(secret string, opts ...SessionOption) (*SessionVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: session secret is not configured")
	}
	v := &SessionVerifier{
		secret:   []byte(secret),
		audience: defaultSessionAudience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks signature, audience, issuer and timestamps and returns the principal.
func (v *SessionVerifier) Verify(raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrInvalidSession
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &SessionClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, fmt.Errorf("%w: subject missing", ErrInvalidSession)
	}
	return Principal{UserID: claims.Subject, Email: NormalizeEmail(claims.Email)}, nil
}

// IssueSession signs a session token the way the identity provider does. Used by tests
// and local tooling; production sessions come from the provider.
func (v *SessionVerifier) IssueSession(userID, email string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("userID is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := v.now().UTC()
	claims := SessionClaims{
		Email: NormalizeEmail(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
