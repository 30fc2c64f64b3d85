package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"dealroom.org/internal/access"
	"dealroom.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves the bearer credential. A valid session becomes the request principal;
// anything else is kept as a raw credential for endpoints that accept NDA tokens. Requests
// without a bearer continue anonymously and the handlers decide.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeader)
		if strings.TrimSpace(header) == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw, err := extractBearerToken(header)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, codeInvalidToken, err.Error())
			return
		}
		ctx := r.Context()
		if a.Sessions != nil {
			if p, err := a.Sessions.Verify(raw); err == nil {
				next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(ctx, p)))
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithCredential(ctx, raw)))
	})
}

// principal returns the session principal, or the anonymous principal.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func meta(r *http.Request) access.Meta {
	return access.Meta{
		Principal: principal(r),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
