package auth

import "context"

type ctxKey int

const (
	principalKey ctxKey = iota
	credentialKey
)

// ContextWithPrincipal attaches a verified session principal. Anonymous principals are not
// stored so lookups keep reporting false for them.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	if p.Anonymous() {
		return ctx
	}
	p.Email = NormalizeEmail(p.Email)
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the session principal, or the zero (anonymous) principal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// ContextWithCredential keeps a bearer value that did not verify as a session. Endpoints that
// accept NDA tokens read it back with CredentialFromContext.
func ContextWithCredential(ctx context.Context, raw string) context.Context {
	if raw == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialKey, raw)
}

func CredentialFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	raw, _ := ctx.Value(credentialKey).(string)
	return raw, raw != ""
}
