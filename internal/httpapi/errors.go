package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"dealroom.org/internal/audit"
	"dealroom.org/internal/auth"
	"dealroom.org/internal/disclosure"
	"dealroom.org/internal/ledger"
	"dealroom.org/internal/listing"
	"dealroom.org/internal/obs"
	"dealroom.org/internal/token"
)

// Stable error codes returned in the "code" field.
const (
	codeAuthRequired     = "AUTH_REQUIRED"
	codeInvalidToken     = "INVALID_TOKEN"
	codeForbidden        = "FORBIDDEN"
	codeNotFound         = "RESOURCE_NOT_FOUND"
	codeNDARequired      = "NDA_REQUIRED"
	codeRateLimited      = "RATE_LIMIT_EXCEEDED"
	codeAlreadyProcessed = "ALREADY_PROCESSED"
	codeConflict         = "CONFLICT"
	codeValidation       = "VALIDATION_FAILED"
	codeTenantRequired   = "TENANT_REQUIRED"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeInternal         = "INTERNAL"
)

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"code":  code,
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// writeServiceError maps domain errors onto HTTP statuses. Anything unrecognised is a 500
// and the cause is logged, never echoed.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidSession):
		if _, ok := auth.CredentialFromContext(r.Context()); ok {
			writeError(w, r, http.StatusUnauthorized, codeInvalidToken, "invalid or expired credential")
			return
		}
		writeError(w, r, http.StatusUnauthorized, codeAuthRequired, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, codeForbidden, "forbidden")
	case errors.Is(err, token.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, codeRateLimited, "too many magic links requested, try again later")
	case errors.Is(err, token.ErrInvalidToken), errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrWrongScope), errors.Is(err, token.ErrRevoked):
		writeError(w, r, http.StatusUnauthorized, codeInvalidToken, "invalid or expired token")
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		writeError(w, r, http.StatusConflict, codeAlreadyProcessed, "already_processed")
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrUnknownTenant),
		errors.Is(err, listing.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, listing.ErrInvalidInput), errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, auth.ErrConflict), errors.Is(err, listing.ErrConflict):
		writeError(w, r, http.StatusConflict, codeConflict, "conflict")
	default:
		logInternal(r, err)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

// writeDenial renders a negative disclosure decision.
func writeDenial(w http.ResponseWriter, r *http.Request, d disclosure.Decision, err error) {
	if err != nil || d.Reason == disclosure.ReasonUnavailable {
		if err == nil {
			err = errors.New("disclosure unavailable")
		}
		logInternal(r, err)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	switch d.Reason {
	case disclosure.ReasonNotFound:
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	case disclosure.ReasonNDARequired:
		writeError(w, r, http.StatusForbidden, codeNDARequired, "a signed NDA is required")
	case disclosure.ReasonInvalidToken:
		writeError(w, r, http.StatusUnauthorized, codeInvalidToken, "invalid or expired token")
	default:
		p, _ := auth.PrincipalFromContext(r.Context())
		if _, hasCred := auth.CredentialFromContext(r.Context()); p.Anonymous() && !hasCred && r.URL.Query().Get("share") == "" {
			writeError(w, r, http.StatusUnauthorized, codeAuthRequired, "authentication required")
			return
		}
		writeError(w, r, http.StatusForbidden, codeForbidden, "forbidden")
	}
}

func logInternal(r *http.Request, err error) {
	obs.Logger().Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.Bool("audit_failure", errors.Is(err, audit.ErrWriteFailed)),
		zap.Error(err),
	)
}
