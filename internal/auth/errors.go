package auth

import "errors"

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrConflict       = errors.New("auth: conflict")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrUnknownTenant  = errors.New("auth: unknown tenant")
	ErrInvalidSession = errors.New("auth: invalid session token")
	ErrForbidden      = errors.New("auth: forbidden")
)
