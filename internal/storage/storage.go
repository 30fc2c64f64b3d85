package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("storage: object not found")
	ErrInvalidPath = errors.New("storage: invalid path")
	ErrSignExpired = errors.New("storage: signature expired")
	ErrSignInvalid = errors.New("storage: signature invalid")
)

// Watermark identifies who a download was issued to. It is embedded in every signed URL.
type Watermark struct {
	Email     string    `json:"email,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BlobStore reads asset bytes.
type BlobStore interface {
	GetFileBlob(ctx context.Context, path string) ([]byte, error)
}

// URLSigner mints short-lived download URLs.
type URLSigner interface {
	CreateSignedURL(ctx context.Context, path string, ttl time.Duration, wm Watermark) (string, error)
}

// CleanPath normalises an object key and rejects traversal outside the store root.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrInvalidPath
		}
	}
	clean := path.Clean("/" + p)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", ErrInvalidPath
	}
	return clean, nil
}
