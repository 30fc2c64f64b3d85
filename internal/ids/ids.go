package ids

import (
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
// Audit pagination relies on this ordering.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier whose timestamp component is t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s parses as an identifier produced by New.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Secret returns n random bytes hex encoded.
func Secret(n int) string {
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("ids: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
