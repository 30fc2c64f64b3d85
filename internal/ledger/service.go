package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Service is the access request ledger. Every transition is a compare-and-swap on the
// current status; callers that lose a race get ErrAlreadyProcessed.
type Service interface {
	Create(ctx context.Context, req NewRequest) (AccessRequest, bool, error)
	Get(ctx context.Context, tenantID, id string) (AccessRequest, error)
	FindActive(ctx context.Context, tenantID, listingID, email string) (AccessRequest, error)
	ListByListing(ctx context.Context, tenantID, listingID string) ([]AccessRequest, error)
	SetMagicToken(ctx context.Context, tenantID, id, tokenID string) error
	Approve(ctx context.Context, a Approval) (AccessRequest, error)
	Decline(ctx context.Context, r Review) (AccessRequest, error)
	Revoke(ctx context.Context, r Review) (AccessRequest, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Option configures the in-memory ledger.
type Option func(*InMemory)

// WithClock overrides the clock used for lazy expiry decisions.
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu   sync.RWMutex
	now  func() time.Time
	rows map[string]*AccessRequest
	pair map[string][]string // tenant|listing|email -> request ids, oldest first
}

// NewInMemory creates an empty ledger.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		now:  func() time.Time { return time.Now().UTC() },
		rows: make(map[string]*AccessRequest),
		pair: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Service = (*InMemory)(nil)

func pairKey(tenantID, listingID, email string) string {
	return tenantID + "|" + listingID + "|" + strings.ToLower(strings.TrimSpace(email))
}

func (s *InMemory) Create(ctx context.Context, req NewRequest) (AccessRequest, bool, error) {
	req, err := req.Normalize()
	if err != nil {
		return AccessRequest{}, false, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(req.TenantID, req.ListingID, req.Email)
	for _, id := range s.pair[key] {
		row := s.rows[id]
		if row.Open(now) {
			return *row, false, nil
		}
		if row.Status == StatusApproved {
			// lapsed but never swept
			row.Status = StatusExpired
			row.UpdatedAt = now
		}
	}

	row := &AccessRequest{
		ID:        newID(),
		TenantID:  req.TenantID,
		ListingID: req.ListingID,
		Email:     req.Email,
		FullName:  req.FullName,
		Company:   req.Company,
		Message:   req.Message,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.rows[row.ID] = row
	s.pair[key] = append(s.pair[key], row.ID)
	return *row, true, nil
}

func (s *InMemory) Get(ctx context.Context, tenantID, id string) (AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok || row.TenantID != tenantID {
		return AccessRequest{}, ErrNotFound
	}
	return *row, nil
}

func (s *InMemory) FindActive(ctx context.Context, tenantID, listingID, email string) (AccessRequest, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.pair[pairKey(tenantID, listingID, email)]
	for i := len(ids) - 1; i >= 0; i-- {
		if row := s.rows[ids[i]]; row.Active(now) {
			return *row, nil
		}
	}
	return AccessRequest{}, ErrNotFound
}

func (s *InMemory) ListByListing(ctx context.Context, tenantID, listingID string) ([]AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AccessRequest
	for _, row := range s.rows {
		if row.TenantID == tenantID && row.ListingID == listingID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) SetMagicToken(ctx context.Context, tenantID, id, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.TenantID != tenantID {
		return ErrNotFound
	}
	if row.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	row.MagicTokenID = tokenID
	row.UpdatedAt = s.now()
	return nil
}

func (s *InMemory) Approve(ctx context.Context, a Approval) (AccessRequest, error) {
	if a.NDATokenID == "" || a.ExpectedMagicTokenID == "" || !a.ExpiresAt.After(a.SignedAt) {
		return AccessRequest{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[a.RequestID]
	if !ok || row.TenantID != a.TenantID {
		return AccessRequest{}, ErrNotFound
	}
	if row.Status != StatusPending {
		return *row, ErrAlreadyProcessed
	}
	if row.MagicTokenID != a.ExpectedMagicTokenID {
		return *row, ErrTokenMismatch
	}
	signed, expires := a.SignedAt.UTC(), a.ExpiresAt.UTC()
	row.Status = StatusApproved
	row.MagicTokenID = ""
	row.NDATokenID = a.NDATokenID
	row.Signature = a.Signature
	row.SignerIP = a.SignerIP
	row.NDASignedAt = &signed
	row.NDAExpiresAt = &expires
	row.UpdatedAt = signed
	return *row, nil
}

func (s *InMemory) Decline(ctx context.Context, r Review) (AccessRequest, error) {
	return s.review(r, StatusPending, StatusDeclined)
}

func (s *InMemory) Revoke(ctx context.Context, r Review) (AccessRequest, error) {
	return s.review(r, StatusApproved, StatusRevoked)
}

func (s *InMemory) review(r Review, from, to Status) (AccessRequest, error) {
	at := r.At
	if at.IsZero() {
		at = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[r.RequestID]
	if !ok || row.TenantID != r.TenantID {
		return AccessRequest{}, ErrNotFound
	}
	if row.EffectiveStatus(at) != from {
		return *row, ErrAlreadyProcessed
	}
	row.Status = to
	row.MagicTokenID = ""
	row.NDATokenID = ""
	row.ReviewedBy = r.ReviewedBy
	row.ReviewedAt = &at
	row.Notes = strings.TrimSpace(r.Notes)
	row.UpdatedAt = at
	return *row, nil
}

func (s *InMemory) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.Status == StatusApproved && row.EffectiveStatus(now) == StatusExpired {
			row.Status = StatusExpired
			row.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
