package listing

import (
	"context"
	"sort"
	"sync"
	"time"

	"dealroom.org/internal/ids"
)

// InMemory implements Store in process memory.
type InMemory struct {
	mu       sync.RWMutex
	listings map[string]Listing
	assets   map[string][]Asset // listing id -> assets
	slugs    map[string]string  // tenant|slug -> listing id
}

func NewInMemory() *InMemory {
	return &InMemory{
		listings: make(map[string]Listing),
		assets:   make(map[string][]Asset),
		slugs:    make(map[string]string),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) CreateListing(ctx context.Context, l Listing) (Listing, error) {
	l, err := Normalize(l)
	if err != nil {
		return Listing{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := l.TenantID + "|" + l.Slug
	if _, ok := s.slugs[key]; ok {
		return Listing{}, ErrConflict
	}
	if l.ID == "" {
		l.ID = ids.New()
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	s.listings[l.ID] = l
	s.slugs[key] = l.ID
	return l, nil
}

func (s *InMemory) GetListing(ctx context.Context, tenantID, id string) (Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok || l.TenantID != tenantID {
		return Listing{}, ErrNotFound
	}
	return l, nil
}

func (s *InMemory) SetStatus(ctx context.Context, tenantID, id string, status Status) error {
	if !ValidStatus(status) {
		return ErrInvalidInput
	}
	return s.update(tenantID, id, func(l *Listing) { l.Status = status })
}

func (s *InMemory) SetShareTokenID(ctx context.Context, tenantID, id, tokenID string) error {
	return s.update(tenantID, id, func(l *Listing) { l.ShareTokenID = tokenID })
}

func (s *InMemory) update(tenantID, id string, fn func(*Listing)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok || l.TenantID != tenantID {
		return ErrNotFound
	}
	fn(&l)
	l.UpdatedAt = time.Now().UTC()
	s.listings[id] = l
	return nil
}

func (s *InMemory) AddAsset(ctx context.Context, a Asset) (Asset, error) {
	a, err := NormalizeAsset(a)
	if err != nil {
		return Asset{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[a.ListingID]
	if !ok || l.TenantID != a.TenantID {
		return Asset{}, ErrNotFound
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	a.CreatedAt = time.Now().UTC()
	s.assets[a.ListingID] = append(s.assets[a.ListingID], a)
	return a, nil
}

func (s *InMemory) GetAsset(ctx context.Context, tenantID, listingID, assetID string) (Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assets[listingID] {
		if a.ID == assetID && a.TenantID == tenantID {
			return a, nil
		}
	}
	return Asset{}, ErrNotFound
}

func (s *InMemory) ListAssets(ctx context.Context, tenantID, listingID string) ([]Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[listingID]
	if !ok || l.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := make([]Asset, len(s.assets[listingID]))
	copy(out, s.assets[listingID])
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
