package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dealroom.org/internal/ids"
	"dealroom.org/internal/obs"
)

// Publisher receives every newly inserted event, e.g. the live audit feed.
type Publisher interface {
	Publish(Event)
}

// Recorder stamps, persists and fans out audit events.
type Recorder struct {
	store     Store
	publisher Publisher
	now       func() time.Time
}

type RecorderOption func(*Recorder)

func WithPublisher(p Publisher) RecorderOption {
	return func(r *Recorder) { r.publisher = p }
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends e and returns its id. A repeated IdempotencyKey returns the id of the
// event stored first without writing again. Any persistence failure is returned wrapped
// in ErrWriteFailed.
func (r *Recorder) Record(ctx context.Context, e Event) (string, error) {
	e.TenantID = strings.TrimSpace(e.TenantID)
	if e.TenantID == "" {
		return "", fmt.Errorf("%w: tenant is required", ErrInvalidEvent)
	}
	if !e.Type.Known() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	now := r.now().UTC()
	e.ID = ids.NewAt(now)
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		md := cloneMetadata(e.Metadata)
		if md == nil {
			md = make(map[string]any, 1)
		}
		md["request_id"] = rid
		e.Metadata = md
	}

	stored, inserted, err := r.store.Append(ctx, e)
	if err != nil {
		obs.ObserveAuditFailure()
		obs.Logger().Error("audit append failed",
			zap.String("tenant_id", e.TenantID),
			zap.String("event_type", string(e.Type)),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if !inserted {
		return stored.ID, nil
	}

	obs.ObserveAuditEvent(string(stored.Type))
	obs.Logger().Info("audit",
		zap.String("event_id", stored.ID),
		zap.String("tenant_id", stored.TenantID),
		zap.String("event_type", string(stored.Type)),
		zap.String("listing_id", stored.ListingID),
		zap.String("actor_id", stored.ActorID),
		zap.String("reason", stored.Reason),
		zap.String("request_id", RequestIDFromContext(ctx)),
	)
	if r.publisher != nil {
		if p := pendingFrom(ctx); p != nil {
			p.hold(func() { r.publisher.Publish(stored) })
		} else {
			r.publisher.Publish(stored)
		}
	}
	return stored.ID, nil
}

// Query returns one page of events for f.TenantID ordered by id.
func (r *Recorder) Query(ctx context.Context, f Filter) (Page, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return Page{}, fmt.Errorf("%w: tenant is required", ErrInvalidEvent)
	}
	limit := clampLimit(f.Limit)
	f.Limit = limit + 1
	items, err := r.store.Query(ctx, f)
	if err != nil {
		return Page{}, err
	}
	page := Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.Next = page.Items[limit-1].ID
	}
	if page.Items == nil {
		page.Items = []Event{}
	}
	return page, nil
}
