package audit

import (
	"context"
	"strings"
	"sync"
)

type requestIDKey struct{}

// WithRequestID tags ctx with the inbound request id. Events recorded under ctx carry it in
// their metadata so an audit row can be joined with access logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id = strings.TrimSpace(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type pendingKey struct{}

// Pending holds events recorded inside a transaction until it commits.
type Pending struct {
	mu     sync.Mutex
	events []func()
}

// Defer makes Record hold back publication of events recorded under the returned ctx until
// Flush. Nested calls share the outermost buffer and get a Pending whose Flush does nothing.
func Defer(ctx context.Context) (context.Context, *Pending) {
	if _, ok := ctx.Value(pendingKey{}).(*Pending); ok {
		return ctx, &Pending{}
	}
	p := &Pending{}
	return context.WithValue(ctx, pendingKey{}, p), p
}

// Flush publishes the held events in record order. Dropping a Pending without Flush
// discards them, e.g. after a rollback.
func (p *Pending) Flush() {
	p.mu.Lock()
	events := p.events
	p.events = nil
	p.mu.Unlock()
	for _, publish := range events {
		publish()
	}
}

func (p *Pending) hold(fn func()) {
	p.mu.Lock()
	p.events = append(p.events, fn)
	p.mu.Unlock()
}

func pendingFrom(ctx context.Context) *Pending {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(pendingKey{}).(*Pending)
	return p
}
