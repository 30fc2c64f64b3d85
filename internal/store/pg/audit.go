package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"dealroom.org/internal/audit"
)

var _ audit.Store = (*Store)(nil)

const auditColumns = `id, tenant_id, listing_id, asset_id, access_request_id, actor_id, actor_email,
	event_type, reason, metadata, ip, user_agent, occurred_at, coalesce(idempotency_key, '')`

func scanEvent(row interface{ Scan(...any) error }) (audit.Event, error) {
	var (
		e    audit.Event
		typ  string
		meta []byte
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.ListingID, &e.AssetID, &e.AccessRequestID, &e.ActorID, &e.ActorEmail,
		&typ, &e.Reason, &meta, &e.IP, &e.UserAgent, &e.OccurredAt, &e.IdempotencyKey); err != nil {
		return audit.Event{}, err
	}
	e.Type = audit.EventType(typ)
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return audit.Event{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

// Append inserts e. A repeated idempotency key returns the stored event with inserted=false.
func (s *Store) Append(ctx context.Context, e audit.Event) (audit.Event, bool, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return audit.Event{}, false, err
	}
	metaJSON := []byte("{}")
	if len(e.Metadata) > 0 {
		if metaJSON, err = json.Marshal(e.Metadata); err != nil {
			return audit.Event{}, false, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	res, err := q.ExecContext(ctx, `
		insert into audit_events (id, tenant_id, listing_id, asset_id, access_request_id, actor_id, actor_email,
			event_type, reason, metadata, ip, user_agent, occurred_at, idempotency_key)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, nullif($14, ''))
		on conflict (tenant_id, idempotency_key) where idempotency_key is not null do nothing
	`, e.ID, e.TenantID, e.ListingID, e.AssetID, e.AccessRequestID, e.ActorID, e.ActorEmail,
		string(e.Type), e.Reason, metaJSON, e.IP, e.UserAgent, e.OccurredAt.UTC(), e.IdempotencyKey)
	if err != nil {
		return audit.Event{}, false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return audit.Event{}, false, err
	}
	if aff == 1 {
		return e, true, nil
	}
	stored, err := scanEvent(q.QueryRowContext(ctx, `
		select `+auditColumns+` from audit_events where tenant_id = $1 and idempotency_key = $2
	`, e.TenantID, e.IdempotencyKey))
	if err != nil {
		return audit.Event{}, false, err
	}
	return stored, false, nil
}

func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ListingID != "" {
		add("listing_id = $%d", f.ListingID)
	}
	if f.Type != "" {
		add("event_type = $%d", string(f.Type))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To.UTC())
	}
	if f.After != "" {
		add("id > $%d", f.After)
	}
	query := `select ` + auditColumns + ` from audit_events where ` + strings.Join(where, " and ") + ` order by id asc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
