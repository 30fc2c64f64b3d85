package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"dealroom.org/internal/ids"
	"dealroom.org/internal/ledger"
)

var _ ledger.Service = (*Store)(nil)

const requestColumns = `id, tenant_id, listing_id, email, full_name, company, message, status,
	magic_token_id, nda_token_id, signature, signer_ip, nda_signed_at, nda_expires_at,
	reviewed_by, reviewed_at, notes, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (ledger.AccessRequest, error) {
	var (
		r                        ledger.AccessRequest
		status                   string
		signedAt, expiresAt, rev sql.NullTime
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.ListingID, &r.Email, &r.FullName, &r.Company, &r.Message, &status,
		&r.MagicTokenID, &r.NDATokenID, &r.Signature, &r.SignerIP, &signedAt, &expiresAt,
		&r.ReviewedBy, &rev, &r.Notes, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return ledger.AccessRequest{}, err
	}
	r.Status = ledger.Status(status)
	r.NDASignedAt = timePtr(signedAt)
	r.NDAExpiresAt = timePtr(expiresAt)
	r.ReviewedAt = timePtr(rev)
	return r, nil
}

// Create returns the open request for (listing, email) when one exists. Approved rows
// whose NDA lapsed are moved to expired first so they no longer block a new cycle.
func (s *Store) Create(ctx context.Context, req ledger.NewRequest) (ledger.AccessRequest, bool, error) {
	req, err := req.Normalize()
	if err != nil {
		return ledger.AccessRequest{}, false, err
	}
	q, err := s.conn(ctx)
	if err != nil {
		return ledger.AccessRequest{}, false, err
	}
	now := s.now()

	if _, err := q.ExecContext(ctx, `
		update access_requests set status = 'expired', updated_at = $4
		where tenant_id = $1 and listing_id = $2 and email = $3
		  and status = 'approved' and nda_expires_at <= $4
	`, req.TenantID, req.ListingID, req.Email, now); err != nil {
		return ledger.AccessRequest{}, false, err
	}

	row, err := scanRequest(q.QueryRowContext(ctx, `
		insert into access_requests (id, tenant_id, listing_id, email, full_name, company, message, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $8)
		on conflict (tenant_id, listing_id, email) where status in ('pending', 'approved') do nothing
		returning `+requestColumns,
		ids.NewAt(now), req.TenantID, req.ListingID, req.Email, req.FullName, req.Company, req.Message, now))
	switch {
	case err == nil:
		return row, true, nil
	case errors.Is(err, sql.ErrNoRows):
	case isCode(err, pgErrForeignKeyViolation):
		return ledger.AccessRequest{}, false, ledger.ErrNotFound
	default:
		return ledger.AccessRequest{}, false, err
	}

	row, err = scanRequest(q.QueryRowContext(ctx, `
		select `+requestColumns+` from access_requests
		where tenant_id = $1 and listing_id = $2 and email = $3 and status in ('pending', 'approved')
		order by id desc limit 1
	`, req.TenantID, req.ListingID, req.Email))
	if err != nil {
		return ledger.AccessRequest{}, false, err
	}
	return row, false, nil
}

func (s *Store) Get(ctx context.Context, tenantID, id string) (ledger.AccessRequest, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return ledger.AccessRequest{}, err
	}
	r, err := scanRequest(q.QueryRowContext(ctx, `
		select `+requestColumns+` from access_requests where tenant_id = $1 and id = $2
	`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.AccessRequest{}, ledger.ErrNotFound
	}
	return r, err
}

func (s *Store) FindActive(ctx context.Context, tenantID, listingID, email string) (ledger.AccessRequest, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return ledger.AccessRequest{}, err
	}
	r, err := scanRequest(q.QueryRowContext(ctx, `
		select `+requestColumns+` from access_requests
		where tenant_id = $1 and listing_id = $2 and email = $3
		  and status = 'approved' and nda_expires_at > $4
		order by id desc limit 1
	`, tenantID, listingID, strings.ToLower(strings.TrimSpace(email)), s.now()))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.AccessRequest{}, ledger.ErrNotFound
	}
	return r, err
}

func (s *Store) ListByListing(ctx context.Context, tenantID, listingID string) ([]ledger.AccessRequest, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		select `+requestColumns+` from access_requests
		where tenant_id = $1 and listing_id = $2
		order by id
	`, tenantID, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.AccessRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SetMagicToken(ctx context.Context, tenantID, id, tokenID string) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		update access_requests set magic_token_id = $3, updated_at = $4
		where tenant_id = $1 and id = $2 and status = 'pending'
	`, tenantID, id, tokenID, s.now())
	if err != nil {
		return err
	}
	if aff, err := res.RowsAffected(); err != nil {
		return err
	} else if aff == 1 {
		return nil
	}
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return err
	}
	return ledger.ErrAlreadyProcessed
}

// Approve is a compare-and-swap on (status = pending, magic_token_id = expected).
func (s *Store) Approve(ctx context.Context, a ledger.Approval) (ledger.AccessRequest, error) {
	if a.NDATokenID == "" || a.ExpectedMagicTokenID == "" || !a.ExpiresAt.After(a.SignedAt) {
		return ledger.AccessRequest{}, ledger.ErrInvalidInput
	}
	q, err := s.conn(ctx)
	if err != nil {
		return ledger.AccessRequest{}, err
	}
	signed, expires := a.SignedAt.UTC(), a.ExpiresAt.UTC()
	row, err := scanRequest(q.QueryRowContext(ctx, `
		update access_requests set
			status = 'approved', magic_token_id = '', nda_token_id = $4,
			signature = $5, signer_ip = $6, nda_signed_at = $7, nda_expires_at = $8, updated_at = $7
		where tenant_id = $1 and id = $2 and status = 'pending' and magic_token_id = $3
		returning `+requestColumns,
		a.TenantID, a.RequestID, a.ExpectedMagicTokenID, a.NDATokenID, a.Signature, a.SignerIP, signed, expires))
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.AccessRequest{}, err
	}

	cur, err := s.Get(ctx, a.TenantID, a.RequestID)
	if err != nil {
		return ledger.AccessRequest{}, err
	}
	if cur.Status != ledger.StatusPending {
		return cur, ledger.ErrAlreadyProcessed
	}
	return cur, ledger.ErrTokenMismatch
}

func (s *Store) Decline(ctx context.Context, r ledger.Review) (ledger.AccessRequest, error) {
	return s.review(ctx, r, `status = 'pending'`, ledger.StatusDeclined)
}

// Revoke only succeeds on a request that is approved and not yet lapsed.
func (s *Store) Revoke(ctx context.Context, r ledger.Review) (ledger.AccessRequest, error) {
	return s.review(ctx, r, `status = 'approved' and (nda_expires_at is null or nda_expires_at > $6)`, ledger.StatusRevoked)
}

func (s *Store) review(ctx context.Context, r ledger.Review, guard string, to ledger.Status) (ledger.AccessRequest, error) {
	at := r.At
	if at.IsZero() {
		at = s.now()
	}
	q, err := s.conn(ctx)
	if err != nil {
		return ledger.AccessRequest{}, err
	}
	row, err := scanRequest(q.QueryRowContext(ctx, `
		update access_requests set
			status = $3, magic_token_id = '', nda_token_id = '',
			reviewed_by = $4, reviewed_at = $6, notes = $5, updated_at = $6
		where tenant_id = $1 and id = $2 and `+guard+`
		returning `+requestColumns,
		r.TenantID, r.RequestID, string(to), r.ReviewedBy, strings.TrimSpace(r.Notes), at.UTC()))
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.AccessRequest{}, err
	}
	cur, err := s.Get(ctx, r.TenantID, r.RequestID)
	if err != nil {
		return ledger.AccessRequest{}, err
	}
	return cur, ledger.ErrAlreadyProcessed
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `
		update access_requests set status = 'expired', updated_at = $1
		where status = 'approved' and nda_expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
