package pg

import (
	"context"
	"database/sql"
	"errors"

	"dealroom.org/internal/ids"
	"dealroom.org/internal/listing"
)

var _ listing.Store = (*Store)(nil)

const listingColumns = `id, tenant_id, slug, title, visibility, status, share_token_id, created_at, updated_at`

func scanListing(row interface{ Scan(...any) error }) (listing.Listing, error) {
	var (
		l          listing.Listing
		visibility string
		status     string
	)
	err := row.Scan(&l.ID, &l.TenantID, &l.Slug, &l.Title, &visibility, &status, &l.ShareTokenID, &l.CreatedAt, &l.UpdatedAt)
	l.Visibility = listing.Visibility(visibility)
	l.Status = listing.Status(status)
	return l, err
}

func (s *Store) CreateListing(ctx context.Context, l listing.Listing) (listing.Listing, error) {
	l, err := listing.Normalize(l)
	if err != nil {
		return listing.Listing{}, err
	}
	if l.ID == "" {
		l.ID = ids.New()
	}
	q, err := s.conn(ctx)
	if err != nil {
		return listing.Listing{}, err
	}
	out, err := scanListing(q.QueryRowContext(ctx, `
		insert into listings (id, tenant_id, slug, title, visibility, status)
		values ($1, $2, $3, $4, $5, $6)
		returning `+listingColumns,
		l.ID, l.TenantID, l.Slug, l.Title, string(l.Visibility), string(l.Status)))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return listing.Listing{}, listing.ErrConflict
			case pgErrForeignKeyViolation:
				return listing.Listing{}, listing.ErrNotFound
			}
		}
		return listing.Listing{}, err
	}
	return out, nil
}

func (s *Store) GetListing(ctx context.Context, tenantID, id string) (listing.Listing, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return listing.Listing{}, err
	}
	l, err := scanListing(q.QueryRowContext(ctx, `
		select `+listingColumns+` from listings where tenant_id = $1 and id = $2
	`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return listing.Listing{}, listing.ErrNotFound
	}
	return l, err
}

func (s *Store) SetStatus(ctx context.Context, tenantID, id string, status listing.Status) error {
	if !listing.ValidStatus(status) {
		return listing.ErrInvalidInput
	}
	return s.updateListing(ctx, `status = $3`, tenantID, id, string(status))
}

func (s *Store) SetShareTokenID(ctx context.Context, tenantID, id, tokenID string) error {
	return s.updateListing(ctx, `share_token_id = $3`, tenantID, id, tokenID)
}

func (s *Store) updateListing(ctx context.Context, set, tenantID, id, value string) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		update listings set `+set+`, updated_at = now()
		where tenant_id = $1 and id = $2
	`, tenantID, id, value)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return listing.ErrNotFound
	}
	return nil
}

const assetColumns = `id, tenant_id, listing_id, filename, storage_path, asset_type, content_type, size_bytes, created_at`

func scanAsset(row interface{ Scan(...any) error }) (listing.Asset, error) {
	var (
		a   listing.Asset
		typ string
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.ListingID, &a.Filename, &a.StoragePath, &typ, &a.ContentType, &a.SizeBytes, &a.CreatedAt)
	a.AssetType = listing.AssetType(typ)
	return a, err
}

func (s *Store) AddAsset(ctx context.Context, a listing.Asset) (listing.Asset, error) {
	a, err := listing.NormalizeAsset(a)
	if err != nil {
		return listing.Asset{}, err
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	q, err := s.conn(ctx)
	if err != nil {
		return listing.Asset{}, err
	}
	// the select keeps the asset in the listing's tenant
	out, err := scanAsset(q.QueryRowContext(ctx, `
		insert into assets (id, tenant_id, listing_id, filename, storage_path, asset_type, content_type, size_bytes)
		select $1, l.tenant_id, l.id, $4, $5, $6, $7, $8
		from listings l where l.tenant_id = $2 and l.id = $3
		returning `+assetColumns,
		a.ID, a.TenantID, a.ListingID, a.Filename, a.StoragePath, string(a.AssetType), a.ContentType, a.SizeBytes))
	if errors.Is(err, sql.ErrNoRows) {
		return listing.Asset{}, listing.ErrNotFound
	}
	if err != nil {
		return listing.Asset{}, err
	}
	return out, nil
}

func (s *Store) GetAsset(ctx context.Context, tenantID, listingID, assetID string) (listing.Asset, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return listing.Asset{}, err
	}
	a, err := scanAsset(q.QueryRowContext(ctx, `
		select `+assetColumns+` from assets
		where tenant_id = $1 and listing_id = $2 and id = $3
	`, tenantID, listingID, assetID))
	if errors.Is(err, sql.ErrNoRows) {
		return listing.Asset{}, listing.ErrNotFound
	}
	return a, err
}

func (s *Store) ListAssets(ctx context.Context, tenantID, listingID string) ([]listing.Asset, error) {
	if _, err := s.GetListing(ctx, tenantID, listingID); err != nil {
		return nil, err
	}
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		select `+assetColumns+` from assets
		where tenant_id = $1 and listing_id = $2
		order by id
	`, tenantID, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []listing.Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
