package pg

import (
	"context"
	"database/sql"

	"consoleguard.io/internal/slug"
)

// SlugRegistry keeps tenant slugs in tenant_slugs. The primary key on slug
// is the authority for uniqueness.
type SlugRegistry struct {
	db *sql.DB
}

var _ slug.Registry = (*SlugRegistry)(nil)

func (r *SlugRegistry) Exists(ctx context.Context, s string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `select exists(select 1 from tenant_slugs where slug = $1)`, s).Scan(&exists)
	return exists, err
}

func (r *SlugRegistry) Claim(ctx context.Context, s, tenantID string) error {
	_, err := r.db.ExecContext(ctx, `
		insert into tenant_slugs(slug, tenant_id, claimed_at) values ($1, $2, now())
	`, s, tenantID)
	if isUniqueViolation(err) {
		return slug.ErrTaken
	}
	return err
}
