package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"consoleguard.io/internal/csrf"
)

// CSRFStore keeps token digests in csrf_bindings, one row per context.
type CSRFStore struct {
	db *sql.DB
}

var _ csrf.Store = (*CSRFStore)(nil)

func (s *CSRFStore) Put(ctx context.Context, key string, b csrf.Binding) error {
	_, err := s.db.ExecContext(ctx, `
		insert into csrf_bindings(context_key, digest, issued_at) values ($1, $2, $3)
		on conflict (context_key) do update set digest = excluded.digest, issued_at = excluded.issued_at
	`, key, b.Digest[:], b.IssuedAt.UTC())
	return err
}

func (s *CSRFStore) Get(ctx context.Context, key string) (csrf.Binding, bool, error) {
	var (
		b      csrf.Binding
		digest []byte
	)
	err := s.db.QueryRowContext(ctx, `select digest, issued_at from csrf_bindings where context_key = $1`, key).
		Scan(&digest, &b.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return csrf.Binding{}, false, nil
	}
	if err != nil {
		return csrf.Binding{}, false, err
	}
	if len(digest) != len(b.Digest) {
		return csrf.Binding{}, false, fmt.Errorf("csrf binding %q: digest has %d bytes", key, len(digest))
	}
	copy(b.Digest[:], digest)
	return b, true, nil
}

func (s *CSRFStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `delete from csrf_bindings where context_key = $1`, key)
	return err
}
