package pg

import (
	"context"
	"database/sql"
	"time"

	"consoleguard.io/internal/ratelimit"
)

// RateAuthority counts fixed windows in rate_windows so every replica sees
// the same totals.
type RateAuthority struct {
	db  *sql.DB
	now func() time.Time
}

var _ ratelimit.Authority = (*RateAuthority)(nil)

// Allow counts key in the epoch-aligned window containing now. Replicas share
// no first-call time, so these windows do not line up with the limiter's local
// ones, which open at each key's first call.
func (a *RateAuthority) Allow(ctx context.Context, key ratelimit.Key, rule ratelimit.Rule) (bool, error) {
	windowStart := a.now().UTC().Truncate(rule.Window)
	var count int
	err := a.db.QueryRowContext(ctx, `
		insert into rate_windows(identifier, action, window_start, count)
		values ($1, $2, $3, 1)
		on conflict (identifier, action, window_start) do update
		set count = rate_windows.count + 1
		returning count
	`, key.Identifier, key.Action, windowStart).Scan(&count)
	if err != nil {
		return false, err
	}
	return count <= rule.Limit, nil
}

// Prune deletes windows that started before cutoff.
func (a *RateAuthority) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `delete from rate_windows where window_start < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
