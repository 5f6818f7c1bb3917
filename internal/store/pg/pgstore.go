// Package pg backs the security core's collaborators with PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store owns the connection pool shared by every pg collaborator.
type Store struct {
	db *sql.DB
}

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// AuditSink returns the audit_entries sink.
func (s *Store) AuditSink() *AuditSink { return &AuditSink{db: s.db} }

// SlugRegistry returns the tenant_slugs registry.
func (s *Store) SlugRegistry() *SlugRegistry { return &SlugRegistry{db: s.db} }

// RateAuthority returns the rate_windows authority.
func (s *Store) RateAuthority(now func() time.Time) *RateAuthority {
	if now == nil {
		now = time.Now
	}
	return &RateAuthority{db: s.db, now: now}
}

// CSRFStore returns the csrf_bindings store.
func (s *Store) CSRFStore() *CSRFStore { return &CSRFStore{db: s.db} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
