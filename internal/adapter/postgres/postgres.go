package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"stalker/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// Drivers accepted by Open.
const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// DB wraps a *sql.DB and implements domain.PrincipalRepository.
type DB struct {
	sql    *sql.DB
	closed atomic.Bool
}

var _ domain.PrincipalRepository = (*DB)(nil)

// Open connects to PostgreSQL through the named database/sql driver, pings,
// and runs migrations. An empty driver means DriverPQ.
func Open(driverName, connStr string) (*DB, error) {
	switch driverName {
	case "":
		driverName = DriverPQ
	case DriverPQ, DriverPGX:
	default:
		return nil, fmt.Errorf("postgres: unknown driver %q", driverName)
	}

	s, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, err
	}
	s.SetMaxOpenConns(10)
	s.SetMaxIdleConns(5)
	s.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, classify(err)
	}

	d := &DB{sql: s}
	if err := d.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying database connection. Later calls fail with
// domain.ErrNotConnected.
func (d *DB) Close() error {
	d.closed.Store(true)
	return d.sql.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS principals (
			id BIGSERIAL PRIMARY KEY,
			login TEXT UNIQUE NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			secret_hash TEXT NOT NULL,
			last_login TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_principals_email ON principals(email) WHERE email <> '';`,
	}

	for _, stmt := range stmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", classify(err))
		}
	}
	return nil
}

func (d *DB) checkConnected() error {
	if d == nil || d.closed.Load() {
		return fmt.Errorf("postgres: %w", domain.ErrNotConnected)
	}
	return nil
}

// classify marks connection-level failures as domain.ErrNotConnected and
// returns everything else unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("postgres: %w: %w", domain.ErrNotConnected, err)
	}
	return err
}
