// Package postgres implements the domain repositories using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stalker/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const principalColumns = "id, login, email, secret_hash, last_login, created_at"

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// ErrPrincipalExists is returned by Create for a login that is already taken.
var ErrPrincipalExists = errors.New("principal already exists")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*domain.Principal, error) {
	var (
		p         domain.Principal
		lastLogin sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Login, &p.Email, &p.SecretHash, &lastLogin, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	if lastLogin.Valid {
		p.LastLogin = lastLogin.Time
	}
	return &p, nil
}

// FindByLogin retrieves a principal by login.
func (d *DB) FindByLogin(ctx context.Context, login string) (*domain.Principal, error) {
	if err := d.checkConnected(); err != nil {
		return nil, err
	}
	return scanPrincipal(d.sql.QueryRowContext(ctx,
		"SELECT "+principalColumns+" FROM principals WHERE login = $1",
		login,
	))
}

// FindByEmail retrieves a principal by e-mail address.
func (d *DB) FindByEmail(ctx context.Context, email string) (*domain.Principal, error) {
	if err := d.checkConnected(); err != nil {
		return nil, err
	}
	if email == "" {
		return nil, nil
	}
	return scanPrincipal(d.sql.QueryRowContext(ctx,
		"SELECT "+principalColumns+" FROM principals WHERE email = $1 ORDER BY id LIMIT 1",
		email,
	))
}

// FindByID retrieves a principal by ID.
func (d *DB) FindByID(ctx context.Context, id int64) (*domain.Principal, error) {
	if err := d.checkConnected(); err != nil {
		return nil, err
	}
	return scanPrincipal(d.sql.QueryRowContext(ctx,
		"SELECT "+principalColumns+" FROM principals WHERE id = $1",
		id,
	))
}

// UpdateLastLogin records a successful login time and commits it.
func (d *DB) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	if err := d.checkConnected(); err != nil {
		return err
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "UPDATE principals SET last_login = $1 WHERE id = $2", at.UTC(), id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("postgres: principal %d not found", id)
	}
	return classify(tx.Commit())
}

// Create creates a new principal.
func (d *DB) Create(ctx context.Context, login, email, secretHash string) (*domain.Principal, error) {
	if err := d.checkConnected(); err != nil {
		return nil, err
	}
	p, err := scanPrincipal(d.sql.QueryRowContext(ctx,
		"INSERT INTO principals (login, email, secret_hash, created_at) VALUES ($1, $2, $3, $4) RETURNING "+principalColumns,
		login, email, secretHash, time.Now().UTC(),
	))
	if isUniqueViolation(err) {
		return nil, ErrPrincipalExists
	}
	return p, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

// Count returns the total number of principals.
func (d *DB) Count(ctx context.Context) (int, error) {
	if err := d.checkConnected(); err != nil {
		return 0, err
	}
	var count int
	err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM principals").Scan(&count)
	return count, classify(err)
}
