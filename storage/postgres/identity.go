package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/open-rails/oidcbridge/core"
)

// Open connects to Postgres through the pgx database/sql driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

const identityCols = `external_subject, user_id, email, email_verified, created_at, last_login_at`

// Identities is a Postgres core.IdentityStore over the identities table.
type Identities struct {
	db *sql.DB
}

var _ core.IdentityStore = (*Identities)(nil)

func NewIdentities(db *sql.DB) *Identities { return &Identities{db: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*core.IdentityRecord, error) {
	var rec core.IdentityRecord
	if err := row.Scan(&rec.ExternalSubject, &rec.UserID, &rec.Email, &rec.EmailVerified, &rec.CreatedAt, &rec.LastLoginAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrIdentityNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Identities) FindByEmail(ctx context.Context, email string) (*core.IdentityRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityCols+` FROM identities WHERE email = $1`, strings.TrimSpace(email))
	return scanIdentity(row)
}

func (s *Identities) FindBySubject(ctx context.Context, subject string) (*core.IdentityRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityCols+` FROM identities WHERE external_subject = $1`, subject)
	return scanIdentity(row)
}

// CreateIfAbsent inserts rec unless a row with the same subject, user id or
// email already exists, in which case the existing row is returned,
// preferring the row of rec's subject.
func (s *Identities) CreateIfAbsent(ctx context.Context, rec core.IdentityRecord) (*core.IdentityRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO identities (`+identityCols+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING `+identityCols,
		rec.ExternalSubject, rec.UserID, rec.Email, rec.EmailVerified, rec.CreatedAt, rec.LastLoginAt)
	created, err := scanIdentity(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, core.ErrIdentityNotFound) {
		return nil, false, fmt.Errorf("insert identity: %w", err)
	}
	row = s.db.QueryRowContext(ctx, `
		SELECT `+identityCols+` FROM identities
		WHERE external_subject = $1 OR user_id = $2 OR email = $3
		ORDER BY external_subject = $1 DESC
		LIMIT 1`, rec.ExternalSubject, rec.UserID, rec.Email)
	existing, err := scanIdentity(row)
	if err != nil {
		return nil, false, fmt.Errorf("load conflicting identity: %w", err)
	}
	return existing, false, nil
}

// RecordLogin stamps the login and moves user_id and email to the login's
// values unless a row of another subject holds either.
func (s *Identities) RecordLogin(ctx context.Context, current core.IdentityRecord, login core.Login) (*core.IdentityRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE identities SET
			user_id        = CASE WHEN c.free THEN $2 ELSE identities.user_id END,
			email          = CASE WHEN c.free THEN $3 ELSE identities.email END,
			email_verified = CASE WHEN c.free THEN $4 ELSE identities.email_verified END,
			last_login_at  = $5
		FROM (SELECT NOT EXISTS (
			SELECT 1 FROM identities o
			WHERE o.external_subject <> $1 AND (o.user_id = $2 OR o.email = $3)
		) AS free) c
		WHERE identities.external_subject = $1
		RETURNING `+identityCols,
		current.ExternalSubject, login.UserID, login.Email, login.EmailVerified, login.At)
	return scanIdentity(row)
}

// LinkedAccounts records provider links for downstream directories.
type LinkedAccounts struct {
	db *sql.DB
}

var _ core.LinkedAccountProvisioner = (*LinkedAccounts)(nil)

func NewLinkedAccounts(db *sql.DB) *LinkedAccounts { return &LinkedAccounts{db: db} }

func (l *LinkedAccounts) Provision(ctx context.Context, provider string, rec core.IdentityRecord) error {
	var email any
	if rec.EmailVerified && rec.Email != "" {
		email = rec.Email
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO linked_accounts (provider, external_subject, user_id, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, external_subject) DO NOTHING`,
		provider, rec.ExternalSubject, rec.UserID, email)
	if err != nil {
		return fmt.Errorf("link %s account: %w", provider, err)
	}
	return nil
}
