package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// userIDLength is the number of hex characters kept from the digest.
const userIDLength = 10

// IdentityRecord is the durable local identity for one upstream subject.
type IdentityRecord struct {
	ExternalSubject string    `json:"external_subject"`
	UserID          string    `json:"user_id"`
	Email           string    `json:"email"`
	EmailVerified   bool      `json:"email_verified"`
	CreatedAt       time.Time `json:"created_at"`
	LastLoginAt     time.Time `json:"last_login_at"`
}

// DeriveUserID returns the deterministic internal user id: the first ten hex
// characters of sha256(email), or of sha256(subject) when email is empty.
func DeriveUserID(email, subject string) string {
	in := strings.TrimSpace(email)
	if in == "" {
		in = subject
	}
	sum := sha256.Sum256([]byte(in))
	return hex.EncodeToString(sum[:])[:userIDLength]
}

// PlaceholderEmail is the stored address for accounts without one upstream.
func PlaceholderEmail(provider, subject string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		p = "discord"
	}
	return p + "_" + subject + "@placeholder.local"
}

// IdentityStore persists identity records. CreateIfAbsent must be atomic:
// of several concurrent calls for the same UserID exactly one reports
// created=true and all return the stored record.
type IdentityStore interface {
	FindByEmail(ctx context.Context, email string) (*IdentityRecord, error)
	FindBySubject(ctx context.Context, subject string) (*IdentityRecord, error)
	CreateIfAbsent(ctx context.Context, rec IdentityRecord) (stored *IdentityRecord, created bool, err error)
	// RecordLogin applies login to the record of current.ExternalSubject.
	// UserID, Email and EmailVerified move together, and only when no
	// record of another subject holds login.UserID or login.Email; otherwise
	// the stored values are kept. LastLoginAt is always set.
	RecordLogin(ctx context.Context, current IdentityRecord, login Login) (*IdentityRecord, error)
}

// Login is what a repeat login writes onto an existing record.
type Login struct {
	UserID        string
	Email         string
	EmailVerified bool
	At            time.Time
}

// LinkedAccountProvisioner registers the external account with a
// downstream directory. Failures never block a login.
type LinkedAccountProvisioner interface {
	Provision(ctx context.Context, provider string, rec IdentityRecord) error
}

type noopProvisioner struct{}

func (noopProvisioner) Provision(context.Context, string, IdentityRecord) error { return nil }
