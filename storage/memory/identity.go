package memorystore

import (
	"context"
	"sync"

	"github.com/open-rails/oidcbridge/core"
)

// Identities is an in-memory core.IdentityStore.
// It is only safe for single-process deployments.
type Identities struct {
	mu        sync.Mutex
	byUserID  map[string]core.IdentityRecord
	byEmail   map[string]string
	bySubject map[string]string
	creates   int
	updates   int
}

var _ core.IdentityStore = (*Identities)(nil)

func NewIdentities() *Identities {
	return &Identities{
		byUserID:  make(map[string]core.IdentityRecord),
		byEmail:   make(map[string]string),
		bySubject: make(map[string]string),
	}
}

func (s *Identities) FindByEmail(ctx context.Context, email string) (*core.IdentityRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(s.byEmail[email])
}

func (s *Identities) FindBySubject(ctx context.Context, subject string) (*core.IdentityRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(s.bySubject[subject])
}

// CreateIfAbsent stores rec unless its subject, user id or email is already
// taken. The conflicting record is returned, preferring one of the same subject.
func (s *Identities) CreateIfAbsent(ctx context.Context, rec core.IdentityRecord) (*core.IdentityRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{s.bySubject[rec.ExternalSubject], rec.UserID, s.byEmail[rec.Email]} {
		if cur, ok := s.byUserID[id]; ok {
			return &cur, false, nil
		}
	}
	s.putLocked(rec)
	s.creates++
	out := rec
	return &out, true, nil
}

func (s *Identities) RecordLogin(ctx context.Context, current core.IdentityRecord, login core.Login) (*core.IdentityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byUserID[s.bySubject[current.ExternalSubject]]
	if !ok {
		return nil, core.ErrIdentityNotFound
	}
	if s.freeLocked(rec.ExternalSubject, login.UserID) && s.freeLocked(rec.ExternalSubject, s.byEmail[login.Email]) {
		delete(s.byUserID, rec.UserID)
		if s.byEmail[rec.Email] == rec.UserID {
			delete(s.byEmail, rec.Email)
		}
		rec.UserID = login.UserID
		rec.Email = login.Email
		rec.EmailVerified = login.EmailVerified
	}
	rec.LastLoginAt = login.At
	s.putLocked(rec)
	s.updates++
	out := rec
	return &out, nil
}

// freeLocked reports whether userID is unused or belongs to subject.
func (s *Identities) freeLocked(subject, userID string) bool {
	cur, ok := s.byUserID[userID]
	return !ok || cur.ExternalSubject == subject
}

// Counts reports how many creates and login updates were applied.
func (s *Identities) Counts() (creates, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates, s.updates
}

// Len returns the number of stored records.
func (s *Identities) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUserID)
}

func (s *Identities) getLocked(userID string) (*core.IdentityRecord, error) {
	if userID == "" {
		return nil, core.ErrIdentityNotFound
	}
	rec, ok := s.byUserID[userID]
	if !ok {
		return nil, core.ErrIdentityNotFound
	}
	return &rec, nil
}

func (s *Identities) putLocked(rec core.IdentityRecord) {
	s.byUserID[rec.UserID] = rec
	if rec.Email != "" {
		s.byEmail[rec.Email] = rec.UserID
	}
	s.bySubject[rec.ExternalSubject] = rec.UserID
}
