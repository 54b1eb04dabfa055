package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/open-rails/oidcbridge/core"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// Identities is a Redis-backed core.IdentityStore. Records are JSON values
// keyed by user id; email and subject keys index into them.
type Identities struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ core.IdentityStore = (*Identities)(nil)

func NewIdentities(rdb redis.UniversalClient) *Identities {
	return &Identities{rdb: rdb, prefix: "oidcbridge:"}
}

// WithPrefix namespaces every key.
func (s *Identities) WithPrefix(p string) *Identities { s.prefix = p; return s }

func (s *Identities) userKey(id string) string     { return s.prefix + "user:" + id }
func (s *Identities) emailKey(email string) string { return s.prefix + "email:" + email }
func (s *Identities) subjectKey(sub string) string { return s.prefix + "subject:" + sub }

func (s *Identities) FindByEmail(ctx context.Context, email string) (*core.IdentityRecord, error) {
	return s.findVia(ctx, s.emailKey(email))
}

func (s *Identities) FindBySubject(ctx context.Context, subject string) (*core.IdentityRecord, error) {
	return s.findVia(ctx, s.subjectKey(subject))
}

func (s *Identities) findVia(ctx context.Context, indexKey string) (*core.IdentityRecord, error) {
	id, err := s.rdb.Get(ctx, indexKey).Result()
	if err == redis.Nil {
		return nil, core.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.get(ctx, s.rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Identities) get(ctx context.Context, c getter, id string) (*core.IdentityRecord, error) {
	b, err := c.Get(ctx, s.userKey(id)).Bytes()
	if err == redis.Nil {
		return nil, core.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec core.IdentityRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode identity %s: %w", id, err)
	}
	return &rec, nil
}

// CreateIfAbsent stores rec with SETNX so only one concurrent caller wins.
// A record already indexed under rec's subject is returned as is.
func (s *Identities) CreateIfAbsent(ctx context.Context, rec core.IdentityRecord) (*core.IdentityRecord, bool, error) {
	cur, err := s.FindBySubject(ctx, rec.ExternalSubject)
	if err == nil {
		return cur, false, nil
	}
	if !errors.Is(err, core.ErrIdentityNotFound) {
		return nil, false, err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}
	ok, err := s.rdb.SetNX(ctx, s.userKey(rec.UserID), b, 0).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		cur, err := s.get(ctx, s.rdb, rec.UserID)
		if err != nil {
			return nil, false, err
		}
		return cur, false, nil
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.index(ctx, p, rec)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// RecordLogin updates the record of current.ExternalSubject under an
// optimistic WATCH transaction covering every key it reads or moves.
func (s *Identities) RecordLogin(ctx context.Context, current core.IdentityRecord, login core.Login) (*core.IdentityRecord, error) {
	subKey := s.subjectKey(current.ExternalSubject)
	var out *core.IdentityRecord
	txf := func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, subKey).Result()
		if err == redis.Nil {
			return core.ErrIdentityNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Watch(ctx, s.userKey(id), s.emailKey(current.Email)).Err(); err != nil {
			return err
		}
		rec, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		old := *rec

		move, err := s.claimable(ctx, tx, rec.ExternalSubject, login)
		if err != nil {
			return err
		}
		if move {
			rec.UserID = login.UserID
			rec.Email = login.Email
			rec.EmailVerified = login.EmailVerified
		}
		rec.LastLoginAt = login.At
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		oldEmailOwner, err := tx.Get(ctx, s.emailKey(old.Email)).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if old.UserID != rec.UserID {
				p.Del(ctx, s.userKey(old.UserID))
			}
			if old.Email != "" && old.Email != rec.Email && oldEmailOwner == old.UserID {
				p.Del(ctx, s.emailKey(old.Email))
			}
			p.Set(ctx, s.userKey(rec.UserID), b, 0)
			s.index(ctx, p, *rec)
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, subKey, s.userKey(login.UserID), s.emailKey(login.Email))
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("record login for %s: too much contention", current.ExternalSubject)
}

// claimable reports whether login's user id and email are unused or already
// belong to subject.
func (s *Identities) claimable(ctx context.Context, tx *redis.Tx, subject string, login core.Login) (bool, error) {
	ids := []string{login.UserID}
	if login.Email != "" {
		owner, err := tx.Get(ctx, s.emailKey(login.Email)).Result()
		if err != nil && err != redis.Nil {
			return false, err
		}
		if owner != "" {
			ids = append(ids, owner)
		}
	}
	for _, id := range ids {
		rec, err := s.get(ctx, tx, id)
		if errors.Is(err, core.ErrIdentityNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if rec.ExternalSubject != subject {
			return false, nil
		}
	}
	return true, nil
}

func (s *Identities) index(ctx context.Context, p redis.Pipeliner, rec core.IdentityRecord) {
	p.Set(ctx, s.subjectKey(rec.ExternalSubject), rec.UserID, 0)
	if rec.Email != "" {
		p.Set(ctx, s.emailKey(rec.Email), rec.UserID, 0)
	}
}
