package memorystore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/open-rails/oidcbridge/core"
	"github.com/stretchr/testify/require"
)

func TestIdentities_CreateIfAbsentConcurrent(t *testing.T) {
	s := NewIdentities()
	now := time.Now().UTC()
	rec := core.IdentityRecord{ExternalSubject: "7", UserID: core.DeriveUserID("", "7"), Email: "discord_7@placeholder.local", CreatedAt: now, LastLoginAt: now}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.CreateIfAbsent(context.Background(), rec)
			require.NoError(t, err)
			if created {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, 1, s.Len())
}

func TestIdentities_RecordLoginMovesEmail(t *testing.T) {
	s := NewIdentities()
	ctx := context.Background()
	now := time.Now().UTC()
	rec := core.IdentityRecord{ExternalSubject: "7", UserID: "old", Email: "old@example.com", EmailVerified: true, CreatedAt: now, LastLoginAt: now}
	_, _, err := s.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)

	got, err := s.RecordLogin(ctx, rec, core.Login{UserID: "new", Email: "new@example.com", EmailVerified: true, At: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, "new", got.UserID)
	require.Equal(t, "new@example.com", got.Email)
	require.Equal(t, now.Add(time.Minute), got.LastLoginAt)

	byEmail, err := s.FindByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	require.Equal(t, "new", byEmail.UserID)
	_, err = s.FindByEmail(ctx, "old@example.com")
	require.ErrorIs(t, err, core.ErrIdentityNotFound)
	require.Equal(t, 1, s.Len())

	creates, updates := s.Counts()
	require.Equal(t, 1, creates)
	require.Equal(t, 1, updates)
}

func TestIdentities_RecordLoginKeepsIDHeldByOtherSubject(t *testing.T) {
	s := NewIdentities()
	ctx := context.Background()
	now := time.Now().UTC()
	a := core.IdentityRecord{ExternalSubject: "A", UserID: "id-a", Email: "a@example.com", CreatedAt: now, LastLoginAt: now}
	b := core.IdentityRecord{ExternalSubject: "B", UserID: "id-b", Email: "b@example.com", CreatedAt: now, LastLoginAt: now}
	for _, r := range []core.IdentityRecord{a, b} {
		_, created, err := s.CreateIfAbsent(ctx, r)
		require.NoError(t, err)
		require.True(t, created)
	}

	got, err := s.RecordLogin(ctx, b, core.Login{UserID: "id-a", Email: "a@example.com", At: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, "id-b", got.UserID)
	require.Equal(t, "b@example.com", got.Email)
	require.Equal(t, now.Add(time.Minute), got.LastLoginAt)

	other, err := s.FindBySubject(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "id-a", other.UserID)
	require.Equal(t, 2, s.Len())
}

func TestIdentities_CreateIfAbsentPrefersSameSubject(t *testing.T) {
	s := NewIdentities()
	ctx := context.Background()
	now := time.Now().UTC()
	a := core.IdentityRecord{ExternalSubject: "A", UserID: "shared", Email: "e@example.com", CreatedAt: now, LastLoginAt: now}
	_, _, err := s.CreateIfAbsent(ctx, a)
	require.NoError(t, err)

	got, created, err := s.CreateIfAbsent(ctx, core.IdentityRecord{ExternalSubject: "B", UserID: "shared", Email: "e@example.com"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "A", got.ExternalSubject)
}
