package core

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SigningKey is the RSA key used to sign ID tokens. Immutable once loaded.
type SigningKey struct {
	KeyID   string
	Private *rsa.PrivateKey
}

func (k *SigningKey) Public() *rsa.PublicKey { return &k.Private.PublicKey }

// SecretFetcher reads a named secret from a secret store.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, id string) (string, error)
}

// KeySource yields the process signing key.
type KeySource interface {
	SigningKey(ctx context.Context) (*SigningKey, error)
}

// KeyLoader fetches the signing key from a SecretFetcher at most once per
// process. Concurrent first callers share one in-flight fetch; a failed fetch
// is not cached.
type KeyLoader struct {
	fetcher  SecretFetcher
	secretID string
	keyID    string
	timeout  time.Duration
	log      *zap.SugaredLogger
	metrics  *Metrics

	group singleflight.Group
	key   atomic.Pointer[SigningKey]
}

// KeyLoaderOption configures a KeyLoader.
type KeyLoaderOption func(*KeyLoader)

// WithFetchTimeout bounds the secret store call.
func WithFetchTimeout(d time.Duration) KeyLoaderOption {
	return func(l *KeyLoader) { l.timeout = d }
}

func WithKeyLoaderLogger(log *zap.SugaredLogger) KeyLoaderOption {
	return func(l *KeyLoader) {
		if log != nil {
			l.log = log
		}
	}
}

func WithKeyLoaderMetrics(m *Metrics) KeyLoaderOption {
	return func(l *KeyLoader) { l.metrics = m }
}

// NewKeyLoader returns a loader for the PEM key stored under secretID.
func NewKeyLoader(fetcher SecretFetcher, secretID, keyID string, opts ...KeyLoaderOption) *KeyLoader {
	l := &KeyLoader{
		fetcher:  fetcher,
		secretID: secretID,
		keyID:    keyID,
		timeout:  5 * time.Second,
		log:      zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SigningKey returns the cached key, fetching it on first use.
func (l *KeyLoader) SigningKey(ctx context.Context) (*SigningKey, error) {
	if k := l.key.Load(); k != nil {
		return k, nil
	}
	ch := l.group.DoChan("signing-key", func() (any, error) {
		if k := l.key.Load(); k != nil {
			return k, nil
		}
		// Detached from the first caller so its cancellation does not fail
		// the other waiters.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		k, err := l.load(fctx)
		l.metrics.keyFetched(err == nil)
		if err != nil {
			l.log.Errorw("signing key fetch failed", "secret_id", l.secretID, "error", err)
			return nil, err
		}
		l.key.Store(k)
		l.log.Infow("signing key loaded", "kid", k.KeyID)
		return k, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, E(KindSigningKeyUnavailable, "load signing key", res.Err)
		}
		return res.Val.(*SigningKey), nil
	case <-ctx.Done():
		return nil, E(KindSigningKeyUnavailable, "load signing key", ctx.Err())
	}
}

func (l *KeyLoader) load(ctx context.Context) (*SigningKey, error) {
	if l.fetcher == nil {
		return nil, errors.New("no secret store configured")
	}
	raw, err := l.fetcher.FetchSecret(ctx, l.secretID)
	if err != nil {
		return nil, fmt.Errorf("fetch secret %q: %w", l.secretID, err)
	}
	priv, err := ParseRSAPrivateKeyPEM(raw)
	if err != nil {
		return nil, err
	}
	return &SigningKey{KeyID: l.keyID, Private: priv}, nil
}

// StaticKey is a KeySource over an already loaded key.
type StaticKey struct{ Key *SigningKey }

func (s StaticKey) SigningKey(context.Context) (*SigningKey, error) {
	if s.Key == nil || s.Key.Private == nil {
		return nil, E(KindSigningKeyUnavailable, "load signing key", errors.New("no key"))
	}
	return s.Key, nil
}

// ParseRSAPrivateKeyPEM accepts PKCS#1 or PKCS#8 PEM. Literal "\n" sequences
// (common when keys pass through environment variables) are unescaped.
func ParseRSAPrivateKeyPEM(s string) (*rsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "\n") && strings.Contains(s, `\n`) {
		s = strings.ReplaceAll(s, `\n`, "\n")
	}
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing key is not RSA")
		}
		return rk, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
