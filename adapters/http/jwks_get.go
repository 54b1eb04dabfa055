package authhttp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/open-rails/oidcbridge/core"
)

// handleJWKSGET serves the public key set consumers verify ID tokens with.
func (s *Service) handleJWKSGET(w http.ResponseWriter, r *http.Request) {
	doc, err := s.jwks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Service) jwks(ctx context.Context) ([]byte, error) {
	if s.staticJWKS != nil {
		return s.staticJWKS, nil
	}
	if doc := s.derivedJWKS.Load(); doc != nil {
		return *doc, nil
	}
	key, err := s.bridge.KeySource().SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := PublicJWKS(key)
	if err != nil {
		return nil, core.E(core.KindSigningKeyUnavailable, "jwks", err)
	}
	s.derivedJWKS.Store(&doc)
	return doc, nil
}

// PublicJWKS renders the public half of key as a JWK set document.
func PublicJWKS(key *core.SigningKey) ([]byte, error) {
	k, err := jwk.FromRaw(key.Public())
	if err != nil {
		return nil, err
	}
	if err := k.Set(jwk.KeyIDKey, key.KeyID); err != nil {
		return nil, err
	}
	if err := k.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, err
	}
	if err := k.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(k); err != nil {
		return nil, err
	}
	return json.Marshal(set)
}
