package testing

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	authhttp "github.com/open-rails/oidcbridge/adapters/http"
	"github.com/open-rails/oidcbridge/core"
	oidckit "github.com/open-rails/oidcbridge/oidc"
	memorystore "github.com/open-rails/oidcbridge/storage/memory"
)

// Credentials the fake upstream accepts.
const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
	KeyID        = "test-key"
)

// FakeUpstream is an in-process OAuth2 provider shaped like Discord: a token
// endpoint and a /users/@me profile endpoint.
type FakeUpstream struct {
	srv *httptest.Server

	mu        sync.Mutex
	profiles  map[string]map[string]any // by code
	ExpiresIn int64
	exchanges int
}

func NewFakeUpstream() *FakeUpstream {
	f := &FakeUpstream{profiles: map[string]map[string]any{}, ExpiresIn: 604800}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/oauth2/token", f.token)
	mux.HandleFunc("GET /api/users/@me", f.me)
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *FakeUpstream) URL() string { return f.srv.URL }

// Exchanges counts successful code exchanges.
func (f *FakeUpstream) Exchanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchanges
}

func (f *FakeUpstream) Close() { f.srv.Close() }

// AddUser makes code redeemable for a session whose profile is profile.
func (f *FakeUpstream) AddUser(code string, profile map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[code] = profile
}

// Config points an upstream client at the fake.
func (f *FakeUpstream) Config() oidckit.Config {
	c := oidckit.DiscordConfig(ClientID, ClientSecret)
	c.AuthURL = f.srv.URL + "/oauth2/authorize"
	c.TokenURL = f.srv.URL + "/api/oauth2/token"
	c.ProfileURL = f.srv.URL + "/api/users/@me"
	c.AvatarTemplate = f.srv.URL + "/avatars/{id}/{avatar}.png"
	return c
}

func (f *FakeUpstream) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}
	code := r.PostForm.Get("code")
	f.mu.Lock()
	_, ok := f.profiles[code]
	if ok {
		f.exchanges++
	}
	exp := f.ExpiresIn
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "at-" + code,
		"token_type":   "Bearer",
		"expires_in":   exp,
		"scope":        "identify email",
	})
}

func (f *FakeUpstream) me(w http.ResponseWriter, r *http.Request) {
	code, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer at-")
	f.mu.Lock()
	profile, known := f.profiles[code]
	f.mu.Unlock()
	if !ok || !known {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "401: Unauthorized", "code": 0})
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// TestIssuer runs the full bridge over a FakeUpstream and an in-memory store.
type TestIssuer struct {
	Upstream *FakeUpstream
	Store    *memorystore.Identities
	Key      *rsa.PrivateKey

	srv *httptest.Server
}

// NewTestIssuer starts a bridge. It panics when setup fails, like httptest.
func NewTestIssuer() *TestIssuer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	up := NewFakeUpstream()
	client, err := oidckit.NewUpstream(up.Config())
	if err != nil {
		panic(err)
	}

	var h http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))

	store := memorystore.NewIdentities()
	keys := core.StaticKey{Key: &core.SigningKey{KeyID: KeyID, Private: key}}
	bridge := core.NewBridge(client, core.NewReconciler(store, "discord"), core.NewMinter(keys, srv.URL, ClientID))
	h = authhttp.NewService(bridge, srv.URL).DisableRateLimiter().Handler()

	return &TestIssuer{Upstream: up, Store: store, Key: key, srv: srv}
}

func (i *TestIssuer) URL() string { return i.srv.URL }

func (i *TestIssuer) Close() {
	i.srv.Close()
	i.Upstream.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
