package oidckit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestUpstream(t *testing.T, srv *httptest.Server) *Upstream {
	t.Helper()
	cfg := DiscordConfig("client-1", "secret-1")
	if srv != nil {
		cfg.TokenURL = srv.URL + "/token"
		cfg.ProfileURL = srv.URL + "/users/@me"
	}
	u, err := NewUpstream(cfg)
	require.NoError(t, err)
	return u
}

func TestNewUpstream_RequiresCredentials(t *testing.T) {
	_, err := NewUpstream(Config{ClientID: "x"})
	require.Error(t, err)
	_, err = NewUpstream(Config{ClientSecret: "x"})
	require.Error(t, err)
}

func TestAuthorizationURL_ForwardsOnlyPresentParams(t *testing.T) {
	u := newTestUpstream(t, nil)

	raw := u.AuthorizationURL(AuthorizeParams{
		RedirectURI:         "https://consumer.example/cb?x=1",
		State:               "st-1",
		CodeChallenge:       "abc",
		CodeChallengeMethod: "S256",
	})
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "discord.com", parsed.Host)
	require.Equal(t, "/oauth2/authorize", parsed.Path)

	q := parsed.Query()
	require.Equal(t, "client-1", q.Get("client_id"))
	require.Equal(t, "https://consumer.example/cb?x=1", q.Get("redirect_uri"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "identify email", q.Get("scope"))
	require.Equal(t, "st-1", q.Get("state"))
	require.Equal(t, "abc", q.Get("code_challenge"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	_, hasNonce := q["nonce"]
	require.False(t, hasNonce)
}

func TestExchange_PostsFormAndDefaultsExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "the-code", r.PostForm.Get("code"))
		require.Equal(t, "https://consumer.example/cb", r.PostForm.Get("redirect_uri"))
		require.Equal(t, "client-1", r.PostForm.Get("client_id"))
		require.Equal(t, "secret-1", r.PostForm.Get("client_secret"))
		require.False(t, r.PostForm.Has("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	u := newTestUpstream(t, srv)
	tok, err := u.Exchange(context.Background(), "the-code", "https://consumer.example/cb", "")
	require.NoError(t, err)
	require.Equal(t, "at-1", tok.AccessToken)
	require.Equal(t, int64(3600), tok.ExpiresIn)
}

func TestExchange_ForwardsCodeVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk", r.PostForm.Get("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	_, err := newTestUpstream(t, srv).Exchange(context.Background(), "c", "https://consumer.example/cb", "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	require.NoError(t, err)
}

func TestExchange_UsesUpstreamExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":604800}`))
	}))
	defer srv.Close()

	tok, err := newTestUpstream(t, srv).Exchange(context.Background(), "c", "https://consumer.example/cb", "")
	require.NoError(t, err)
	require.Equal(t, int64(604800), tok.ExpiresIn)
}

func TestExchange_UpstreamRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	_, err := newTestUpstream(t, srv).Exchange(context.Background(), "bad", "https://consumer.example/cb", "")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUpstreamExchange))
}

func TestExchange_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := DiscordConfig("client-1", "secret-1")
	cfg.TokenURL = srv.URL + "/token"
	cfg.Timeout = 50 * time.Millisecond
	u, err := NewUpstream(cfg)
	require.NoError(t, err)

	_, err = u.Exchange(context.Background(), "c", "https://consumer.example/cb", "")
	require.ErrorIs(t, err, ErrUpstreamExchange)
}

func TestFetchProfile_MapsDiscordFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"80351110224678912","username":"nelly","email":"nelly@example.com","avatar":"8342729096ea3675442027381ff50dfe","verified":true}`))
	}))
	defer srv.Close()

	p, err := newTestUpstream(t, srv).FetchProfile(context.Background(), "at-1")
	require.NoError(t, err)
	require.Equal(t, "80351110224678912", p.Subject)
	require.Equal(t, "nelly", p.Name)
	require.Equal(t, "nelly@example.com", p.Email)
	require.True(t, p.Verified)
	require.Equal(t, "https://cdn.discordapp.com/avatars/80351110224678912/8342729096ea3675442027381ff50dfe.png", p.Picture)
}

func TestFetchProfile_NoAvatarNoPicture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"42","username":"quiet","avatar":null}`))
	}))
	defer srv.Close()

	p, err := newTestUpstream(t, srv).FetchProfile(context.Background(), "at-1")
	require.NoError(t, err)
	require.Empty(t, p.Email)
	require.Empty(t, p.Picture)
}

func TestFetchProfile_Failures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"unauthorized": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
		"not json":     func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`<html>`)) },
		"no subject":   func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"username":"x"}`)) },
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := newTestUpstream(t, srv).FetchProfile(context.Background(), "at-1")
			require.ErrorIs(t, err, ErrUpstreamProfile)
		})
	}
}

func TestFetchProfile_CustomFieldMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"user":{"uid":12345,"mail":"a@b.c","login":"ab"}}}`))
	}))
	defer srv.Close()

	cfg := DiscordConfig("c", "s")
	cfg.ProfileURL = srv.URL
	cfg.AvatarTemplate = ""
	cfg.Fields = FieldMapping{Subject: "data.user.uid", Email: "data.user.mail", Name: "data.user.login"}
	u, err := NewUpstream(cfg)
	require.NoError(t, err)

	p, err := u.FetchProfile(context.Background(), "at")
	require.NoError(t, err)
	require.Equal(t, "12345", p.Subject)
	require.Equal(t, "a@b.c", p.Email)
	require.Equal(t, "ab", p.Name)
}
