package core_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/url"
	"testing"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/open-rails/oidcbridge/core"
	oidckit "github.com/open-rails/oidcbridge/oidc"
	memorystore "github.com/open-rails/oidcbridge/storage/memory"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	tokens     *oidckit.Tokens
	exchErr    error
	profile    *oidckit.Profile
	profileErr error
	exchanges  int
	verifier   string
}

func (f *fakeUpstream) AuthorizationURL(p oidckit.AuthorizeParams) string {
	q := url.Values{"redirect_uri": {p.RedirectURI}}
	if p.State != "" {
		q.Set("state", p.State)
	}
	return "https://upstream.example/authorize?" + q.Encode()
}

func (f *fakeUpstream) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*oidckit.Tokens, error) {
	f.exchanges++
	f.verifier = codeVerifier
	return f.tokens, f.exchErr
}

func (f *fakeUpstream) FetchProfile(ctx context.Context, accessToken string) (*oidckit.Profile, error) {
	return f.profile, f.profileErr
}

type failingStore struct{ *memorystore.Identities }

func (failingStore) CreateIfAbsent(context.Context, core.IdentityRecord) (*core.IdentityRecord, bool, error) {
	return nil, false, errors.New("table unavailable")
}

func newBridge(t *testing.T, up core.Upstream, store core.IdentityStore) (*core.Bridge, *rsa.PrivateKey) {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	minter := core.NewMinter(core.StaticKey{Key: &core.SigningKey{KeyID: "1", Private: k}}, "https://bridge.example", "client-1")
	return core.NewBridge(up, core.NewReconciler(store, "discord"), minter), k
}

func validTokenRequest() core.TokenRequest {
	return core.TokenRequest{GrantType: core.GrantTypeAuthorizationCode, Code: "c", RedirectURI: "https://consumer.example/cb"}
}

func TestBridge_TokenHappyPath(t *testing.T) {
	up := &fakeUpstream{
		tokens:  &oidckit.Tokens{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 900},
		profile: &oidckit.Profile{Subject: "42", Email: "a@b.c", Name: "alpha"},
	}
	store := memorystore.NewIdentities()
	b, key := newBridge(t, up, store)

	resp, err := b.Token(context.Background(), validTokenRequest())
	require.NoError(t, err)
	require.Equal(t, "at", resp.AccessToken)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, int64(900), resp.ExpiresIn)
	require.Equal(t, 1, store.Len())

	claims := jwt.MapClaims{}
	_, err = jwt.NewParser().ParseWithClaims(resp.IDToken, claims, func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	require.Equal(t, "42", claims["sub"])
	require.EqualValues(t, 900, claims["exp"].(float64)-claims["iat"].(float64))
}

func TestBridge_TokenForwardsCodeVerifier(t *testing.T) {
	up := &fakeUpstream{
		tokens:  &oidckit.Tokens{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 900},
		profile: &oidckit.Profile{Subject: "42"},
	}
	b, _ := newBridge(t, up, memorystore.NewIdentities())
	req := validTokenRequest()
	req.CodeVerifier = "verifier-1"

	_, err := b.Token(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "verifier-1", up.verifier)
}

func TestBridge_TokenRejectsWrongGrant(t *testing.T) {
	up := &fakeUpstream{}
	b, _ := newBridge(t, up, memorystore.NewIdentities())

	_, err := b.Token(context.Background(), core.TokenRequest{GrantType: "client_credentials", Code: "c"})
	require.Equal(t, core.KindValidation, core.KindOf(err))
	require.Equal(t, 0, up.exchanges)
}

func TestBridge_TokenErrorKinds(t *testing.T) {
	okTokens := &oidckit.Tokens{AccessToken: "at", ExpiresIn: 60}

	b, _ := newBridge(t, &fakeUpstream{exchErr: oidckit.ErrUpstreamExchange}, memorystore.NewIdentities())
	_, err := b.Token(context.Background(), validTokenRequest())
	require.Equal(t, core.KindUpstreamExchange, core.KindOf(err))

	b, _ = newBridge(t, &fakeUpstream{tokens: okTokens, profileErr: oidckit.ErrUpstreamProfile}, memorystore.NewIdentities())
	_, err = b.Token(context.Background(), validTokenRequest())
	require.Equal(t, core.KindUpstreamProfile, core.KindOf(err))
}

func TestBridge_ReconcilePolicy(t *testing.T) {
	up := &fakeUpstream{
		tokens:  &oidckit.Tokens{AccessToken: "at", ExpiresIn: 60},
		profile: &oidckit.Profile{Subject: "42"},
	}
	store := failingStore{Identities: memorystore.NewIdentities()}

	b, _ := newBridge(t, up, store)
	_, err := b.Token(context.Background(), validTokenRequest())
	require.Equal(t, core.KindIdentityStore, core.KindOf(err))

	b.WithPolicy(core.ReconcileBestEffort)
	resp, err := b.Token(context.Background(), validTokenRequest())
	require.NoError(t, err)
	require.NotEmpty(t, resp.IDToken)
}

func TestBridge_EmailMovedToAnotherAccount(t *testing.T) {
	up := &fakeUpstream{
		tokens:  &oidckit.Tokens{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 900},
		profile: &oidckit.Profile{Subject: "A", Email: "e@example.com"},
	}
	store := memorystore.NewIdentities()
	b, key := newBridge(t, up, store)
	ctx := context.Background()

	_, err := b.Token(ctx, validTokenRequest())
	require.NoError(t, err)

	// Account B now owns the address upstream; A has not logged in since.
	up.profile = &oidckit.Profile{Subject: "B", Email: "e@example.com"}
	resp, err := b.Token(ctx, validTokenRequest())
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.NewParser().ParseWithClaims(resp.IDToken, claims, func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	ui, err := b.UserInfo(ctx, resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "B", claims["sub"])
	require.Equal(t, ui.Subject, claims["sub"])
	require.Equal(t, 2, store.Len())

	a, err := store.FindBySubject(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, core.DeriveUserID("e@example.com", "A"), a.UserID)
}

func TestBridge_UserInfo(t *testing.T) {
	up := &fakeUpstream{profile: &oidckit.Profile{Subject: "42", Email: "a@b.c", Name: "alpha"}}
	b, _ := newBridge(t, up, memorystore.NewIdentities())

	ui, err := b.UserInfo(context.Background(), "at")
	require.NoError(t, err)
	require.Equal(t, "42", ui.Subject)
	require.Nil(t, ui.Picture)

	_, err = b.UserInfo(context.Background(), "")
	require.Equal(t, core.KindInvalidToken, core.KindOf(err))

	up.profileErr = oidckit.ErrUpstreamProfile
	_, err = b.UserInfo(context.Background(), "revoked")
	require.Equal(t, core.KindInvalidToken, core.KindOf(err))
}

func TestParseReconcilePolicy(t *testing.T) {
	p, err := core.ParseReconcilePolicy("")
	require.NoError(t, err)
	require.Equal(t, core.ReconcileRequired, p)
	p, err = core.ParseReconcilePolicy("BEST_EFFORT")
	require.NoError(t, err)
	require.Equal(t, core.ReconcileBestEffort, p)
	_, err = core.ParseReconcilePolicy("sometimes")
	require.Error(t, err)
}
