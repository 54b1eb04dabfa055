package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		kind   Kind
		status int
		code   string
	}{
		{KindValidation, http.StatusBadRequest, "invalid_request"},
		{KindInvalidToken, http.StatusUnauthorized, "invalid_token"},
		{KindUpstreamExchange, http.StatusInternalServerError, "server_error"},
		{KindUpstreamProfile, http.StatusInternalServerError, "server_error"},
		{KindSigningKeyUnavailable, http.StatusInternalServerError, "server_error"},
		{KindIdentityStore, http.StatusInternalServerError, "server_error"},
		{KindUnknown, http.StatusInternalServerError, "server_error"},
	}
	for _, c := range cases {
		require.Equal(t, c.status, StatusFor(c.kind), c.kind.String())
		require.Equal(t, c.code, OAuthCode(c.kind), c.kind.String())
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", E(KindIdentityStore, "reconcile", cause))
	require.Equal(t, KindIdentityStore, KindOf(err))
	require.ErrorIs(t, err, cause)
	require.Equal(t, KindUnknown, KindOf(cause))
}

func TestTokenRequest_Validate(t *testing.T) {
	require.Equal(t, KindValidation, KindOf(TokenRequest{GrantType: "client_credentials", Code: "c"}.Validate()))
	require.Equal(t, KindValidation, KindOf(TokenRequest{GrantType: GrantTypeAuthorizationCode}.Validate()))
	require.NoError(t, TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: "c"}.Validate())
}

func TestAuthorizeRequest_Validate(t *testing.T) {
	require.Equal(t, KindValidation, KindOf(AuthorizeRequest{State: "s"}.Validate()))
	require.NoError(t, AuthorizeRequest{RedirectURI: "https://x/cb"}.Validate())
}
