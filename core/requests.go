package core

import (
	"net/url"
	"strings"
)

// AuthorizeRequest is the consumer's inbound authorization request.
// Optional fields are forwarded upstream only when present.
type AuthorizeRequest struct {
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// AuthorizeRequestFromValues reads an AuthorizeRequest from query parameters.
func AuthorizeRequestFromValues(v url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		RedirectURI:         v.Get("redirect_uri"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Nonce:               v.Get("nonce"),
	}
}

func (r AuthorizeRequest) Validate() error {
	if strings.TrimSpace(r.RedirectURI) == "" {
		return E(KindValidation, "authorize", errMissingRedirect)
	}
	return nil
}

const GrantTypeAuthorizationCode = "authorization_code"

// TokenRequest is the consumer's code-for-token request.
type TokenRequest struct {
	GrantType   string
	Code        string
	RedirectURI string
	// CodeVerifier is the PKCE verifier, passed to the upstream unchanged.
	CodeVerifier string
	// ClientID is accepted for compatibility and not checked.
	ClientID string
}

// TokenRequestFromValues reads a TokenRequest from a form body or query.
func TokenRequestFromValues(v url.Values) TokenRequest {
	return TokenRequest{
		GrantType:    v.Get("grant_type"),
		Code:         v.Get("code"),
		RedirectURI:  v.Get("redirect_uri"),
		CodeVerifier: v.Get("code_verifier"),
		ClientID:     v.Get("client_id"),
	}
}

func (r TokenRequest) Validate() error {
	if r.GrantType != GrantTypeAuthorizationCode {
		return E(KindValidation, "token", errBadGrantType)
	}
	if strings.TrimSpace(r.Code) == "" {
		return E(KindValidation, "token", errMissingCode)
	}
	return nil
}

// TokenResponse is the bridge's answer to a successful TokenRequest.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// UserInfo holds the standard claims returned by the userinfo endpoint.
// Picture is null when the upstream account has no avatar.
type UserInfo struct {
	Subject string  `json:"sub"`
	Email   string  `json:"email,omitempty"`
	Name    string  `json:"name,omitempty"`
	Picture *string `json:"picture"`
}
