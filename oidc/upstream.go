package oidckit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// maxResponseSize caps how much of an upstream response body is read.
const maxResponseSize = 1 << 20

// defaultExpiresIn is used when the upstream omits expires_in.
const defaultExpiresIn = 3600

// Upstream talks to a plain OAuth2 provider: it builds authorize redirects,
// exchanges codes and fetches profiles.
type Upstream struct {
	cfg    Config
	oauth  *oauth2.Config
	client *http.Client
}

// Option configures an Upstream.
type Option func(*Upstream)

// WithHTTPClient replaces the HTTP client. The client's Timeout is overridden
// by Config.Timeout when the client has none.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Upstream) {
		if c != nil {
			u.client = c
		}
	}
}

// NewUpstream validates cfg and returns an Upstream.
func NewUpstream(cfg Config, opts ...Option) (*Upstream, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	u := &Upstream{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: cfg.Scopes,
		},
		client: &http.Client{},
	}
	for _, o := range opts {
		o(u)
	}
	if u.client.Timeout == 0 {
		c := *u.client
		c.Timeout = cfg.Timeout
		u.client = &c
	}
	return u, nil
}

func (u *Upstream) Config() Config { return u.cfg }

// AuthorizeParams are the consumer parameters forwarded upstream unchanged.
type AuthorizeParams struct {
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// AuthorizationURL returns the upstream authorize URL for p. Optional
// parameters are included only when non-empty.
func (u *Upstream) AuthorizationURL(p AuthorizeParams) string {
	q := url.Values{}
	q.Set("client_id", u.cfg.ClientID)
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(u.cfg.Scopes, " "))
	if p.State != "" {
		q.Set("state", p.State)
	}
	if p.CodeChallenge != "" {
		q.Set("code_challenge", p.CodeChallenge)
	}
	if p.CodeChallengeMethod != "" {
		q.Set("code_challenge_method", p.CodeChallengeMethod)
	}
	if p.Nonce != "" {
		q.Set("nonce", p.Nonce)
	}
	sep := "?"
	if strings.Contains(u.cfg.AuthURL, "?") {
		sep = "&"
	}
	return u.cfg.AuthURL + sep + q.Encode()
}

// Tokens is the upstream session token. It is never persisted.
type Tokens struct {
	AccessToken string
	TokenType   string
	// ExpiresIn is the lifetime in seconds.
	ExpiresIn int64
}

// Exchange trades an authorization code for an upstream access token.
// codeVerifier is forwarded when the consumer sent one. Failures wrap
// ErrUpstreamExchange and are not retried.
func (u *Upstream) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*Tokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.client)
	oc := *u.oauth
	oc.RedirectURL = redirectURI
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	tok, err := oc.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamExchange, err)
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrUpstreamExchange)
	}
	return &Tokens{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		ExpiresIn:   expiresIn(tok),
	}, nil
}

func expiresIn(tok *oauth2.Token) int64 {
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return int64(v)
		}
	case int64:
		if v > 0 {
			return v
		}
	}
	return defaultExpiresIn
}

// FetchProfile retrieves the profile of the subject that owns accessToken.
// Failures wrap ErrUpstreamProfile.
func (u *Upstream) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.ProfileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamProfile, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamProfile, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamProfile, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamProfile, resp.StatusCode)
	}
	p, err := u.cfg.Fields.parse(body)
	if err != nil {
		return nil, errors.Join(ErrUpstreamProfile, err)
	}
	p.Picture = u.pictureURL(p)
	return p, nil
}

func (u *Upstream) pictureURL(p *Profile) string {
	if u.cfg.AvatarTemplate == "" || p.Avatar == "" {
		return ""
	}
	r := strings.NewReplacer("{id}", url.PathEscape(p.Subject), "{avatar}", url.PathEscape(p.Avatar))
	return r.Replace(u.cfg.AvatarTemplate)
}
