package core

import (
	"context"
	"errors"
	"strings"
	"time"

	oidckit "github.com/open-rails/oidcbridge/oidc"
	"go.uber.org/zap"
)

// ReconcilePolicy decides whether a token may be issued when identity
// reconciliation fails.
type ReconcilePolicy string

const (
	// ReconcileRequired fails the token request on reconciliation failure.
	ReconcileRequired ReconcilePolicy = "required"
	// ReconcileBestEffort logs the failure and still issues the token.
	ReconcileBestEffort ReconcilePolicy = "best_effort"
)

// ParseReconcilePolicy maps a config value to a policy; empty is required.
func ParseReconcilePolicy(s string) (ReconcilePolicy, error) {
	switch ReconcilePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReconcileRequired:
		return ReconcileRequired, nil
	case ReconcileBestEffort:
		return ReconcileBestEffort, nil
	default:
		return "", errors.New("reconcile policy must be required or best_effort")
	}
}

// Upstream is the plain OAuth2 provider the bridge fronts.
type Upstream interface {
	AuthorizationURL(p oidckit.AuthorizeParams) string
	Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*oidckit.Tokens, error)
	FetchProfile(ctx context.Context, accessToken string) (*oidckit.Profile, error)
}

var _ Upstream = (*oidckit.Upstream)(nil)

// Bridge presents an OAuth2 upstream as an OIDC provider.
type Bridge struct {
	upstream   Upstream
	reconciler *Reconciler
	minter     *Minter
	policy     ReconcilePolicy
	log        *zap.SugaredLogger
	metrics    *Metrics
}

// NewBridge wires the bridge components.
func NewBridge(up Upstream, rec *Reconciler, minter *Minter) *Bridge {
	return &Bridge{
		upstream:   up,
		reconciler: rec,
		minter:     minter,
		policy:     ReconcileRequired,
		log:        zap.NewNop().Sugar(),
	}
}

func (b *Bridge) WithPolicy(p ReconcilePolicy) *Bridge { b.policy = p; return b }
func (b *Bridge) WithMetrics(m *Metrics) *Bridge       { b.metrics = m; return b }
func (b *Bridge) WithLogger(l *zap.SugaredLogger) *Bridge {
	if l != nil {
		b.log = l
	}
	return b
}

// Authorize returns the upstream URL the consumer's browser is sent to.
func (b *Bridge) Authorize(req AuthorizeRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	return b.upstream.AuthorizationURL(oidckit.AuthorizeParams{
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
	}), nil
}

// Token runs exchange, profile fetch, reconciliation and minting in order.
func (b *Bridge) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if err := req.Validate(); err != nil {
		b.metrics.tokenOutcome("invalid_request")
		return nil, err
	}
	resp, err := b.token(ctx, req)
	if err != nil {
		b.metrics.tokenOutcome(KindOf(err).String())
		return nil, err
	}
	b.metrics.tokenOutcome("issued")
	return resp, nil
}

func (b *Bridge) token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	start := time.Now()
	tok, err := b.upstream.Exchange(ctx, req.Code, req.RedirectURI, req.CodeVerifier)
	b.metrics.upstream("exchange", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, E(KindUpstreamExchange, "token", err)
	}

	start = time.Now()
	profile, err := b.upstream.FetchProfile(ctx, tok.AccessToken)
	b.metrics.upstream("profile", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, E(KindUpstreamProfile, "token", err)
	}

	rec, state, err := b.reconciler.Reconcile(ctx, profile)
	switch {
	case err == nil:
		b.log.Debugw("identity reconciled", "subject", rec.ExternalSubject, "state", state.String())
	case b.policy == ReconcileBestEffort:
		b.log.Warnw("reconciliation failed, issuing token anyway", "subject", profile.Subject, "error", err)
		rec = &IdentityRecord{ExternalSubject: profile.Subject, UserID: DeriveUserID(profile.Email, profile.Subject), Email: profile.Email}
	default:
		return nil, err
	}

	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	idToken, _, err := b.minter.Mint(ctx, *rec, profile, lifetime)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: tok.AccessToken,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   tok.ExpiresIn,
	}, nil
}

// UserInfo re-derives standard claims for bearer by asking the upstream.
// Every failure is reported as KindInvalidToken.
func (b *Bridge) UserInfo(ctx context.Context, bearer string) (*UserInfo, error) {
	const op = "userinfo"
	if strings.TrimSpace(bearer) == "" {
		return nil, E(KindInvalidToken, op, errMissingBearer)
	}
	start := time.Now()
	p, err := b.upstream.FetchProfile(ctx, bearer)
	b.metrics.upstream("profile", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, E(KindInvalidToken, op, err)
	}
	ui := &UserInfo{Subject: p.Subject, Email: p.Email, Name: p.Name}
	if p.Picture != "" {
		pic := p.Picture
		ui.Picture = &pic
	}
	return ui, nil
}

// KeySource exposes the signing key for the key-set document.
func (b *Bridge) KeySource() KeySource { return b.minter.keys }
