package core

import (
	"context"
	"errors"
	"strings"
	"time"

	oidckit "github.com/open-rails/oidcbridge/oidc"
	"go.uber.org/zap"
)

// ReconcileState is the state an external identity was found in.
type ReconcileState int

const (
	StateNew ReconcileState = iota + 1
	StateExisting
)

func (s ReconcileState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateExisting:
		return "existing"
	default:
		return "unknown"
	}
}

// Reconciler maps an upstream profile onto a durable IdentityRecord.
type Reconciler struct {
	store    IdentityStore
	linker   LinkedAccountProvisioner
	provider string
	timeout  time.Duration
	now      func() time.Time
	log      *zap.SugaredLogger
	metrics  *Metrics
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

func WithProvisioner(p LinkedAccountProvisioner) ReconcilerOption {
	return func(r *Reconciler) {
		if p != nil {
			r.linker = p
		}
	}
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.timeout = d }
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func WithReconcilerLogger(l *zap.SugaredLogger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// NewReconciler returns a Reconciler over store. provider names the upstream
// and prefixes placeholder emails.
func NewReconciler(store IdentityStore, provider string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		linker:   noopProvisioner{},
		provider: strings.ToLower(strings.TrimSpace(provider)),
		timeout:  5 * time.Second,
		now:      time.Now,
		log:      zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile finds or creates the record for p and stamps the login time.
func (r *Reconciler) Reconcile(ctx context.Context, p *oidckit.Profile) (*IdentityRecord, ReconcileState, error) {
	const op = "reconcile"
	if p == nil || strings.TrimSpace(p.Subject) == "" {
		return nil, 0, E(KindUpstreamProfile, op, errors.New("profile without subject"))
	}
	email := strings.TrimSpace(p.Email)
	now := r.now().UTC()
	login := Login{
		UserID:        DeriveUserID(email, p.Subject),
		Email:         email,
		EmailVerified: email != "",
		At:            now,
	}
	if login.Email == "" {
		login.Email = PlaceholderEmail(r.provider, p.Subject)
	}

	existing, err := r.lookup(ctx, email, p.Subject)
	if err != nil {
		return nil, 0, E(KindIdentityStore, op, err)
	}
	if existing != nil {
		return r.existing(ctx, *existing, login)
	}

	rec := IdentityRecord{
		ExternalSubject: p.Subject,
		UserID:          login.UserID,
		Email:           login.Email,
		EmailVerified:   login.EmailVerified,
		CreatedAt:       now,
		LastLoginAt:     now,
	}
	stored, created, err := r.create(ctx, rec)
	if err != nil {
		return nil, 0, E(KindIdentityStore, op, err)
	}
	if !created && stored.ExternalSubject != p.Subject {
		// A record of another subject still holds this email, e.g. an
		// address that moved between upstream accounts. Key the new record
		// by subject until a later login can claim the email.
		r.log.Warnw("identity email held by another subject", "subject", p.Subject, "holder", stored.ExternalSubject)
		rec.UserID = DeriveUserID("", p.Subject)
		rec.Email = PlaceholderEmail(r.provider, p.Subject)
		rec.EmailVerified = false
		if stored, created, err = r.create(ctx, rec); err != nil {
			return nil, 0, E(KindIdentityStore, op, err)
		}
		if !created && stored.ExternalSubject != p.Subject {
			return nil, 0, E(KindIdentityStore, op, errors.New("identity keys held by another subject"))
		}
	}
	if !created {
		// A concurrent first login won the create; continue as a repeat login.
		return r.existing(ctx, *stored, login)
	}

	r.log.Infow("identity created", "provider", r.provider, "subject", rec.ExternalSubject, "user_id", stored.UserID)
	r.provision(ctx, *stored)
	r.metrics.reconciled(StateNew)
	return stored, StateNew, nil
}

func (r *Reconciler) existing(ctx context.Context, current IdentityRecord, login Login) (*IdentityRecord, ReconcileState, error) {
	rec, err := r.touch(ctx, current, login)
	if err != nil {
		return nil, 0, E(KindIdentityStore, "reconcile", err)
	}
	r.metrics.reconciled(StateExisting)
	return rec, StateExisting, nil
}

func (r *Reconciler) create(ctx context.Context, rec IdentityRecord) (*IdentityRecord, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.CreateIfAbsent(cctx, rec)
}

// lookup returns the record of subject. An email match only counts when it
// belongs to the same subject.
func (r *Reconciler) lookup(ctx context.Context, email, subject string) (*IdentityRecord, error) {
	if email != "" {
		rec, err := r.find(ctx, func(c context.Context) (*IdentityRecord, error) { return r.store.FindByEmail(c, email) })
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.ExternalSubject == subject {
			return rec, nil
		}
	}
	return r.find(ctx, func(c context.Context) (*IdentityRecord, error) { return r.store.FindBySubject(c, subject) })
}

func (r *Reconciler) find(ctx context.Context, fn func(context.Context) (*IdentityRecord, error)) (*IdentityRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rec, err := fn(cctx)
	if errors.Is(err, ErrIdentityNotFound) {
		return nil, nil
	}
	return rec, err
}

func (r *Reconciler) touch(ctx context.Context, current IdentityRecord, login Login) (*IdentityRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rec, err := r.store.RecordLogin(cctx, current, login)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.UserID != login.UserID:
		r.log.Warnw("identity user id kept, target held by another subject", "subject", rec.ExternalSubject, "user_id", rec.UserID, "wanted", login.UserID)
	case current.UserID != rec.UserID:
		r.log.Infow("identity user id healed", "subject", rec.ExternalSubject, "from", current.UserID, "to", rec.UserID)
	}
	return rec, nil
}

func (r *Reconciler) provision(ctx context.Context, rec IdentityRecord) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.linker.Provision(cctx, r.provider, rec); err != nil {
		r.metrics.linkFailed()
		r.log.Warnw("linked account provisioning failed", "provider", r.provider, "user_id", rec.UserID, "error", err)
	}
}
