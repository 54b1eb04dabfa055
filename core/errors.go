package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies bridge failures. Adapters map a Kind to a response with
// StatusFor and OAuthCode; nothing else decides status codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUpstreamExchange
	KindUpstreamProfile
	KindInvalidToken
	KindSigningKeyUnavailable
	KindIdentityStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUpstreamExchange:
		return "upstream_exchange"
	case KindUpstreamProfile:
		return "upstream_profile"
	case KindInvalidToken:
		return "invalid_token"
	case KindSigningKeyUnavailable:
		return "signing_key_unavailable"
	case KindIdentityStore:
		return "identity_store"
	default:
		return "unknown"
	}
}

type kindResponse struct {
	status int
	code   string
}

var kindResponses = map[Kind]kindResponse{
	KindValidation:            {http.StatusBadRequest, "invalid_request"},
	KindInvalidToken:          {http.StatusUnauthorized, "invalid_token"},
	KindUpstreamExchange:      {http.StatusInternalServerError, "server_error"},
	KindUpstreamProfile:       {http.StatusInternalServerError, "server_error"},
	KindSigningKeyUnavailable: {http.StatusInternalServerError, "server_error"},
	KindIdentityStore:         {http.StatusInternalServerError, "server_error"},
}

// StatusFor returns the HTTP status for a kind. Unknown kinds are 500.
func StatusFor(k Kind) int {
	if r, ok := kindResponses[k]; ok {
		return r.status
	}
	return http.StatusInternalServerError
}

// OAuthCode returns the OAuth2 "error" value for a kind.
func OAuthCode(k Kind) string {
	if r, ok := kindResponses[k]; ok {
		return r.code
	}
	return "server_error"
}

// Error is a classified bridge failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and the operation that failed.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

var (
	// ErrIdentityNotFound is returned by IdentityStore lookups that match nothing.
	ErrIdentityNotFound = errors.New("identity not found")
	errMissingRedirect  = errors.New("missing redirect_uri")
	errBadGrantType     = errors.New("unsupported grant_type")
	errMissingCode      = errors.New("missing code")
	errMissingBearer    = errors.New("missing bearer token")
)
