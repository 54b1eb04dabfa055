package authhttp

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/open-rails/oidcbridge/core"
	memorylimiter "github.com/open-rails/oidcbridge/ratelimit/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Service mounts the bridge on net/http.
type Service struct {
	bridge   *core.Bridge
	issuer   string
	rl       RateLimiter
	clientIP ClientIPFunc
	log      *zap.SugaredLogger

	httpMetrics *HTTPMetrics
	gatherer    prometheus.Gatherer

	staticJWKS  []byte
	derivedJWKS atomic.Pointer[[]byte]
}

func (s *Service) allow(r *http.Request, bucket string) bool {
	if s == nil || s.rl == nil {
		return true
	}
	ipFn := s.clientIP
	if ipFn == nil {
		ipFn = DefaultClientIP()
	}
	ip := ipFn(r)
	if strings.TrimSpace(ip) == "" {
		return true
	}
	ok, err := s.rl.AllowNamed(bucket, "oidcbridge:"+bucket+":ip:"+ip)
	if err != nil {
		s.log.Warnw("rate limiter unavailable", "bucket", bucket, "error", err)
		return true
	}
	return ok
}

// NewService wraps bridge. issuer is the public base URL the endpoints in
// the discovery document are derived from.
func NewService(bridge *core.Bridge, issuer string) *Service {
	return &Service{
		bridge:   bridge,
		issuer:   strings.TrimRight(strings.TrimSpace(issuer), "/"),
		rl:       memorylimiter.New(ToMemoryLimits(DefaultRateLimits())),
		clientIP: DefaultClientIP(),
		log:      zap.NewNop().Sugar(),
	}
}

func (s *Service) WithRateLimiter(rl RateLimiter) *Service { s.rl = rl; return s }
func (s *Service) DisableRateLimiter() *Service            { s.rl = nil; return s }
func (s *Service) WithClientIPFunc(fn ClientIPFunc) *Service {
	if fn == nil {
		s.clientIP = DefaultClientIP()
		return s
	}
	s.clientIP = fn
	return s
}
func (s *Service) WithLogger(l *zap.SugaredLogger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}

// WithMetrics enables request instrumentation and the /metrics endpoint.
func (s *Service) WithMetrics(m *HTTPMetrics, g prometheus.Gatherer) *Service {
	s.httpMetrics = m
	s.gatherer = g
	return s
}

// WithStaticJWKS serves doc as the key-set document instead of deriving it
// from the signing key. doc must parse as a JWK set holding keyID, the kid
// minted tokens carry.
func (s *Service) WithStaticJWKS(doc, keyID string) (*Service, error) {
	if strings.TrimSpace(doc) == "" {
		return s, nil
	}
	set, err := jwk.Parse([]byte(doc))
	if err != nil {
		return nil, err
	}
	if _, ok := set.LookupKeyID(keyID); !ok {
		return nil, fmt.Errorf("key set has no key with kid %q", keyID)
	}
	s.staticJWKS = []byte(doc)
	return s, nil
}

func (s *Service) Bridge() *core.Bridge { return s.bridge }
