package authhttp

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// route is one entry of the closed routing table.
type route struct {
	method  string
	path    string
	bucket  string
	handler http.HandlerFunc
}

func (s *Service) routes() []route {
	rs := []route{
		{http.MethodGet, "/authorize", RLAuthorize, s.handleAuthorizeGET},
		{http.MethodPost, "/token", RLToken, s.handleTokenPOST},
		{http.MethodGet, "/token", RLToken, s.handleTokenGET},
		{http.MethodGet, "/userinfo", RLUserInfo, s.handleUserInfoGET},
		{http.MethodGet, "/.well-known/openid-configuration", RLMetadata, s.handleDiscoveryGET},
		{http.MethodGet, "/jwks.json", RLMetadata, s.handleJWKSGET},
		{http.MethodGet, "/healthz", "", s.handleHealthGET},
	}
	if s.gatherer != nil {
		rs = append(rs, route{http.MethodGet, "/metrics", "", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP})
	}
	return rs
}

var allowedMethods = map[string]bool{http.MethodGet: true, http.MethodPost: true}

// validateRoutes rejects nil handlers, unsupported methods, relative paths
// and duplicate (method, path) pairs.
func validateRoutes(rs []route) error {
	seen := make(map[string]bool, len(rs))
	for _, rt := range rs {
		key := rt.method + " " + rt.path
		if rt.handler == nil {
			return fmt.Errorf("route %s has no handler", key)
		}
		if !allowedMethods[rt.method] {
			return fmt.Errorf("route %s uses unsupported method", key)
		}
		if !strings.HasPrefix(rt.path, "/") {
			return fmt.Errorf("route %s path must be absolute", key)
		}
		if seen[key] {
			return fmt.Errorf("route %s registered twice", key)
		}
		seen[key] = true
	}
	return nil
}

// Handler returns the bridge's HTTP handler. It panics if the routing table
// is inconsistent, so misconfiguration fails at startup.
func (s *Service) Handler() http.Handler {
	if s == nil || s.bridge == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { sendErr(w, http.StatusInternalServerError, "server_error") })
	}
	rs := s.routes()
	if err := validateRoutes(rs); err != nil {
		panic("oidcbridge: " + err.Error())
	}
	mux := http.NewServeMux()
	for _, rt := range rs {
		h := rt.handler
		if rt.bucket != "" {
			h = s.limited(rt.bucket, h)
		}
		mux.Handle(rt.method+" "+rt.path, h)
	}
	return s.observe(cors(mux))
}

func (s *Service) handleHealthGET(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
