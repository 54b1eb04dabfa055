package authhttp

import (
	"net/http"
	"net/url"

	"github.com/open-rails/oidcbridge/core"
)

const maxFormBytes = 64 << 10

func (s *Service) handleTokenPOST(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, core.E(core.KindValidation, "token", err))
		return
	}
	s.token(w, r, r.PostForm)
}

// handleTokenGET accepts the same parameters in the query string for
// consumers that cannot POST.
func (s *Service) handleTokenGET(w http.ResponseWriter, r *http.Request) {
	s.token(w, r, r.URL.Query())
}

func (s *Service) token(w http.ResponseWriter, r *http.Request, params url.Values) {
	resp, err := s.bridge.Token(r.Context(), core.TokenRequestFromValues(params))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}
