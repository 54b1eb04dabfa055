package authhttp

import (
	"net/http"

	"github.com/open-rails/oidcbridge/core"
)

// handleAuthorizeGET forwards the consumer to the upstream authorize page.
// redirect_uri and the CSRF/PKCE parameters are passed through verbatim.
func (s *Service) handleAuthorizeGET(w http.ResponseWriter, r *http.Request) {
	target, err := s.bridge.Authorize(core.AuthorizeRequestFromValues(r.URL.Query()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
