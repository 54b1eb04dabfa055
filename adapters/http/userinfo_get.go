package authhttp

import (
	"net/http"
)

func (s *Service) handleUserInfoGET(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r.Header.Get("Authorization"))
	ui, err := s.bridge.UserInfo(r.Context(), tok)
	if err != nil {
		challenge := "Bearer"
		if tok != "" {
			challenge = `Bearer error="invalid_token"`
		}
		w.Header().Set("WWW-Authenticate", challenge)
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, ui)
}
