package authhttp

import (
	"encoding/json"
	"net/http"

	"github.com/open-rails/oidcbridge/core"
)

type errResp struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendErr(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errResp{Error: code})
}

func tooMany(w http.ResponseWriter) { sendErr(w, http.StatusTooManyRequests, "rate_limited") }

// writeError renders err using the kind table in core. Client errors are
// logged at debug level, everything else as an error.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status := core.StatusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request failed", "path", r.URL.Path, "kind", kind.String(), "request_id", requestID(r), "error", err)
	} else {
		s.log.Debugw("request rejected", "path", r.URL.Path, "kind", kind.String(), "request_id", requestID(r), "error", err)
	}
	sendErr(w, status, core.OAuthCode(kind))
}
