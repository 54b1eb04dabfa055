package authhttp

import "net/http"

// RateLimiter is a minimal interface used by the adapter.
type RateLimiter interface {
	AllowNamed(bucket string, key string) (bool, error)
}

// limited rejects requests over the bucket's per-IP limit with 429.
// It fails open on limiter error.
func (s *Service) limited(bucket string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(r, bucket) {
			tooMany(w)
			return
		}
		next(w, r)
	}
}
