package memorylimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit allows Limit events per Window.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Limiter keeps one token bucket per key. Buckets not in the limit table use
// the "default" entry; with no default, unknown buckets are unlimited.
// Single-process only.
type Limiter struct {
	limits map[string]Limit

	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time
	now      func() time.Time
}

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

func New(limits map[string]Limit) *Limiter {
	return &Limiter{limits: limits, visitors: make(map[string]*visitor), now: time.Now}
}

func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	lim, ok := l.limits[bucket]
	if !ok {
		lim, ok = l.limits["default"]
	}
	if !ok || lim.Limit <= 0 || lim.Window <= 0 {
		return true, nil
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gcLocked(now)
	v, ok := l.visitors[key]
	if !ok {
		every := rate.Every(lim.Window / time.Duration(lim.Limit))
		v = &visitor{lim: rate.NewLimiter(every, lim.Limit)}
		l.visitors[key] = v
	}
	v.seen = now
	return v.lim.AllowN(now, 1), nil
}

// gcLocked drops visitors idle for ten minutes, at most once a minute.
func (l *Limiter) gcLocked(now time.Time) {
	if now.Sub(l.lastGC) < time.Minute {
		return
	}
	l.lastGC = now
	for k, v := range l.visitors {
		if now.Sub(v.seen) > 10*time.Minute {
			delete(l.visitors, k)
		}
	}
}
