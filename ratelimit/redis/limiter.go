package redislimiter

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limit allows Limit events per Window.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Limiter is a fixed-window counter shared by every replica through Redis.
type Limiter struct {
	rdb     redis.UniversalClient
	limits  map[string]Limit
	timeout time.Duration
	now     func() time.Time
}

func New(rdb redis.UniversalClient, limits map[string]Limit) *Limiter {
	return &Limiter{rdb: rdb, limits: limits, timeout: 250 * time.Millisecond, now: time.Now}
}

func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	lim, ok := l.limits[bucket]
	if !ok {
		lim, ok = l.limits["default"]
	}
	if !ok || lim.Limit <= 0 || lim.Window <= 0 {
		return true, nil
	}

	window := l.now().UnixNano() / int64(lim.Window)
	rkey := "rl:" + key + ":" + strconv.FormatInt(window, 10)

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, rkey)
		p.Expire(ctx, rkey, lim.Window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= int64(lim.Limit), nil
}
