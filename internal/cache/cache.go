// Package cache remembers definitive verification results per address so
// repeated submissions skip the SMTP round trip. Redis is the shared store;
// a bounded in-process LRU takes over when Redis is absent or failing.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/ignite/bulk-verifier/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "verification:result:"

// Cacheable reports whether a result is stable enough to reuse. Unknown
// outcomes may resolve differently on the next attempt and are not kept.
func Cacheable(r domain.Result) bool {
	switch r.Status {
	case domain.StatusValid, domain.StatusRisky, domain.StatusInvalid:
		return true
	}
	return false
}

// ResultCache is safe for concurrent use.
type ResultCache struct {
	redis *redis.Client
	ttl   time.Duration
	local *expirable.LRU[string, domain.Result]
	log   *logger.Logger
}

// New creates a cache. client may be nil for local-only operation.
func New(client *redis.Client, ttl time.Duration, localMax int) *ResultCache {
	if localMax <= 0 {
		localMax = 10000
	}
	return &ResultCache{
		redis: client,
		ttl:   ttl,
		local: expirable.NewLRU[string, domain.Result](localMax, nil, ttl),
		log:   logger.New("cache"),
	}
}

func key(email string) string {
	return keyPrefix + strings.ToLower(strings.TrimSpace(email))
}

// Get returns the cached result for email.
func (c *ResultCache) Get(ctx context.Context, email string) (domain.Result, bool) {
	k := key(email)
	if c.redis != nil {
		data, err := c.redis.Get(ctx, k).Bytes()
		switch {
		case err == nil:
			var r domain.Result
			if err := json.Unmarshal(data, &r); err == nil {
				return r, true
			}
		case errors.Is(err, redis.Nil):
			return domain.Result{}, false
		default:
			c.log.Warn("redis get failed, using local cache", "error", err)
		}
	}
	return c.local.Get(k)
}

// Set stores a cacheable result. Other results are ignored.
func (c *ResultCache) Set(ctx context.Context, email string, r domain.Result) {
	if !Cacheable(r) || c.ttl <= 0 {
		return
	}
	k := key(email)
	c.local.Add(k, r)
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, k, data, c.ttl).Err(); err != nil {
		c.log.Warn("redis set failed", "error", err)
	}
}
