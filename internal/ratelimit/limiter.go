// Package ratelimit provides Redis-backed fixed-window quotas using INCR +
// EXPIRE. Moderator replicas share one Redis, so a quota set here holds
// across every instance calling the same upstream API key.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule is a quota of Limit calls per Window, counted under keys with the
// Key prefix.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleThreatIntel matches the public VirusTotal API allowance of 4
	// lookups per minute per key.
	RuleThreatIntel = Rule{Key: "rl:vt:", Limit: 4, Window: time.Minute}

	// RuleClassifier caps moderation-endpoint calls per API key.
	RuleClassifier = Rule{Key: "rl:clf:", Limit: 500, Window: time.Minute}
)

type Limiter struct {
	client *redis.Client
	log    *zap.SugaredLogger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *zap.SugaredLogger) *Limiter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Limiter{client: client, log: logger}
}

// Allow counts one call by identifier against rule and reports whether the
// call is within the limit. The counter and its expiry are written in one
// transaction; the expiry is only set when the key has none, so the window is
// fixed from the first call.
//
// Redis errors fail open: an outage must not stop moderation.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		l.log.Warnw("quota check failed, allowing call", "key", key, "error", err)
		return true, err
	}
	return incr.Val() <= int64(rule.Limit), nil
}

// ResetIn returns the time until identifier's window for rule closes, or zero
// when no window is open.
func (l *Limiter) ResetIn(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
