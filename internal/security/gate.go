package security

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// EscalationGate hands out one claim per key until the claim expires. It makes
// brute-force escalation single-shot across concurrent requests and processes.
type EscalationGate interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisGate claims keys with SET NX.
type RedisGate struct {
	client *redis.Client
	prefix string
}

// NewRedisGate builds a gate storing claims under prefix.
func NewRedisGate(client *redis.Client, prefix string) *RedisGate {
	if prefix == "" {
		prefix = "security:escalation:"
	}
	return &RedisGate{client: client, prefix: prefix}
}

// Claim reports true for the first caller per key and ttl.
func (g *RedisGate) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}
