// Package valkey dials the Valkey instance that carries cache invalidation
// between engine instances. The engine uses it for pub/sub and health pings
// only; authoritative permission data lives in PostgreSQL.
package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect builds a client from a valkey:// or redis:// URL and verifies it
// with a ping, so a bad address fails startup instead of the first
// invalidation broadcast. dialTimeout bounds connection establishment.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(normalizeScheme(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}

// normalizeScheme rewrites a valkey:// scheme, in any casing, to redis://,
// the only scheme go-redis parses.
func normalizeScheme(rawURL string) string {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if ok && strings.EqualFold(scheme, "valkey") {
		return "redis://" + rest
	}
	return rawURL
}
