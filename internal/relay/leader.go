package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Lua keeps renew and release compare-and-set: only the holder of the
// current token may extend or delete the key.
const (
	luaRenewLease = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
	luaReleaseLease = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
)

// RedisLeaderGate elects one dispatching relay through a Redis lease.
// Leadership is load shedding, not a correctness guard: claims already
// serialize on the row locks, so a Redis outage degrades to every
// instance sweeping instead of dispatch stopping. The gate therefore
// answers true on Redis errors.
type RedisLeaderGate struct {
	rdb     *redis.Client
	key     string
	id      string
	ttl     time.Duration
	renew   *redis.Script
	release *redis.Script

	mu     sync.Mutex
	leader bool
}

// NewRedisLeaderGate builds a gate over the given lease key. A nil client
// returns a nil gate, which the relay treats as always leader.
func NewRedisLeaderGate(rdb *redis.Client, key string, ttl time.Duration) *RedisLeaderGate {
	if rdb == nil {
		return nil
	}
	if key == "" {
		key = "relay:leader"
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLeaderGate{
		rdb:     rdb,
		key:     key,
		id:      ulid.Make().String(),
		ttl:     ttl,
		renew:   redis.NewScript(luaRenewLease),
		release: redis.NewScript(luaReleaseLease),
	}
}

// IsLeader renews the lease when held, otherwise tries to take it. Called
// once per relay tick, so the tick interval must stay well under the ttl.
func (g *RedisLeaderGate) IsLeader(ctx context.Context) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.leader {
		res, err := g.renew.Run(ctx, g.rdb, []string{g.key}, g.id, g.ttl.Milliseconds()).Int64()
		if err != nil {
			slog.Warn("leader lease renew failed, dispatching anyway", slog.Any("error", err))
			return true
		}
		if res == 1 {
			return true
		}
		slog.Info("leader lease lost", slog.String("lease_key", g.key), slog.String("holder", g.id))
		g.leader = false
	}

	ok, err := g.rdb.SetNX(ctx, g.key, g.id, g.ttl).Result()
	if err != nil {
		slog.Warn("leader lease acquire failed, dispatching anyway", slog.Any("error", err))
		return true
	}
	if ok {
		g.leader = true
		slog.Info("leader lease acquired", slog.String("lease_key", g.key), slog.String("holder", g.id))
	}
	return g.leader
}

// Resign drops the lease so another instance can take over without waiting
// for the ttl. Called on shutdown.
func (g *RedisLeaderGate) Resign(ctx context.Context) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.leader {
		return
	}
	g.leader = false
	if err := g.release.Run(ctx, g.rdb, []string{g.key}, g.id).Err(); err != nil && err != redis.Nil {
		slog.Warn("leader lease release failed, lease will expire", slog.Any("error", err))
	}
}
