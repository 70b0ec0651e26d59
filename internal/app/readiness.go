package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal surface of a dependency that can answer a liveness
// ping. The pgx pool and the queue producer both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the db and broker checks wired into the
// readiness endpoint. A nil dependency reports as not configured rather than
// panicking, which keeps partial wirings (relay-only worker) probeable.
func BuildReadinessChecks(pool, broker Pinger) (func(ctx context.Context) error, func(ctx context.Context) error) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	brokerCheck := func(ctx context.Context) error {
		if broker == nil {
			return fmt.Errorf("broker not configured")
		}
		return broker.Ping(ctx)
	}
	return dbCheck, brokerCheck
}
