// Package config defines relay dispatch configuration.
package config

import (
	"time"
)

// RelayConfig groups the knobs the outbox relay runs on.
type RelayConfig struct {
	// Tick is the sweep interval of the relay timer.
	Tick time.Duration
	// BatchSize bounds how many rows one sweep claims.
	BatchSize int
	// StaleLease is how long a SENDING row may sit before reclaim.
	StaleLease time.Duration
	// BackoffBase is the first retry delay after a dispatch failure.
	BackoffBase time.Duration
	// BackoffCap is the ceiling for retry delays.
	BackoffCap time.Duration
	// DispatchTimeout bounds one send to a messaging backend.
	DispatchTimeout time.Duration
}

// GetRelayConfig returns the relay configuration.
func (c Config) GetRelayConfig() RelayConfig {
	return RelayConfig{
		Tick:            c.RelayTick,
		BatchSize:       c.RelayBatchSize,
		StaleLease:      c.RelayStaleLease,
		BackoffBase:     c.RelayBackoffBase,
		BackoffCap:      c.RelayBackoffCap,
		DispatchTimeout: c.RelayDispatchTimeout,
	}
}
