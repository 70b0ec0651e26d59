// Package relay moves staged outbox rows to the broker. It is the only
// component that publishes: intake, executor and process manager all write
// rows, the relay claims and sends them. Ticks claim batches with
// skip-locked row locks, so any number of relay instances cooperate without
// double-claiming; rows stuck in SENDING past the stale lease are claimed
// again, which makes delivery at-least-once after a crash.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker"

	"github.com/fairyhunter13/command-platform/internal/adapter/observability"
	"github.com/fairyhunter13/command-platform/internal/config"
	"github.com/fairyhunter13/command-platform/internal/domain"
)

const statsEvery = 15 * time.Second

// Relay claims due outbox rows and dispatches them by category.
type Relay struct {
	Outbox domain.OutboxStore
	Queue  domain.CommandQueue
	Events domain.EventPublisher

	cfg     config.RelayConfig
	claimer string
	breaker *gobreaker.CircuitBreaker
	leader  LeaderGate
}

// LeaderGate answers whether this instance should run the current tick.
// See RedisLeaderGate; a nil gate means every instance dispatches.
type LeaderGate interface {
	IsLeader(ctx context.Context) bool
}

// New constructs a Relay. The claimer identity names this instance in the
// outbox's claimed_by column, which is what operators see for stuck rows.
func New(outbox domain.OutboxStore, queue domain.CommandQueue, events domain.EventPublisher, cfg config.RelayConfig, leader LeaderGate) *Relay {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2000
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "relay"
	}
	return &Relay{
		Outbox:  outbox,
		Queue:   queue,
		Events:  events,
		cfg:     cfg,
		claimer: fmt.Sprintf("%s-%s", host, ulid.Make().String()),
		breaker: newDispatchBreaker(),
		leader:  leader,
	}
}

// Run ticks until the context ends. Every tick claims up to the batch size
// of due rows and dispatches them in claim order.
func (r *Relay) Run(ctx context.Context) error {
	slog.Info("outbox relay started",
		slog.String("claimer", r.claimer),
		slog.Duration("tick", r.cfg.Tick),
		slog.Int("batch_size", r.cfg.BatchSize))

	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()
	statsTicker := time.NewTicker(statsEvery)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox relay stopped", slog.String("claimer", r.claimer))
			return ctx.Err()
		case <-statsTicker.C:
			r.reportBacklog(ctx)
		case <-ticker.C:
			if r.leader != nil && !r.leader.IsLeader(ctx) {
				continue
			}
			if err := r.Tick(ctx); err != nil && !errors.Is(err, ctx.Err()) {
				slog.Error("relay tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick claims one batch and dispatches it. Exposed for tests and for
// draining in tools.
func (r *Relay) Tick(ctx context.Context) error {
	rows, err := r.Outbox.Claim(ctx, r.cfg.BatchSize, r.claimer)
	if err != nil {
		return fmt.Errorf("op=relay.claim: %w", err)
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.dispatchRow(ctx, row)
	}
	return nil
}

// dispatchRow sends one row and settles its state. The row is marked
// published only after the broker acknowledged the send; a failure between
// ack and mark leaves the row SENDING until the stale lease reclaims it,
// trading a duplicate delivery for never losing one.
func (r *Relay) dispatchRow(ctx context.Context, row domain.OutboxRow) {
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
	defer cancel()

	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.send(sendCtx, row)
	})
	if err != nil {
		observability.RescheduleOutboxRow(string(row.Category))
		delay := domain.BackoffDelay(row.Attempts+1, r.cfg.BackoffBase, r.cfg.BackoffCap)
		slog.Warn("outbox dispatch failed",
			slog.Int64("outbox_id", row.ID),
			slog.String("category", string(row.Category)),
			slog.String("topic", row.Topic),
			slog.Int("attempts", row.Attempts+1),
			slog.Duration("retry_in", delay),
			slog.Any("error", err))
		if rerr := r.Outbox.Reschedule(ctx, row.ID, delay, err.Error()); rerr != nil {
			slog.Error("outbox reschedule failed", slog.Int64("outbox_id", row.ID), slog.Any("error", rerr))
		}
		return
	}

	if err := r.Outbox.MarkPublished(ctx, row.ID); err != nil {
		slog.Error("outbox mark published failed, row will redeliver",
			slog.Int64("outbox_id", row.ID),
			slog.Any("error", err))
		return
	}
	observability.PublishOutboxRow(string(row.Category))
}

func (r *Relay) send(ctx context.Context, row domain.OutboxRow) error {
	var err error
	switch row.Category {
	case domain.OutboxCommand, domain.OutboxReply:
		err = r.Queue.Send(ctx, row.Topic, row.Key, row.Payload, row.Headers)
	case domain.OutboxEvent:
		err = r.Events.Publish(ctx, row.Topic, row.Key, row.Payload, row.Headers)
	default:
		return fmt.Errorf("op=relay.send: unknown category %q: %w", row.Category, domain.ErrOutboxDispatch)
	}
	if err != nil {
		return fmt.Errorf("op=relay.send: %w: %v", domain.ErrOutboxDispatch, err)
	}
	return nil
}

func (r *Relay) reportBacklog(ctx context.Context) {
	stats, err := r.Outbox.Stats(ctx)
	if err != nil {
		slog.Warn("outbox stats failed", slog.Any("error", err))
		return
	}
	observability.SetOutboxBacklog(stats.New, stats.Sending)
}

func newDispatchBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-dispatch",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("dispatch breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}
